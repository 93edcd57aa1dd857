package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Response is a raw response that wraps an HTTP response.
type Response struct {
	*http.Response
}

// DecodeJSON will decode the response body to a JSON structure. This
// will consume the response body, but will not close it. Close must
// still be called.
func (r *Response) DecodeJSON(out any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(out)
}

// Error returns an error response if there is one. If there is an error,
// this will fully consume the response body, but will not close it. The
// body must still be closed manually.
func (r *Response) Error() error {
	// 200 to 399 are okay status codes. 429 is the code for health status of
	// standby nodes, otherwise, 429 is treated as quota limit reached.
	if (r.StatusCode >= 200 && r.StatusCode < 400) || r.StatusCode == 429 {
		return nil
	}

	// Health endpoints report availability through the status code, so a
	// 5xx there is data rather than a transport failure.
	if r.Request != nil && r.Request.URL != nil && strings.HasSuffix(r.Request.URL.Path, "/sys/health") {
		return nil
	}

	// We have an error. Let's copy the body into our own buffer first,
	// so that if we can't decode JSON, we can at least copy it raw.
	bodyBuf := &bytes.Buffer{}
	if _, err := io.Copy(bodyBuf, r.Body); err != nil {
		return err
	}

	r.Body.Close()
	r.Body = io.NopCloser(bodyBuf)

	// Decode the error response if we can. Note that we wrap the bodyBuf
	// in a bytes.Reader here so that the JSON decoder doesn't move the
	// read pointer for the original buffer.
	var resp ErrorResponse
	dec := json.NewDecoder(bytes.NewReader(bodyBuf.Bytes()))
	if err := dec.Decode(&resp); err != nil {
		// Store the fact that we couldn't decode the errors
		return &ResponseError{
			HTTPMethod: r.Request.Method,
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			RawError:   true,
			Errors:     []string{bodyBuf.String()},
		}
	}

	return &ResponseError{
		HTTPMethod: r.Request.Method,
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Errors:     resp.Errors,
	}
}

// ErrorResponse is the JSON structure of the error body.
type ErrorResponse struct {
	Errors []string `json:"errors"`
}

// ResponseError is the error returned when Walletd responds with an error
// or non-success HTTP status code.
type ResponseError struct {
	// HTTPMethod is the HTTP method for the request (PUT, GET, etc).
	HTTPMethod string

	// URL is the URL of the request.
	URL string

	// StatusCode is the HTTP status code.
	StatusCode int

	// RawError marks that the body could not be decoded as the standard
	// error JSON, and Errors carries it verbatim.
	RawError bool

	// Errors are the underlying errors returned by Walletd.
	Errors []string
}

// Error implements the error interface.
func (r *ResponseError) Error() string {
	errString := strings.TrimSpace(strings.Join(r.Errors, "\n"))

	var errBody string
	if errString != "" {
		kind := "Errors"
		if r.RawError {
			kind = "Raw Message"
		}
		errBody = fmt.Sprintf("\n%s:\n%s", kind, errString)
	}

	return fmt.Sprintf(
		"Error making API request.\n\nURL: %s %s\nCode: %d.%s",
		r.HTTPMethod, r.URL, r.StatusCode, errBody)
}
