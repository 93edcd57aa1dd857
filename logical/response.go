package logical

import (
	"net/http"
)

// Response is a struct that holds the response from a logical backend.
// It contains all the data needed to construct an HTTP response.
type Response struct {

	// StatusCode is the HTTP status code for the response. Zero means 200.
	StatusCode int

	// Headers contains HTTP headers to be sent with the response.
	Headers http.Header

	// Data contains structured response data, serialized as the "data"
	// envelope of the JSON body.
	Data map[string]any

	// Err is set if an error occurred during processing.
	Err error

	// Warnings contains any warnings generated during processing.
	// Warnings are returned to the caller but do not indicate failure.
	Warnings []string
}

// NewResponse creates a new Response with default values.
func NewResponse() *Response {
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    make(http.Header),
	}
}

// ListResponse builds a response for a list of keys, mirroring the
// conventional {"keys": [...]} layout.
func ListResponse(keys []string) *Response {
	resp := &Response{
		Data: map[string]any{},
	}
	if len(keys) != 0 {
		resp.Data["keys"] = keys
	}
	return resp
}

// IsError returns true if the response represents an error.
func (r *Response) IsError() bool {
	return r.Err != nil || (r.StatusCode >= 400 && r.StatusCode < 600)
}

// Error returns the error associated with this response.
func (r *Response) Error() error {
	return r.Err
}

// SetHeader sets a header value on the response.
func (r *Response) SetHeader(key, value string) {
	if r.Headers == nil {
		r.Headers = make(http.Header)
	}
	r.Headers.Set(key, value)
}

// AddWarning adds a warning message to the response.
func (r *Response) AddWarning(warning string) {
	r.Warnings = append(r.Warnings, warning)
}
