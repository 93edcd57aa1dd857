package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

// Request describes one call against the walletd server before it is
// turned into a retryable HTTP request.
type Request struct {
	Method     string
	URL        *url.URL
	Host       string
	Params     url.Values
	Headers    http.Header
	ClientUser string
	Obj        interface{}

	// BodyBytes is the preferred body carrier: the retry layer can replay
	// a byte slice without help, while a plain reader cannot be rewound.
	BodyBytes []byte

	// Body is the fallback for streaming payloads.
	Body     io.Reader
	BodySize int64
}

// SetJSONBody marshals val and installs it as the request body, keeping
// the original value around so a redirect can re-encode it.
func (r *Request) SetJSONBody(val interface{}) error {
	if val == nil {
		return nil
	}

	buf, err := json.Marshal(val)
	if err != nil {
		return err
	}

	r.Obj = val
	r.BodyBytes = buf
	return nil
}

// ResetJSONBody re-encodes the stored body value after a redirect.
func (r *Request) ResetJSONBody() error {
	if r.BodyBytes == nil {
		return nil
	}
	return r.SetJSONBody(r.Obj)
}

// body picks the most replay-friendly body representation available.
func (r *Request) body() interface{} {
	if r.BodyBytes != nil {
		return r.BodyBytes
	}
	if r.Body != nil {
		return r.Body
	}
	return nil
}

func (r *Request) toRetryableHTTP() (*retryablehttp.Request, error) {
	r.URL.RawQuery = r.Params.Encode()

	req, err := retryablehttp.NewRequest(r.Method, r.URL.RequestURI(), r.body())
	if err != nil {
		return nil, err
	}

	req.URL.User = r.URL.User
	req.URL.Scheme = r.URL.Scheme
	req.URL.Host = r.URL.Host
	req.Host = r.Host

	for header, vals := range r.Headers {
		for _, val := range vals {
			req.Header.Add(header, val)
		}
	}

	// The identity header wins over any caller-supplied copy.
	if r.ClientUser != "" {
		req.Header.Set("X-Walletd-User", r.ClientUser)
	}

	return req, nil
}
