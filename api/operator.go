package api

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// Operator exposes the generic read/write/list/delete surface of the
// walletd API, addressed by mount-relative paths.
type Operator struct {
	c *Client
}

// Operator returns the generic API surface for this client.
func (c *Client) Operator() *Operator {
	return &Operator{c: c}
}

func (c *Operator) Read(path string) (*Resource, error) {
	return c.ReadWithDataWithContext(context.Background(), path, nil)
}

func (c *Operator) ReadWithContext(ctx context.Context, path string) (*Resource, error) {
	return c.ReadWithDataWithContext(ctx, path, nil)
}

// ReadWithData reads the given path (without the /v1/ prefix) with the
// data map attached as query parameters.
func (c *Operator) ReadWithData(path string, data map[string][]string) (*Resource, error) {
	return c.ReadWithDataWithContext(context.Background(), path, data)
}

func (c *Operator) ReadWithDataWithContext(ctx context.Context, path string, data map[string][]string) (*Resource, error) {
	r := c.c.NewRequest(http.MethodGet, "/v1/"+path)
	if params := queryValues(data); params != nil {
		r.Params = params
	}
	return c.do(ctx, r)
}

func (c *Operator) List(path string) (*Resource, error) {
	return c.ListWithContext(context.Background(), path)
}

func (c *Operator) ListWithContext(ctx context.Context, path string) (*Resource, error) {
	r := c.c.NewRequest("LIST", "/v1/"+path)
	// Send as a GET with the list query parameter so intermediaries that
	// reject the LIST verb still pass the request through.
	r.Method = http.MethodGet
	r.Params.Set("walletd-list", "true")
	return c.do(ctx, r)
}

func (c *Operator) Write(path string, data map[string]interface{}) (*Resource, error) {
	return c.WriteWithContext(context.Background(), path, data)
}

func (c *Operator) WriteWithContext(ctx context.Context, path string, data map[string]interface{}) (*Resource, error) {
	r := c.c.NewRequest(http.MethodPut, "/v1/"+path)
	if err := r.SetJSONBody(data); err != nil {
		return nil, err
	}
	return c.do(ctx, r)
}

func (c *Operator) Delete(path string) (*Resource, error) {
	return c.DeleteWithContext(context.Background(), path)
}

func (c *Operator) DeleteWithContext(ctx context.Context, path string) (*Resource, error) {
	return c.DeleteWithDataWithContext(ctx, path, nil)
}

func (c *Operator) DeleteWithData(path string, data map[string][]string) (*Resource, error) {
	return c.DeleteWithDataWithContext(context.Background(), path, data)
}

func (c *Operator) DeleteWithDataWithContext(ctx context.Context, path string, data map[string][]string) (*Resource, error) {
	r := c.c.NewRequest(http.MethodDelete, "/v1/"+path)
	if params := queryValues(data); params != nil {
		r.Params = params
	}
	return c.do(ctx, r)
}

// do executes r under the configured timeout and parses the result.
func (c *Operator) do(ctx context.Context, r *Request) (*Resource, error) {
	ctx, cancelFunc := c.c.withConfiguredTimeout(ctx)
	defer cancelFunc()

	resp, err := c.c.rawRequestWithContext(ctx, r)
	return c.ParseRawResponseAndCloseBody(resp, err)
}

// ParseRawResponseAndCloseBody turns a raw response into a Resource. A
// 404 carrying a non-empty data payload is still surfaced as a Resource;
// a bare 404 maps to (nil, nil) so callers can treat it as absence.
func (c *Operator) ParseRawResponseAndCloseBody(resp *Response, err error) (*Resource, error) {
	if resp != nil {
		defer resp.Body.Close()
	}
	if resp != nil && resp.StatusCode == 404 {
		resource, parseErr := ParseResource(resp.Body)
		switch parseErr {
		case nil:
		case io.EOF:
			return nil, nil
		default:
			return nil, parseErr
		}
		if resource != nil && len(resource.Data) > 0 {
			return resource, nil
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return ParseResource(resp.Body)
}

// queryValues flattens a header-style map into url.Values, returning nil
// when there is nothing to send.
func queryValues(data map[string][]string) url.Values {
	if len(data) == 0 {
		return nil
	}
	values := make(url.Values, len(data))
	for k, vals := range data {
		for _, v := range vals {
			values.Add(k, v)
		}
	}
	return values
}
