package http

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	sdklogical "github.com/openbao/openbao/sdk/v2/logical"
	"github.com/stephnangue/walletd/core"
	"github.com/stephnangue/walletd/logger"
	"github.com/stephnangue/walletd/logical"
)

// handleLogical returns an HTTP handler for logical backend operations.
// It processes requests to both /v1/sys/ (system backend) and /v1/ (wallet backends).
//
// The handler:
//  1. Builds a logical request from the HTTP request
//  2. Sends the logical request to core.HandleRequest for processing
//  3. Writes the logical.Response back to the HTTP response
func handleLogical(c *core.Core, log logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reject unsupported HTTP methods
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions,
			http.MethodPost, http.MethodPut, http.MethodPatch,
			http.MethodDelete, "LIST":
			// allowed
		default:
			respondError(w, http.StatusMethodNotAllowed, "method "+r.Method+" not allowed")
			return
		}

		// Build the logical request from the HTTP request
		req, err := buildLogicalRequest(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}

		// Send the logical request to the core for processing
		resp, err := c.HandleRequest(r.Context(), req)
		if err != nil {
			statusCode := errorToStatusCode(err)
			respondError(w, statusCode, err.Error())
			return
		}

		// Write the logical response back to the HTTP response
		writeLogicalResponse(w, resp)
	})
}

// buildLogicalRequest creates a logical.Request from an HTTP request. The
// JSON body, when present, becomes the request data.
func buildLogicalRequest(r *http.Request) (*logical.Request, error) {
	op := operationFromHTTPMethod(r)

	// Get the path (strip /v1/ prefix)
	path := strings.TrimPrefix(r.URL.Path, "/v1/")

	data, err := parseJSONBody(r)
	if err != nil {
		return nil, err
	}

	// The caller identity comes from a header; authenticating it is the
	// deployment's concern.
	clientUser := r.Header.Get("X-Walletd-User")

	return &logical.Request{
		Operation:       op,
		Path:            path,
		Data:            data,
		HTTPRequest:     r,
		ClientUser:      clientUser,
		ClientIP:        extractClientIP(r),
		RequestID:       middleware.GetReqID(r.Context()),
		Unauthenticated: clientUser == "",
	}, nil
}

// parseJSONBody decodes the request body into a string-keyed map. An
// empty body is not an error; requests like seal or delete carry none.
func parseJSONBody(r *http.Request) (map[string]any, error) {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return nil, nil
	}
	if r.Body == nil {
		return nil, nil
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.New("failed to read request body")
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.New("failed to parse JSON request body")
	}
	return data, nil
}

// operationFromHTTPMethod maps HTTP methods to logical operations.
func operationFromHTTPMethod(r *http.Request) logical.Operation {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		// HEAD and OPTIONS are read-like operations (metadata, CORS preflight).
		// Check for HELP operation via query parameter (namespaced to avoid upstream conflicts).
		if r.URL.Query().Get("walletd-help") == "1" || r.URL.Query().Get("walletd-help") == "true" {
			return logical.HelpOperation
		}
		// Check for LIST operation via query parameter or header.
		if r.URL.Query().Get("walletd-list") == "true" || r.Header.Get("X-Walletd-Request") == "LIST" {
			return logical.ListOperation
		}
		return logical.ReadOperation
	case http.MethodPost:
		return logical.CreateOperation
	case http.MethodPut:
		return logical.UpdateOperation
	case http.MethodPatch:
		return logical.PatchOperation
	case http.MethodDelete:
		return logical.DeleteOperation
	case "LIST":
		return logical.ListOperation
	default:
		return logical.ReadOperation
	}
}

// extractClientIP extracts the client IP from the request.
// It checks X-Real-IP header first (set by reverse proxies),
// then X-Forwarded-For, then falls back to RemoteAddr.
func extractClientIP(r *http.Request) string {
	// Check X-Real-IP first (commonly set by nginx)
	clientIP := r.Header.Get("X-Real-IP")
	if clientIP != "" {
		return clientIP
	}

	// Check X-Forwarded-For
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		// Take the first IP in the list
		if idx := strings.Index(forwarded, ","); idx != -1 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return strings.TrimSpace(forwarded)
	}

	// Fall back to RemoteAddr
	clientIP = r.RemoteAddr
	if host, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = host
	}
	return clientIP
}

// errorToStatusCode maps errors to appropriate HTTP status codes.
func errorToStatusCode(err error) int {
	var coded *logical.CodedError
	if errors.As(err, &coded) {
		return coded.Status
	}

	switch {
	case errors.Is(err, sdklogical.ErrUnsupportedOperation):
		return http.StatusMethodNotAllowed
	case errors.Is(err, sdklogical.ErrUnsupportedPath):
		return http.StatusNotFound
	case errors.Is(err, sdklogical.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, sdklogical.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeLogicalResponse writes the logical.Response to the HTTP response.
// It copies headers, status code, and body from the logical response.
func writeLogicalResponse(w http.ResponseWriter, resp *logical.Response) {
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// Copy headers from the logical response
	for key, values := range resp.Headers {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	// Determine the body to write
	var body []byte
	if resp.Err != nil {
		w.Header().Set("Content-Type", "application/json")
		envelope := map[string]any{"errors": []string{resp.Err.Error()}}
		if jsonBody, err := json.Marshal(envelope); err == nil {
			body = jsonBody
		}
	} else if resp.Data != nil {
		w.Header().Set("Content-Type", "application/json")
		envelope := map[string]any{"data": resp.Data}
		if len(resp.Warnings) > 0 {
			envelope["warnings"] = resp.Warnings
		}
		if jsonBody, err := json.Marshal(envelope); err == nil {
			body = jsonBody
		}
	}

	// Write status code
	if resp.StatusCode > 0 {
		w.WriteHeader(resp.StatusCode)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	// Write body
	if len(body) > 0 {
		w.Write(body)
	}
}
