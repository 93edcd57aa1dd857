package core

import (
	"context"
	"net/http"
	"time"

	"github.com/stephnangue/walletd/audit"
	"github.com/stephnangue/walletd/helper"
	"github.com/stephnangue/walletd/logger"
	"github.com/stephnangue/walletd/logical"
)

// buildAuditRequest converts logical.Request to audit.Request
// NOTE: Raw data passed through - format layer handles salting/omission via config
func buildAuditRequest(req *logical.Request) *audit.Request {
	if req == nil {
		return nil
	}

	// Requests that did not come through the HTTP layer carry no ID.
	id := req.RequestID
	if id == "" {
		id = helper.GenerateRequestID()
	}

	auditReq := &audit.Request{
		ID:              id,
		Operation:       string(req.Operation),
		Path:            req.Path,
		MountPath:       req.MountPoint,
		MountType:       req.MountType,
		MountAccessor:   req.MountAccessor,
		ClientIP:        req.ClientIP,
		Data:            copyMapAny(req.Data), // Raw - format layer handles
		Unauthenticated: req.Unauthenticated,
	}

	if req.HTTPRequest != nil {
		auditReq.Method = req.HTTPRequest.Method
		auditReq.Headers = copyHeaders(req.HTTPRequest.Header) // Raw - format layer handles
	}

	return auditReq
}

// buildAuditResponse converts logical.Response to audit.Response
// NOTE: Raw data passed through - format layer handles salting/omission via config
func buildAuditResponse(resp *logical.Response, req *logical.Request) *audit.Response {
	if resp == nil {
		return nil
	}

	auditResp := &audit.Response{
		StatusCode: resp.StatusCode,
		Data:       copyMapAny(resp.Data), // Raw - format layer handles
		Warnings:   resp.Warnings,
	}

	if resp.Err != nil {
		auditResp.Message = resp.Err.Error()
	}

	if resp.Headers != nil {
		auditResp.Headers = copyHeaders(resp.Headers) // Raw - format layer handles
	}

	if req != nil {
		auditResp.MountPath = req.MountPoint
		auditResp.MountType = req.MountType
		auditResp.MountAccessor = req.MountAccessor
	}

	return auditResp
}

// buildAuditIdentity converts the caller identity carried on the request
// to audit.Identity. The role is resolved by the backend during
// authorization, not here, so only the claimed identity is recorded.
func buildAuditIdentity(req *logical.Request) *audit.Identity {
	if req == nil || req.ClientUser == "" {
		return nil
	}
	return &audit.Identity{
		UserID:   req.ClientUser,
		ClientIP: req.ClientIP,
	}
}

// copyMapAny creates a shallow copy of a map[string]any
func copyMapAny(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	result := make(map[string]any, len(data))
	for k, v := range data {
		result[k] = v
	}
	return result
}

// copyHeaders creates a copy of HTTP headers
func copyHeaders(headers http.Header) map[string][]string {
	if headers == nil {
		return nil
	}
	result := make(map[string][]string, len(headers))
	for k, v := range headers {
		if v != nil {
			copied := make([]string, len(v))
			copy(copied, v)
			result[k] = copied
		}
	}
	return result
}

// buildRequestAuditEntry creates an audit.LogEntry for a request
func (c *Core) buildRequestAuditEntry(req *logical.Request, outerErr error) *audit.LogEntry {
	entry := &audit.LogEntry{
		Type:      string(audit.EntryTypeRequest),
		Timestamp: time.Now().UTC(),
		Identity:  buildAuditIdentity(req),
		Request:   buildAuditRequest(req),
	}

	if outerErr != nil {
		entry.Error = outerErr.Error()
	}

	return entry
}

// buildResponseAuditEntry creates an audit.LogEntry for a response
func (c *Core) buildResponseAuditEntry(req *logical.Request, resp *logical.Response, outerErr error) *audit.LogEntry {
	entry := &audit.LogEntry{
		Type:      string(audit.EntryTypeResponse),
		Timestamp: time.Now().UTC(),
		Identity:  buildAuditIdentity(req),
		Request:   buildAuditRequest(req),
		Response:  buildAuditResponse(resp, req),
	}

	// Capture error from multiple sources:
	// 1. outerErr - errors from request processing (e.g., routing errors)
	// 2. resp.Err - errors from backend handlers (e.g., validation errors)
	if outerErr != nil {
		entry.Error = outerErr.Error()
	} else if resp != nil && resp.Err != nil {
		entry.Error = resp.Err.Error()
	}

	return entry
}

// auditRequest writes the inbound half of the audit pair. If every
// enabled device fails the write, the request is refused: observability
// is part of the trust boundary.
func (c *Core) auditRequest(ctx context.Context, req *logical.Request) error {
	if len(c.auditManager.ListDevices()) == 0 {
		return nil
	}

	entry := c.buildRequestAuditEntry(req, nil)

	ok, err := c.auditManager.LogRequest(ctx, entry)
	if !ok {
		c.logger.Error("failed to audit request",
			logger.String("path", req.Path),
			logger.String("request_id", req.RequestID),
		)
		return logical.ErrInternal("failed to audit the request, cannot continue")
	}
	if err != nil {
		c.logger.Warn("partial audit device failure on request", logger.Err(err))
	}
	return nil
}

// auditResponse writes the outbound half of the audit pair after the
// backend has produced its response (or error).
func (c *Core) auditResponse(ctx context.Context, req *logical.Request, resp *logical.Response, routeErr error) error {
	if len(c.auditManager.ListDevices()) == 0 {
		return nil
	}

	entry := c.buildResponseAuditEntry(req, resp, routeErr)

	ok, err := c.auditManager.LogResponse(ctx, entry)
	if !ok {
		c.logger.Error("failed to audit response",
			logger.String("path", req.Path),
			logger.String("request_id", req.RequestID),
		)
		return logical.ErrInternal("failed to audit the response, cannot continue")
	}
	if err != nil {
		c.logger.Warn("partial audit device failure on response", logger.Err(err))
	}
	return nil
}
