// Copyright (c) 2025 Walletd Project
// SPDX-License-Identifier: MPL-2.0

package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdklogical "github.com/openbao/openbao/sdk/v2/logical"
	"github.com/stephnangue/walletd/logical"
)

func TestOperationFromHTTPMethod(t *testing.T) {
	cases := []struct {
		name   string
		method string
		query  string
		header string
		want   logical.Operation
	}{
		{"GET returns Read", http.MethodGet, "", "", logical.ReadOperation},
		{"HEAD returns Read", http.MethodHead, "", "", logical.ReadOperation},
		{"OPTIONS returns Read", http.MethodOptions, "", "", logical.ReadOperation},
		{"POST returns Create", http.MethodPost, "", "", logical.CreateOperation},
		{"PUT returns Update", http.MethodPut, "", "", logical.UpdateOperation},
		{"PATCH returns Patch", http.MethodPatch, "", "", logical.PatchOperation},
		{"DELETE returns Delete", http.MethodDelete, "", "", logical.DeleteOperation},
		{"LIST returns List", "LIST", "", "", logical.ListOperation},
		{"GET with walletd-list returns List", http.MethodGet, "walletd-list=true", "", logical.ListOperation},
		{"GET with X-Walletd-Request LIST returns List", http.MethodGet, "", "LIST", logical.ListOperation},
		{"GET with walletd-help returns Help", http.MethodGet, "walletd-help=1", "", logical.HelpOperation},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			url := "/v1/wallet/keys"
			if tc.query != "" {
				url += "?" + tc.query
			}
			req := httptest.NewRequest(tc.method, url, nil)
			if tc.header != "" {
				req.Header.Set("X-Walletd-Request", tc.header)
			}

			assert.Equal(t, tc.want, operationFromHTTPMethod(req))
		})
	}
}

func TestBuildLogicalRequest(t *testing.T) {
	body := bytes.NewBufferString(`{"name": "team-wallet", "count": 3}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/wallet/", body)
	req.Header.Set("X-Walletd-User", "alice")
	req.RemoteAddr = "10.1.2.3:52001"

	logicalReq, err := buildLogicalRequest(req)
	require.NoError(t, err)

	assert.Equal(t, logical.CreateOperation, logicalReq.Operation)
	assert.Equal(t, "wallet/", logicalReq.Path)
	assert.Equal(t, "alice", logicalReq.ClientUser)
	assert.False(t, logicalReq.Unauthenticated)
	assert.Equal(t, "10.1.2.3", logicalReq.ClientIP)
	assert.Equal(t, "team-wallet", logicalReq.Data["name"])
	assert.Equal(t, float64(3), logicalReq.Data["count"])
	assert.Same(t, req, logicalReq.HTTPRequest)
}

func TestBuildLogicalRequest_NoIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/sys/health", nil)

	logicalReq, err := buildLogicalRequest(req)
	require.NoError(t, err)

	assert.Empty(t, logicalReq.ClientUser)
	assert.True(t, logicalReq.Unauthenticated)
	assert.Nil(t, logicalReq.Data)
}

func TestBuildLogicalRequest_BodyIgnoredOnGet(t *testing.T) {
	body := bytes.NewBufferString(`{"ignored": true}`)
	req := httptest.NewRequest(http.MethodGet, "/v1/wallet/", body)

	logicalReq, err := buildLogicalRequest(req)
	require.NoError(t, err)
	assert.Nil(t, logicalReq.Data)
}

func TestBuildLogicalRequest_BadJSON(t *testing.T) {
	body := bytes.NewBufferString(`{not json`)
	req := httptest.NewRequest(http.MethodPost, "/v1/wallet/", body)

	_, err := buildLogicalRequest(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JSON")
}

func TestBuildLogicalRequest_EmptyBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/sys/seal", nil)

	logicalReq, err := buildLogicalRequest(req)
	require.NoError(t, err)
	assert.Nil(t, logicalReq.Data)
}

func TestExtractClientIP(t *testing.T) {
	cases := []struct {
		name       string
		realIP     string
		forwarded  string
		remoteAddr string
		want       string
	}{
		{"X-Real-IP wins", "1.2.3.4", "5.6.7.8", "9.9.9.9:1234", "1.2.3.4"},
		{"X-Forwarded-For single", "", "5.6.7.8", "9.9.9.9:1234", "5.6.7.8"},
		{"X-Forwarded-For list takes first", "", "5.6.7.8, 10.0.0.1", "9.9.9.9:1234", "5.6.7.8"},
		{"RemoteAddr fallback strips port", "", "", "9.9.9.9:1234", "9.9.9.9"},
		{"RemoteAddr without port", "", "", "9.9.9.9", "9.9.9.9"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/sys/health", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}

			assert.Equal(t, tc.want, extractClientIP(req))
		})
	}
}

func TestErrorToStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, errorToStatusCode(logical.ErrServiceUnavailable("sealed")))
	assert.Equal(t, http.StatusNotFound, errorToStatusCode(logical.ErrNotFound("no such key")))
	assert.Equal(t, http.StatusForbidden, errorToStatusCode(logical.ErrForbidden("not a member")))
	assert.Equal(t, http.StatusMethodNotAllowed, errorToStatusCode(sdklogical.ErrUnsupportedOperation))
	assert.Equal(t, http.StatusNotFound, errorToStatusCode(sdklogical.ErrUnsupportedPath))
	assert.Equal(t, http.StatusInternalServerError, errorToStatusCode(assert.AnError))
}

func TestWriteLogicalResponse_Nil(t *testing.T) {
	w := httptest.NewRecorder()

	writeLogicalResponse(w, nil)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestWriteLogicalResponse_Data(t *testing.T) {
	w := httptest.NewRecorder()

	writeLogicalResponse(w, &logical.Response{
		StatusCode: http.StatusOK,
		Data:       map[string]any{"name": "team-wallet"},
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "team-wallet", body.Data["name"])
}

func TestWriteLogicalResponse_Error(t *testing.T) {
	w := httptest.NewRecorder()

	writeLogicalResponse(w, logical.ErrorResponse(logical.ErrConflict("wallet already exists")))

	assert.Equal(t, http.StatusConflict, w.Code)

	var body struct {
		Errors []string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Errors, 1)
	assert.Contains(t, body.Errors[0], "wallet already exists")
}

func TestWriteLogicalResponse_NoContent(t *testing.T) {
	w := httptest.NewRecorder()

	writeLogicalResponse(w, &logical.Response{StatusCode: http.StatusNoContent})

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestWriteLogicalResponse_DefaultStatus(t *testing.T) {
	w := httptest.NewRecorder()

	writeLogicalResponse(w, &logical.Response{
		Data: map[string]any{"keys": []string{"a", "b"}},
	})

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWriteLogicalResponse_Warnings(t *testing.T) {
	w := httptest.NewRecorder()

	resp := &logical.Response{
		StatusCode: http.StatusOK,
		Data:       map[string]any{"ok": true},
	}
	resp.AddWarning("key rotation recommended")
	writeLogicalResponse(w, resp)

	var body struct {
		Warnings []string `json:"warnings"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Warnings, 1)
	assert.Equal(t, "key rotation recommended", body.Warnings[0])
}

func TestWriteLogicalResponse_Headers(t *testing.T) {
	w := httptest.NewRecorder()

	resp := &logical.Response{StatusCode: http.StatusOK}
	resp.SetHeader("X-Wallet-Revision", "7")
	writeLogicalResponse(w, resp)

	assert.Equal(t, "7", w.Header().Get("X-Wallet-Revision"))
}
