package audit

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// testSalt is a deterministic stand-in for the real HMAC salt func.
func testSalt(ctx context.Context, data string) (string, error) {
	return "hmac-sha256:" + data + "-salted", nil
}

// formatAndDecode formats entry as a request and parses the JSON back,
// so assertions run against what actually hits the sink.
func formatAndDecode(t *testing.T, format *JSONFormat, entry *LogEntry) (*LogEntry, []byte) {
	t.Helper()

	data, err := format.FormatRequest(context.Background(), entry)
	if err != nil {
		t.Fatalf("Failed to format request: %v", err)
	}

	var decoded LogEntry
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal JSON: %v", err)
	}
	return &decoded, data
}

// assertSalted checks that got differs from the original plaintext and
// carries the HMAC prefix.
func assertSalted(t *testing.T, got, plaintext, label string) {
	t.Helper()
	if got == plaintext {
		t.Errorf("%s was not salted", label)
	}
	if !strings.HasPrefix(got, "hmac-sha256:") {
		t.Errorf("%s doesn't have HMAC prefix", label)
	}
}

func TestJSONFormat(t *testing.T) {
	format := NewJSONFormat()

	entry := &LogEntry{
		Timestamp: time.Now(),
		Request: &Request{
			ID:        "req-123",
			Operation: "read",
			Path:      "wallets/team-a/keys",
			ClientIP:  "192.168.1.100",
		},
	}

	data, err := format.FormatRequest(context.Background(), entry)
	if err != nil {
		t.Fatalf("Failed to format request: %v", err)
	}
	if len(data) == 0 {
		t.Error("Formatted data is empty")
	}
	if !strings.Contains(string(data), "request") {
		t.Error("Missing 'request' in formatted output")
	}
}

func TestJSONFormatWithConfigurableSalting(t *testing.T) {
	testCases := []struct {
		name       string
		saltFields []string
		entry      *LogEntry
		checkFunc  func(*testing.T, *LogEntry)
	}{
		{
			name:       "salt request data payload",
			saltFields: []string{"request.data.payload"},
			entry: &LogEntry{
				Timestamp: time.Now(),
				Request: &Request{
					ID:   "req-123",
					Path: "wallets/team-a/tokens/issue",
					Data: map[string]interface{}{
						"key_id":  "signing-1",
						"payload": "secret-claims",
					},
				},
			},
			checkFunc: func(t *testing.T, entry *LogEntry) {
				if entry.Request == nil || entry.Request.Data == nil {
					t.Fatal("Request or Data is nil")
				}
				payload, ok := entry.Request.Data["payload"].(string)
				if !ok {
					t.Fatal("Payload is not a string")
				}
				assertSalted(t, payload, "secret-claims", "Payload")
				if keyID, ok := entry.Request.Data["key_id"].(string); ok && keyID != "signing-1" {
					t.Error("Key ID was modified when it shouldn't be")
				}
			},
		},
		{
			name:       "salt multiple fields",
			saltFields: []string{"request.data.payload", "request.data.key_data", "response.data.token"},
			entry: &LogEntry{
				Timestamp: time.Now(),
				Request: &Request{
					ID:   "req-456",
					Path: "wallets/team-a/keys",
					Data: map[string]interface{}{
						"payload":  "claims-blob",
						"key_data": "private-key-pem",
						"name":     "signing-1",
					},
				},
				Response: &Response{
					StatusCode: 200,
					Data: map[string]interface{}{
						"token": "eyJhbGciOi.payload.sig",
					},
				},
			},
			checkFunc: func(t *testing.T, entry *LogEntry) {
				if entry.Request == nil || entry.Request.Data == nil {
					t.Fatal("Request or Data is nil")
				}
				if payload, ok := entry.Request.Data["payload"].(string); ok {
					assertSalted(t, payload, "claims-blob", "Payload")
				}
				if keyData, ok := entry.Request.Data["key_data"].(string); ok {
					assertSalted(t, keyData, "private-key-pem", "Key data")
				}
				if name, ok := entry.Request.Data["name"].(string); ok && name != "signing-1" {
					t.Error("Name field was modified")
				}
				if entry.Response == nil || entry.Response.Data == nil {
					t.Fatal("Response or Data is nil")
				}
				if token, ok := entry.Response.Data["token"].(string); ok {
					assertSalted(t, token, "eyJhbGciOi.payload.sig", "Token")
				}
			},
		},
		{
			name:       "salt identity user ID",
			saltFields: []string{"identity.user_id"},
			entry: &LogEntry{
				Timestamp: time.Now(),
				Identity: &Identity{
					UserID: "user@example.com",
					Role:   "admin",
				},
			},
			checkFunc: func(t *testing.T, entry *LogEntry) {
				if entry.Identity == nil {
					t.Fatal("Identity is nil")
				}
				assertSalted(t, entry.Identity.UserID, "user@example.com", "User ID")
				if entry.Identity.Role != "admin" {
					t.Error("Role was modified")
				}
			},
		},
		{
			name:       "salt client IP",
			saltFields: []string{"request.client_ip"},
			entry: &LogEntry{
				Timestamp: time.Now(),
				Request: &Request{
					ID:       "req-789",
					ClientIP: "192.168.1.100",
					Path:     "wallets/team-a",
				},
			},
			checkFunc: func(t *testing.T, entry *LogEntry) {
				if entry.Request == nil {
					t.Fatal("Request is nil")
				}
				assertSalted(t, entry.Request.ClientIP, "192.168.1.100", "Client IP")
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			format := NewJSONFormat(
				WithSaltFunc(testSalt),
				WithSaltFields(tc.saltFields),
			)

			formatted, _ := formatAndDecode(t, format, tc.entry)
			tc.checkFunc(t, formatted)
		})
	}
}

func TestJSONFormatSaltAllDataFields(t *testing.T) {
	// "request.data" with no key salts every string value in the map.
	format := NewJSONFormat(
		WithSaltFunc(testSalt),
		WithSaltFields([]string{"request.data"}),
	)

	entry := &LogEntry{
		Timestamp: time.Now(),
		Request: &Request{
			ID:   "req-123",
			Path: "wallets/team-a/tokens/issue",
			Data: map[string]interface{}{
				"key_id":  "signing-1",
				"payload": "secret-claims",
				"token":   "secret-token",
				"ttl":     123, // non-string should be ignored
			},
		},
	}

	formatted, _ := formatAndDecode(t, format, entry)

	plaintexts := map[string]string{
		"key_id":  "signing-1",
		"payload": "secret-claims",
		"token":   "secret-token",
	}
	for field, plaintext := range plaintexts {
		value, ok := formatted.Request.Data[field].(string)
		if !ok {
			t.Fatalf("%s is not a string", field)
		}
		assertSalted(t, value, plaintext, field)
	}

	// JSON unmarshals numbers as float64
	if ttl, ok := formatted.Request.Data["ttl"].(float64); ok && ttl != 123 {
		t.Error("Number field was modified")
	}
}

func TestJSONFormatOmitFields(t *testing.T) {
	// The assertions run on the JSON output; the caller's entry is
	// cloned before mutation.
	testCases := []struct {
		name       string
		omitFields []string
		entry      *LogEntry
		wantGone   []string
		wantKept   []string
	}{
		{
			name:       "omit entire identity",
			omitFields: []string{"identity"},
			entry: &LogEntry{
				Timestamp: time.Now(),
				Identity: &Identity{
					UserID: "user@example.com",
					Role:   "admin",
				},
				Request: &Request{
					ID:   "req-123",
					Path: "wallets/team-a",
				},
			},
			wantGone: []string{"identity"},
			wantKept: []string{"request"},
		},
		{
			name:       "omit request.data",
			omitFields: []string{"request.data"},
			entry: &LogEntry{
				Timestamp: time.Now(),
				Request: &Request{
					ID:   "req-123",
					Path: "wallets/team-a/keys",
					Data: map[string]interface{}{
						"name":     "signing-1",
						"key_data": "private-key-pem",
					},
				},
			},
			wantGone: []string{"key_data", "private-key-pem"},
			wantKept: []string{"request", "wallets/team-a/keys"},
		},
		{
			name:       "omit specific request.data field",
			omitFields: []string{"request.data.key_data"},
			entry: &LogEntry{
				Timestamp: time.Now(),
				Request: &Request{
					ID:   "req-123",
					Path: "wallets/team-a/keys",
					Data: map[string]interface{}{
						"name":     "signing-1",
						"key_data": "private-key-pem",
					},
				},
			},
			wantGone: []string{"key_data", "private-key-pem"},
			wantKept: []string{"name", "signing-1"},
		},
		{
			name:       "omit response headers",
			omitFields: []string{"response.headers"},
			entry: &LogEntry{
				Timestamp: time.Now(),
				Response: &Response{
					StatusCode: 200,
					Headers: map[string][]string{
						"X-Internal": {"debug-info"},
					},
					Data: map[string]interface{}{
						"result": "success",
					},
				},
			},
			wantGone: []string{"X-Internal", "debug-info"},
			wantKept: []string{"response", "200"},
		},
		{
			name:       "omit multiple fields",
			omitFields: []string{"request.data", "response.headers", "metadata"},
			entry: &LogEntry{
				Timestamp: time.Now(),
				Request: &Request{
					ID:   "req-789",
					Data: map[string]interface{}{"key": "value"},
				},
				Response: &Response{
					StatusCode: 200,
					Headers:    map[string][]string{"X-Internal": {"debug-info"}},
				},
				Metadata: map[string]interface{}{"meta": "data"},
			},
			wantGone: []string{`"key"`, `"value"`, "X-Internal", "debug-info", `"metadata"`, `"meta"`},
			wantKept: []string{"response"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			format := NewJSONFormat(WithOmitFields(tc.omitFields))

			data, err := format.FormatRequest(context.Background(), tc.entry)
			if err != nil {
				t.Fatalf("Failed to format request: %v", err)
			}

			out := string(data)
			for _, gone := range tc.wantGone {
				if strings.Contains(out, gone) {
					t.Errorf("%q should not be in JSON output", gone)
				}
			}
			for _, kept := range tc.wantKept {
				if !strings.Contains(out, kept) {
					t.Errorf("%q should still be in JSON output", kept)
				}
			}
		})
	}
}

func TestJSONFormatNoSaltingWhenFieldsNotConfigured(t *testing.T) {
	// A salt func without salt fields must leave everything untouched.
	format := NewJSONFormat(WithSaltFunc(testSalt))

	entry := &LogEntry{
		Timestamp: time.Now(),
		Identity: &Identity{
			UserID: "user@example.com",
			Role:   "member",
		},
		Request: &Request{
			ID:   "req-123",
			Path: "wallets/team-a/tokens/issue",
			Data: map[string]interface{}{
				"payload": "secret-claims",
				"token":   "secret-token",
				"other":   "not-salted",
			},
		},
	}

	if _, err := format.FormatRequest(context.Background(), entry); err != nil {
		t.Fatalf("Failed to format request: %v", err)
	}

	if entry.Identity.UserID != "user@example.com" {
		t.Error("User ID was modified when it should not be")
	}
	for field, want := range map[string]string{
		"payload": "secret-claims",
		"token":   "secret-token",
		"other":   "not-salted",
	} {
		if got, ok := entry.Request.Data[field].(string); ok && got != want {
			t.Errorf("%s was modified when it should not be", field)
		}
	}
}
