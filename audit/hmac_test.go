package audit

import (
	"context"
	"strings"
	"testing"
)

func TestHMACSalting(t *testing.T) {
	hmacer := NewHMACer("per-device-salt-key")
	ctx := context.Background()

	token := "v1.eyJraWQiOiJrZXkxIn0.c2ln"
	salted, err := hmacer.Salt(ctx, token)
	if err != nil {
		t.Fatalf("Failed to salt data: %v", err)
	}

	if salted == token {
		t.Error("Salted value should differ from the input")
	}
	if !strings.HasPrefix(salted, "hmac-sha256:") {
		t.Errorf("Salted value missing 'hmac-sha256:' prefix: %q", salted)
	}

	// Same input under the same key stays correlatable
	salted2, _ := hmacer.Salt(ctx, token)
	if salted != salted2 {
		t.Error("Same input should produce the same salted output")
	}

	// A different device key must not produce the same digest
	other, _ := NewHMACer("another-device-key").Salt(ctx, token)
	if other == salted {
		t.Error("Different keys should produce different salted output")
	}
}

func TestHMACSalting_EmptyPassthrough(t *testing.T) {
	hmacer := NewHMACer("per-device-salt-key")

	salted, err := hmacer.Salt(context.Background(), "")
	if err != nil {
		t.Fatalf("Failed to salt empty data: %v", err)
	}
	if salted != "" {
		t.Errorf("Empty input should stay empty, got %q", salted)
	}
}
