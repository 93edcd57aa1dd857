package api

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestSys_ListMounts(t *testing.T) {
	t.Run("successfully lists mounts", func(t *testing.T) {
		client, closeFn := testSysClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v1/sys/mounts" {
				t.Errorf("expected path /v1/sys/mounts, got %s", r.URL.Path)
			}
			if r.Method != http.MethodGet {
				t.Errorf("expected GET method, got %s", r.Method)
			}

			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{
				"data": {
					"wallet/": {
						"type": "wallet",
						"description": "wallet backend",
						"accessor": "wallet_abc123",
						"uuid": "11111111-2222-3333-4444-555555555555"
					},
					"sys/": {
						"type": "system",
						"description": "system endpoints",
						"accessor": "system_def456",
						"uuid": "66666666-7777-8888-9999-000000000000"
					}
				}
			}`))
		})
		defer closeFn()

		mounts, err := client.Sys().ListMounts()
		if err != nil {
			t.Fatalf("ListMounts failed: %v", err)
		}

		if len(mounts) != 2 {
			t.Errorf("expected 2 mounts, got %d", len(mounts))
		}

		wallet, ok := mounts["wallet/"]
		if !ok {
			t.Fatal("expected wallet/ mount")
		}
		if wallet.Type != "wallet" {
			t.Errorf("expected type wallet, got %s", wallet.Type)
		}
		if wallet.Accessor != "wallet_abc123" {
			t.Errorf("expected accessor wallet_abc123, got %s", wallet.Accessor)
		}
		if wallet.UUID != "11111111-2222-3333-4444-555555555555" {
			t.Errorf("unexpected uuid: %s", wallet.UUID)
		}
	})

	t.Run("returns error when sealed", func(t *testing.T) {
		client, closeFn := testSysClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"errors": ["Walletd is sealed"]}`))
		})
		defer closeFn()

		_, err := client.Sys().ListMounts()
		if err == nil {
			t.Fatal("expected error for 503 response")
		}
	})

	t.Run("returns error on empty data", func(t *testing.T) {
		client, closeFn := testSysClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{}`))
		})
		defer closeFn()

		_, err := client.Sys().ListMounts()
		if err == nil {
			t.Fatal("expected error for response without data")
		}
	})
}

func TestSys_ListMountsWithContext(t *testing.T) {
	t.Run("respects context cancellation", func(t *testing.T) {
		client, closeFn := testSysClient(t, func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(100 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"data": {}}`))
		})
		defer closeFn()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := client.Sys().ListMountsWithContext(ctx)
		if err == nil {
			t.Fatal("expected error from cancelled context")
		}
	})
}

func TestSys_StorageInfo(t *testing.T) {
	t.Run("reports storage type and HA status", func(t *testing.T) {
		client, closeFn := testSysClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v1/sys/storage/info" {
				t.Errorf("expected path /v1/sys/storage/info, got %s", r.URL.Path)
			}

			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{
				"data": {
					"storage_type": "postgres",
					"ha_enabled": true,
					"is_leader": true,
					"leader_address": "https://node1:5000"
				}
			}`))
		})
		defer closeFn()

		info, err := client.Sys().StorageInfo()
		if err != nil {
			t.Fatalf("StorageInfo failed: %v", err)
		}

		if info.StorageType != "postgres" {
			t.Errorf("expected storage_type postgres, got %s", info.StorageType)
		}
		if !info.HAEnabled {
			t.Error("expected ha_enabled true")
		}
		if !info.IsLeader {
			t.Error("expected is_leader true")
		}
		if info.LeaderAddress != "https://node1:5000" {
			t.Errorf("unexpected leader_address: %s", info.LeaderAddress)
		}
	})

	t.Run("handles non-HA storage", func(t *testing.T) {
		client, closeFn := testSysClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"data": {"storage_type": "inmem", "ha_enabled": false}}`))
		})
		defer closeFn()

		info, err := client.Sys().StorageInfo()
		if err != nil {
			t.Fatalf("StorageInfo failed: %v", err)
		}
		if info.StorageType != "inmem" {
			t.Errorf("expected storage_type inmem, got %s", info.StorageType)
		}
		if info.HAEnabled {
			t.Error("expected ha_enabled false")
		}
	})
}
