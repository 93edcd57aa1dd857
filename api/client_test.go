package api

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/time/rate"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv(EnvWalletdAddress, "")

	config := DefaultConfig()
	if config == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if config.Error != nil {
		t.Fatalf("unexpected config error: %v", config.Error)
	}

	if config.Address != "https://127.0.0.1:5000" {
		t.Errorf("unexpected default address: %s", config.Address)
	}
	if config.Timeout != time.Second*60 {
		t.Errorf("unexpected timeout: %v", config.Timeout)
	}
	if config.MinRetryWait != time.Millisecond*1000 || config.MaxRetryWait != time.Millisecond*1500 {
		t.Errorf("unexpected retry waits: %v / %v", config.MinRetryWait, config.MaxRetryWait)
	}
	if config.MaxRetries != 2 {
		t.Errorf("unexpected MaxRetries: %d", config.MaxRetries)
	}
	if config.Backoff == nil {
		t.Error("Backoff should be set")
	}

	transport := config.HttpClient.Transport.(*http.Transport)
	if transport.TLSClientConfig.MinVersion != tls.VersionTLS12 {
		t.Errorf("unexpected TLS minimum version: %d", transport.TLSClientConfig.MinVersion)
	}

	// Redirects are handled by the client itself
	if err := config.HttpClient.CheckRedirect(&http.Request{}, nil); err != http.ErrUseLastResponse {
		t.Errorf("expected ErrUseLastResponse, got %v", err)
	}
}

func TestConfig_ConfigureTLS_Insecure(t *testing.T) {
	config := DefaultConfig()
	if err := config.ConfigureTLS(&TLSConfig{Insecure: true}); err != nil {
		t.Fatalf("ConfigureTLS failed: %v", err)
	}

	transport := config.HttpClient.Transport.(*http.Transport)
	if !transport.TLSClientConfig.InsecureSkipVerify {
		t.Error("expected InsecureSkipVerify to be set")
	}
}

func TestConfig_ConfigureTLS_ServerName(t *testing.T) {
	config := DefaultConfig()
	if err := config.ConfigureTLS(&TLSConfig{TLSServerName: "walletd.example.com"}); err != nil {
		t.Fatalf("ConfigureTLS failed: %v", err)
	}

	transport := config.HttpClient.Transport.(*http.Transport)
	if transport.TLSClientConfig.ServerName != "walletd.example.com" {
		t.Errorf("unexpected ServerName: %s", transport.TLSClientConfig.ServerName)
	}
}

func TestConfig_ConfigureTLS_RequiresCertAndKey(t *testing.T) {
	config := DefaultConfig()

	err := config.ConfigureTLS(&TLSConfig{ClientCert: "/path/to/cert"})
	if err == nil || !strings.Contains(err.Error(), "both client cert and client key") {
		t.Fatalf("expected cert/key pairing error, got %v", err)
	}

	if err := config.ConfigureTLS(&TLSConfig{ClientKey: "/path/to/key"}); err == nil {
		t.Fatal("expected an error for a key without a cert")
	}
}

func testCACertPEM(t *testing.T) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate CA key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "walletd-test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create CA certificate: %v", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestConfig_ConfigureTLS_CACertBytes(t *testing.T) {
	config := DefaultConfig()

	if err := config.ConfigureTLS(&TLSConfig{CACertBytes: testCACertPEM(t)}); err != nil {
		t.Fatalf("ConfigureTLS failed: %v", err)
	}

	transport := config.HttpClient.Transport.(*http.Transport)
	if transport.TLSClientConfig.RootCAs == nil {
		t.Error("expected RootCAs pool to be populated from CACertBytes")
	}
}

func TestConfig_TLSConfigClone(t *testing.T) {
	config := DefaultConfig()
	if err := config.ConfigureTLS(&TLSConfig{TLSServerName: "test.example.com", Insecure: true}); err != nil {
		t.Fatalf("ConfigureTLS failed: %v", err)
	}

	cloned := config.TLSConfig()
	if cloned == nil {
		t.Fatal("TLSConfig returned nil")
	}
	if cloned.ServerName != "test.example.com" || !cloned.InsecureSkipVerify {
		t.Errorf("clone did not carry the applied settings: %+v", cloned)
	}
}

func TestConfig_ParseAddress(t *testing.T) {
	config := DefaultConfig()

	u, err := config.ParseAddress("http://example.com:8080")
	if err != nil {
		t.Fatalf("ParseAddress failed: %v", err)
	}
	if u.Scheme != "http" || u.Host != "example.com:8080" {
		t.Errorf("unexpected URL: %s", u)
	}
	if config.Address != "http://example.com:8080" {
		t.Errorf("Address not recorded: %s", config.Address)
	}

	if _, err := config.ParseAddress("://invalid"); err == nil {
		t.Error("expected an error for a malformed address")
	}
}

func TestConfig_ParseAddress_UnixSocket(t *testing.T) {
	config := DefaultConfig()

	u, err := config.ParseAddress("unix:///var/run/walletd.sock")
	if err != nil {
		t.Fatalf("ParseAddress failed: %v", err)
	}

	// The URL kept by the client names the application layer, not the
	// socket.
	if u.Scheme != "http" || u.Host != "localhost" {
		t.Errorf("unexpected URL for unix socket: %s", u)
	}
}

func TestParseRateLimit(t *testing.T) {
	tests := []struct {
		input string
		rate  float64
		burst int
		fails bool
	}{
		{input: "10.5:20", rate: 10.5, burst: 20},
		{input: "15.0", rate: 15.0, burst: 15},
		{input: "100", rate: 100.0, burst: 100},
		{input: "invalid", fails: true},
	}

	for _, tt := range tests {
		gotRate, gotBurst, err := parseRateLimit(tt.input)
		if tt.fails {
			if err == nil {
				t.Errorf("%q: expected an error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tt.input, err)
			continue
		}
		if gotRate != tt.rate || gotBurst != tt.burst {
			t.Errorf("%q: got %f/%d, want %f/%d", tt.input, gotRate, gotBurst, tt.rate, tt.burst)
		}
	}
}

func TestNewClient(t *testing.T) {
	client, err := NewClient(nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client.config == nil || client.addr == nil {
		t.Fatal("client not fully initialized")
	}
}

func TestNewClient_CustomConfig(t *testing.T) {
	client, err := NewClient(&Config{
		Address:      "http://custom.example.com",
		HttpClient:   cleanhttp.DefaultPooledClient(),
		MaxRetries:   5,
		MinRetryWait: time.Second * 2,
		MaxRetryWait: time.Second * 10,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if client.MaxRetries() != 5 {
		t.Errorf("unexpected MaxRetries: %d", client.MaxRetries())
	}
	if client.Address() != "http://custom.example.com" {
		t.Errorf("unexpected address: %s", client.Address())
	}
}

func TestNewClient_FillsZeroValues(t *testing.T) {
	client, err := NewClient(&Config{
		Address:    "http://test.example.com",
		HttpClient: cleanhttp.DefaultPooledClient(),
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if client.config.MinRetryWait == 0 || client.config.MaxRetryWait == 0 {
		t.Error("zero retry waits should be replaced with defaults")
	}
}

func TestNewClient_InvalidAddress(t *testing.T) {
	_, err := NewClient(&Config{
		Address:    "://invalid",
		HttpClient: cleanhttp.DefaultPooledClient(),
	})
	if err == nil {
		t.Fatal("expected an error for a malformed address")
	}
}

func TestClient_SetAddress(t *testing.T) {
	client, err := NewClient(nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if err := client.SetAddress("http://newserver.example.com:9000"); err != nil {
		t.Fatalf("SetAddress failed: %v", err)
	}
	if client.Address() != "http://newserver.example.com:9000" {
		t.Errorf("unexpected address: %s", client.Address())
	}
}

func TestClient_UserIdentity(t *testing.T) {
	t.Setenv(EnvWalletdUser, "")

	client, err := NewClient(nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if client.User() != "" {
		t.Errorf("expected no identity, got %q", client.User())
	}

	client.SetUser("alice")
	if client.User() != "alice" {
		t.Errorf("unexpected identity: %q", client.User())
	}

	client.ClearUser()
	if client.User() != "" {
		t.Error("identity should be gone after ClearUser")
	}
}

func TestClient_UserFromEnvironment(t *testing.T) {
	t.Setenv(EnvWalletdUser, "bob")

	client, err := NewClient(nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client.User() != "bob" {
		t.Errorf("identity not read from environment: %q", client.User())
	}
}

func TestClient_SetLimiter(t *testing.T) {
	client, err := NewClient(nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	client.SetLimiter(10.0, 20)

	limiter := client.config.Limiter
	if limiter == nil {
		t.Fatal("limiter not installed")
	}
	if limiter.Limit() != rate.Limit(10.0) || limiter.Burst() != 20 {
		t.Errorf("unexpected limiter settings: %v/%d", limiter.Limit(), limiter.Burst())
	}
}

func TestClient_RetrySettings(t *testing.T) {
	client, err := NewClient(nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	client.SetMinRetryWait(time.Second * 5)
	client.SetMaxRetryWait(time.Second * 30)
	client.SetMaxRetries(10)

	if client.config.MinRetryWait != time.Second*5 {
		t.Errorf("unexpected MinRetryWait: %v", client.config.MinRetryWait)
	}
	if client.config.MaxRetryWait != time.Second*30 {
		t.Errorf("unexpected MaxRetryWait: %v", client.config.MaxRetryWait)
	}
	if client.MaxRetries() != 10 {
		t.Errorf("unexpected MaxRetries: %d", client.MaxRetries())
	}
}

func TestClient_ClientTimeout(t *testing.T) {
	client, err := NewClient(nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	client.SetClientTimeout(time.Minute * 5)
	if client.ClientTimeout() != time.Minute*5 {
		t.Errorf("unexpected timeout: %v", client.ClientTimeout())
	}
}

func TestClient_OutputCurlStringFlag(t *testing.T) {
	client, err := NewClient(nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if client.OutputCurlString() {
		t.Error("flag should start off")
	}
	client.SetOutputCurlString(true)
	if !client.OutputCurlString() {
		t.Error("flag should be on")
	}
}

func TestClient_NewRequest(t *testing.T) {
	client, err := NewClient(nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	client.SetUser("alice")

	req := client.NewRequest("GET", "/v1/wallet/keys")
	if req.Method != "GET" {
		t.Errorf("unexpected method: %s", req.Method)
	}
	if !strings.HasSuffix(req.URL.Path, "/v1/wallet/keys") {
		t.Errorf("unexpected path: %s", req.URL.Path)
	}
	if req.ClientUser != "alice" {
		t.Errorf("unexpected identity on request: %q", req.ClientUser)
	}
	if req.Params == nil {
		t.Error("Params should be initialized")
	}
}

func TestClient_NewRequest_KeepsSchemeAndHost(t *testing.T) {
	client, err := NewClient(nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if err := client.SetAddress("https://custom.example.com:8200"); err != nil {
		t.Fatalf("SetAddress failed: %v", err)
	}

	req := client.NewRequest("POST", "/v1/wallet/users/")
	if req.URL.Scheme != "https" || req.URL.Host != "custom.example.com:8200" {
		t.Errorf("unexpected request URL: %s", req.URL)
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		status int
		retry  bool
	}{
		{status: 412, retry: true},
		{status: 500, retry: true},
		{status: 200, retry: false},
		{status: 404, retry: false},
	}
	for _, tc := range cases {
		retry, err := DefaultRetryPolicy(ctx, &http.Response{StatusCode: tc.status}, nil)
		if err != nil {
			t.Fatalf("status %d: unexpected error: %v", tc.status, err)
		}
		if retry != tc.retry {
			t.Errorf("status %d: retry=%v, want %v", tc.status, retry, tc.retry)
		}
	}
}

func TestClient_RawRequest_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data": "success"}`))
	}))
	defer server.Close()

	config := DefaultConfig()
	config.Address = server.URL

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	resp, err := client.rawRequestWithContext(context.Background(), client.NewRequest("GET", "/test"))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("unexpected status: %d", resp.StatusCode)
	}
}

func TestClient_RawRequest_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"errors": ["internal server error"]}`))
	}))
	defer server.Close()

	config := DefaultConfig()
	config.Address = server.URL
	config.MaxRetries = 0

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if _, err := client.rawRequestWithContext(context.Background(), client.NewRequest("GET", "/test")); err == nil {
		t.Fatal("expected an error for a 500 response")
	}
}

func TestClient_RawRequest_ContextDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second * 2)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	config := DefaultConfig()
	config.Address = server.URL

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*100)
	defer cancel()

	if _, err := client.rawRequestWithContext(ctx, client.NewRequest("GET", "/test")); err == nil {
		t.Fatal("expected an error from the context deadline")
	}
}

func TestClient_CurlStringCapture(t *testing.T) {
	client, err := NewClient(&Config{Address: "https://walletd.example.com:8200"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	client.SetOutputCurlString(true)

	req := client.NewRequest(http.MethodPut, "/v1/wallet/keys/signing")
	if err := req.SetJSONBody(map[string]interface{}{"type": "ed25519"}); err != nil {
		t.Fatalf("SetJSONBody failed: %v", err)
	}

	_, err = client.RawRequestWithContext(context.Background(), req)
	if err == nil {
		t.Fatal("expected the request to be intercepted")
	}
	if err.Error() != ErrOutputStringRequest {
		t.Fatalf("unexpected error: %v", err)
	}
	if LastOutputStringError == nil {
		t.Fatal("expected LastOutputStringError to be recorded")
	}

	cs, err := LastOutputStringError.CurlString()
	if err != nil {
		t.Fatalf("CurlString failed: %v", err)
	}
	if !strings.Contains(cs, "https://walletd.example.com:8200/v1/wallet/keys/signing") {
		t.Errorf("curl string missing request URL: %s", cs)
	}
	if !strings.Contains(cs, "-X PUT") {
		t.Errorf("curl string missing method: %s", cs)
	}
}

func TestClient_WithConfiguredTimeout(t *testing.T) {
	config := DefaultConfig()
	config.Timeout = time.Second * 5

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	ctx, cancel := client.withConfiguredTimeout(context.Background())
	defer cancel()
	if _, ok := ctx.Deadline(); !ok {
		t.Error("expected a deadline from the configured timeout")
	}

	client.SetClientTimeout(0)
	ctx, cancel = client.withConfiguredTimeout(context.Background())
	defer cancel()
	if _, ok := ctx.Deadline(); ok {
		t.Error("expected no deadline when the timeout is zero")
	}
}

func TestConfig_ReadEnvironment(t *testing.T) {
	t.Setenv(EnvWalletdAddress, "http://env.example.com:8200")
	t.Setenv(EnvWalletdMaxRetries, "7")
	t.Setenv(EnvWalletdClientTimeout, "90")

	config := &Config{HttpClient: cleanhttp.DefaultPooledClient()}
	config.HttpClient.Transport.(*http.Transport).TLSClientConfig = &tls.Config{}

	if err := config.ReadEnvironment(); err != nil {
		t.Fatalf("ReadEnvironment failed: %v", err)
	}

	if config.Address != "http://env.example.com:8200" {
		t.Errorf("address not read from environment: %s", config.Address)
	}
	if config.MaxRetries != 7 {
		t.Errorf("max retries not read from environment: %d", config.MaxRetries)
	}
	if config.Timeout != 90*time.Second {
		t.Errorf("timeout not read from environment: %v", config.Timeout)
	}
}

func TestConfig_ReadEnvironment_BadValues(t *testing.T) {
	t.Setenv(EnvWalletdSkipVerify, "not-a-bool")

	config := &Config{HttpClient: cleanhttp.DefaultPooledClient()}
	config.HttpClient.Transport.(*http.Transport).TLSClientConfig = &tls.Config{}

	if err := config.ReadEnvironment(); err == nil {
		t.Fatal("expected an error for a malformed boolean")
	}
}

func TestClient_ConcurrentAccess(t *testing.T) {
	client, err := NewClient(nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = client.Address()
			_ = client.User()
			_ = client.MaxRetries()
			_ = client.ClientTimeout()
		}()
		go func(i int) {
			defer wg.Done()
			client.SetUser("user")
			client.SetMaxRetries(i)
			client.SetClientTimeout(time.Second * time.Duration(i))
		}(i)
	}
	wg.Wait()
}
