package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/hashicorp/go-rootcerts"
	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"
)

const (
	EnvWalletdAddress       = "WALLETD_ADDR"
	EnvWalletdCACert        = "WALLETD_CACERT"
	EnvWalletdCACertBytes   = "WALLETD_CACERT_BYTES"
	EnvWalletdCAPath        = "WALLETD_CAPATH"
	EnvWalletdClientCert    = "WALLETD_CLIENT_CERT"
	EnvWalletdClientKey     = "WALLETD_CLIENT_KEY"
	EnvWalletdClientTimeout = "WALLETD_CLIENT_TIMEOUT"
	EnvWalletdSRVLookup     = "WALLETD_SRV_LOOKUP"
	EnvWalletdSkipVerify    = "WALLETD_SKIP_VERIFY"
	EnvWalletdTLSServerName = "WALLETD_TLS_SERVER_NAME"
	EnvWalletdMaxRetries    = "WALLETD_MAX_RETRIES"
	EnvWalletdUser          = "WALLETD_USER"
	EnvRateLimit            = "WALLETD_RATE_LIMIT"
	EnvHTTPProxy            = "WALLETD_HTTP_PROXY"
	EnvWalletdProxyAddr     = "WALLETD_PROXY_ADDR"

	TLSErrorString = "This error usually means that the server is running with TLS disabled\n" +
		"but the client is configured to use TLS. Please either enable TLS\n" +
		"on the server or run the client with -address set to an address\n" +
		"that uses the http protocol:\n\n" +
		"    walletd <command> -address http://<address>\n\n" +
		"You can also set the WALLETD_ADDR environment variable:\n\n\n" +
		"    WALLETD_ADDR=http://<address> walletd <command>\n\n" +
		"where <address> is replaced by the actual address to the server."
)

// Config holds the settings NewClient consumes. A zero MinRetryWait,
// MaxRetryWait or HttpClient is filled in from DefaultConfig, everything
// else is taken as-is.
type Config struct {
	modifyLock sync.RWMutex

	// Address is the full base URL of the walletd server, e.g.
	// "https://walletd.internal:5000".
	Address string

	// HttpClient carries the transport. DefaultConfig builds a pooled
	// client with TLS 1.2+ and h2 enabled; replace it only when those
	// defaults do not fit.
	HttpClient *http.Client

	// MinRetryWait and MaxRetryWait bound the backoff applied between
	// retries of 5xx responses.
	MinRetryWait time.Duration
	MaxRetryWait time.Duration

	// MaxRetries is how many times a 5xx response is retried. Zero
	// disables retrying.
	MaxRetries int

	// Error records a failure during DefaultConfig so callers that
	// ignore intermediate steps can still detect it.
	Error error

	// OutputCurlString makes requests return an *OutputStringError
	// instead of executing, carrying an equivalent curl invocation.
	// Not safe to toggle while requests are in flight.
	OutputCurlString bool

	// Paths remembered from TLS setup so a curl string can reference
	// the same cert material.
	curlCACert, curlCAPath        string
	curlClientCert, curlClientKey string

	// SRVLookup resolves the host through a DNS SRV record when the
	// address carries no port.
	SRVLookup bool

	// Timeout applies per request unless the caller's context carries
	// an earlier deadline.
	Timeout time.Duration

	// Backoff and CheckRetry override the retryablehttp defaults when
	// non-nil.
	Backoff    retryablehttp.Backoff
	CheckRetry retryablehttp.CheckRetry

	// Logger is handed to the retryable HTTP client.
	Logger retryablehttp.LeveledLogger

	// Limiter throttles outgoing requests when non-nil. An empty
	// limiter blocks everything, so construct it with real rates.
	Limiter *rate.Limiter

	clientTLSConfig *tls.Config
}

// TLSConfig names the cert material used to authenticate both directions
// of the connection to walletd.
type TLSConfig struct {
	// CACert is a path to a PEM-encoded CA file used to verify the
	// server. It wins over CACertBytes, which wins over CAPath.
	CACert string

	// CACertBytes is an in-memory PEM certificate or bundle.
	CACertBytes []byte

	// CAPath is a directory of PEM-encoded CA files.
	CAPath string

	// ClientCert and ClientKey are paths to the client's cert and
	// private key. Both must be set together.
	ClientCert string
	ClientKey  string

	// TLSServerName overrides the SNI host.
	TLSServerName string

	// Insecure disables server certificate verification.
	Insecure bool
}

// DefaultConfig builds a configuration pointed at https://127.0.0.1:5000
// with pooled transport, h2, a 60s timeout and two retries, then layers
// the WALLETD_* environment on top. Errors are reported through the
// returned Config's Error field.
func DefaultConfig() *Config {
	config := &Config{
		Address:      "https://127.0.0.1:5000",
		HttpClient:   cleanhttp.DefaultPooledClient(),
		Timeout:      time.Second * 60,
		MinRetryWait: time.Millisecond * 1000,
		MaxRetryWait: time.Millisecond * 1500,
		MaxRetries:   2,
		Backoff:      retryablehttp.RateLimitLinearJitterBackoff,
	}

	transport := config.HttpClient.Transport.(*http.Transport)
	transport.TLSHandshakeTimeout = 10 * time.Second
	transport.TLSClientConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		config.Error = err
		return config
	}

	if err := config.ReadEnvironment(); err != nil {
		config.Error = err
		return config
	}

	// The client does its own redirect handling. Returning
	// ErrUseLastResponse keeps the net library from closing the body
	// and from surfacing an error that the retry layer would then
	// retry on every redirect.
	config.HttpClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return config
}

// configureTLS applies t to the transport's TLS configuration. Callers
// must hold modifyLock; ReadEnvironment reaches here with it already
// taken, which is why ConfigureTLS is a separate locking wrapper.
func (c *Config) configureTLS(t *TLSConfig) error {
	if c.HttpClient == nil {
		c.HttpClient = DefaultConfig().HttpClient
	}
	clientTLSConfig := c.HttpClient.Transport.(*http.Transport).TLSClientConfig

	var clientCert tls.Certificate
	foundClientCert := false

	switch {
	case t.ClientCert != "" && t.ClientKey != "":
		var err error
		clientCert, err = tls.LoadX509KeyPair(t.ClientCert, t.ClientKey)
		if err != nil {
			return err
		}
		foundClientCert = true
		c.curlClientCert = t.ClientCert
		c.curlClientKey = t.ClientKey
	case t.ClientCert != "" || t.ClientKey != "":
		return errors.New("both client cert and client key must be provided")
	}

	if t.CACert != "" || len(t.CACertBytes) != 0 || t.CAPath != "" {
		c.curlCACert = t.CACert
		c.curlCAPath = t.CAPath
		rootConfig := &rootcerts.Config{
			CAFile:        t.CACert,
			CACertificate: t.CACertBytes,
			CAPath:        t.CAPath,
		}
		if err := rootcerts.ConfigureTLS(clientTLSConfig, rootConfig); err != nil {
			return err
		}
	}

	if t.Insecure {
		clientTLSConfig.InsecureSkipVerify = true
	}

	if foundClientCert {
		// Ignore the server's CA preference list; otherwise any CA
		// used for client certs would also have to sit in the
		// server's pool.
		clientTLSConfig.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return &clientCert, nil
		}
	}

	if t.TLSServerName != "" {
		clientTLSConfig.ServerName = t.TLSServerName
	}
	c.clientTLSConfig = clientTLSConfig

	return nil
}

// TLSConfig returns a copy of the TLS configuration last applied through
// ConfigureTLS or ReadEnvironment.
func (c *Config) TLSConfig() *tls.Config {
	c.modifyLock.RLock()
	defer c.modifyLock.RUnlock()
	return c.clientTLSConfig.Clone()
}

// ConfigureTLS applies the given TLS settings to the HTTP client.
func (c *Config) ConfigureTLS(t *TLSConfig) error {
	c.modifyLock.Lock()
	defer c.modifyLock.Unlock()

	return c.configureTLS(t)
}

// envSettings holds the WALLETD_* environment, fully parsed. Parsing is
// separated from applying so a bad variable leaves the Config untouched.
type envSettings struct {
	address   string
	timeout   time.Duration
	retries   *int
	srvLookup bool
	proxy     string
	limiter   *rate.Limiter
	tls       TLSConfig
}

func parseEnvSettings() (*envSettings, error) {
	s := &envSettings{
		address: ReadWalletdVariable(EnvWalletdAddress),
		proxy:   ReadWalletdVariable(EnvHTTPProxy),
		tls: TLSConfig{
			CACert:        ReadWalletdVariable(EnvWalletdCACert),
			CAPath:        ReadWalletdVariable(EnvWalletdCAPath),
			ClientCert:    ReadWalletdVariable(EnvWalletdClientCert),
			ClientKey:     ReadWalletdVariable(EnvWalletdClientKey),
			TLSServerName: ReadWalletdVariable(EnvWalletdTLSServerName),
		},
	}
	if v := ReadWalletdVariable(EnvWalletdCACertBytes); v != "" {
		s.tls.CACertBytes = []byte(v)
	}
	// WALLETD_PROXY_ADDR wins over WALLETD_HTTP_PROXY when both are set.
	if v := ReadWalletdVariable(EnvWalletdProxyAddr); v != "" {
		s.proxy = v
	}

	if v := ReadWalletdVariable(EnvWalletdMaxRetries); v != "" {
		n, err := parseutil.SafeParseIntRange(v, 0, math.MaxInt)
		if err != nil {
			return nil, err
		}
		retries := int(n)
		s.retries = &retries
	}
	if v := ReadWalletdVariable(EnvRateLimit); v != "" {
		rateLimit, burst, err := parseRateLimit(v)
		if err != nil {
			return nil, err
		}
		s.limiter = rate.NewLimiter(rate.Limit(rateLimit), burst)
	}
	if v := ReadWalletdVariable(EnvWalletdClientTimeout); v != "" {
		timeout, err := parseutil.ParseDurationSecond(v)
		if err != nil {
			return nil, fmt.Errorf("could not parse %q", EnvWalletdClientTimeout)
		}
		s.timeout = timeout
	}

	var err error
	if v := ReadWalletdVariable(EnvWalletdSkipVerify); v != "" {
		if s.tls.Insecure, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("could not parse %s", EnvWalletdSkipVerify)
		}
	}
	if v := ReadWalletdVariable(EnvWalletdSRVLookup); v != "" {
		if s.srvLookup, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("could not parse %s", EnvWalletdSRVLookup)
		}
	}

	return s, nil
}

// ReadEnvironment overlays the WALLETD_* environment variables onto the
// configuration. On a parse error nothing is modified.
func (c *Config) ReadEnvironment() error {
	env, err := parseEnvSettings()
	if err != nil {
		return err
	}

	c.modifyLock.Lock()
	defer c.modifyLock.Unlock()

	c.SRVLookup = env.srvLookup
	c.Limiter = env.limiter

	if err := c.configureTLS(&env.tls); err != nil {
		return err
	}

	if env.address != "" {
		c.Address = env.address
	}
	if env.retries != nil {
		c.MaxRetries = *env.retries
	}
	if env.timeout != 0 {
		c.Timeout = env.timeout
	}
	if env.proxy != "" {
		u, err := url.Parse(env.proxy)
		if err != nil {
			return err
		}
		c.HttpClient.Transport.(*http.Transport).Proxy = http.ProxyURL(u)
	}

	return nil
}

// ParseAddress parses address into a URL and records it on the
// configuration. A unix:// address swaps the transport's DialContext to
// the socket and rewrites the URL to http://localhost, since the URL
// kept by the client describes the application layer, not the socket.
// Callers must hold modifyLock for writing.
func (c *Config) ParseAddress(address string) (*url.URL, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, err
	}

	previous := c.Address
	c.Address = address

	switch {
	case strings.HasPrefix(address, "unix://"):
		socket := strings.TrimPrefix(address, "unix://")

		transport, ok := c.HttpClient.Transport.(*http.Transport)
		if !ok {
			return nil, errors.New("attempting to specify unix:// address with non-transport transport")
		}
		transport.DialContext = func(context.Context, string, string) (net.Conn, error) {
			return net.Dial("unix", socket)
		}

		u.Scheme = "http"
		u.Host = "localhost"
		u.Path = ""

	case strings.HasPrefix(previous, "unix://"):
		// Leaving a unix socket address behind: restore the default
		// pooled dialer.
		if transport, ok := c.HttpClient.Transport.(*http.Transport); ok {
			transport.DialContext = cleanhttp.DefaultPooledTransport().DialContext
		}
	}

	return u, nil
}

// parseRateLimit accepts either "rate:burst" or a bare rate, in which
// case the burst equals the rate.
func parseRateLimit(val string) (rate float64, burst int, err error) {
	_, err = fmt.Sscanf(val, "%f:%d", &rate, &burst)
	if err != nil {
		rate, err = strconv.ParseFloat(val, 64)
		if err != nil {
			err = fmt.Errorf("%v was provided but incorrectly formatted", EnvRateLimit)
		}
		burst = int(rate)
	}

	return rate, burst, err
}

// Client talks to the walletd HTTP API. Construct it with NewClient.
type Client struct {
	modifyLock sync.RWMutex
	addr       *url.URL
	config     *Config
	user       string
}

// NewClient builds a client from c, falling back to DefaultConfig for a
// nil configuration and for any zero retry-wait or transport fields. The
// caller identity is taken from WALLETD_USER when present; otherwise set
// it later with SetUser.
func NewClient(c *Config) (*Client, error) {
	def := DefaultConfig()
	if def == nil {
		return nil, errors.New("could not create/read default configuration")
	}
	if def.Error != nil {
		return nil, fmt.Errorf("error encountered setting up default configuration: %w", def.Error)
	}

	if c == nil {
		c = def
	}

	c.modifyLock.Lock()
	defer c.modifyLock.Unlock()

	if c.MinRetryWait == 0 {
		c.MinRetryWait = def.MinRetryWait
	}
	if c.MaxRetryWait == 0 {
		c.MaxRetryWait = def.MaxRetryWait
	}
	if c.HttpClient == nil {
		c.HttpClient = def.HttpClient
	}
	if c.HttpClient.Transport == nil {
		c.HttpClient.Transport = def.HttpClient.Transport
	}

	u, err := c.ParseAddress(c.Address)
	if err != nil {
		return nil, err
	}

	client := &Client{
		addr:   u,
		config: c,
	}

	if user := ReadWalletdVariable(EnvWalletdUser); user != "" {
		client.user = user
	}

	return client, nil
}

// SetAddress points the client at a different walletd server, overriding
// whatever WALLETD_ADDR provided. The expected form is
// "<scheme>://<host>:<port>".
func (c *Client) SetAddress(addr string) error {
	c.modifyLock.Lock()
	defer c.modifyLock.Unlock()

	parsedAddr, err := c.config.ParseAddress(addr)
	if err != nil {
		return fmt.Errorf("failed to set address: %w", err)
	}

	c.addr = parsedAddr
	return nil
}

// Address returns the URL the client currently targets.
func (c *Client) Address() string {
	c.modifyLock.RLock()
	defer c.modifyLock.RUnlock()

	return c.addr.String()
}

// readConfig runs f with the configuration held under both read locks.
func (c *Client) readConfig(f func(*Config)) {
	c.modifyLock.RLock()
	defer c.modifyLock.RUnlock()
	c.config.modifyLock.RLock()
	defer c.config.modifyLock.RUnlock()
	f(c.config)
}

// updateConfig runs f with the configuration held under its write lock.
func (c *Client) updateConfig(f func(*Config)) {
	c.modifyLock.RLock()
	defer c.modifyLock.RUnlock()
	c.config.modifyLock.Lock()
	defer c.config.modifyLock.Unlock()
	f(c.config)
}

// SetLimiter installs a request rate limiter; rateLimit and burst follow
// golang.org/x/time/rate.NewLimiter.
func (c *Client) SetLimiter(rateLimit float64, burst int) {
	c.updateConfig(func(cfg *Config) {
		cfg.Limiter = rate.NewLimiter(rate.Limit(rateLimit), burst)
	})
}

// SetMinRetryWait adjusts the lower bound of the retry backoff.
func (c *Client) SetMinRetryWait(retryWait time.Duration) {
	c.updateConfig(func(cfg *Config) { cfg.MinRetryWait = retryWait })
}

// SetMaxRetryWait adjusts the upper bound of the retry backoff.
func (c *Client) SetMaxRetryWait(retryWait time.Duration) {
	c.updateConfig(func(cfg *Config) { cfg.MaxRetryWait = retryWait })
}

// SetMaxRetries changes how many times 5xx responses are retried. The
// CLI sets this to zero so a failing server surfaces immediately.
func (c *Client) SetMaxRetries(retries int) {
	c.updateConfig(func(cfg *Config) { cfg.MaxRetries = retries })
}

func (c *Client) MaxRetries() int {
	var retries int
	c.readConfig(func(cfg *Config) { retries = cfg.MaxRetries })
	return retries
}

// SetClientTimeout changes the per-request timeout.
func (c *Client) SetClientTimeout(timeout time.Duration) {
	c.updateConfig(func(cfg *Config) { cfg.Timeout = timeout })
}

func (c *Client) ClientTimeout() time.Duration {
	var timeout time.Duration
	c.readConfig(func(cfg *Config) { timeout = cfg.Timeout })
	return timeout
}

func (c *Client) OutputCurlString() bool {
	var out bool
	c.readConfig(func(cfg *Config) { out = cfg.OutputCurlString })
	return out
}

func (c *Client) SetOutputCurlString(curl bool) {
	c.updateConfig(func(cfg *Config) { cfg.OutputCurlString = curl })
}

// User returns the caller identity stamped on requests, or the empty
// string when none is set.
func (c *Client) User() string {
	c.modifyLock.RLock()
	defer c.modifyLock.RUnlock()
	return c.user
}

// SetUser records the caller identity for future requests. No
// verification happens here.
func (c *Client) SetUser(v string) {
	c.modifyLock.Lock()
	defer c.modifyLock.Unlock()
	c.user = v
}

// ClearUser removes the caller identity.
func (c *Client) ClearUser() {
	c.modifyLock.Lock()
	defer c.modifyLock.Unlock()
	c.user = ""
}

// NewRequest builds a raw request against the configured server. When
// SRV lookup is enabled and the address has no explicit port, the
// highest-priority SRV target is substituted for the host.
func (c *Client) NewRequest(method, requestPath string) *Request {
	c.modifyLock.RLock()
	addr := c.addr
	user := c.user
	c.modifyLock.RUnlock()

	host := addr.Host
	if addr.Port() == "" && c.config.SRVLookup {
		_, addrs, err := net.LookupSRV("http", "tcp", addr.Hostname())
		if err == nil && len(addrs) > 0 {
			host = fmt.Sprintf("%s:%d", addrs[0].Target, addrs[0].Port)
		}
	}

	return &Request{
		Method: method,
		URL: &url.URL{
			User:   addr.User,
			Scheme: addr.Scheme,
			Host:   host,
			Path:   path.Join(addr.Path, requestPath),
		},
		Host:       addr.Host,
		ClientUser: user,
		Params:     make(map[string][]string),
	}
}

// RawRequestWithContext executes r with the configured timeout applied.
// The cancel func is deliberately not called here: the body streams in
// after this returns, and cancelling early would EOF it mid-read. The
// timeout still fires the cancellation on its own.
func (c *Client) RawRequestWithContext(ctx context.Context, r *Request) (*Response, error) {
	ctx, _ = c.withConfiguredTimeout(ctx)
	return c.rawRequestWithContext(ctx, r)
}

func (c *Client) rawRequestWithContext(ctx context.Context, r *Request) (*Response, error) {
	var cfg Config
	c.readConfig(func(current *Config) {
		cfg.Limiter = current.Limiter
		cfg.MinRetryWait = current.MinRetryWait
		cfg.MaxRetryWait = current.MaxRetryWait
		cfg.MaxRetries = current.MaxRetries
		cfg.CheckRetry = current.CheckRetry
		cfg.Backoff = current.Backoff
		cfg.HttpClient = current.HttpClient
		cfg.OutputCurlString = current.OutputCurlString
		cfg.Logger = current.Logger
	})

	if cfg.Limiter != nil {
		cfg.Limiter.Wait(ctx)
	}

	req, err := r.toRetryableHTTP()
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, errors.New("nil request created")
	}

	if cfg.OutputCurlString {
		LastOutputStringError = &OutputStringError{
			Request:       req,
			TLSSkipVerify: c.config.HttpClient.Transport.(*http.Transport).TLSClientConfig.InsecureSkipVerify,
			ClientCert:    c.config.curlClientCert,
			ClientKey:     c.config.curlClientKey,
			ClientCACert:  c.config.curlCACert,
			ClientCAPath:  c.config.curlCAPath,
		}
		return nil, LastOutputStringError
	}

	req.Request = req.Request.WithContext(ctx)

	if cfg.Backoff == nil {
		cfg.Backoff = retryablehttp.RateLimitLinearJitterBackoff
	}
	if cfg.CheckRetry == nil {
		cfg.CheckRetry = DefaultRetryPolicy
	}

	client := &retryablehttp.Client{
		HTTPClient:   cfg.HttpClient,
		RetryWaitMin: cfg.MinRetryWait,
		RetryWaitMax: cfg.MaxRetryWait,
		RetryMax:     cfg.MaxRetries,
		Backoff:      cfg.Backoff,
		CheckRetry:   cfg.CheckRetry,
		Logger:       cfg.Logger,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}

	var result *Response
	resp, err := client.Do(req)
	if resp != nil {
		result = &Response{Response: resp}
	}
	if err != nil {
		if strings.Contains(err.Error(), "tls: oversized") {
			err = fmt.Errorf("%w\n\n"+TLSErrorString, err) //nolint:staticcheck // user-facing error
		}
		return result, err
	}

	if err := result.Error(); err != nil {
		return result, err
	}

	return result, nil
}

// withConfiguredTimeout derives a context bounded by the configured
// client timeout, when one is set.
func (c *Client) withConfiguredTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.ClientTimeout()

	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}

	return ctx, func() {}
}

// DefaultRetryPolicy extends retryablehttp.DefaultRetryPolicy to also
// retry 412 responses, which signal not-yet-consistent state.
func DefaultRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	if err != nil || retry {
		return retry, err
	}
	if resp != nil && resp.StatusCode == 412 {
		return true, nil
	}
	return false, nil
}
