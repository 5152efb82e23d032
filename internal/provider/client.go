package provider

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/howard-nolan/streamrelay/internal/config"
)

// ---------------------------------------------------------------------------
// Client factory
// ---------------------------------------------------------------------------

// Factory builds upstream clients from read-only configuration.
//
// Every call to New returns a client with its own transport and its own
// connection pool. Nothing is shared between clients, so a connection an
// intermediary proxy silently killed during one attempt can never be picked
// up again by the next one.
type Factory struct {
	apiKey             string
	baseURL            string
	certFile           string
	requestTimeout     time.Duration
	connectTimeout     time.Duration
	passThroughTimeout time.Duration

	// newTransport builds the round tripper for one client. It is
	// tlsTransport unless a test swapped in a recorder.
	newTransport func() (http.RoundTripper, error)
}

// FactoryOption customizes a Factory.
type FactoryOption func(*Factory)

// WithTransport makes the factory use fn to build each client's round
// tripper instead of a fresh TLS transport. fn is still called once per
// client.
func WithTransport(fn func() http.RoundTripper) FactoryOption {
	return func(f *Factory) {
		f.newTransport = func() (http.RoundTripper, error) { return fn(), nil }
	}
}

// NewFactory creates a Factory for the configured upstream.
func NewFactory(cfg config.UpstreamConfig, opts ...FactoryOption) *Factory {
	f := &Factory{
		apiKey:             cfg.APIKey,
		baseURL:            cfg.BaseURL,
		certFile:           cfg.CertFile,
		requestTimeout:     cfg.RequestTimeout,
		connectTimeout:     cfg.ConnectTimeout,
		passThroughTimeout: cfg.PassThroughTimeout,
	}
	f.newTransport = f.tlsTransport
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// New returns a client for one streaming chat-completion attempt, bounded
// by the per-call timeout.
func (f *Factory) New() (*Client, error) {
	return f.build(f.requestTimeout)
}

// NewPassThrough returns a client for one forwarded request, bounded by the
// shorter pass-through timeout.
func (f *Factory) NewPassThrough() (*Client, error) {
	return f.build(f.passThroughTimeout)
}

func (f *Factory) build(timeout time.Duration) (*Client, error) {
	rt, err := f.newTransport()
	if err != nil {
		return nil, &TransportError{Op: "building client", Err: err}
	}
	return &Client{
		apiKey:  f.apiKey,
		baseURL: f.baseURL,
		http:    &http.Client{Transport: rt, Timeout: timeout},
	}, nil
}

// tlsTransport builds a brand new transport trusting the configured
// certificate bundle. Proxy settings come from the environment, because
// the whole point of the relay is to live behind a corporate proxy.
func (f *Factory) tlsTransport() (http.RoundTripper, error) {
	roots, err := f.rootCAs()
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{
		Timeout:   f.connectTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSClientConfig:     &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout: f.connectTimeout,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        1,
		IdleConnTimeout:     90 * time.Second,
	}, nil
}

// rootCAs loads the certificate bundle. A nil pool means "use the system
// roots", which is what happens when the default bundle path doesn't exist
// on this machine. An explicitly configured bundle must load.
func (f *Factory) rootCAs() (*x509.CertPool, error) {
	if f.certFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(f.certFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && f.certFile == config.DefaultCertFile {
			return nil, nil
		}
		return nil, fmt.Errorf("reading certificate bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", f.certFile)
	}
	return pool, nil
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client is one disposable upstream connection handle. The caller that got
// it from a Factory owns it and must call Close on every exit path.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// Close releases any pooled sockets held by the client's transport.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// authorize sets the bearer credential and JSON content type that every
// upstream call carries.
func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
}
