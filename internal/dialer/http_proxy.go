package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPProxyDialer reaches targets by issuing CONNECT to an upstream HTTP or
// HTTPS proxy.
type HTTPProxyDialer struct {
	cfg      Config
	proxyURL *url.URL
	auth     string
	direct   Dialer
}

// NewHTTPProxyDialer constructs a CONNECT dialer for proxyURL, which must
// include a port.
//
// If username is non-empty, Proxy-Authorization is sent using HTTP Basic auth.
func NewHTTPProxyDialer(cfg Config, proxyURL *url.URL, username, password string) (*HTTPProxyDialer, error) {
	if proxyURL == nil {
		return nil, errors.New("http proxy dialer: missing proxy url")
	}
	if proxyURL.Hostname() == "" {
		return nil, errors.New("http proxy dialer: invalid proxy host")
	}
	if proxyURL.Scheme != "http" && proxyURL.Scheme != "https" {
		return nil, fmt.Errorf("http proxy dialer: unsupported scheme: %q", proxyURL.Scheme)
	}

	var auth string
	if username != "" {
		auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	}

	return &HTTPProxyDialer{
		cfg:      cfg,
		proxyURL: proxyURL,
		auth:     auth,
		direct:   NewDirectDialer(cfg),
	}, nil
}

// ProxyURL returns the configured proxy URL.
func (f *HTTPProxyDialer) ProxyURL() *url.URL {
	return f.proxyURL
}

// DialContext connects to the proxy, performs a TLS handshake for https
// proxies, and negotiates a CONNECT tunnel to address. The returned conn
// carries raw tunnel bytes.
func (f *HTTPProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("http proxy dial %s %s: unsupported network", network, address)
	}

	raw, err := f.dialProxy(ctx, network)
	if err != nil {
		return nil, err
	}

	// Unblock the handshake if ctx ends first.
	stop := context.AfterFunc(ctx, func() {
		_ = raw.Close()
	})
	defer stop()

	if f.cfg.NegotiationTimeout > 0 {
		_ = raw.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
	}

	c, err := f.connect(raw, address)
	if err != nil {
		return nil, err
	}

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Time{})
	}
	return c, nil
}

func (f *HTTPProxyDialer) dialProxy(ctx context.Context, network string) (net.Conn, error) {
	c, err := f.direct.DialContext(ctx, network, f.proxyURL.Host)
	if err != nil {
		return nil, fmt.Errorf("http proxy: %w", err)
	}
	if f.proxyURL.Scheme != "https" {
		return c, nil
	}

	tlsConn := tls.Client(c, &tls.Config{MinVersion: tls.VersionTLS12, ServerName: f.proxyURL.Hostname()})
	if f.cfg.NegotiationTimeout > 0 {
		_ = tlsConn.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("http proxy tls handshake: %w", err)
	}
	return tlsConn, nil
}

// connect sends CONNECT over c and checks for a 2xx reply. c is closed on
// error.
func (f *HTTPProxyDialer) connect(c net.Conn, address string) (net.Conn, error) {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if f.auth != "" {
		req.Header.Set("Proxy-Authorization", f.auth)
	}

	if err := req.Write(c); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("http proxy connect write: %w", err)
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("http proxy connect read: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		_ = c.Close()
		return nil, fmt.Errorf("http proxy connect %s: %s", address, resp.Status)
	}

	// The proxy may start relaying immediately after its reply.
	if br.Buffered() > 0 {
		return &readerConn{Conn: c, r: br}, nil
	}
	return c, nil
}

type readerConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *readerConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
