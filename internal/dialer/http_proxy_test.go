package dialer

import (
	"bufio"
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/die-net/hcproxy/internal/testutil"
)

// serveHTTPConnect answers one CONNECT request on c and relays to the target.
// If wantAuth is non-empty, requests without matching Proxy-Authorization get
// a 407.
func serveHTTPConnect(c net.Conn, wantAuth string) {
	br := bufio.NewReader(c)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}
	_ = req.Body.Close()
	if req.Method != http.MethodConnect {
		_, _ = io.WriteString(c, "HTTP/1.1 405 Method Not Allowed\r\n\r\n")
		return
	}
	if wantAuth != "" && req.Header.Get("Proxy-Authorization") != wantAuth {
		_, _ = io.WriteString(c, "HTTP/1.1 407 Proxy Authentication Required\r\n\r\n")
		return
	}

	dst, err := net.Dial("tcp", req.Host)
	if err != nil {
		_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}
	defer dst.Close()

	_, _ = io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n")

	go func() {
		_, _ = io.Copy(dst, br)
		_ = dst.Close()
	}()
	_, _ = io.Copy(c, dst)
}

func TestHTTPProxyDialerDialSuccess(t *testing.T) {
	t.Parallel()

	basic := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:pass"))

	tests := []struct {
		name     string
		user     string
		pass     string
		wantAuth string
	}{
		{name: "no_auth"},
		{name: "basic_auth", user: "user", pass: "pass", wantAuth: basic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			echoLn := testutil.StartEchoTCPServer(t, ctx)
			upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
				serveHTTPConnect(c, tt.wantAuth)
			})

			f, err := NewHTTPProxyDialer(Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second}, &url.URL{Scheme: "http", Host: upLn.Addr().String()}, tt.user, tt.pass)
			if err != nil {
				t.Fatal(err)
			}

			conn, err := f.DialContext(ctx, "tcp", echoLn.Addr().String())
			if err != nil {
				t.Fatal(err)
			}

			testutil.AssertEcho(t, conn, conn, []byte("hello"))

			_ = conn.Close()
			waitUp()
		})
	}
}

func TestHTTPProxyDialerDialNon2xx(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply string
		user  string
	}{
		{name: "forbidden", reply: "HTTP/1.1 403 Forbidden\r\n\r\n"},
		{name: "auth_required", reply: "HTTP/1.1 407 Proxy Authentication Required\r\n\r\n", user: "wrong"},
		{name: "garbage", reply: "SSH-2.0-OpenSSH\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
				req, err := http.ReadRequest(bufio.NewReader(c))
				if err != nil {
					return
				}
				_ = req.Body.Close()
				_, _ = io.WriteString(c, tt.reply)
			})

			f, err := NewHTTPProxyDialer(Config{DialTimeout: 2 * time.Second}, &url.URL{Scheme: "http", Host: upLn.Addr().String()}, tt.user, "")
			if err != nil {
				t.Fatal(err)
			}

			if _, err := f.DialContext(ctx, "tcp", "127.0.0.1:1"); err == nil {
				t.Fatal("expected error")
			}

			waitUp()
		})
	}
}

func TestHTTPProxyDialerCanceledDuringHandshake(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The upstream reads the request and never answers.
	upLn, waitUp := testutil.StartSingleAcceptServer(t, context.Background(), func(c net.Conn) {
		_, _ = http.ReadRequest(bufio.NewReader(c))
		cancel()
		_, _ = io.Copy(io.Discard, c)
	})

	f, err := NewHTTPProxyDialer(Config{}, &url.URL{Scheme: "http", Host: upLn.Addr().String()}, "", "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.DialContext(ctx, "tcp", "example.com:443"); err == nil {
		t.Fatal("expected error")
	}
	waitUp()
}

func TestHTTPProxyDialerRejectedThenCanceled(t *testing.T) {
	t.Parallel()

	// Cancel right as the rejection arrives so the close callback can race
	// the failed handshake.
	for range 20 {
		ctx, cancel := context.WithCancel(context.Background())

		upLn, waitUp := testutil.StartSingleAcceptServer(t, context.Background(), func(c net.Conn) {
			req, err := http.ReadRequest(bufio.NewReader(c))
			if err != nil {
				return
			}
			_ = req.Body.Close()
			_, _ = io.WriteString(c, "HTTP/1.1 403 Forbidden\r\n\r\n")
			cancel()
		})

		f, err := NewHTTPProxyDialer(Config{}, &url.URL{Scheme: "http", Host: upLn.Addr().String()}, "", "")
		if err != nil {
			cancel()
			t.Fatal(err)
		}
		if _, err := f.DialContext(ctx, "tcp", "example.com:443"); err == nil {
			cancel()
			t.Fatal("expected error")
		}
		cancel()
		waitUp()
	}
}

func TestHTTPProxyDialerEarlyBytes(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// The upstream sends tunnel bytes in the same write as its reply.
	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		req, err := http.ReadRequest(bufio.NewReader(c))
		if err != nil {
			return
		}
		_ = req.Body.Close()
		_, _ = io.WriteString(c, "HTTP/1.1 200 OK\r\n\r\nbanner")
	})

	f, err := NewHTTPProxyDialer(Config{}, &url.URL{Scheme: "http", Host: upLn.Addr().String()}, "", "")
	if err != nil {
		t.Fatal(err)
	}

	conn, err := f.DialContext(ctx, "tcp", "example.com:22")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	buf := make([]byte, len("banner"))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "banner" {
		t.Fatalf("got %q", string(buf))
	}

	waitUp()
}

func TestNewHTTPProxyDialerValidation(t *testing.T) {
	t.Parallel()

	for _, u := range []*url.URL{
		nil,
		{Scheme: "http"},
		{Scheme: "socks5", Host: "proxy.example:1080"},
	} {
		if _, err := NewHTTPProxyDialer(Config{}, u, "", ""); err == nil {
			t.Fatalf("expected error for %v", u)
		}
	}
}
