package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/hcproxy/internal/dialer"
	"github.com/die-net/hcproxy/internal/proxy"
)

const defaultPort = 81

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	port, err := defaultListenPort()
	if err != nil {
		return err
	}

	fs, opts := newFlagSet(port)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	if opts.port < 0 || opts.port > 65535 {
		return fmt.Errorf("invalid --port: %d", opts.port)
	}

	ka, err := parseTCPKeepAlive(opts.tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	cfg := proxy.Config{
		NegotiationTimeout: opts.negotiationTimeout,
		MaxLineBytes:       opts.maxLineBytes,
		KeepAlive:          ka,
		Logger:             log.Default(),
		Quiet:              opts.quiet,
	}

	dialCfg := dialer.Config{
		DialTimeout:        opts.dialTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		KeepAlive:          cfg.KeepAlive,
	}

	cfg.Dialer, err = dialer.New(dialCfg, opts.upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}

	log.Print("starting hcproxy")

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.debugListen != "" {
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		debugLn, err := proxy.ListenTCP(ctx, "tcp", opts.debugListen, proxy.ListenOptions{KeepAlive: ka})
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Printf("debug listening on %s", opts.debugListen)
	}

	addr := net.JoinHostPort(opts.bind, strconv.Itoa(opts.port))
	ln, err := proxy.ListenTCP(ctx, "tcp", addr, proxy.ListenOptions{KeepAlive: ka, ReusePort: opts.reusePort})
	if err != nil {
		return err
	}

	srv := proxy.NewServer(ctx, cfg)
	g.Go(func() error {
		err := srv.Serve(ln)
		if ctx.Err() != nil && errors.Is(err, net.ErrClosed) {
			return nil
		}
		return fmt.Errorf("proxy serve: %w", err)
	})

	err = g.Wait()

	log.Print("shutting down")
	return err
}

type options struct {
	port     int
	bind     string
	upstream string

	debugListen        string
	dialTimeout        time.Duration
	negotiationTimeout time.Duration
	maxLineBytes       int
	tcpKeepAlive       string
	reusePort          bool
	quiet              bool
}

func newFlagSet(port int) (*pflag.FlagSet, *options) {
	opts := &options{}
	fs := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	fs.SortFlags = false

	fs.IntVar(&opts.port, "port", port, "CONNECT proxy listen port (default from $HCPROXY_PORT)")
	fs.StringVar(&opts.bind, "bind", "", "Address to bind the listener to. Empty binds all interfaces.")

	fs.StringVar(&opts.upstream, "upstream", defaultUpstream(), "Outbound dialer URL: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port")

	fs.StringVar(&opts.debugListen, "debug-listen", "", "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
	fs.DurationVar(&opts.dialTimeout, "dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
	fs.DurationVar(&opts.negotiationTimeout, "negotiation-timeout", 0, "Timeout for reading the CONNECT request and for upstream proxy handshakes. 0 disables.")
	fs.IntVar(&opts.maxLineBytes, "max-line-bytes", proxy.DefaultMaxLineBytes, "Longest accepted request or header line")
	fs.StringVar(&opts.tcpKeepAlive, "tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
	fs.BoolVar(&opts.reusePort, "reuse-port", false, "Set SO_REUSEPORT so several processes can share the listen port")
	fs.BoolVar(&opts.quiet, "quiet", false, "Suppress per-connection lifecycle logging")

	return fs, opts
}

// defaultListenPort returns $HCPROXY_PORT if set, else defaultPort.
func defaultListenPort() (int, error) {
	s := os.Getenv("HCPROXY_PORT")
	if s == "" {
		return defaultPort, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 || n > 65535 {
		return 0, fmt.Errorf("invalid HCPROXY_PORT %q", s)
	}
	return n, nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return net.KeepAliveConfig{}, errors.New("empty")
	case "on":
		return net.KeepAliveConfig{Enable: true}, nil
	case "off":
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveInt(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveInt(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(keepIdle) * time.Second,
		Interval: time.Duration(keepIntvl) * time.Second,
		Count:    keepCnt,
	}, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}
