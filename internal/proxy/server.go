package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/die-net/hcproxy/internal/dialer"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Server accepts CONNECT requests and tunnels them to their targets.
type Server struct {
	ctx    context.Context
	cfg    Config
	dialer dialer.Dialer
	logger *log.Logger
}

// NewServer constructs a Server. Canceling ctx stops Serve and closes every
// connection the server still owns.
func NewServer(ctx context.Context, cfg Config) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	d := cfg.Dialer
	if d == nil {
		d = dialer.NewDirectDialer(dialer.Config{KeepAlive: cfg.KeepAlive})
	}
	return &Server{ctx: ctx, cfg: cfg, dialer: d, logger: logger}
}

// Serve accepts connections on ln until ln is closed or the server context is
// canceled, handling each on its own goroutine. Transient accept errors are
// logged and retried with backoff.
func (s *Server) Serve(ln net.Listener) error {
	stop := context.AfterFunc(s.ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	s.logger.Printf("serving on %s", ln.Addr())

	var delay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return fmt.Errorf("accept: %w", err)
			}

			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			s.errorf("accept: %v; retrying in %v", err, delay)

			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-s.ctx.Done():
				t.Stop()
			}
			continue
		}
		delay = 0

		go s.handle(c)
	}
}

// handle owns conn until it returns; conn is always closed on the way out.
func (s *Server) handle(conn net.Conn) {
	peer := conn.RemoteAddr()
	s.infof("connection from %s", peer)

	stop := context.AfterFunc(s.ctx, func() {
		_ = conn.Close()
	})
	defer func() {
		stop()
		_ = conn.Close()
		s.infof("client disconnected %s", peer)
	}()

	if err := s.serveConn(conn); err != nil && !errors.Is(err, errDisconnect) {
		s.errorf("error handling connection from %s: %v", peer, err)
	}
}

func (s *Server) serveConn(conn net.Conn) error {
	br := bufio.NewReader(conn)

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}
	req, err := s.readRequest(conn, br)
	if err != nil {
		return err
	}
	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetReadDeadline(time.Time{})
	}

	target, err := s.dialer.DialContext(s.ctx, "tcp", req.Address())
	if err != nil {
		return err
	}
	peer := conn.RemoteAddr()
	s.infof("created outgoing connection to %s %s", req.Host, peer)
	defer func() {
		_ = target.Close()
		s.infof("closing outgoing connection to %s %s", req.Host, peer)
	}()

	if err := writeStatus(conn, http.StatusOK); err != nil {
		return fmt.Errorf("write response: %w", err)
	}

	res := Tunnel(s.ctx, &bufferedConn{Conn: conn, br: br}, target)
	if !res.EOF() {
		return fmt.Errorf("relay %s %s: %w", res.Direction, req.Address(), res.Err)
	}
	return nil
}

// readRequest reads the CONNECT line and discards the header block after it.
// A malformed request line is answered with 400 before returning.
func (s *Server) readRequest(conn net.Conn, br *bufio.Reader) (ConnectRequest, error) {
	line, err := readLine(br, s.cfg.MaxLineBytes)
	if err != nil {
		return ConnectRequest{}, fmt.Errorf("read request line: %w", err)
	}

	req, err := ParseConnect(line)
	if err != nil {
		_ = writeStatus(conn, http.StatusBadRequest)
		return ConnectRequest{}, err
	}

	for {
		line, err := readLine(br, s.cfg.MaxLineBytes)
		if err != nil {
			return ConnectRequest{}, fmt.Errorf("read header: %w", err)
		}
		if strings.TrimSpace(line) == "" {
			return req, nil
		}
	}
}

func (s *Server) infof(format string, args ...any) {
	if s.cfg.Quiet {
		return
	}
	s.logger.Printf(format, args...)
}

func (s *Server) errorf(format string, args ...any) {
	s.logger.Printf("error: "+format, args...)
}
