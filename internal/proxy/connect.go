package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// ErrInvalidRequest is returned by ParseConnect for anything other than a
// well-formed CONNECT request line.
var ErrInvalidRequest = errors.New("invalid CONNECT request line")

var (
	// errDisconnect means the client went away before finishing its request.
	// It ends the session without being logged as an error.
	errDisconnect = errors.New("client disconnected")

	errLineTooLong = errors.New("line too long")
)

// ConnectRequest is the target named by a CONNECT request line.
type ConnectRequest struct {
	Host string
	Port int
}

// Address returns the host:port form suitable for dialing.
func (r ConnectRequest) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// ParseConnect parses a request line of the form "CONNECT host:port VERSION".
//
// The line must have exactly three whitespace-separated fields. The version
// field is accepted as-is. Bracketed IPv6 literals ("[::1]:443") are allowed.
func ParseConnect(line string) (ConnectRequest, error) {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return ConnectRequest{}, fmt.Errorf("%w: expected 3 fields, got %d", ErrInvalidRequest, len(parts))
	}
	if parts[0] != http.MethodConnect {
		return ConnectRequest{}, fmt.Errorf("%w: unsupported method %q", ErrInvalidRequest, parts[0])
	}

	host, portStr, err := net.SplitHostPort(parts[1])
	if err != nil {
		return ConnectRequest{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if host == "" {
		return ConnectRequest{}, fmt.Errorf("%w: missing host in %q", ErrInvalidRequest, parts[1])
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return ConnectRequest{}, fmt.Errorf("%w: invalid port %q", ErrInvalidRequest, portStr)
	}

	return ConnectRequest{Host: host, Port: int(port)}, nil
}

// readLine returns the next '\n'-terminated line with its CR/LF stripped.
//
// A clean end-of-stream before any byte of the line is errDisconnect; an
// unterminated final line is returned as a line. Lines longer than maxBytes
// fail with errLineTooLong.
func readLine(br *bufio.Reader, maxBytes int) (string, error) {
	var line []byte
	for {
		frag, err := br.ReadSlice('\n')
		line = append(line, frag...)
		if maxBytes > 0 && len(line) > maxBytes {
			return "", fmt.Errorf("%w: over %d bytes", errLineTooLong, maxBytes)
		}

		switch {
		case err == nil:
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(line) == 0 {
				return "", errDisconnect
			}
		default:
			return "", err
		}

		return strings.TrimRight(string(line), "\r\n"), nil
	}
}

// bufferedConn reads through the bufio.Reader used for the request so bytes
// the client pipelined after its header block are not lost.
type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.br.Read(p)
}

// writeStatus writes a bodiless status line and empty header block.
func writeStatus(w io.Writer, code int) error {
	_, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n\r\n", code, http.StatusText(code))
	return err
}
