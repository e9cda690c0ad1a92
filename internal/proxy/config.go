package proxy

import (
	"log"
	"net"
	"time"

	"github.com/die-net/hcproxy/internal/dialer"
)

// DefaultMaxLineBytes bounds the request line and each discarded header line.
const DefaultMaxLineBytes = 64 << 10

type Config struct {
	// NegotiationTimeout bounds reading the CONNECT request and its header
	// block. Zero means no deadline.
	NegotiationTimeout time.Duration

	// MaxLineBytes is the longest request or header line accepted, including
	// the line terminator. Zero selects DefaultMaxLineBytes.
	MaxLineBytes int

	KeepAlive net.KeepAliveConfig

	Dialer dialer.Dialer

	// Logger receives lifecycle and error lines. Nil uses log.Default().
	Logger *log.Logger

	// Quiet suppresses per-connection lifecycle lines; errors are still logged.
	Quiet bool
}
