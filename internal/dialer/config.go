package dialer

import (
	"net"
	"time"
)

type Config struct {
	// DialTimeout bounds DNS lookup plus TCP connect. Zero means no timeout.
	DialTimeout time.Duration

	// NegotiationTimeout bounds the handshake with an upstream proxy.
	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig
}
