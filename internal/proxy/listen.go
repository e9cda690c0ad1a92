package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ListenOptions configures ListenTCP.
type ListenOptions struct {
	// KeepAlive is applied to every accepted TCP connection.
	KeepAlive net.KeepAliveConfig

	// ReusePort sets SO_REUSEPORT so several processes can share the port.
	ReusePort bool
}

// ListenTCP listens on the given network/address. Accepted connections get
// opts.KeepAlive applied by the runtime.
func ListenTCP(ctx context.Context, network, addr string, opts ListenOptions) (net.Listener, error) {
	lc := net.ListenConfig{KeepAliveConfig: opts.KeepAlive}
	if !opts.KeepAlive.Enable {
		// A zero KeepAlive would otherwise fall back to the runtime default.
		lc.KeepAlive = -1
	}

	if opts.ReusePort {
		if !reusePortSupported {
			return nil, errors.New("SO_REUSEPORT is not supported on this platform")
		}
		lc.Control = reusePortControl
	}

	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}

	return ln, nil
}
