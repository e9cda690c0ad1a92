package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// ChunkSize is the largest read a relay direction performs before writing.
const ChunkSize = 2048

var chunkPool = newBufferPool(ChunkSize)

// Direction identifies one half of a tunnel.
type Direction int

const (
	ClientToTarget Direction = iota
	TargetToClient
)

func (d Direction) String() string {
	switch d {
	case ClientToTarget:
		return "client->target"
	case TargetToClient:
		return "target->client"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// RelayResult is the outcome of one relay direction.
type RelayResult struct {
	Direction Direction
	// Bytes is the number of bytes written to the destination.
	Bytes int64
	// Err is nil when the source reached end-of-stream.
	Err error
}

// EOF reports whether the direction ended because its source was exhausted.
func (r RelayResult) EOF() bool {
	return r.Err == nil
}

// Tunnel relays bytes between client and target and returns as soon as the
// first direction finishes, after closing both connections so the other
// direction unblocks.
//
// The returned result is the first direction's; the other direction's
// outcome, typically a use-of-closed-connection error, is discarded.
// Canceling ctx closes both connections as well.
func Tunnel(ctx context.Context, client, target net.Conn) RelayResult {
	var (
		once  sync.Once
		first RelayResult
		done  = make(chan struct{})
	)
	finish := func(r RelayResult) {
		once.Do(func() {
			first = r
			_ = client.Close()
			_ = target.Close()
			close(done)
		})
	}

	stop := context.AfterFunc(ctx, func() {
		finish(RelayResult{Direction: ClientToTarget, Err: context.Cause(ctx)})
	})
	defer stop()

	go finish(relay(target, client, ClientToTarget))
	go finish(relay(client, target, TargetToClient))

	<-done
	return first
}

// relay copies src to dst one chunk at a time, preserving byte order.
func relay(dst io.Writer, src io.Reader, dir Direction) RelayResult {
	bp := chunkPool.Get()
	defer chunkPool.Put(bp)
	buf := *bp

	res := RelayResult{Direction: dir}
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			res.Bytes += int64(w)
			if werr != nil {
				res.Err = fmt.Errorf("write: %w", werr)
				return res
			}
			if w != n {
				res.Err = io.ErrShortWrite
				return res
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				res.Err = fmt.Errorf("read: %w", rerr)
			}
			return res
		}
	}
}
