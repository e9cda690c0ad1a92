package testutil

import (
	"bytes"
	"log"
	"strings"
	"sync"
	"testing"
	"time"
)

// LogBuffer is a goroutine-safe sink for a *log.Logger under test.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// NewLogger returns a logger without timestamps writing into a new LogBuffer.
func NewLogger() (*log.Logger, *LogBuffer) {
	lb := &LogBuffer{}
	return log.New(lb, "", 0), lb
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// WaitFor polls until a logged line contains substr or timeout elapses.
func (b *LogBuffer) WaitFor(t *testing.T, substr string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if strings.Contains(b.String(), substr) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for log %q; got:\n%s", substr, b.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
