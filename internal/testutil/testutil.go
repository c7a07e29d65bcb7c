package testutil

import (
	"runtime"
	"testing"
	"time"

	"vether/internal/proto"
)

const defaultTimeout = 2 * time.Second

// WithTimeout fails the test if fn has not returned within d, dumping
// every goroutine's stack so a lock-ordering mistake names the locks
// involved instead of hanging the whole run.
func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = defaultTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		t.Fatalf("still running after %s; goroutine stacks:\n%s", d, buf[:n])
	}
}

// CapPacket bounds a fuzz input to twice the wire maximum: enough slack to
// drive the oversize-rejection path, small enough that every iteration
// stays proportionate to a real datagram.
func CapPacket(b []byte) []byte {
	if max := 2 * proto.MaxPacketSize; len(b) > max {
		return b[:max]
	}
	return b
}

// MaxFuzzDocument bounds dictionary fuzz inputs; configuration documents
// on the wire are themselves length-prefixed well below this.
const MaxFuzzDocument = 1 << 16

func CapDocument(s string) string {
	if len(s) > MaxFuzzDocument {
		return s[:MaxFuzzDocument]
	}
	return s
}
