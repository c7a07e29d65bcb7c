package vswitch

import (
	"sync"

	"vether/internal/identity"
)

const (
	// WhoisRetryDelay is how long to wait before re-asking for an unknown
	// destination, in milliseconds.
	WhoisRetryDelay = int64(500)

	// TxQueueTimeout is how long an outbound frame waits for address
	// resolution before it is dropped.
	TxQueueTimeout = int64(5 * 1000)

	MaxWhoisRetries = 3
)

// pendingFrame is an outbound frame parked until its destination's
// identity arrives.
type pendingFrame struct {
	dest       identity.Address
	plaintext  []byte // verb payload, not yet sealed
	ext        bool   // EXT_FRAME rather than FRAME
	enqueuedAt int64
	lastWhois  int64
	tries      int
}

type txQueue struct {
	mu      sync.Mutex
	pending []*pendingFrame
}

func (q *txQueue) add(f *pendingFrame) {
	q.mu.Lock()
	q.pending = append(q.pending, f)
	q.mu.Unlock()
}

// takeFor removes and returns every parked frame for dest.
func (q *txQueue) takeFor(dest identity.Address) []*pendingFrame {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out, keep []*pendingFrame
	for _, f := range q.pending {
		if f.dest == dest {
			out = append(out, f)
		} else {
			keep = append(keep, f)
		}
	}
	q.pending = keep
	return out
}

// sweep expires dead entries and returns the entries due for another WHOIS
// plus the delay in ms until the queue next needs attention (-1 when the
// queue is empty).
func (q *txQueue) sweep(now int64) (retry []*pendingFrame, nextDelay int64, expired int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	nextDelay = int64(-1)
	keep := q.pending[:0]
	for _, f := range q.pending {
		if now-f.enqueuedAt > TxQueueTimeout || f.tries >= MaxWhoisRetries {
			expired++
			continue
		}
		keep = append(keep, f)
		due := f.lastWhois + WhoisRetryDelay
		if now >= due {
			f.lastWhois = now
			f.tries++
			retry = append(retry, f)
			due = now + WhoisRetryDelay
		}
		if d := due - now; nextDelay < 0 || d < nextDelay {
			nextDelay = d
		}
	}
	q.pending = keep
	return retry, nextDelay, expired
}

func (q *txQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
