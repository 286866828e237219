package bridge

import "sync"

// ring keeps the most recent outbound messages for a channel so a client
// that reattaches can show recent history without hitting the ledger.
type ring struct {
	mu    sync.Mutex
	buf   []OutboundMessage
	next  int
	full  bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]OutboundMessage, capacity)}
}

func (r *ring) push(msg OutboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = msg
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// last returns up to n most recent messages, oldest first.
func (r *ring) last(n int) []OutboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.buf)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]OutboundMessage, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
