package tracker

import "time"

// RequestLog is one entry in a user's recent-request history, kept for the
// detail view. SourceIP here is always the raw address, even when subnet
// grouping canonicalizes the tracked observation key.
type RequestLog struct {
	Timestamp   time.Time `json:"timestamp"`
	SourceIP    string    `json:"source_ip"`
	Destination string    `json:"destination"`
	DestPort    int       `json:"dest_port"`
	Action      string    `json:"action"`
	NodeID      string    `json:"node_id"`
}

// requestRing is a fixed-size circular buffer of request logs. Writes never
// fail; the oldest entry is overwritten under pressure.
type requestRing struct {
	buf  []RequestLog
	next int
	full bool
}

func newRequestRing(size int) *requestRing {
	if size < 1 {
		size = 1
	}
	return &requestRing{buf: make([]RequestLog, size)}
}

func (r *requestRing) push(rl RequestLog) {
	r.buf[r.next] = rl
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *requestRing) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// snapshot returns the entries in chronological order.
func (r *requestRing) snapshot() []RequestLog {
	if !r.full {
		out := make([]RequestLog, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]RequestLog, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
