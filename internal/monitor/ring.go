package monitor

import "github.com/kubeadapt/kubeadapt-gpu-agent/pkg/model"

// ring is a fixed-capacity FIFO of metrics points. Pushing onto a full ring
// overwrites the oldest point.
type ring struct {
	buf   []model.MetricsPoint
	start int
	n     int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]model.MetricsPoint, max(capacity, 1))}
}

func (r *ring) push(p model.MetricsPoint) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = p
		r.n++
		return
	}
	r.buf[r.start] = p
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) len() int { return r.n }

// at returns the i-th oldest point.
func (r *ring) at(i int) model.MetricsPoint {
	return r.buf[(r.start+i)%len(r.buf)]
}

// slice copies the points out in arrival order.
func (r *ring) slice() []model.MetricsPoint {
	out := make([]model.MetricsPoint, r.n)
	for i := range out {
		out[i] = r.at(i)
	}
	return out
}

// since copies out the points with Timestamp >= cutoff. Timestamps are
// non-decreasing, so the scan stops at the first older point from the tail.
func (r *ring) since(cutoff int64) []model.MetricsPoint {
	first := r.n
	for first > 0 && r.at(first-1).Timestamp >= cutoff {
		first--
	}
	out := make([]model.MetricsPoint, 0, r.n-first)
	for i := first; i < r.n; i++ {
		out = append(out, r.at(i))
	}
	return out
}
