// Package stats keeps the rolling per-asset sample history.
package stats

import (
	"math"

	"sentinel-oracle/internal/domain"
)

// Summary is the statistical view of a window.
type Summary struct {
	Mean   float64
	StdDev float64
	Count  int
	// Last is the most recent price in the window; zero when empty.
	Last float64
}

// Sufficient reports whether the window can yield a meaningful deviation.
func (s Summary) Sufficient() bool {
	return s.Count >= 2
}

// Window is a bounded FIFO of samples. It is not safe for concurrent use;
// each asset loop owns its window.
type Window struct {
	buf   []domain.Sample
	head  int
	count int
}

// NewWindow allocates a window holding at most capacity samples.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		panic("stats window capacity must be positive")
	}
	return &Window{buf: make([]domain.Sample, capacity)}
}

// Capacity returns the configured maximum size.
func (w *Window) Capacity() int { return len(w.buf) }

// Len returns the number of retained samples.
func (w *Window) Len() int { return w.count }

// Append inserts s as the newest sample, evicting the oldest once full.
func (w *Window) Append(s domain.Sample) {
	idx := (w.head + w.count) % len(w.buf)
	if w.count == len(w.buf) {
		w.buf[w.head] = s
		w.head = (w.head + 1) % len(w.buf)
		return
	}
	w.buf[idx] = s
	w.count++
}

// Samples returns the retained samples oldest first.
func (w *Window) Samples() []domain.Sample {
	out := make([]domain.Sample, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}

// Last returns the newest sample.
func (w *Window) Last() (domain.Sample, bool) {
	if w.count == 0 {
		return domain.Sample{}, false
	}
	return w.buf[(w.head+w.count-1)%len(w.buf)], true
}

// Stats computes mean and population standard deviation over the window.
// Windows with fewer than two samples report Count only.
func (w *Window) Stats() Summary {
	sum := Summary{Count: w.count}
	if last, ok := w.Last(); ok {
		sum.Last = last.Float()
	}
	if w.count < 2 {
		return sum
	}

	var total float64
	for i := 0; i < w.count; i++ {
		total += w.buf[(w.head+i)%len(w.buf)].Float()
	}
	mean := total / float64(w.count)

	var sq float64
	for i := 0; i < w.count; i++ {
		d := w.buf[(w.head+i)%len(w.buf)].Float() - mean
		sq += d * d
	}

	sum.Mean = mean
	sum.StdDev = math.Sqrt(sq / float64(w.count))
	return sum
}
