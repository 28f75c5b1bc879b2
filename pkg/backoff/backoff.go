package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

func ExponentialJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	mul := math.Pow(2, float64(attempt-1))
	d := min(time.Duration(float64(base)*mul), max)

	// simple jitter: +/- 20%
	j := time.Duration(float64(d) * 0.2)
	if j <= 0 {
		return d
	}
	return d - j + time.Duration(rand.Int64N(int64(2*j)))
}

// Window counts events inside a sliding time span. It is not safe for
// concurrent use; each task attempt loop owns its own.
type Window struct {
	span time.Duration
	hits []time.Time
	now  func() time.Time
}

func NewWindow(span time.Duration) *Window {
	return &Window{span: span, now: time.Now}
}

// Record adds an event at the current time and returns how many events
// remain inside the span.
func (w *Window) Record() int {
	now := w.now()
	w.hits = append(w.hits, now)
	w.prune(now)
	return len(w.hits)
}

func (w *Window) Count() int {
	w.prune(w.now())
	return len(w.hits)
}

func (w *Window) prune(now time.Time) {
	keep := w.hits[:0]
	for _, h := range w.hits {
		if now.Sub(h) <= w.span {
			keep = append(keep, h)
		}
	}
	w.hits = keep
}
