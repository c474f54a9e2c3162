package queue

import "time"

// Options are the scheduling knobs for every per-channel queue.
// Zero values fall back to production defaults.
type Options struct {
	// Debounce is the quiet period after the first message on an idle
	// channel before it is dispatched alone. Humans spread one thought
	// across several messages; this is the most important tuning knob.
	Debounce time.Duration

	// BatchWindow is the rolling quiet period while a batch is open.
	// Each new arrival restarts it.
	BatchWindow time.Duration

	// TypingPause is how long after the sender stops typing a dispatch
	// is still deferred.
	TypingPause time.Duration

	// CallTimeout is the absolute deadline for one backend call.
	CallTimeout time.Duration

	// CeilingMultiplier scales the emergency ceiling:
	// ceiling = CeilingMultiplier × max(BatchWindow, TypingPause).
	// Once a batch has been open that long it is dispatched regardless
	// of typing or fresh arrivals.
	CeilingMultiplier int
}

const (
	DefaultDebounce          = 30 * time.Second
	DefaultBatchWindow       = time.Second
	DefaultTypingPause       = 2 * time.Second
	DefaultCallTimeout       = 300 * time.Second
	DefaultCeilingMultiplier = 2
)

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.BatchWindow <= 0 {
		o.BatchWindow = DefaultBatchWindow
	}
	if o.TypingPause <= 0 {
		o.TypingPause = DefaultTypingPause
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.CeilingMultiplier <= 0 {
		o.CeilingMultiplier = DefaultCeilingMultiplier
	}
	return o
}

// ceiling returns the emergency dispatch deadline for an open batch.
func (o Options) ceiling() time.Duration {
	base := o.BatchWindow
	if o.TypingPause > base {
		base = o.TypingPause
	}
	return time.Duration(o.CeilingMultiplier) * base
}
