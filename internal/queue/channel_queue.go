package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LordLuceus/letta-bot/internal/bus"
)

// ErrClosed rejects every request still pending when the queue shuts down.
var ErrClosed = errors.New("queue: closed")

// Request pairs one inbound event with its completion promise.
type Request struct {
	ID      string
	Event   bus.InboundEvent
	Arrived time.Time

	// Payload caches the formatted text once the dispatcher has built
	// it, so a request that survives an aborted call is not formatted
	// (and its attachments not described) a second time.
	Payload string

	promise *Promise
}

func newRequest(ev bus.InboundEvent) *Request {
	return &Request{
		ID:      uuid.NewString(),
		Event:   ev,
		Arrived: time.Now(),
		promise: newPromise(),
	}
}

func requestIDs(reqs []*Request) []string {
	ids := make([]string, len(reqs))
	for i, r := range reqs {
		ids[i] = r.ID
	}
	return ids
}

// Dispatcher performs one combined backend call for a drained batch.
// It must honor ctx cancellation: when the queue aborts the call, the
// returned error has to satisfy errors.Is(err, context.Canceled).
type Dispatcher interface {
	Dispatch(ctx context.Context, reqs []*Request) (string, error)
}

// channelQueue owns ordering, batching, typing deferral, and
// interruption for exactly one channel's traffic.
//
// The composite of its fields forms the conceptual states:
// Idle (nothing pending), Debouncing (pending singleton waiting out the
// initial delay), Batching (batch non-empty, window open), Processing
// (inFlight set). Every decision about a new arrival runs as one
// critical section under mu.
type channelQueue struct {
	channelID  string
	dispatcher Dispatcher

	mu   sync.Mutex
	opts Options

	pending      *Request   // debouncing singleton, not yet part of a batch
	batch        []*Request // chronological, awaiting combination
	batchOpened  time.Time  // zero iff batch is empty
	inFlight     bool
	cancelFlight context.CancelFunc // non-nil iff inFlight

	typingActive  bool
	typingStopped time.Time // zero if the channel never saw typing stop

	timer    *time.Timer
	timerGen uint64 // stale timer fires are discarded by generation

	closed bool
}

func newChannelQueue(channelID string, opts Options, d Dispatcher) *channelQueue {
	return &channelQueue{
		channelID:  channelID,
		opts:       opts.withDefaults(),
		dispatcher: d,
	}
}

// enqueue routes one new arrival through the state machine and returns
// its promise. The whole decision runs under the queue mutex.
func (q *channelQueue) enqueue(ev bus.InboundEvent) (*Promise, error) {
	req := newRequest(ev)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	switch {
	case q.inFlight:
		// Abort-and-rebatch: the new arrival supersedes the in-flight
		// call. Cancel it; its requests come back to the front of the
		// batch when the call unwinds, and everything goes out together
		// in the next call.
		q.appendLocked(req)
		if q.cancelFlight != nil {
			q.cancelFlight()
		}
		slog.Debug("queue: arrival during in-flight call, aborting",
			"channel", q.channelID, "request", req.ID, "batch_len", len(q.batch))

	case q.pending == nil && len(q.batch) == 0:
		// Idle → Debouncing.
		q.pending = req
		q.armTimerLocked(q.opts.Debounce)
		slog.Debug("queue: debounce started",
			"channel", q.channelID, "request", req.ID)

	default:
		// Debouncing or Batching → Batching. Promotion from the
		// singleton slot happens atomically with the append.
		q.promotePendingLocked()
		q.appendLocked(req)
		if time.Since(q.batchOpened) >= q.opts.ceiling() {
			q.startLocked()
		} else {
			q.armTimerLocked(q.opts.BatchWindow)
		}
	}

	return req.promise, nil
}

// setTyping is the queue manager's notification of a typing transition
// for this channel.
func (q *channelQueue) setTyping(active bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.typingActive = active
	if !active {
		q.typingStopped = time.Now()
	}
}

// retune applies new scheduling knobs to future timer arms.
func (q *channelQueue) retune(opts Options) {
	q.mu.Lock()
	q.opts = opts.withDefaults()
	q.mu.Unlock()
}

// armTimerLocked (re)arms the single scheduling timer. Caller holds mu.
func (q *channelQueue) armTimerLocked(d time.Duration) {
	q.timerGen++
	gen := q.timerGen
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(d, func() { q.fire(gen) })
}

func (q *channelQueue) promotePendingLocked() {
	if q.pending == nil {
		return
	}
	q.appendLocked(q.pending)
	q.pending = nil
}

func (q *channelQueue) appendLocked(req *Request) {
	if len(q.batch) == 0 && q.batchOpened.IsZero() {
		q.batchOpened = time.Now()
	}
	q.batch = append(q.batch, req)
}

// fire runs when a debounce, batch-window, or typing-pause timer
// elapses. Stale generations are no-ops.
func (q *channelQueue) fire(gen uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if gen != q.timerGen || q.closed {
		return
	}
	if q.inFlight {
		// The completion path reschedules whatever is buffered.
		return
	}

	// A firing debounce moves the singleton into the batch either way;
	// from here on the ceiling clock (batchOpened) governs starvation.
	q.promotePendingLocked()
	if len(q.batch) == 0 {
		return
	}

	if delay, deferred := q.typingDeferralLocked(); deferred {
		slog.Debug("queue: dispatch deferred, sender typing",
			"channel", q.channelID, "retry_in", delay)
		q.armTimerLocked(delay)
		return
	}

	q.startLocked()
}

// typingDeferralLocked reports whether dispatch must wait for the
// sender to finish typing, and for how long to rearm. The emergency
// ceiling overrides deferral so typing can never starve a batch.
func (q *channelQueue) typingDeferralLocked() (time.Duration, bool) {
	budget := q.batchOpened.Add(q.opts.ceiling()).Sub(time.Now())
	if budget <= 0 {
		return 0, false
	}

	var wait time.Duration
	switch {
	case q.typingActive:
		wait = q.opts.TypingPause
	case !q.typingStopped.IsZero():
		if since := time.Since(q.typingStopped); since < q.opts.TypingPause {
			wait = q.opts.TypingPause - since
		}
	}
	if wait <= 0 {
		return 0, false
	}
	if wait > budget {
		wait = budget
	}
	return wait, true
}

// startLocked drains the batch and launches the backend call. Caller
// holds mu; the call itself runs without it.
func (q *channelQueue) startLocked() {
	reqs := q.batch
	q.batch = nil
	q.batchOpened = time.Time{}

	ctx, cancel := context.WithTimeout(context.Background(), q.opts.CallTimeout)
	q.inFlight = true
	q.cancelFlight = cancel

	go q.run(ctx, cancel, reqs)
}

// run executes one backend call and settles or requeues its requests.
func (q *channelQueue) run(ctx context.Context, cancel context.CancelFunc, reqs []*Request) {
	text, err := q.dispatcher.Dispatch(ctx, reqs)
	cancel()

	q.mu.Lock()
	defer q.mu.Unlock()

	q.inFlight = false
	q.cancelFlight = nil

	if q.closed {
		for _, r := range reqs {
			r.promise.reject(ErrClosed)
		}
		return
	}

	switch {
	case errors.Is(err, context.Canceled):
		// Aborted to accommodate batching: push the requests back to
		// the front of the buffer, chronological order intact, and let
		// the batch window close over the combined set. Nothing is
		// surfaced to the callers. Only the dispatcher's own error
		// says whether the call was cancelled; reading ctx here would
		// misclassify a transport failure that raced a fresh arrival.
		q.batch = append(reqs, q.batch...)
		if q.batchOpened.IsZero() {
			q.batchOpened = time.Now()
		}
		q.armTimerLocked(q.opts.BatchWindow)
		slog.Debug("queue: call aborted, requeued for rebatch",
			"channel", q.channelID, "requests", requestIDs(reqs), "batch_len", len(q.batch))

	case err != nil:
		// Transport failure or timeout: reject the whole batch. The
		// caller owns any user-visible fallback.
		for _, r := range reqs {
			r.promise.reject(err)
		}
		slog.Warn("queue: backend call failed",
			"channel", q.channelID, "requests", requestIDs(reqs), "error", err)
		q.rescheduleLocked()

	default:
		// Only the last-arrived request carries the reply; earlier
		// batch members settle with empty string so exactly one reply
		// is rendered per batch.
		for i, r := range reqs {
			if i == len(reqs)-1 {
				r.promise.fulfill(text)
			} else {
				r.promise.fulfill("")
			}
		}
		q.rescheduleLocked()
	}
}

// rescheduleLocked arms the batch window for anything that arrived too
// late to cancel the finished call.
func (q *channelQueue) rescheduleLocked() {
	if len(q.batch) > 0 {
		q.armTimerLocked(q.opts.BatchWindow)
	}
}

// close rejects everything still pending and cancels any in-flight
// call. Its requests are rejected by run once the call unwinds.
func (q *channelQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
	}
	if q.cancelFlight != nil {
		q.cancelFlight()
	}
	if q.pending != nil {
		q.pending.promise.reject(ErrClosed)
		q.pending = nil
	}
	for _, r := range q.batch {
		r.promise.reject(ErrClosed)
	}
	q.batch = nil
	q.batchOpened = time.Time{}
}
