package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LordLuceus/letta-bot/internal/bus"
)

// testOptions keeps the state machine fast enough for unit tests while
// preserving the ordering between the knobs (debounce > typing pause >
// batch window).
func testOptions() Options {
	return Options{
		Debounce:          40 * time.Millisecond,
		BatchWindow:       30 * time.Millisecond,
		TypingPause:       50 * time.Millisecond,
		CallTimeout:       2 * time.Second,
		CeilingMultiplier: 2,
	}
}

// recordedCall captures one Dispatch invocation.
type recordedCall struct {
	at       time.Time
	contents []string
}

// fakeDispatcher is a controllable queue.Dispatcher.
type fakeDispatcher struct {
	mu    sync.Mutex
	calls []recordedCall

	reply string
	err   error

	// delay holds each call open, honoring ctx like a real transport.
	delay time.Duration
	// blockFirst makes the first call block until its ctx is cancelled.
	blockFirst bool
	// blockFirstErr overrides the blocked first call's result so it
	// returns a transport error instead of the cancellation.
	blockFirstErr error
	// ignoreCtx makes delayed calls sleep through cancellation.
	ignoreCtx bool

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	callCount   atomic.Int32
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, reqs []*Request) (string, error) {
	cur := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		max := d.maxInFlight.Load()
		if cur <= max || d.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	n := d.callCount.Add(1)

	contents := make([]string, 0, len(reqs))
	for _, r := range reqs {
		contents = append(contents, eventContent(r.Event))
	}
	d.mu.Lock()
	d.calls = append(d.calls, recordedCall{at: time.Now(), contents: contents})
	d.mu.Unlock()

	if d.blockFirst && n == 1 {
		<-ctx.Done()
		if d.blockFirstErr != nil {
			return "", d.blockFirstErr
		}
		return "", ctx.Err()
	}
	if d.delay > 0 {
		if d.ignoreCtx {
			time.Sleep(d.delay)
		} else {
			select {
			case <-time.After(d.delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return d.reply, d.err
}

func (d *fakeDispatcher) snapshot() []recordedCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]recordedCall, len(d.calls))
	copy(out, d.calls)
	return out
}

func eventContent(ev bus.InboundEvent) string {
	switch ev.Kind {
	case bus.KindChatMessage:
		return ev.Message.Content
	case bus.KindHeartbeat:
		return "heartbeat:" + ev.Heartbeat.Reason
	case bus.KindMemberJoin:
		return "join:" + ev.Join.UserID
	}
	return ""
}

func chatMsg(channel, content string) *bus.ChatMessage {
	return &bus.ChatMessage{
		ChannelID:  channel,
		SenderID:   "42",
		SenderName: "tester",
		Content:    content,
		Class:      bus.ClassGeneric,
	}
}

// settle waits for a promise with a test-sized deadline.
func settle(t *testing.T, p *Promise) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	text, err := p.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		t.Fatal("promise never settled")
	}
	return text, err
}

func TestSingleMessageDebounce(t *testing.T) {
	d := &fakeDispatcher{reply: "hello back"}
	m := NewManager(testOptions(), d)
	defer m.Close()

	start := time.Now()
	p, err := m.EnqueueMessage(chatMsg("c1", "hello"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	text, err := settle(t, p)
	if err != nil {
		t.Fatalf("expected success, got: %v", err)
	}
	if text != "hello back" {
		t.Fatalf("expected reply text, got %q", text)
	}

	calls := d.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one call, got %d", len(calls))
	}
	if len(calls[0].contents) != 1 || calls[0].contents[0] != "hello" {
		t.Fatalf("unexpected call contents: %v", calls[0].contents)
	}
	if elapsed := calls[0].at.Sub(start); elapsed < 35*time.Millisecond {
		t.Fatalf("call went out before the debounce elapsed: %v", elapsed)
	}
}

func TestBurstCombinesIntoOneCall(t *testing.T) {
	d := &fakeDispatcher{reply: "combined reply"}
	m := NewManager(testOptions(), d)
	defer m.Close()

	p1, _ := m.EnqueueMessage(chatMsg("c1", "one"))
	time.Sleep(5 * time.Millisecond)
	p2, _ := m.EnqueueMessage(chatMsg("c1", "two"))
	time.Sleep(5 * time.Millisecond)
	p3, _ := m.EnqueueMessage(chatMsg("c1", "three"))

	t1, err1 := settle(t, p1)
	t2, err2 := settle(t, p2)
	t3, err3 := settle(t, p3)
	if err1 != nil || err2 != nil || err3 != nil {
		t.Fatalf("expected success, got: %v %v %v", err1, err2, err3)
	}

	// Only the last-arrived member carries the reply.
	if t1 != "" || t2 != "" {
		t.Fatalf("earlier batch members must settle empty, got %q %q", t1, t2)
	}
	if t3 != "combined reply" {
		t.Fatalf("last batch member should carry the reply, got %q", t3)
	}

	calls := d.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected one combined call, got %d", len(calls))
	}
	if got := strings.Join(calls[0].contents, ","); got != "one,two,three" {
		t.Fatalf("batch not chronological: %s", got)
	}
}

func TestBatchWindowExtension(t *testing.T) {
	d := &fakeDispatcher{reply: "ok"}
	m := NewManager(testOptions(), d)
	defer m.Close()

	m.EnqueueMessage(chatMsg("c1", "a"))
	time.Sleep(5 * time.Millisecond)
	m.EnqueueMessage(chatMsg("c1", "b")) // opens the batch window

	// Arrive again mid-window; the window must restart.
	time.Sleep(15 * time.Millisecond)
	lastArrival := time.Now()
	p, _ := m.EnqueueMessage(chatMsg("c1", "c"))

	settle(t, p)

	calls := d.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected one call, got %d", len(calls))
	}
	if gap := calls[0].at.Sub(lastArrival); gap < 25*time.Millisecond {
		t.Fatalf("batch closed %v after the last arrival, window was not extended", gap)
	}
}

func TestTypingDefersDispatch(t *testing.T) {
	d := &fakeDispatcher{reply: "ok"}
	m := NewManager(testOptions(), d)
	defer m.Close()

	m.TypingStart("c1", "u1")

	start := time.Now()
	p, _ := m.EnqueueMessage(chatMsg("c1", "still typing..."))

	// Stop typing shortly after the debounce would have fired.
	time.Sleep(55 * time.Millisecond)
	m.TypingStop("c1", "u1")

	if _, err := settle(t, p); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	calls := d.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected one call, got %d", len(calls))
	}
	// Without deferral the call would land right at the 40ms debounce.
	if gap := calls[0].at.Sub(start); gap < 60*time.Millisecond {
		t.Fatalf("dispatch was not deferred for the typing pause: %v", gap)
	}
}

func TestTypingCannotStarvePastCeiling(t *testing.T) {
	d := &fakeDispatcher{reply: "ok"}
	opts := testOptions()
	m := NewManager(opts, d)
	defer m.Close()

	// Typing starts and never stops.
	m.TypingStart("c1", "u1")
	p, _ := m.EnqueueMessage(chatMsg("c1", "hello?"))

	if _, err := settle(t, p); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	calls := d.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected one call, got %d", len(calls))
	}
	// Ceiling = 2 × max(batchWindow, typingPause) = 100ms past the
	// debounce promotion; well under a second either way.
	if m.IsTyping("c1") != true {
		t.Fatal("typing state should still be active")
	}
}

func TestAtMostOneCallInFlight(t *testing.T) {
	d := &fakeDispatcher{reply: "ok", delay: 25 * time.Millisecond, ignoreCtx: true}
	m := NewManager(testOptions(), d)
	defer m.Close()

	var promises []*Promise
	for i := 0; i < 6; i++ {
		p, err := m.EnqueueMessage(chatMsg("c1", "m"))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		promises = append(promises, p)
		time.Sleep(12 * time.Millisecond)
	}

	for _, p := range promises {
		if _, err := settle(t, p); err != nil {
			t.Fatalf("request lost: %v", err)
		}
	}

	if max := d.maxInFlight.Load(); max != 1 {
		t.Fatalf("observed %d concurrent backend calls for one channel", max)
	}
}

func TestAbortAndRebatch(t *testing.T) {
	d := &fakeDispatcher{reply: "second call reply", blockFirst: true}
	m := NewManager(testOptions(), d)
	defer m.Close()

	pA, _ := m.EnqueueMessage(chatMsg("c1", "first"))

	// Let the debounce fire and the first call start.
	time.Sleep(60 * time.Millisecond)

	// This arrival supersedes the in-flight call.
	pB, _ := m.EnqueueMessage(chatMsg("c1", "second"))

	textA, errA := settle(t, pA)
	textB, errB := settle(t, pB)

	// Cancellation transparency: the interrupted request settles as if
	// it had never been interrupted.
	if errA != nil || errB != nil {
		t.Fatalf("cancellation leaked to callers: %v / %v", errA, errB)
	}
	if textA != "" {
		t.Fatalf("superseded request should settle empty, got %q", textA)
	}
	if textB != "second call reply" {
		t.Fatalf("expected rebatch reply, got %q", textB)
	}

	calls := d.snapshot()
	if len(calls) != 2 {
		t.Fatalf("expected aborted call plus rebatch, got %d calls", len(calls))
	}
	if got := strings.Join(calls[1].contents, ","); got != "first,second" {
		t.Fatalf("rebatch lost chronological order: %s", got)
	}
}

func TestTransportFailureRacingAbortStillRejects(t *testing.T) {
	boom := errors.New("connection reset")
	d := &fakeDispatcher{reply: "second call reply", blockFirst: true, blockFirstErr: boom}
	m := NewManager(testOptions(), d)
	defer m.Close()

	pA, _ := m.EnqueueMessage(chatMsg("c1", "first"))
	time.Sleep(60 * time.Millisecond)

	// This arrival cancels the in-flight call, which then fails with a
	// transport error rather than the cancellation.
	pB, _ := m.EnqueueMessage(chatMsg("c1", "second"))

	// The failure must reach the first batch; a cancelled context alone
	// does not make a transport error an abort.
	if _, err := settle(t, pA); !errors.Is(err, boom) {
		t.Fatalf("expected transport failure, got %v", err)
	}

	// The late arrival was never part of the failed call and goes out
	// on its own.
	text, err := settle(t, pB)
	if err != nil {
		t.Fatalf("late arrival must not inherit the failure: %v", err)
	}
	if text != "second call reply" {
		t.Fatalf("got %q", text)
	}

	calls := d.snapshot()
	if len(calls) != 2 {
		t.Fatalf("expected failed call plus retry of the newcomer, got %d", len(calls))
	}
	if got := strings.Join(calls[1].contents, ","); got != "second" {
		t.Fatalf("rejected requests must not be rebatched: %s", got)
	}
}

func TestRequestIDsAssigned(t *testing.T) {
	a := newRequest(bus.NewHeartbeatEvent("scheduled"))
	b := newRequest(bus.NewHeartbeatEvent("scheduled"))
	if a.ID == "" || b.ID == "" {
		t.Fatal("requests need ids for log correlation")
	}
	if a.ID == b.ID {
		t.Fatal("request ids must be unique")
	}
	if got := requestIDs([]*Request{a, b}); got[0] != a.ID || got[1] != b.ID {
		t.Fatalf("ids out of order: %v", got)
	}
}

func TestBackendFailureRejectsWholeBatch(t *testing.T) {
	boom := errors.New("backend exploded")
	d := &fakeDispatcher{err: boom}
	m := NewManager(testOptions(), d)
	defer m.Close()

	p1, _ := m.EnqueueMessage(chatMsg("c1", "a"))
	p2, _ := m.EnqueueMessage(chatMsg("c1", "b"))

	_, err1 := settle(t, p1)
	_, err2 := settle(t, p2)
	if !errors.Is(err1, boom) || !errors.Is(err2, boom) {
		t.Fatalf("expected backend failure on every member, got %v / %v", err1, err2)
	}

	if calls := d.snapshot(); len(calls) != 1 {
		t.Fatalf("failure must not be retried by the queue, got %d calls", len(calls))
	}
}

func TestTimeoutIsAFailureNotARebatch(t *testing.T) {
	d := &fakeDispatcher{reply: "never", delay: 500 * time.Millisecond}
	opts := testOptions()
	opts.CallTimeout = 60 * time.Millisecond
	m := NewManager(opts, d)
	defer m.Close()

	p, _ := m.EnqueueMessage(chatMsg("c1", "slow"))

	_, err := settle(t, p)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	if calls := d.snapshot(); len(calls) != 1 {
		t.Fatalf("timeout must not be retried, got %d calls", len(calls))
	}
}

func TestChannelsAreIndependent(t *testing.T) {
	d := &fakeDispatcher{reply: "ok", delay: 40 * time.Millisecond, ignoreCtx: true}
	m := NewManager(testOptions(), d)
	defer m.Close()

	p1, _ := m.EnqueueMessage(chatMsg("c1", "one"))
	p2, _ := m.EnqueueMessage(chatMsg("c2", "two"))

	if _, err := settle(t, p1); err != nil {
		t.Fatalf("c1: %v", err)
	}
	if _, err := settle(t, p2); err != nil {
		t.Fatalf("c2: %v", err)
	}

	// Two channels may overlap; the per-channel invariant only bounds
	// calls within one queue.
	if calls := d.snapshot(); len(calls) != 2 {
		t.Fatalf("expected one call per channel, got %d", len(calls))
	}
}

func TestPromiseSettlesExactlyOnce(t *testing.T) {
	p := newPromise()
	p.fulfill("once")

	defer func() {
		if recover() == nil {
			t.Fatal("second settle must panic")
		}
	}()
	p.fulfill("twice")
}

func TestCloseRejectsPending(t *testing.T) {
	d := &fakeDispatcher{reply: "ok"}
	m := NewManager(testOptions(), d)

	p, _ := m.EnqueueMessage(chatMsg("c1", "doomed"))
	m.Close()

	_, err := settle(t, p)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	if _, err := m.EnqueueMessage(chatMsg("c1", "late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("enqueue after close should fail, got %v", err)
	}
}
