package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/LordLuceus/letta-bot/internal/bus"
	"github.com/LordLuceus/letta-bot/internal/letta"
	"github.com/LordLuceus/letta-bot/internal/queue"
)

// captureBackend records each Stream call and serves a canned reply
// through a real SSE round trip.
type captureBackend struct {
	client *letta.Client

	mu       sync.Mutex
	agentIDs []string
	payloads []string
	err      error
}

func newCaptureBackend(t *testing.T, reply string) *captureBackend {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"message_type\":\"assistant_message\",\"content\":%q}\n\n", reply)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return &captureBackend{client: letta.New(srv.URL, "")}
}

func (b *captureBackend) Stream(ctx context.Context, agentID, message string) (*letta.Stream, error) {
	b.mu.Lock()
	b.agentIDs = append(b.agentIDs, agentID)
	b.payloads = append(b.payloads, message)
	err := b.err
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return b.client.Stream(ctx, agentID, message)
}

func (b *captureBackend) calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.payloads))
	copy(out, b.payloads)
	return out
}

func chatRequest(content string) *queue.Request {
	return &queue.Request{
		Event: bus.NewChatEvent(&bus.ChatMessage{
			ChannelID:  "c1",
			SenderID:   "100",
			SenderName: "alice",
			Content:    content,
			Class:      bus.ClassDirect,
		}),
	}
}

func TestDispatchSingleRequest(t *testing.T) {
	backend := newCaptureBackend(t, "hello alice")
	d := NewDispatcher("agent-1", backend, NewFormatter(nil, nil), NewInterpreter(nil))

	text, err := d.Dispatch(context.Background(), []*queue.Request{chatRequest("hi")})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if text != "hello alice" {
		t.Fatalf("got %q", text)
	}

	calls := backend.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one backend call, got %d", len(calls))
	}
	if strings.Contains(calls[0], "arrived in quick succession") {
		t.Fatalf("single request must not carry the batch marker: %q", calls[0])
	}
	if !strings.Contains(calls[0], "hi") {
		t.Fatalf("payload missing the message: %q", calls[0])
	}
}

func TestDispatchCombinesBatchWithMarker(t *testing.T) {
	backend := newCaptureBackend(t, "ok")
	d := NewDispatcher("agent-1", backend, NewFormatter(nil, nil), NewInterpreter(nil))

	reqs := []*queue.Request{chatRequest("one"), chatRequest("two"), chatRequest("three")}
	if _, err := d.Dispatch(context.Background(), reqs); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	calls := backend.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one combined call, got %d", len(calls))
	}
	payload := calls[0]
	if !strings.HasPrefix(payload, "[3 messages arrived in quick succession]") {
		t.Fatalf("missing batch marker: %q", payload)
	}
	iOne := strings.Index(payload, "one")
	iTwo := strings.Index(payload, "two")
	iThree := strings.Index(payload, "three")
	if iOne < 0 || iTwo < iOne || iThree < iTwo {
		t.Fatalf("batch parts out of order: %q", payload)
	}
}

func TestDispatchCachesFormattedPayloads(t *testing.T) {
	backend := newCaptureBackend(t, "ok")
	describer := &fakeDescriber{attachments: "a photo"}
	d := NewDispatcher("agent-1", backend, NewFormatter(describer, nil), NewInterpreter(nil))

	req := chatRequest("with file")
	req.Event.Message.Attachments = []bus.Attachment{{URL: "https://cdn/p.png"}}

	// First dispatch formats; a rebatched second dispatch must reuse the
	// cached payload instead of re-describing.
	if _, err := d.Dispatch(context.Background(), []*queue.Request{req}); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if _, err := d.Dispatch(context.Background(), []*queue.Request{req, chatRequest("follow-up")}); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}

	if describer.attachmentCalls != 1 {
		t.Fatalf("attachments described %d times, want 1", describer.attachmentCalls)
	}
}

func TestDispatchMissingAgentShortCircuits(t *testing.T) {
	backend := newCaptureBackend(t, "never sent")
	d := NewDispatcher("", backend, NewFormatter(nil, nil), NewInterpreter(nil))

	text, err := d.Dispatch(context.Background(), []*queue.Request{chatRequest("hi")})
	if err != nil {
		t.Fatalf("missing agent must not error: %v", err)
	}
	if text != "" {
		t.Fatalf("expected empty reply, got %q", text)
	}
	if len(backend.calls()) != 0 {
		t.Fatal("backend must not be called without an agent id")
	}
}

func TestDispatchSkipsEmptyPayload(t *testing.T) {
	backend := newCaptureBackend(t, "never sent")
	d := NewDispatcher("agent-1", backend, NewFormatter(nil, nil), NewInterpreter(nil))

	// A reasonless heartbeat formats to nothing.
	req := &queue.Request{Event: bus.NewHeartbeatEvent("")}
	text, err := d.Dispatch(context.Background(), []*queue.Request{req})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if text != "" {
		t.Fatalf("got %q", text)
	}
	if len(backend.calls()) != 0 {
		t.Fatal("empty payload must not reach the backend")
	}
}

func TestDispatchPropagatesBackendError(t *testing.T) {
	backend := newCaptureBackend(t, "unused")
	backend.err = errors.New("connection refused")
	d := NewDispatcher("agent-1", backend, NewFormatter(nil, nil), NewInterpreter(nil))

	_, err := d.Dispatch(context.Background(), []*queue.Request{chatRequest("hi")})
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected backend error, got %v", err)
	}
}
