package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/LordLuceus/letta-bot/internal/letta"
	"github.com/LordLuceus/letta-bot/internal/queue"
)

// Backend opens one streaming agent call. Implemented by letta.Client.
type Backend interface {
	Stream(ctx context.Context, agentID, message string) (*letta.Stream, error)
}

// Dispatcher is the queue's bridge to the backend: it formats each
// drained request, combines a batch into one payload, runs the call,
// and reduces the stream to reply text.
type Dispatcher struct {
	agentID   string
	backend   Backend
	formatter *Formatter
	interp    *Interpreter

	missingAgentOnce sync.Once
}

func NewDispatcher(agentID string, backend Backend, formatter *Formatter, interp *Interpreter) *Dispatcher {
	return &Dispatcher{
		agentID:   agentID,
		backend:   backend,
		formatter: formatter,
		interp:    interp,
	}
}

// Dispatch implements queue.Dispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, reqs []*queue.Request) (string, error) {
	if d.agentID == "" {
		// Not fatal: the bridge runs, every dispatch short-circuits to
		// "no reply" until an agent is configured.
		d.missingAgentOnce.Do(func() {
			slog.Error("dispatch: no letta agent id configured, replies disabled")
		})
		return "", nil
	}

	payload := d.combine(ctx, reqs)
	if payload == "" {
		// Heartbeat with nothing to say and nothing else in the batch.
		return "", nil
	}

	st, err := d.backend.Stream(ctx, d.agentID, payload)
	if err != nil {
		return "", err
	}
	return d.interp.Drain(ctx, st)
}

// combine renders each request (caching across rebatches) and joins a
// multi-request batch under an explicit arrived-together marker so the
// agent can distinguish the turns.
func (d *Dispatcher) combine(ctx context.Context, reqs []*queue.Request) string {
	parts := make([]string, 0, len(reqs))
	for _, r := range reqs {
		if r.Payload == "" {
			r.Payload = d.formatter.Format(ctx, r.Event)
		}
		if r.Payload != "" {
			parts = append(parts, r.Payload)
		}
	}

	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	default:
		header := fmt.Sprintf("[%d messages arrived in quick succession]", len(parts))
		return header + "\n\n" + strings.Join(parts, "\n\n")
	}
}
