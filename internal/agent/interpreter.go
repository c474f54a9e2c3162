package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/LordLuceus/letta-bot/internal/letta"
)

// Presence receives the set_status side effect. Both calls are
// fire-and-forget: implementations log failures and never propagate.
type Presence interface {
	SetPresence(ctx context.Context, status string)
	PersistPresence(ctx context.Context, status string)
}

// Interpreter reduces one Letta run's event stream to the user-visible
// reply text, firing tool side effects along the way.
type Interpreter struct {
	presence Presence
}

func NewInterpreter(presence Presence) *Interpreter {
	return &Interpreter{presence: presence}
}

// Drain consumes the stream to completion. The returned string is the
// accumulated reply, trimmed; empty means the agent chose not to
// respond. Stream failures (including cancellation) propagate to the
// caller untouched.
func (in *Interpreter) Drain(ctx context.Context, st *letta.Stream) (string, error) {
	defer st.Close()

	var reply strings.Builder
	for {
		ev, err := st.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}

		switch ev.MessageType {
		case letta.TypeReasoning:
			slog.Debug("letta: reasoning", "text", truncate(ev.Reasoning, 120))

		case letta.TypeAssistant:
			reply.WriteString(ev.Content)

		case letta.TypeToolCall:
			in.handleToolCall(ctx, ev.ToolCall, &reply)

		case letta.TypeToolReturn:
			// Tool results feed the agent, not the user.

		case letta.TypeStopReason:
			slog.Debug("letta: run stopped", "reason", ev.StopReason)

		case letta.TypeUsage:
			// Logged at debug only; no output contribution.
			slog.Debug("letta: usage received")

		default:
			slog.Debug("letta: unrecognized event", "type", string(ev.MessageType))
		}
	}

	return strings.TrimSpace(reply.String()), nil
}

func (in *Interpreter) handleToolCall(ctx context.Context, tc *letta.ToolCall, reply *strings.Builder) {
	if tc == nil {
		return
	}

	switch tc.Name {
	case letta.ToolSendResponse:
		var args letta.SendResponseArgs
		if err := tc.DecodeArguments(&args); err != nil {
			slog.Warn("letta: bad send_response arguments", "error", err)
			return
		}
		// is_responding false means the fragment is internal narration.
		if args.IsResponding {
			reply.WriteString(args.Message)
		}

	case letta.ToolSetStatus:
		var args letta.SetStatusArgs
		if err := tc.DecodeArguments(&args); err != nil {
			slog.Warn("letta: bad set_status arguments", "error", err)
			return
		}
		if in.presence != nil && args.Status != "" {
			in.presence.SetPresence(ctx, args.Status)
			in.presence.PersistPresence(ctx, args.Status)
		}

	default:
		slog.Debug("letta: uncontracted tool call", "tool", tc.Name)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
