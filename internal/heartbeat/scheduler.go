// Package heartbeat fires scheduled system events that prompt the
// agent to act without human input.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/LordLuceus/letta-bot/internal/queue"
)

// DefaultCron fires a heartbeat every 30 minutes.
const DefaultCron = "*/30 * * * *"

// ReplyFunc receives the agent's reply to a heartbeat, when it produced
// one.
type ReplyFunc func(ctx context.Context, text string)

// Scheduler enqueues a heartbeat whenever the cron expression is due.
type Scheduler struct {
	expr    string
	mgr     *queue.Manager
	onReply ReplyFunc
	gron    *gronx.Gronx
}

// New creates a scheduler. expr is validated; an empty expr uses
// DefaultCron.
func New(expr string, mgr *queue.Manager, onReply ReplyFunc) (*Scheduler, error) {
	if expr == "" {
		expr = DefaultCron
	}
	g := gronx.New()
	if !g.IsValid(expr) {
		return nil, fmt.Errorf("heartbeat: invalid cron expression %q", expr)
	}
	return &Scheduler{expr: expr, mgr: mgr, onReply: onReply, gron: g}, nil
}

// Run ticks once a minute until ctx is done, enqueueing a heartbeat on
// each due minute. The reply is delivered asynchronously so a slow
// agent run never skews the schedule.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("heartbeat scheduler started", "cron", s.expr)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			due, err := s.gron.IsDue(s.expr, time.Now())
			if err != nil {
				slog.Warn("heartbeat: cron evaluation failed", "error", err)
				continue
			}
			if due {
				s.trigger(ctx)
			}
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context) {
	promise, err := s.mgr.EnqueueHeartbeat("scheduled")
	if err != nil {
		slog.Warn("heartbeat: enqueue failed", "error", err)
		return
	}

	go func() {
		text, err := promise.Wait(ctx)
		if err != nil {
			slog.Warn("heartbeat: run failed", "error", err)
			return
		}
		if text != "" && s.onReply != nil {
			s.onReply(ctx, text)
		}
	}()
}
