package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/LordLuceus/letta-bot/internal/bus"
)

// SystemChannelID keys the shared queue for events with no channel
// affinity (heartbeats, member joins). Discord channel IDs are numeric
// snowflakes, so the colon makes collision impossible; the manager
// still validates instead of assuming string luck.
const SystemChannelID = "letta-bot:system"

// ErrReservedChannel is returned when a chat message claims the system
// channel identifier.
var ErrReservedChannel = errors.New("queue: reserved channel identifier")

// typingState tracks who is currently typing in one channel.
type typingState struct {
	users     map[string]struct{}
	stoppedAt time.Time // last transition to empty
}

// Manager demultiplexes inbound events to lazily created per-channel
// queues and owns the per-channel typing state. It is an explicit
// dependency of its callers, not a singleton, and is safe for
// concurrent use.
type Manager struct {
	opts       Options
	dispatcher Dispatcher

	mu     sync.Mutex
	queues map[string]*channelQueue
	typing map[string]*typingState
	closed bool
}

// NewManager creates a queue manager dispatching through d.
func NewManager(opts Options, d Dispatcher) *Manager {
	return &Manager{
		opts:       opts.withDefaults(),
		dispatcher: d,
		queues:     make(map[string]*channelQueue),
		typing:     make(map[string]*typingState),
	}
}

// EnqueueMessage routes a chat message to its channel's queue.
func (m *Manager) EnqueueMessage(msg *bus.ChatMessage) (*Promise, error) {
	if msg.ChannelID == "" {
		return nil, fmt.Errorf("queue: chat message without channel id")
	}
	if msg.ChannelID == SystemChannelID {
		return nil, ErrReservedChannel
	}
	q, err := m.queueFor(msg.ChannelID)
	if err != nil {
		return nil, err
	}
	return q.enqueue(bus.NewChatEvent(msg))
}

// EnqueueHeartbeat routes a timer heartbeat to the system queue.
func (m *Manager) EnqueueHeartbeat(reason string) (*Promise, error) {
	q, err := m.queueFor(SystemChannelID)
	if err != nil {
		return nil, err
	}
	return q.enqueue(bus.NewHeartbeatEvent(reason))
}

// EnqueueMemberJoin routes a guild join to the system queue.
func (m *Manager) EnqueueMemberJoin(join *bus.MemberJoin) (*Promise, error) {
	q, err := m.queueFor(SystemChannelID)
	if err != nil {
		return nil, err
	}
	return q.enqueue(bus.NewMemberJoinEvent(join))
}

func (m *Manager) queueFor(channelID string) (*channelQueue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	q, ok := m.queues[channelID]
	if !ok {
		q = newChannelQueue(channelID, m.opts, m.dispatcher)
		// Typing may have started before the channel's first message;
		// seed the fresh queue with the state it missed.
		if ts := m.typing[channelID]; ts != nil {
			if len(ts.users) > 0 {
				q.typingActive = true
			} else if !ts.stoppedAt.IsZero() {
				q.typingStopped = ts.stoppedAt
			}
		}
		m.queues[channelID] = q
		slog.Debug("queue: channel queue created", "channel", channelID)
	}
	return q, nil
}

// TypingStart records that user began typing in channel. On the
// transition from nobody-typing to somebody-typing the channel's queue
// (if it exists) is notified.
func (m *Manager) TypingStart(channelID, userID string) {
	m.mu.Lock()
	ts, ok := m.typing[channelID]
	if !ok {
		ts = &typingState{users: make(map[string]struct{})}
		m.typing[channelID] = ts
	}
	wasEmpty := len(ts.users) == 0
	ts.users[userID] = struct{}{}
	q := m.queues[channelID]
	m.mu.Unlock()

	if wasEmpty && q != nil {
		q.setTyping(true)
	}
}

// TypingStop records that user stopped typing in channel, notifying the
// queue on the transition back to nobody-typing.
func (m *Manager) TypingStop(channelID, userID string) {
	m.mu.Lock()
	ts, ok := m.typing[channelID]
	if !ok {
		m.mu.Unlock()
		return
	}
	before := len(ts.users)
	delete(ts.users, userID)
	nowEmpty := before > 0 && len(ts.users) == 0
	if nowEmpty {
		ts.stoppedAt = time.Now()
	}
	q := m.queues[channelID]
	m.mu.Unlock()

	if nowEmpty && q != nil {
		q.setTyping(false)
	}
}

// IsTyping reports whether anyone is currently typing in channel.
func (m *Manager) IsTyping(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.typing[channelID]
	return ok && len(ts.users) > 0
}

// SinceTypingStopped returns how long ago the channel's typing set last
// became empty. ok is false if the channel never saw typing or someone
// is still typing.
func (m *Manager) SinceTypingStopped(channelID string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.typing[channelID]
	if !ok || len(ts.users) > 0 || ts.stoppedAt.IsZero() {
		return 0, false
	}
	return time.Since(ts.stoppedAt), true
}

// Retune applies new scheduling knobs to existing and future queues.
// Used by config hot reload.
func (m *Manager) Retune(opts Options) {
	m.mu.Lock()
	m.opts = opts.withDefaults()
	queues := make([]*channelQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.retune(opts)
	}
	slog.Info("queue: retuned",
		"debounce", opts.withDefaults().Debounce,
		"batch_window", opts.withDefaults().BatchWindow,
		"typing_pause", opts.withDefaults().TypingPause)
}

// Close shuts every queue down. Pending requests reject with ErrClosed;
// in-flight calls are cancelled.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	queues := make([]*channelQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.close()
	}
}
