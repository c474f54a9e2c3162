// Package config loads the bridge configuration: a JSON5 file overlaid
// with environment variables. Secrets (tokens) come from env only and
// are never written to disk.
package config

import (
	"time"

	"github.com/LordLuceus/letta-bot/internal/queue"
)

// Config is the root configuration for the bridge.
type Config struct {
	Discord   DiscordConfig   `json:"discord"`
	Letta     LettaConfig     `json:"letta"`
	Queue     QueueConfig     `json:"queue"`
	Describe  DescribeConfig  `json:"describe"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Store     StoreConfig     `json:"store"`
}

// DiscordConfig configures the platform adapter.
// Token comes from env LETTA_BOT_DISCORD_TOKEN only.
type DiscordConfig struct {
	Token              string  `json:"-"`
	HeartbeatChannelID string  `json:"heartbeat_channel_id,omitempty"` // where heartbeat replies land
	GreetingChannelID  string  `json:"greeting_channel_id,omitempty"`  // where member-join replies land
	SendRatePerSecond  float64 `json:"send_rate_per_second,omitempty"` // outbound message pacing (default 1)
	SendBurst          int     `json:"send_burst,omitempty"`           // outbound burst allowance (default 3)
}

// LettaConfig configures the agent backend.
// Token comes from env LETTA_TOKEN only.
type LettaConfig struct {
	BaseURL string `json:"base_url"`
	AgentID string `json:"agent_id"`
	Token   string `json:"-"`
}

// QueueConfig holds the scheduling knobs, in milliseconds where the
// deployment profiles differ by orders of magnitude.
type QueueConfig struct {
	DebounceMS        int `json:"debounce_ms,omitempty"`        // default 30000
	BatchWindowMS     int `json:"batch_window_ms,omitempty"`    // default 1000 (150 for low-latency profiles)
	TypingPauseMS     int `json:"typing_pause_ms,omitempty"`    // default 2000
	CallTimeoutSec    int `json:"call_timeout_sec,omitempty"`   // default 300
	CeilingMultiplier int `json:"ceiling_multiplier,omitempty"` // default 2
}

// Options converts the config into queue scheduling options. Zero
// fields fall back to the queue package defaults.
func (q QueueConfig) Options() queue.Options {
	return queue.Options{
		Debounce:          time.Duration(q.DebounceMS) * time.Millisecond,
		BatchWindow:       time.Duration(q.BatchWindowMS) * time.Millisecond,
		TypingPause:       time.Duration(q.TypingPauseMS) * time.Millisecond,
		CallTimeout:       time.Duration(q.CallTimeoutSec) * time.Second,
		CeilingMultiplier: q.CeilingMultiplier,
	}
}

// DescribeConfig configures attachment and link description.
type DescribeConfig struct {
	TranscribeProxyURL string `json:"transcribe_proxy_url,omitempty"` // empty disables audio transcription
	MaxLinks           int    `json:"max_links,omitempty"`            // link previews per message (default 3)
}

// HeartbeatConfig configures the scheduled system prompt.
type HeartbeatConfig struct {
	Enabled bool   `json:"enabled"`
	Cron    string `json:"cron,omitempty"` // default "*/30 * * * *"
}

// StoreConfig configures status persistence.
type StoreConfig struct {
	Path string `json:"path,omitempty"` // default ~/.letta-bot/status.db
}
