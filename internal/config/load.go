package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with production defaults. Durations default
// to zero here; the queue package applies its own defaults so the two
// never drift.
func Default() *Config {
	return &Config{
		Letta: LettaConfig{
			BaseURL: "http://localhost:8283",
		},
		Discord: DiscordConfig{
			SendRatePerSecond: 1,
			SendBurst:         3,
		},
		Describe: DescribeConfig{
			MaxLinks: 3,
		},
		Heartbeat: HeartbeatConfig{
			Enabled: true,
			Cron:    "*/30 * * * *",
		},
		Store: StoreConfig{
			Path: "~/.letta-bot/status.db",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A
// missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays environment variables. Secrets are env-only.
func (c *Config) applyEnv() {
	if v := os.Getenv("LETTA_BOT_DISCORD_TOKEN"); v != "" {
		c.Discord.Token = v
	}
	if v := os.Getenv("LETTA_TOKEN"); v != "" {
		c.Letta.Token = v
	}
	if v := os.Getenv("LETTA_BASE_URL"); v != "" {
		c.Letta.BaseURL = v
	}
	if v := os.Getenv("LETTA_AGENT_ID"); v != "" {
		c.Letta.AgentID = v
	}
	if v := os.Getenv("LETTA_BOT_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
}

// ExpandHome resolves a leading ~/ against the user home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// DefaultPath returns the config file location: $LETTA_BOT_CONFIG or
// ~/.letta-bot/config.json.
func DefaultPath() string {
	if v := os.Getenv("LETTA_BOT_CONFIG"); v != "" {
		return v
	}
	return ExpandHome("~/.letta-bot/config.json")
}
