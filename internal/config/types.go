package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Notifier shapes outbound private messages. Omitted means defaults.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	// Storage is optional; omitted or driver "none" keeps state in memory only.
	Storage *StorageConfig `json:"storage,omitempty"`

	Ops     OpsConfig                  `json:"ops,omitempty"`
	Plugins map[string]PluginConfigRaw `json:"plugins"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`

	// ReportChatID receives WARN+ log lines when logging.report is enabled.
	ReportChatID   int64 `json:"report_chat_id,omitempty"`
	ReportThreadID int   `json:"report_thread_id,omitempty"`

	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout"`

	// Command dispatch pool.
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Report  LoggingReport `json:"report"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingReport struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the trigger service used by plugins.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// NotifierConfig controls the outbound messenger.
//
// Defaults (when omitted or zero):
//   - rate_per_sec: 1
//   - burst: 1
//   - retry_max: 3
//   - retry_base: "500ms"
//   - retry_max_delay: "10s"
//   - send_timeout: "15s"
type NotifierConfig struct {
	RatePerSec    float64 `json:"rate_per_sec"`
	Burst         int     `json:"burst"`
	RetryMax      int     `json:"retry_max"`
	RetryBase     string  `json:"retry_base"`
	RetryMaxDelay string  `json:"retry_max_delay"`
	SendTimeout   string  `json:"send_timeout"`
}

// StorageConfig selects the persistence backend for cooldowns, the user
// directory and the audit trail.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./proactive.db" }
//	"storage": { "driver": "redis", "redis_url": "redis://localhost:6379/0" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	RedisURL  string `json:"redis_url,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`

	// AuditRetention bounds how long audit rows are kept. "0s" keeps forever.
	AuditRetention string `json:"audit_retention,omitempty"`
}

// OpsConfig controls the local operations HTTP endpoint.
//
// Prefer a loopback address. A non-loopback bind requires a token or
// allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:9464"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Metrics       bool   `json:"metrics,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON rejects unknown keys so typos in a plugin block fail the
// reload instead of being silently ignored.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type raw struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var r raw
	if err := dec.Decode(&r); err != nil {
		return err
	}
	*p = PluginConfigRaw{Enabled: r.Enabled, Config: r.Config}
	return nil
}
