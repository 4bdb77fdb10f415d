package config

// Config is the on-disk configuration. JSON and YAML are both accepted;
// unknown keys are rejected so typos surface on reload instead of being
// silently ignored.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Engine   EngineConfig   `json:"engine"`

	// Policy is the default fire-instant policy. Destinations may override
	// individual fields per chat; unset override fields inherit the default.
	Policy       PolicyConfig            `json:"policy"`
	Destinations map[string]PolicyConfig `json:"destinations,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// OperatorChat receives warn+ log lines and permanent delivery failures.
	OperatorChat string `json:"operator_chat,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Operator LoggingOperator `json:"operator"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type LoggingOperator struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the persistence layer. Nil or driver "none" runs
// memory-only (state is lost on restart).
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// EngineConfig tunes the scheduling and delivery loops.
//
// All durations are Go duration strings. Defaults when omitted:
//   - sweep_interval: "5s"
//   - drain_interval: "1s"
//   - token_sweep_interval: "10m"
//   - token_ttl: "24h"
type EngineConfig struct {
	SweepInterval      string         `json:"sweep_interval,omitempty"`
	DrainInterval      string         `json:"drain_interval,omitempty"`
	TokenSweepInterval string         `json:"token_sweep_interval,omitempty"`
	TokenTTL           string         `json:"token_ttl,omitempty"`
	Outbound           OutboundConfig `json:"outbound"`
}

// OutboundConfig tunes the delivery queue.
//
// Defaults when omitted:
//   - rate_per_sec: 3
//   - max_attempts: 5
//   - retry_base: "2s"
//   - retry_max_delay: "5m"
//   - send_timeout: "10s"
//   - prune_after: "24h"
type OutboundConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	PruneAfter    string `json:"prune_after,omitempty"`
}

// PolicyConfig is the on-disk shape of a fire-instant policy. Quiet hours are
// wall-clock "HH:MM" in the policy timezone and may wrap past midnight.
type PolicyConfig struct {
	LeadTime        string `json:"lead_time,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	QuietStart      string `json:"quiet_start,omitempty"`
	QuietEnd        string `json:"quiet_end,omitempty"`
	SnoozeIncrement string `json:"snooze_increment,omitempty"`
	DefaultDuration string `json:"default_duration,omitempty"`
}
