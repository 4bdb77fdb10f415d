package config

import (
	"fmt"
	"strings"
	"time"

	"remindbot/internal/timeplan"
)

// EngineSettings is EngineConfig with durations parsed and defaults applied.
type EngineSettings struct {
	SweepInterval      time.Duration
	DrainInterval      time.Duration
	TokenSweepInterval time.Duration
	TokenTTL           time.Duration

	OutboundRatePerSec    int
	OutboundMaxAttempts   int
	OutboundRetryBase     time.Duration
	OutboundRetryMaxDelay time.Duration
	OutboundSendTimeout   time.Duration
	OutboundPruneAfter    time.Duration
}

// ResolveEngine parses and defaults the engine section.
func ResolveEngine(c EngineConfig) (EngineSettings, error) {
	var (
		s   EngineSettings
		err error
	)
	if s.SweepInterval, err = ParseDurationOrDefault("engine.sweep_interval", c.SweepInterval, 5*time.Second); err != nil {
		return s, err
	}
	if s.DrainInterval, err = ParseDurationOrDefault("engine.drain_interval", c.DrainInterval, time.Second); err != nil {
		return s, err
	}
	if s.TokenSweepInterval, err = ParseDurationOrDefault("engine.token_sweep_interval", c.TokenSweepInterval, 10*time.Minute); err != nil {
		return s, err
	}
	if s.TokenTTL, err = ParseDurationOrDefault("engine.token_ttl", c.TokenTTL, 24*time.Hour); err != nil {
		return s, err
	}
	if s.OutboundRetryBase, err = ParseDurationOrDefault("engine.outbound.retry_base", c.Outbound.RetryBase, 2*time.Second); err != nil {
		return s, err
	}
	if s.OutboundRetryMaxDelay, err = ParseDurationOrDefault("engine.outbound.retry_max_delay", c.Outbound.RetryMaxDelay, 5*time.Minute); err != nil {
		return s, err
	}
	if s.OutboundSendTimeout, err = ParseDurationOrDefault("engine.outbound.send_timeout", c.Outbound.SendTimeout, 10*time.Second); err != nil {
		return s, err
	}
	if s.OutboundPruneAfter, err = ParseDurationOrDefault("engine.outbound.prune_after", c.Outbound.PruneAfter, 24*time.Hour); err != nil {
		return s, err
	}
	s.OutboundRatePerSec = c.Outbound.RatePerSec
	if s.OutboundRatePerSec <= 0 {
		s.OutboundRatePerSec = 3
	}
	s.OutboundMaxAttempts = c.Outbound.MaxAttempts
	if s.OutboundMaxAttempts <= 0 {
		s.OutboundMaxAttempts = 5
	}
	return s, nil
}

// ResolvePolicy turns an on-disk policy into a validated timeplan.Policy.
func ResolvePolicy(c PolicyConfig) (timeplan.Policy, error) {
	var (
		p   timeplan.Policy
		err error
	)
	if p.LeadTime, err = ParseDurationField("policy.lead_time", c.LeadTime); err != nil {
		return p, err
	}
	if p.SnoozeIncrement, err = ParseDurationField("policy.snooze_increment", c.SnoozeIncrement); err != nil {
		return p, err
	}
	if p.DefaultDuration, err = ParseDurationField("policy.default_duration", c.DefaultDuration); err != nil {
		return p, err
	}
	p.Timezone = strings.TrimSpace(c.Timezone)

	qs, qe := strings.TrimSpace(c.QuietStart), strings.TrimSpace(c.QuietEnd)
	if (qs == "") != (qe == "") {
		return p, fmt.Errorf("policy.quiet_start and policy.quiet_end must be set together")
	}
	if qs != "" {
		start, err := timeplan.ParseDayTime(qs)
		if err != nil {
			return p, fmt.Errorf("policy.quiet_start: %w", err)
		}
		end, err := timeplan.ParseDayTime(qe)
		if err != nil {
			return p, fmt.Errorf("policy.quiet_end: %w", err)
		}
		p.Quiet = &timeplan.QuietWindow{Start: start, End: end}
	}
	return p.Resolve()
}

// mergePolicy lays an override on top of the default; unset override fields
// inherit the default's raw values.
func mergePolicy(def, over PolicyConfig) PolicyConfig {
	out := def
	if strings.TrimSpace(over.LeadTime) != "" {
		out.LeadTime = over.LeadTime
	}
	if strings.TrimSpace(over.Timezone) != "" {
		out.Timezone = over.Timezone
	}
	if strings.TrimSpace(over.QuietStart) != "" || strings.TrimSpace(over.QuietEnd) != "" {
		out.QuietStart = over.QuietStart
		out.QuietEnd = over.QuietEnd
	}
	if strings.TrimSpace(over.SnoozeIncrement) != "" {
		out.SnoozeIncrement = over.SnoozeIncrement
	}
	if strings.TrimSpace(over.DefaultDuration) != "" {
		out.DefaultDuration = over.DefaultDuration
	}
	return out
}

// PolicyFor resolves the effective policy for a destination key, merging the
// per-destination override (if any) over the default.
func (c *Config) PolicyFor(destination string) (timeplan.Policy, error) {
	raw := c.Policy
	if over, ok := c.Destinations[destination]; ok {
		raw = mergePolicy(c.Policy, over)
	}
	return ResolvePolicy(raw)
}

// Validate checks the whole config for errors that should block a reload:
// every duration parses, every policy resolves, storage driver is known.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := ResolveEngine(cfg.Engine); err != nil {
		return err
	}
	if _, err := ResolvePolicy(cfg.Policy); err != nil {
		return err
	}
	for dest := range cfg.Destinations {
		if _, err := cfg.PolicyFor(dest); err != nil {
			return fmt.Errorf("destinations[%s]: %w", dest, err)
		}
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if cfg.Storage != nil {
		switch strings.TrimSpace(strings.ToLower(cfg.Storage.Driver)) {
		case "", "none", "memory", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}
