package config

import (
	"reflect"
	"sort"
	"strings"

	logx "remindbot/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (the bot token) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.OperatorChat) != strings.TrimSpace(newCfg.Telegram.OperatorChat) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.operator_chat_set", strings.TrimSpace(newCfg.Telegram.OperatorChat) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.operator_enabled", newCfg.Logging.Operator.Enabled),
		)
	}

	// Storage. Nil means memory-only.
	var oDriver, nDriver string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.String("engine.sweep_interval", strings.TrimSpace(newCfg.Engine.SweepInterval)),
			logx.String("engine.drain_interval", strings.TrimSpace(newCfg.Engine.DrainInterval)),
			logx.Int("engine.outbound.rate_per_sec", newCfg.Engine.Outbound.RatePerSec),
			logx.Int("engine.outbound.max_attempts", newCfg.Engine.Outbound.MaxAttempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Policy, newCfg.Policy) ||
		!reflect.DeepEqual(oldCfg.Destinations, newCfg.Destinations) {
		changed = append(changed, "policy")
		attrs = append(attrs,
			logx.String("policy.lead_time", strings.TrimSpace(newCfg.Policy.LeadTime)),
			logx.String("policy.timezone", strings.TrimSpace(newCfg.Policy.Timezone)),
			logx.Bool("policy.quiet_set", strings.TrimSpace(newCfg.Policy.QuietStart) != ""),
			logx.Int("policy.destination_overrides", len(newCfg.Destinations)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
