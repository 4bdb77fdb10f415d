package app

import (
	"context"
	"strings"

	"remindbot/internal/config"
	logx "remindbot/pkg/logx"
)

// reloadLoop applies validated config snapshots published by the manager.
// Bursts are coalesced so only the newest snapshot is applied.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.applyReload(last, cfg)
			last = cfg
		}
	}
}

func (a *App) applyReload(old, cfg *config.Config) {
	sections, attrs := config.SummarizeChange(old, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload: no effective changes")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)

	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required to take effect")
		case "telegram":
			// Token and poll timeout are fixed at adapter construction; only
			// the owner list applies live.
			a.log.Warn("telegram transport config changes (token, poll_timeout) require a restart")
		}
	}

	a.setOwners(cfg.Telegram.OwnerUserIDs)
	a.logs.Apply(logxConfig(cfg))

	es, err := config.ResolveEngine(cfg.Engine)
	if err != nil {
		// Validation runs before publish, so this should not happen.
		a.log.Warn("engine config rejected; keeping previous", logx.Err(err))
		return
	}
	a.queue.Apply(outboundConfig(es))
	if es.SweepInterval != a.engine.SweepInterval ||
		es.DrainInterval != a.engine.DrainInterval ||
		es.TokenSweepInterval != a.engine.TokenSweepInterval ||
		es.TokenTTL != a.engine.TokenTTL {
		a.log.Warn("engine interval changes (sweep, drain, token ttl) require a restart")
	}
	// Policy changes need no push: the scheduler resolves policies from the
	// live config snapshot on every use.
}
