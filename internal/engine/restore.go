package engine

import (
	"context"

	"pushpilot/pkg/logx"
)

// RestoreActive re-installs triggers for every automation the store reports
// active. Called once at process start, after Start.
//
// Best-effort by design: per-item failures are logged and the batch
// continues. Total failure degrades to "no triggers installed", which later
// Schedule calls repair.
func (e *Engine) RestoreActive(ctx context.Context) {
	autos, err := e.store.LoadAllActive(ctx)
	if err != nil {
		e.log.Error("restore: loading active automations failed", logx.Err(err))
		return
	}

	restored, failed := 0, 0
	for _, auto := range autos {
		res := e.Schedule(auto)
		if !res.Success {
			failed++
			e.log.Warn("restore: scheduling failed",
				logx.String("automation", auto.ID),
				logx.String("msg", res.Message))
			continue
		}
		restored++
	}

	e.log.Info("active automations restored",
		logx.Int("restored", restored),
		logx.Int("failed", failed))
}
