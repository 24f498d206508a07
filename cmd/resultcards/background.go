package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"result-cards/internal/config"
	"result-cards/internal/dispatch"
)

// submitter is the part of the dispatch pool the scheduler needs.
type submitter interface {
	Submit(ctx context.Context, req dispatch.Request) (*dispatch.Future, error)
}

// runSchedule checks the cron expression once a minute and, when due, queues
// a recent-events dispatch for every configured template. It does not wait
// for the jobs; their outcome reaches the pool's observers.
func runSchedule(ctx context.Context, sc config.ScheduleConfig, pool submitter, log *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	log.Info("schedule started", "cron", sc.Cron, "templates", sc.Templates)
	for {
		select {
		case now := <-ticker.C:
			tick(ctx, sc, pool, log, now)
		case <-ctx.Done():
			log.Info("schedule stopped", "reason", ctx.Err())
			return
		}
	}
}

func tick(ctx context.Context, sc config.ScheduleConfig, pool submitter, log *slog.Logger, now time.Time) {
	due, err := gronx.New().IsDue(sc.Cron, now.Truncate(time.Minute))
	if err != nil {
		log.Error("cron check failed", "cron", sc.Cron, "error", err)
		return
	}
	if !due {
		return
	}
	for _, tpl := range sc.Templates {
		fut, err := pool.Submit(ctx, dispatch.Request{Template: tpl, Event: dispatch.All, Participant: dispatch.All})
		if err != nil {
			log.Warn("scheduled dispatch not queued", "template", tpl, "error", err)
			continue
		}
		log.Info("scheduled dispatch queued", "template", tpl, "batch", fut.BatchID)
	}
}
