package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"result-cards/internal/config"
	"result-cards/internal/dispatch"
)

type fakeSubmitter struct {
	reqs []dispatch.Request
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, req dispatch.Request) (*dispatch.Future, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.reqs = append(f.reqs, req)
	return &dispatch.Future{BatchID: "b"}, nil
}

func TestTickSubmitsWhenDue(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sc := config.ScheduleConfig{Cron: "*/15 * * * *", Templates: []string{"igwin", "seasonpoints"}}
	sub := &fakeSubmitter{}

	tick(context.Background(), sc, sub, log, time.Date(2026, 3, 1, 10, 7, 12, 0, time.UTC))
	if len(sub.reqs) != 0 {
		t.Fatalf("queued %d jobs off schedule", len(sub.reqs))
	}

	tick(context.Background(), sc, sub, log, time.Date(2026, 3, 1, 10, 15, 40, 0, time.UTC))
	if len(sub.reqs) != 2 {
		t.Fatalf("queued %d jobs, want 2", len(sub.reqs))
	}
	for i, tpl := range sc.Templates {
		r := sub.reqs[i]
		if r.Template != tpl || r.Event != dispatch.All || r.Participant != dispatch.All {
			t.Errorf("job %d = %+v", i, r)
		}
	}
}

func TestTickToleratesSubmitFailure(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sc := config.ScheduleConfig{Cron: "* * * * *", Templates: []string{"igwin"}}
	tick(context.Background(), sc, &fakeSubmitter{err: dispatch.ErrPoolClosed}, log, time.Now())
	tick(context.Background(), config.ScheduleConfig{Cron: "not a cron"}, &fakeSubmitter{err: errors.New("unused")}, log, time.Now())
}
