package mevbot

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Janitor runs the periodic housekeeping jobs: pruning aged opportunity rows
// and logging a per-kind profit digest.
type Janitor struct {
	log       *zap.SugaredLogger
	store     *DBBackend
	retention time.Duration
	cron      *cron.Cron
}

func NewJanitor(log *zap.SugaredLogger, store *DBBackend, retention time.Duration) *Janitor {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Janitor{
		log:       log.With("component", "janitor"),
		store:     store,
		retention: retention,
		cron:      cron.New(),
	}
}

// Start schedules the jobs and returns immediately. ctx cancellation stops
// the scheduler.
func (j *Janitor) Start(ctx context.Context) error {
	if _, err := j.cron.AddFunc("17 * * * *", func() { j.prune(ctx) }); err != nil {
		return err
	}
	if _, err := j.cron.AddFunc("TZ=UTC 0 0 * * *", func() { j.digest(ctx) }); err != nil {
		return err
	}
	j.cron.Start()
	go func() {
		<-ctx.Done()
		<-j.cron.Stop().Done()
	}()
	j.log.Infow("janitor started", "retention", j.retention)
	return nil
}

func (j *Janitor) prune(ctx context.Context) {
	cutoff := time.Now().Add(-j.retention)
	pruned, err := j.store.PruneOlderThan(ctx, cutoff)
	if err != nil {
		j.log.Errorw("opportunity prune failed", "error", err)
		return
	}
	if pruned > 0 {
		j.log.Infow("pruned aged opportunities", "rows", pruned, "cutoff", cutoff)
	}
}

func (j *Janitor) digest(ctx context.Context) {
	stats, err := j.store.ProfitStats(ctx)
	if err != nil {
		j.log.Errorw("profit digest failed", "error", err)
		return
	}
	for _, s := range stats {
		j.log.Infow("daily digest",
			"kind", s.Kind,
			"found", s.Found,
			"executed", s.Executed,
			"succeeded", s.Succeeded,
			"profitEth", s.ProfitEth)
	}
}
