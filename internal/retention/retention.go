// Package retention runs the scheduled purge of expired cases and their
// dependent records.
package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nsljw/Judge-final/internal/casestore"
)

// DefaultMaxAge keeps closed and abandoned cases for half a year.
const DefaultMaxAge = 180 * 24 * time.Hour

// Sweeper deletes cases older than the retention horizon on a daily schedule.
type Sweeper struct {
	cron   *cron.Cron
	store  *casestore.Store
	maxAge time.Duration
	log    *zap.SugaredLogger
}

func NewSweeper(store *casestore.Store, maxAge time.Duration, log *zap.SugaredLogger) *Sweeper {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Sweeper{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		store:  store,
		maxAge: maxAge,
		log:    log,
	}
}

// Start registers the daily job at 03:00 UTC and runs the cron loop.
func (s *Sweeper) Start() {
	if _, err := s.cron.AddFunc("0 3 * * *", s.sweep); err != nil {
		s.log.Errorw("failed to register retention job", "error", err)
		return
	}
	s.cron.Start()
	s.log.Infow("retention sweeper started", "max_age", s.maxAge)
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("retention sweeper stopped")
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	n, err := s.store.PurgeCasesOlderThan(ctx, s.maxAge)
	if err != nil {
		s.log.Errorw("retention sweep failed", "error", err)
		return
	}
	s.log.Infow("retention sweep complete", "cases_purged", n)
}

// SweepNow runs one purge immediately, outside the schedule.
func (s *Sweeper) SweepNow(ctx context.Context) (int, error) {
	return s.store.PurgeCasesOlderThan(ctx, s.maxAge)
}
