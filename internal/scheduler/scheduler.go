// Package scheduler runs OrderPipe housekeeping on cron expressions.
//
// Housekeeping prunes finished dedup ledger rows and terminal durable jobs so
// both tables stay bounded.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// DefaultMaintenanceCron runs housekeeping at the top of every hour.
	DefaultMaintenanceCron = "0 * * * *"
	// DefaultRetention keeps a week of finished ledger rows and jobs.
	DefaultRetention = 7 * 24 * time.Hour
	// maintenanceTimeout bounds one housekeeping run.
	maintenanceTimeout = 2 * time.Minute
)

var ErrInvalidRetention = errors.New("retention must be positive")

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler with the 5-field parser
// (min, hour, dom, month, dow). A panicking task is recovered and logged.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Pruner is the store surface housekeeping needs.
type Pruner interface {
	PruneLedger(ctx context.Context, before time.Time) (int64, error)
	PruneJobs(ctx context.Context, before time.Time) (int64, error)
}

// PruneResult counts the rows removed by one housekeeping run.
type PruneResult struct {
	LedgerRows int64
	Jobs       int64
}

// Prune deletes finished ledger rows and terminal jobs last touched more than
// retention before now. In-flight rows are never removed.
func Prune(ctx context.Context, p Pruner, retention time.Duration, now time.Time) (PruneResult, error) {
	if retention <= 0 {
		return PruneResult{}, ErrInvalidRetention
	}
	cutoff := now.Add(-retention)

	var res PruneResult
	n, err := p.PruneLedger(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("failed to prune ledger: %w", err)
	}
	res.LedgerRows = n

	n, err = p.PruneJobs(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("failed to prune jobs: %w", err)
	}
	res.Jobs = n
	return res, nil
}

// AddMaintenance schedules Prune on expr. An empty expr uses
// DefaultMaintenanceCron and a zero retention uses DefaultRetention.
func (s *Scheduler) AddMaintenance(expr string, p Pruner, retention time.Duration) error {
	if expr == "" {
		expr = DefaultMaintenanceCron
	}
	if retention == 0 {
		retention = DefaultRetention
	}
	if retention < 0 {
		return ErrInvalidRetention
	}
	slog.Info("Scheduler: housekeeping scheduled", "cron", expr, "retention", retention)
	return s.AddJob(expr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
		defer cancel()
		res, err := Prune(ctx, p, retention, time.Now().UTC())
		if err != nil {
			slog.Error("Scheduler: housekeeping failed", "error", err)
			return
		}
		slog.Info("Scheduler: housekeeping done", "ledger_rows", res.LedgerRows, "jobs", res.Jobs)
	})
}
