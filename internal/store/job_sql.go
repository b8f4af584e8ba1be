package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/util"
	"github.com/Masterminds/squirrel"
)

var terminalJobStatuses = []string{string(JobStatusDone), string(JobStatusFailed), string(JobStatusCanceled)}

func (s *sqlStore) EnqueueJob(ctx context.Context, spec JobSpec) (string, error) {
	id := util.GenerateJobID()
	now := time.Now().UTC()
	runAt := spec.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	if spec.DedupeKey != "" {
		q := s.builder.Select("id").From("jobs").
			Where(squirrel.Eq{"dedupe_key": spec.DedupeKey}).
			Where(squirrel.NotEq{"status": []string{string(JobStatusDone), string(JobStatusCanceled)}})
		row, err := s.queryRow(ctx, s.db, q)
		if err != nil {
			return "", err
		}
		var existingID string
		err = row.Scan(&existingID)
		if err == nil {
			slog.Debug("Store.EnqueueJob: dedupe hit", "dedupeKey", spec.DedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	ins := s.builder.Insert("jobs").
		Columns("id", "kind", "run_at", "payload_json", "status", "attempt", "max_attempts", "dedupe_key", "created_at", "updated_at").
		Values(id, spec.Kind, runAt.UTC(), spec.PayloadJSON, JobStatusQueued, 0, maxAttempts, nilIfEmpty(spec.DedupeKey), now, now)
	if _, err := s.exec(ctx, s.db, ins); err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug("Store.EnqueueJob", "backend", s.backend, "id", id, "kind", spec.Kind, "runAt", runAt)
	return id, nil
}

func (s *sqlStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	now = now.UTC()
	q := s.builder.Select("id").From("jobs").
		Where(squirrel.Eq{"status": JobStatusQueued}).
		Where(squirrel.LtOrEq{"run_at": now}).
		OrderBy("run_at ASC").
		Limit(uint64(limit))
	rows, err := s.query(ctx, s.db, q)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs failed: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("claim due jobs scan failed: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due jobs iteration failed: %w", err)
	}

	var jobs []Job
	for _, id := range ids {
		// Compare-and-set on status; a row already taken by another poller affects nothing.
		upd := s.builder.Update("jobs").
			Set("status", JobStatusRunning).
			Set("locked_at", now).
			Set("updated_at", now).
			Where(squirrel.Eq{"id": id, "status": JobStatusQueued})
		if err := s.execOne(ctx, s.db, upd); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return jobs, fmt.Errorf("claim job %s failed: %w", id, err)
		}
		j, err := s.GetJob(ctx, id)
		if err != nil {
			return jobs, err
		}
		if j != nil {
			jobs = append(jobs, *j)
		}
	}
	return jobs, nil
}

func (s *sqlStore) CompleteJob(ctx context.Context, id string) error {
	upd := s.builder.Update("jobs").
		Set("status", JobStatusDone).
		Set("locked_at", nil).
		Set("updated_at", time.Now().UTC()).
		Where(squirrel.Eq{"id": id})
	if _, err := s.exec(ctx, s.db, upd); err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *sqlStore) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	now := time.Now().UTC()

	row, err := s.queryRow(ctx, s.db, s.builder.Select("attempt", "max_attempts").From("jobs").Where(squirrel.Eq{"id": id}))
	if err != nil {
		return err
	}
	var attempt, maxAttempts int
	if err := row.Scan(&attempt, &maxAttempts); err != nil {
		return fmt.Errorf("fail job lookup failed: %w", err)
	}

	attempt++
	upd := s.builder.Update("jobs").
		Set("attempt", attempt).
		Set("last_error", errMsg).
		Set("locked_at", nil).
		Set("updated_at", now).
		Where(squirrel.Eq{"id": id})
	if attempt >= maxAttempts {
		upd = upd.Set("status", JobStatusFailed)
	} else {
		upd = upd.Set("status", JobStatusQueued).Set("run_at", nextRunAt.UTC())
	}
	if _, err := s.exec(ctx, s.db, upd); err != nil {
		return fmt.Errorf("fail job update failed: %w", err)
	}
	return nil
}

func (s *sqlStore) CancelJob(ctx context.Context, id string) error {
	upd := s.builder.Update("jobs").
		Set("status", JobStatusCanceled).
		Set("locked_at", nil).
		Set("updated_at", time.Now().UTC()).
		Where(squirrel.Eq{"id": id})
	if _, err := s.exec(ctx, s.db, upd); err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

func (s *sqlStore) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	now := time.Now().UTC()
	stale := squirrel.And{
		squirrel.Eq{"status": JobStatusRunning},
		squirrel.Lt{"locked_at": staleBefore.UTC()},
	}

	var total int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		exhausted := s.builder.Update("jobs").
			Set("status", JobStatusFailed).
			Set("attempt", squirrel.Expr("attempt + 1")).
			Set("last_error", "abandoned while running").
			Set("locked_at", nil).
			Set("updated_at", now).
			Where(stale).
			Where("attempt + 1 >= max_attempts")
		res, err := s.exec(ctx, tx, exhausted)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		total += n

		requeue := s.builder.Update("jobs").
			Set("status", JobStatusQueued).
			Set("locked_at", nil).
			Set("updated_at", now).
			Where(stale)
		res, err = s.exec(ctx, tx, requeue)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		total += n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	if total > 0 {
		slog.Info("Store.RequeueStaleRunningJobs", "backend", s.backend, "recovered", total)
	}
	return int(total), nil
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row, err := s.queryRow(ctx, s.db, s.builder.Select(jobColumns...).From("jobs").Where(squirrel.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

func (s *sqlStore) ListFailedJobs(ctx context.Context, limit int) ([]Job, error) {
	q := s.builder.Select(jobColumns...).From("jobs").
		Where(squirrel.Eq{"status": JobStatusFailed}).
		OrderBy("updated_at DESC").
		Limit(uint64(limit))
	rows, err := s.query(ctx, s.db, q)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs failed: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list failed jobs iteration failed: %w", err)
	}
	return jobs, nil
}

func (s *sqlStore) PruneJobs(ctx context.Context, before time.Time) (int64, error) {
	del := s.builder.Delete("jobs").
		Where(squirrel.Eq{"status": terminalJobStatuses}).
		Where(squirrel.Lt{"updated_at": before.UTC()})
	res, err := s.exec(ctx, s.db, del)
	if err != nil {
		return 0, fmt.Errorf("prune jobs failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
