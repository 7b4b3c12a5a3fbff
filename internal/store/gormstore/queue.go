package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditcore/pkg/queue"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var claimableStates = []string{queue.StateWaiting.String(), queue.StateDelayed.String()}

func (store *Store) InsertJob(ctx context.Context, job queue.Job) error {
	row := toQueueJobRow(job)
	err := store.db.WithContext(ctx).Create(&row).Error
	if isDuplicateError(err) {
		return queue.ErrDuplicateJob
	}
	if err != nil {
		return fmt.Errorf("insert job %s/%s: %w", job.Queue, job.ID, err)
	}
	return nil
}

func (store *Store) GetJob(ctx context.Context, queueName string, jobID string) (queue.Job, error) {
	var row QueueJob
	err := store.db.WithContext(ctx).
		Where("queue_name = ? AND job_id = ?", queueName, jobID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return queue.Job{}, queue.ErrJobNotFound
		}
		return queue.Job{}, fmt.Errorf("get job %s/%s: %w", queueName, jobID, err)
	}
	return mapQueueJob(row)
}

// ResetJob rewrites a terminal row back to a runnable one, clearing the
// outcome of the previous run.
func (store *Store) ResetJob(ctx context.Context, job queue.Job) error {
	result := store.db.WithContext(ctx).
		Model(&QueueJob{}).
		Where("queue_name = ? AND job_id = ?", job.Queue, job.ID).
		Updates(map[string]interface{}{
			"payload":          datatypes.JSON(job.Payload),
			"state":            job.State.String(),
			"progress":         job.Progress,
			"attempts_made":    job.AttemptsMade,
			"max_attempts":     job.MaxAttempts,
			"backoff_type":     string(job.Backoff.Type),
			"backoff_delay_ns": int64(job.Backoff.Delay),
			"run_at":           time.Unix(job.RunAtUnixUTC, 0).UTC(),
			"result":           nil,
			"failure_reason":   "",
			"created_at":       time.Unix(job.CreatedUnixUTC, 0).UTC(),
			"processed_at":     nil,
			"completed_at":     nil,
		})
	if result.Error != nil {
		return fmt.Errorf("reset job %s/%s: %w", job.Queue, job.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return queue.ErrJobNotFound
	}
	return nil
}

// ClaimNextJob picks the oldest runnable job and flips it to active. The
// state check in the update makes the claim a compare-and-swap, so two
// workers racing for the same row cannot both win.
func (store *Store) ClaimNextJob(ctx context.Context, queueName string, nowUnixUTC int64) (*queue.Job, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	var claimed *queue.Job
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row QueueJob
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("queue_name = ? AND state IN ? AND run_at <= ?", queueName, claimableStates, now).
			Order("created_at, job_id").
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		result := tx.Model(&QueueJob{}).
			Where("queue_name = ? AND job_id = ? AND state = ?", queueName, row.JobID, row.State).
			Updates(map[string]interface{}{
				"state":         queue.StateActive.String(),
				"attempts_made": row.AttemptsMade + 1,
				"processed_at":  now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		row.State = queue.StateActive.String()
		row.AttemptsMade++
		row.ProcessedAt = &now
		job, err := mapQueueJob(row)
		if err != nil {
			return err
		}
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job on %s: %w", queueName, err)
	}
	return claimed, nil
}

func (store *Store) UpdateProgress(ctx context.Context, queueName string, jobID string, progress int) error {
	result := store.db.WithContext(ctx).
		Model(&QueueJob{}).
		Where("queue_name = ? AND job_id = ?", queueName, jobID).
		Update("progress", progress)
	if result.Error != nil {
		return fmt.Errorf("update progress %s/%s: %w", queueName, jobID, result.Error)
	}
	if result.RowsAffected == 0 {
		return queue.ErrJobNotFound
	}
	return nil
}

// The mark operations match on state = active so a worker that lost its claim
// to the stall janitor cannot clobber a re-claimed run.
func (store *Store) MarkCompleted(ctx context.Context, queueName string, jobID string, result []byte, completedUnixUTC int64) error {
	update := store.db.WithContext(ctx).
		Model(&QueueJob{}).
		Where("queue_name = ? AND job_id = ? AND state = ?", queueName, jobID, queue.StateActive.String()).
		Updates(map[string]interface{}{
			"state":        queue.StateCompleted.String(),
			"progress":     100,
			"result":       datatypes.JSON(result),
			"completed_at": time.Unix(completedUnixUTC, 0).UTC(),
		})
	if update.Error != nil {
		return fmt.Errorf("complete job %s/%s: %w", queueName, jobID, update.Error)
	}
	if update.RowsAffected == 0 {
		return store.markMissReason(ctx, queueName, jobID)
	}
	return nil
}

func (store *Store) MarkRetry(ctx context.Context, queueName string, jobID string, runAtUnixUTC int64, failureReason string) error {
	update := store.db.WithContext(ctx).
		Model(&QueueJob{}).
		Where("queue_name = ? AND job_id = ? AND state = ?", queueName, jobID, queue.StateActive.String()).
		Updates(map[string]interface{}{
			"state":          queue.StateDelayed.String(),
			"run_at":         time.Unix(runAtUnixUTC, 0).UTC(),
			"failure_reason": failureReason,
		})
	if update.Error != nil {
		return fmt.Errorf("retry job %s/%s: %w", queueName, jobID, update.Error)
	}
	if update.RowsAffected == 0 {
		return store.markMissReason(ctx, queueName, jobID)
	}
	return nil
}

func (store *Store) MarkFailed(ctx context.Context, queueName string, jobID string, failureReason string, completedUnixUTC int64) error {
	update := store.db.WithContext(ctx).
		Model(&QueueJob{}).
		Where("queue_name = ? AND job_id = ? AND state = ?", queueName, jobID, queue.StateActive.String()).
		Updates(map[string]interface{}{
			"state":          queue.StateFailed.String(),
			"failure_reason": failureReason,
			"completed_at":   time.Unix(completedUnixUTC, 0).UTC(),
		})
	if update.Error != nil {
		return fmt.Errorf("fail job %s/%s: %w", queueName, jobID, update.Error)
	}
	if update.RowsAffected == 0 {
		return store.markMissReason(ctx, queueName, jobID)
	}
	return nil
}

// markMissReason decides why a guarded mark matched nothing: the row is gone,
// or it left the active state since the caller claimed it.
func (store *Store) markMissReason(ctx context.Context, queueName string, jobID string) error {
	if _, err := store.GetJob(ctx, queueName, jobID); err != nil {
		return err
	}
	return queue.ErrJobNotActive
}

// PurgeTerminal drops terminal jobs past the age cutoff, then trims what
// remains down to the keepCount newest.
func (store *Store) PurgeTerminal(ctx context.Context, queueName string, olderThanUnixUTC int64, keepCount int) error {
	terminalStates := []string{queue.StateCompleted.String(), queue.StateFailed.String()}
	cutoff := time.Unix(olderThanUnixUTC, 0).UTC()
	err := store.db.WithContext(ctx).
		Where("queue_name = ? AND state IN ? AND completed_at < ?", queueName, terminalStates, cutoff).
		Delete(&QueueJob{}).Error
	if err != nil {
		return fmt.Errorf("purge terminal on %s: %w", queueName, err)
	}
	if keepCount <= 0 {
		return nil
	}
	var terminal []string
	err = store.db.WithContext(ctx).
		Model(&QueueJob{}).
		Where("queue_name = ? AND state IN ?", queueName, terminalStates).
		Order("completed_at DESC").
		Pluck("job_id", &terminal).Error
	if err != nil {
		return fmt.Errorf("purge terminal on %s: %w", queueName, err)
	}
	if len(terminal) <= keepCount {
		return nil
	}
	excess := terminal[keepCount:]
	err = store.db.WithContext(ctx).
		Where("queue_name = ? AND job_id IN ?", queueName, excess).
		Delete(&QueueJob{}).Error
	if err != nil {
		return fmt.Errorf("purge terminal on %s: %w", queueName, err)
	}
	return nil
}

// RequeueStalled returns jobs stuck in active, claimed by a worker that never
// reported back, to the waiting state.
func (store *Store) RequeueStalled(ctx context.Context, queueName string, activeBeforeUnixUTC int64) (int, error) {
	update := store.db.WithContext(ctx).
		Model(&QueueJob{}).
		Where("queue_name = ? AND state = ? AND processed_at < ?",
			queueName, queue.StateActive.String(), time.Unix(activeBeforeUnixUTC, 0).UTC()).
		Updates(map[string]interface{}{
			"state":        queue.StateWaiting.String(),
			"processed_at": nil,
		})
	if update.Error != nil {
		return 0, fmt.Errorf("requeue stalled on %s: %w", queueName, update.Error)
	}
	return int(update.RowsAffected), nil
}

func toQueueJobRow(job queue.Job) QueueJob {
	row := QueueJob{
		QueueName:      job.Queue,
		JobID:          job.ID,
		Payload:        datatypes.JSON(job.Payload),
		State:          job.State.String(),
		Progress:       job.Progress,
		AttemptsMade:   job.AttemptsMade,
		MaxAttempts:    job.MaxAttempts,
		BackoffType:    string(job.Backoff.Type),
		BackoffDelayNS: int64(job.Backoff.Delay),
		RunAt:          time.Unix(job.RunAtUnixUTC, 0).UTC(),
		Result:         datatypes.JSON(job.Result),
		FailureReason:  job.FailureReason,
		CreatedAt:      time.Unix(job.CreatedUnixUTC, 0).UTC(),
	}
	if job.ProcessedUnixUTC != 0 {
		value := time.Unix(job.ProcessedUnixUTC, 0).UTC()
		row.ProcessedAt = &value
	}
	if job.CompletedUnixUTC != 0 {
		value := time.Unix(job.CompletedUnixUTC, 0).UTC()
		row.CompletedAt = &value
	}
	return row
}

func mapQueueJob(row QueueJob) (queue.Job, error) {
	state, err := queue.ParseState(row.State)
	if err != nil {
		return queue.Job{}, err
	}
	return queue.Job{
		Queue:        row.QueueName,
		ID:           row.JobID,
		Payload:      []byte(row.Payload),
		State:        state,
		Progress:     row.Progress,
		AttemptsMade: row.AttemptsMade,
		MaxAttempts:  row.MaxAttempts,
		Backoff: queue.Backoff{
			Type:  queue.BackoffType(row.BackoffType),
			Delay: time.Duration(row.BackoffDelayNS),
		},
		RunAtUnixUTC:     row.RunAt.Unix(),
		Result:           []byte(row.Result),
		FailureReason:    row.FailureReason,
		CreatedUnixUTC:   row.CreatedAt.Unix(),
		ProcessedUnixUTC: timeOrZero(row.ProcessedAt),
		CompletedUnixUTC: timeOrZero(row.CompletedAt),
	}, nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}
