package queue

import (
	"context"
	"sort"
	"sync"
)

// memStore is an in-memory queue.Store for tests.
type memStore struct {
	mu   sync.Mutex
	jobs map[jobKey]*Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[jobKey]*Job)}
}

func (store *memStore) InsertJob(ctx context.Context, job Job) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	key := jobKey{queueName: job.Queue, jobID: job.ID}
	if _, exists := store.jobs[key]; exists {
		return ErrDuplicateJob
	}
	stored := job
	store.jobs[key] = &stored
	return nil
}

func (store *memStore) GetJob(ctx context.Context, queueName string, jobID string) (Job, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	stored, exists := store.jobs[jobKey{queueName: queueName, jobID: jobID}]
	if !exists {
		return Job{}, ErrJobNotFound
	}
	return *stored, nil
}

func (store *memStore) ResetJob(ctx context.Context, job Job) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	stored := job
	store.jobs[jobKey{queueName: job.Queue, jobID: job.ID}] = &stored
	return nil
}

func (store *memStore) ClaimNextJob(ctx context.Context, queueName string, nowUnixUTC int64) (*Job, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var candidates []*Job
	for key, stored := range store.jobs {
		if key.queueName != queueName {
			continue
		}
		if stored.State != StateWaiting && stored.State != StateDelayed {
			continue
		}
		if stored.RunAtUnixUTC > nowUnixUTC {
			continue
		}
		candidates = append(candidates, stored)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedUnixUTC != candidates[j].CreatedUnixUTC {
			return candidates[i].CreatedUnixUTC < candidates[j].CreatedUnixUTC
		}
		return candidates[i].ID < candidates[j].ID
	})
	claimed := candidates[0]
	claimed.State = StateActive
	claimed.AttemptsMade++
	claimed.ProcessedUnixUTC = nowUnixUTC
	copied := *claimed
	return &copied, nil
}

func (store *memStore) UpdateProgress(ctx context.Context, queueName string, jobID string, progress int) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	stored, exists := store.jobs[jobKey{queueName: queueName, jobID: jobID}]
	if !exists {
		return ErrJobNotFound
	}
	stored.Progress = progress
	return nil
}

func (store *memStore) MarkCompleted(ctx context.Context, queueName string, jobID string, result []byte, completedUnixUTC int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	stored, exists := store.jobs[jobKey{queueName: queueName, jobID: jobID}]
	if !exists {
		return ErrJobNotFound
	}
	if stored.State != StateActive {
		return ErrJobNotActive
	}
	stored.State = StateCompleted
	stored.Progress = 100
	stored.Result = result
	stored.CompletedUnixUTC = completedUnixUTC
	return nil
}

func (store *memStore) MarkRetry(ctx context.Context, queueName string, jobID string, runAtUnixUTC int64, failureReason string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	stored, exists := store.jobs[jobKey{queueName: queueName, jobID: jobID}]
	if !exists {
		return ErrJobNotFound
	}
	if stored.State != StateActive {
		return ErrJobNotActive
	}
	stored.State = StateDelayed
	stored.RunAtUnixUTC = runAtUnixUTC
	stored.FailureReason = failureReason
	return nil
}

func (store *memStore) MarkFailed(ctx context.Context, queueName string, jobID string, failureReason string, completedUnixUTC int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	stored, exists := store.jobs[jobKey{queueName: queueName, jobID: jobID}]
	if !exists {
		return ErrJobNotFound
	}
	if stored.State != StateActive {
		return ErrJobNotActive
	}
	stored.State = StateFailed
	stored.FailureReason = failureReason
	stored.CompletedUnixUTC = completedUnixUTC
	return nil
}

func (store *memStore) PurgeTerminal(ctx context.Context, queueName string, olderThanUnixUTC int64, keepCount int) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	var terminal []jobKey
	for key, stored := range store.jobs {
		if key.queueName == queueName && stored.State.Terminal() {
			terminal = append(terminal, key)
		}
	}
	for _, key := range terminal {
		if store.jobs[key].CompletedUnixUTC < olderThanUnixUTC {
			delete(store.jobs, key)
		}
	}
	return nil
}

func (store *memStore) RequeueStalled(ctx context.Context, queueName string, activeBeforeUnixUTC int64) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	requeued := 0
	for key, stored := range store.jobs {
		if key.queueName != queueName || stored.State != StateActive {
			continue
		}
		if stored.ProcessedUnixUTC < activeBeforeUnixUTC {
			stored.State = StateWaiting
			requeued++
		}
	}
	return requeued, nil
}

func (store *memStore) count(queueName string) int {
	store.mu.Lock()
	defer store.mu.Unlock()
	total := 0
	for key := range store.jobs {
		if key.queueName == queueName {
			total++
		}
	}
	return total
}
