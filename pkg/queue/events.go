package queue

import "sync"

// Callbacks receives per-job events. Progress may fire many times; exactly
// one of Completed or Failed fires, at most once per subscription.
type Callbacks struct {
	OnProgress  func(progress int)
	OnCompleted func(result []byte)
	OnFailed    func(reason string)
}

type jobKey struct {
	queueName string
	jobID     string
}

// Events bridges the queue's internal event stream to per-job callbacks.
// Subscribers for different jobs share the one bridge the Manager owns.
type Events struct {
	mu            sync.Mutex
	subscriptions map[jobKey][]*subscription
}

type subscription struct {
	mu        sync.Mutex
	callbacks Callbacks
	closed    bool
	terminal  bool
}

// NewEvents returns an empty bridge.
func NewEvents() *Events {
	return &Events{subscriptions: make(map[jobKey][]*subscription)}
}

// Subscribe registers callbacks for one job and returns the unsubscribe
// function. No callback fires after unsubscribe returns: delivery holds the
// subscription lock, so unsubscribe blocks until an in-flight callback ends.
// For the same reason unsubscribe must not be called from inside one of the
// subscription's own callbacks; that deadlocks on the subscription lock. A
// terminal callback needs no unsubscribe, the terminal event fires at most
// once.
func (events *Events) Subscribe(queueName string, jobID string, callbacks Callbacks) func() {
	key := jobKey{queueName: queueName, jobID: jobID}
	entry := &subscription{callbacks: callbacks}

	events.mu.Lock()
	events.subscriptions[key] = append(events.subscriptions[key], entry)
	events.mu.Unlock()

	return func() {
		events.mu.Lock()
		remaining := events.subscriptions[key][:0]
		for _, candidate := range events.subscriptions[key] {
			if candidate != entry {
				remaining = append(remaining, candidate)
			}
		}
		if len(remaining) == 0 {
			delete(events.subscriptions, key)
		} else {
			events.subscriptions[key] = remaining
		}
		events.mu.Unlock()

		entry.mu.Lock()
		entry.closed = true
		entry.mu.Unlock()
	}
}

func (events *Events) snapshot(queueName string, jobID string) []*subscription {
	events.mu.Lock()
	defer events.mu.Unlock()
	entries := events.subscriptions[jobKey{queueName: queueName, jobID: jobID}]
	return append([]*subscription(nil), entries...)
}

func (events *Events) emitProgress(queueName string, jobID string, progress int) {
	for _, entry := range events.snapshot(queueName, jobID) {
		entry.mu.Lock()
		if !entry.closed && !entry.terminal && entry.callbacks.OnProgress != nil {
			entry.callbacks.OnProgress(progress)
		}
		entry.mu.Unlock()
	}
}

func (events *Events) emitCompleted(queueName string, jobID string, result []byte) {
	for _, entry := range events.snapshot(queueName, jobID) {
		entry.mu.Lock()
		if !entry.closed && !entry.terminal {
			entry.terminal = true
			if entry.callbacks.OnCompleted != nil {
				entry.callbacks.OnCompleted(result)
			}
		}
		entry.mu.Unlock()
	}
}

func (events *Events) emitFailed(queueName string, jobID string, reason string) {
	for _, entry := range events.snapshot(queueName, jobID) {
		entry.mu.Lock()
		if !entry.closed && !entry.terminal {
			entry.terminal = true
			if entry.callbacks.OnFailed != nil {
				entry.callbacks.OnFailed(reason)
			}
		}
		entry.mu.Unlock()
	}
}
