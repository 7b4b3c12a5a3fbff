// Package jobs binds the queue handlers to their queues.
package jobs

import (
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/creditcore/internal/gdpr"
	"github.com/MarkoPoloResearchLab/creditcore/internal/renewal"
	"github.com/MarkoPoloResearchLab/creditcore/pkg/queue"
)

// ErrInvalidRegistration reports a bad wiring of Register.
var ErrInvalidRegistration = errors.New("invalid jobs registration")

// Concurrency configures worker counts per queue. Deletion stays single-file
// so the erasure side effects of one subject never interleave.
type Concurrency struct {
	Transcription int
	Deletion      int
	Reminders     int
	Renewal       int
}

func (concurrency Concurrency) applyDefaults() Concurrency {
	if concurrency.Transcription <= 0 {
		concurrency.Transcription = 2
	}
	if concurrency.Deletion <= 0 {
		concurrency.Deletion = 1
	}
	if concurrency.Reminders <= 0 {
		concurrency.Reminders = 1
	}
	if concurrency.Renewal <= 0 {
		concurrency.Renewal = 1
	}
	return concurrency
}

// Register wires every handler to its queue on the manager. Call before
// Manager.Start.
func Register(manager *queue.Manager, gdprService *gdpr.Service, renewalService *renewal.Service, usage *UsageCharger, concurrency Concurrency) error {
	if manager == nil || gdprService == nil || renewalService == nil || usage == nil {
		return fmt.Errorf("%w: missing dependency", ErrInvalidRegistration)
	}
	concurrency = concurrency.applyDefaults()
	if err := manager.RegisterWorker(gdpr.QueueDeletion, gdprService.HandleDeletion, concurrency.Deletion); err != nil {
		return err
	}
	if err := manager.RegisterWorker(gdpr.QueueReminders, gdprService.HandleReminder, concurrency.Reminders); err != nil {
		return err
	}
	if err := manager.RegisterWorker(renewal.Queue, renewalService.Handle, concurrency.Renewal); err != nil {
		return err
	}
	return manager.RegisterWorker(QueueTranscription, usage.Handle, concurrency.Transcription)
}
