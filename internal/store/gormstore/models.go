package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Holder represents the holders table.
type Holder struct {
	HolderID     string    `gorm:"primaryKey"`
	Type         string    `gorm:"not null"`
	Name         string    `gorm:"not null"`
	Balance      int64     `gorm:"not null"`
	CapAmount    *int64    `gorm:""`
	RefillTarget *int64    `gorm:"index:idx_holders_refill,priority:1"`
	RefillDay    *int      `gorm:"index:idx_holders_refill,priority:2"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (Holder) TableName() string { return "holders" }

// LedgerTransaction mirrors the ledger_transactions table. Rows are append
// only; nothing updates or deletes them.
type LedgerTransaction struct {
	TransactionID    string    `gorm:"type:uuid;primaryKey"`
	HolderID         string    `gorm:"not null;index:idx_ledger_holder_created,priority:1"`
	Amount           int64     `gorm:"not null"`
	ResultingBalance int64     `gorm:"not null"`
	Kind             string    `gorm:"not null"`
	Description      string    `gorm:""`
	PerformedBy      string    `gorm:""`
	CounterpartyID   *string   `gorm:""`
	CreatedAt        time.Time `gorm:"not null;index:idx_ledger_holder_created,priority:2"`
}

func (LedgerTransaction) TableName() string { return "ledger_transactions" }

func (transaction *LedgerTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// QueueJob mirrors the queue_jobs table. The composite primary key is what
// makes repeated enqueues of the same job id a no-op.
type QueueJob struct {
	QueueName      string         `gorm:"primaryKey"`
	JobID          string         `gorm:"primaryKey"`
	Payload        datatypes.JSON `gorm:""`
	State          string         `gorm:"not null;index:idx_queue_jobs_claim,priority:2"`
	Progress       int            `gorm:"not null"`
	AttemptsMade   int            `gorm:"not null"`
	MaxAttempts    int            `gorm:"not null"`
	BackoffType    string         `gorm:"not null"`
	BackoffDelayNS int64          `gorm:"column:backoff_delay_ns;not null"`
	RunAt          time.Time      `gorm:"not null;index:idx_queue_jobs_claim,priority:3"`
	Result         datatypes.JSON `gorm:""`
	FailureReason  string         `gorm:""`
	CreatedAt      time.Time      `gorm:"not null;index:idx_queue_jobs_claim,priority:1"`
	ProcessedAt    *time.Time     `gorm:""`
	CompletedAt    *time.Time     `gorm:""`
}

func (QueueJob) TableName() string { return "queue_jobs" }

// DeletionRequest mirrors the deletion_requests table.
type DeletionRequest struct {
	RequestID    string     `gorm:"type:uuid;primaryKey"`
	SubjectID    string     `gorm:"not null;index"`
	Email        string     `gorm:""`
	Status       string     `gorm:"not null;index:idx_deletion_status_scheduled,priority:1"`
	ScheduledFor time.Time  `gorm:"not null;index:idx_deletion_status_scheduled,priority:2"`
	ProcessedAt  *time.Time `gorm:""`
	CancelledAt  *time.Time `gorm:""`
	CreatedAt    time.Time  `gorm:"not null"`
}

func (DeletionRequest) TableName() string { return "deletion_requests" }

func (request *DeletionRequest) BeforeCreate(tx *gorm.DB) error {
	if request.RequestID == "" {
		request.RequestID = uuid.NewString()
	}
	return nil
}
