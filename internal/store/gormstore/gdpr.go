package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditcore/internal/gdpr"
	"gorm.io/gorm"
)

func (store *Store) CreateRequest(ctx context.Context, request gdpr.Request) (gdpr.Request, error) {
	row := DeletionRequest{
		RequestID:    request.ID,
		SubjectID:    request.SubjectID,
		Email:        request.Email,
		Status:       request.Status.String(),
		ScheduledFor: time.Unix(request.ScheduledForUnixUTC, 0).UTC(),
		CreatedAt:    time.Unix(request.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return gdpr.Request{}, fmt.Errorf("create deletion request: %w", err)
	}
	request.ID = row.RequestID
	return request, nil
}

func (store *Store) GetRequest(ctx context.Context, requestID string) (gdpr.Request, error) {
	var row DeletionRequest
	err := store.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return gdpr.Request{}, gdpr.ErrRequestNotFound
		}
		return gdpr.Request{}, fmt.Errorf("get deletion request %s: %w", requestID, err)
	}
	return mapDeletionRequest(row)
}

// UpdateStatus is a compare-and-swap on the status column. A zero-row update
// against an existing request means another actor moved it first.
func (store *Store) UpdateStatus(ctx context.Context, requestID string, from gdpr.Status, to gdpr.Status, atUnixUTC int64) error {
	at := time.Unix(atUnixUTC, 0).UTC()
	updates := map[string]interface{}{"status": to.String()}
	switch to {
	case gdpr.StatusProcessing, gdpr.StatusCompleted:
		updates["processed_at"] = at
	case gdpr.StatusCancelled:
		updates["cancelled_at"] = at
	}
	result := store.db.WithContext(ctx).
		Model(&DeletionRequest{}).
		Where("request_id = ? AND status = ?", requestID, from.String()).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("update deletion request %s: %w", requestID, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetRequest(ctx, requestID); err != nil {
			return err
		}
		return gdpr.ErrStaleState
	}
	return nil
}

func (store *Store) ListDue(ctx context.Context, nowUnixUTC int64) ([]gdpr.Request, error) {
	var rows []DeletionRequest
	err := store.db.WithContext(ctx).
		Where("status = ? AND scheduled_for <= ?", gdpr.StatusPending.String(), time.Unix(nowUnixUTC, 0).UTC()).
		Order("scheduled_for").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list due deletion requests: %w", err)
	}
	return mapDeletionRequests(rows)
}

func (store *Store) ListPendingScheduledBetween(ctx context.Context, fromUnixUTC int64, toUnixUTC int64) ([]gdpr.Request, error) {
	var rows []DeletionRequest
	err := store.db.WithContext(ctx).
		Where("status = ? AND scheduled_for BETWEEN ? AND ?",
			gdpr.StatusPending.String(), time.Unix(fromUnixUTC, 0).UTC(), time.Unix(toUnixUTC, 0).UTC()).
		Order("scheduled_for").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list pending deletion requests: %w", err)
	}
	return mapDeletionRequests(rows)
}

// EraseSubject scrubs the personal data this store holds for a subject: the
// holder name, the acting-user column on ledger rows, and the contact email
// on deletion requests. Balances and amounts stay, they are not personal.
func (store *Store) EraseSubject(ctx context.Context, subjectID string) error {
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Holder{}).
			Where("holder_id = ?", subjectID).
			Update("name", "").Error; err != nil {
			return err
		}
		if err := tx.Model(&LedgerTransaction{}).
			Where("performed_by = ?", subjectID).
			Update("performed_by", "").Error; err != nil {
			return err
		}
		return tx.Model(&DeletionRequest{}).
			Where("subject_id = ?", subjectID).
			Update("email", "").Error
	})
	if err != nil {
		return fmt.Errorf("erase subject %s: %w", subjectID, err)
	}
	return nil
}

func mapDeletionRequests(rows []DeletionRequest) ([]gdpr.Request, error) {
	requests := make([]gdpr.Request, 0, len(rows))
	for _, row := range rows {
		request, err := mapDeletionRequest(row)
		if err != nil {
			return nil, err
		}
		requests = append(requests, request)
	}
	return requests, nil
}

func mapDeletionRequest(row DeletionRequest) (gdpr.Request, error) {
	status, err := gdpr.ParseStatus(row.Status)
	if err != nil {
		return gdpr.Request{}, err
	}
	return gdpr.Request{
		ID:                  row.RequestID,
		SubjectID:           row.SubjectID,
		Email:               row.Email,
		Status:              status,
		ScheduledForUnixUTC: row.ScheduledFor.Unix(),
		ProcessedUnixUTC:    timeOrZero(row.ProcessedAt),
		CancelledUnixUTC:    timeOrZero(row.CancelledAt),
		CreatedUnixUTC:      row.CreatedAt.Unix(),
	}, nil
}
