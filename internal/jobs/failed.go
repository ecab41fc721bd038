package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ksred/klear-broker/pkg/apperr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FailedJob is the durable record of a job that exhausted its retries or
// failed with a non-retryable error.
type FailedJob struct {
	ID         uint            `gorm:"primaryKey" json:"-"`
	JobID      string          `gorm:"uniqueIndex;not null" json:"job_id"`
	Type       Type            `gorm:"index" json:"type"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error"`
	FailedAt   time.Time       `json:"failed_at"`
	RequeuedAt *time.Time      `json:"requeued_at,omitempty"`
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&FailedJob{})
}

type FailedStore struct {
	db *gorm.DB
}

func NewFailedStore(db *gorm.DB) *FailedStore {
	return &FailedStore{db: db}
}

// Record stores the failed job. A requeued job that fails again overwrites
// its earlier record.
func (s *FailedStore) Record(ctx context.Context, job Job, cause error, at time.Time) error {
	rec := FailedJob{
		JobID:      job.ID,
		Type:       job.Type,
		Payload:    job.Payload,
		RetryCount: job.RetryCount,
		LastError:  cause.Error(),
		FailedAt:   at.UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"retry_count", "last_error", "failed_at", "requeued_at"}),
	}).Create(&rec).Error
}

// List returns failed jobs, newest first. Requeued records are included
// only when includeRequeued is set.
func (s *FailedStore) List(ctx context.Context, includeRequeued bool, limit int) ([]FailedJob, error) {
	q := s.db.WithContext(ctx)
	if !includeRequeued {
		q = q.Where("requeued_at IS NULL")
	}
	var out []FailedJob
	err := q.Order("failed_at DESC, id DESC").Limit(limit).Find(&out).Error
	return out, err
}

func (s *FailedStore) Get(ctx context.Context, jobID string) (*FailedJob, error) {
	var rec FailedJob
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Newf(apperr.KindNotFound, "failed job %s not found", jobID)
		}
		return nil, err
	}
	return &rec, nil
}

// Requeue puts a failed job back on q with a reset retry counter. An
// execute_order job settles its order when it is dead-lettered, so it cannot
// be requeued; the order has to be submitted again.
func (s *FailedStore) Requeue(ctx context.Context, q Queue, jobID string) (Job, error) {
	rec, err := s.Get(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if rec.Type == TypeExecuteOrder {
		return Job{}, apperr.Newf(apperr.KindValidation,
			"failed job %s is an execute_order job; its order was settled when it was dead-lettered, submit the order again instead", jobID)
	}
	if rec.RequeuedAt != nil {
		return Job{}, apperr.Newf(apperr.KindValidation, "failed job %s was already requeued", jobID)
	}

	job := Job{
		ID:         rec.JobID,
		Type:       rec.Type,
		Payload:    rec.Payload,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := q.Enqueue(ctx, job); err != nil {
		return Job{}, err
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(rec).Update("requeued_at", &now).Error; err != nil {
		return Job{}, err
	}
	return job, nil
}
