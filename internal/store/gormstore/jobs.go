package gormstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/jobs"
)

const errorSubjectJob = "job"

// JobStore implements jobs.Store using GORM.
type JobStore struct {
	db *gorm.DB
}

// NewJobStore returns a JobStore backed by gorm.DB.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

func (store *JobStore) InsertJob(ctx context.Context, job jobs.GenerationJob) error {
	row := GenerationJob{
		JobID:     job.JobID,
		UserID:    job.UserID,
		Kind:      job.Kind,
		Cost:      job.Cost,
		Status:    job.Status.String(),
		Result:    job.Result,
		Error:     job.Error,
		CreatedAt: unixTime(job.CreatedUnixUTC),
		UpdatedAt: unixTime(job.UpdatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectJob, errorCodeInsert, fmt.Errorf("%w: duplicate job id %s", jobs.ErrInvalidJob, job.JobID))
	}
	if err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeInsert, err)
	}
	return nil
}

func (store *JobStore) GetJob(ctx context.Context, jobID string) (jobs.GenerationJob, error) {
	var row GenerationJob
	err := store.db.WithContext(ctx).Where("job_id = ?", jobID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return jobs.GenerationJob{}, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}
	if err != nil {
		return jobs.GenerationJob{}, wrapStoreError(errorSubjectJob, errorCodeGet, err)
	}
	status, err := jobs.ParseStatus(row.Status)
	if err != nil {
		return jobs.GenerationJob{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	return jobs.GenerationJob{
		JobID:          row.JobID,
		UserID:         row.UserID,
		Kind:           row.Kind,
		Cost:           row.Cost,
		Status:         status,
		Result:         row.Result,
		Error:          row.Error,
		CreatedUnixUTC: row.CreatedAt.Unix(),
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}, nil
}

// TransitionJob applies the status guard in the UPDATE itself so concurrent writers cannot slip past it.
func (store *JobStore) TransitionJob(ctx context.Context, transition jobs.Transition) error {
	if _, err := jobs.ParseStatus(transition.To.String()); err != nil {
		return err
	}
	values := map[string]any{
		"status":     transition.To.String(),
		"updated_at": unixTime(transition.AtUnixUTC),
	}
	if transition.Result != "" {
		values["result"] = transition.Result
	}
	if transition.Error != "" {
		values["error"] = transition.Error
	}
	query := store.db.WithContext(ctx).Model(&GenerationJob{}).Where("job_id = ?", transition.JobID)
	switch transition.To {
	case jobs.StatusCompleted:
		query = query.Where("status <> ?", jobs.StatusFailed.String())
	case jobs.StatusFailed:
		query = query.Where("status <> ?", jobs.StatusCompleted.String())
	}
	result := query.Updates(values)
	if result.Error != nil {
		return wrapStoreError(errorSubjectJob, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	current, err := store.GetJob(ctx, transition.JobID)
	if err != nil {
		return err
	}
	if err := jobs.CheckUpdate(current.Status, transition.To); err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s changed concurrently", jobs.ErrIllegalTransition, transition.JobID)
}
