package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/jobs"
)

const (
	errorSubjectJob = "job"

	sqlInsertJob = `
		insert into generation_jobs(job_id, user_id, kind, cost, status, result, error, created_at, updated_at)
		values($1, $2, $3, $4, $5, $6, $7, to_timestamp($8), to_timestamp($9))
	`

	sqlGetJob = `
		select job_id, user_id, kind, cost, status, result, error,
			extract(epoch from created_at)::bigint, extract(epoch from updated_at)::bigint
		from generation_jobs where job_id = $1
	`

	// The trigger raises check_violation for failed -> completed; the where clause keeps the
	// common path free of exceptions and refuses to fail a completed job.
	sqlTransitionJob = `
		update generation_jobs
		set status = $2,
			result = case when $3 = '' then result else $3 end,
			error = case when $4 = '' then error else $4 end,
			updated_at = to_timestamp($5)
		where job_id = $1
			and not (status = 'failed' and $2 = 'completed')
			and not (status = 'completed' and $2 = 'failed')
	`
)

// JobStore implements jobs.Store on pgx.
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore returns a JobStore backed by a pgx pool.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

func (store *JobStore) InsertJob(ctx context.Context, job jobs.GenerationJob) error {
	_, err := store.pool.Exec(ctx, sqlInsertJob,
		job.JobID,
		job.UserID,
		job.Kind,
		job.Cost,
		job.Status.String(),
		job.Result,
		job.Error,
		job.CreatedUnixUTC,
		job.UpdatedUnixUTC,
	)
	if pgErrorCode(err) == pgUniqueViolationCode {
		return wrapStoreError(errorSubjectJob, errorCodeInsert, fmt.Errorf("%w: duplicate job id %s", jobs.ErrInvalidJob, job.JobID))
	}
	if err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeInsert, err)
	}
	return nil
}

func (store *JobStore) GetJob(ctx context.Context, jobID string) (jobs.GenerationJob, error) {
	var (
		job         jobs.GenerationJob
		statusValue string
	)
	err := store.pool.QueryRow(ctx, sqlGetJob, jobID).Scan(
		&job.JobID,
		&job.UserID,
		&job.Kind,
		&job.Cost,
		&statusValue,
		&job.Result,
		&job.Error,
		&job.CreatedUnixUTC,
		&job.UpdatedUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.GenerationJob{}, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}
	if err != nil {
		return jobs.GenerationJob{}, wrapStoreError(errorSubjectJob, errorCodeGet, err)
	}
	if job.Status, err = jobs.ParseStatus(statusValue); err != nil {
		return jobs.GenerationJob{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	return job, nil
}

func (store *JobStore) TransitionJob(ctx context.Context, transition jobs.Transition) error {
	if _, err := jobs.ParseStatus(transition.To.String()); err != nil {
		return err
	}
	tag, err := store.pool.Exec(ctx, sqlTransitionJob,
		transition.JobID,
		transition.To.String(),
		transition.Result,
		transition.Error,
		transition.AtUnixUTC,
	)
	if pgErrorCode(err) == pgCheckViolationCode {
		return fmt.Errorf("%w: %s", jobs.ErrIllegalTransition, transition.JobID)
	}
	if err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeUpdate, err)
	}
	if tag.RowsAffected() > 0 {
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
