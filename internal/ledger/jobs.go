package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Job statuses.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

const jobColumns = `id, type, status, scheduled_at, started_at, finished_at,
	payload_json, result_json, lease_owner, lease_expires_at`

// EnqueueUnique enqueues a job if no job with the same type and scheduled_at exists.
// Returns (jobID, created, error). created is true if a new job was inserted.
func (s *Store) EnqueueUnique(ctx context.Context, jobType string, scheduledAt time.Time, payload any) (string, bool, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", false, fmt.Errorf("marshal payload: %w", err)
	}

	scheduledAtStr := scheduledAt.UTC().Format(time.RFC3339)
	jobID := fmt.Sprintf("%s_%s", jobType, scheduledAt.UTC().Format("2006-01-02T15:04:05"))

	var existingID string
	err = s.db.QueryRowContext(ctx,
		"SELECT id FROM jobs WHERE type = ? AND scheduled_at = ?",
		jobType, scheduledAtStr,
	).Scan(&existingID)
	if err == nil {
		return existingID, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("check existing job: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, status, scheduled_at, payload_json)
		VALUES (?, ?, ?, ?, ?)
	`, jobID, jobType, JobQueued, scheduledAtStr, string(payloadJSON))
	if err != nil {
		return "", false, fmt.Errorf("insert job: %w", err)
	}
	return jobID, true, nil
}

// ClaimNext atomically claims the next queued job that is ready to run.
// It returns nil when nothing is due.
func (s *Store) ClaimNext(ctx context.Context, now time.Time, leaseOwner string, leaseFor time.Duration) (*Job, error) {
	var claimed *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var jobID string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM jobs
			WHERE status = ? AND scheduled_at <= ?
			ORDER BY scheduled_at ASC
			LIMIT 1
		`, JobQueued, now.UTC().Format(time.RFC3339)).Scan(&jobID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find next job: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, started_at = ?, lease_owner = ?, lease_expires_at = ?
			WHERE id = ?
		`, JobRunning, now.UTC().Format(time.RFC3339), leaseOwner,
			now.Add(leaseFor).UTC().Format(time.RFC3339), jobID)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}

		job, err := getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RequeueExpired returns running jobs whose lease has expired to the queue.
func (s *Store) RequeueExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, lease_owner = NULL, lease_expires_at = NULL
		WHERE status = ? AND lease_expires_at < ?
	`, JobQueued, JobRunning, now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return getJob(ctx, s.db, jobID)
}

func getJob(ctx context.Context, q queryer, jobID string) (*Job, error) {
	row := q.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// Succeed marks a job as succeeded.
func (s *Store) Succeed(ctx context.Context, jobID string, result any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return s.finishJob(ctx, jobID, JobSucceeded, string(resultJSON))
}

// Fail marks a job as failed.
func (s *Store) Fail(ctx context.Context, jobID string, jobErr error) error {
	resultJSON, _ := json.Marshal(map[string]string{"error": jobErr.Error()})
	return s.finishJob(ctx, jobID, JobFailed, string(resultJSON))
}

func (s *Store) finishJob(ctx context.Context, jobID, status, resultJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, finished_at = ?, result_json = ?
		WHERE id = ?
	`, status, s.now().UTC().Format(time.RFC3339), resultJSON, jobID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// ListJobs returns up to limit jobs, most recently scheduled first, optionally
// filtered by status.
func (s *Store) ListJobs(ctx context.Context, status string, limit int) ([]Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY scheduled_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row rowScanner) (Job, error) {
	var job Job
	var scheduledAt, startedAt, finishedAt, leaseExpiresAt sql.NullString
	var payloadJSON, resultJSON, leaseOwner sql.NullString

	err := row.Scan(
		&job.ID, &job.Type, &job.Status, &scheduledAt,
		&startedAt, &finishedAt, &payloadJSON, &resultJSON,
		&leaseOwner, &leaseExpiresAt,
	)
	if err != nil {
		return Job{}, err
	}

	if scheduledAt.Valid {
		job.ScheduledAt, _ = time.Parse(time.RFC3339, scheduledAt.String)
	}
	job.StartedAt = parseJobTime(startedAt)
	job.FinishedAt = parseJobTime(finishedAt)
	job.LeaseExpiresAt = parseJobTime(leaseExpiresAt)
	job.PayloadJSON = payloadJSON.String
	job.ResultJSON = resultJSON.String
	job.LeaseOwner = leaseOwner.String
	return job, nil
}

func parseJobTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	t, _ := time.Parse(time.RFC3339, value.String)
	return &t
}

// GetKV retrieves a value from the key-value store. Missing keys return "".
func (s *Store) GetKV(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get kv: %w", err)
	}
	return value, nil
}

// SetKV sets a value in the key-value store.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO kv (key, value)
		VALUES (?, ?)
	`, key, value)
	if err != nil {
		return fmt.Errorf("set kv: %w", err)
	}
	return nil
}
