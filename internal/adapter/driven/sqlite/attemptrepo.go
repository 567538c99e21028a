package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ericfisherdev/enrollwatch/internal/domain/model"
	"github.com/ericfisherdev/enrollwatch/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.AttemptQueue = (*AttemptRepo)(nil)

const attemptColumns = `id, enrollment_id, course_id, attempt_number, scheduled_at, status, outcome, last_error, created_at, updated_at`

// AttemptRepo is the SQLite implementation of the AttemptQueue port. Rows move
// scheduled -> running -> done; a done row is never reopened. An enrollment has
// at most one row that is not done.
type AttemptRepo struct {
	db  *DB
	now func() time.Time
}

// NewAttemptRepo creates a new AttemptRepo backed by the given DB.
func NewAttemptRepo(db *DB) *AttemptRepo {
	return &AttemptRepo{db: db, now: time.Now}
}

// Enqueue inserts a scheduled attempt and returns its ID.
func (r *AttemptRepo) Enqueue(ctx context.Context, attempt model.PollingAttempt) (int64, error) {
	id, err := insertAttempt(ctx, r.db.Writer, attempt, r.now())
	if err != nil {
		return 0, fmt.Errorf("enqueue enrollment %d attempt %d: %w", attempt.EnrollmentID, attempt.AttemptNumber, err)
	}
	return id, nil
}

// ClaimDue marks up to limit due attempts as running and returns them ordered
// by scheduled time.
func (r *AttemptRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.PollingAttempt, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + attemptColumns + ` FROM polling_attempts
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY scheduled_at, id
		LIMIT ?`

	rows, err := tx.QueryContext(ctx, query, string(model.AttemptStatusScheduled), formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("select due attempts: %w", err)
	}

	var claimed []model.PollingAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate due attempts: %w", err)
	}
	rows.Close()

	stamp := formatTime(r.now())
	const update = `UPDATE polling_attempts SET status = ?, claimed_at = ?, updated_at = ? WHERE id = ? AND status = ?`
	for i := range claimed {
		if _, err := tx.ExecContext(ctx, update, string(model.AttemptStatusRunning), stamp, stamp, claimed[i].ID, string(model.AttemptStatusScheduled)); err != nil {
			return nil, fmt.Errorf("claim attempt %d: %w", claimed[i].ID, err)
		}
		claimed[i].Status = model.AttemptStatusRunning
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}

	return claimed, nil
}

// Complete marks a running attempt done and, when next is non-nil, enqueues
// the follow-up attempt atomically.
func (r *AttemptRepo) Complete(ctx context.Context, id int64, outcome model.AttemptOutcome, lastErr string, next *model.PollingAttempt) error {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := r.now()
	const update = `UPDATE polling_attempts SET status = ?, outcome = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ?`
	result, err := tx.ExecContext(ctx, update, string(model.AttemptStatusDone), string(outcome), lastErr, formatTime(now), id, string(model.AttemptStatusRunning))
	if err != nil {
		return fmt.Errorf("complete attempt %d: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("complete attempt %d: not running", id)
	}

	if next != nil {
		if _, err := insertAttempt(ctx, tx, *next, now); err != nil {
			return fmt.Errorf("enqueue enrollment %d attempt %d: %w", next.EnrollmentID, next.AttemptNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete tx: %w", err)
	}
	return nil
}

// RequeueStale returns attempts claimed before cutoff, and never completed, to
// the scheduled state.
func (r *AttemptRepo) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	const query = `UPDATE polling_attempts SET status = ?, claimed_at = NULL, updated_at = ?
		WHERE status = ? AND claimed_at <= ?`

	result, err := r.db.Writer.ExecContext(ctx, query,
		string(model.AttemptStatusScheduled), formatTime(r.now()), string(model.AttemptStatusRunning), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("requeue stale attempts: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(affected), nil
}

// Pending returns the number of attempts waiting to run.
func (r *AttemptRepo) Pending(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(*) FROM polling_attempts WHERE status = ?`

	var n int
	if err := r.db.Reader.QueryRowContext(ctx, query, string(model.AttemptStatusScheduled)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending attempts: %w", err)
	}
	return n, nil
}

// History returns all attempts for an enrollment in creation order. A
// re-triggered enrollment lists each chain in turn.
func (r *AttemptRepo) History(ctx context.Context, enrollmentID int64) ([]model.PollingAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM polling_attempts WHERE enrollment_id = ? ORDER BY id`

	rows, err := r.db.Reader.QueryContext(ctx, query, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("list attempts for enrollment %d: %w", enrollmentID, err)
	}
	defer rows.Close()

	attempts := []model.PollingAttempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}

	return attempts, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAttempt(ctx context.Context, ex execer, a model.PollingAttempt, now time.Time) (int64, error) {
	const query = `INSERT INTO polling_attempts
		(enrollment_id, course_id, attempt_number, scheduled_at, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	var courseID sql.NullInt64
	if a.CourseID != nil {
		courseID = sql.NullInt64{Int64: *a.CourseID, Valid: true}
	}

	stamp := formatTime(now)
	result, err := ex.ExecContext(ctx, query,
		a.EnrollmentID, courseID, a.AttemptNumber, formatTime(a.ScheduledAt), string(model.AttemptStatusScheduled), stamp, stamp)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return 0, driven.ErrDuplicateAttempt
		}
		return 0, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(s rowScanner) (model.PollingAttempt, error) {
	var (
		a                               model.PollingAttempt
		courseID                        sql.NullInt64
		status, outcome                 string
		scheduledAt, createdAt, updated string
	)

	if err := s.Scan(&a.ID, &a.EnrollmentID, &courseID, &a.AttemptNumber, &scheduledAt, &status, &outcome, &a.LastError, &createdAt, &updated); err != nil {
		return model.PollingAttempt{}, fmt.Errorf("scan attempt: %w", err)
	}

	if courseID.Valid {
		id := courseID.Int64
		a.CourseID = &id
	}
	a.Status = model.AttemptStatus(status)
	a.Outcome = model.AttemptOutcome(outcome)

	var err error
	if a.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return model.PollingAttempt{}, fmt.Errorf("parse scheduled_at for attempt %d: %w", a.ID, err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.PollingAttempt{}, fmt.Errorf("parse created_at for attempt %d: %w", a.ID, err)
	}
	if a.UpdatedAt, err = parseTime(updated); err != nil {
		return model.PollingAttempt{}, fmt.Errorf("parse updated_at for attempt %d: %w", a.ID, err)
	}

	return a, nil
}
