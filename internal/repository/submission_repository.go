package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// SubmissionRepository reads submission attempt outcomes.
type SubmissionRepository struct {
	pool *pgxpool.Pool
}

func NewSubmissionRepository(pool *pgxpool.Pool) *SubmissionRepository {
	return &SubmissionRepository{pool: pool}
}

// ListBySession returns every recorded attempt of a session in order.
func (r *SubmissionRepository) ListBySession(ctx context.Context, sessionID string) ([]model.SubmissionRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, exam_id, student_id, idempotency_key, attempt,
		        succeeded, retryable, error, score, violations, attempted_at
		 FROM session_submissions
		 WHERE session_id = $1
		 ORDER BY attempted_at, attempt`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.SubmissionRecord, error) {
		var s model.SubmissionRecord
		err := row.Scan(&s.ID, &s.SessionID, &s.ExamID, &s.StudentID, &s.IdempotencyKey, &s.Attempt,
			&s.Succeeded, &s.Retryable, &s.Error, &s.Score, &s.Violations, &s.AttemptedAt)
		return s, err
	})
}
