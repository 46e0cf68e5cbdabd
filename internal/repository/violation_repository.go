package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ViolationRepository reads the violation audit written by the violation worker.
type ViolationRepository struct {
	pool *pgxpool.Pool
}

// NewViolationRepository creates a new ViolationRepository.
func NewViolationRepository(pool *pgxpool.Pool) *ViolationRepository {
	return &ViolationRepository{pool: pool}
}

// CountByExam returns total and high-severity violation counts per student.
func (r *ViolationRepository) CountByExam(ctx context.Context, examID string) ([]model.ViolationCount, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT student_id,
		        COUNT(*),
		        COUNT(*) FILTER (WHERE severity = 'high')
		 FROM exam_violations
		 WHERE exam_id = $1
		 GROUP BY student_id
		 ORDER BY student_id`,
		examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make([]model.ViolationCount, 0)
	for rows.Next() {
		var c model.ViolationCount
		if err := rows.Scan(&c.StudentID, &c.Total, &c.High); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// ListBySession returns a session's violations, oldest first.
func (r *ViolationRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]model.ViolationRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, exam_id, student_id, type, severity, source, after_snapshot, occurred_at
		 FROM exam_violations
		 WHERE session_id = $1
		 ORDER BY occurred_at, id
		 LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ViolationRecord, error) {
		var v model.ViolationRecord
		err := row.Scan(&v.ID, &v.SessionID, &v.ExamID, &v.StudentID, &v.Type, &v.Severity, &v.Source, &v.AfterSnapshot, &v.OccurredAt)
		return v, err
	})
}
