package service

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ProgressSource reads checkpointed session progress of an exam.
type ProgressSource interface {
	ExamProgress(ctx context.Context, examID string) ([]SessionProgress, error)
}

// ViolationCounter reads persisted violation counts of an exam.
type ViolationCounter interface {
	CountByExam(ctx context.Context, examID string) ([]model.ViolationCount, error)
}

// MonitorService assembles the proctor's live view of an exam.
type MonitorService struct {
	progress   ProgressSource
	violations ViolationCounter
	log        zerolog.Logger
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(progress ProgressSource, violations ViolationCounter, log zerolog.Logger) *MonitorService {
	return &MonitorService{
		progress:   progress,
		violations: violations,
		log:        log.With().Str("component", "monitor_service").Logger(),
	}
}

// StudentProgress is one row of the monitor table.
type StudentProgress struct {
	SessionProgress
	ViolationCount     int64 `json:"violation_count"`
	HighViolationCount int64 `json:"high_violation_count"`
}

// ExamSnapshot is the monitor's view of one exam.
type ExamSnapshot struct {
	ExamID          string            `json:"exam_id"`
	Students        []StudentProgress `json:"students"`
	TotalViolations int64             `json:"total_violations"`
	InProgress      int               `json:"in_progress"`
	Completed       int               `json:"completed"`
}

// Snapshot fetches checkpoints and violation counts concurrently. Progress
// is required; violation counts are best effort.
func (s *MonitorService) Snapshot(ctx context.Context, examID string) (*ExamSnapshot, error) {
	var (
		sessions []SessionProgress
		counts   []model.ViolationCount
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sessions, err = s.progress.ExamProgress(gctx, examID)
		return err
	})
	g.Go(func() error {
		var err error
		if counts, err = s.violations.CountByExam(gctx, examID); err != nil {
			s.log.Warn().Err(err).Str("exam_id", examID).Msg("Violation counts unavailable")
			counts = nil
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byStudent := make(map[int]model.ViolationCount, len(counts))
	snap := &ExamSnapshot{ExamID: examID, Students: make([]StudentProgress, 0, len(sessions))}
	for _, c := range counts {
		byStudent[c.StudentID] = c
		snap.TotalViolations += c.Total
	}
	for _, p := range sessions {
		c := byStudent[p.StudentID]
		snap.Students = append(snap.Students, StudentProgress{
			SessionProgress:    p,
			ViolationCount:     c.Total,
			HighViolationCount: c.High,
		})
		switch model.SessionStatus(p.Status) {
		case model.SessionStatusInProgress, model.SessionStatusSubmitting:
			snap.InProgress++
		case model.SessionStatusCompleted:
			snap.Completed++
		}
	}
	return snap, nil
}
