package service

import (
	"context"

	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	defaultViolationLimit = 500
	maxViolationLimit     = 5000
)

// ViolationReader reads the persisted violation audit.
type ViolationReader interface {
	ViolationCounter
	ListBySession(ctx context.Context, sessionID string, limit int) ([]model.ViolationRecord, error)
}

// SubmissionReader reads persisted submission attempts.
type SubmissionReader interface {
	ListBySession(ctx context.Context, sessionID string) ([]model.SubmissionRecord, error)
}

// AuditService exposes what the workers persisted.
type AuditService struct {
	violations  ViolationReader
	submissions SubmissionReader
}

func NewAuditService(violations ViolationReader, submissions SubmissionReader) *AuditService {
	return &AuditService{violations: violations, submissions: submissions}
}

// SessionViolations returns up to limit violations of a session, oldest first.
func (s *AuditService) SessionViolations(ctx context.Context, sessionID string, limit int) ([]model.ViolationRecord, error) {
	if limit <= 0 {
		limit = defaultViolationLimit
	}
	if limit > maxViolationLimit {
		limit = maxViolationLimit
	}
	records, err := s.violations.ListBySession(ctx, sessionID, limit)
	if records == nil && err == nil {
		records = []model.ViolationRecord{}
	}
	return records, err
}

// ExamViolationCounts returns per-student violation counts of an exam.
func (s *AuditService) ExamViolationCounts(ctx context.Context, examID string) ([]model.ViolationCount, error) {
	return s.violations.CountByExam(ctx, examID)
}

// SessionSubmissions returns every submission attempt of a session.
func (s *AuditService) SessionSubmissions(ctx context.Context, sessionID string) ([]model.SubmissionRecord, error) {
	records, err := s.submissions.ListBySession(ctx, sessionID)
	if records == nil && err == nil {
		records = []model.SubmissionRecord{}
	}
	return records, err
}
