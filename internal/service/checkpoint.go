package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Checkpointer mirrors live session state outside the gateway process.
type Checkpointer interface {
	Register(ctx context.Context, examID, sessionID string, studentID int) error
	SaveAnswer(ctx context.Context, sessionID, questionID string, value json.RawMessage) error
	SaveFlag(ctx context.Context, sessionID, questionID string, flagged bool) error
	SaveMeta(ctx context.Context, sessionID string, status model.SessionStatus, remaining int) error
	Retire(ctx context.Context, sessionID string) error
}

// CheckpointStore keeps answers, flags and meta in Redis hashes and sets,
// and indexes sessions per exam for the monitor.
type CheckpointStore struct {
	rdb *redis.Client
	// ttl bounds every key; retired sessions expire after retireTTL.
	ttl       time.Duration
	retireTTL time.Duration
}

func NewCheckpointStore(rdb *redis.Client, ttl time.Duration) *CheckpointStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CheckpointStore{rdb: rdb, ttl: ttl, retireTTL: time.Hour}
}

// Register records that sessionID of studentID belongs to examID.
func (s *CheckpointStore) Register(ctx context.Context, examID, sessionID string, studentID int) error {
	key := config.CacheKey.ExamSessionsKey(examID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, sessionID, studentID)
	pipe.Expire(ctx, key, s.ttl)
	pipe.HSet(ctx, config.CacheKey.SessionMetaKey(sessionID), "exam_id", examID, "student_id", studentID)
	pipe.Expire(ctx, config.CacheKey.SessionMetaKey(sessionID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register session checkpoint: %w", err)
	}
	return nil
}

func (s *CheckpointStore) SaveAnswer(ctx context.Context, sessionID, questionID string, value json.RawMessage) error {
	key := config.CacheKey.SessionAnswersKey(sessionID)
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, questionID, string(value))
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *CheckpointStore) SaveFlag(ctx context.Context, sessionID, questionID string, flagged bool) error {
	key := config.CacheKey.SessionFlagsKey(sessionID)
	pipe := s.rdb.Pipeline()
	if flagged {
		pipe.SAdd(ctx, key, questionID)
	} else {
		pipe.SRem(ctx, key, questionID)
	}
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *CheckpointStore) SaveMeta(ctx context.Context, sessionID string, status model.SessionStatus, remaining int) error {
	key := config.CacheKey.SessionMetaKey(sessionID)
	return s.rdb.HSet(ctx, key, "status", string(status), "remaining", remaining).Err()
}

// Retire shortens the lifetime of a finished session's keys. The exam index
// keeps the session so the monitor still counts its answers.
func (s *CheckpointStore) Retire(ctx context.Context, sessionID string) error {
	pipe := s.rdb.Pipeline()
	pipe.Expire(ctx, config.CacheKey.SessionAnswersKey(sessionID), s.retireTTL)
	pipe.Expire(ctx, config.CacheKey.SessionFlagsKey(sessionID), s.retireTTL)
	pipe.Expire(ctx, config.CacheKey.SessionMetaKey(sessionID), s.retireTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SessionProgress is the checkpointed view of one session.
type SessionProgress struct {
	SessionID     string `json:"session_id"`
	StudentID     int    `json:"student_id"`
	Status        string `json:"status,omitempty"`
	Remaining     int    `json:"remaining_seconds"`
	AnsweredCount int64  `json:"answered_count"`
}

// ExamProgress returns every registered session of examID with its answer count.
func (s *CheckpointStore) ExamProgress(ctx context.Context, examID string) ([]SessionProgress, error) {
	members, err := s.rdb.HGetAll(ctx, config.CacheKey.ExamSessionsKey(examID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list exam sessions: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(members))
	counts := make([]*redis.IntCmd, 0, len(members))
	metas := make([]*redis.SliceCmd, 0, len(members))
	pipe := s.rdb.Pipeline()
	for id := range members {
		ids = append(ids, id)
		counts = append(counts, pipe.HLen(ctx, config.CacheKey.SessionAnswersKey(id)))
		metas = append(metas, pipe.HMGet(ctx, config.CacheKey.SessionMetaKey(id), "status", "remaining"))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read session progress: %w", err)
	}

	out := make([]SessionProgress, 0, len(ids))
	for i, id := range ids {
		studentID, _ := strconv.Atoi(members[id])
		p := SessionProgress{SessionID: id, StudentID: studentID, AnsweredCount: counts[i].Val()}
		if vals := metas[i].Val(); len(vals) == 2 {
			if st, ok := vals[0].(string); ok {
				p.Status = st
			}
			if rem, ok := vals[1].(string); ok {
				p.Remaining, _ = strconv.Atoi(rem)
			}
		}
		out = append(out, p)
	}
	return out, nil
}
