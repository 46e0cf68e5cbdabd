package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// SubmissionWorker persists queued submission attempt outcomes.
type SubmissionWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

func NewSubmissionWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *SubmissionWorker {
	return &SubmissionWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "submission_worker").Logger(),
	}
}

// ----------------------------------------------------------------
// Worker loop with batching
// ----------------------------------------------------------------

func (w *SubmissionWorker) Start(ctx context.Context) {
	w.log.Info().Msg("SubmissionWorker started")

	batch := make([]*model.SubmissionRecord, 0, BatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 && (len(batch) >= BatchSize || time.Since(lastFlush) >= BatchTimeout) {
			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Int("pending", len(batch)).Msg("Shutdown requested. Flushing remaining batch")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flushSafe(shutdownCtx, batch)
			cancel()
			return

		default:
			item, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistSubmissionsQueue).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
					sleepCtx(ctx, time.Second)
				}
				continue
			}
			if len(item) < 2 {
				continue
			}

			rec, err := decodeSubmission([]byte(item[1]))
			if err != nil {
				w.log.Error().Err(err).Str("data", item[1]).Msg("Discarding malformed submission record")
				continue
			}
			batch = append(batch, rec)
		}
	}
}

func decodeSubmission(raw []byte) (*model.SubmissionRecord, error) {
	var rec model.SubmissionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if rec.SessionID == "" || rec.IdempotencyKey == "" || rec.Attempt <= 0 {
		return nil, errIncompleteRecord
	}
	if rec.AttemptedAt.IsZero() {
		rec.AttemptedAt = time.Now()
	}
	return &rec, nil
}

// ----------------------------------------------------------------
// Batch insert wrapper
// ----------------------------------------------------------------

func (w *SubmissionWorker) flushSafe(ctx context.Context, batch []*model.SubmissionRecord) {
	if len(batch) == 0 {
		return
	}

	if err := w.bulkInsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk submission insert failed, using fallback")

		for _, r := range batch {
			if err := w.insertSingle(ctx, r); err != nil {
				w.log.Error().Err(err).Str("session_id", r.SessionID).Msg("insertSingle failed, requeueing")
				raw, _ := json.Marshal(r)
				w.rdb.RPush(ctx, config.WorkerKey.PersistSubmissionsQueue, raw)
			}
		}
	}
}

// submissionColumns splits a batch into the column arrays fed to UNNEST.
type submissionColumns struct {
	sessionIDs  []string
	examIDs     []string
	studentIDs  []int
	keys        []string
	attempts    []int
	succeeded   []bool
	retryable   []bool
	errs        []string
	scores      []*float64
	violations  []int
	attemptedAt []time.Time
}

func columnsOf(batch []*model.SubmissionRecord) submissionColumns {
	n := len(batch)
	c := submissionColumns{
		sessionIDs:  make([]string, 0, n),
		examIDs:     make([]string, 0, n),
		studentIDs:  make([]int, 0, n),
		keys:        make([]string, 0, n),
		attempts:    make([]int, 0, n),
		succeeded:   make([]bool, 0, n),
		retryable:   make([]bool, 0, n),
		errs:        make([]string, 0, n),
		scores:      make([]*float64, 0, n),
		violations:  make([]int, 0, n),
		attemptedAt: make([]time.Time, 0, n),
	}
	for _, r := range batch {
		c.sessionIDs = append(c.sessionIDs, r.SessionID)
		c.examIDs = append(c.examIDs, r.ExamID)
		c.studentIDs = append(c.studentIDs, r.StudentID)
		c.keys = append(c.keys, r.IdempotencyKey)
		c.attempts = append(c.attempts, r.Attempt)
		c.succeeded = append(c.succeeded, r.Succeeded)
		c.retryable = append(c.retryable, r.Retryable)
		c.errs = append(c.errs, r.Error)
		c.scores = append(c.scores, r.Score)
		c.violations = append(c.violations, r.Violations)
		c.attemptedAt = append(c.attemptedAt, r.AttemptedAt)
	}
	return c
}

// ----------------------------------------------------------------
// BULK PostgreSQL INSERT using UNNEST; replays are ignored
// ----------------------------------------------------------------

func (w *SubmissionWorker) bulkInsert(ctx context.Context, batch []*model.SubmissionRecord) error {
	c := columnsOf(batch)

	query := `
		INSERT INTO session_submissions (
			session_id, exam_id, student_id, idempotency_key, attempt,
			succeeded, retryable, error, score, violations, attempted_at
		)
		SELECT * FROM UNNEST(
			$1::text[],
			$2::text[],
			$3::int[],
			$4::text[],
			$5::int[],
			$6::bool[],
			$7::bool[],
			$8::text[],
			$9::float8[],
			$10::int[],
			$11::timestamptz[]
		)
		ON CONFLICT (idempotency_key, attempt) DO NOTHING
	`

	_, err := w.pool.Exec(ctx, query,
		c.sessionIDs, c.examIDs, c.studentIDs, c.keys, c.attempts,
		c.succeeded, c.retryable, c.errs, c.scores, c.violations, c.attemptedAt,
	)
	return err
}

// ----------------------------------------------------------------
// FALLBACK single insert
// ----------------------------------------------------------------

func (w *SubmissionWorker) insertSingle(ctx context.Context, r *model.SubmissionRecord) error {
	_, err := w.pool.Exec(ctx,
		`INSERT INTO session_submissions (
			session_id, exam_id, student_id, idempotency_key, attempt,
			succeeded, retryable, error, score, violations, attempted_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (idempotency_key, attempt) DO NOTHING`,
		r.SessionID, r.ExamID, r.StudentID, r.IdempotencyKey, r.Attempt,
		r.Succeeded, r.Retryable, r.Error, r.Score, r.Violations, r.AttemptedAt,
	)
	return err
}
