package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

type fakeQueue struct {
	mu        sync.Mutex
	pushed    map[string][][]byte
	published map[string][][]byte
	pushErr   error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{pushed: make(map[string][][]byte), published: make(map[string][][]byte)}
}

func (q *fakeQueue) Push(_ context.Context, key string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pushErr != nil {
		return q.pushErr
	}
	q.pushed[key] = append(q.pushed[key], payload)
	return nil
}

func (q *fakeQueue) Publish(_ context.Context, channel string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published[channel] = append(q.published[channel], payload)
	return nil
}

func (q *fakeQueue) counts(key, channel string) (int, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pushed[key]), len(q.published[channel])
}

func TestEventSinkWritesQueueAndChannel(t *testing.T) {
	q := newFakeQueue()
	sink := NewEventSink(q, 8, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sink.Run(ctx)
		close(done)
	}()

	at := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	sink.Violation(model.ViolationRecord{
		SessionID: "s1", ExamID: "exam-1", StudentID: 7,
		Type: model.ViolationTabSwitch, Severity: model.SeverityMedium, OccurredAt: at,
	})
	sink.SessionStatus("exam-1", 7, "s1", model.SessionStatusInProgress)

	channel := config.CacheKey.ExamMonitorChannel("exam-1")
	assert.Eventually(t, func() bool {
		pushed, published := q.counts(config.WorkerKey.PersistViolationsQueue, channel)
		return pushed == 1 && published == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	var rec model.ViolationRecord
	require.NoError(t, json.Unmarshal(q.pushed[config.WorkerKey.PersistViolationsQueue][0], &rec))
	assert.Equal(t, "s1", rec.SessionID)
	assert.True(t, rec.OccurredAt.Equal(at))

	var msg MonitorMessage
	require.NoError(t, json.Unmarshal(q.published[channel][1], &msg))
	assert.Equal(t, "status", msg.Type)
	assert.Equal(t, 7, msg.StudentID)
}

func TestEventSinkDrainsOnShutdown(t *testing.T) {
	q := newFakeQueue()
	sink := NewEventSink(q, 8, zerolog.Nop())

	for i := 0; i < 3; i++ {
		sink.Submission(model.SubmissionRecord{SessionID: "s1", ExamID: "exam-1", Attempt: i + 1})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.Run(ctx)

	pushed, _ := q.counts(config.WorkerKey.PersistSubmissionsQueue, "")
	assert.Equal(t, 3, pushed)
}

func TestEventSinkDropsWhenFull(t *testing.T) {
	q := newFakeQueue()
	sink := NewEventSink(q, 1, zerolog.Nop())

	sink.SessionStatus("exam-1", 1, "s1", model.SessionStatusInProgress)
	sink.SessionStatus("exam-1", 1, "s1", model.SessionStatusCompleted)
	assert.Equal(t, int64(1), sink.Dropped())
}

func TestEventSinkSurvivesPushFailure(t *testing.T) {
	q := newFakeQueue()
	q.pushErr = errors.New("redis down")
	sink := NewEventSink(q, 4, zerolog.Nop())

	sink.Violation(model.ViolationRecord{SessionID: "s1", ExamID: "exam-1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.Run(ctx)

	pushed, published := q.counts(config.WorkerKey.PersistViolationsQueue, config.CacheKey.ExamMonitorChannel("exam-1"))
	assert.Zero(t, pushed)
	assert.Equal(t, 1, published)
}
