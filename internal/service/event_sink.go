package service

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	defaultSinkBuffer = 1024
	sinkWriteTimeout  = 3 * time.Second
	sinkDrainTimeout  = 5 * time.Second
)

// Queue is where the sink writes: worker queues and the monitor channel.
type Queue interface {
	Push(ctx context.Context, key string, payload []byte) error
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisQueue implements Queue with RPUSH and PUBLISH.
type RedisQueue struct {
	rdb *redis.Client
}

func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func (q *RedisQueue) Push(ctx context.Context, key string, payload []byte) error {
	return q.rdb.RPush(ctx, key, payload).Err()
}

func (q *RedisQueue) Publish(ctx context.Context, channel string, payload []byte) error {
	return q.rdb.Publish(ctx, channel, payload).Err()
}

// MonitorMessage is the JSON published on an exam's monitor channel.
type MonitorMessage struct {
	Type      string      `json:"type"`
	ExamID    string      `json:"exam_id"`
	StudentID int         `json:"student_id"`
	SessionID string      `json:"session_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

type sinkItem struct {
	queueKey string
	record   []byte
	channel  string
	message  []byte
}

// EventSink moves session audit records off the session goroutines. Writes
// happen on Run's goroutine; a full buffer drops the record with a warning.
type EventSink struct {
	queue   Queue
	items   chan sinkItem
	log     zerolog.Logger
	dropped atomic.Int64
}

// NewEventSink creates a sink with the given buffer (0 uses the default).
func NewEventSink(queue Queue, buffer int, log zerolog.Logger) *EventSink {
	if buffer <= 0 {
		buffer = defaultSinkBuffer
	}
	return &EventSink{
		queue: queue,
		items: make(chan sinkItem, buffer),
		log:   log.With().Str("component", "event_sink").Logger(),
	}
}

// Violation queues a violation for persistence and the live monitor.
func (s *EventSink) Violation(rec model.ViolationRecord) {
	s.enqueue(config.WorkerKey.PersistViolationsQueue, rec, MonitorMessage{
		Type:      "violation",
		ExamID:    rec.ExamID,
		StudentID: rec.StudentID,
		SessionID: rec.SessionID,
		Data:      rec,
	})
}

// Submission queues a submission attempt outcome.
func (s *EventSink) Submission(rec model.SubmissionRecord) {
	s.enqueue(config.WorkerKey.PersistSubmissionsQueue, rec, MonitorMessage{
		Type:      "submission",
		ExamID:    rec.ExamID,
		StudentID: rec.StudentID,
		SessionID: rec.SessionID,
		Data: map[string]interface{}{
			"succeeded": rec.Succeeded,
			"retryable": rec.Retryable,
			"attempt":   rec.Attempt,
			"score":     rec.Score,
		},
	})
}

// SessionStatus announces a status change on the monitor channel only.
func (s *EventSink) SessionStatus(examID string, studentID int, sessionID string, status model.SessionStatus) {
	s.enqueue("", nil, MonitorMessage{
		Type:      "status",
		ExamID:    examID,
		StudentID: studentID,
		SessionID: sessionID,
		Data:      map[string]interface{}{"status": status},
	})
}

// Dropped returns how many records were dropped on a full buffer.
func (s *EventSink) Dropped() int64 { return s.dropped.Load() }

func (s *EventSink) enqueue(queueKey string, record interface{}, msg MonitorMessage) {
	item := sinkItem{queueKey: queueKey}
	if record != nil {
		raw, err := json.Marshal(record)
		if err != nil {
			s.log.Error().Err(err).Msg("Discarding unencodable record")
			return
		}
		item.record = raw
	}
	if msg.ExamID != "" {
		raw, err := json.Marshal(msg)
		if err == nil {
			item.channel = config.CacheKey.ExamMonitorChannel(msg.ExamID)
			item.message = raw
		}
	}

	select {
	case s.items <- item:
	default:
		s.dropped.Add(1)
		s.log.Warn().Str("queue", queueKey).Str("type", msg.Type).Msg("Event sink full, record dropped")
	}
}

// Run writes queued items until ctx is done, then drains what is left.
func (s *EventSink) Run(ctx context.Context) {
	s.log.Info().Msg("EventSink started")
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case item := <-s.items:
			s.write(ctx, item)
		}
	}
}

func (s *EventSink) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), sinkDrainTimeout)
	defer cancel()
	n := 0
	for {
		select {
		case item := <-s.items:
			s.write(ctx, item)
			n++
		default:
			s.log.Info().Int("drained", n).Msg("EventSink stopped")
			return
		}
	}
}

func (s *EventSink) write(parent context.Context, item sinkItem) {
	ctx, cancel := context.WithTimeout(parent, sinkWriteTimeout)
	defer cancel()

	if item.queueKey != "" && item.record != nil {
		if err := s.queue.Push(ctx, item.queueKey, item.record); err != nil {
			// The durable copy is what matters; the live feed is best effort.
			s.log.Error().Err(err).Str("queue", item.queueKey).RawJSON("record", item.record).Msg("Failed to queue record")
		}
	}
	if item.channel != "" {
		if err := s.queue.Publish(ctx, item.channel, item.message); err != nil {
			s.log.Warn().Err(err).Str("channel", item.channel).Msg("Monitor publish failed")
		}
	}
}
