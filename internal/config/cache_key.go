package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionAnswersKey returns the hash key holding a session's answer checkpoint.
func (r *CacheKeyStruct) SessionAnswersKey(sessionID string) string {
	return fmt.Sprintf("proctor:session:%s:answers", sessionID)
}

// SessionFlagsKey returns the set key holding a session's flagged questions.
func (r *CacheKeyStruct) SessionFlagsKey(sessionID string) string {
	return fmt.Sprintf("proctor:session:%s:flags", sessionID)
}

// SessionMetaKey returns the hash key holding status and remaining time for a session.
func (r *CacheKeyStruct) SessionMetaKey(sessionID string) string {
	return fmt.Sprintf("proctor:session:%s:meta", sessionID)
}

// ExamSessionsKey returns the set key listing session IDs opened for an exam.
func (r *CacheKeyStruct) ExamSessionsKey(examID string) string {
	return fmt.Sprintf("proctor:exam:%s:sessions", examID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

var CacheKey = NewCacheKeyStruct()
