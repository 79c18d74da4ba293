package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionKey returns the cache key for a serialized session record
func (r *CacheKeyStruct) SessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

// ActiveSessionKey returns the cache key for a user's live session of an exam
func (r *CacheKeyStruct) ActiveSessionKey(tenantID, userID, examID string) string {
	return fmt.Sprintf("tenant:%s:user:%s:exam:%s:active_session", tenantID, userID, examID)
}

// AnswerRateKey returns the rate limiter key for answer submissions of a session
func (r *CacheKeyStruct) AnswerRateKey(sessionID string) string {
	return fmt.Sprintf("ratelimit:session:%s:answers", sessionID)
}

var CacheKey = NewCacheKeyStruct()
