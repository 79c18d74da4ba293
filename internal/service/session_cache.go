package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-certify/internal/config"
	"github.com/stemsi/exstem-certify/internal/model"
	"golang.org/x/sync/semaphore"
)

// SessionStore is the canonical session storage the service runs on.
type SessionStore interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Session, error)
	Put(ctx context.Context, s *model.Session) error
	UpdateStatus(ctx context.Context, id uuid.UUID, state model.SessionState, fields model.SessionStatusFields) error
	FindActive(ctx context.Context, tenantID, userID, examID string) (*model.Session, error)
	ListLive(ctx context.Context) ([]uuid.UUID, error)
}

// CachedSessionRepository puts a Redis read-through cache in front of the
// session store and caps how many writes reach it at once.
type CachedSessionRepository struct {
	repo SessionStore
	rdb  *redis.Client
	ttl  time.Duration
	sem  *semaphore.Weighted
	log  zerolog.Logger
}

// NewCachedSessionRepository creates a new CachedSessionRepository.
func NewCachedSessionRepository(repo SessionStore, rdb *redis.Client, ttl time.Duration, maxWrites int64, log zerolog.Logger) *CachedSessionRepository {
	if maxWrites <= 0 {
		maxWrites = 1
	}
	return &CachedSessionRepository{
		repo: repo,
		rdb:  rdb,
		ttl:  ttl,
		sem:  semaphore.NewWeighted(maxWrites),
		log:  log.With().Str("component", "session_cache").Logger(),
	}
}

// Get serves the record from Redis, falling back to the store on a miss or
// when Redis is unreachable.
func (r *CachedSessionRepository) Get(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	key := config.CacheKey.SessionKey(id.String())

	raw, err := r.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		s := &model.Session{}
		if jsonErr := json.Unmarshal(raw, s); jsonErr == nil {
			return s, nil
		}
		r.log.Warn().Str("session_id", id.String()).Msg("Corrupt cache entry, reloading")
	case !errors.Is(err, redis.Nil):
		r.log.Warn().Err(err).Str("session_id", id.String()).Msg("Session cache read failed")
	}

	// [CACHE MISS] Store is the source of truth; heal the cache on the way out.
	s, err := r.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cache(ctx, s)
	return s, nil
}

// Put writes the full record, then refreshes the cache.
func (r *CachedSessionRepository) Put(ctx context.Context, s *model.Session) error {
	if err := r.acquire(ctx); err != nil {
		return err
	}
	defer r.sem.Release(1)

	if err := r.repo.Put(ctx, s); err != nil {
		r.invalidate(ctx, s.ID)
		return err
	}
	r.cache(ctx, s)
	if s.State.IsTerminal() {
		r.clearActive(ctx, s)
	}
	return nil
}

// UpdateStatus writes a state change and drops the cached record, which no
// longer matches the store.
func (r *CachedSessionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, state model.SessionState, fields model.SessionStatusFields) error {
	if err := r.acquire(ctx); err != nil {
		return err
	}
	defer r.sem.Release(1)

	err := r.repo.UpdateStatus(ctx, id, state, fields)
	r.invalidate(ctx, id)
	return err
}

// FindActive resolves the candidate's live session through the Redis index.
func (r *CachedSessionRepository) FindActive(ctx context.Context, tenantID, userID, examID string) (*model.Session, error) {
	key := config.CacheKey.ActiveSessionKey(tenantID, userID, examID)

	if val, err := r.rdb.Get(ctx, key).Result(); err == nil {
		if id, parseErr := uuid.Parse(val); parseErr == nil {
			s, getErr := r.Get(ctx, id)
			if getErr == nil && !s.State.IsTerminal() {
				return s, nil
			}
		}
		// Stale pointer: the session ended or vanished.
		_ = r.rdb.Del(ctx, key).Err()
	} else if !errors.Is(err, redis.Nil) {
		r.log.Warn().Err(err).Msg("Active session index read failed")
	}

	s, err := r.repo.FindActive(ctx, tenantID, userID, examID)
	if err != nil {
		return nil, err
	}
	if err := r.rdb.Set(ctx, key, s.ID.String(), r.ttl).Err(); err != nil {
		r.log.Warn().Err(err).Msg("Active session index write failed")
	}
	return s, nil
}

// ListLive lists live sessions straight from the store.
func (r *CachedSessionRepository) ListLive(ctx context.Context) ([]uuid.UUID, error) {
	return r.repo.ListLive(ctx)
}

func (r *CachedSessionRepository) acquire(ctx context.Context) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for session write slot: %w", model.ErrServiceBusy)
	}
	return nil
}

func (r *CachedSessionRepository) cache(ctx context.Context, s *model.Session) {
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := r.rdb.Set(ctx, config.CacheKey.SessionKey(s.ID.String()), data, r.ttl).Err(); err != nil {
		r.log.Warn().Err(err).Str("session_id", s.ID.String()).Msg("Session cache write failed")
	}
}

func (r *CachedSessionRepository) invalidate(ctx context.Context, id uuid.UUID) {
	if err := r.rdb.Del(ctx, config.CacheKey.SessionKey(id.String())).Err(); err != nil {
		r.log.Warn().Err(err).Str("session_id", id.String()).Msg("Session cache invalidation failed")
	}
}

func (r *CachedSessionRepository) clearActive(ctx context.Context, s *model.Session) {
	_ = r.rdb.Del(ctx, config.CacheKey.ActiveSessionKey(s.TenantID, s.UserID, s.ExamID)).Err()
}
