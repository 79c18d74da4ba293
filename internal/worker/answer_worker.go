package worker

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
)

// AnswerSink stores one answer, keeping the newest by submission time.
type AnswerSink interface {
	UpsertAnswer(ctx context.Context, sessionID uuid.UUID, questionID string, rec model.AnswerRecord) error
}

type answerPayload struct {
	SessionID   uuid.UUID `json:"session_id"`
	QuestionID  string    `json:"question_id"`
	Answer      string    `json:"answer"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// RedisAnswerJournal pushes accepted answers onto persist_answers_queue.
type RedisAnswerJournal struct {
	rdb *redis.Client
}

// NewRedisAnswerJournal creates a new RedisAnswerJournal.
func NewRedisAnswerJournal(rdb *redis.Client) *RedisAnswerJournal {
	return &RedisAnswerJournal{rdb: rdb}
}

// Append queues one answer for the AnswerWorker.
func (j *RedisAnswerJournal) Append(ctx context.Context, sessionID uuid.UUID, questionID string, rec model.AnswerRecord) error {
	raw, err := json.Marshal(answerPayload{
		SessionID:   sessionID,
		QuestionID:  questionID,
		Answer:      rec.Answer,
		SubmittedAt: rec.SubmittedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}
	if err := j.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, raw).Err(); err != nil {
		return fmt.Errorf("push answer: %w", err)
	}
	return nil
}

// AnswerWorker consumes persist_answers_queue and UPSERTs answers to PostgreSQL.
type AnswerWorker struct {
	sink AnswerSink
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewAnswerWorker creates a new AnswerWorker.
func NewAnswerWorker(sink AnswerSink, rdb *redis.Client, log zerolog.Logger) *AnswerWorker {
	return &AnswerWorker{
		sink: sink,
		rdb:  rdb,
		log:  log.With().Str("component", "answer_worker").Logger(),
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *AnswerWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			// Drain remaining items before exit.
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *AnswerWorker) processNext(ctx context.Context) {
	// BLPop blocks until an item is available or timeout (1 second).
	result, err := w.rdb.BLPop(ctx, time.Second, config.WorkerKey.PersistAnswersQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}
	if len(result) < 2 {
		return
	}

	if err := w.persist(ctx, result[1]); err != nil {
		w.log.Error().Err(err).Msg("Persist error, retrying in 5s")
		// Push back to queue for retry.
		w.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, result[1])
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
	}
}

func (w *AnswerWorker) persist(ctx context.Context, raw string) error {
	var p answerPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		// A malformed entry can never succeed; drop it.
		w.log.Error().Err(err).Msg("Unmarshal error")
		return nil
	}
	return w.sink.UpsertAnswer(ctx, p.SessionID, p.QuestionID, model.AnswerRecord{
		Answer:      p.Answer,
		SubmittedAt: p.SubmittedAt,
	})
}

// drain processes all remaining items in the queue before shutdown.
func (w *AnswerWorker) drain(ctx context.Context) {
	drained := 0
	for {
		result, err := w.rdb.LPop(ctx, config.WorkerKey.PersistAnswersQueue).Result()
		if err != nil {
			break
		}
		if err := w.persist(ctx, result); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, result)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
