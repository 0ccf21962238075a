// Package eventstore keeps queued payment webhook events and their side tables in Redis.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/ProtestDocs/internal/pkg/cache"
)

const (
	// Redis keys
	EventKeyPrefix     = "webhook:event:"
	QueueKey           = "webhook_queue"
	ProcessingKey      = "webhook_processing"
	ProcessingSinceKey = "webhook_processing_since"
	AttemptsKey        = "webhook_attempts"
	StatsKey           = "webhook_stats"
	sideRecordPrefix   = "webhook:"
	sideIndexPrefix    = "webhook_"

	// Retention
	EventTTL            = 7 * 24 * time.Hour
	DefaultProcessedTTL = 7 * 24 * time.Hour

	StatEnqueued = "enqueued"
	StatRequeued = "requeued"
)

// Store is the Redis-backed event store. The queue is a list: producers LPUSH ids,
// the consumer moves them atomically into a processing list so an id is never lost
// between pop and disposal.
type Store struct {
	client       *redis.Client
	processedTTL time.Duration
}

// Option customizes a Store
type Option func(*Store)

// WithProcessedTTL sets how long processed records are kept.
func WithProcessedTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.processedTTL = ttl
		}
	}
}

// NewStore creates a store on the given client
func NewStore(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client:       client,
		processedTTL: DefaultProcessedTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewStoreFromCache creates a store on the shared cache client
func NewStoreFromCache(opts ...Option) *Store {
	return NewStore(cache.GetClient(), opts...)
}

func eventKey(eventID string) string {
	return EventKeyPrefix + eventID
}

func sideRecordKey(table SideTable, eventID string) string {
	return sideRecordPrefix + string(table) + ":" + eventID
}

func sideIndexKey(table SideTable) string {
	return sideIndexPrefix + string(table)
}

// Enqueue stores a payload and pushes its id onto the queue. An empty eventID takes the
// payload's top-level id, or a new UUID when the payload has none.
func (s *Store) Enqueue(ctx context.Context, eventID string, payload []byte) (string, error) {
	if eventID == "" {
		eventID = payloadID(payload)
	}
	if eventID == "" {
		eventID = uuid.New().String()
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, eventKey(eventID), payload, EventTTL)
	pipe.LPush(ctx, QueueKey, eventID)
	pipe.HIncrBy(ctx, StatsKey, StatEnqueued, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue event %s: %w", eventID, err)
	}

	log.Debugf("[EventStore] Enqueued event %s", eventID)
	return eventID, nil
}

// payloadID returns the trimmed top-level "id" of a JSON object payload, "" when absent
func payloadID(payload []byte) string {
	var body struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	var id string
	if err := json.Unmarshal(body.ID, &id); err != nil {
		return ""
	}
	return strings.TrimSpace(id)
}

// BlockingPop waits up to timeout for the next event id and moves it to the processing list.
// It returns ErrQueueEmpty when the wait timed out.
func (s *Store) BlockingPop(ctx context.Context, timeout time.Duration) (string, error) {
	eventID, err := s.client.BRPopLPush(ctx, QueueKey, ProcessingKey, timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrQueueEmpty
		}
		return "", err
	}

	if err := s.client.HSet(ctx, ProcessingSinceKey, eventID, time.Now().Unix()).Err(); err != nil {
		// The sweeper treats a missing timestamp as "just started"
		log.Warnf("[EventStore] Failed to stamp processing start for %s: %v", eventID, err)
	}
	return eventID, nil
}

// Get returns the raw payload for an event id, ErrEventNotFound when none is stored.
func (s *Store) Get(ctx context.Context, eventID string) ([]byte, error) {
	data, err := s.client.Get(ctx, eventKey(eventID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return data, nil
}

// Delete removes the payload and acknowledges the processing handle.
func (s *Store) Delete(ctx context.Context, eventID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, eventKey(eventID))
	pipe.LRem(ctx, ProcessingKey, 1, eventID)
	pipe.HDel(ctx, ProcessingSinceKey, eventID)
	pipe.HDel(ctx, AttemptsKey, eventID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete event %s: %w", eventID, err)
	}
	return nil
}

// Release acknowledges the processing handle but keeps the payload.
func (s *Store) Release(ctx context.Context, eventID string) error {
	pipe := s.client.TxPipeline()
	pipe.LRem(ctx, ProcessingKey, 1, eventID)
	pipe.HDel(ctx, ProcessingSinceKey, eventID)
	pipe.HDel(ctx, AttemptsKey, eventID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to release event %s: %w", eventID, err)
	}
	return nil
}

// IncrAttempts counts a failed processing attempt and returns the new total.
func (s *Store) IncrAttempts(ctx context.Context, eventID string) (int64, error) {
	return s.client.HIncrBy(ctx, AttemptsKey, eventID, 1).Result()
}

// RecordIn writes a record for eventID into a side table and clears it from the
// other tables. Processed records expire, failed and errors records are kept until
// an operator removes or replays them.
func (s *Store) RecordIn(ctx context.Context, table SideTable, eventID string, rec SideRecord) error {
	if _, err := ParseSideTable(string(table)); err != nil {
		return err
	}

	rec.EventID = eventID
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record for %s: %w", table, eventID, err)
	}

	var ttl time.Duration
	if table == SideTableProcessed {
		ttl = s.processedTTL
	}

	pipe := s.client.TxPipeline()
	for _, other := range SideTables() {
		if other != table {
			pipe.Del(ctx, sideRecordKey(other, eventID))
			pipe.ZRem(ctx, sideIndexKey(other), eventID)
		}
	}
	pipe.Set(ctx, sideRecordKey(table, eventID), data, ttl)
	pipe.ZAdd(ctx, sideIndexKey(table), redis.Z{Score: float64(rec.RecordedAt.Unix()), Member: eventID})
	pipe.HIncrBy(ctx, StatsKey, string(table), 1)
	if ttl > 0 {
		cutoff := rec.RecordedAt.Add(-ttl).Unix()
		pipe.ZRemRangeByScore(ctx, sideIndexKey(table), "-inf", strconv.FormatInt(cutoff, 10))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record event %s in %s: %w", eventID, table, err)
	}
	return nil
}

// GetRecord returns the record stored for eventID in a side table.
func (s *Store) GetRecord(ctx context.Context, table SideTable, eventID string) (*SideRecord, error) {
	data, err := s.client.Get(ctx, sideRecordKey(table, eventID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	var rec SideRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s record %s: %w", table, eventID, err)
	}
	return &rec, nil
}

// List returns side table records, newest first.
func (s *Store) List(ctx context.Context, table SideTable, offset, limit int64) ([]SideRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	ids, err := s.client.ZRevRange(ctx, sideIndexKey(table), offset, offset+limit-1).Result()
	if err != nil {
		return nil, err
	}

	records := make([]SideRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetRecord(ctx, table, id)
		if err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				// Expired record, drop the stale index entry
				_ = s.client.ZRem(ctx, sideIndexKey(table), id).Err()
				continue
			}
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

// Count returns the number of indexed records in a side table.
func (s *Store) Count(ctx context.Context, table SideTable) (int64, error) {
	return s.client.ZCard(ctx, sideIndexKey(table)).Result()
}

// RemoveRecord drops a side table record.
func (s *Store) RemoveRecord(ctx context.Context, table SideTable, eventID string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, sideRecordKey(table, eventID))
	pipe.ZRem(ctx, sideIndexKey(table), eventID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove %s record %s: %w", table, eventID, err)
	}
	if del.Val() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Requeue pushes a failed or errored event back onto the queue with its original
// payload and removes the side table record.
func (s *Store) Requeue(ctx context.Context, table SideTable, eventID string) error {
	if !table.Replayable() {
		return fmt.Errorf("%w: %s", ErrNotReplayable, table)
	}
	rec, err := s.GetRecord(ctx, table, eventID)
	if err != nil {
		return err
	}

	payload := []byte(rec.Payload)
	if len(payload) == 0 {
		stored, err := s.Get(ctx, eventID)
		if err != nil {
			return fmt.Errorf("no payload available for %s: %w", eventID, err)
		}
		payload = stored
	}

	pipe := s.client.TxPipeline()
	// A transient failure can leave the handle in the processing list
	pipe.LRem(ctx, ProcessingKey, 0, eventID)
	pipe.HDel(ctx, ProcessingSinceKey, eventID)
	pipe.HDel(ctx, AttemptsKey, eventID)
	pipe.Set(ctx, eventKey(eventID), payload, EventTTL)
	pipe.LPush(ctx, QueueKey, eventID)
	pipe.Del(ctx, sideRecordKey(table, eventID))
	pipe.ZRem(ctx, sideIndexKey(table), eventID)
	pipe.HIncrBy(ctx, StatsKey, StatRequeued, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to requeue event %s from %s: %w", eventID, table, err)
	}

	log.Infof("[EventStore] Requeued event %s from %s", eventID, table)
	return nil
}

// RecoverStuck moves handles that stayed in the processing list longer than maxAge
// back onto the queue. It returns the number of requeued events.
func (s *Store) RecoverStuck(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := s.client.LRange(ctx, ProcessingKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list processing events: %w", err)
	}

	now := time.Now()
	recovered := 0
	for _, id := range ids {
		exists, err := s.client.Exists(ctx, eventKey(id)).Result()
		if err != nil {
			log.Errorf("[EventStore] Sweeper exists check failed for %s: %v", id, err)
			continue
		}
		if exists == 0 {
			// Payload gone; nothing left to redeliver
			_ = s.client.LRem(ctx, ProcessingKey, 1, id).Err()
			_ = s.client.HDel(ctx, ProcessingSinceKey, id).Err()
			continue
		}

		since, err := s.client.HGet(ctx, ProcessingSinceKey, id).Int64()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				log.Errorf("[EventStore] Sweeper failed to read start time for %s: %v", id, err)
				continue
			}
			_ = s.client.HSet(ctx, ProcessingSinceKey, id, now.Unix()).Err()
			continue
		}

		age := now.Sub(time.Unix(since, 0))
		if age <= maxAge {
			continue
		}

		log.Warnf("[EventStore] Recovering stuck event %s, age=%s", id, age)
		pipe := s.client.TxPipeline()
		pipe.LRem(ctx, ProcessingKey, 1, id)
		pipe.HDel(ctx, ProcessingSinceKey, id)
		pipe.RPush(ctx, QueueKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Errorf("[EventStore] Failed to recover stuck event %s: %v", id, err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// Stats returns the disposition counters.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, StatsKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			out[k] = n
		}
	}
	return out, nil
}

// QueueSize returns the number of events waiting to be processed.
func (s *Store) QueueSize(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, QueueKey).Result()
}

// ProcessingSize returns the number of events currently held by consumers.
func (s *Store) ProcessingSize(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, ProcessingKey).Result()
}

// Ping checks that the queue backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
