package idempotency

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps idempotency records in Redis so replay protection holds
// across instances.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Begin(ctx context.Context, userID, key, fingerprint string) (*Record, bool, error) {
	k := cacheKey(userID, key)
	processing, err := json.Marshal(Record{State: StateProcessing, Fingerprint: fingerprint})
	if err != nil {
		return nil, false, err
	}

	// Two attempts cover the window where the holder's TTL lapses between
	// our SETNX and GET.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, k, processing, ProcessingTTL).Result()
		if err != nil {
			return nil, false, err
		}
		if ok {
			return nil, true, nil
		}

		raw, err := s.client.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, false, err
		}
		prior, err := resolve(&rec, fingerprint)
		return prior, false, err
	}
	return nil, false, errors.New("idempotency slot contention")
}

func (s *RedisStore) Complete(ctx context.Context, userID, key string, statusCode int, body []byte) error {
	rec, err := s.current(ctx, userID, key)
	if err != nil {
		return err
	}
	rec.State = StateCompleted
	rec.StatusCode = statusCode
	rec.Body = body
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, cacheKey(userID, key), raw, RecordTTL).Err()
}

func (s *RedisStore) Fail(ctx context.Context, userID, key string, statusCode int, body []byte) error {
	rec, err := s.current(ctx, userID, key)
	if err != nil {
		return err
	}
	rec.State = StateFailed
	rec.StatusCode = statusCode
	rec.Body = body
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, cacheKey(userID, key), raw, RecordTTL).Err()
}

func (s *RedisStore) Release(ctx context.Context, userID, key string) error {
	return s.client.Del(ctx, cacheKey(userID, key)).Err()
}

func (s *RedisStore) current(ctx context.Context, userID, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, cacheKey(userID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return &Record{}, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
