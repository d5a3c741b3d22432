package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/booking-engine/internal/geo"
	"github.com/example/booking-engine/internal/models"
)

var errInvalid = errors.New("invalid message")

// RedisUpdater is the subset of Redis writes the consumer performs.
type RedisUpdater interface {
	UpsertWorker(ctx context.Context, w models.Worker) error
	RecordSample(ctx context.Context, s models.LocationSample) error
}

type redisAdapter struct {
	c   *redis.Client
	geo *geo.RedisGeo
	ttl time.Duration
}

func (r *redisAdapter) UpsertWorker(ctx context.Context, w models.Worker) error {
	return r.geo.Upsert(ctx, w)
}

// RecordSample keeps the last known position of a booking's worker under
// booking:track:<id>, expiring after ttl.
func (r *redisAdapter) RecordSample(ctx context.Context, s models.LocationSample) error {
	key := "booking:track:" + s.BookingID
	values := map[string]interface{}{
		"worker_id": s.WorkerID,
		"lat":       s.Lat,
		"lng":       s.Lng,
		"at":        s.At.UTC().Format(time.RFC3339Nano),
	}
	if s.Heading != nil {
		values["heading"] = *s.Heading
	}
	if s.Speed != nil {
		values["speed"] = *s.Speed
	}
	if s.Accuracy != nil {
		values["accuracy"] = *s.Accuracy
	}
	pipe := r.c.TxPipeline()
	pipe.HSet(ctx, key, values)
	pipe.Expire(ctx, key, r.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

type topics struct {
	worker   string
	tracking string
}

// handleMessage decodes one record by topic and applies it with retries.
// Undecodable or out-of-range records return errInvalid.
func handleMessage(ctx context.Context, rc RedisUpdater, t topics, m kafka.Message, attempts int, delay time.Duration) error {
	switch m.Topic {
	case t.worker:
		var w models.Worker
		if err := json.Unmarshal(m.Value, &w); err != nil || w.ID == "" || !geo.ValidCoord(w.Loc.Lat, w.Loc.Lon) {
			return errInvalid
		}
		return updateRedisWithRetry(ctx, attempts, delay, func() error { return rc.UpsertWorker(ctx, w) })
	case t.tracking:
		var s models.LocationSample
		if err := json.Unmarshal(m.Value, &s); err != nil || s.BookingID == "" || !geo.ValidCoord(s.Lat, s.Lng) {
			return errInvalid
		}
		return updateRedisWithRetry(ctx, attempts, delay, func() error { return rc.RecordSample(ctx, s) })
	default:
		return fmt.Errorf("%w: unexpected topic %q", errInvalid, m.Topic)
	}
}

// updateRedisWithRetry runs fn up to attempts times, doubling delay between
// tries and giving up early when ctx ends.
func updateRedisWithRetry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
