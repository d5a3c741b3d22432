package geo

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/booking-engine/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands plus a metadata hash per
// worker so several API replicas share one directory.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, w models.Worker) error {
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: w.Loc.Lon, Latitude: w.Loc.Lat, Name: w.ID})
	pipe.HSet(ctx, metaKey(w.ID), map[string]interface{}{
		"name":       w.Name,
		"categories": strings.Join(w.Categories, ","),
		"rating":     strconv.FormatFloat(w.Rating, 'f', -1, 64),
		"active":     strconv.FormatBool(w.Active),
		"radius":     strconv.FormatFloat(w.RadiusMeters, 'f', -1, 64),
		"updated":    time.Now().UTC().Format(time.RFC3339),
	})
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) Get(ctx context.Context, id string) (models.Worker, error) {
	pos, err := r.client.GeoPos(ctx, r.key, id).Result()
	if err != nil {
		return models.Worker{}, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return models.Worker{}, ErrUnknownWorker
	}
	w := models.Worker{ID: id, Loc: models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}}
	if err := r.loadMeta(ctx, &w); err != nil {
		return models.Worker{}, err
	}
	return w, nil
}

func (r *RedisGeo) Nearby(ctx context.Context, lat, lon, radiusM float64, limit int) ([]models.Worker, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lon,
			Latitude:   lat,
			Radius:     radiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]models.Worker, 0, len(res))
	for _, g := range res {
		w := models.Worker{ID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}}
		if err := r.loadMeta(ctx, &w); err != nil {
			continue
		}
		if !w.Active {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

func (r *RedisGeo) loadMeta(ctx context.Context, w *models.Worker) error {
	m, err := r.client.HGetAll(ctx, metaKey(w.ID)).Result()
	if err != nil {
		return err
	}
	w.Name = m["name"]
	if v := m["categories"]; v != "" {
		w.Categories = strings.Split(v, ",")
	}
	if f, err := strconv.ParseFloat(m["rating"], 64); err == nil {
		w.Rating = f
	}
	if f, err := strconv.ParseFloat(m["radius"], 64); err == nil {
		w.RadiusMeters = f
	}
	w.Active = m["active"] == "true"
	if t, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
		w.Updated = t
	}
	return nil
}

func metaKey(id string) string { return "worker:meta:" + id }
