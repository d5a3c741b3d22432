package geo

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/booking-engine/internal/models"
)

var ErrUnknownWorker = errors.New("geo: unknown worker")

// Geo is the worker directory used by the matcher and the location ingest.
type Geo interface {
	Nearby(ctx context.Context, lat, lon, radiusM float64, limit int) ([]models.Worker, error)
	Upsert(ctx context.Context, w models.Worker) error
	Get(ctx context.Context, id string) (models.Worker, error)
}

type Index struct {
	mu      sync.RWMutex
	workers map[string]models.Worker
	now     func() time.Time
}

func NewIndex() *Index {
	return &Index{workers: make(map[string]models.Worker), now: time.Now}
}

func (g *Index) Upsert(_ context.Context, w models.Worker) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	w.Updated = g.now()
	w.Categories = append([]string(nil), w.Categories...)
	g.workers[w.ID] = w
	return nil
}

func (g *Index) Get(_ context.Context, id string) (models.Worker, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	w, ok := g.workers[id]
	if !ok {
		return models.Worker{}, ErrUnknownWorker
	}
	return w, nil
}

// Nearby returns active workers within radiusM ordered by distance.
// naive scan; a real deployment uses RedisGeo.
func (g *Index) Nearby(_ context.Context, lat, lon, radiusM float64, limit int) ([]models.Worker, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		w    models.Worker
		dist float64
	}
	arr := make([]pair, 0, len(g.workers))
	for _, w := range g.workers {
		if !w.Active {
			continue
		}
		dist := Haversine(lat, lon, w.Loc.Lat, w.Loc.Lon)
		if radiusM > 0 && dist > radiusM {
			continue
		}
		arr = append(arr, pair{w, dist})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist == arr[j].dist {
			return arr[i].w.ID < arr[j].w.ID
		}
		return arr[i].dist < arr[j].dist
	})
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.Worker, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.w)
	}
	return out, nil
}

// ValidCoord reports whether lat/lon are inside WGS84 bounds.
func ValidCoord(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
