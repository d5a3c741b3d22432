package matcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/example/booking-engine/internal/eta"
	"github.com/example/booking-engine/internal/geo"
	"github.com/example/booking-engine/internal/models"
	"github.com/example/booking-engine/internal/observability"
)

const (
	DefaultDuration = 2 * time.Hour

	proximityWeight = 0.6
	ratingWeight    = 0.4
)

type Geo interface {
	Nearby(ctx context.Context, lat, lon, radiusM float64, limit int) ([]models.Worker, error)
	Get(ctx context.Context, id string) (models.Worker, error)
}

// Schedule answers whether a worker is already booked around a slot.
type Schedule interface {
	WorkerBookingsBetween(ctx context.Context, workerID string, from, to time.Time) ([]*models.Booking, error)
}

// Request describes the job a worker is needed for.
type Request struct {
	Category         string
	Location         models.Coord
	SlotTime         time.Time
	Duration         time.Duration
	ExcludeWorkerIDs []string
	// IgnoreBookingID is left out of conflict checks (the booking being superseded).
	IgnoreBookingID string
}

type Match struct {
	Worker     models.Worker
	Score      float64
	ETASeconds float64
}

type Service struct {
	Geo      Geo
	Schedule Schedule
	ETA      *eta.Estimator
	TopN     int
	RadiusM  float64
}

// MatchWorker scores eligible workers near the job and returns the best.
func (s *Service) MatchWorker(ctx context.Context, req Request) (Match, bool, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	topN := s.TopN
	if topN <= 0 {
		topN = 10
	}
	// over-fetch: some nearby workers get filtered out below
	cands, err := s.Geo.Nearby(ctx, req.Location.Lat, req.Location.Lon, s.radius(), topN*3)
	if err != nil {
		return Match{}, false, fmt.Errorf("nearby workers: %w", err)
	}
	excluded := make(map[string]bool, len(req.ExcludeWorkerIDs))
	for _, id := range req.ExcludeWorkerIDs {
		excluded[id] = true
	}
	var scored []Match
	for _, w := range cands {
		if excluded[w.ID] {
			continue
		}
		reason, err := s.unavailableReason(ctx, w, req)
		if err != nil {
			return Match{}, false, err
		}
		if reason != "" {
			continue
		}
		etaSec := s.estimate(ctx, w.Loc, req.Location)
		scored = append(scored, Match{Worker: w, ETASeconds: etaSec, Score: s.score(w, etaSec)})
		if len(scored) == topN {
			break
		}
	}
	if len(scored) == 0 {
		return Match{}, false, nil
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return scored[0], true, nil
}

// EvaluateWorker checks one specific worker. An empty reason means available.
func (s *Service) EvaluateWorker(ctx context.Context, workerID string, req Request) (models.Worker, string, error) {
	w, err := s.Geo.Get(ctx, workerID)
	if err != nil {
		if errors.Is(err, geo.ErrUnknownWorker) {
			return models.Worker{}, "worker not found", nil
		}
		return models.Worker{}, "", err
	}
	reason, err := s.unavailableReason(ctx, w, req)
	return w, reason, err
}

func (s *Service) unavailableReason(ctx context.Context, w models.Worker, req Request) (string, error) {
	if !w.Active {
		return "worker is inactive", nil
	}
	if req.Category != "" && !w.Offers(req.Category) {
		return fmt.Sprintf("worker does not offer %s", req.Category), nil
	}
	if w.RadiusMeters > 0 {
		if d := geo.Haversine(w.Loc.Lat, w.Loc.Lon, req.Location.Lat, req.Location.Lon); d > w.RadiusMeters {
			return "address is outside the worker's service area", nil
		}
	}
	dur := req.Duration
	if dur <= 0 {
		dur = DefaultDuration
	}
	if s.Schedule != nil {
		busy, err := s.Schedule.WorkerBookingsBetween(ctx, w.ID, req.SlotTime.Add(-dur+time.Nanosecond), req.SlotTime.Add(dur))
		if err != nil {
			return "", fmt.Errorf("worker schedule: %w", err)
		}
		for _, b := range busy {
			if b.ID == req.IgnoreBookingID {
				continue
			}
			return fmt.Sprintf("worker has another booking at %s", b.SlotTime.UTC().Format(time.RFC3339)), nil
		}
	}
	return "", nil
}

func (s *Service) radius() float64 {
	if s.RadiusM <= 0 {
		return 15000
	}
	return s.RadiusM
}

func (s *Service) estimate(ctx context.Context, from, to models.Coord) float64 {
	if s.ETA == nil {
		return eta.EstimateSeconds(from, to, 0)
	}
	return s.ETA.Seconds(ctx, from, to)
}

// score = 0.6*proximity + 0.4*rating/5, both in [0,1]; higher is better.
func (s *Service) score(w models.Worker, etaSec float64) float64 {
	speed := 8.0
	if s.ETA != nil && s.ETA.SpeedMps > 0 {
		speed = s.ETA.SpeedMps
	}
	maxETA := s.radius() / speed
	prox := 1 - math.Min(etaSec/maxETA, 1)
	rating := math.Max(0, math.Min(w.Rating, 5)) / 5
	return proximityWeight*prox + ratingWeight*rating
}

type PreferenceMode string

const (
	PreferAuto     PreferenceMode = "auto"
	PreferSame     PreferenceMode = "same"
	PreferSpecific PreferenceMode = "specific"
)

type Preference struct {
	Mode     PreferenceMode
	WorkerID string
	Strict   bool
}

// Assignment is the outcome of Resolve. WorkerID is empty when nobody could
// be assigned and the booking stays confirmed.
type Assignment struct {
	WorkerID string
	Mode     models.AssignmentMode
	Reason   string
	Score    float64
}

// UnavailableError is returned by Resolve when a strict preference fails.
type UnavailableError struct {
	WorkerID string
	Reason   string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("worker %s unavailable: %s", e.WorkerID, e.Reason)
}

// Resolve applies the preferred-worker policy, falling back to auto-match
// unless the preference is strict.
func (s *Service) Resolve(ctx context.Context, pref Preference, req Request) (Assignment, error) {
	prefix := ""
	if pref.Mode != PreferAuto && pref.Mode != "" && pref.WorkerID != "" {
		_, reason, err := s.EvaluateWorker(ctx, pref.WorkerID, req)
		if err != nil {
			return Assignment{}, err
		}
		if reason == "" {
			observability.MatchesTotal.WithLabelValues("preferred").Inc()
			label := "rebooked with previous worker"
			if pref.Mode == PreferSpecific {
				label = "requested worker available"
			}
			return Assignment{WorkerID: pref.WorkerID, Mode: models.AssignmentManual, Reason: label}, nil
		}
		if pref.Strict {
			observability.MatchesTotal.WithLabelValues("strict_failed").Inc()
			return Assignment{}, &UnavailableError{WorkerID: pref.WorkerID, Reason: reason}
		}
		prefix = fmt.Sprintf("preferred worker unavailable (%s); fell back to auto-match: ", reason)
		req.ExcludeWorkerIDs = append(append([]string(nil), req.ExcludeWorkerIDs...), pref.WorkerID)
	}
	m, ok, err := s.MatchWorker(ctx, req)
	if err != nil {
		return Assignment{}, err
	}
	if !ok {
		observability.MatchesTotal.WithLabelValues("none").Inc()
		return Assignment{Mode: models.AssignmentAuto, Reason: prefix + "no eligible worker found; awaiting manual assignment"}, nil
	}
	observability.MatchesTotal.WithLabelValues("auto").Inc()
	return Assignment{
		WorkerID: m.Worker.ID,
		Mode:     models.AssignmentAuto,
		Reason:   fmt.Sprintf("%sauto-matched (score %.3f)", prefix, m.Score),
		Score:    m.Score,
	}, nil
}
