package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/booking-engine/internal/models"
	"github.com/example/booking-engine/internal/observability"
)

// SampleSink stores tracking samples durably.
type SampleSink interface {
	PublishSample(ctx context.Context, s models.LocationSample) error
}

// Throttle admits at most one durable write per booking per interval.
type Throttle interface {
	Allow(ctx context.Context, bookingID string) (bool, error)
}

// RedisThrottle shares the window across gateway replicas with SET NX EX.
type RedisThrottle struct {
	Client   *redis.Client
	Interval time.Duration
}

func (r RedisThrottle) Allow(ctx context.Context, bookingID string) (bool, error) {
	return r.Client.SetNX(ctx, "booking:track:throttle:"+bookingID, 1, r.Interval).Result()
}

type MemoryThrottle struct {
	Interval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewMemoryThrottle(interval time.Duration) *MemoryThrottle {
	return &MemoryThrottle{Interval: interval, last: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryThrottle) Allow(_ context.Context, bookingID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if t, ok := m.last[bookingID]; ok && now.Sub(t) < m.Interval {
		return false, nil
	}
	m.last[bookingID] = now
	for id, t := range m.last {
		if now.Sub(t) > 10*m.Interval {
			delete(m.last, id)
		}
	}
	return true, nil
}

// SampleRecorder takes samples off the live path: Offer never blocks and the
// throttle check and sink write run on a background goroutine.
type SampleRecorder struct {
	sink     SampleSink
	throttle Throttle
	logger   *slog.Logger
	queue    chan models.LocationSample
	stop     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func NewSampleRecorder(sink SampleSink, throttle Throttle, logger *slog.Logger, queueLen int) *SampleRecorder {
	if queueLen <= 0 {
		queueLen = 1024
	}
	r := &SampleRecorder{
		sink:     sink,
		throttle: throttle,
		logger:   logger,
		queue:    make(chan models.LocationSample, queueLen),
		stop:     make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Offer hands a sample over; when the queue is full or the recorder is
// closed it is dropped.
func (r *SampleRecorder) Offer(s models.LocationSample) {
	select {
	case <-r.stop:
		observability.TrackingDropped.WithLabelValues("closed").Inc()
		return
	default:
	}
	select {
	case r.queue <- s:
	default:
		observability.TrackingDropped.WithLabelValues("queue_full").Inc()
	}
}

func (r *SampleRecorder) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			for {
				select {
				case s := <-r.queue:
					r.handle(s)
				default:
					return
				}
			}
		case s := <-r.queue:
			r.handle(s)
		}
	}
}

func (r *SampleRecorder) handle(s models.LocationSample) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ok, err := r.throttle.Allow(ctx, s.BookingID)
	if err != nil {
		r.logger.Warn("tracking throttle check failed", "booking_id", s.BookingID, "error", err)
		return
	}
	if !ok {
		return
	}
	if err := r.sink.PublishSample(ctx, s); err != nil {
		observability.TrackingDropped.WithLabelValues("sink_error").Inc()
		r.logger.Warn("tracking sample not persisted", "booking_id", s.BookingID, "error", err)
		return
	}
	observability.TrackingPersisted.Inc()
}

// Close drains queued samples.
func (r *SampleRecorder) Close() {
	r.once.Do(func() { close(r.stop) })
	r.wg.Wait()
}

// LogSink records samples in the log when no stream is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) PublishSample(_ context.Context, s models.LocationSample) error {
	l.Logger.Debug("tracking sample", "booking_id", s.BookingID, "worker_id", s.WorkerID, "lat", s.Lat, "lng", s.Lng)
	return nil
}
