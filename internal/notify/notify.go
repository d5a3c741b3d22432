// Package notify delivers user-targeted notifications through several
// sinks. Delivery is fire-and-forget: a failing sink is logged and counted,
// never reported to the booking flow.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/booking-engine/internal/observability"
)

type Notification struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Href  string         `json:"href,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Notifier is one delivery channel.
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// Sink names a Notifier for logs and metrics.
type Sink struct {
	Name     string
	Notifier Notifier
}

// Dispatcher fans a notification out to every sink on background goroutines.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewDispatcher(logger *slog.Logger, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Dispatcher{sinks: sinks, timeout: timeout, logger: logger}
}

// Notify returns immediately.
func (d *Dispatcher) Notify(userID string, n Notification) {
	if userID == "" {
		return
	}
	for _, s := range d.sinks {
		d.wg.Add(1)
		go func(s Sink) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := s.Notifier.Notify(ctx, userID, n); err != nil {
				observability.NotifyErrors.WithLabelValues(s.Name).Inc()
				d.logger.Warn("notification failed", "sink", s.Name, "user_id", userID, "error", err)
			}
		}(s)
	}
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// LogNotifier writes notifications to the log; used when no broker is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(_ context.Context, userID string, n Notification) error {
	l.Logger.Info("notification", "user_id", userID, "title", n.Title, "href", n.Href)
	return nil
}
