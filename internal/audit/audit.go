// Package audit records who did what to which booking. Recording is
// asynchronous and best-effort: Record never blocks and never fails the
// caller.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/booking-engine/internal/models"
	"github.com/example/booking-engine/internal/observability"
)

type Entry struct {
	ID         string         `json:"id"`
	At         time.Time      `json:"at"`
	ActorID    string         `json:"actorId"`
	ActorRole  models.Role    `json:"actorRole"`
	Action     string         `json:"action"`
	TargetType string         `json:"targetType"`
	TargetID   string         `json:"targetId"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Store persists entries.
type Store interface {
	SaveAudit(ctx context.Context, e *Entry) error
}

// Recorder is what the booking engine depends on.
type Recorder interface {
	Record(ctx context.Context, actorID string, actorRole models.Role, action, targetType, targetID string, metadata map[string]any)
}

type Logger struct {
	store  Store
	logger *slog.Logger
	events chan *Entry
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewLogger(store Store, logger *slog.Logger, bufferSize int) *Logger {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	l := &Logger{
		store:  store,
		logger: logger,
		events: make(chan *Entry, bufferSize),
		stop:   make(chan struct{}),
		now:    time.Now,
	}
	l.wg.Add(1)
	go l.writer()
	return l
}

func (l *Logger) writer() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stop:
			for {
				select {
				case e := <-l.events:
					l.write(e)
				default:
					return
				}
			}
		case e := <-l.events:
			l.write(e)
		}
	}
}

func (l *Logger) write(e *Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.store.SaveAudit(ctx, e); err != nil {
		observability.AuditDropped.Inc()
		l.logger.Error("failed to save audit entry", "action", e.Action, "target_id", e.TargetID, "error", err)
	}
}

// Record enqueues an entry; when the buffer is full the entry is dropped.
func (l *Logger) Record(_ context.Context, actorID string, actorRole models.Role, action, targetType, targetID string, metadata map[string]any) {
	e := &Entry{
		ID:         uuid.NewString(),
		At:         l.now().UTC(),
		ActorID:    actorID,
		ActorRole:  actorRole,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   metadata,
	}
	select {
	case <-l.stop:
		observability.AuditDropped.Inc()
		return
	default:
	}
	select {
	case l.events <- e:
	default:
		observability.AuditDropped.Inc()
		l.logger.Warn("audit buffer full, dropping entry", "action", action, "target_id", targetID)
	}
}

// Close drains buffered entries and stops the writer.
func (l *Logger) Close() error {
	l.once.Do(func() { close(l.stop) })
	l.wg.Wait()
	return nil
}

// SlogStore writes entries to a logger; used when no database is configured.
type SlogStore struct {
	Logger *slog.Logger
}

func (s SlogStore) SaveAudit(_ context.Context, e *Entry) error {
	s.Logger.Info("audit",
		"audit_id", e.ID,
		"actor_id", e.ActorID,
		"actor_role", string(e.ActorRole),
		"action", e.Action,
		"target_type", e.TargetType,
		"target_id", e.TargetID,
		"metadata", e.Metadata,
	)
	return nil
}

// MemoryStore keeps entries in memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *MemoryStore) SaveAudit(_ context.Context, e *Entry) error {
	m.mu.Lock()
	m.entries = append(m.entries, *e)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Actions returns the recorded action names in order.
func (m *MemoryStore) Actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Action)
	}
	return out
}
