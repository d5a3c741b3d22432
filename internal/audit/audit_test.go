package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/booking-engine/internal/logging"
	"github.com/example/booking-engine/internal/models"
)

func TestRecordIsPersistedAsync(t *testing.T) {
	store := &MemoryStore{}
	l := NewLogger(store, logging.Discard(), 10)
	l.Record(context.Background(), "u1", models.RoleCustomer, "booking.rebooked", "booking", "b1", map[string]any{"k": "v"})
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	got := store.Entries()
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	e := got[0]
	if e.ID == "" || e.Action != "booking.rebooked" || e.TargetID != "b1" || e.ActorRole != models.RoleCustomer {
		t.Fatalf("unexpected entry %+v", e)
	}
}

type stuckStore struct{ release chan struct{} }

func (s *stuckStore) SaveAudit(context.Context, *Entry) error {
	<-s.release
	return nil
}

func TestRecordNeverBlocksWhenBufferFull(t *testing.T) {
	s := &stuckStore{release: make(chan struct{})}
	l := NewLogger(s, logging.Discard(), 1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			l.Record(context.Background(), "u", models.RoleSystem, "x", "booking", "b", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full buffer")
	}
	close(s.release)
	_ = l.Close()
}

type failingStore struct{}

func (failingStore) SaveAudit(context.Context, *Entry) error { return errors.New("db down") }

func TestStoreFailureIsSwallowed(t *testing.T) {
	l := NewLogger(failingStore{}, logging.Discard(), 4)
	l.Record(context.Background(), "u", models.RoleAdmin, "x", "booking", "b", nil)
	if err := l.Close(); err != nil {
		t.Fatalf("close returned %v", err)
	}
}

func TestRecordAfterCloseIsDropped(t *testing.T) {
	store := &MemoryStore{}
	l := NewLogger(store, logging.Discard(), 4)
	_ = l.Close()
	l.Record(context.Background(), "u", models.RoleAdmin, "late", "booking", "b", nil)
	if len(store.Entries()) != 0 {
		t.Fatal("expected no entries after close")
	}
}
