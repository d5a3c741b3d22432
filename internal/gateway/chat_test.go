package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/example/booking-engine/internal/models"
)

type recordingStore struct {
	mu    sync.Mutex
	saved []string
	fail  bool
}

func (s *recordingStore) SaveMessage(_ context.Context, msg *models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("db down")
	}
	s.saved = append(s.saved, msg.ID)
	return nil
}

func TestChatPersister_DrainsOnClose(t *testing.T) {
	store := &recordingStore{}
	p := NewChatPersister(store, slog.New(slog.NewTextHandler(io.Discard, nil)), 16, 2)
	for _, id := range []string{"m1", "m2", "m3"} {
		p.Offer(models.ChatMessage{ID: id, ConversationID: "c1"})
	}
	p.Close()
	if len(store.saved) != 3 {
		t.Fatalf("expected 3 saved messages, got %v", store.saved)
	}
}

func TestChatPersister_StoreErrorDoesNotStop(t *testing.T) {
	store := &recordingStore{fail: true}
	p := NewChatPersister(store, slog.New(slog.NewTextHandler(io.Discard, nil)), 4, 1)
	p.Offer(models.ChatMessage{ID: "m1"})
	p.Offer(models.ChatMessage{ID: "m2"})
	p.Close()
	if len(store.saved) != 0 {
		t.Fatalf("nothing should be recorded when the store fails")
	}
}

func TestChatPersister_OfferAfterClose(t *testing.T) {
	store := &recordingStore{}
	p := NewChatPersister(store, slog.New(slog.NewTextHandler(io.Discard, nil)), 4, 1)
	p.Close()
	p.Offer(models.ChatMessage{ID: "late"})
	p.Close()
	if len(store.saved) != 0 {
		t.Fatalf("late message must be dropped, got %v", store.saved)
	}
}
