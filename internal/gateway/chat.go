package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/booking-engine/internal/models"
	"github.com/example/booking-engine/internal/observability"
)

// MessageStore is the durable chat history.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *models.ChatMessage) error
}

// ChatPersister writes chat messages off the connection goroutines through
// a bounded queue drained by a small worker pool. The queue is never closed,
// so Offer stays safe after Close.
type ChatPersister struct {
	store  MessageStore
	logger *slog.Logger
	queue  chan models.ChatMessage
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewChatPersister(store MessageStore, logger *slog.Logger, queueLen, workers int) *ChatPersister {
	if queueLen <= 0 {
		queueLen = 1024
	}
	if workers <= 0 {
		workers = 2
	}
	p := &ChatPersister{
		store:  store,
		logger: logger,
		queue:  make(chan models.ChatMessage, queueLen),
		stop:   make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *ChatPersister) Offer(msg models.ChatMessage) {
	select {
	case <-p.stop:
		observability.ChatPersistFailures.WithLabelValues("closed").Inc()
		p.logger.Warn("chat persister closed, dropping message", "conversation_id", msg.ConversationID, "message_id", msg.ID)
		return
	default:
	}
	select {
	case p.queue <- msg:
	default:
		observability.ChatPersistFailures.WithLabelValues("queue_full").Inc()
		p.logger.Warn("chat persist queue full", "conversation_id", msg.ConversationID, "message_id", msg.ID)
	}
}

func (p *ChatPersister) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			for {
				select {
				case msg := <-p.queue:
					p.save(msg)
				default:
					return
				}
			}
		case msg := <-p.queue:
			p.save(msg)
		}
	}
}

func (p *ChatPersister) save(msg models.ChatMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.SaveMessage(ctx, &msg); err != nil {
		observability.ChatPersistFailures.WithLabelValues("store_error").Inc()
		p.logger.Warn("chat message not persisted", "conversation_id", msg.ConversationID, "message_id", msg.ID, "error", err)
	}
}

// Close drains queued messages and stops the workers.
func (p *ChatPersister) Close() {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
}
