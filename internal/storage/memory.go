package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/booking-engine/internal/models"
)

// MemoryStore emulates the Postgres unique constraints so the engine
// behaves identically without a database.
type MemoryStore struct {
	mu            sync.RWMutex
	bookings      map[string]*models.Booking
	conversations map[string]*models.Conversation
	messages      []*models.ChatMessage
	wallets       map[string]int64
	payments      map[string]*models.Payment
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings:      make(map[string]*models.Booking),
		conversations: make(map[string]*models.Conversation),
		wallets:       make(map[string]int64),
		payments:      make(map[string]*models.Payment),
		now:           time.Now,
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) GetBooking(_ context.Context, id string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (m *MemoryStore) FindByIdempotencyKey(_ context.Context, customerID, key string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b := m.byIdemLocked(customerID, key); b != nil {
		return b.Clone(), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) FindActiveAtSlot(_ context.Context, customerID string, slot time.Time, excludeID string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b := m.activeAtSlotLocked(customerID, slot, excludeID); b != nil {
		return b.Clone(), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CreateBooking(_ context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.IdempotencyKey != "" && m.byIdemLocked(b.CustomerID, b.IdempotencyKey) != nil {
		return &ConflictError{Constraint: ConstraintIdempotency}
	}
	if b.Status.Active() && m.activeAtSlotLocked(b.CustomerID, b.SlotTime, "") != nil {
		return &ConflictError{Constraint: ConstraintActiveSlot}
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.Version = 1
	m.bookings[b.ID] = b.Clone()
	return nil
}

func (m *MemoryStore) UpdateBooking(_ context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bookings[b.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != b.Version {
		return ErrStale
	}
	b.Version++
	b.UpdatedAt = m.now()
	m.bookings[b.ID] = b.Clone()
	return nil
}

func (m *MemoryStore) WorkerBookingsBetween(_ context.Context, workerID string, from, to time.Time) ([]*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Booking
	for _, b := range m.bookings {
		if b.AssignedWorker() != workerID || !b.Status.Active() {
			continue
		}
		if !b.SlotTime.Before(from) && b.SlotTime.Before(to) {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotTime.Before(out[j].SlotTime) })
	return out, nil
}

func (m *MemoryStore) byIdemLocked(customerID, key string) *models.Booking {
	for _, b := range m.bookings {
		if b.CustomerID == customerID && b.IdempotencyKey == key {
			return b
		}
	}
	return nil
}

func (m *MemoryStore) activeAtSlotLocked(customerID string, slot time.Time, excludeID string) *models.Booking {
	for _, b := range m.bookings {
		if b.ID == excludeID || b.CustomerID != customerID || !b.Status.Active() {
			continue
		}
		if b.SlotTime.Equal(slot) {
			return b
		}
	}
	return nil
}

func (m *MemoryStore) UpsertConversation(_ context.Context, customerID, workerID, bookingID string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, c := range m.conversations {
		if c.CustomerID == customerID && c.WorkerID == workerID && c.BookingID == bookingID {
			c.LastActivityAt = now
			cp := *c
			return &cp, nil
		}
	}
	c := &models.Conversation{
		ID:             uuid.NewString(),
		CustomerID:     customerID,
		WorkerID:       workerID,
		BookingID:      bookingID,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	m.conversations[c.ID] = c
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) SaveMessage(_ context.Context, msg *models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	cp := *msg
	m.messages = append(m.messages, &cp)
	c.LastActivityAt = msg.SentAt
	return nil
}

// Messages returns the stored messages of a conversation in send order.
func (m *MemoryStore) Messages(conversationID string) []models.ChatMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ChatMessage
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, *msg)
		}
	}
	return out
}

// SetWalletBalance seeds a wallet.
func (m *MemoryStore) SetWalletBalance(userID string, amount int64) {
	m.mu.Lock()
	m.wallets[userID] = amount
	m.mu.Unlock()
}

func (m *MemoryStore) DebitWallet(_ context.Context, userID string, amount int64, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.wallets[userID] < amount {
		return ErrInsufficientFunds
	}
	m.wallets[userID] -= amount
	return nil
}

func (m *MemoryStore) CreditWallet(_ context.Context, userID string, amount int64, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[userID] += amount
	return nil
}

func (m *MemoryStore) WalletBalance(_ context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.wallets[userID], nil
}

func (m *MemoryStore) SavePayment(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdatePaymentStatus(_ context.Context, id string, status models.PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	return nil
}

// Payment returns a stored payment.
func (m *MemoryStore) Payment(id string) (models.Payment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return models.Payment{}, false
	}
	return *p, true
}

// Count returns how many bookings are stored.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bookings)
}
