package booking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/booking-engine/internal/captoken"
	"github.com/example/booking-engine/internal/eta"
	"github.com/example/booking-engine/internal/geo"
	"github.com/example/booking-engine/internal/logging"
	"github.com/example/booking-engine/internal/matcher"
	"github.com/example/booking-engine/internal/models"
	"github.com/example/booking-engine/internal/notify"
	"github.com/example/booking-engine/internal/payments"
	"github.com/example/booking-engine/internal/policy"
	"github.com/example/booking-engine/internal/pricing"
	"github.com/example/booking-engine/internal/storage"
)

var (
	now      = time.Date(2030, 3, 4, 9, 0, 0, 0, time.UTC)
	home     = models.Address{Line1: "1 Main St", City: "Springfield", Loc: models.Coord{Lat: 12.97, Lon: 77.59}}
	customer = models.Identity{UserID: "c1", Role: models.RoleCustomer}
	admin    = models.Identity{UserID: "a1", Role: models.RoleAdmin}
)

type fakeAudit struct {
	mu      sync.Mutex
	actions []string
	targets []string // "type:id"
	meta    []map[string]any
}

func (f *fakeAudit) Record(_ context.Context, _ string, _ models.Role, action, targetType, targetID string, meta map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	f.targets = append(f.targets, targetType+":"+targetID)
	f.meta = append(f.meta, meta)
}

// target returns the "type:id" of the first entry with action.
func (f *fakeAudit) target(action string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, a := range f.actions {
		if a == action {
			return f.targets[i]
		}
	}
	return ""
}

func (f *fakeAudit) has(action string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.actions {
		if a == action {
			return true
		}
	}
	return false
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent map[string][]notify.Notification
}

func (f *fakeNotifier) Notify(userID string, n notify.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = map[string][]notify.Notification{}
	}
	f.sent[userID] = append(f.sent[userID], n)
}

func (f *fakeNotifier) count(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[userID])
}

type harness struct {
	svc      *Service
	store    *storage.MemoryStore
	geo      *geo.Index
	audit    *fakeAudit
	notifier *fakeNotifier
}

func worker(id string, rating float64) models.Worker {
	return models.Worker{ID: id, Name: id, Active: true, Rating: rating, Categories: []string{"cleaning"}, Loc: home.Loc}
}

// newHarness wires a Service over in-memory collaborators. store may wrap
// the memory store to inject faults.
func newHarness(t *testing.T, wrap func(*storage.MemoryStore) Store, workers ...models.Worker) *harness {
	t.Helper()
	mem := storage.NewMemoryStore()
	var st Store = mem
	if wrap != nil {
		st = wrap(mem)
	}
	idx := geo.NewIndex()
	for _, w := range workers {
		if err := idx.Upsert(context.Background(), w); err != nil {
			t.Fatal(err)
		}
	}
	cat, err := pricing.Load("", 0)
	if err != nil {
		t.Fatal(err)
	}
	tokens, err := captoken.NewAuthority([]byte("0123456789abcdef"), captoken.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{store: mem, geo: idx, audit: &fakeAudit{}, notifier: &fakeNotifier{}}
	h.svc = NewService(Deps{
		Store:    st,
		Matcher:  &matcher.Service{Geo: idx, Schedule: mem, ETA: &eta.Estimator{SpeedMps: 10}, TopN: 5, RadiusM: 15000},
		Catalog:  cat,
		Payments: payments.NewService(mem, mem, payments.DemoGateway{}),
		Notifier: h.notifier,
		Audit:    h.audit,
		Policy:   policy.Static{P: policy.Default()},
		Tokens:   tokens,
		Logger:   logging.Discard(),
	})
	h.svc.now = func() time.Time { return now }
	return h
}

// seedCompleted stores a finished booking served by workerID.
func (h *harness) seedCompleted(t *testing.T, workerID string, slot time.Time) *models.Booking {
	t.Helper()
	w := workerID
	sys := models.SystemActor
	b := &models.Booking{
		CustomerID:    customer.UserID,
		WorkerID:      &w,
		Status:        models.StatusCompleted,
		SlotTime:      slot,
		Address:       home,
		ServiceID:     "standard-clean",
		Category:      "cleaning",
		PaymentMethod: models.PaymentCOD,
		PaymentStatus: models.PaymentPaid,
		History: []models.StatusEntry{
			{Status: models.StatusConfirmed, ActorRole: models.RoleCustomer, ActorID: customer.UserID, At: slot.Add(-48 * time.Hour)},
			{Status: models.StatusAssigned, ActorRole: sys.Role, ActorID: sys.UserID, At: slot.Add(-48 * time.Hour)},
			{Status: models.StatusOnway, ActorRole: models.RoleWorker, ActorID: w, At: slot.Add(-time.Hour)},
			{Status: models.StatusWorking, ActorRole: models.RoleWorker, ActorID: w, At: slot},
			{Status: models.StatusCompleted, ActorRole: models.RoleWorker, ActorID: w, At: slot.Add(2 * time.Hour)},
		},
	}
	if err := h.store.CreateBooking(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	return b
}

func boolPtr(v bool) *bool { return &v }

func mustCode(t *testing.T, err error, code string) *Error {
	t.Helper()
	if CodeOf(err) != code {
		t.Fatalf("expected code %s, got %v", code, err)
	}
	return err.(*Error)
}
