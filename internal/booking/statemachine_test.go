package booking

import (
	"math/rand"
	"testing"
	"time"

	"github.com/example/booking-engine/internal/models"
)

var allStatuses = []models.BookingStatus{
	models.StatusConfirmed, models.StatusAssigned, models.StatusOnway,
	models.StatusWorking, models.StatusCompleted, models.StatusCancelled,
}

func TestTransitionTable(t *testing.T) {
	legal := map[[2]models.BookingStatus]bool{
		{models.StatusConfirmed, models.StatusAssigned}:  true,
		{models.StatusAssigned, models.StatusOnway}:      true,
		{models.StatusOnway, models.StatusWorking}:       true,
		{models.StatusWorking, models.StatusCompleted}:   true,
		{models.StatusConfirmed, models.StatusCancelled}: true,
		{models.StatusAssigned, models.StatusCancelled}:  true,
		{models.StatusOnway, models.StatusCancelled}:     true,
		{models.StatusWorking, models.StatusCancelled}:   true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			b := &models.Booking{Status: from, History: []models.StatusEntry{{Status: from}}}
			err := Transition(b, to, admin, "", now)
			want := legal[[2]models.BookingStatus{from, to}]
			if want && err != nil {
				t.Errorf("%s -> %s should be legal: %v", from, to, err)
			}
			if !want {
				if CodeOf(err) != CodeIllegalTransition {
					t.Errorf("%s -> %s should be illegal, got %v", from, to, err)
				}
				if b.Status != from || len(b.History) != 1 {
					t.Errorf("%s -> %s mutated the booking", from, to)
				}
			}
			if want && (b.Status != to || len(b.History) != 2) {
				t.Errorf("%s -> %s did not append exactly one entry", from, to)
			}
		}
	}
}

func TestInitializeWithWorkerWritesTwoEntries(t *testing.T) {
	w := "w1"
	b := &models.Booking{WorkerID: &w, AssignmentReason: "auto-matched (score 0.9)"}
	initialize(b, customer, now)
	if b.Status != models.StatusAssigned || len(b.History) != 2 {
		t.Fatalf("unexpected init %+v", b.History)
	}
	if b.History[0].Status != models.StatusConfirmed || b.History[0].ActorID != customer.UserID {
		t.Fatalf("first entry %+v", b.History[0])
	}
	if b.History[1].ActorRole != models.RoleSystem || b.History[1].ActorID != "system" {
		t.Fatalf("second entry should be system, got %+v", b.History[1])
	}

	u := &models.Booking{}
	initialize(u, customer, now)
	if u.Status != models.StatusConfirmed || len(u.History) != 1 {
		t.Fatalf("unassigned init %+v", u.History)
	}
}

// Random walks over the lifecycle graph always yield a valid history.
func TestRandomWalksProduceValidHistory(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		b := &models.Booking{}
		initialize(b, customer, now)
		at := now
		for step := 0; step < 12 && b.Status.Active(); step++ {
			at = at.Add(time.Minute)
			var opts []func() error
			for _, to := range forward[b.Status] {
				to := to
				opts = append(opts, func() error { return Transition(b, to, admin, "", at) })
			}
			if canReassign(b.Status) {
				opts = append(opts, func() error { return noteReassignment(b, models.SystemActor, "", at) })
			}
			if err := opts[rng.Intn(len(opts))](); err != nil {
				t.Fatalf("walk %d: %v", i, err)
			}
		}
		if err := ValidHistory(b.History, b.Status); err != nil {
			t.Fatalf("walk %d produced invalid history: %v", i, err)
		}
	}
}

func TestValidHistoryRejectsBackwardEdge(t *testing.T) {
	h := []models.StatusEntry{
		{Status: models.StatusConfirmed, At: now},
		{Status: models.StatusAssigned, At: now},
		{Status: models.StatusOnway, At: now},
		{Status: models.StatusWorking, At: now},
		{Status: models.StatusOnway, At: now},
	}
	if err := ValidHistory(h, models.StatusOnway); err == nil {
		t.Fatal("working -> onway must be rejected")
	}
	if err := ValidHistory(h[:4], models.StatusCompleted); err == nil {
		t.Fatal("status mismatch must be rejected")
	}
	for _, back := range [][2]models.BookingStatus{
		{models.StatusOnway, models.StatusAssigned},
		{models.StatusAssigned, models.StatusConfirmed},
		{models.StatusOnway, models.StatusConfirmed},
	} {
		h := []models.StatusEntry{{Status: models.StatusConfirmed, At: now}, {Status: models.StatusAssigned, At: now}}
		if back[0] == models.StatusOnway {
			h = append(h, models.StatusEntry{Status: models.StatusOnway, At: now})
		}
		h = append(h, models.StatusEntry{Status: back[1], At: now})
		if err := ValidHistory(h, back[1]); err == nil {
			t.Fatalf("%s -> %s must be rejected", back[0], back[1])
		}
	}
}

func TestValidHistorySelfLoops(t *testing.T) {
	h := []models.StatusEntry{
		{Status: models.StatusConfirmed, At: now},
		{Status: models.StatusAssigned, At: now},
		{Status: models.StatusAssigned, At: now},
		{Status: models.StatusOnway, At: now},
		{Status: models.StatusOnway, At: now},
	}
	if err := ValidHistory(h, models.StatusOnway); err != nil {
		t.Fatalf("worker change self-loops are forward-only: %v", err)
	}
	for _, st := range []models.BookingStatus{models.StatusConfirmed, models.StatusWorking} {
		loop := []models.StatusEntry{{Status: models.StatusConfirmed, At: now}}
		if st == models.StatusWorking {
			loop = append(loop, h[1], h[3], models.StatusEntry{Status: models.StatusWorking, At: now})
		}
		loop = append(loop, models.StatusEntry{Status: st, At: now})
		if err := ValidHistory(loop, st); err == nil {
			t.Fatalf("self-loop at %s must be rejected", st)
		}
	}
}

func TestNoteReassignmentKeepsStatus(t *testing.T) {
	b := &models.Booking{}
	initialize(b, customer, now)
	if err := Transition(b, models.StatusAssigned, admin, "", now); err != nil {
		t.Fatal(err)
	}
	if err := Transition(b, models.StatusOnway, admin, "", now); err != nil {
		t.Fatal(err)
	}
	if err := noteReassignment(b, models.SystemActor, "worker changed", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	last := b.History[len(b.History)-1]
	if b.Status != models.StatusOnway || last.Status != models.StatusOnway || last.Note != "worker changed" {
		t.Fatalf("unexpected reassignment entry %+v status=%s", last, b.Status)
	}

	for _, st := range []models.BookingStatus{models.StatusConfirmed, models.StatusWorking, models.StatusCompleted} {
		b := &models.Booking{Status: st, History: []models.StatusEntry{{Status: st}}}
		if err := noteReassignment(b, models.SystemActor, "", now); CodeOf(err) != CodeIllegalTransition {
			t.Fatalf("%s: expected illegal transition, got %v", st, err)
		}
		if len(b.History) != 1 {
			t.Fatalf("%s: history mutated", st)
		}
	}
}
