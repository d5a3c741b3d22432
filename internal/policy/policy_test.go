package policy

import (
	"reflect"
	"testing"
	"time"

	"github.com/example/booking-engine/internal/models"
)

func TestRebookBlockers(t *testing.T) {
	now := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)
	p := Default()
	p.NonRebookable = []string{"one-off"}
	served := []models.StatusEntry{{Status: models.StatusConfirmed}, {Status: models.StatusWorking}, {Status: models.StatusCancelled}}

	cases := []struct {
		name string
		b    models.Booking
		want []string
	}{
		{"completed recent", models.Booking{Status: models.StatusCompleted, SlotTime: now.AddDate(0, -1, 0)}, nil},
		{"active", models.Booking{Status: models.StatusAssigned, SlotTime: now}, []string{ReasonSourceActive}},
		{"cancelled unserved", models.Booking{Status: models.StatusCancelled, SlotTime: now}, []string{ReasonCancelledWithoutService}},
		{"cancelled served", models.Booking{Status: models.StatusCancelled, SlotTime: now, History: served}, nil},
		{"too old", models.Booking{Status: models.StatusCompleted, SlotTime: now.AddDate(-2, 0, 0)}, []string{ReasonSourceTooOld}},
		{"service blocked", models.Booking{Status: models.StatusCompleted, SlotTime: now, ServiceID: "one-off"}, []string{ReasonRebookDisabledForService}},
	}
	for _, c := range cases {
		got := p.RebookBlockers(&c.b, now)
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("%s: got %v want %v", c.name, got, c.want)
		}
	}
}
