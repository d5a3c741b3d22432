package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lng"`
}

// Address is the structured service location of a booking.
type Address struct {
	Line1    string `json:"line1" validate:"required"`
	Line2    string `json:"line2,omitempty"`
	City     string `json:"city" validate:"required"`
	Postcode string `json:"postcode,omitempty"`
	Loc      Coord  `json:"location"`
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleWorker   Role = "worker"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

// Identity is an authenticated caller.
type Identity struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// SystemActor is recorded for automated transitions.
var SystemActor = Identity{UserID: "system", Role: RoleSystem}

type Worker struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Categories   []string  `json:"categories"`
	Loc          Coord     `json:"loc"`
	Rating       float64   `json:"rating"` // 0..5
	Active       bool      `json:"active"`
	RadiusMeters float64   `json:"radiusMeters"`
	Updated      time.Time `json:"updated"`
}

func (w Worker) Offers(category string) bool {
	for _, c := range w.Categories {
		if c == category {
			return true
		}
	}
	return false
}

type BookingStatus string

const (
	StatusConfirmed BookingStatus = "confirmed"
	StatusAssigned  BookingStatus = "assigned"
	StatusOnway     BookingStatus = "onway"
	StatusWorking   BookingStatus = "working"
	StatusCompleted BookingStatus = "completed"
	StatusCancelled BookingStatus = "cancelled"
)

// Active reports whether the status is non-terminal.
func (s BookingStatus) Active() bool {
	switch s {
	case StatusConfirmed, StatusAssigned, StatusOnway, StatusWorking:
		return true
	}
	return false
}

// ActiveStatuses lists the non-terminal statuses.
var ActiveStatuses = []BookingStatus{StatusConfirmed, StatusAssigned, StatusOnway, StatusWorking}

type StatusEntry struct {
	Status    BookingStatus `json:"status"`
	ActorRole Role          `json:"actorRole"`
	ActorID   string        `json:"actorId"`
	Note      string        `json:"note,omitempty"`
	At        time.Time     `json:"at"`
}

type AssignmentMode string

const (
	AssignmentAuto   AssignmentMode = "auto"
	AssignmentManual AssignmentMode = "manual"
)

type PaymentMethod string

const (
	PaymentWallet PaymentMethod = "wallet"
	PaymentOnline PaymentMethod = "online"
	PaymentCOD    PaymentMethod = "cod"
)

type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

type PriceItem struct {
	Code   string `json:"code"`
	Label  string `json:"label"`
	Amount int64  `json:"amount"`
}

// PriceBreakdown amounts are in minor currency units.
type PriceBreakdown struct {
	Items    []PriceItem `json:"items"`
	Subtotal int64       `json:"subtotal"`
	Tax      int64       `json:"tax"`
	Total    int64       `json:"total"`
	Currency string      `json:"currency"`
}

type Booking struct {
	ID         string  `json:"id"`
	CustomerID string  `json:"customerId"`
	WorkerID   *string `json:"workerId"`

	Status  BookingStatus `json:"status"`
	History []StatusEntry `json:"statusHistory"`

	SlotTime  time.Time `json:"slotTime"`
	Address   Address   `json:"address"`
	ServiceID string    `json:"serviceId"`
	Category  string    `json:"category"`
	Addons    []string  `json:"addons"`

	Price         PriceBreakdown `json:"price"`
	PaymentMethod PaymentMethod  `json:"paymentMethod"`
	PaymentStatus PaymentStatus  `json:"paymentStatus"`
	PaymentRef    string         `json:"paymentRef,omitempty"`

	AssignmentMode        AssignmentMode `json:"assignmentMode,omitempty"`
	AssignmentReason      string         `json:"assignmentReason,omitempty"`
	StrictWorker          bool           `json:"strictWorker"`
	RequestedWorkerID     string         `json:"requestedWorkerId,omitempty"`
	NeedsManualAssignment bool           `json:"needsManualAssignment"`

	SourceBookingID string `json:"sourceBookingId,omitempty"`
	IsRebook        bool   `json:"isRebook"`
	RebookVersion   int    `json:"rebookVersion"`

	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`

	// Version is bumped on every persisted mutation.
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AssignedWorker returns the worker id or "".
func (b *Booking) AssignedWorker() string {
	if b.WorkerID == nil {
		return ""
	}
	return *b.WorkerID
}

// Served reports whether a worker ever started the job.
func (b *Booking) Served() bool {
	for _, h := range b.History {
		if h.Status == StatusWorking || h.Status == StatusCompleted {
			return true
		}
	}
	return false
}

// RootID is the lineage anchor for further rebooks.
func (b *Booking) RootID() string {
	if b.SourceBookingID != "" {
		return b.SourceBookingID
	}
	return b.ID
}

func (b *Booking) Clone() *Booking {
	c := *b
	if b.WorkerID != nil {
		w := *b.WorkerID
		c.WorkerID = &w
	}
	c.History = append([]StatusEntry(nil), b.History...)
	c.Addons = append([]string(nil), b.Addons...)
	c.Price.Items = append([]PriceItem(nil), b.Price.Items...)
	return &c
}

type Conversation struct {
	ID             string    `json:"id"`
	CustomerID     string    `json:"customerId"`
	WorkerID       string    `json:"workerId"`
	BookingID      string    `json:"bookingId,omitempty"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	CreatedAt      time.Time `json:"createdAt"`
}

// HasMember reports whether userID is one of the two participants.
func (c *Conversation) HasMember(userID string) bool {
	return userID != "" && (c.CustomerID == userID || c.WorkerID == userID)
}

type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderRole     Role      `json:"senderRole"`
	Text           string    `json:"text"`
	ClientMsgID    string    `json:"clientMsgId,omitempty"`
	SentAt         time.Time `json:"sentAt"`
}

type Payment struct {
	ID         string        `json:"id"`
	BookingRef string        `json:"bookingRef,omitempty"`
	UserID     string        `json:"userId"`
	Method     PaymentMethod `json:"method"`
	Amount     int64         `json:"amount"`
	Currency   string        `json:"currency"`
	Status     PaymentStatus `json:"status"`
	Provider   string        `json:"provider"`
	ProviderID string        `json:"providerId,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// LocationSample is one live position published on a tracking room.
type LocationSample struct {
	BookingID string    `json:"bookingId"`
	WorkerID  string    `json:"workerId"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	At        time.Time `json:"at"`
}
