package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/booking-engine/internal/audit"
	"github.com/example/booking-engine/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded schema files not yet recorded in
// schema_migrations, each in its own transaction, and returns the versions
// it applied.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	if _, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT        PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	files, err := migrationFiles()
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return nil, err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var done []string
	for _, name := range pendingMigrations(files, applied) {
		version := migrationVersion(name)
		b, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return done, fmt.Errorf("read migration %s: %w", version, err)
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return done, err
		}
		if _, err := tx.ExecContext(ctx, string(b)); err != nil {
			_ = tx.Rollback()
			return done, fmt.Errorf("apply migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, version); err != nil {
			_ = tx.Rollback()
			return done, fmt.Errorf("record migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return done, fmt.Errorf("commit migration %s: %w", version, err)
		}
		done = append(done, version)
	}
	return done, nil
}

func migrationFiles() ([]string, error) {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func migrationVersion(name string) string { return strings.TrimSuffix(name, ".sql") }

// pendingMigrations keeps the files whose version is not applied, in order.
func pendingMigrations(files []string, applied map[string]bool) []string {
	var out []string
	for _, f := range files {
		if !applied[migrationVersion(f)] {
			out = append(out, f)
		}
	}
	return out
}

// mapErr turns a unique violation into a ConflictError.
func mapErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return &ConflictError{Constraint: pqErr.Constraint}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

const bookingColumns = `id, customer_id, worker_id, status, history, slot_time, address, service_id, category,
addons, price, payment_method, payment_status, payment_ref, assignment_mode, assignment_reason,
strict_worker, requested_worker_id, needs_manual_assignment, source_booking_id, is_rebook,
rebook_version, idempotency_key, conversation_id, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	var (
		b                                   models.Booking
		workerID, idemKey                   sql.NullString
		history, address, addons, priceJSON []byte
		status, method, payStatus, mode     string
	)
	err := row.Scan(&b.ID, &b.CustomerID, &workerID, &status, &history, &b.SlotTime, &address,
		&b.ServiceID, &b.Category, &addons, &priceJSON, &method, &payStatus, &b.PaymentRef, &mode,
		&b.AssignmentReason, &b.StrictWorker, &b.RequestedWorkerID, &b.NeedsManualAssignment,
		&b.SourceBookingID, &b.IsRebook, &b.RebookVersion, &idemKey, &b.ConversationID, &b.Version,
		&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if workerID.Valid {
		w := workerID.String
		b.WorkerID = &w
	}
	b.IdempotencyKey = idemKey.String
	b.Status = models.BookingStatus(status)
	b.PaymentMethod = models.PaymentMethod(method)
	b.PaymentStatus = models.PaymentStatus(payStatus)
	b.AssignmentMode = models.AssignmentMode(mode)
	for _, f := range []struct {
		raw []byte
		dst any
	}{{history, &b.History}, {address, &b.Address}, {addons, &b.Addons}, {priceJSON, &b.Price}} {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode booking %s: %w", b.ID, err)
		}
	}
	return &b, nil
}

func bookingJSON(b *models.Booking) (history, address, addons, price []byte, err error) {
	if history, err = json.Marshal(b.History); err != nil {
		return
	}
	if address, err = json.Marshal(b.Address); err != nil {
		return
	}
	if addons, err = json.Marshal(b.Addons); err != nil {
		return
	}
	price, err = json.Marshal(b.Price)
	return
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func nullPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return nullString(*s)
}

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	return scanBooking(p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=$1`, id))
}

func (p *PostgresStore) FindByIdempotencyKey(ctx context.Context, customerID, key string) (*models.Booking, error) {
	return scanBooking(p.db.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE customer_id=$1 AND idempotency_key=$2`, customerID, key))
}

func (p *PostgresStore) FindActiveAtSlot(ctx context.Context, customerID string, slot time.Time, excludeID string) (*models.Booking, error) {
	return scanBooking(p.db.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings
		 WHERE customer_id=$1 AND slot_time=$2 AND id<>$3
		   AND status IN ('confirmed','assigned','onway','working')
		 LIMIT 1`, customerID, slot, excludeID))
}

func (p *PostgresStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	history, address, addons, price, err := bookingJSON(b)
	if err != nil {
		return err
	}
	b.Version = 1
	_, err = p.db.ExecContext(ctx, `INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)`,
		b.ID, b.CustomerID, nullPtr(b.WorkerID), string(b.Status), history, b.SlotTime, address, b.ServiceID,
		b.Category, addons, price, string(b.PaymentMethod), string(b.PaymentStatus), b.PaymentRef,
		string(b.AssignmentMode), b.AssignmentReason, b.StrictWorker, b.RequestedWorkerID,
		b.NeedsManualAssignment, b.SourceBookingID, b.IsRebook, b.RebookVersion,
		nullString(b.IdempotencyKey), b.ConversationID, b.Version, b.CreatedAt, b.UpdatedAt)
	return mapErr(err)
}

func (p *PostgresStore) UpdateBooking(ctx context.Context, b *models.Booking) error {
	history, _, _, _, err := bookingJSON(b)
	if err != nil {
		return err
	}
	now := time.Now()
	res, err := p.db.ExecContext(ctx, `UPDATE bookings SET
		worker_id=$1, status=$2, history=$3, payment_status=$4, payment_ref=$5, assignment_mode=$6,
		assignment_reason=$7, needs_manual_assignment=$8, conversation_id=$9,
		version=version+1, updated_at=$10
		WHERE id=$11 AND version=$12`,
		nullPtr(b.WorkerID), string(b.Status), history, string(b.PaymentStatus), b.PaymentRef,
		string(b.AssignmentMode), b.AssignmentReason, b.NeedsManualAssignment, b.ConversationID,
		now, b.ID, b.Version)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.GetBooking(ctx, b.ID); err != nil {
			return err
		}
		return ErrStale
	}
	b.Version++
	b.UpdatedAt = now
	return nil
}

func (p *PostgresStore) WorkerBookingsBetween(ctx context.Context, workerID string, from, to time.Time) ([]*models.Booking, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE worker_id=$1 AND slot_time >= $2 AND slot_time < $3
		  AND status IN ('confirmed','assigned','onway','working')
		ORDER BY slot_time`, workerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertConversation(ctx context.Context, customerID, workerID, bookingID string) (*models.Conversation, error) {
	c := &models.Conversation{}
	err := p.db.QueryRowContext(ctx, `INSERT INTO conversations (id, customer_id, worker_id, booking_id)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT ON CONSTRAINT conversations_members_booking
		DO UPDATE SET last_activity_at = NOW()
		RETURNING id, customer_id, worker_id, booking_id, last_activity_at, created_at`,
		uuid.NewString(), customerID, workerID, bookingID,
	).Scan(&c.ID, &c.CustomerID, &c.WorkerID, &c.BookingID, &c.LastActivityAt, &c.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return c, nil
}

func (p *PostgresStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	c := &models.Conversation{}
	err := p.db.QueryRowContext(ctx, `SELECT id, customer_id, worker_id, booking_id, last_activity_at, created_at
		FROM conversations WHERE id=$1`, id,
	).Scan(&c.ID, &c.CustomerID, &c.WorkerID, &c.BookingID, &c.LastActivityAt, &c.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return c, nil
}

func (p *PostgresStore) SaveMessage(ctx context.Context, m *models.ChatMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `INSERT INTO chat_messages (id, conversation_id, sender_id, sender_role, body, client_msg_id, sent_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		m.ID, m.ConversationID, m.SenderID, string(m.SenderRole), m.Text, m.ClientMsgID, m.SentAt); err != nil {
		return mapErr(err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET last_activity_at=$1 WHERE id=$2`, m.SentAt, m.ConversationID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) DebitWallet(ctx context.Context, userID string, amount int64, ref string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `UPDATE wallets SET balance = balance - $1, updated_at = NOW()
		WHERE user_id=$2 AND balance >= $1`, amount, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientFunds
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO wallet_ledger (user_id, delta, ref) VALUES ($1,$2,$3)`, userID, -amount, ref); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) CreditWallet(ctx context.Context, userID string, amount int64, ref string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `INSERT INTO wallets (user_id, balance) VALUES ($1,$2)
		ON CONFLICT (user_id) DO UPDATE SET balance = wallets.balance + EXCLUDED.balance, updated_at = NOW()`,
		userID, amount); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO wallet_ledger (user_id, delta, ref) VALUES ($1,$2,$3)`, userID, amount, ref); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) WalletBalance(ctx context.Context, userID string) (int64, error) {
	var bal int64
	err := p.db.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE user_id=$1`, userID).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return bal, err
}

func (p *PostgresStore) SavePayment(ctx context.Context, pay *models.Payment) error {
	if pay.ID == "" {
		pay.ID = uuid.NewString()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO payments (id, booking_ref, user_id, method, amount, currency, status, provider, provider_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		pay.ID, pay.BookingRef, pay.UserID, string(pay.Method), pay.Amount, pay.Currency, string(pay.Status),
		pay.Provider, pay.ProviderID, pay.CreatedAt)
	return mapErr(err)
}

func (p *PostgresStore) UpdatePaymentStatus(ctx context.Context, id string, status models.PaymentStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE payments SET status=$1 WHERE id=$2`, string(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveAudit implements audit.Store.
func (p *PostgresStore) SaveAudit(ctx context.Context, e *audit.Entry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO audit_log (id, at, actor_id, actor_role, action, target_type, target_id, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.At, e.ActorID, string(e.ActorRole), e.Action, e.TargetType, e.TargetID, meta)
	return err
}
