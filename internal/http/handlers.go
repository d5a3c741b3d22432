package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/booking-engine/internal/auth"
	"github.com/example/booking-engine/internal/booking"
	"github.com/example/booking-engine/internal/geo"
	"github.com/example/booking-engine/internal/models"
	"github.com/example/booking-engine/internal/observability"
)

const maxBodyBytes = 1 << 20

// WorkerPublisher ships accepted worker positions downstream.
type WorkerPublisher interface {
	PublishWorker(ctx context.Context, w models.Worker) error
}

type Deps struct {
	Bookings      *booking.Service
	Geo           geo.Geo
	Workers       WorkerPublisher
	Gateway       http.Handler
	Verifier      auth.Verifier
	SessionCookie string
	// Ready reports whether backing stores answer; nil means always ready.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

type Server struct {
	Deps
	validate *validator.Validate
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Server{Deps: d, validate: newValidator(), mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.Gateway != nil {
		s.mux.Handle("/ws", s.Gateway)
	}

	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.Use(s.authMiddleware)
	internal.HandleFunc("/workers/locations", s.handleWorkerLocation).Methods("POST")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/bookings", s.handleCreate).Methods("POST")
	api.HandleFunc("/bookings/{id}", s.handleGet).Methods("GET")
	api.HandleFunc("/bookings/{id}/status", s.handleStatus).Methods("POST")
	api.HandleFunc("/bookings/{id}/assign", s.handleAssign).Methods("POST")
	api.HandleFunc("/bookings/{id}/unavailable", s.handleUnavailable).Methods("POST")
	api.HandleFunc("/bookings/{id}/rebook", s.handleRebook).Methods("POST")
	api.HandleFunc("/bookings/{id}/tracking-token", s.handleTrackingToken).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Ready(ctx); err != nil {
			s.Logger.Warn("readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "dependencies unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type workerLocationRequest struct {
	ID           string   `json:"id" validate:"required"`
	Name         string   `json:"name"`
	Categories   []string `json:"categories" validate:"required,min=1,dive,required"`
	Lat          *float64 `json:"lat" validate:"required"`
	Lng          *float64 `json:"lng" validate:"required"`
	Rating       float64  `json:"rating" validate:"gte=0,lte=5"`
	Active       *bool    `json:"active"`
	RadiusMeters float64  `json:"radiusMeters" validate:"gte=0"`
}

// handleWorkerLocation accepts a position from a worker for itself, or from
// an admin for anyone.
func (s *Server) handleWorkerLocation(w http.ResponseWriter, r *http.Request) {
	who := identityFrom(r.Context())
	var req workerLocationRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !who.IsAdmin() && (who.Role != models.RoleWorker || who.UserID != req.ID) {
		writeError(w, s.Logger, &booking.Error{Code: booking.CodeForbidden, Message: "workers may only report their own location"})
		return
	}
	if !geo.ValidCoord(*req.Lat, *req.Lng) {
		writeError(w, s.Logger, invalid("lat/lng out of range", nil))
		return
	}
	wk := models.Worker{
		ID:           req.ID,
		Name:         req.Name,
		Categories:   req.Categories,
		Loc:          models.Coord{Lat: *req.Lat, Lon: *req.Lng},
		Rating:       req.Rating,
		Active:       req.Active == nil || *req.Active,
		RadiusMeters: req.RadiusMeters,
		Updated:      time.Now().UTC(),
	}
	if err := s.Geo.Upsert(r.Context(), wk); err != nil {
		writeError(w, s.Logger, err)
		return
	}
	if s.Workers != nil {
		if err := s.Workers.PublishWorker(r.Context(), wk); err != nil {
			s.Logger.Warn("worker location not published", "worker_id", wk.ID, "error", err)
		}
	}
	observability.WorkersOnline.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req booking.CreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !geo.ValidCoord(req.Address.Loc.Lat, req.Address.Loc.Lon) {
		writeError(w, s.Logger, invalid("address location out of range", nil))
		return
	}
	res, err := s.Bookings.Create(r.Context(), identityFrom(r.Context()), req)
	if err != nil {
		writeError(w, s.Logger, err)
		return
	}
	writeResult(w, res)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	b, err := s.Bookings.Get(r.Context(), mux.Vars(r)["id"], identityFrom(r.Context()))
	if err != nil {
		writeError(w, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "booking": b})
}

type statusRequest struct {
	Status models.BookingStatus `json:"status" validate:"required,oneof=confirmed assigned onway working completed cancelled"`
	Note   string               `json:"note" validate:"max=500"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !s.decode(w, r, &req) {
		return
	}
	b, err := s.Bookings.UpdateStatus(r.Context(), mux.Vars(r)["id"], identityFrom(r.Context()), req.Status, req.Note)
	if err != nil {
		writeError(w, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "booking": b})
}

type assignRequest struct {
	WorkerID string `json:"workerId" validate:"required"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !s.decode(w, r, &req) {
		return
	}
	b, err := s.Bookings.Assign(r.Context(), mux.Vars(r)["id"], identityFrom(r.Context()), req.WorkerID)
	if err != nil {
		writeError(w, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "booking": b})
}

type unavailableRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (s *Server) handleUnavailable(w http.ResponseWriter, r *http.Request) {
	var req unavailableRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	b, err := s.Bookings.ReportUnavailable(r.Context(), mux.Vars(r)["id"], identityFrom(r.Context()), req.Reason)
	if err != nil {
		writeError(w, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "booking": b})
}

func (s *Server) handleRebook(w http.ResponseWriter, r *http.Request) {
	var req booking.RebookRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.Bookings.Rebook(r.Context(), mux.Vars(r)["id"], identityFrom(r.Context()), req)
	if err != nil {
		writeError(w, s.Logger, err)
		return
	}
	writeResult(w, res)
}

func (s *Server) handleTrackingToken(w http.ResponseWriter, r *http.Request) {
	grant, err := s.Bookings.IssueTrackingToken(r.Context(), mux.Vars(r)["id"], identityFrom(r.Context()))
	if err != nil {
		writeError(w, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"token":       grant.Token,
		"expiresAt":   grant.ExpiresAt,
		"permissions": grant.Permissions,
	})
}

// decode reads a JSON body and validates it, answering INVALID_REQUEST
// itself on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, s.Logger, invalid("malformed JSON body", nil))
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]any, len(verrs))
			for _, fe := range verrs {
				fields[jsonFieldPath(fe.Namespace())] = fe.Tag()
			}
			writeError(w, s.Logger, invalid("request validation failed", map[string]any{"fields": fields}))
			return false
		}
		writeError(w, s.Logger, invalid("request validation failed", nil))
		return false
	}
	return true
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// jsonFieldPath drops the root struct name: "CreateRequest.address.city"
// becomes "address.city".
func jsonFieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func writeResult(w http.ResponseWriter, res *booking.Result) {
	status := http.StatusCreated
	if res.Idempotent {
		status = http.StatusOK
	}
	body := map[string]any{"ok": true, "booking": res.Booking, "idempotent": res.Idempotent}
	if res.Payment != nil {
		body["payment"] = res.Payment
	}
	writeJSON(w, status, body)
}
