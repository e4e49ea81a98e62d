package booking

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NewRouter returns the HTTP API of the booking service.
func NewRouter(svc *Service, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Route("/bookings", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/{id}", h.get)
	})
	return r
}

type handler struct {
	svc    *Service
	logger *zap.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateBooking
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request"})
		return
	}

	b, err := h.svc.CreateBooking(r.Context(), req)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusCreated, b)
	case errors.Is(err, ErrPassengerRequired), errors.Is(err, ErrFlightRequired):
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, ErrUnknownFlight):
		h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	default:
		h.logger.Error("failed to create booking",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to create booking"})
	}
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid booking id"})
		return
	}

	b, err := h.svc.GetBooking(r.Context(), id)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, b)
	case errors.Is(err, ErrBookingNotFound):
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	default:
		h.logger.Error("failed to load booking", zap.Stringer("booking_id", id), zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load booking"})
	}
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}
