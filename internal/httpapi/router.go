// Package httpapi exposes the dialogue runtime over HTTP/JSON.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flexigpt/moviedialog-go/spec"
)

const maxBodyBytes = 1 << 20

// Dialogue is the part of the runtime the API serves.
type Dialogue interface {
	HandleTurn(ctx context.Context, act spec.DialogueAct) (spec.SystemAct, error)
	Snapshot(ctx context.Context, id spec.SessionID) (spec.Session, error)
	EndSession(ctx context.Context, id spec.SessionID) error
}

// TurnRequest is the POST /v1/turns body.
type TurnRequest struct {
	SessionID spec.SessionID `json:"sessionID,omitempty" validate:"omitempty,max=128"`
	Intent    string         `json:"intent" validate:"required"`
	Slots     []spec.ActSlot `json:"slots,omitempty" validate:"max=32"`
}

// TurnResponse carries the system act; Error is set when the act is a reprompt
// for an unparseable request.
type TurnResponse struct {
	Act   spec.SystemAct `json:"act"`
	Error string         `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type handler struct {
	d        Dialogue
	log      *zap.Logger
	validate *validator.Validate
}

// NewRouter wires the API routes. When gatherer is non-nil /metrics serves it.
func NewRouter(d Dialogue, gatherer prometheus.Gatherer, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &handler{d: d, log: log, validate: validator.New(validator.WithRequiredStructEnabled())}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok")
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/turns", h.turn)
		r.Get("/sessions/{id}", h.getSession)
		r.Delete("/sessions/{id}", h.deleteSession)
	})
	return r
}

func (h *handler) turn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	act, err := h.d.HandleTurn(r.Context(), spec.DialogueAct{
		SessionID: req.SessionID,
		Intent:    spec.UserIntent(req.Intent),
		Slots:     req.Slots,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, TurnResponse{Act: act})
	case errors.Is(err, spec.ErrParse):
		writeJSON(w, http.StatusUnprocessableEntity, TurnResponse{Act: act, Error: err.Error()})
	default:
		h.fail(w, r, err)
	}
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.d.Snapshot(r.Context(), spec.SessionID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.d.EndSession(r.Context(), spec.SessionID(chi.URLParam(r, "id"))); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, spec.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, spec.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, spec.ErrStoreClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("requestID", chimiddleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("requestID", chimiddleware.GetReqID(r.Context())),
			)
		})
	}
}
