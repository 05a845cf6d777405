package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sorbentlab/lcrd/internal/instrument"
	"github.com/sorbentlab/lcrd/internal/models"
	"github.com/sorbentlab/lcrd/internal/sequence"
	"github.com/sorbentlab/lcrd/internal/storage"
)

// MeasurementService is the slice of the sequence runner the REST surface
// needs.
type MeasurementService interface {
	Measure(ctx context.Context, req models.MeasurementRequest) (*models.ValidatedMeasurement, error)
	Persist(ctx context.Context, id string, targets []models.Target, confirmed bool) (*models.ValidatedMeasurement, error)
	Get(ctx context.Context, id string) (*models.ValidatedMeasurement, error)
	Recent(ctx context.Context, limit int) ([]*models.ValidatedMeasurement, error)
}

// SampleDirectory lists known sample names for the operator's picker.
type SampleDirectory interface {
	SampleNames(ctx context.Context) ([]string, error)
}

type Handler struct {
	svc     MeasurementService
	samples SampleDirectory
	logger  *zap.Logger
}

// NewHTTPHandler wires the measurement routes. samples may be nil when no
// database sink is configured.
func NewHTTPHandler(svc MeasurementService, samples SampleDirectory, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{svc: svc, samples: samples, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/ping", h.handlePing).Methods(http.MethodGet)
	r.HandleFunc("/measure", h.handleMeasure).Methods(http.MethodPost)
	r.HandleFunc("/measurements/recent", h.handleRecent).Methods(http.MethodGet)
	r.HandleFunc("/measurements/{id}", h.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/measurements/{id}/persist", h.handlePersist).Methods(http.MethodPost)
	r.HandleFunc("/samples", h.handleSamples).Methods(http.MethodGet)

	return handlers.LoggingHandler(os.Stdout, r)
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"msg": "pong from lcrd"})
}

type measureRequest struct {
	SampleName  string  `json:"sample_name"`
	Tester      string  `json:"tester"`
	Mode        string  `json:"mode,omitempty"`
	FrequencyHz float64 `json:"frequency_hz,omitempty"`
	VoltageV    float64 `json:"voltage_v,omitempty"`
	TimeoutMS   int     `json:"timeout_ms,omitempty"`
}

func (h *Handler) handleMeasure(w http.ResponseWriter, r *http.Request) {
	var req measureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.SampleName == "" || req.Tester == "" {
		h.writeError(w, http.StatusBadRequest, "sample_name and tester required")
		return
	}

	vm, err := h.svc.Measure(r.Context(), models.MeasurementRequest{
		SampleName:  req.SampleName,
		Tester:      req.Tester,
		Mode:        models.TestMode(req.Mode),
		FrequencyHz: req.FrequencyHz,
		VoltageV:    req.VoltageV,
		Timeout:     time.Duration(req.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		switch {
		case errors.Is(err, instrument.ErrBusy):
			h.writeError(w, http.StatusConflict, "instrument busy with another measurement")
		case errors.Is(err, instrument.ErrTimeout):
			h.writeError(w, http.StatusGatewayTimeout, err.Error())
		case errors.Is(err, instrument.ErrNotConnected),
			errors.Is(err, instrument.ErrMalformedResponse):
			h.writeError(w, http.StatusBadGateway, err.Error())
		default:
			h.writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, vm)
}

type persistRequest struct {
	Targets   []string `json:"targets"`
	Confirmed bool     `json:"confirmed,omitempty"`
}

type persistResponse struct {
	Measurement *models.ValidatedMeasurement `json:"measurement"`
	Failures    []string                     `json:"failures,omitempty"`
}

func (h *Handler) handlePersist(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req persistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if len(req.Targets) == 0 {
		h.writeError(w, http.StatusBadRequest, "at least one target required")
		return
	}
	targets := make([]models.Target, 0, len(req.Targets))
	for _, t := range req.Targets {
		target := models.Target(t)
		if !target.Valid() {
			h.writeError(w, http.StatusBadRequest, "unknown target "+t)
			return
		}
		targets = append(targets, target)
	}

	vm, err := h.svc.Persist(r.Context(), id, targets, req.Confirmed)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, persistResponse{Measurement: vm})
	case errors.Is(err, storage.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "measurement not found")
	case errors.Is(err, sequence.ErrConfirmationRequired):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, sequence.ErrVerdictRejected):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		// Partial or total sink failure: report every failed sink so the
		// operator can retry just those.
		failures := make([]string, 0)
		for _, e := range multierr.Errors(err) {
			failures = append(failures, e.Error())
		}
		h.writeJSON(w, http.StatusBadGateway, persistResponse{Measurement: vm, Failures: failures})
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	vm, err := h.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "measurement not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, vm)
}

func (h *Handler) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	list, err := h.svc.Recent(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"measurements": list})
}

func (h *Handler) handleSamples(w http.ResponseWriter, r *http.Request) {
	if h.samples == nil {
		h.writeError(w, http.StatusServiceUnavailable, "no database sink configured")
		return
	}
	names, err := h.samples.SampleNames(r.Context())
	if err != nil {
		h.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"samples": names})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.logger.Warn("request failed", zap.Int("status", status), zap.String("error", msg))
	h.writeJSON(w, status, map[string]string{"error": msg})
}
