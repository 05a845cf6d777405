package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sorbentlab/lcrd/internal/dispatch"
	"github.com/sorbentlab/lcrd/internal/instrument"
	"github.com/sorbentlab/lcrd/internal/models"
	"github.com/sorbentlab/lcrd/internal/sinks"
	"github.com/sorbentlab/lcrd/internal/storage"
	"github.com/sorbentlab/lcrd/internal/validate"
)

var (
	// ErrConfirmationRequired gates flagged measurements on an explicit
	// operator override.
	ErrConfirmationRequired = errors.New("flagged measurement requires operator confirmation")
	// ErrVerdictRejected blocks persistence of rejected measurements;
	// no override exists for these.
	ErrVerdictRejected = errors.New("rejected measurement cannot be persisted")
)

// Instrument is the slice of the instrument client the runner needs.
type Instrument interface {
	Acquire(ctx context.Context) (func(), error)
	Configure(ctx context.Context, frequencyHz, voltageV float64) error
	Trigger(ctx context.Context, mode models.TestMode) (models.RawReading, error)
}

// Events receives measurement lifecycle notifications. Failures are
// logged, never fatal to the run.
type Events interface {
	MeasurementVerified(ctx context.Context, m *models.ValidatedMeasurement) error
	MeasurementPersisted(ctx context.Context, m *models.ValidatedMeasurement) error
}

// Defaults fill request fields the operator left blank.
type Defaults struct {
	FrequencyHz float64
	VoltageV    float64
	Timeout     time.Duration
}

// Runner owns the measurement sequence: acquire the instrument session,
// configure, trigger, validate, journal, and later persist on request.
type Runner struct {
	inst       Instrument
	journal    storage.Journal
	dispatcher *dispatch.Dispatcher
	events     Events
	thresholds validate.Thresholds
	defaults   Defaults
	logger     *zap.Logger
	tracer     trace.Tracer
}

func NewRunner(
	inst Instrument,
	journal storage.Journal,
	dispatcher *dispatch.Dispatcher,
	events Events,
	thresholds validate.Thresholds,
	defaults Defaults,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		inst:       inst,
		journal:    journal,
		dispatcher: dispatcher,
		events:     events,
		thresholds: thresholds,
		defaults:   defaults,
		logger:     logger,
		tracer:     otel.Tracer("lcrd/sequence"),
	}
}

// Measure runs one acquisition. The instrument session is held for the
// whole configure/trigger window and released on every exit path,
// including timeouts. A rejected reading is not an error: the verdict
// travels back on the ValidatedMeasurement.
func (r *Runner) Measure(ctx context.Context, req models.MeasurementRequest) (*models.ValidatedMeasurement, error) {
	req = r.applyDefaults(req)
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	ctx, span := r.tracer.Start(ctx, "measure",
		trace.WithAttributes(
			attribute.String("sample", req.SampleName),
			attribute.String("mode", string(req.Mode)),
			attribute.Float64("frequency_hz", req.FrequencyHz),
		))
	defer span.End()

	start := time.Now()
	reading, err := r.acquireAndTrigger(ctx, req)
	if err != nil {
		instrumentErrorsTotal.WithLabelValues(errorKind(err)).Inc()
		r.logger.Error("measurement failed",
			zap.String("sample", req.SampleName),
			zap.String("tester", req.Tester),
			zap.Error(err))
		return nil, err
	}
	measurementDuration.Observe(time.Since(start).Seconds())

	result := validate.Validate(reading, r.thresholds)
	vm := &models.ValidatedMeasurement{
		ID:        uuid.NewString(),
		Request:   req,
		Reading:   reading,
		Verdict:   result.Verdict,
		Reason:    result.Reason,
		CreatedAt: time.Now().UTC(),
	}
	measurementsTotal.WithLabelValues(string(vm.Verdict)).Inc()

	if err := r.journal.Save(ctx, vm); err != nil {
		return nil, fmt.Errorf("journal measurement: %w", err)
	}

	if r.events != nil {
		if err := r.events.MeasurementVerified(ctx, vm); err != nil {
			r.logger.Warn("verified event publish failed", zap.String("measurement_id", vm.ID), zap.Error(err))
		}
	}

	r.logger.Info("measurement verified",
		zap.String("measurement_id", vm.ID),
		zap.String("sample", req.SampleName),
		zap.String("tester", req.Tester),
		zap.String("verdict", string(vm.Verdict)),
		zap.Float64("primary", reading.Primary),
		zap.Float64("secondary", reading.Secondary))
	return vm, nil
}

// acquireAndTrigger holds the session only as long as the instrument is
// actually in use. The deferred release covers timeout and cancellation.
func (r *Runner) acquireAndTrigger(ctx context.Context, req models.MeasurementRequest) (models.RawReading, error) {
	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	release, err := r.inst.Acquire(ctx)
	if err != nil {
		return models.RawReading{}, err
	}
	defer release()

	if err := r.inst.Configure(ctx, req.FrequencyHz, req.VoltageV); err != nil {
		return models.RawReading{}, err
	}
	return r.inst.Trigger(ctx, req.Mode)
}

// Persist sends a journaled measurement to the requested sinks. Flagged
// measurements pass only with confirmed set; rejected ones never pass.
// On partial failure the successes stand, the measurement records the
// per-sink outcome, and the aggregated error is returned with it.
func (r *Runner) Persist(ctx context.Context, id string, targets []models.Target, confirmed bool) (*models.ValidatedMeasurement, error) {
	vm, err := r.journal.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch vm.Verdict {
	case models.VerdictRejected:
		return vm, ErrVerdictRejected
	case models.VerdictFlagged:
		if !confirmed {
			return vm, ErrConfirmationRequired
		}
		vm.Confirmed = true
	}

	ctx, span := r.tracer.Start(ctx, "persist",
		trace.WithAttributes(attribute.String("measurement_id", id)))
	defer span.End()

	dispatchErr := r.dispatcher.Persist(ctx, vm, targets)
	for _, e := range multierr.Errors(dispatchErr) {
		var pe *sinks.PersistError
		if errors.As(e, &pe) {
			sinkFailuresTotal.WithLabelValues(string(pe.Sink)).Inc()
		}
	}
	if dispatchErr == nil {
		vm.PersistedAt = time.Now().UTC()
	}

	if err := r.journal.Save(ctx, vm); err != nil {
		r.logger.Error("journal update after persist failed", zap.String("measurement_id", id), zap.Error(err))
	}

	if r.events != nil {
		if err := r.events.MeasurementPersisted(ctx, vm); err != nil {
			r.logger.Warn("persisted event publish failed", zap.String("measurement_id", id), zap.Error(err))
		}
	}
	return vm, dispatchErr
}

// Get returns a journaled measurement by id.
func (r *Runner) Get(ctx context.Context, id string) (*models.ValidatedMeasurement, error) {
	return r.journal.Get(ctx, id)
}

// Recent returns the latest journaled measurements, newest first.
func (r *Runner) Recent(ctx context.Context, limit int) ([]*models.ValidatedMeasurement, error) {
	return r.journal.Recent(ctx, limit)
}

func (r *Runner) applyDefaults(req models.MeasurementRequest) models.MeasurementRequest {
	if req.Mode == "" {
		req.Mode = models.ModeLsRs
	}
	if req.FrequencyHz == 0 {
		req.FrequencyHz = r.defaults.FrequencyHz
	}
	if req.VoltageV == 0 {
		req.VoltageV = r.defaults.VoltageV
	}
	if req.Timeout == 0 {
		req.Timeout = r.defaults.Timeout
	}
	return req
}

func validateRequest(req models.MeasurementRequest) error {
	if req.SampleName == "" {
		return errors.New("sample name is required")
	}
	if req.Tester == "" {
		return errors.New("tester is required")
	}
	if !req.Mode.Valid() {
		return fmt.Errorf("unknown test mode %q", req.Mode)
	}
	if req.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, instrument.ErrTimeout):
		return "timeout"
	case errors.Is(err, instrument.ErrNotConnected):
		return "connection"
	case errors.Is(err, instrument.ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, instrument.ErrBusy):
		return "busy"
	default:
		return "other"
	}
}
