package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sorbentlab/lcrd/internal/models"
	"github.com/sorbentlab/lcrd/internal/sinks"
)

// Dispatcher fans a validated measurement out to the selected sinks.
// Targets run concurrently and independently: one failure never blocks
// the others, every failure is collected, and nothing is rolled back or
// retried here.
type Dispatcher struct {
	sinks  map[models.Target]sinks.Sink
	logger *zap.Logger
}

func New(logger *zap.Logger, targetSinks ...sinks.Sink) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	byTarget := make(map[models.Target]sinks.Sink, len(targetSinks))
	for _, s := range targetSinks {
		byTarget[s.Target()] = s
	}
	return &Dispatcher{sinks: byTarget, logger: logger}
}

// Available lists the targets this dispatcher was wired with.
func (d *Dispatcher) Available() []models.Target {
	targets := make([]models.Target, 0, len(d.sinks))
	for t := range d.sinks {
		targets = append(targets, t)
	}
	return targets
}

// Persist writes m to every requested target. The per-target outcome is
// recorded on m.SinkResults; the returned error aggregates one
// PersistError per failed target and is nil when all succeeded.
func (d *Dispatcher) Persist(ctx context.Context, m *models.ValidatedMeasurement, targets []models.Target) error {
	if len(targets) == 0 {
		return fmt.Errorf("dispatch: no targets requested")
	}
	if m.SinkResults == nil {
		m.SinkResults = make(map[models.Target]string, len(targets))
	}

	var (
		mu   sync.Mutex
		errs error
		wg   sync.WaitGroup
	)
	record := func(target models.Target, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = multierr.Append(errs, &sinks.PersistError{Sink: target, Err: err})
			m.SinkResults[target] = err.Error()
			return
		}
		m.SinkResults[target] = "ok"
	}

	for _, target := range targets {
		sink, ok := d.sinks[target]
		if !ok {
			record(target, fmt.Errorf("target not configured"))
			continue
		}
		wg.Add(1)
		go func(target models.Target, sink sinks.Sink) {
			defer wg.Done()
			start := time.Now()
			err := sink.Persist(ctx, m)
			if err != nil {
				d.logger.Error("sink persist failed",
					zap.String("sink", string(target)),
					zap.String("sample", m.Request.SampleName),
					zap.String("measurement_id", m.ID),
					zap.Error(err))
			} else {
				d.logger.Info("sink persist ok",
					zap.String("sink", string(target)),
					zap.String("sample", m.Request.SampleName),
					zap.Duration("took", time.Since(start)))
			}
			record(target, err)
		}(target, sink)
	}
	wg.Wait()
	return errs
}
