package sinks

import (
	"context"
	"fmt"

	"github.com/sorbentlab/lcrd/internal/models"
)

// Sink is a persistence target for validated measurements. Sinks never
// retry internally; the operator drives retries through the API.
type Sink interface {
	Target() models.Target
	Persist(ctx context.Context, m *models.ValidatedMeasurement) error
}

// PersistError wraps a single sink failure so callers can tell which
// target failed when several were attempted.
type PersistError struct {
	Sink models.Target
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }
