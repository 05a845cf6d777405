package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sorbentlab/lcrd/internal/models"
	"github.com/sorbentlab/lcrd/internal/sinks"
)

type fakeSink struct {
	target models.Target
	err    error
	calls  atomic.Int32
}

func (f *fakeSink) Target() models.Target { return f.target }

func (f *fakeSink) Persist(ctx context.Context, m *models.ValidatedMeasurement) error {
	f.calls.Add(1)
	return f.err
}

func measurement() *models.ValidatedMeasurement {
	return &models.ValidatedMeasurement{
		ID:      "m-1",
		Request: models.MeasurementRequest{SampleName: "S1", Tester: "alice"},
		Verdict: models.VerdictAccepted,
	}
}

func TestPersistAllTargetsSucceed(t *testing.T) {
	db := &fakeSink{target: models.TargetDatabase}
	sheet := &fakeSink{target: models.TargetSpreadsheet}
	d := New(zap.NewNop(), db, sheet)

	m := measurement()
	err := d.Persist(context.Background(), m, []models.Target{models.TargetDatabase, models.TargetSpreadsheet})
	require.NoError(t, err)
	assert.Equal(t, int32(1), db.calls.Load())
	assert.Equal(t, int32(1), sheet.calls.Load())
	assert.Equal(t, "ok", m.SinkResults[models.TargetDatabase])
	assert.Equal(t, "ok", m.SinkResults[models.TargetSpreadsheet])
}

func TestPersistPartialFailure(t *testing.T) {
	db := &fakeSink{target: models.TargetDatabase}
	sheet := &fakeSink{target: models.TargetSpreadsheet, err: errors.New("quota exceeded")}
	d := New(zap.NewNop(), db, sheet)

	m := measurement()
	err := d.Persist(context.Background(), m, []models.Target{models.TargetDatabase, models.TargetSpreadsheet})
	require.Error(t, err)

	// Exactly one failure entry, naming the spreadsheet; the database
	// write stands.
	errs := multierr.Errors(err)
	require.Len(t, errs, 1)
	var pe *sinks.PersistError
	require.ErrorAs(t, errs[0], &pe)
	assert.Equal(t, models.TargetSpreadsheet, pe.Sink)

	assert.Equal(t, int32(1), db.calls.Load())
	assert.Equal(t, "ok", m.SinkResults[models.TargetDatabase])
	assert.Contains(t, m.SinkResults[models.TargetSpreadsheet], "quota exceeded")
}

func TestPersistAllFail(t *testing.T) {
	db := &fakeSink{target: models.TargetDatabase, err: errors.New("db down")}
	notion := &fakeSink{target: models.TargetNotion, err: errors.New("api key revoked")}
	d := New(zap.NewNop(), db, notion)

	err := d.Persist(context.Background(), measurement(), []models.Target{models.TargetDatabase, models.TargetNotion})
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
}

func TestPersistUnconfiguredTarget(t *testing.T) {
	d := New(zap.NewNop(), &fakeSink{target: models.TargetDatabase})

	m := measurement()
	err := d.Persist(context.Background(), m, []models.Target{models.TargetNotion})
	require.Error(t, err)
	var pe *sinks.PersistError
	require.ErrorAs(t, multierr.Errors(err)[0], &pe)
	assert.Equal(t, models.TargetNotion, pe.Sink)
}

func TestPersistNoTargets(t *testing.T) {
	d := New(zap.NewNop())
	err := d.Persist(context.Background(), measurement(), nil)
	assert.Error(t, err)
}

func TestAvailable(t *testing.T) {
	d := New(zap.NewNop(),
		&fakeSink{target: models.TargetDatabase},
		&fakeSink{target: models.TargetNotion})
	assert.ElementsMatch(t, []models.Target{models.TargetDatabase, models.TargetNotion}, d.Available())
}
