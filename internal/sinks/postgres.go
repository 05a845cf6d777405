package sinks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/sorbentlab/lcrd/internal/models"
)

const (
	createSamplesTable = `
CREATE TABLE IF NOT EXISTS samples (
    id SERIAL PRIMARY KEY,
    sample_name TEXT NOT NULL UNIQUE
)`
	createMeasurementsTable = `
CREATE TABLE IF NOT EXISTS measurements (
    id SERIAL PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    sample_id INTEGER NOT NULL REFERENCES samples(id) ON DELETE CASCADE,
    test_type TEXT NOT NULL,
    inductance TEXT NOT NULL,
    resistance TEXT NOT NULL,
    tester TEXT NOT NULL,
    app_version TEXT
)`
	createSampleIndex = `
CREATE INDEX IF NOT EXISTS idx_measurements_sample_id ON measurements (sample_id)`
)

// PostgresSink writes measurements into a normalized samples/measurements
// schema: the sample row is found or inserted first, then the measurement
// row references it.
type PostgresSink struct {
	db         *sql.DB
	appVersion string
	logger     *zap.Logger
}

// NewPostgresSink opens the database, pings it, and ensures the schema.
func NewPostgresSink(ctx context.Context, dsn, appVersion string, logger *zap.Logger) (*PostgresSink, error) {
	if dsn == "" {
		return nil, errors.New("postgres sink: DSN is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres sink: ping: %w", err)
	}

	s := &PostgresSink{db: db, appVersion: appVersion, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) Target() models.Target { return models.TargetDatabase }

func (s *PostgresSink) Close() error { return s.db.Close() }

func (s *PostgresSink) ensureSchema(ctx context.Context) error {
	for _, stmt := range []string{createSamplesTable, createMeasurementsTable, createSampleIndex} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres sink: ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresSink) Persist(ctx context.Context, m *models.ValidatedMeasurement) error {
	sampleID, err := s.findOrCreateSample(ctx, m.Request.SampleName)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO measurements (created_at, sample_id, test_type, inductance, resistance, tester, app_version)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.Reading.Timestamp,
		sampleID,
		m.TestTypeLabel(),
		formatValue(m.Reading.Primary),
		formatValue(m.Reading.Secondary),
		m.Request.Tester,
		s.appVersion,
	)
	if err != nil {
		return fmt.Errorf("postgres sink: insert measurement for sample %q: %w", m.Request.SampleName, err)
	}
	s.logger.Debug("measurement stored in database",
		zap.String("sample", m.Request.SampleName),
		zap.Int64("sample_id", sampleID))
	return nil
}

func (s *PostgresSink) findOrCreateSample(ctx context.Context, name string) (int64, error) {
	if name == "" {
		return 0, errors.New("postgres sink: sample name is required")
	}

	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM samples WHERE sample_name = $1`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("postgres sink: look up sample %q: %w", name, err)
	}

	err = s.db.QueryRowContext(ctx, `
INSERT INTO samples (sample_name) VALUES ($1)
ON CONFLICT (sample_name) DO UPDATE SET sample_name = EXCLUDED.sample_name
RETURNING id`, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres sink: insert sample %q: %w", name, err)
	}
	return id, nil
}

// SampleNames lists the distinct sample names on record, sorted, for the
// operator's sample picker.
func (s *PostgresSink) SampleNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sample_name FROM samples ORDER BY sample_name`)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: list samples: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("postgres sink: scan sample name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres sink: iterate samples: %w", err)
	}
	return names, nil
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'e', 3, 64)
}

var _ Sink = (*PostgresSink)(nil)
