package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/sorbentlab/lcrd/internal/models"
)

const (
	SubjectVerified  = "measurements.verified"
	SubjectPersisted = "measurements.persisted"
)

// Publisher pushes measurement lifecycle events onto NATS so dashboards
// and downstream consumers see results without polling the daemon.
type Publisher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

func NewPublisher(url string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name("lcrd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc, logger: logger}, nil
}

type measurementEvent struct {
	Event      string            `json:"event"`
	ID         string            `json:"id"`
	SampleName string            `json:"sample_name"`
	Tester     string            `json:"tester"`
	TestType   string            `json:"test_type"`
	Primary    float64           `json:"primary"`
	Secondary  float64           `json:"secondary"`
	Verdict    models.Verdict    `json:"verdict"`
	Time       int64             `json:"time"`
	Sinks      map[string]string `json:"sinks,omitempty"`
}

func (p *Publisher) MeasurementVerified(ctx context.Context, m *models.ValidatedMeasurement) error {
	return p.publish(SubjectVerified, eventFor("measurement.verified", m))
}

func (p *Publisher) MeasurementPersisted(ctx context.Context, m *models.ValidatedMeasurement) error {
	ev := eventFor("measurement.persisted", m)
	ev.Sinks = make(map[string]string, len(m.SinkResults))
	for target, outcome := range m.SinkResults {
		ev.Sinks[string(target)] = outcome
	}
	return p.publish(SubjectPersisted, ev)
}

func eventFor(name string, m *models.ValidatedMeasurement) measurementEvent {
	return measurementEvent{
		Event:      name,
		ID:         m.ID,
		SampleName: m.Request.SampleName,
		Tester:     m.Request.Tester,
		TestType:   m.TestTypeLabel(),
		Primary:    m.Reading.Primary,
		Secondary:  m.Reading.Secondary,
		Verdict:    m.Verdict,
		Time:       time.Now().Unix(),
	}
}

func (p *Publisher) publish(subject string, ev measurementEvent) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.nc.Publish(subject, payload)
}

func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}
