package instrument

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sorbentlab/lcrd/internal/models"
)

var (
	ErrNotConnected      = errors.New("instrument: not connected")
	ErrBusy              = errors.New("instrument: session held by another measurement")
	ErrTimeout           = errors.New("instrument: command timed out")
	ErrMalformedResponse = errors.New("instrument: malformed response")
)

// Operating range of the bench meter; configuration commands outside it
// are refused before anything is written to the bus.
const (
	MinFrequencyHz = 20
	MaxFrequencyHz = 2_000_000
	MinVoltageV    = 0.005
	MaxVoltageV    = 20
)

// Client drives an LCR meter addressed as a VISA socket resource
// (TCPIP0::host::port::SOCKET) speaking ASCII SCPI. The underlying bus is
// stateful, so the session is exclusively owned: callers must Acquire
// before Configure/Trigger and release on every exit path.
type Client struct {
	addr    string
	timeout time.Duration
	logger  *zap.Logger

	sem chan struct{}

	// conn and rd are only touched while the session semaphore is held.
	conn net.Conn
	rd   *bufio.Reader
}

// New builds a client for the given resource string. The timeout bounds
// every command round-trip and must be positive.
func New(resource string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	addr, err := ParseResource(resource)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("instrument: timeout must be positive, got %s", timeout)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		addr:    addr,
		timeout: timeout,
		logger:  logger,
		sem:     make(chan struct{}, 1),
	}
	return c, nil
}

// ParseResource turns a VISA socket resource string into a dial address.
// Bare host:port addresses are accepted as-is.
func ParseResource(resource string) (string, error) {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return "", errors.New("instrument: resource string is required")
	}
	if !strings.Contains(resource, "::") {
		if _, _, err := net.SplitHostPort(resource); err != nil {
			return "", fmt.Errorf("instrument: invalid address %q: %w", resource, err)
		}
		return resource, nil
	}
	parts := strings.Split(resource, "::")
	// TCPIP[n]::host::port::SOCKET
	if len(parts) != 4 || !strings.HasPrefix(parts[0], "TCPIP") || parts[3] != "SOCKET" {
		return "", fmt.Errorf("instrument: unsupported resource %q, want TCPIP0::host::port::SOCKET", resource)
	}
	if _, err := strconv.Atoi(parts[2]); err != nil {
		return "", fmt.Errorf("instrument: bad port in resource %q: %w", resource, err)
	}
	return net.JoinHostPort(parts[1], parts[2]), nil
}

// Acquire takes exclusive ownership of the instrument session, dialing the
// meter if no connection is open. The returned release function is safe to
// call exactly once and must run on every exit path.
func (c *Client) Acquire(ctx context.Context) (func(), error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: waiting for session: %v", ErrBusy, ctx.Err())
		}
		return nil, ctx.Err()
	}

	if c.conn == nil {
		if err := c.dial(ctx); err != nil {
			<-c.sem
			return nil, err
		}
	}
	return func() { <-c.sem }, nil
}

// TryAcquire is Acquire without waiting: it fails with ErrBusy when another
// measurement holds the session.
func (c *Client) TryAcquire(ctx context.Context) (func(), error) {
	select {
	case c.sem <- struct{}{}:
	default:
		return nil, ErrBusy
	}
	if c.conn == nil {
		if err := c.dial(ctx); err != nil {
			<-c.sem
			return nil, err
		}
	}
	return func() { <-c.sem }, nil
}

func (c *Client) dial(ctx context.Context) error {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrNotConnected, c.addr, err)
	}
	c.conn = conn
	c.rd = bufio.NewReader(conn)
	c.logger.Info("connected to instrument", zap.String("addr", c.addr))
	return nil
}

// Configure pushes frequency and voltage to the meter and arms the bus
// trigger. Values outside the documented operating range are refused
// without touching the instrument. Caller must hold the session.
func (c *Client) Configure(ctx context.Context, frequencyHz, voltageV float64) error {
	if frequencyHz < MinFrequencyHz || frequencyHz > MaxFrequencyHz {
		return fmt.Errorf("instrument: frequency %g Hz outside operating range [%d, %d]",
			frequencyHz, MinFrequencyHz, MaxFrequencyHz)
	}
	if voltageV < MinVoltageV || voltageV > MaxVoltageV {
		return fmt.Errorf("instrument: voltage %g V outside operating range [%g, %d]",
			voltageV, MinVoltageV, MaxVoltageV)
	}

	cmds := []string{
		fmt.Sprintf("FREQ %g", frequencyHz),
		fmt.Sprintf("VOLT %g", voltageV),
		"TRIG:SOUR BUS",
		"TRIG:IMM",
	}
	for _, cmd := range cmds {
		if err := c.write(ctx, cmd); err != nil {
			return err
		}
	}
	c.logger.Debug("instrument configured",
		zap.Float64("frequency_hz", frequencyHz),
		zap.Float64("voltage_v", voltageV))
	return nil
}

// Trigger runs one measurement in the given mode and returns the raw
// reading. Caller must hold the session. Errors are never retried here;
// the caller decides whether to re-trigger.
func (c *Client) Trigger(ctx context.Context, mode models.TestMode) (models.RawReading, error) {
	switch mode {
	case models.ModeLsRs:
		return c.fetchPair(ctx, mode, []string{":FUNCtion:IMPedance:TYPE L"}, 1e6) // H -> µH
	case models.ModeCsRs:
		return c.fetchPair(ctx, mode, []string{":FUNCtion:IMPedance:TYPE C"}, 1e9) // F -> nF
	case models.ModeCpRp:
		return c.fetchPair(ctx, mode, []string{
			":FUNCtion:IMPedance:TYPE C",
			":CALCulate:IMPedance:CIRcuit PARallel",
		}, 1e9)
	case models.ModeResistance:
		return c.fetchResistance(ctx)
	default:
		return models.RawReading{}, fmt.Errorf("instrument: unknown test mode %q", mode)
	}
}

func (c *Client) fetchPair(ctx context.Context, mode models.TestMode, setup []string, primaryScale float64) (models.RawReading, error) {
	for _, cmd := range setup {
		if err := c.write(ctx, cmd); err != nil {
			return models.RawReading{}, err
		}
	}
	line, err := c.query(ctx, "FETCh?")
	if err != nil {
		return models.RawReading{}, err
	}

	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < 2 {
		return models.RawReading{}, fmt.Errorf("%w: want at least 2 fields, got %q", ErrMalformedResponse, line)
	}
	primary, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	if err != nil {
		return models.RawReading{}, fmt.Errorf("%w: primary %q: %v", ErrMalformedResponse, fields[0], err)
	}
	secondary, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return models.RawReading{}, fmt.Errorf("%w: secondary %q: %v", ErrMalformedResponse, fields[1], err)
	}

	reading := models.RawReading{
		Mode:      mode,
		Primary:   primary * primaryScale,
		Secondary: secondary,
		Timestamp: time.Now().UTC(),
		Status:    statusFlags(fields[2:]),
	}
	return reading, nil
}

func (c *Client) fetchResistance(ctx context.Context) (models.RawReading, error) {
	line, err := c.query(ctx, ":MEASure:RESistance?")
	if err != nil {
		return models.RawReading{}, err
	}
	ohms, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
	if err != nil {
		return models.RawReading{}, fmt.Errorf("%w: resistance %q: %v", ErrMalformedResponse, line, err)
	}
	return models.RawReading{
		Mode:      models.ModeResistance,
		Primary:   ohms,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (c *Client) write(ctx context.Context, cmd string) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(c.deadline(ctx)); err != nil {
		return fmt.Errorf("instrument: set deadline: %w", err)
	}
	if _, err := c.conn.Write([]byte(cmd + "\n")); err != nil {
		return c.classify("write "+cmd, err)
	}
	return nil
}

func (c *Client) query(ctx context.Context, cmd string) (string, error) {
	if err := c.write(ctx, cmd); err != nil {
		return "", err
	}
	if err := c.conn.SetReadDeadline(c.deadline(ctx)); err != nil {
		return "", fmt.Errorf("instrument: set deadline: %w", err)
	}
	line, err := c.rd.ReadString('\n')
	if err != nil {
		return "", c.classify("query "+cmd, err)
	}
	return line, nil
}

func (c *Client) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

// classify maps transport errors to the instrument error taxonomy. A
// timed-out command drops the connection so the next acquisition redials
// instead of reading a stale half-finished reply.
func (c *Client) classify(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.drop()
		return fmt.Errorf("%w: %s after %s", ErrTimeout, op, c.timeout)
	}
	c.drop()
	return fmt.Errorf("instrument: %s: %w", op, err)
}

func (c *Client) drop() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.rd = nil
		c.logger.Warn("instrument connection dropped", zap.String("addr", c.addr))
	}
}

// Close tears down the connection. Waits for the session holder to finish.
func (c *Client) Close() error {
	c.sem <- struct{}{}
	defer func() { <-c.sem }()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.rd = nil
	return err
}

func statusFlags(rest []string) []string {
	var flags []string
	for _, f := range rest {
		f = strings.TrimSpace(f)
		if f != "" && f != "0" && f != "+0" {
			flags = append(flags, f)
		}
	}
	return flags
}
