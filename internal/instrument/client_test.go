package instrument

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sorbentlab/lcrd/internal/models"
)

// fakeMeter is a minimal SCPI responder on a local TCP socket. An empty
// reply means stay silent so the client runs into its deadline.
type fakeMeter struct {
	ln net.Listener

	mu          sync.Mutex
	fetchReply  string
	resistReply string
	received    []string
}

func startFakeMeter(t *testing.T) *fakeMeter {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	m := &fakeMeter{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go m.handle(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return m
}

func (m *fakeMeter) handle(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		m.mu.Lock()
		m.received = append(m.received, line)
		fetch, resist := m.fetchReply, m.resistReply
		m.mu.Unlock()

		switch {
		case strings.EqualFold(line, "FETCh?"):
			if fetch != "" {
				_, _ = conn.Write([]byte(fetch + "\n"))
			}
		case strings.EqualFold(line, ":MEASure:RESistance?"):
			if resist != "" {
				_, _ = conn.Write([]byte(resist + "\n"))
			}
		}
	}
}

func (m *fakeMeter) setFetchReply(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchReply = s
}

func (m *fakeMeter) commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.received...)
}

func newTestClient(t *testing.T, meter *fakeMeter, timeout time.Duration) *Client {
	t.Helper()
	c, err := New(meter.ln.Addr().String(), timeout, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConfigureAndTriggerLsRs(t *testing.T) {
	meter := startFakeMeter(t)
	meter.setFetchReply("2.000000E-03,1.500000E+01,+0")
	c := newTestClient(t, meter, 2*time.Second)

	ctx := context.Background()
	release, err := c.Acquire(ctx)
	require.NoError(t, err)
	defer release()

	require.NoError(t, c.Configure(ctx, 1000, 1.0))

	reading, err := c.Trigger(ctx, models.ModeLsRs)
	require.NoError(t, err)
	assert.Equal(t, models.ModeLsRs, reading.Mode)
	assert.InDelta(t, 2000, reading.Primary, 1e-9) // 2 mH in µH
	assert.InDelta(t, 15.0, reading.Secondary, 1e-9)
	assert.Empty(t, reading.Status)
	assert.False(t, reading.Timestamp.IsZero())

	cmds := meter.commands()
	assert.Contains(t, cmds, "FREQ 1000")
	assert.Contains(t, cmds, "VOLT 1")
	assert.Contains(t, cmds, "TRIG:SOUR BUS")
	assert.Contains(t, cmds, "TRIG:IMM")
	assert.Contains(t, cmds, ":FUNCtion:IMPedance:TYPE L")
}

func TestTriggerResistance(t *testing.T) {
	meter := startFakeMeter(t)
	meter.mu.Lock()
	meter.resistReply = "1.234000E+01"
	meter.mu.Unlock()
	c := newTestClient(t, meter, 2*time.Second)

	release, err := c.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	reading, err := c.Trigger(context.Background(), models.ModeResistance)
	require.NoError(t, err)
	assert.InDelta(t, 12.34, reading.Primary, 1e-9)
	assert.Zero(t, reading.Secondary)
}

func TestConfigureRejectsOutOfRangeBeforeWriting(t *testing.T) {
	meter := startFakeMeter(t)
	c := newTestClient(t, meter, time.Second)

	release, err := c.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	assert.Error(t, c.Configure(context.Background(), 5, 1.0))     // below 20 Hz
	assert.Error(t, c.Configure(context.Background(), 1000, 100))  // above 20 V
	assert.Error(t, c.Configure(context.Background(), 1e9, 1.0))   // above 2 MHz
	assert.Error(t, c.Configure(context.Background(), 1000, 1e-4)) // below 5 mV

	for _, cmd := range meter.commands() {
		assert.NotContains(t, cmd, "FREQ")
		assert.NotContains(t, cmd, "VOLT")
	}
}

func TestMalformedResponse(t *testing.T) {
	meter := startFakeMeter(t)
	meter.setFetchReply("garbage")
	c := newTestClient(t, meter, time.Second)

	release, err := c.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = c.Trigger(context.Background(), models.ModeLsRs)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestMalformedNumericField(t *testing.T) {
	meter := startFakeMeter(t)
	meter.setFetchReply("abc,def")
	c := newTestClient(t, meter, time.Second)

	release, err := c.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = c.Trigger(context.Background(), models.ModeLsRs)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestTimeoutReleasesSession(t *testing.T) {
	meter := startFakeMeter(t) // silent: no fetch reply configured
	c := newTestClient(t, meter, 150*time.Millisecond)

	ctx := context.Background()
	release, err := c.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Configure(ctx, 1000, 1.0))

	_, err = c.Trigger(ctx, models.ModeLsRs)
	require.ErrorIs(t, err, ErrTimeout)
	release()

	// The session must be reusable after a timeout: a fresh acquisition
	// redials and the next trigger succeeds without a stale lock.
	meter.setFetchReply("1.000000E-03,5.000000E+00")
	release, err = c.Acquire(ctx)
	require.NoError(t, err)
	defer release()

	require.NoError(t, c.Configure(ctx, 1000, 1.0))
	reading, err := c.Trigger(ctx, models.ModeLsRs)
	require.NoError(t, err)
	assert.InDelta(t, 1000, reading.Primary, 1e-9)
}

func TestTryAcquireBusy(t *testing.T) {
	meter := startFakeMeter(t)
	c := newTestClient(t, meter, time.Second)

	release, err := c.Acquire(context.Background())
	require.NoError(t, err)

	_, err = c.TryAcquire(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	release()
	release2, err := c.TryAcquire(context.Background())
	require.NoError(t, err)
	release2()
}

func TestAcquireRespectsContext(t *testing.T) {
	meter := startFakeMeter(t)
	c := newTestClient(t, meter, time.Second)

	release, err := c.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(ctx)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestDialFailure(t *testing.T) {
	c, err := New("127.0.0.1:1", 200*time.Millisecond, zap.NewNop())
	require.NoError(t, err)

	_, err = c.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestParseResource(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"TCPIP0::192.168.1.5::5025::SOCKET", "192.168.1.5:5025", false},
		{"TCPIP::meter.lab::5025::SOCKET", "meter.lab:5025", false},
		{"127.0.0.1:5025", "127.0.0.1:5025", false},
		{"", "", true},
		{"USB0::0x2A8D::0x2F01::MY54414986::0::INSTR", "", true},
		{"TCPIP0::host::notaport::SOCKET", "", true},
		{"justahost", "", true},
	}
	for _, tc := range cases {
		got, err := ParseResource(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestNewRejectsNonPositiveTimeout(t *testing.T) {
	_, err := New("127.0.0.1:5025", 0, nil)
	assert.Error(t, err)
}
