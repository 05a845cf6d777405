package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "TCPIP0::127.0.0.1::5025::SOCKET", cfg.Resource)
	assert.Equal(t, 10*time.Second, cfg.InstrumentTimeout)
	assert.Equal(t, float64(1000), cfg.FrequencyHz)
	assert.Equal(t, 1.0, cfg.VoltageV)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("LCRD_HTTP_ADDR", ":9999")
	t.Setenv("LCRD_TIMEOUT_MS", "2500")
	t.Setenv("LCRD_FREQUENCY_HZ", "100000")
	t.Setenv("LCRD_RS_SUSPECT_OHM", "500")
	t.Setenv("LCRD_DB_DSN", "postgres://lcr@localhost/lcr?sslmode=disable")

	cfg := Load()
	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, 2500*time.Millisecond, cfg.InstrumentTimeout)
	assert.Equal(t, float64(100000), cfg.FrequencyHz)
	assert.Equal(t, float64(500), cfg.Thresholds.SuspectRsOhms)
	assert.NotEmpty(t, cfg.DatabaseDSN)
}

func TestLoadIgnoresUnparsableValues(t *testing.T) {
	t.Setenv("LCRD_TIMEOUT_MS", "soon")
	t.Setenv("LCRD_VOLTAGE_V", "loud")

	cfg := Load()
	assert.Equal(t, 10*time.Second, cfg.InstrumentTimeout)
	assert.Equal(t, 1.0, cfg.VoltageV)
}

func TestValidate(t *testing.T) {
	base := Load()
	require.NoError(t, base.Validate())

	cfg := base
	cfg.InstrumentTimeout = 0
	assert.Error(t, cfg.Validate())

	cfg = base
	cfg.VoltageV = -1
	assert.Error(t, cfg.Validate())

	cfg = base
	cfg.JournalPath = ""
	assert.Error(t, cfg.Validate())

	cfg = base
	cfg.SheetsSpreadsheetID = "sheet-1"
	assert.Error(t, cfg.Validate(), "spreadsheet id without access token")
	cfg.SheetsAccessToken = "tok"
	assert.NoError(t, cfg.Validate())

	cfg = base
	cfg.NotionToken = "tok"
	assert.Error(t, cfg.Validate(), "notion token without database id")
	cfg.NotionDatabaseID = "db-1"
	assert.NoError(t, cfg.Validate())
}
