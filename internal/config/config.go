package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sorbentlab/lcrd/internal/validate"
)

// Config is assembled once at startup from the environment and treated as
// immutable afterwards. Credentials only ever arrive through here.
type Config struct {
	HTTPAddr    string
	MetricsAddr string

	// Instrument
	Resource          string
	InstrumentTimeout time.Duration
	FrequencyHz       float64
	VoltageV          float64

	Thresholds validate.Thresholds

	JournalPath string

	// Sinks; a sink is wired only when its settings are present.
	DatabaseDSN string

	SheetsSpreadsheetID string
	SheetsRange         string
	SheetsAccessToken   string

	NotionToken      string
	NotionDatabaseID string

	NATSURL string
}

// Load reads the environment, falling back to bench-friendly defaults.
func Load() Config {
	return Config{
		HTTPAddr:    getEnv("LCRD_HTTP_ADDR", ":8080"),
		MetricsAddr: getEnv("LCRD_METRICS_ADDR", ":9090"),

		Resource:          getEnv("LCRD_RESOURCE", "TCPIP0::127.0.0.1::5025::SOCKET"),
		InstrumentTimeout: time.Duration(getEnvInt("LCRD_TIMEOUT_MS", 10000)) * time.Millisecond,
		FrequencyHz:       getEnvFloat("LCRD_FREQUENCY_HZ", 1000),
		VoltageV:          getEnvFloat("LCRD_VOLTAGE_V", 1.0),

		Thresholds: validate.Thresholds{
			MinLsMicroH:     getEnvFloat("LCRD_LS_MIN_UH", 0.01),
			MaxLsMicroH:     getEnvFloat("LCRD_LS_MAX_UH", 1e6),
			MinRsOhms:       getEnvFloat("LCRD_RS_MIN_OHM", 0.001),
			MaxRsOhms:       getEnvFloat("LCRD_RS_MAX_OHM", 1e6),
			SuspectRsOhms:   getEnvFloat("LCRD_RS_SUSPECT_OHM", 1000),
			SuspectLsMicroH: getEnvFloat("LCRD_LS_SUSPECT_UH", 0.1),
		},

		JournalPath: getEnv("LCRD_JOURNAL_PATH", "./data/journal"),

		DatabaseDSN: os.Getenv("LCRD_DB_DSN"),

		SheetsSpreadsheetID: os.Getenv("LCRD_SHEETS_SPREADSHEET_ID"),
		SheetsRange:         getEnv("LCRD_SHEETS_RANGE", "LCR!A1:F"),
		SheetsAccessToken:   os.Getenv("LCRD_SHEETS_ACCESS_TOKEN"),

		NotionToken:      os.Getenv("LCRD_NOTION_TOKEN"),
		NotionDatabaseID: os.Getenv("LCRD_NOTION_DATABASE_ID"),

		NATSURL: os.Getenv("LCRD_NATS_URL"),
	}
}

// Validate rejects configurations the daemon cannot safely run with.
func (c Config) Validate() error {
	if c.InstrumentTimeout <= 0 {
		return errors.New("config: instrument timeout must be positive")
	}
	if c.FrequencyHz <= 0 {
		return errors.New("config: default frequency must be positive")
	}
	if c.VoltageV <= 0 {
		return errors.New("config: default voltage must be positive")
	}
	if c.JournalPath == "" {
		return errors.New("config: journal path is required")
	}
	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if (c.SheetsSpreadsheetID == "") != (c.SheetsAccessToken == "") {
		return errors.New("config: sheets sink needs both spreadsheet id and access token")
	}
	if (c.NotionToken == "") != (c.NotionDatabaseID == "") {
		return errors.New("config: notion sink needs both token and database id")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
