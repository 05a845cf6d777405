package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/sorbentlab/lcrd/internal/models"
)

var sheetHeader = []string{"Timestamp", "Sample Name", "Test Type", "Value 1", "Value 2", "Tester"}

// SheetsConfig addresses one range of one spreadsheet.
type SheetsConfig struct {
	SpreadsheetID string
	Range         string
	AccessToken   string
	// BaseURL overrides the Sheets API endpoint, mainly for tests.
	BaseURL string
}

// SheetsSink appends measurement rows to a Google spreadsheet range. When
// the range is empty the header row is written first.
type SheetsSink struct {
	cfg    SheetsConfig
	client *http.Client
	logger *zap.Logger
}

func NewSheetsSink(cfg SheetsConfig, logger *zap.Logger) (*SheetsSink, error) {
	if cfg.SpreadsheetID == "" {
		return nil, errors.New("sheets sink: spreadsheet id is required")
	}
	if cfg.AccessToken == "" {
		return nil, errors.New("sheets sink: access token is required")
	}
	if cfg.Range == "" {
		cfg.Range = "LCR!A1:F"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://sheets.googleapis.com"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SheetsSink{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}, nil
}

func (s *SheetsSink) Target() models.Target { return models.TargetSpreadsheet }

func (s *SheetsSink) Persist(ctx context.Context, m *models.ValidatedMeasurement) error {
	empty, err := s.rangeIsEmpty(ctx)
	if err != nil {
		return err
	}

	var rows [][]string
	if empty {
		rows = append(rows, sheetHeader)
	}
	rows = append(rows, []string{
		m.Reading.Timestamp.UTC().Format("2006-01-02 15:04:05"),
		m.Request.SampleName,
		m.TestTypeLabel(),
		formatValue(m.Reading.Primary),
		formatValue(m.Reading.Secondary),
		m.Request.Tester,
	})
	return s.appendRows(ctx, rows)
}

func (s *SheetsSink) rangeIsEmpty(ctx context.Context) (bool, error) {
	u := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s",
		s.cfg.BaseURL, s.cfg.SpreadsheetID, url.PathEscape(s.cfg.Range))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("sheets sink: build request: %w", err)
	}
	var body struct {
		Values [][]string `json:"values"`
	}
	if err := s.do(req, &body); err != nil {
		return false, err
	}
	return len(body.Values) == 0, nil
}

func (s *SheetsSink) appendRows(ctx context.Context, rows [][]string) error {
	payload, err := json.Marshal(map[string]any{"values": rows})
	if err != nil {
		return fmt.Errorf("sheets sink: marshal rows: %w", err)
	}
	u := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s:append?valueInputOption=USER_ENTERED",
		s.cfg.BaseURL, s.cfg.SpreadsheetID, url.PathEscape(s.cfg.Range))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sheets sink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := s.do(req, nil); err != nil {
		return err
	}
	s.logger.Debug("rows appended to spreadsheet", zap.Int("rows", len(rows)))
	return nil
}

func (s *SheetsSink) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+s.cfg.AccessToken)
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sheets sink: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sheets sink: %s %s: status %d: %s",
			req.Method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("sheets sink: decode response: %w", err)
	}
	return nil
}

var _ Sink = (*SheetsSink)(nil)
