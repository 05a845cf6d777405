package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sorbentlab/lcrd/internal/models"
)

const notionVersion = "2022-06-28"

// Property names in the lab's Notion database.
const (
	notionTitleProperty      = "Sorbent Sample Name"
	notionResistanceProperty = "Resistance"
)

// NotionConfig addresses the Notion database holding one page per sample.
type NotionConfig struct {
	Token      string
	DatabaseID string
	// BaseURL overrides the Notion API endpoint, mainly for tests.
	BaseURL string
}

// NotionSink keeps one page per sample up to date: it finds the page by
// sample-name title and writes the latest series resistance into its
// number property, creating the page when the sample is new.
type NotionSink struct {
	cfg    NotionConfig
	client *http.Client
	logger *zap.Logger
}

func NewNotionSink(cfg NotionConfig, logger *zap.Logger) (*NotionSink, error) {
	if cfg.Token == "" {
		return nil, errors.New("notion sink: token is required")
	}
	if cfg.DatabaseID == "" {
		return nil, errors.New("notion sink: database id is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.notion.com"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotionSink{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}, nil
}

func (s *NotionSink) Target() models.Target { return models.TargetNotion }

func (s *NotionSink) Persist(ctx context.Context, m *models.ValidatedMeasurement) error {
	sample := m.Request.SampleName
	pageID, err := s.findPage(ctx, sample)
	if err != nil {
		return err
	}

	resistance := m.Reading.Secondary
	if m.Reading.Mode == models.ModeResistance {
		resistance = m.Reading.Primary
	}

	if pageID != "" {
		s.logger.Debug("updating notion page", zap.String("sample", sample), zap.String("page_id", pageID))
		return s.updatePage(ctx, pageID, resistance)
	}
	s.logger.Debug("creating notion page", zap.String("sample", sample))
	return s.createPage(ctx, sample, resistance)
}

func (s *NotionSink) findPage(ctx context.Context, sample string) (string, error) {
	query := map[string]any{
		"filter": map[string]any{
			"property": notionTitleProperty,
			"title":    map[string]any{"equals": sample},
		},
	}
	var out struct {
		Results []struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	err := s.do(ctx, http.MethodPost,
		fmt.Sprintf("/v1/databases/%s/query", s.cfg.DatabaseID), query, &out)
	if err != nil {
		return "", err
	}
	if len(out.Results) == 0 {
		return "", nil
	}
	return out.Results[0].ID, nil
}

func (s *NotionSink) updatePage(ctx context.Context, pageID string, resistance float64) error {
	body := map[string]any{
		"properties": map[string]any{
			notionResistanceProperty: map[string]any{"number": resistance},
		},
	}
	return s.do(ctx, http.MethodPatch, "/v1/pages/"+pageID, body, nil)
}

func (s *NotionSink) createPage(ctx context.Context, sample string, resistance float64) error {
	body := map[string]any{
		"parent": map[string]any{"database_id": s.cfg.DatabaseID},
		"properties": map[string]any{
			notionTitleProperty: map[string]any{
				"title": []map[string]any{
					{"text": map[string]any{"content": sample}},
				},
			},
			notionResistanceProperty: map[string]any{"number": resistance},
		},
	}
	return s.do(ctx, http.MethodPost, "/v1/pages", body, nil)
}

func (s *NotionSink) do(ctx context.Context, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("notion sink: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notion sink: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	req.Header.Set("Notion-Version", notionVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notion sink: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notion sink: %s %s: status %d: %s",
			method, path, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("notion sink: decode response: %w", err)
	}
	return nil
}

var _ Sink = (*NotionSink)(nil)
