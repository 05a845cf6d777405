package sinks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorbentlab/lcrd/internal/models"
)

// fakeNotion serves the query/update/create calls the sink makes. pages
// maps sample name to page id.
type fakeNotion struct {
	srv *httptest.Server

	mu      sync.Mutex
	pages   map[string]string
	updates map[string]float64
	created map[string]float64
	headers http.Header
}

func startFakeNotion(t *testing.T) *fakeNotion {
	t.Helper()
	f := &fakeNotion{
		pages:   map[string]string{},
		updates: map[string]float64{},
		created: map[string]float64{},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.headers = r.Header.Clone()

		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/query"):
			var q struct {
				Filter struct {
					Title struct {
						Equals string `json:"equals"`
					} `json:"title"`
				} `json:"filter"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
			results := []map[string]string{}
			if id, ok := f.pages[q.Filter.Title.Equals]; ok {
				results = append(results, map[string]string{"id": id})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"results": results})

		case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/v1/pages/"):
			pageID := strings.TrimPrefix(r.URL.Path, "/v1/pages/")
			var body struct {
				Properties map[string]struct {
					Number float64 `json:"number"`
				} `json:"properties"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			f.updates[pageID] = body.Properties[notionResistanceProperty].Number
			_ = json.NewEncoder(w).Encode(map[string]any{"id": pageID})

		case r.Method == http.MethodPost && r.URL.Path == "/v1/pages":
			var body struct {
				Properties map[string]json.RawMessage `json:"properties"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			var title struct {
				Title []struct {
					Text struct {
						Content string `json:"content"`
					} `json:"text"`
				} `json:"title"`
			}
			require.NoError(t, json.Unmarshal(body.Properties[notionTitleProperty], &title))
			var num struct {
				Number float64 `json:"number"`
			}
			require.NoError(t, json.Unmarshal(body.Properties[notionResistanceProperty], &num))
			require.NotEmpty(t, title.Title)
			f.created[title.Title[0].Text.Content] = num.Number
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "new-page"})

		default:
			http.Error(w, "unexpected call", http.StatusBadRequest)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func newNotionSink(t *testing.T, f *fakeNotion) *NotionSink {
	t.Helper()
	s, err := NewNotionSink(NotionConfig{
		Token:      "secret-tok",
		DatabaseID: "db-1",
		BaseURL:    f.srv.URL,
	}, nil)
	require.NoError(t, err)
	return s
}

func notionMeasurement(sample string) *models.ValidatedMeasurement {
	return &models.ValidatedMeasurement{
		ID:      "m-1",
		Request: models.MeasurementRequest{SampleName: sample, Tester: "alice", Mode: models.ModeLsRs},
		Reading: models.RawReading{Mode: models.ModeLsRs, Primary: 2000, Secondary: 15.5},
		Verdict: models.VerdictAccepted,
	}
}

func TestNotionUpdatesExistingPage(t *testing.T) {
	f := startFakeNotion(t)
	f.pages["S1"] = "page-42"
	s := newNotionSink(t, f)

	require.NoError(t, s.Persist(context.Background(), notionMeasurement("S1")))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 15.5, f.updates["page-42"])
	assert.Empty(t, f.created)
	assert.Equal(t, "Bearer secret-tok", f.headers.Get("Authorization"))
	assert.Equal(t, notionVersion, f.headers.Get("Notion-Version"))
}

func TestNotionCreatesPageForNewSample(t *testing.T) {
	f := startFakeNotion(t)
	s := newNotionSink(t, f)

	require.NoError(t, s.Persist(context.Background(), notionMeasurement("S2")))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 15.5, f.created["S2"])
	assert.Empty(t, f.updates)
}

func TestNotionResistanceModeUsesPrimary(t *testing.T) {
	f := startFakeNotion(t)
	s := newNotionSink(t, f)

	m := notionMeasurement("S3")
	m.Reading = models.RawReading{Mode: models.ModeResistance, Primary: 12.34}
	require.NoError(t, s.Persist(context.Background(), m))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 12.34, f.created["S3"])
}

func TestNotionAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"API token is invalid"}`, http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	s, err := NewNotionSink(NotionConfig{Token: "bad", DatabaseID: "db-1", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	err = s.Persist(context.Background(), notionMeasurement("S1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestNewNotionSinkValidation(t *testing.T) {
	_, err := NewNotionSink(NotionConfig{DatabaseID: "db-1"}, nil)
	assert.Error(t, err)

	_, err = NewNotionSink(NotionConfig{Token: "tok"}, nil)
	assert.Error(t, err)
}
