package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"damage-cost/db/postgres"
	"damage-cost/internal/detection"
	"damage-cost/internal/estimation"
	"damage-cost/internal/pricing"
)

// stubDetector returns canned detections without network calls.
type stubDetector struct {
	result *detection.Result
	err    error
	calls  int
}

func (d *stubDetector) Detect(ctx context.Context, imageData []byte) (*detection.Result, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.result, nil
}

// stubStore records saved reports in memory.
type stubStore struct {
	saved   []*postgres.Report
	reports []postgres.Report
	saveErr error
}

func (s *stubStore) SaveReport(ctx context.Context, r *postgres.Report) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, r)
	return nil
}

func (s *stubStore) RecentReports(ctx context.Context, limit int) ([]postgres.Report, error) {
	return s.reports, nil
}

func (s *stubStore) Ping(ctx context.Context) error { return nil }

func testAggregator(t *testing.T) *estimation.Aggregator {
	t.Helper()
	dir := t.TempDir()

	rules := filepath.Join(dir, "rules.json")
	require.NoError(t, os.WriteFile(rules, []byte(`{
		"minor":    {"parts_usd": 60,  "labor_h": 0.8, "paint_h": 0.3},
		"moderate": {"parts_usd": 200, "labor_h": 1.5, "paint_h": 0.5}
	}`), 0o644))

	ranges := filepath.Join(dir, "ranges.json")
	require.NoError(t, os.WriteFile(ranges, []byte(`{
		"frame damage": "1,500+ USD"
	}`), 0o644))

	table, err := pricing.Load(rules, ranges, "car")
	require.NoError(t, err)
	return estimation.NewAggregator(table, estimation.DefaultRates())
}

func newTestServer(t *testing.T, detector detection.Detector, store ReportStore) *Server {
	t.Helper()
	return NewServer(detector, testAggregator(t), store, DefaultConfig())
}

func multipartImage(t *testing.T, fields map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for field, data := range fields {
		part, err := writer.CreateFormFile(field, field+".jpg")
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

// =============================================================================
// QUOTE
// =============================================================================

func TestHandleQuote(t *testing.T) {
	server := newTestServer(t, nil, nil)

	body := `{"detections": [{"class": "moderate"}, {"class": "moderate"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/quote", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp EstimateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, 2, resp.Counts["moderate"])

	// 200 + 1.5*95 + 0.5*120 + 50 materials = 452.50 each, total rounded once.
	line := resp.PerClassCosts["moderate"]
	require.NotNil(t, line.CostEach)
	assert.Equal(t, 452.5, *line.CostEach)
	assert.Equal(t, 905.0, resp.Totals.Min)
	require.NotNil(t, resp.Totals.Max)
	assert.Equal(t, 905.0, *resp.Totals.Max)
	assert.Equal(t, "USD", resp.Totals.Currency)
	require.NotNil(t, resp.Review)
}

func TestHandleQuoteOpenEnded(t *testing.T) {
	server := newTestServer(t, nil, nil)

	body := `{"detections": [{"class": "frame damage"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/quote", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp EstimateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Totals.OpenEnded)
	assert.Nil(t, resp.Totals.Max)
	assert.Equal(t, 1500.0, resp.Totals.Min)
	assert.Equal(t, "review", string(resp.Review.Decision))
}

func TestHandleQuoteInvalidInput(t *testing.T) {
	server := newTestServer(t, nil, nil)

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"detections": [`},
		{name: "empty class label", body: `{"detections": [{"class": ""}]}`},
		{name: "confidence out of range", body: `{"detections": [{"class": "minor", "confidence": 1.5}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/quote", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			server.Router().ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandleQuoteEmptyList(t *testing.T) {
	server := newTestServer(t, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/quote", strings.NewReader(`{"detections": []}`))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp EstimateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0.0, resp.Totals.Min)
	assert.False(t, resp.Totals.OpenEnded)
}

// =============================================================================
// ESTIMATE
// =============================================================================

func TestHandleEstimate(t *testing.T) {
	conf := 0.9
	detector := &stubDetector{result: &detection.Result{
		Detections: []detection.Detection{
			{Class: "minor", Confidence: &conf},
		},
		ImageWidth:  640,
		ImageHeight: 480,
	}}
	store := &stubStore{}
	server := newTestServer(t, detector, store)

	body, contentType := multipartImage(t, map[string][]byte{"image": []byte("jpeg")})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/estimate", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, detector.calls)

	var resp EstimateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Counts["minor"])
	require.Len(t, resp.Detections, 1)

	// The finished report lands in the store with the response ID.
	require.Len(t, store.saved, 1)
	assert.Equal(t, postgres.KindSingle, store.saved[0].Kind)
	assert.Equal(t, resp.ID, store.saved[0].ID.String())
}

func TestHandleEstimateNoDetector(t *testing.T) {
	server := newTestServer(t, nil, nil)

	body, contentType := multipartImage(t, map[string][]byte{"image": []byte("jpeg")})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/estimate", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleEstimateMissingImage(t *testing.T) {
	server := newTestServer(t, &stubDetector{}, nil)

	body, contentType := multipartImage(t, map[string][]byte{"wrong": []byte("jpeg")})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/estimate", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleEstimateDetectorFailure(t *testing.T) {
	detector := &stubDetector{err: errors.New("model offline")}
	server := newTestServer(t, detector, nil)

	body, contentType := multipartImage(t, map[string][]byte{"image": []byte("jpeg")})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/estimate", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleEstimatePersistFailureStillResponds(t *testing.T) {
	detector := &stubDetector{result: &detection.Result{
		Detections: []detection.Detection{{Class: "minor"}},
	}}
	store := &stubStore{saveErr: errors.New("db down")}
	server := newTestServer(t, detector, store)

	body, contentType := multipartImage(t, map[string][]byte{"image": []byte("jpeg")})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/estimate", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// COMPARE
// =============================================================================

// sequenceDetector returns different results per call.
type sequenceDetector struct {
	results []*detection.Result
	calls   int
}

func (d *sequenceDetector) Detect(ctx context.Context, imageData []byte) (*detection.Result, error) {
	r := d.results[d.calls%len(d.results)]
	d.calls++
	return r, nil
}

func TestHandleCompare(t *testing.T) {
	detector := &sequenceDetector{results: []*detection.Result{
		{Detections: []detection.Detection{{Class: "minor"}}},
		{Detections: []detection.Detection{{Class: "minor"}, {Class: "moderate"}}},
	}}
	store := &stubStore{}
	server := newTestServer(t, detector, store)

	body, contentType := multipartImage(t, map[string][]byte{
		"before": []byte("jpeg-before"),
		"after":  []byte("jpeg-after"),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/compare", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, detector.calls)

	var resp CompareResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, map[string]int{"minor": 1}, resp.BeforeCounts)
	assert.Equal(t, map[string]int{"minor": 1, "moderate": 1}, resp.AfterCounts)
	assert.Equal(t, map[string]int{"moderate": 1}, resp.NewDamageCounts)

	// Only the delta is billed: one moderate at 452.50, rounded at display.
	assert.Equal(t, 453.0, resp.NewDamageCosts.Totals.Min)

	require.Len(t, store.saved, 1)
	assert.Equal(t, postgres.KindCompare, store.saved[0].Kind)
}

func TestHandleCompareMissingAfter(t *testing.T) {
	server := newTestServer(t, &stubDetector{}, nil)

	body, contentType := multipartImage(t, map[string][]byte{"before": []byte("jpeg")})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/compare", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// REPORTS AND HEALTH
// =============================================================================

func TestHandleReports(t *testing.T) {
	store := &stubStore{reports: []postgres.Report{}}
	server := newTestServer(t, nil, store)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports?limit=5", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleReportsNoStore(t *testing.T) {
	server := newTestServer(t, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleReportsBadLimit(t *testing.T) {
	server := newTestServer(t, nil, &stubStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports?limit=zero", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	server := newTestServer(t, nil, &stubStore{})
	router := server.Router()

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/version"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	server := newTestServer(t, nil, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/quote", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
