package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"damage-cost/db/postgres"
	"damage-cost/internal/detection"
	"damage-cost/internal/estimation"
	"damage-cost/internal/review"
)

// =============================================================================
// RESPONSE SHAPES
// =============================================================================

// PerClassCostResponse is one line item of the estimate.
type PerClassCostResponse struct {
	Count       int      `json:"count"`
	CostEach    *float64 `json:"cost_each,omitempty"`
	MinEach     *float64 `json:"min_each,omitempty"`
	MaxEach     *float64 `json:"max_each,omitempty"`
	RangeText   string   `json:"range_text,omitempty"`
	OpenEnded   bool     `json:"open_ended"`
	Priced      bool     `json:"priced"`
	Note        string   `json:"note,omitempty"`
	SubtotalMin float64  `json:"subtotal_min"`
	SubtotalMax *float64 `json:"subtotal_max"`
}

// TotalsResponse is the estimate bottom line. Totals are rounded to whole
// currency units here, once; the core keeps exact decimals.
type TotalsResponse struct {
	Min       float64  `json:"min"`
	Max       *float64 `json:"max"`
	OpenEnded bool     `json:"open_ended"`
	Currency  string   `json:"currency"`
	Display   string   `json:"display"`
}

// CostSummaryResponse mirrors estimation.Summary on the wire.
type CostSummaryResponse struct {
	Counts        map[string]int                  `json:"counts"`
	PerClassCosts map[string]PerClassCostResponse `json:"per_class_costs"`
	Totals        TotalsResponse                  `json:"totals"`
}

// EstimateResponse is the single-image report.
type EstimateResponse struct {
	ID         string                `json:"id"`
	Detections []detection.Detection `json:"detections"`
	CostSummaryResponse
	Review      *review.Outcome `json:"review,omitempty"`
	EstimatedAt string          `json:"estimated_at"`
}

// CompareResponse is the before/after report.
type CompareResponse struct {
	ID              string                `json:"id"`
	Before          []detection.Detection `json:"before"`
	After           []detection.Detection `json:"after"`
	BeforeCounts    map[string]int        `json:"before_counts"`
	AfterCounts     map[string]int        `json:"after_counts"`
	NewDamageCounts map[string]int        `json:"new_damage_counts"`
	NewDamageCosts  CostSummaryResponse   `json:"new_damage_costs"`
	Review          *review.Outcome       `json:"review,omitempty"`
	EstimatedAt     string                `json:"estimated_at"`
}

func roundedUnit(d decimal.Decimal) float64 {
	f, _ := d.Round(2).Float64()
	return f
}

func roundedTotal(d decimal.Decimal) float64 {
	f, _ := d.Round(0).Float64()
	return f
}

// BuildCostSummary shapes a summary for JSON output. The CLI reuses it so
// table and JSON renderings agree with the API.
func BuildCostSummary(s *estimation.Summary) CostSummaryResponse {
	resp := CostSummaryResponse{
		Counts:        s.Counts,
		PerClassCosts: make(map[string]PerClassCostResponse, len(s.PerClass)),
	}

	for class, line := range s.PerClass {
		item := PerClassCostResponse{
			Count:       line.Count,
			RangeText:   line.RangeText,
			OpenEnded:   line.OpenEnded,
			Priced:      line.Priced,
			Note:        line.Note,
			SubtotalMin: roundedUnit(line.SubtotalMin),
		}
		if line.Priced {
			if line.Exact {
				each := roundedUnit(line.UnitMin)
				item.CostEach = &each
			} else {
				minEach := roundedUnit(line.UnitMin)
				item.MinEach = &minEach
				if line.UnitMax != nil {
					maxEach := roundedUnit(*line.UnitMax)
					item.MaxEach = &maxEach
				}
			}
		}
		if line.SubtotalMax != nil {
			max := roundedUnit(*line.SubtotalMax)
			item.SubtotalMax = &max
		}
		resp.PerClassCosts[class] = item
	}

	resp.Totals = TotalsResponse{
		Min:       roundedTotal(s.Totals.Min),
		OpenEnded: s.Totals.OpenEnded,
		Currency:  s.Totals.Currency,
		Display:   s.Totals.String(),
	}
	if s.Totals.Max != nil {
		max := roundedTotal(*s.Totals.Max)
		resp.Totals.Max = &max
	}
	return resp
}

// =============================================================================
// QUOTE ENDPOINT (detections in, costs out; no inference)
// =============================================================================

// QuoteRequest carries pre-computed detections for costing.
type QuoteRequest struct {
	Detections []detection.Detection `json:"detections"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)

	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	summary, err := s.aggregator.Aggregate(req.Detections)
	if err != nil {
		if errors.Is(err, detection.ErrInvalidInput) {
			s.jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.jsonError(w, http.StatusInternalServerError, "aggregation failed: "+err.Error())
		return
	}

	minConf, hasConf := detection.MinConfidence(req.Detections)
	resp := EstimateResponse{
		ID:                  uuid.New().String(),
		Detections:          req.Detections,
		CostSummaryResponse: BuildCostSummary(summary),
		Review:              s.reviewer.Evaluate(summary, minConf, hasConf),
		EstimatedAt:         time.Now().UTC().Format(time.RFC3339),
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// =============================================================================
// ESTIMATE ENDPOINT (single image)
// =============================================================================

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	if s.detector == nil {
		s.jsonError(w, http.StatusServiceUnavailable, "detection adapter is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
	image, err := s.readImageField(r, "image")
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.detector.Detect(r.Context(), image)
	if err != nil {
		// Upstream model failure: the core is never invoked on absent data.
		s.jsonError(w, http.StatusBadGateway, "detection failed: "+err.Error())
		return
	}

	summary, err := s.aggregator.Aggregate(result.Detections)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, "aggregation failed: "+err.Error())
		return
	}

	minConf, hasConf := detection.MinConfidence(result.Detections)
	resp := EstimateResponse{
		ID:                  uuid.New().String(),
		Detections:          result.Detections,
		CostSummaryResponse: BuildCostSummary(summary),
		Review:              s.reviewer.Evaluate(summary, minConf, hasConf),
		EstimatedAt:         time.Now().UTC().Format(time.RFC3339),
	}

	s.persistReport(r.Context(), postgres.KindSingle, resp.ID, summary, resp.Review, resp)
	s.jsonResponse(w, http.StatusOK, resp)
}

// =============================================================================
// COMPARE ENDPOINT (before/after)
// =============================================================================

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	if s.detector == nil {
		s.jsonError(w, http.StatusServiceUnavailable, "detection adapter is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
	before, err := s.readImageField(r, "before")
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	after, err := s.readImageField(r, "after")
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	beforeResult, err := s.detector.Detect(r.Context(), before)
	if err != nil {
		s.jsonError(w, http.StatusBadGateway, "detection failed on before image: "+err.Error())
		return
	}
	afterResult, err := s.detector.Detect(r.Context(), after)
	if err != nil {
		s.jsonError(w, http.StatusBadGateway, "detection failed on after image: "+err.Error())
		return
	}

	comparisonResult, err := s.comparer.Compare(beforeResult.Detections, afterResult.Detections)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, "comparison failed: "+err.Error())
		return
	}

	minConf, hasConf := detection.MinConfidence(afterResult.Detections)
	resp := CompareResponse{
		ID:              uuid.New().String(),
		Before:          beforeResult.Detections,
		After:           afterResult.Detections,
		BeforeCounts:    comparisonResult.BeforeCounts,
		AfterCounts:     comparisonResult.AfterCounts,
		NewDamageCounts: comparisonResult.NewDamageCounts,
		NewDamageCosts:  BuildCostSummary(comparisonResult.NewDamageCosts),
		Review:          s.reviewer.Evaluate(comparisonResult.NewDamageCosts, minConf, hasConf),
		EstimatedAt:     time.Now().UTC().Format(time.RFC3339),
	}

	s.persistReport(r.Context(), postgres.KindCompare, resp.ID, comparisonResult.NewDamageCosts, resp.Review, resp)
	s.jsonResponse(w, http.StatusOK, resp)
}

// =============================================================================
// REPORTS ENDPOINT
// =============================================================================

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.jsonError(w, http.StatusServiceUnavailable, "report persistence is not configured")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.jsonError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	reports, err := s.store.RecentReports(r.Context(), limit)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, "failed to list reports: "+err.Error())
		return
	}

	type ReportSummary struct {
		ID        string          `json:"id"`
		Kind      string          `json:"kind"`
		CreatedAt string          `json:"created_at"`
		Counts    map[string]int  `json:"counts"`
		TotalMin  float64         `json:"total_min"`
		TotalMax  *float64        `json:"total_max"`
		OpenEnded bool            `json:"open_ended"`
		Decision  string          `json:"decision"`
		Payload   json.RawMessage `json:"payload"`
	}

	resp := make([]ReportSummary, len(reports))
	for i, rep := range reports {
		item := ReportSummary{
			ID:        rep.ID.String(),
			Kind:      string(rep.Kind),
			CreatedAt: rep.CreatedAt.Format(time.RFC3339),
			Counts:    rep.Counts,
			TotalMin:  roundedTotal(rep.TotalMin),
			OpenEnded: rep.OpenEnded,
			Decision:  rep.Decision,
			Payload:   rep.Payload,
		}
		if rep.TotalMax != nil {
			max := roundedTotal(*rep.TotalMax)
			item.TotalMax = &max
		}
		resp[i] = item
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// persistReport saves the finished report when a store is configured.
// Persistence failures are logged, never surfaced: the user already has the
// estimate.
func (s *Server) persistReport(ctx context.Context, kind postgres.ReportKind, id string, summary *estimation.Summary, outcome *review.Outcome, body any) {
	if s.store == nil {
		return
	}

	payload, err := json.Marshal(body)
	if err != nil {
		log.Error().Err(err).Msg("marshal report payload")
		return
	}

	report := &postgres.Report{
		Kind:      kind,
		Counts:    summary.Counts,
		TotalMin:  summary.Totals.Min,
		TotalMax:  summary.Totals.Max,
		OpenEnded: summary.Totals.OpenEnded,
		Payload:   payload,
	}
	if parsed, err := uuid.Parse(id); err == nil {
		report.ID = parsed
	}
	if outcome != nil {
		report.Decision = string(outcome.Decision)
	}

	if err := s.store.SaveReport(ctx, report); err != nil {
		log.Error().Err(err).Str("report_id", id).Msg("persist report")
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}
