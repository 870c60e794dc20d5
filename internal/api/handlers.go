package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"okx-trading-advisor/internal/market"
	"okx-trading-advisor/internal/reco"
)

// ===== HEALTH HANDLERS =====

// handleHealth reports component liveness. Degraded storage flips the status
// code to 503 so load balancers can react.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	healthy := true
	components := gin.H{}

	if s.repo != nil {
		if err := s.repo.HealthCheck(ctx); err != nil {
			components["database"] = "unhealthy"
			healthy = false
		} else {
			components["database"] = "healthy"
		}
	} else {
		components["database"] = "disabled"
	}

	if s.redis != nil {
		if s.redis.IsHealthy() {
			components["redis"] = "healthy"
		} else {
			components["redis"] = "degraded"
		}
	} else {
		components["redis"] = "disabled"
	}

	components["breakers"] = s.gateway.Stats().Breakers

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	payload := gin.H{
		"status":        status,
		"uptimeSeconds": int64(s.clk.Now().Sub(s.startedAt).Seconds()),
		"components":    components,
	}
	if healthy {
		s.respond(c, code, payload)
		return
	}
	c.JSON(code, envelope{Success: false, Data: payload, Error: "service degraded", Timestamp: s.timestamp()})
}

// ===== STRATEGY HANDLERS =====

// handleStrategyStatus returns the scheduler state.
func (s *Server) handleStrategyStatus(c *gin.Context) {
	s.respond(c, http.StatusOK, s.trigger.Status())
}

// handleStrategyAnalysis returns the latest analysis result. The raw model
// projection is stripped from the signal while the projection gate is off so
// clients never act on numbers that had no bearing on the decision.
func (s *Server) handleStrategyAnalysis(c *gin.Context) {
	res := s.trigger.LastAnalysis()
	if res != nil && res.Signal != nil && !s.cfg.Strategy().KronosGateEnabled {
		delete(res.Signal.Metadata, "kronos")
	}
	s.respond(c, http.StatusOK, res)
}

// handleTriggerAnalysis runs an on-demand analysis pass. Gate denials map to
// 429 with a Retry-After header.
func (s *Server) handleTriggerAnalysis(c *gin.Context) {
	res, err := s.trigger.TriggerManual(c.Request.Context())
	if err != nil {
		var adm *reco.AdmissionError
		if errors.As(err, &adm) {
			s.failAdmission(c, adm)
			return
		}
		s.fail(c, http.StatusInternalServerError, "analysis failed: "+err.Error())
		return
	}
	s.respond(c, http.StatusOK, res)
}

// handleStrategyProgress returns the latest progress snapshot.
func (s *Server) handleStrategyProgress(c *gin.Context) {
	s.respond(c, http.StatusOK, s.trigger.Progress())
}

// failAdmission maps a gate denial to 429. Denials that carry a retry hint
// also set the Retry-After header, rounded up to whole seconds.
func (s *Server) failAdmission(c *gin.Context, adm *reco.AdmissionError) {
	if adm.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(adm.RetryAfter.Seconds()))))
	}
	s.fail(c, http.StatusTooManyRequests, adm.Error())
}

// ===== MARKET DATA HANDLERS =====

// handleTicker returns the last price for a symbol.
func (s *Server) handleTicker(c *gin.Context) {
	symbol := symbolParam(c)
	if symbol == "" {
		s.fail(c, http.StatusBadRequest, "symbol is required")
		return
	}
	ticker, err := s.gateway.GetTicker(c.Request.Context(), symbol)
	if err != nil {
		s.failUpstream(c, err, "failed to fetch ticker")
		return
	}
	s.respond(c, http.StatusOK, ticker)
}

// handleKlines returns recent candles for a symbol.
func (s *Server) handleKlines(c *gin.Context) {
	symbol := symbolParam(c)
	if symbol == "" {
		s.fail(c, http.StatusBadRequest, "symbol is required")
		return
	}
	interval := strings.TrimSpace(c.Query("interval"))
	if interval == "" {
		interval = s.cfg.Strategy().Interval
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.fail(c, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	klines, err := s.gateway.GetKlines(c.Request.Context(), symbol, interval, limit)
	if err != nil {
		s.failUpstream(c, err, "failed to fetch klines")
		return
	}
	s.respond(c, http.StatusOK, gin.H{
		"symbol":   symbol,
		"interval": interval,
		"klines":   klines,
	})
}

// handleFundingRate returns the current funding rate for a symbol.
func (s *Server) handleFundingRate(c *gin.Context) {
	symbol := symbolParam(c)
	if symbol == "" {
		s.fail(c, http.StatusBadRequest, "symbol is required")
		return
	}
	rate, err := s.gateway.GetFundingRate(c.Request.Context(), symbol)
	if err != nil {
		s.failUpstream(c, err, "failed to fetch funding rate")
		return
	}
	s.respond(c, http.StatusOK, gin.H{"symbol": symbol, "fundingRate": rate})
}

// handleSentiment returns the fear & greed index.
func (s *Server) handleSentiment(c *gin.Context) {
	idx, err := s.gateway.GetSentiment(c.Request.Context())
	if err != nil {
		s.failUpstream(c, err, "failed to fetch sentiment")
		return
	}
	s.respond(c, http.StatusOK, idx)
}

// failUpstream maps a gateway error onto the wire. Credential failures get a
// stable message, client errors bounce back as 400.
func (s *Server) failUpstream(c *gin.Context, err error, message string) {
	switch market.Classify(err) {
	case market.ErrClassAuthError:
		s.fail(c, http.StatusInternalServerError, "API key invalid")
	case market.ErrClassClientError:
		s.fail(c, http.StatusBadRequest, err.Error())
	default:
		s.fail(c, http.StatusInternalServerError, message)
	}
}

func symbolParam(c *gin.Context) string {
	return strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
}

// ===== CONFIG HANDLERS =====

// handleGetConfig returns the sanitized runtime configuration.
func (s *Server) handleGetConfig(c *gin.Context) {
	s.respond(c, http.StatusOK, s.cfg.Projection())
}

// handleUpdateConfig applies a partial update. Unknown or clamped fields come
// back as warnings next to the resulting config.
func (s *Server) handleUpdateConfig(c *gin.Context) {
	var patch map[string]interface{}
	if err := c.ShouldBindJSON(&patch); err != nil {
		s.fail(c, http.StatusBadRequest, "invalid JSON body")
		return
	}

	warnings := s.cfg.ApplyUpdate(patch)
	if warnings == nil {
		warnings = []string{}
	}
	s.logger.Info().Int("fields", len(patch)).Int("warnings", len(warnings)).Msg("Config updated")

	s.respond(c, http.StatusOK, gin.H{
		"config":   s.cfg.Projection(),
		"warnings": warnings,
	})
}

// ===== TESTING OVERRIDE HANDLERS =====

type priceOverrideRequest struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	TtlMs  int64   `json:"ttlMs"`
}

type fgiOverrideRequest struct {
	Value          *int   `json:"value"`
	Classification string `json:"classification"`
	TtlMs          int64  `json:"ttlMs"`
}

type fundingOverrideRequest struct {
	Symbol string   `json:"symbol"`
	Rate   *float64 `json:"rate"`
	TtlMs  int64    `json:"ttlMs"`
}

type clearOverrideRequest struct {
	Symbol string `json:"symbol"`
}

// handleListOverrides returns the active overrides with remaining TTLs.
func (s *Server) handleListOverrides(c *gin.Context) {
	s.respond(c, http.StatusOK, gin.H{"overrides": s.gateway.ActiveOverrides()})
}

// handleSetPriceOverride pins the ticker price for a symbol.
func (s *Server) handleSetPriceOverride(c *gin.Context) {
	var req priceOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		s.fail(c, http.StatusBadRequest, "symbol is required")
		return
	}

	if err := s.gateway.SetPriceOverride(symbol, req.Price, time.Duration(req.TtlMs)*time.Millisecond); err != nil {
		s.failOverride(c, err, "price overrides are disabled")
		return
	}
	s.logger.Info().Str("symbol", symbol).Float64("price", req.Price).Msg("Price override set")
	s.respond(c, http.StatusOK, gin.H{"overrides": s.gateway.ActiveOverrides()})
}

// handleClearPriceOverride removes one or all price overrides.
func (s *Server) handleClearPriceOverride(c *gin.Context) {
	if !s.cfg.Testing().AllowPriceOverride {
		s.fail(c, http.StatusForbidden, "price overrides are disabled")
		return
	}
	req, ok := s.bindClearRequest(c)
	if !ok {
		return
	}
	s.gateway.ClearPriceOverride(strings.ToUpper(strings.TrimSpace(req.Symbol)))
	s.respond(c, http.StatusOK, gin.H{"overrides": s.gateway.ActiveOverrides()})
}

// handleSetFGIOverride pins the sentiment index.
func (s *Server) handleSetFGIOverride(c *gin.Context) {
	var req fgiOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Value == nil {
		s.fail(c, http.StatusBadRequest, "value is required")
		return
	}

	if err := s.gateway.SetSentimentOverride(*req.Value, req.Classification, time.Duration(req.TtlMs)*time.Millisecond); err != nil {
		s.failOverride(c, err, "sentiment overrides are disabled")
		return
	}
	s.logger.Info().Int("value", *req.Value).Msg("Sentiment override set")
	s.respond(c, http.StatusOK, gin.H{"overrides": s.gateway.ActiveOverrides()})
}

// handleClearFGIOverride removes the sentiment override.
func (s *Server) handleClearFGIOverride(c *gin.Context) {
	if !s.cfg.Testing().AllowFGIOverride {
		s.fail(c, http.StatusForbidden, "sentiment overrides are disabled")
		return
	}
	s.gateway.ClearSentimentOverride()
	s.respond(c, http.StatusOK, gin.H{"overrides": s.gateway.ActiveOverrides()})
}

// handleSetFundingOverride pins the funding rate for a symbol.
func (s *Server) handleSetFundingOverride(c *gin.Context) {
	var req fundingOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		s.fail(c, http.StatusBadRequest, "symbol is required")
		return
	}
	if req.Rate == nil {
		s.fail(c, http.StatusBadRequest, "rate is required")
		return
	}

	if err := s.gateway.SetFundingOverride(symbol, *req.Rate, time.Duration(req.TtlMs)*time.Millisecond); err != nil {
		s.failOverride(c, err, "funding overrides are disabled")
		return
	}
	s.logger.Info().Str("symbol", symbol).Float64("rate", *req.Rate).Msg("Funding override set")
	s.respond(c, http.StatusOK, gin.H{"overrides": s.gateway.ActiveOverrides()})
}

// handleClearFundingOverride removes one or all funding overrides.
func (s *Server) handleClearFundingOverride(c *gin.Context) {
	if !s.cfg.Testing().AllowFundingOverride {
		s.fail(c, http.StatusForbidden, "funding overrides are disabled")
		return
	}
	req, ok := s.bindClearRequest(c)
	if !ok {
		return
	}
	s.gateway.ClearFundingOverride(strings.ToUpper(strings.TrimSpace(req.Symbol)))
	s.respond(c, http.StatusOK, gin.H{"overrides": s.gateway.ActiveOverrides()})
}

func (s *Server) failOverride(c *gin.Context, err error, forbidden string) {
	if errors.Is(err, market.ErrOverrideNotAllowed) {
		s.fail(c, http.StatusForbidden, forbidden)
		return
	}
	s.fail(c, http.StatusBadRequest, err.Error())
}

// bindClearRequest reads the optional {"symbol": "..."} body. An empty body
// clears every override of that kind.
func (s *Server) bindClearRequest(c *gin.Context) (clearOverrideRequest, bool) {
	var req clearOverrideRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, http.StatusBadRequest, "invalid JSON body")
			return req, false
		}
	}
	return req, true
}

// ===== RECOMMENDATION HANDLERS =====

// handleCreateRecommendation ingests a manual signal through the same gates
// the strategy uses.
func (s *Server) handleCreateRecommendation(c *gin.Context) {
	var sig reco.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		s.fail(c, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if sig.Source == "" {
		sig.Source = "api"
	}

	rec, err := s.tracker.Ingest(c.Request.Context(), sig)
	if err != nil {
		var verr *reco.ValidationError
		if errors.As(err, &verr) {
			s.fail(c, http.StatusBadRequest, verr.Error())
			return
		}
		var adm *reco.AdmissionError
		if errors.As(err, &adm) {
			s.failAdmission(c, adm)
			return
		}
		s.logger.Error().Err(err).Str("symbol", sig.Symbol).Msg("Recommendation ingest failed")
		s.fail(c, http.StatusInternalServerError, "failed to create recommendation")
		return
	}
	s.respond(c, http.StatusCreated, rec)
}

// handleActiveRecommendations returns all open recommendations.
func (s *Server) handleActiveRecommendations(c *gin.Context) {
	s.respond(c, http.StatusOK, gin.H{"recommendations": s.tracker.ListActive()})
}

// handleRecommendationHistory returns closed recommendations, newest first.
func (s *Server) handleRecommendationHistory(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.fail(c, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	recs, err := s.tracker.ListHistory(c.Request.Context(), symbol, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("History query failed")
		s.fail(c, http.StatusInternalServerError, "failed to fetch history")
		return
	}
	s.respond(c, http.StatusOK, gin.H{"recommendations": recs})
}

// handleCloseRecommendation force-closes a recommendation at the current price.
func (s *Server) handleCloseRecommendation(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))

	rec, err := s.tracker.CloseByID(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, reco.ErrNotFound):
			s.fail(c, http.StatusNotFound, "recommendation not found")
		case errors.Is(err, reco.ErrAlreadyClosed):
			s.fail(c, http.StatusConflict, "recommendation already closed")
		default:
			s.logger.Error().Err(err).Str("id", id).Msg("Manual close failed")
			s.fail(c, http.StatusInternalServerError, "failed to close recommendation")
		}
		return
	}
	s.respond(c, http.StatusOK, rec)
}

// handleRecommendationStats returns aggregate or per-symbol performance.
func (s *Server) handleRecommendationStats(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	if symbol == "" {
		s.respond(c, http.StatusOK, s.tracker.Stats())
		return
	}

	stats, err := s.tracker.StatsForSymbol(c.Request.Context(), symbol)
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", symbol).Msg("Stats query failed")
		s.fail(c, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	s.respond(c, http.StatusOK, stats)
}
