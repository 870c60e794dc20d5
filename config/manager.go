package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Manager guards the live configuration for concurrent readers and applies
// validated partial updates from the config API.
type Manager struct {
	mu  sync.RWMutex
	cfg *Config
}

func NewManager(cfg *Config) *Manager {
	return &Manager{cfg: cfg}
}

// Get returns a snapshot of the current configuration. The snapshot shares
// map/slice backing with the live config; callers must treat it as read-only.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.cfg
}

func (m *Manager) Strategy() StrategyConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Strategy
}

func (m *Manager) Risk() RiskConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Risk
}

func (m *Manager) Recommendation() RecommendationConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Recommendation
}

func (m *Manager) Realtime() RealtimeConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Realtime
}

func (m *Manager) Testing() TestingConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Testing
}

// Clone returns a deep copy of the current configuration.
func (m *Manager) Clone() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.clone()
}

func (c *Config) clone() *Config {
	data, _ := json.Marshal(c)
	out := &Config{}
	_ = json.Unmarshal(data, out)
	return out
}

// Projection returns the configuration as a nested map with secrets elided.
func (m *Manager) Projection() map[string]interface{} {
	cp := m.Clone()
	cp.Database.Password = ""
	cp.Redis.Password = ""
	cp.Vault.Token = ""
	cp.Exchange.APIKey = ""
	cp.Exchange.SecretKey = ""
	cp.Exchange.Passphrase = ""

	data, _ := json.Marshal(cp)
	out := map[string]interface{}{}
	_ = json.Unmarshal(data, &out)
	return out
}

// Updatable sections for ApplyUpdate. Boot-time sections (server, database,
// redis, vault, exchange, logging) are immutable at runtime.
var updatableSections = map[string]bool{
	"strategy":       true,
	"risk":           true,
	"recommendation": true,
	"realtime":       true,
	"testing":        true,
	"commission":     true,
	"slippage":       true,
}

// Leaf paths whose values are objects/arrays and must not be flattened.
var objectLeaves = map[string]bool{
	"strategy.evThreshold":                true,
	"recommendation.trailing.flex.bands":  true,
}

// ApplyUpdate applies a partial configuration update. Unknown keys and keys
// outside the updatable sections are ignored; type coercions, range clamps
// and ignored keys are all reported in the returned warnings. Applying the
// same patch twice yields identical state.
func (m *Manager) ApplyUpdate(patch map[string]interface{}) []string {
	flat := map[string]interface{}{}
	flatten("", patch, flat)

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.cfg.clone()
	var warnings []string
	for _, key := range keys {
		warnings = append(warnings, applyKey(next, key, flat[key])...)
	}
	warnings = append(warnings, next.Normalize()...)
	m.cfg = next
	return warnings
}

func flatten(prefix string, in map[string]interface{}, out map[string]interface{}) {
	for k, v := range in {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok && !objectLeaves[path] {
			flatten(path, nested, out)
			continue
		}
		out[path] = v
	}
}

func applyKey(c *Config, key string, val interface{}) []string {
	section := key
	if i := strings.IndexByte(key, '.'); i >= 0 {
		section = key[:i]
	}
	if !updatableSections[section] {
		return []string{fmt.Sprintf("ignored immutable or unknown key: %s", key)}
	}

	var w []string
	switch key {
	case "commission":
		w = setFloat(&c.Commission, key, val)
	case "slippage":
		w = setFloat(&c.Slippage, key, val)

	case "strategy.symbol":
		w = setString(&c.Strategy.Symbol, key, val)
	case "strategy.interval":
		w = setString(&c.Strategy.Interval, key, val)
	case "strategy.analysisIntervalMs":
		w = setInt64(&c.Strategy.AnalysisIntervalMs, key, val)
	case "strategy.signalThreshold":
		w = setFloat(&c.Strategy.SignalThreshold, key, val)
	case "strategy.signalCooldownMs":
		w = setInt64(&c.Strategy.SignalCooldownMs, key, val)
	case "strategy.oppositeCooldownMs":
		w = setInt64(&c.Strategy.OppositeCooldownMs, key, val)
	case "strategy.globalMinIntervalMs":
		w = setInt64(&c.Strategy.GlobalMinIntervalMs, key, val)
	case "strategy.maxManualTriggersPerMin":
		w = setInt(&c.Strategy.MaxManualTriggersPerMin, key, val)
	case "strategy.duplicateWindowMinutes":
		w = setInt(&c.Strategy.DuplicateWindowMinutes, key, val)
	case "strategy.duplicatePriceBps":
		w = setFloat(&c.Strategy.DuplicatePriceBps, key, val)
	case "strategy.kronosGateEnabled":
		w = setBool(&c.Strategy.KronosGateEnabled, key, val)
	case "strategy.evThreshold":
		data, err := json.Marshal(val)
		if err == nil {
			err = c.Strategy.EVThreshold.UnmarshalJSON(data)
		}
		if err != nil {
			w = []string{fmt.Sprintf("rejected %s: %v", key, err)}
		}
	case "strategy.oppositeMinConfidence":
		w = setFloat(&c.Strategy.OppositeMinConfidence, key, val)
	case "strategy.oppositeMinConfidenceByDirection.LONG":
		w = setFloat(&c.Strategy.OppositeMinConfidenceBy.Long, key, val)
	case "strategy.oppositeMinConfidenceByDirection.SHORT":
		w = setFloat(&c.Strategy.OppositeMinConfidenceBy.Short, key, val)
	case "strategy.cooldown.sameDir.LONG":
		w = setInt64(&c.Strategy.Cooldown.SameDir.Long, key, val)
	case "strategy.cooldown.sameDir.SHORT":
		w = setInt64(&c.Strategy.Cooldown.SameDir.Short, key, val)
	case "strategy.cooldown.opposite.LONG":
		w = setInt64(&c.Strategy.Cooldown.Opposite.Long, key, val)
	case "strategy.cooldown.opposite.SHORT":
		w = setInt64(&c.Strategy.Cooldown.Opposite.Short, key, val)
	case "strategy.entryFilters.minCombinedStrengthLong":
		w = setFloat(&c.Strategy.EntryFilters.MinCombinedStrengthLong, key, val)
	case "strategy.entryFilters.minCombinedStrengthShort":
		w = setFloat(&c.Strategy.EntryFilters.MinCombinedStrengthShort, key, val)
	case "strategy.entryFilters.requireMTFAlignment":
		w = setBool(&c.Strategy.EntryFilters.RequireMTFAlignment, key, val)
	case "strategy.entryFilters.mtfInterval":
		w = setString(&c.Strategy.EntryFilters.MTFInterval, key, val)
	case "strategy.marketRegime.avoidExtremeSentiment":
		w = setBool(&c.Strategy.MarketRegime.AvoidExtremeSentiment, key, val)
	case "strategy.marketRegime.extremeSentimentLow":
		w = setInt(&c.Strategy.MarketRegime.ExtremeSentimentLow, key, val)
	case "strategy.marketRegime.extremeSentimentHigh":
		w = setInt(&c.Strategy.MarketRegime.ExtremeSentimentHigh, key, val)
	case "strategy.marketRegime.avoidHighFunding":
		w = setBool(&c.Strategy.MarketRegime.AvoidHighFunding, key, val)
	case "strategy.marketRegime.highFundingAbs":
		w = setFloat(&c.Strategy.MarketRegime.HighFundingAbs, key, val)

	case "risk.maxPositionSize":
		w = setFloat(&c.Risk.MaxPositionSize, key, val)
	case "risk.stopLossPercent":
		w = setFloat(&c.Risk.StopLossPercent, key, val)
	case "risk.maxSameDirectionActives":
		w = setInt(&c.Risk.MaxSameDirectionActives, key, val)
	case "risk.maxNetLong":
		w = setInt(&c.Risk.MaxNetLong, key, val)
	case "risk.maxNetShort":
		w = setInt(&c.Risk.MaxNetShort, key, val)
	case "risk.maxOrdersPerHour":
		w = setInt(&c.Risk.MaxOrdersPerHour, key, val)

	case "recommendation.maxHoldingHours":
		w = setFloat(&c.Recommendation.MaxHoldingHours, key, val)
	case "recommendation.concurrencyCountAgeHours":
		w = setFloat(&c.Recommendation.ConcurrencyCountAgeHours, key, val)
	case "recommendation.evalIntervalMs":
		w = setInt64(&c.Recommendation.EvalIntervalMs, key, val)
	case "recommendation.breakevenEpsilonPct":
		w = setFloat(&c.Recommendation.BreakevenEpsilonPct, key, val)
	case "recommendation.pruneAfterDays":
		w = setInt(&c.Recommendation.PruneAfterDays, key, val)
	case "recommendation.pruneSchedule":
		w = setString(&c.Recommendation.PruneSchedule, key, val)
	case "recommendation.trailing.enabled":
		w = setBool(&c.Recommendation.Trailing.Enabled, key, val)
	case "recommendation.trailing.percent":
		w = setFloat(&c.Recommendation.Trailing.Percent, key, val)
	case "recommendation.trailing.activateOnBreakeven":
		w = setBool(&c.Recommendation.Trailing.ActivateOnBreakeven, key, val)
	case "recommendation.trailing.activateProfitPct":
		w = setFloat(&c.Recommendation.Trailing.ActivateProfitPct, key, val)
	case "recommendation.trailing.flex.enabled":
		w = setBool(&c.Recommendation.Trailing.Flex.Enabled, key, val)
	case "recommendation.trailing.flex.bands":
		data, err := json.Marshal(val)
		var bands []FlexBand
		if err == nil {
			err = json.Unmarshal(data, &bands)
		}
		if err != nil {
			w = []string{fmt.Sprintf("rejected %s: expected [{minProfitPct, trailPercent}]", key)}
		} else {
			c.Recommendation.Trailing.Flex.Bands = bands
		}

	case "realtime.dedupeEnabled":
		w = setBool(&c.Realtime.DedupeEnabled, key, val)
	case "realtime.dedupeWindowMs":
		w = setInt64(&c.Realtime.DedupeWindowMs, key, val)
	case "realtime.jitterEnabled":
		w = setBool(&c.Realtime.JitterEnabled, key, val)
	case "realtime.jitterMaxMs":
		w = setInt64(&c.Realtime.JitterMaxMs, key, val)
	case "realtime.snapshotEnabled":
		w = setBool(&c.Realtime.SnapshotEnabled, key, val)
	case "realtime.snapshotDir":
		w = setString(&c.Realtime.SnapshotDir, key, val)
	case "realtime.snapshotRetentionDays":
		w = setInt(&c.Realtime.SnapshotRetentionDays, key, val)

	case "testing.allowPriceOverride":
		w = setBool(&c.Testing.AllowPriceOverride, key, val)
	case "testing.allowFGIOverride":
		w = setBool(&c.Testing.AllowFGIOverride, key, val)
	case "testing.allowFundingOverride":
		w = setBool(&c.Testing.AllowFundingOverride, key, val)
	case "testing.priceOverrideDefaultTtlMs":
		w = setInt64(&c.Testing.PriceOverrideDefaultTtlMs, key, val)
	case "testing.fgiOverrideDefaultTtlMs":
		w = setInt64(&c.Testing.FGIOverrideDefaultTtlMs, key, val)
	case "testing.fundingOverrideDefaultTtlMs":
		w = setInt64(&c.Testing.FundingOverrideDefaultTtlMs, key, val)

	default:
		w = []string{fmt.Sprintf("ignored unknown key: %s", key)}
	}
	return w
}

func coerceFloat(val interface{}) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func setFloat(dst *float64, key string, val interface{}) []string {
	f, ok := coerceFloat(val)
	if !ok {
		return []string{fmt.Sprintf("rejected %s: expected number, got %T", key, val)}
	}
	var w []string
	if _, isStr := val.(string); isStr {
		w = append(w, fmt.Sprintf("coerced %s from string to number", key))
	}
	*dst = f
	return w
}

func setInt64(dst *int64, key string, val interface{}) []string {
	f, ok := coerceFloat(val)
	if !ok {
		return []string{fmt.Sprintf("rejected %s: expected integer, got %T", key, val)}
	}
	var w []string
	if _, isStr := val.(string); isStr {
		w = append(w, fmt.Sprintf("coerced %s from string to number", key))
	}
	if f != float64(int64(f)) {
		w = append(w, fmt.Sprintf("coerced %s to integer", key))
	}
	*dst = int64(f)
	return w
}

func setInt(dst *int, key string, val interface{}) []string {
	v64 := int64(*dst)
	w := setInt64(&v64, key, val)
	*dst = int(v64)
	return w
}

func setBool(dst *bool, key string, val interface{}) []string {
	switch v := val.(type) {
	case bool:
		*dst = v
		return nil
	case string:
		if v == "true" || v == "false" {
			*dst = v == "true"
			return []string{fmt.Sprintf("coerced %s from string to bool", key)}
		}
	}
	return []string{fmt.Sprintf("rejected %s: expected bool, got %T", key, val)}
}

func setString(dst *string, key string, val interface{}) []string {
	s, ok := val.(string)
	if !ok {
		return []string{fmt.Sprintf("rejected %s: expected string, got %T", key, val)}
	}
	*dst = s
	return nil
}
