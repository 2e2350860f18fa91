package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/cache"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/metrics"
)

// Config tunes the matcher.
type Config struct {
	// LLMConfidenceFloor is the percentage an LLM classification must exceed
	// to be accepted.
	LLMConfidenceFloor int
	// ClassifierTimeout bounds one fallback call.
	ClassifierTimeout time.Duration
	// CacheTTL is how long classifications stay in the shared cache.
	CacheTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		LLMConfidenceFloor: 70,
		ClassifierTimeout:  10 * time.Second,
		CacheTTL:           time.Hour,
	}
}

// Matcher is the Tier-1 intent matcher: ordered deterministic rules with an
// LLM classifier fallback.
type Matcher struct {
	rules      []rule
	classifier llm.Classifier
	cache      *cache.TTLCache
	cfg        Config
	logger     *zap.Logger
	pending    sync.WaitGroup
}

// NewMatcher creates a matcher. classifier and c may be nil, in which case
// the fallback always yields no match or runs uncached.
func NewMatcher(cfg Config, classifier llm.Classifier, c *cache.TTLCache, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.LLMConfidenceFloor <= 0 {
		cfg.LLMConfidenceFloor = def.LLMConfidenceFloor
	}
	if cfg.ClassifierTimeout <= 0 {
		cfg.ClassifierTimeout = def.ClassifierTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	return &Matcher{
		rules:      defaultRules(),
		classifier: classifier,
		cache:      c,
		cfg:        cfg,
		logger:     logger,
	}
}

// MatchPattern runs only the deterministic rules.
func (m *Matcher) MatchPattern(query string) Match {
	q := strings.TrimSpace(query)
	if q == "" {
		return NoMatch("empty query")
	}
	for _, r := range m.rules {
		if res, ok := r.match(q); ok {
			return res
		}
	}
	return NoMatch("no deterministic rule matched")
}

// Match classifies query. It never fails: classifier errors degrade to an
// ambiguous no-match so Tier 3 takes over.
func (m *Matcher) Match(ctx context.Context, query, correlationID string) Match {
	res := m.MatchPattern(query)
	if res.Matched && res.IntentType != agents.IntentAmbiguous {
		metrics.IntentMatches.WithLabelValues(string(res.IntentType), SourcePattern).Inc()
		m.logger.Debug("Pattern match",
			zap.String("correlation_id", correlationID),
			zap.String("intent", string(res.IntentType)),
			zap.Int("confidence", res.Confidence),
			zap.String("reason", res.Reason),
		)
		return res
	}

	if m.classifier == nil {
		metrics.IntentMatches.WithLabelValues(string(agents.IntentAmbiguous), SourceNone).Inc()
		return res
	}

	cls, cacheHit, latency, err := m.classify(ctx, query, correlationID)
	if err != nil {
		m.logAsync(correlationID, "error", latency, cacheHit, 0)
		m.logger.Warn("Intent classifier unavailable, treating query as ambiguous",
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
		metrics.IntentMatches.WithLabelValues(string(agents.IntentAmbiguous), SourceNone).Inc()
		return NoMatch("classifier unavailable")
	}

	out, accepted := m.fromClassification(cls)
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	if cacheHit {
		outcome = "cache_hit_" + outcome
	}
	m.logAsync(correlationID, outcome, latency, cacheHit, cls.CostUSD)
	metrics.IntentMatches.WithLabelValues(string(out.IntentType), out.Source).Inc()
	return out
}

// classify consults the shared cache before calling the classifier.
func (m *Matcher) classify(ctx context.Context, query, correlationID string) (llm.Classification, bool, time.Duration, error) {
	key := cache.IntentKey(query)
	if m.cache != nil {
		if raw, ok := m.cache.Get(key); ok {
			var cls llm.Classification
			if err := json.Unmarshal(raw, &cls); err == nil {
				return cls, true, 0, nil
			}
			m.cache.Delete(key)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.ClassifierTimeout)
	defer cancel()

	start := time.Now()
	cls, err := m.safeClassify(callCtx, query, correlationID)
	latency := time.Since(start)
	if err != nil {
		return llm.Classification{}, false, latency, err
	}
	if m.cache != nil {
		if raw, err := json.Marshal(cls); err == nil {
			m.cache.SetWithTTL(key, raw, m.cfg.CacheTTL)
		}
	}
	return cls, false, latency, nil
}

// safeClassify turns a classifier panic into an error.
func (m *Matcher) safeClassify(ctx context.Context, query, correlationID string) (cls llm.Classification, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &classifierPanic{value: r}
		}
	}()
	return m.classifier.Classify(ctx, query, correlationID)
}

type classifierPanic struct{ value interface{} }

func (p *classifierPanic) Error() string { return fmt.Sprintf("classifier panicked: %v", p.value) }

// fromClassification accepts a classification only above the floor and when
// its agent label maps onto a known intent.
func (m *Matcher) fromClassification(cls llm.Classification) (Match, bool) {
	pct := int(math.Round(cls.Confidence * 100))
	if pct <= m.cfg.LLMConfidenceFloor {
		return NoMatch("llm confidence below floor"), false
	}
	t, ok := agents.IntentForWorker(cls.AgentID)
	if !ok {
		return NoMatch("llm agent label " + cls.AgentID + " maps to no intent"), false
	}
	params := make(map[string]string, len(cls.ExtractedParams))
	for k, v := range cls.ExtractedParams {
		if v == "" {
			continue
		}
		if k == "origin" || k == "destination" || k == "port" {
			v = ResolvePort(v).Value()
		}
		params[k] = v
	}
	reason := cls.Reasoning
	if reason == "" {
		reason = "llm classification"
	}
	return Match{
		Matched:           true,
		IntentType:        t,
		RecommendedWorker: agents.Normalize(cls.AgentID),
		Confidence:        pct,
		ExtractedParams:   params,
		Reason:            reason,
		Source:            SourceLLM,
	}, true
}

// logAsync records the fallback call without holding up classification.
func (m *Matcher) logAsync(correlationID, outcome string, latency time.Duration, cacheHit bool, cost float64) {
	logger := m.logger
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		metrics.RecordClassifierCall(outcome, latency.Seconds(), cost)
		logger.Info("LLM intent classification",
			zap.String("correlation_id", correlationID),
			zap.String("method", "llm_fallback"),
			zap.String("outcome", outcome),
			zap.Duration("latency", latency),
			zap.Bool("cache_hit", cacheHit),
			zap.Float64("cost_usd", cost),
		)
	}()
}

// Wait blocks until background classification logging has drained.
func (m *Matcher) Wait() {
	m.pending.Wait()
}
