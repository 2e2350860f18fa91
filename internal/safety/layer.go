package safety

import (
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/registry"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/state"
)

// Layer is the single deterministic override point between a routing
// decision and the executor.
type Layer struct {
	validators []Validator
	logger     *zap.Logger
}

// NewLayer creates a layer. With no validators the canonical set is used.
func NewLayer(reg registry.Reader, logger *zap.Logger, validators ...Validator) *Layer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(validators) == 0 {
		validators = DefaultValidators(reg)
	}
	return &Layer{validators: validators, logger: logger}
}

// ValidateAll runs the validators in order against s and returns the first
// failure. Warnings from passing validators do not stop evaluation.
func (l *Layer) ValidateAll(s *state.WorkflowState) Result {
	for _, v := range l.validators {
		res := v.Check(s)
		res.Validator = v.Name
		if !res.Valid {
			return res
		}
		if res.Severity == SeverityWarning {
			l.logger.Debug("Safety validator warning",
				zap.String("correlation_id", s.CorrelationID),
				zap.String("validator", v.Name),
				zap.String("reason", res.Reason),
			)
		}
	}
	return pass()
}

// Enforce validates the proposed worker and follows overrides until a worker
// passes every validator. It returns the worker to run and the overrides
// applied, in order. Control nodes pass through unchanged.
func (l *Layer) Enforce(s *state.WorkflowState, proposed string) (string, []Result) {
	if proposed == "" || agents.IsControlNode(proposed) {
		return proposed, nil
	}

	var applied []Result
	seen := map[string]bool{proposed: true}
	current := proposed
	for {
		res := l.ValidateAll(s.WithNextWorker(current))
		if res.Valid {
			return current, applied
		}
		applied = append(applied, res)
		metrics.SafetyOverrides.WithLabelValues(res.Validator, res.RequiredWorker).Inc()
		l.logger.Warn("Safety override",
			zap.String("correlation_id", s.CorrelationID),
			zap.String("severity", string(res.Severity)),
			zap.String("validator", res.Validator),
			zap.String("proposed_worker", current),
			zap.String("required_worker", res.RequiredWorker),
			zap.String("reason", res.Reason),
		)
		if seen[res.RequiredWorker] {
			// Prerequisite cycle in the registry; run the last required worker
			// and let it fail rather than spin here.
			return res.RequiredWorker, applied
		}
		seen[res.RequiredWorker] = true
		current = res.RequiredWorker
	}
}
