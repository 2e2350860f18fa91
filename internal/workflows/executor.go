package workflows

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/checkpoint"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/decision"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/intent"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/reasoning"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/registry"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/safety"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/state"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/workers"
)

var (
	// ErrEmptyRegistry is returned when the executor is built over a registry
	// with no workers.
	ErrEmptyRegistry = registry.ErrEmptyRegistry

	// ErrWorkerNotBound is returned when a registry entry has no worker
	// implementation.
	ErrWorkerNotBound = errors.New("no worker bound for registry entry")

	// ErrMissingDependency is returned when a required component is nil.
	ErrMissingDependency = errors.New("executor dependency missing")

	// ErrEmptyQuery is returned by Run for blank queries.
	ErrEmptyQuery = errors.New("query cannot be empty")
)

// Bounds that force finalization. BoundCanceled is recorded when the caller
// goes away before the request deadline.
const (
	BoundMaxTurns         = "max_turns"
	BoundReasoningSteps   = "max_reasoning_steps"
	BoundRecoveryAttempts = "max_recovery_attempts"
	BoundRequestTimeout   = "request_timeout"
	BoundCanceled         = "canceled"
)

// IntentMatcher classifies a query. *intent.Matcher satisfies it.
type IntentMatcher interface {
	Match(ctx context.Context, query, correlationID string) intent.Match
}

// Config holds the executor's bounds and timeouts.
type Config struct {
	MaxTurns            int
	MaxReasoningSteps   int
	MaxRecoveryAttempts int
	LoopWindow          int
	LoopThreshold       int
	WorkerTimeout       time.Duration
	RequestTimeout      time.Duration
	CheckpointTimeout   time.Duration
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{
		MaxTurns:            100,
		MaxReasoningSteps:   15,
		MaxRecoveryAttempts: 3,
		LoopWindow:          10,
		LoopThreshold:       3,
		WorkerTimeout:       30 * time.Second,
		RequestTimeout:      2 * time.Minute,
		CheckpointTimeout:   5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxTurns <= 0 {
		c.MaxTurns = def.MaxTurns
	}
	if c.MaxReasoningSteps <= 0 {
		c.MaxReasoningSteps = def.MaxReasoningSteps
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = def.MaxRecoveryAttempts
	}
	if c.LoopWindow <= 0 {
		c.LoopWindow = def.LoopWindow
	}
	if c.LoopThreshold <= 0 {
		c.LoopThreshold = def.LoopThreshold
	}
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = def.WorkerTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.CheckpointTimeout <= 0 {
		c.CheckpointTimeout = def.CheckpointTimeout
	}
	return c
}

// Deps are the components the executor drives. Checkpoints and Events are
// optional.
type Deps struct {
	Registry    registry.Reader
	Workers     map[string]workers.Worker
	Matcher     IntentMatcher
	Decisions   *decision.Framework
	Safety      *safety.Layer
	Reasoning   *reasoning.Loop
	Checkpoints checkpoint.Store
	Events      streaming.Sink
}

// Executor walks one request through supervisor, worker and finalize nodes.
// It holds no per-request state and is safe for concurrent use.
type Executor struct {
	cfg       Config
	reg       registry.Reader
	workers   map[string]workers.Worker
	matcher   IntentMatcher
	decisions *decision.Framework
	safety    *safety.Layer
	reasoning *reasoning.Loop
	store     checkpoint.Store
	events    streaming.Sink
	breaker   *LoopBreaker
	logger    *zap.Logger
	now       func() time.Time
}

// New validates the wiring and builds an executor. It refuses to start over
// an empty registry or a registry entry with no bound worker.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Executor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Registry == nil || len(deps.Registry.GetAllAgents()) == 0 {
		return nil, ErrEmptyRegistry
	}
	switch {
	case deps.Matcher == nil:
		return nil, fmt.Errorf("%w: intent matcher", ErrMissingDependency)
	case deps.Decisions == nil:
		return nil, fmt.Errorf("%w: decision framework", ErrMissingDependency)
	case deps.Safety == nil:
		return nil, fmt.Errorf("%w: safety layer", ErrMissingDependency)
	case deps.Reasoning == nil:
		return nil, fmt.Errorf("%w: reasoning loop", ErrMissingDependency)
	}
	for _, entry := range deps.Registry.GetAllAgents() {
		if _, ok := deps.Workers[entry.Name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrWorkerNotBound, entry.Name)
		}
	}
	for name := range deps.Workers {
		if _, err := deps.Registry.GetAgent(name); err != nil {
			logger.Warn("Worker bound without a registry entry, it is unreachable", zap.String("worker", name))
		}
	}
	if deps.Checkpoints == nil {
		deps.Checkpoints = checkpoint.NewMemoryStore()
	}
	if deps.Events == nil {
		deps.Events = streaming.Nop{}
	}

	cfg = cfg.withDefaults()
	return &Executor{
		cfg:       cfg,
		reg:       deps.Registry,
		workers:   deps.Workers,
		matcher:   deps.Matcher,
		decisions: deps.Decisions,
		safety:    deps.Safety,
		reasoning: deps.Reasoning,
		store:     deps.Checkpoints,
		events:    deps.Events,
		breaker:   NewLoopBreaker(cfg.LoopWindow, cfg.LoopThreshold, deps.Registry),
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Config returns the effective configuration.
func (e *Executor) Config() Config { return e.cfg }

// run is the bookkeeping of one walk. It is not checkpointed.
type run struct {
	match      intent.Match
	classified bool
	visits     int
	forced     string
	start      time.Time
}

// Run executes a fresh request. An empty correlation id is generated.
func (e *Executor) Run(ctx context.Context, correlationID, query string) (*state.WorkflowState, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	metrics.WorkflowsStarted.Inc()
	e.logger.Info("Voyage request started",
		zap.String("correlation_id", correlationID),
		zap.String("query", query),
	)
	return e.walk(ctx, state.New(correlationID, query), agents.Supervisor), nil
}

// Resume continues a checkpointed request from the node it was about to
// enter. A finalized request is returned as stored.
func (e *Executor) Resume(ctx context.Context, correlationID string) (*state.WorkflowState, error) {
	s, err := e.store.Load(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", correlationID, err)
	}
	if s.Final != nil {
		return s, nil
	}
	node := s.NextWorker
	if node == "" || node == agents.End {
		node = agents.Supervisor
	}
	if _, bound := e.workers[node]; !bound && !agents.IsControlNode(node) {
		node = agents.Supervisor
	}
	e.logger.Info("Voyage request resumed",
		zap.String("correlation_id", correlationID),
		zap.String("node", node),
	)
	return e.walk(ctx, s, node), nil
}

func (e *Executor) walk(ctx context.Context, s *state.WorkflowState, node string) *state.WorkflowState {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	r := &run{start: e.now()}
	for node != agents.End {
		r.visits++
		if node != agents.Finalize && ctx.Err() != nil {
			bound := BoundCanceled
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				bound = BoundRequestTimeout
			}
			e.boundReached(s, r, bound)
			node = agents.Finalize
		}

		nctx, span := tracing.StartNodeSpan(ctx, s.CorrelationID, node, r.visits)
		e.publish(s, streaming.Event{Type: streaming.EventNodeStarted, Node: node})

		var next string
		var err error
		switch node {
		case agents.Supervisor:
			next = e.supervise(nctx, s, r)
		case agents.Finalize:
			next = e.finalize(s, r)
		default:
			next, err = e.runWorker(nctx, s, node)
		}
		tracing.EndWithError(span, err)

		e.apply(s, state.Update{NextWorker: state.StringPtr(next)})
		e.checkpoint(s)
		node = next
	}
	return s
}

// supervise evaluates the bounds, then the tiers, then the safety layer and
// the loop breaker, and returns the next node.
func (e *Executor) supervise(ctx context.Context, s *state.WorkflowState, r *run) string {
	metrics.NodeExecutions.WithLabelValues(agents.Supervisor, "ok").Inc()

	if len(s.Conversation) >= e.cfg.MaxTurns || r.visits >= 2*e.cfg.MaxTurns {
		e.boundReached(s, r, BoundMaxTurns)
		return agents.Finalize
	}
	if len(s.ReasoningTrace) > e.cfg.MaxReasoningSteps {
		e.boundReached(s, r, BoundReasoningSteps)
		return agents.Finalize
	}
	if s.RecoveryAttempts >= e.cfg.MaxRecoveryAttempts {
		e.boundReached(s, r, BoundRecoveryAttempts)
		q := s.ClarificationQuestion
		if q == "" {
			q = recoveryQuestion(decision.Goal(r.match, s), s)
		}
		e.apply(s, state.Update{
			NeedsClarification:    state.BoolPtr(true),
			ClarificationQuestion: state.StringPtr(q),
		})
		return agents.Finalize
	}

	if !r.classified {
		r.match = e.matcher.Match(ctx, s.Query, s.CorrelationID)
		r.classified = true
		u := state.Update{Params: missingParams(s, r.match.ExtractedParams)}
		if r.match.Matched {
			u.OriginalIntent = string(r.match.IntentType)
		}
		e.apply(s, u)
	}

	d := e.decisions.Decide(r.match, s)
	metrics.Decisions.WithLabelValues(string(d.Decision)).Inc()
	e.logger.Info("Routing decision",
		zap.String("correlation_id", s.CorrelationID),
		zap.String("decision", string(d.Decision)),
		zap.Int("confidence", d.Confidence),
		zap.String("worker", d.Worker),
		zap.String("reason", d.Reason),
	)

	switch d.Decision {
	case decision.Finalize:
		return agents.Finalize
	case decision.RequestClarification:
		e.apply(s, state.Update{
			NeedsClarification:    state.BoolPtr(true),
			ClarificationQuestion: state.StringPtr(d.ClarificationQuestion),
		})
		return agents.Finalize
	case decision.ImmediateAction:
		worker := e.enforce(s, d.Worker)
		if worker == d.Worker || !s.Failed(worker) {
			return e.escape(s, worker)
		}
		// The prerequisite the safety layer insists on already failed;
		// re-entering it would only trip the breaker again.
		e.logger.Info("Required worker failed previously, reasoning about recovery",
			zap.String("correlation_id", s.CorrelationID),
			zap.String("proposed_worker", d.Worker),
			zap.String("required_worker", worker),
		)
	}
	return e.reason(ctx, s, r)
}

// reason runs one reasoning step and routes its proposal.
func (e *Executor) reason(ctx context.Context, s *state.WorkflowState, r *run) string {
	out := e.reasoning.Step(ctx, s, decision.Goal(r.match, s))
	e.apply(s, out.Update)
	e.publish(s, streaming.Event{
		Type:    streaming.EventReasoningStep,
		Node:    agents.Supervisor,
		Worker:  out.Worker,
		Message: out.Step.Thought,
		Data: map[string]string{
			"action": string(out.Action),
			"source": out.Source,
			"step":   fmt.Sprintf("%d", out.Step.StepNumber),
		},
	})
	switch out.Action {
	case reasoning.ActionCallWorker:
		return e.escape(s, e.enforce(s, out.Worker))
	case reasoning.ActionContinue:
		return agents.Supervisor
	default:
		return agents.Finalize
	}
}

// enforce passes the proposed worker through the safety layer and returns
// the worker that has to run instead.
func (e *Executor) enforce(s *state.WorkflowState, proposed string) string {
	worker, overrides := e.safety.Enforce(s, proposed)
	for _, o := range overrides {
		e.publish(s, streaming.Event{
			Type:    streaming.EventSafetyOverride,
			Node:    agents.Supervisor,
			Worker:  o.RequiredWorker,
			Message: o.Reason,
			Data: map[string]string{
				"validator": o.Validator,
				"severity":  string(o.Severity),
				"proposed":  proposed,
			},
		})
	}
	return worker
}

// escape consults the loop breaker before worker is entered.
func (e *Executor) escape(s *state.WorkflowState, worker string) string {
	if e.breaker.ShouldEscapeToSupervisor(s, worker) {
		n := e.breaker.Occurrences(s, worker)
		metrics.LoopBreakerTrips.WithLabelValues(worker).Inc()
		e.logger.Warn("Loop breaker tripped, returning to supervisor",
			zap.String("correlation_id", s.CorrelationID),
			zap.String("worker", worker),
			zap.Int("occurrences", n),
		)
		msg := fmt.Sprintf("%s ran %d times in the last %d turns without producing output", worker, n, e.cfg.LoopWindow)
		e.apply(s, state.Update{
			WorkerStatus: map[string]state.WorkerStatus{worker: state.StatusFailed},
			WorkerErrors: map[string]state.WorkerError{worker: {Message: msg, Timestamp: e.now()}},
			Conversation: []state.Turn{state.SystemTurn("loop breaker: " + msg)},
		})
		e.publish(s, streaming.Event{Type: streaming.EventLoopBreaker, Node: agents.Supervisor, Worker: worker, Message: msg})
		return agents.Supervisor
	}
	return worker
}

// runWorker executes one worker node. Whatever the worker does, its status is
// recorded and control returns to the supervisor.
func (e *Executor) runWorker(ctx context.Context, s *state.WorkflowState, name string) (string, error) {
	w, ok := e.workers[name]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrWorkerNotBound, name)
		e.logger.Error("Routed to an unbound worker",
			zap.String("correlation_id", s.CorrelationID),
			zap.String("worker", name),
		)
		e.apply(s, workers.Failure(name, err, e.now()))
		return agents.Supervisor, err
	}

	wctx, cancel := context.WithTimeout(ctx, e.cfg.WorkerTimeout)
	defer cancel()

	start := e.now()
	u, err := invoke(wctx, w, s.Clone())
	if err != nil && errors.Is(wctx.Err(), context.DeadlineExceeded) {
		err = &workers.WorkerError{Worker: name, Cause: fmt.Errorf("timed out after %s: %w", e.cfg.WorkerTimeout, err)}
	}
	u = normalize(name, u, err, e.now())
	elapsed := e.now().Sub(start)

	if applyErr := s.Apply(u); applyErr != nil {
		err = &workers.WorkerError{Worker: name, Cause: fmt.Errorf("%w: %v", workers.ErrInvalidOutput, applyErr)}
		e.apply(s, workers.Failure(name, err, e.now()))
	}

	status := s.Status(name)
	metrics.RecordWorkerMetrics(name, string(status), float64(elapsed.Milliseconds()))
	if status == state.StatusFailed {
		e.logger.Warn("Worker failed",
			zap.String("correlation_id", s.CorrelationID),
			zap.String("worker", name),
			zap.Duration("duration", elapsed),
			zap.String("error", s.WorkerErrors[name].Message),
		)
		e.publish(s, streaming.Event{
			Type:    streaming.EventWorkerFailed,
			Node:    name,
			Worker:  name,
			Message: s.WorkerErrors[name].Message,
		})
		if err == nil {
			err = errors.New(s.WorkerErrors[name].Message)
		}
		return agents.Supervisor, err
	}

	e.logger.Info("Worker completed",
		zap.String("correlation_id", s.CorrelationID),
		zap.String("worker", name),
		zap.String("status", string(status)),
		zap.Duration("duration", elapsed),
	)
	e.publish(s, streaming.Event{
		Type:   streaming.EventWorkerCompleted,
		Node:   name,
		Worker: name,
		Data:   map[string]string{"duration_ms": fmt.Sprintf("%d", elapsed.Milliseconds())},
	})
	return agents.Supervisor, nil
}

// invoke runs the worker and turns a panic into an error.
func invoke(ctx context.Context, w workers.Worker, s *state.WorkflowState) (u state.Update, err error) {
	defer func() {
		if p := recover(); p != nil {
			u = state.Update{}
			err = &workers.WorkerError{Worker: w.Name(), Cause: fmt.Errorf("panic: %v", p)}
		}
	}()
	return w.Run(ctx, s)
}

// normalize strips fields workers do not own and makes sure the worker's own
// status and error are recorded.
func normalize(name string, u state.Update, err error, at time.Time) state.Update {
	u.NextWorker = nil
	u.ReasoningTrace = nil
	u.RecoveryAttempts = nil
	u.OriginalIntent = ""
	u.Overrides = nil
	u.NeedsClarification = nil
	u.ClarificationQuestion = nil
	u.Final = nil

	if err != nil {
		if u.WorkerStatus[name] != state.StatusFailed {
			return workers.Failure(name, err, at)
		}
		if _, ok := u.WorkerErrors[name]; !ok {
			u.WorkerErrors = mergeError(u.WorkerErrors, name, state.WorkerError{Message: err.Error(), Timestamp: at})
		}
		return u
	}
	if _, ok := u.WorkerStatus[name]; !ok {
		status := make(map[string]state.WorkerStatus, len(u.WorkerStatus)+1)
		for k, v := range u.WorkerStatus {
			status[k] = v
		}
		status[name] = state.StatusSuccess
		u.WorkerStatus = status
	}
	return u
}

func mergeError(in map[string]state.WorkerError, name string, we state.WorkerError) map[string]state.WorkerError {
	out := make(map[string]state.WorkerError, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	out[name] = we
	return out
}

// missingParams returns the extracted params the state does not hold yet.
func missingParams(s *state.WorkflowState, extracted map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range extracted {
		if v != "" && s.Param(k) == "" {
			out[k] = v
		}
	}
	return out
}

func (e *Executor) boundReached(s *state.WorkflowState, r *run, bound string) {
	if r.forced == "" {
		r.forced = bound
	}
	metrics.BoundsReached.WithLabelValues(bound).Inc()
	e.logger.Warn("Executor bound reached, finalizing",
		zap.String("correlation_id", s.CorrelationID),
		zap.String("bound", bound),
		zap.Int("turns", len(s.Conversation)),
		zap.Int("reasoning_steps", len(s.ReasoningTrace)),
		zap.Int("recovery_attempts", s.RecoveryAttempts),
	)
	e.publish(s, streaming.Event{Type: streaming.EventBoundReached, Node: agents.Supervisor, Message: bound})
}

func (e *Executor) apply(s *state.WorkflowState, u state.Update) {
	if err := s.Apply(u); err != nil {
		e.logger.Error("State update rejected",
			zap.String("correlation_id", s.CorrelationID),
			zap.Error(err),
		)
	}
}

func (e *Executor) publish(s *state.WorkflowState, evt streaming.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = e.now()
	}
	e.events.Publish(s.CorrelationID, evt)
}

// checkpoint saves s on a fresh context so an expired request still gets
// its final state stored. Failures are logged and never stop the walk.
func (e *Executor) checkpoint(s *state.WorkflowState) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CheckpointTimeout)
	defer cancel()
	if err := e.store.Save(ctx, s.CorrelationID, s); err != nil {
		e.logger.Warn("Checkpoint save failed",
			zap.String("correlation_id", s.CorrelationID),
			zap.String("next", s.NextWorker),
			zap.Error(err),
		)
	}
}
