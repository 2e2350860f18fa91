package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/state"
)

var (
	// ErrInvalidOutput is returned when a worker's response cannot be applied.
	ErrInvalidOutput = errors.New("worker returned invalid output")
	// ErrNotConfigured is returned by a worker with no backing service.
	ErrNotConfigured = errors.New("worker not configured")
)

// Worker performs one domain task and returns a partial state update. A
// worker must set its own status on both paths and must not corrupt state
// when called again with the same inputs.
type Worker interface {
	Name() string
	Run(ctx context.Context, s *state.WorkflowState) (state.Update, error)
}

// WorkerError wraps a failure with the worker that produced it.
type WorkerError struct {
	Worker string
	Cause  error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %s: %v", e.Worker, e.Cause)
}

func (e *WorkerError) Unwrap() error { return e.Cause }

// Func adapts a function to the Worker interface.
type Func struct {
	name string
	fn   func(ctx context.Context, s *state.WorkflowState) (state.Update, error)
}

// NewFunc creates a function-backed worker.
func NewFunc(name string, fn func(ctx context.Context, s *state.WorkflowState) (state.Update, error)) *Func {
	return &Func{name: name, fn: fn}
}

func (f *Func) Name() string { return f.name }

func (f *Func) Run(ctx context.Context, s *state.WorkflowState) (state.Update, error) {
	return f.fn(ctx, s)
}

// Unconfigured binds a registered worker that has no endpoint. Every call
// fails, so plans that need it finalize with partial data.
func Unconfigured(name string) *Func {
	return NewFunc(name, func(context.Context, *state.WorkflowState) (state.Update, error) {
		return Failure(name, ErrNotConfigured, time.Now()), &WorkerError{Worker: name, Cause: ErrNotConfigured}
	})
}

// Success builds the update for a worker that produced artifacts.
func Success(worker string, artifacts state.Artifacts, summary string) state.Update {
	return state.Update{
		Artifacts:    artifacts,
		WorkerStatus: map[string]state.WorkerStatus{worker: state.StatusSuccess},
		Conversation: []state.Turn{state.ToolTurn(worker, summary)},
	}
}

// Failure builds the update recording err against worker.
func Failure(worker string, err error, at time.Time) state.Update {
	return state.Update{
		WorkerStatus: map[string]state.WorkerStatus{worker: state.StatusFailed},
		WorkerErrors: map[string]state.WorkerError{worker: {Message: err.Error(), Timestamp: at}},
		Conversation: []state.Turn{state.ToolTurn(worker, "failed: "+err.Error())},
	}
}
