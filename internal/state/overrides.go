package state

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrUnknownOverrideKey is returned when an override names a parameter the
	// target worker does not declare.
	ErrUnknownOverrideKey = errors.New("unknown override key")

	// ErrUnknownWorker is returned when an override targets a worker that is
	// not registered.
	ErrUnknownWorker = errors.New("unknown worker")
)

// Override is a typed adjustment to a worker's inputs chosen by reasoning.
type Override struct {
	Worker    string            `json:"worker"`
	Params    map[string]string `json:"params"`
	Reason    string            `json:"reason,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ParamLookup returns the parameter names a worker accepts. ok is false when
// the worker is unknown.
type ParamLookup func(worker string) (params []string, ok bool)

// NewOverride builds an override and rejects keys outside the worker's
// declared parameters.
func NewOverride(worker string, params map[string]string, reason string, lookup ParamLookup) (Override, error) {
	allowed, ok := lookup(worker)
	if !ok {
		return Override{}, fmt.Errorf("%w: %q", ErrUnknownWorker, worker)
	}
	set := make(map[string]struct{}, len(allowed))
	for _, p := range allowed {
		set[p] = struct{}{}
	}
	var unknown []string
	for k := range params {
		if _, ok := set[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Override{}, fmt.Errorf("%w for %s: %s", ErrUnknownOverrideKey, worker, strings.Join(unknown, ", "))
	}
	return Override{
		Worker:    worker,
		Params:    copyStrings(params),
		Reason:    reason,
		CreatedAt: time.Now(),
	}, nil
}

// Inputs returns the parameters a worker should run with: extracted request
// params overlaid by any override for that worker.
func (s *WorkflowState) Inputs(worker string) map[string]string {
	out := copyStrings(s.Params)
	if out == nil {
		out = make(map[string]string)
	}
	if ov, ok := s.Overrides[worker]; ok {
		for k, v := range ov.Params {
			out[k] = v
		}
	}
	return out
}
