package state

import (
	"fmt"
	"time"
)

// Update is a partial write produced by one node. Nil and empty fields leave
// the corresponding state field untouched. Each field has its own reducer:
//
//	Conversation    append
//	Artifacts       replace per present kind
//	WorkerStatus    merge by key
//	WorkerErrors    merge by key
//	ReasoningTrace  append
//	OriginalIntent  first non-ambiguous write wins
//	Params          merge by key
//	Overrides       merge by worker
//	everything else replace
type Update struct {
	Conversation          []Turn
	NextWorker            *string
	Artifacts             Artifacts
	WorkerStatus          map[string]WorkerStatus
	WorkerErrors          map[string]WorkerError
	ReasoningTrace        []ReasoningStep
	RecoveryAttempts      *int
	OriginalIntent        string
	Params                map[string]string
	Overrides             map[string]Override
	NeedsClarification    *bool
	ClarificationQuestion *string
	Final                 *FinalResult
}

// Validatable is implemented by state types that can check themselves.
type Validatable interface {
	Validate() error
}

// Apply folds u into s and validates the result. The state is modified in
// place; callers that need the previous value should Clone first.
func (s *WorkflowState) Apply(u Update) error {
	s.Conversation = append(s.Conversation, u.Conversation...)

	if u.NextWorker != nil {
		s.NextWorker = *u.NextWorker
	}

	for _, k := range ArtifactKinds() {
		o, _ := u.Artifacts.Get(k)
		if o.Present() {
			_ = s.Artifacts.Set(k, o.clone())
		}
	}

	if len(u.WorkerStatus) > 0 && s.WorkerStatus == nil {
		s.WorkerStatus = make(map[string]WorkerStatus, len(u.WorkerStatus))
	}
	for k, v := range u.WorkerStatus {
		s.WorkerStatus[k] = v
	}
	if len(u.WorkerErrors) > 0 && s.WorkerErrors == nil {
		s.WorkerErrors = make(map[string]WorkerError, len(u.WorkerErrors))
	}
	for k, v := range u.WorkerErrors {
		s.WorkerErrors[k] = v
	}

	s.ReasoningTrace = append(s.ReasoningTrace, u.ReasoningTrace...)

	if u.RecoveryAttempts != nil {
		s.RecoveryAttempts = *u.RecoveryAttempts
	}

	if s.OriginalIntent == "" && u.OriginalIntent != "" && u.OriginalIntent != "ambiguous" {
		s.OriginalIntent = u.OriginalIntent
	}

	if len(u.Params) > 0 && s.Params == nil {
		s.Params = make(map[string]string, len(u.Params))
	}
	for k, v := range u.Params {
		s.Params[k] = v
	}
	if len(u.Overrides) > 0 && s.Overrides == nil {
		s.Overrides = make(map[string]Override, len(u.Overrides))
	}
	for k, v := range u.Overrides {
		s.Overrides[k] = v
	}

	if u.NeedsClarification != nil {
		s.NeedsClarification = *u.NeedsClarification
	}
	if u.ClarificationQuestion != nil {
		s.ClarificationQuestion = *u.ClarificationQuestion
	}
	if u.Final != nil {
		f := *u.Final
		if f.FinalizedAt.IsZero() {
			f.FinalizedAt = time.Now()
		}
		s.Final = &f
	}

	if err := s.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// Merge combines two updates produced in the same step. Later values win for
// replaced fields; appends and key merges accumulate.
func (u Update) Merge(o Update) Update {
	out := u
	out.Conversation = append(append([]Turn(nil), u.Conversation...), o.Conversation...)
	if o.NextWorker != nil {
		out.NextWorker = o.NextWorker
	}
	for _, k := range ArtifactKinds() {
		if v, _ := o.Artifacts.Get(k); v.Present() {
			_ = out.Artifacts.Set(k, v)
		}
	}
	out.WorkerStatus = mergeStatus(u.WorkerStatus, o.WorkerStatus)
	out.WorkerErrors = mergeErrors(u.WorkerErrors, o.WorkerErrors)
	out.ReasoningTrace = append(append([]ReasoningStep(nil), u.ReasoningTrace...), o.ReasoningTrace...)
	if o.RecoveryAttempts != nil {
		out.RecoveryAttempts = o.RecoveryAttempts
	}
	if out.OriginalIntent == "" || out.OriginalIntent == "ambiguous" {
		out.OriginalIntent = o.OriginalIntent
	}
	if len(o.Params) > 0 {
		out.Params = copyStrings(u.Params)
		if out.Params == nil {
			out.Params = make(map[string]string, len(o.Params))
		}
		for k, v := range o.Params {
			out.Params[k] = v
		}
	}
	if len(o.Overrides) > 0 {
		merged := make(map[string]Override, len(u.Overrides)+len(o.Overrides))
		for k, v := range u.Overrides {
			merged[k] = v
		}
		for k, v := range o.Overrides {
			merged[k] = v
		}
		out.Overrides = merged
	}
	if o.NeedsClarification != nil {
		out.NeedsClarification = o.NeedsClarification
	}
	if o.ClarificationQuestion != nil {
		out.ClarificationQuestion = o.ClarificationQuestion
	}
	if o.Final != nil {
		out.Final = o.Final
	}
	return out
}

func mergeStatus(a, b map[string]WorkerStatus) map[string]WorkerStatus {
	if len(b) == 0 {
		return a
	}
	out := make(map[string]WorkerStatus, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func mergeErrors(a, b map[string]WorkerError) map[string]WorkerError {
	if len(b) == 0 {
		return a
	}
	out := make(map[string]WorkerError, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Small constructors for pointer fields.

func StringPtr(s string) *string { return &s }

func BoolPtr(b bool) *bool { return &b }

func IntPtr(i int) *int { return &i }
