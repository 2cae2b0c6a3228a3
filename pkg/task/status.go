package task

import (
	"fmt"
	"time"
)

// Status is a task state. Asking and adjustment tasks share one enum, chart
// tasks use FETCHING/GENERATING plus the common terminal states. Answer tasks
// stream and end INTERRUPTED instead of STOPPED when cancelled.
type Status string

const (
	StatusUnderstanding Status = "UNDERSTANDING"
	StatusSearching     Status = "SEARCHING"
	StatusPlanning      Status = "PLANNING"
	StatusGenerating    Status = "GENERATING"
	StatusCorrecting    Status = "CORRECTING"
	StatusFetching      Status = "FETCHING"
	StatusNotStarted    Status = "NOT_STARTED"
	StatusFetchingData  Status = "FETCHING_DATA"
	StatusPreprocessing Status = "PREPROCESSING"
	StatusStreaming     Status = "STREAMING"
	StatusFinished      Status = "FINISHED"
	StatusFailed        Status = "FAILED"
	StatusStopped       Status = "STOPPED"
	StatusInterrupted   Status = "INTERRUPTED"
)

// IsTerminal reports whether no further transition is accepted out of s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusStopped, StatusInterrupted:
		return true
	}
	return false
}

// StopStatus is the terminal state a cancelled task of kind k ends in.
func StopStatus(k Kind) Status {
	if k == KindAnswer {
		return StatusInterrupted
	}
	return StatusStopped
}

var askingOrder = map[Status]int{
	StatusUnderstanding: 1,
	StatusSearching:     2,
	StatusPlanning:      3,
	StatusGenerating:    4,
	StatusCorrecting:    5,
}

var chartOrder = map[Status]int{
	StatusFetching:   1,
	StatusGenerating: 2,
}

var answerOrder = map[Status]int{
	StatusNotStarted:    0,
	StatusFetchingData:  1,
	StatusPreprocessing: 2,
	StatusStreaming:     3,
}

var recommendationOrder = map[Status]int{
	StatusNotStarted: 0,
	StatusGenerating: 1,
}

func order(k Kind) map[Status]int {
	switch k {
	case KindChart:
		return chartOrder
	case KindAnswer:
		return answerOrder
	case KindRecommendation:
		return recommendationOrder
	}
	return askingOrder
}

// InitialStatus reports whether a task of kind k may be created in s.
func InitialStatus(k Kind, s Status) bool {
	switch k {
	case KindAsking:
		return s == StatusUnderstanding
	case KindAdjustment:
		return s == StatusUnderstanding || s == StatusPlanning
	case KindChart:
		return s == StatusFetching
	case KindAnswer, KindRecommendation:
		return s == StatusNotStarted
	}
	return false
}

// CanTransition reports whether from -> to is an edge of kind k's machine.
// Non-terminal states only move forward, with CORRECTING -> GENERATING as the
// one permitted loop. FINISHED and FAILED are reachable from any non-terminal
// state, since a stage may short-circuit, and so is the kind's stop state.
func CanTransition(k Kind, from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	ord := order(k)
	if _, ok := ord[from]; !ok {
		return false
	}
	if to == StatusFinished || to == StatusFailed || to == StopStatus(k) {
		return true
	}
	if from == StatusCorrecting && to == StatusGenerating {
		return true
	}
	rank, ok := ord[to]
	return ok && rank > ord[from]
}

func (tr Transition) validate(k Kind, from Status) error {
	if from.IsTerminal() {
		return ErrTerminal
	}
	if !CanTransition(k, from, tr.To) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, k, from, tr.To)
	}
	switch {
	case tr.To == StatusFinished && (tr.Result == nil || tr.Error != nil):
		return fmt.Errorf("%w: FINISHED requires a result and no error", ErrInvalidTransition)
	case tr.To == StatusFailed && (tr.Error == nil || tr.Result != nil):
		return fmt.Errorf("%w: FAILED requires an error and no result", ErrInvalidTransition)
	case tr.To != StatusFinished && tr.To != StatusFailed && (tr.Result != nil || tr.Error != nil):
		return fmt.Errorf("%w: %s carries no payload", ErrInvalidTransition, tr.To)
	}
	return nil
}

// apply mutates t in place. Callers have already validated tr.
func (tr Transition) apply(t *Task, now time.Time) {
	if tr.To == StatusCorrecting {
		t.Retries++
	}
	t.Status = tr.To
	t.Result = tr.Result
	t.Error = tr.Error
	if t.TraceID == "" {
		t.TraceID = tr.TraceID
	}
	if t.QueryID == "" {
		t.QueryID = tr.QueryID
	}
	t.Token++
	t.UpdatedAt = now
}
