// Package history keeps the append-only log of task status transitions.
// Each task's events form their own hash chain, so a rewritten or dropped
// transition is detectable with Verify.
package history

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"wrenflow/pkg/task"
)

// Event records one applied transition.
type Event struct {
	ID        string         `json:"id"` // UUID v7 (time-ordered)
	TaskID    string         `json:"task_id"`
	Kind      task.Kind      `json:"kind"`
	From      task.Status    `json:"from,omitempty"` // empty for creation
	To        task.Status    `json:"to"`
	Token     int64          `json:"token"` // task token after the transition
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
	Hash      string         `json:"hash"`
	PrevHash  string         `json:"prev_hash"`
}

// Store is the contract for transition history persistence.
type Store interface {
	Append(ctx context.Context, e *Event) (*Event, error)
	ByTask(ctx context.Context, taskID string) ([]Event, error)
	// Since returns events of taskID appended after afterID; an empty afterID
	// returns the task's whole history.
	Since(ctx context.Context, taskID, afterID string, limit int) ([]Event, error)
	Verify(ctx context.Context, taskID string) error
	EnsureTable(ctx context.Context) error
}

// FromChange builds the event describing an applied task change. Creation
// carries the question, failures carry the error code and message.
func FromChange(c task.Change) *Event {
	t := c.Task
	var detail map[string]any
	switch {
	case c.From == "" && t.Input.Question != "":
		detail = map[string]any{"question": t.Input.Question}
	case t.Error != nil:
		detail = map[string]any{"code": t.Error.Code, "message": t.Error.Message}
	}
	return &Event{
		TaskID: t.ID,
		Kind:   t.Kind,
		From:   c.From,
		To:     t.Status,
		Token:  t.Token,
		Detail: detail,
	}
}

// computeHash chains an event to its predecessor within the same task.
func computeHash(prevHash string, e *Event) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%d|%d",
		prevHash, e.ID, e.TaskID, e.Kind, e.From, e.To, e.Token, e.Timestamp.UnixNano())
	h := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", h)
}

func verifyChain(events []Event) error {
	prev := ""
	for i := range events {
		e := &events[i]
		if e.PrevHash != prev {
			return fmt.Errorf("event %d (%s): prev_hash mismatch: got %s, want %s", i, e.ID, e.PrevHash, prev)
		}
		if want := computeHash(prev, e); e.Hash != want {
			return fmt.Errorf("event %d (%s): hash mismatch: got %s, want %s", i, e.ID, e.Hash, want)
		}
		prev = e.Hash
	}
	return nil
}
