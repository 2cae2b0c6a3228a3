package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"wrenflow/pkg/task"
)

// Bus wraps a Store with in-process fan-out notification.
// When Append succeeds, every subscriber of that task receives the event.
type Bus struct {
	Store
	mu   sync.RWMutex
	subs map[chan *Event]string // channel -> task filter ("" = all tasks)
}

// NewBus creates a Bus wrapping the given store.
func NewBus(store Store) *Bus {
	return &Bus{
		Store: store,
		subs:  make(map[chan *Event]string),
	}
}

// Append delegates to the underlying store, then fans out to subscribers.
func (b *Bus) Append(ctx context.Context, e *Event) (*Event, error) {
	stored, err := b.Store.Append(ctx, e)
	if err != nil {
		return nil, err
	}
	b.publish(stored)
	return stored, nil
}

// Record implements task.Journal.
func (b *Bus) Record(ctx context.Context, c task.Change) error {
	_, err := b.Append(ctx, FromChange(c))
	return err
}

// RecordTx implements task.TxJournal. Subscribers hear of the event only
// once the task transaction has committed.
func (b *Bus) RecordTx(ctx context.Context, tx pgx.Tx, c task.Change) (func(), error) {
	ts, ok := b.Store.(interface {
		AppendTx(ctx context.Context, tx pgx.Tx, e *Event) (*Event, error)
	})
	if !ok {
		return nil, fmt.Errorf("history store %T cannot join a transaction", b.Store)
	}
	stored, err := ts.AppendTx(ctx, tx, FromChange(c))
	if err != nil {
		return nil, err
	}
	return func() { b.publish(stored) }, nil
}

// Notify fans out a transient event, such as a streamed answer chunk,
// without storing it. ID and Timestamp are filled in when empty.
func (b *Bus) Notify(e *Event) {
	cp := *e
	if cp.ID == "" {
		cp.ID = uuid.Must(uuid.NewV7()).String()
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	b.publish(&cp)
}

func (b *Bus) publish(e *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subs {
		if filter != "" && filter != e.TaskID {
			continue
		}
		select {
		case ch <- e:
		default:
			// subscriber is behind; drop to avoid blocking the writer
		}
	}
}

// Subscribe returns a buffered channel receiving new events for taskID, or
// for every task when taskID is empty.
func (b *Bus) Subscribe(taskID string) chan *Event {
	ch := make(chan *Event, 64)
	b.mu.Lock()
	b.subs[ch] = taskID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
	close(ch)
}
