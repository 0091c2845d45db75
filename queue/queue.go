// Package queue provides the durable offline mutation log. Items are
// appended when a write is attempted while the store is unreachable, survive
// process restarts, and are replayed strictly in enqueue order once
// connectivity returns.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/profilekeeper/logging"
	"github.com/dmitrijs2005/profilekeeper/remote"
	"github.com/dmitrijs2005/profilekeeper/storage"
	"github.com/google/uuid"
)

// storageKey is the durable slot holding the serialized queue.
const storageKey = "offline_queue"

// ErrCorrupted marks a queue slot that failed to deserialize.
var ErrCorrupted = errors.New("offline queue corrupted")

// Item is one deferred mutation. The payload carries its own idempotency
// key, so a replay that crashes after remote success but before local
// removal is harmless when retried.
type Item struct {
	ID         string          `json:"id"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Queue is an append-only FIFO log flushed to durable storage after every
// mutation; it is never held only in memory.
type Queue struct {
	store storage.Repository
	log   logging.Logger
	items []Item
}

// Load reads the persisted queue from the durable slot. A slot that fails to
// deserialize is logged and reset to empty: losing queued-but-unconfirmed
// writes is preferable to blocking all future operations indefinitely.
func Load(ctx context.Context, store storage.Repository, log logging.Logger) (*Queue, error) {
	q := &Queue{store: store, log: log}

	raw, err := store.Get(ctx, storageKey)
	if err != nil {
		return nil, fmt.Errorf("loading offline queue: %w", err)
	}
	if len(raw) == 0 {
		return q, nil
	}

	if err := json.Unmarshal(raw, &q.items); err != nil {
		log.Error(ctx, "offline queue corrupted, resetting",
			"err", fmt.Errorf("%w: %v", ErrCorrupted, err))
		q.items = nil
		if err := q.flush(ctx); err != nil {
			return nil, err
		}
	}

	return q, nil
}

// Enqueue appends a mutation and flushes the queue to durable storage. The
// append is rolled back if the flush fails, so memory and the durable slot
// never diverge.
func (q *Queue) Enqueue(ctx context.Context, operation string, payload any) (*Item, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serializing %s payload: %w", operation, err)
	}

	item := Item{
		ID:         uuid.NewString(),
		Operation:  operation,
		Payload:    body,
		EnqueuedAt: time.Now().UTC(),
	}

	q.items = append(q.items, item)
	if err := q.flush(ctx); err != nil {
		q.items = q.items[:len(q.items)-1]
		return nil, err
	}

	return &item, nil
}

// Len returns the number of outstanding items.
func (q *Queue) Len() int {
	return len(q.items)
}

// Items returns a copy of the outstanding items in enqueue order.
func (q *Queue) Items() []Item {
	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}

// Remove discards the item with the given id, preserving the order of the
// rest. Hosts use it to drop an item the store permanently rejects.
func (q *Queue) Remove(ctx context.Context, id string) error {
	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return q.flush(ctx)
		}
	}
	return fmt.Errorf("queue item %s not found", id)
}

// ReplayFunc applies one queued item remotely. A nil error confirms remote
// acceptance; only then is the item removed.
type ReplayFunc func(ctx context.Context, item Item) error

// Replay processes items strictly in FIFO order. A retryable failure ends
// the current pass with a nil error: the item keeps its position and waits
// for the next connectivity event. A non-retryable failure halts replay and
// is returned, so later mutations are never applied ahead of a
// logically-earlier failed one.
func (q *Queue) Replay(ctx context.Context, apply ReplayFunc) error {
	for len(q.items) > 0 {
		item := q.items[0]

		if err := apply(ctx, item); err != nil {
			if remote.Retryable(err) {
				q.log.Warn(ctx, "replay pass stopped",
					"operation", item.Operation, "item_id", item.ID, "err", err)
				return nil
			}
			return fmt.Errorf("replaying %s: %w", item.Operation, err)
		}

		q.items = q.items[1:]
		if err := q.flush(ctx); err != nil {
			return err
		}
		q.log.Info(ctx, "queued operation confirmed",
			"operation", item.Operation, "item_id", item.ID)
	}
	return nil
}

func (q *Queue) flush(ctx context.Context) error {
	b, err := json.Marshal(q.items)
	if err != nil {
		return fmt.Errorf("serializing offline queue: %w", err)
	}
	if err := q.store.Set(ctx, storageKey, b); err != nil {
		return fmt.Errorf("persisting offline queue: %w", err)
	}
	return nil
}
