// Package resilient wraps remote operations with per-attempt timeouts,
// bounded exponential-backoff retries, and offline routing into the durable
// queue.
package resilient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/profilekeeper/logging"
	"github.com/dmitrijs2005/profilekeeper/queue"
	"github.com/dmitrijs2005/profilekeeper/remote"
	"github.com/sethvargo/go-retry"
)

// Config bounds the retry policy.
type Config struct {
	// RequestTimeout caps each individual attempt.
	RequestTimeout time.Duration
	// MaxAttempts is the total attempt ceiling, first try included.
	MaxAttempts uint64
	// RetryBaseDelay is the backoff base: delay = base * 2^(attempt-1).
	RetryBaseDelay time.Duration
}

func (c Config) normalized() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	return c
}

// Backoff returns the retry policy: exponential delays starting at base,
// capped at maxAttempts total attempts. Exposed as a free function because
// the policy is pure and stateless.
func Backoff(base time.Duration, maxAttempts uint64) retry.Backoff {
	return retry.WithMaxRetries(maxAttempts-1, retry.NewExponential(base))
}

// ErrOffline is returned by Query when the device is known to be offline.
// Queries fail fast instead of deferring; callers fall back to local state.
var ErrOffline = errors.New("store offline")

// Result is the outcome of Send. A deferred result is provisional: the
// operation was queued for replay, not accepted by the store.
type Result struct {
	Deferred bool
	// ItemID is the queue item id when deferred.
	ItemID string
}

// Sender routes every remote mutation/query through timeout, bounded retry,
// and offline detection. One long-lived Sender is shared per process;
// the offline queue is its only durable state.
type Sender struct {
	remote remote.Client
	queue  *queue.Queue
	cfg    Config
	log    logging.Logger
	online atomic.Bool
}

func NewSender(rc remote.Client, q *queue.Queue, cfg Config, log logging.Logger) *Sender {
	s := &Sender{remote: rc, queue: q, cfg: cfg.normalized(), log: log}
	s.online.Store(true)
	return s
}

// Online reports the current connectivity belief.
func (s *Sender) Online() bool {
	return s.online.Load()
}

// SetOnline records a connectivity observation. Transitions are logged.
// The Monitor calls this from its probe loop; hosts with a platform
// reachability signal may call it directly.
func (s *Sender) SetOnline(online bool) {
	if s.online.Swap(online) != online {
		mode := "offline"
		if online {
			mode = "online"
		}
		s.log.Info(context.Background(), "connectivity changed", "mode", mode)
	}
}

// Send issues the operation through the retry policy, or defers it to the
// offline queue when the device is detected offline. Callers must treat
// deferred results as provisional.
func (s *Sender) Send(ctx context.Context, operation string, payload any, result any) (*Result, error) {
	if !s.online.Load() {
		item, err := s.queue.Enqueue(ctx, operation, payload)
		if err != nil {
			return nil, fmt.Errorf("deferring %s: %w", operation, err)
		}
		s.log.Info(ctx, "operation deferred while offline",
			"operation", operation, "item_id", item.ID)
		return &Result{Deferred: true, ItemID: item.ID}, nil
	}

	if err := s.send(ctx, operation, payload, result); err != nil {
		if remote.Retryable(err) {
			// Exhausted retries on a connectivity-class failure: flip to
			// offline so subsequent writes defer instead of burning the
			// caller's time, but surface this failure rather than queue it.
			s.SetOnline(false)
		}
		return nil, err
	}
	return &Result{}, nil
}

// Query issues a read through the same retry policy. Reads are never
// deferred: the durable queue holds mutations only, so an offline query
// fails fast with ErrOffline and the caller degrades to cached state.
func (s *Sender) Query(ctx context.Context, operation string, payload any, result any) error {
	if !s.online.Load() {
		return fmt.Errorf("%w: %s", ErrOffline, operation)
	}

	if err := s.send(ctx, operation, payload, result); err != nil {
		if remote.Retryable(err) {
			s.SetOnline(false)
		}
		return err
	}
	return nil
}

// Resend pushes a previously-queued item through the same retry policy.
// It never re-queues: queue bookkeeping belongs to the replay loop.
func (s *Sender) Resend(ctx context.Context, item queue.Item) error {
	return s.send(ctx, item.Operation, json.RawMessage(item.Payload), nil)
}

// send runs one operation under the bounded retry policy. Retryable
// failures (timeout, transport) back off exponentially up to the attempt
// ceiling; the last error is surfaced rather than swallowed. Queuing is
// reserved for the offline path.
func (s *Sender) send(ctx context.Context, operation string, payload any, result any) error {
	attempt := 0
	return retry.Do(ctx, Backoff(s.cfg.RetryBaseDelay, s.cfg.MaxAttempts), func(ctx context.Context) error {
		attempt++

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()

		err := s.remote.Do(callCtx, operation, payload, result)
		if err == nil {
			return nil
		}

		if remote.Retryable(err) {
			s.log.Warn(ctx, "retryable failure",
				"operation", operation, "attempt", attempt, "err", err)
			return retry.RetryableError(err)
		}
		return err
	})
}
