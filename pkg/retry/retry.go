// Package retry implements the per-operation-class retry and backoff
// policy shared by all reconcilers. Each operation class carries its own
// budget; delete deliberately gets a higher one because abandoning
// cleanup orphans quota-consuming resources.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/util/workqueue"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"
)

// Class identifies an operation class with its own retry policy.
type Class string

const (
	OpCreate Class = "create"
	OpUpdate Class = "update"
	OpDelete Class = "delete"
	OpGet    Class = "get"
)

// MaxDelay caps exponential backoff regardless of attempt count.
const MaxDelay = 300 * time.Second

// Policy is the retry budget for one operation class.
type Policy struct {
	// MaxRetries is the total number of attempts.
	MaxRetries int
	// InitialDelay is the base of the exponential backoff.
	InitialDelay time.Duration
}

// Delay returns the backoff before the given zero-based retry attempt.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.InitialDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= MaxDelay {
			return MaxDelay
		}
	}
	if d > MaxDelay {
		return MaxDelay
	}
	return d
}

// Config maps operation classes to policies.
type Config map[Class]Policy

// DefaultConfig returns the stock retry budgets.
func DefaultConfig() Config {
	return Config{
		OpCreate: {MaxRetries: 3, InitialDelay: 2 * time.Second},
		OpUpdate: {MaxRetries: 3, InitialDelay: 2 * time.Second},
		OpDelete: {MaxRetries: 5, InitialDelay: 1 * time.Second},
		OpGet:    {MaxRetries: 3, InitialDelay: 1 * time.Second},
	}
}

// Policy returns the policy for class, falling back to the get policy
// defaults when the class is not configured.
func (c Config) Policy(class Class) Policy {
	if p, ok := c[class]; ok {
		return p
	}
	return Policy{MaxRetries: 3, InitialDelay: time.Second}
}

// RateLimiter builds the controller workqueue rate limiter from the
// create-class policy, so failed reconciles requeue with the same
// exponential shape as inline retries.
func (c Config) RateLimiter() workqueue.TypedRateLimiter[reconcile.Request] {
	p := c.Policy(OpCreate)
	return workqueue.NewTypedItemExponentialFailureRateLimiter[reconcile.Request](p.InitialDelay, MaxDelay)
}

// ExhaustedError reports that an operation's retry budget ran out. The
// wrapped error is the last attempt's failure.
type ExhaustedError struct {
	Class    Class
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation %q failed after %d attempts: %v", e.Class, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsExhausted reports whether err is (or wraps) an ExhaustedError.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

// IsTransient reports whether err is worth retrying: optimistic
// concurrency conflicts and API/network timeouts. Everything else is
// surfaced to the caller immediately.
func IsTransient(err error) bool {
	return apierrors.IsConflict(err) ||
		apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsInternalError(err)
}

// Engine executes operations under the configured class policies and
// tracks per-key backoff for callers that wait without erroring (quota
// rejections are a wait state, not a failure).
type Engine struct {
	cfg Config

	mu       sync.Mutex
	failures map[string]int
}

// NewEngine builds an Engine; a nil config uses DefaultConfig.
func NewEngine(cfg Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Engine{cfg: cfg, failures: make(map[string]int)}
}

// Policy exposes the policy configured for class.
func (e *Engine) Policy(class Class) Policy { return e.cfg.Policy(class) }

// RateLimiter exposes the workqueue rate limiter for controller setup.
func (e *Engine) RateLimiter() workqueue.TypedRateLimiter[reconcile.Request] {
	return e.cfg.RateLimiter()
}

// Do runs fn under the class policy. Transient failures are retried with
// exponential backoff; non-transient errors return immediately. When the
// budget is exhausted the last error is wrapped in an ExhaustedError.
func (e *Engine) Do(ctx context.Context, class Class, fn func(ctx context.Context) error) error {
	p := e.cfg.Policy(class)
	attempts := p.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Delay(attempt - 1)):
			}
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
	}
	return &ExhaustedError{Class: class, Attempts: attempts, Err: lastErr}
}

// NextDelay returns the backoff for key's next wait and advances its
// failure count. Used for legitimate wait states (quota contention) that
// requeue without surfacing an error.
func (e *Engine) NextDelay(class Class, key string) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.failures[key]
	e.failures[key] = n + 1
	return e.cfg.Policy(class).Delay(n)
}

// Forget resets key's backoff state after a successful reconcile.
func (e *Engine) Forget(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.failures, key)
}
