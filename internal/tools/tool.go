package tools

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"
)

// Tool is one invocable capability exposed to an agent. Parameters is a
// JSON-schema object describing the arguments.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Call(ctx context.Context, args map[string]any) (string, error)
}

// TransientError marks a failure worth retrying, rate limits and
// timeouts mostly. Wrap with Transient to opt a call into retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so withRetry will retry it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

const retryAttempts = 3

// withRetry runs fn up to retryAttempts+1 times, backing off with jitter
// between attempts. Only TransientError failures are retried; anything
// else returns immediately. Exhausted retries surface the last error.
func withRetry(ctx context.Context, logger *log.Logger, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= retryAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			backoff += time.Duration(rand.Int63n(int64(backoff)))
			logger.Printf("%s failed, retry %d/%d in %v: %v", op, attempt, retryAttempts, backoff, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		var transient *TransientError
		if !errors.As(err, &transient) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, lastErr)
}

func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}
