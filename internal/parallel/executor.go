package parallel

import (
	"context"
	"log"
	"os"
	"sync/atomic"

	"github.com/parsmind/deepresearch/internal/stream"
)

// Executor drives streaming workers across a list of workloads on a
// shared fixed-size pool. The first workload always runs inline on the
// calling goroutine so its messages interleave live with the caller;
// the rest run on the pool, each buffering its messages for replay in
// strict index order after the first workload completes.
type Executor struct {
	name   string
	pool   *Pool
	logger *log.Logger
}

// NewExecutor creates an executor with its own pool of the given size.
func NewExecutor(name string, poolSize int) *Executor {
	return &Executor{
		name:   name,
		pool:   NewPool(poolSize),
		logger: log.New(os.Stdout, "[EXEC] ", log.LstdFlags),
	}
}

// Close releases the underlying pool.
func (ex *Executor) Close() { ex.pool.Close() }

// Worker is one streaming sub-computation: it receives its workload index
// and item, emits progress messages, and returns a final result or error.
type Worker[W, T any] func(ctx context.Context, emit stream.Emit, index int, item W) (T, error)

// future holds the deferred outcome of one pooled workload.
type future[T any] struct {
	msgs      []stream.Message
	result    T
	err       error
	cancelled atomic.Bool
	done      chan struct{}
}

// Map runs worker once per item. Results come back in input order. The
// call fails atomically: the first error among workloads is the only one
// surfaced, workload k's already-buffered messages are still replayed
// before its error propagates, and later workloads are skipped if they
// have not started (best-effort; running ones finish but their output is
// discarded). Zero items returns an empty slice without touching the
// pool; one item behaves like a direct call.
func Map[W, T any](ctx context.Context, ex *Executor, emit stream.Emit, items []W, worker Worker[W, T]) ([]T, error) {
	if len(items) == 0 {
		return []T{}, nil
	}
	if len(items) == 1 {
		r, err := worker(ctx, emit, 0, items[0])
		if err != nil {
			return nil, err
		}
		return []T{r}, nil
	}

	futures := make([]*future[T], 0, len(items)-1)
	for i := 1; i < len(items); i++ {
		f := &future[T]{done: make(chan struct{})}
		futures = append(futures, f)
		index, item := i, items[i]
		ex.pool.Submit(func() {
			defer close(f.done)
			if f.cancelled.Load() {
				return
			}
			buffer := func(m stream.Message) { f.msgs = append(f.msgs, m) }
			f.result, f.err = worker(ctx, buffer, index, item)
		})
	}
	ex.logger.Printf("submitted %d of %d %s workloads, driving the first inline", len(futures), len(items), ex.name)

	first, err := worker(ctx, emit, 0, items[0])
	if err != nil {
		ex.logger.Printf("first %s workload failed, cancelling the rest: %v", ex.name, err)
		for _, f := range futures {
			f.cancelled.Store(true)
		}
		return nil, err
	}

	results := make([]T, 0, len(items))
	results = append(results, first)
	for i, f := range futures {
		<-f.done
		for _, m := range f.msgs {
			emit(m)
		}
		if f.err != nil {
			ex.logger.Printf("%s workload %d failed, cancelling the remaining tasks: %v", ex.name, i+1, f.err)
			for _, rest := range futures[i+1:] {
				rest.cancelled.Store(true)
			}
			return nil, f.err
		}
		results = append(results, f.result)
	}
	return results, nil
}
