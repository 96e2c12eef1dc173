package stream

import "context"

// Emit delivers one protocol message to the consumer of the enclosing
// stream. Producers call it at every suspension point; it is the only
// progress channel, there is no out-of-band signaling.
type Emit func(Message)

// Discard is an Emit that drops messages. Useful for callers that only
// want the final value.
func Discard(Message) {}

// Func is a cooperative streaming computation: it emits zero or more
// messages and returns one final value, or an error instead of a value.
// Nested computations compose by sharing the same Emit, so progress
// passes through every layer unmodified.
type Func[T any] func(ctx context.Context, emit Emit) (T, error)

// Generator adapts a Func for a pull-based consumer: Next yields messages
// one at a time, and Result blocks until the computation finishes. The
// producer runs on its own goroutine but is suspended on an unbuffered
// channel between messages, so exactly one side is ever running.
type Generator[T any] struct {
	ch     chan Message
	done   chan struct{}
	result T
	err    error
}

// NewGenerator starts fn and returns its pull side. Cancelling ctx
// releases the producer even if the consumer stops pulling.
func NewGenerator[T any](ctx context.Context, fn Func[T]) *Generator[T] {
	g := &Generator[T]{
		ch:   make(chan Message),
		done: make(chan struct{}),
	}
	emit := func(m Message) {
		select {
		case g.ch <- m:
		case <-ctx.Done():
		}
	}
	go func() {
		defer close(g.done)
		g.result, g.err = fn(ctx, emit)
		close(g.ch)
	}()
	return g
}

// Next returns the next message, or ok=false once the stream is exhausted.
func (g *Generator[T]) Next() (Message, bool) {
	m, ok := <-g.ch
	return m, ok
}

// Result blocks until the computation completes and returns its final
// value or error. Call after Next reports ok=false, or at any time to
// drain implicitly via ctx cancellation.
func (g *Generator[T]) Result() (T, error) {
	<-g.done
	return g.result, g.err
}
