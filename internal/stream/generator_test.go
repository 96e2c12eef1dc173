package stream

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGeneratorYieldsThenReturns(t *testing.T) {
	g := NewGenerator(context.Background(), func(ctx context.Context, emit Emit) (int, error) {
		emit(NewStart("s", "a"))
		emit(NewChunk("s", "b"))
		emit(NewEnd("s", ""))
		return 42, nil
	})

	var types []MessageType
	for {
		m, ok := g.Next()
		if !ok {
			break
		}
		types = append(types, m.Type)
	}
	if len(types) != 3 || types[0] != TypeStart || types[1] != TypeChunk || types[2] != TypeEnd {
		t.Fatalf("message types = %v", types)
	}
	v, err := g.Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if v != 42 {
		t.Fatalf("Result = %d, want 42", v)
	}
}

func TestGeneratorSurfacesError(t *testing.T) {
	boom := errors.New("boom")
	g := NewGenerator(context.Background(), func(ctx context.Context, emit Emit) (string, error) {
		emit(NewChunk("s", "partial"))
		return "", boom
	})
	for {
		if _, ok := g.Next(); !ok {
			break
		}
	}
	if _, err := g.Result(); !errors.Is(err, boom) {
		t.Fatalf("Result err = %v, want %v", err, boom)
	}
}

func TestGeneratorCancelReleasesProducer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := NewGenerator(ctx, func(ctx context.Context, emit Emit) (int, error) {
		for i := 0; ; i++ {
			emit(NewChunk("s", "x"))
			if ctx.Err() != nil {
				return i, ctx.Err()
			}
		}
	})
	if _, ok := g.Next(); !ok {
		t.Fatalf("expected at least one message")
	}
	cancel()
	done := make(chan struct{})
	go func() {
		g.Result()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("producer did not exit after cancel")
	}
}

func TestMessageMetadata(t *testing.T) {
	m := NewChunk("s", "tips").WithMeta(MetaAdditionType, AdditionTips)
	if m.Meta(MetaAdditionType) != AdditionTips {
		t.Fatalf("Meta = %q", m.Meta(MetaAdditionType))
	}
	if m.Meta("missing") != "" {
		t.Fatalf("missing key should read empty")
	}
	// WithMeta copies, the original stays untouched.
	base := NewChunk("s", "x")
	_ = base.WithMeta("k", "v")
	if base.Metadata != nil {
		t.Fatalf("WithMeta mutated the receiver")
	}
}
