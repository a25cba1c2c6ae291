package profiling

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestServerStartsAndSamplesMemory(t *testing.T) {
	s := NewServer("127.0.0.1:0", zerolog.New(io.Discard))
	s.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	}()

	// Addr() isn't exposed; exercise the sample path directly instead of
	// dialing the ephemeral port the test binds to.
	sample := CurrentSample()
	if sample.NumGoroutine <= 0 {
		t.Fatalf("expected at least one goroutine, got %d", sample.NumGoroutine)
	}
}

func TestCurrentSampleReflectsLiveGoroutines(t *testing.T) {
	before := CurrentSample()
	done := make(chan struct{})
	go func() { <-done }()
	defer close(done)

	after := CurrentSample()
	if after.NumGoroutine < before.NumGoroutine {
		t.Fatalf("expected goroutine count to not decrease: before=%d after=%d", before.NumGoroutine, after.NumGoroutine)
	}
}
