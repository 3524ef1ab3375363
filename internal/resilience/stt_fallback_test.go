package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/voicewire/voicewire/pkg/provider/stt"
	sttmock "github.com/voicewire/voicewire/pkg/provider/stt/mock"
)

func TestSTTFallback_StartStream_PrimarySuccess(t *testing.T) {
	primary := sttmock.New()
	secondary := sttmock.New()

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	handle, err := fb.StartStream(context.Background(), stt.StreamConfig{
		Encoding:   "mulaw",
		SampleRate: 8000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle == nil {
		t.Fatal("handle is nil")
	}
	if len(primary.Sessions()) != 1 {
		t.Fatalf("primary opened %d sessions, want 1", len(primary.Sessions()))
	}
	if len(secondary.Sessions()) != 0 {
		t.Fatalf("secondary opened %d sessions, want 0", len(secondary.Sessions()))
	}
	_ = handle.Close()
}

func TestSTTFallback_StartStream_Failover(t *testing.T) {
	primary := sttmock.New()
	primary.StartErr = errors.New("primary down")
	secondary := sttmock.New()

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	handle, err := fb.StartStream(context.Background(), stt.StreamConfig{
		Encoding:   "mulaw",
		SampleRate: 8000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle == nil {
		t.Fatal("handle is nil")
	}
	if len(secondary.Sessions()) != 1 {
		t.Fatalf("secondary opened %d sessions, want 1", len(secondary.Sessions()))
	}
	_ = handle.Close()
}

func TestSTTFallback_StartStream_AllFail(t *testing.T) {
	primary := sttmock.New()
	primary.StartErr = errors.New("primary down")
	secondary := sttmock.New()
	secondary.StartErr = errors.New("secondary down")

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.StartStream(context.Background(), stt.StreamConfig{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
