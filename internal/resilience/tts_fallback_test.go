package resilience

import (
	"context"
	"errors"
	"testing"

	ttsmock "github.com/voicewire/voicewire/pkg/provider/tts/mock"
	"github.com/voicewire/voicewire/pkg/types"
)

func TestTTSFallback_StartSession_PrimarySuccess(t *testing.T) {
	primary := ttsmock.New()
	secondary := ttsmock.New()

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	sess, err := fb.StartSession(context.Background(), types.VoiceProfile{
		Provider: "elevenlabs",
		ID:       "v1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess == nil {
		t.Fatal("session is nil")
	}
	if len(primary.Sessions()) != 1 {
		t.Fatalf("primary opened %d sessions, want 1", len(primary.Sessions()))
	}
	if len(secondary.Sessions()) != 0 {
		t.Fatalf("secondary opened %d sessions, want 0", len(secondary.Sessions()))
	}
	_ = sess.Close()
}

func TestTTSFallback_StartSession_Failover(t *testing.T) {
	primary := ttsmock.New()
	primary.StartErr = errors.New("primary down")
	secondary := ttsmock.New()

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	sess, err := fb.StartSession(context.Background(), types.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess == nil {
		t.Fatal("session is nil")
	}
	if len(secondary.Sessions()) != 1 {
		t.Fatalf("secondary opened %d sessions, want 1", len(secondary.Sessions()))
	}
	_ = sess.Close()
}

func TestTTSFallback_StartSession_AllFail(t *testing.T) {
	primary := ttsmock.New()
	primary.StartErr = errors.New("primary down")
	secondary := ttsmock.New()
	secondary.StartErr = errors.New("secondary down")

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.StartSession(context.Background(), types.VoiceProfile{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
