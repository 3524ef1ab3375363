package resilience

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func newTestGroup(cfg CircuitBreakerConfig) *FallbackGroup[string] {
	fg := NewFallbackGroup("elevenlabs", "elevenlabs", FallbackConfig{CircuitBreaker: cfg})
	fg.AddFallback("cartesia", "cartesia")
	return fg
}

func TestFallbackGroup_Execute(t *testing.T) {
	tests := []struct {
		name       string
		failing    map[string]bool
		wantCalled string
		wantErr    error
	}{
		{
			name:       "primary healthy",
			failing:    nil,
			wantCalled: "elevenlabs",
		},
		{
			name:       "primary down, fallback takes over",
			failing:    map[string]bool{"elevenlabs": true},
			wantCalled: "cartesia",
		},
		{
			name:    "every backend down",
			failing: map[string]bool{"elevenlabs": true, "cartesia": true},
			wantErr: ErrAllFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fg := newTestGroup(CircuitBreakerConfig{MaxFailures: 3})

			var called string
			err := fg.Execute(func(v string) error {
				if tt.failing[v] {
					return errTest
				}
				called = v
				return nil
			})

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if called != tt.wantCalled {
				t.Fatalf("called = %q, want %q", called, tt.wantCalled)
			}
		})
	}
}

func TestFallbackGroup_OpenBreakerIsSkipped(t *testing.T) {
	fg := newTestGroup(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})

	// Trip the primary's breaker.
	for range 2 {
		_ = fg.Execute(func(v string) error {
			if v == "elevenlabs" {
				return errTest
			}
			return nil
		})
	}

	// The primary must not even be attempted now.
	var attempts []string
	err := fg.Execute(func(v string) error {
		attempts = append(attempts, v)
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(attempts) != 1 || attempts[0] != "cartesia" {
		t.Fatalf("attempts = %v, want only cartesia while the primary is open", attempts)
	}
}

func TestExecuteWithResult_Failover(t *testing.T) {
	fg := newTestGroup(CircuitBreakerConfig{MaxFailures: 3})

	got, err := ExecuteWithResult(fg, func(v string) (string, error) {
		if v == "elevenlabs" {
			return "", errTest
		}
		return "session-" + v, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "session-cartesia" {
		t.Fatalf("result = %q, want session-cartesia", got)
	}
}

func TestExecuteWithResult_AllFailWrapsLastError(t *testing.T) {
	fg := newTestGroup(CircuitBreakerConfig{MaxFailures: 3})

	_, err := ExecuteWithResult(fg, func(string) (string, error) {
		return "", errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroup_LogsFailover(t *testing.T) {
	var buf bytes.Buffer
	fg := NewFallbackGroup("elevenlabs", "elevenlabs", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
		Logger:         slog.New(slog.NewTextHandler(&buf, nil)),
	})
	fg.AddFallback("cartesia", "cartesia")

	err := fg.Execute(func(v string) error {
		if v == "elevenlabs" {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	logged := buf.String()
	if !bytes.Contains([]byte(logged), []byte("failover succeeded")) {
		t.Errorf("log missing failover event, got: %s", logged)
	}
}
