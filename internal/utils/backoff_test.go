package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExponentialBackoff(t *testing.T) {
	tests := []struct {
		name    string
		base    time.Duration
		max     time.Duration
		attempt int
		want    time.Duration
	}{
		{"first attempt", 10 * time.Millisecond, time.Second, 0, 10 * time.Millisecond},
		{"second attempt", 10 * time.Millisecond, time.Second, 1, 20 * time.Millisecond},
		{"fourth attempt", 10 * time.Millisecond, time.Second, 3, 80 * time.Millisecond},
		{"capped", 10 * time.Millisecond, 50 * time.Millisecond, 5, 50 * time.Millisecond},
		{"negative attempt", 10 * time.Millisecond, time.Second, -2, 10 * time.Millisecond},
		{"huge attempt", time.Second, time.Minute, 100, time.Minute},
		{"no cap", time.Millisecond, 0, 4, 16 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExponentialBackoff(tt.base, tt.max, tt.attempt); got != tt.want {
				t.Errorf("ExponentialBackoff() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSleepContext(t *testing.T) {
	if err := SleepContext(context.Background(), time.Millisecond); err != nil {
		t.Errorf("expected nil, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
