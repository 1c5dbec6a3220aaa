package backoff

import (
	"testing"
	"time"
)

func TestDelayWithRand(t *testing.T) {
	p := Policy{Base: time.Second, Max: 30 * time.Second}

	tests := []struct {
		name        string
		attempt     int
		randomValue float64
		expected    time.Duration
	}{
		{"first attempt no jitter", 0, 0, time.Second},
		{"second attempt doubles", 1, 0, 2 * time.Second},
		{"fourth attempt", 3, 0, 8 * time.Second},
		{"capped", 10, 0, 30 * time.Second},
		{"full jitter on first", 0, 1, 1250 * time.Millisecond},
		{"full jitter on cap", 20, 1, 37500 * time.Millisecond},
		{"half jitter", 2, 0.5, 4500 * time.Millisecond},
		{"negative attempt", -3, 0, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.DelayWithRand(tt.attempt, tt.randomValue); got != tt.expected {
				t.Errorf("DelayWithRand(%d, %v) = %v, want %v", tt.attempt, tt.randomValue, got, tt.expected)
			}
		})
	}
}

func TestDelayMonotonicAndBounded(t *testing.T) {
	p := Policy{Base: 3 * time.Second, Max: 30 * time.Second}
	limit := time.Duration(float64(p.Max) * 1.25)

	for _, r := range []float64{0, 0.3, 0.99} {
		prev := time.Duration(0)
		for attempt := 0; attempt < 40; attempt++ {
			d := p.DelayWithRand(attempt, r)
			if d < prev {
				t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, d, prev)
			}
			if d > limit {
				t.Fatalf("delay %v exceeds %v at attempt %d", d, limit, attempt)
			}
			prev = d
		}
	}
}

func TestDelayRandomStaysInRange(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: time.Second}
	for i := 0; i < 200; i++ {
		d := p.Delay(1)
		if d < 200*time.Millisecond || d > 250*time.Millisecond {
			t.Fatalf("Delay(1) = %v, outside [200ms, 250ms]", d)
		}
	}
}
