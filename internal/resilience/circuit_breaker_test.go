package resilience

import (
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker(2*time.Second, 4, 4, 0.5, 300*time.Millisecond, 2)
	for i := 0; i < 4; i++ {
		if !cb.Allow() {
			t.Fatalf("should allow while closed, iter %d", i)
		}
		cb.RecordResult(false)
	}
	if cb.Allow() {
		t.Fatalf("expected breaker open after majority failures")
	}
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker(2*time.Second, 4, 4, 0.5, 200*time.Millisecond, 2)
	for i := 0; i < 4; i++ {
		cb.Allow()
		cb.RecordResult(false)
	}
	if cb.Allow() {
		t.Fatalf("expected open")
	}
	time.Sleep(250 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected half-open probe to be allowed")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("expected second probe allowed")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("expected closed after successful probes")
	}
}
