package ratectl_test

import (
	"testing"

	"github.com/durner/anyblob-go/internal/ratectl"
)

func TestAllowUnboundedWithZeroTarget(t *testing.T) {
	tr := ratectl.New(0)
	tr.Record(10 << 20)
	if !tr.Allow() {
		t.Fatalf("expected Allow to stay true with a zero (unbounded) target")
	}
}

func TestAllowFalseOnceOverTarget(t *testing.T) {
	tr := ratectl.New(1024) // 1 KiB/s ceiling
	tr.Record(1 << 20)      // 1 MiB observed immediately
	if tr.Allow() {
		t.Fatalf("expected Allow to report false once observed throughput exceeds the target")
	}
}

func TestSetTargetTakesEffect(t *testing.T) {
	tr := ratectl.New(1)
	tr.Record(1 << 20)
	if tr.Allow() {
		t.Fatalf("expected throttled before raising the target")
	}
	tr.SetTarget(0)
	if !tr.Allow() {
		t.Fatalf("expected Allow true once the target is raised to unbounded")
	}
}
