package httptask

import (
	"testing"

	"github.com/durner/anyblob-go/internal/buffer"
	"github.com/durner/anyblob-go/internal/xerrors"
)

// TestResetExhaustsRetryBudget exercises reset() directly (package-internal
// test) against repeated transient failures, asserting the spec §7/§8
// scenario 5 transition: once failures exceeds xerrors.FailuresMax, the
// task reaches Aborted with RetryExhausted set, and not before.
func TestResetExhaustsRetryBudget(t *testing.T) {
	task := &Task{state: Init, recvBuf: buffer.WithCapacity(4096)}

	var state State
	for i := 0; i < xerrors.FailuresMax; i++ {
		task.failureCode = task.failureCode.Set(xerrors.Timeout)
		var err error
		state, err = task.reset(false)
		if state == Aborted {
			t.Fatalf("aborted too early, after %d transient failures", i+1)
		}
		if err != nil {
			t.Fatalf("unexpected error mid-retry: %v", err)
		}
		if state != Init {
			t.Fatalf("expected Init between retries, got %v", state)
		}
	}

	task.failureCode = task.failureCode.Set(xerrors.Timeout)
	state, err := task.reset(false)
	if state != Aborted {
		t.Fatalf("expected Aborted once the retry budget is exceeded, got %v", state)
	}
	if err == nil {
		t.Fatalf("expected reset to surface an error once Aborted")
	}
	if !task.failureCode.Has(xerrors.RetryExhausted) {
		t.Fatalf("expected RetryExhausted bit set, got %s", task.failureCode)
	}
	if !task.failureCode.Has(xerrors.Timeout) {
		t.Fatalf("expected Timeout bit still set (monotonic accumulation), got %s", task.failureCode)
	}
}

// TestResetFatalAbortsImmediately checks the non-retryable path (spec §7:
// "Fatal (SocketCreate with a non-retry-eligible errno ...) → Aborted
// immediately") never sets RetryExhausted, since that bit specifically
// marks retry-budget exhaustion, not an immediate fatal condition.
func TestResetFatalAbortsImmediately(t *testing.T) {
	task := &Task{state: Init, recvBuf: buffer.WithCapacity(4096)}
	task.failureCode = task.failureCode.Set(xerrors.SocketCreate)

	state, err := task.reset(true)
	if state != Aborted {
		t.Fatalf("expected immediate Aborted, got %v", state)
	}
	if err == nil {
		t.Fatalf("expected an error from an immediate abort")
	}
	if task.failureCode.Has(xerrors.RetryExhausted) {
		t.Fatalf("did not expect RetryExhausted on an immediate fatal abort, got %s", task.failureCode)
	}
}
