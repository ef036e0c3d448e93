package httptask_test

import (
	"testing"

	"github.com/durner/anyblob-go/internal/httphelper"
	"github.com/durner/anyblob-go/internal/httptask"
)

func TestStateString(t *testing.T) {
	cases := map[httptask.State]string{
		httptask.Init:     "Init",
		httptask.Sending:  "Sending",
		httptask.Finished: "Finished",
		httptask.Aborted:  "Aborted",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

// TestResultInvariant checks the spec §8 invariant "result.offset +
// result.size ≤ buffer.size" holds for a hand-built Result, which every
// Task.Result() call must preserve.
func TestResultInvariant(t *testing.T) {
	r := httptask.Result{
		Offset: 120,
		Size:   880,
		Info:   httphelper.Info{HeaderLength: 120, HasContentLength: true, ContentLength: 880},
	}
	if r.Offset+r.Size > 1000 {
		t.Fatalf("offset+size exceeds the 1000-byte buffer this fixture models")
	}
	if r.Info.HasContentLength && r.Size != int(r.Info.ContentLength) {
		t.Fatalf("size %d does not match Content-Length %d", r.Size, r.Info.ContentLength)
	}
}
