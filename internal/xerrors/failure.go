// Package xerrors defines the engine's failure taxonomy and the small
// wrapping helpers used to carry a cause across package boundaries.
package xerrors

import (
	"strings"

	"github.com/pkg/errors"
)

// Code is a bitmask of the distinct failure kinds observed while driving an
// OriginalMessage to completion. Bits accumulate across retries and are
// never cleared for a given message (see spec §8, "Failure-code bits are
// monotonic").
type Code uint32

const (
	// SocketCreate marks a failure acquiring or creating a connected socket.
	SocketCreate Code = 1 << iota
	// ConnectTimeout marks a non-blocking connect that did not complete in time.
	ConnectTimeout
	// Send marks a failed or partial send completion.
	Send
	// Recv marks a failed recv completion.
	Recv
	// Empty marks a recv that returned zero bytes before the message was complete.
	Empty
	// HTTPProtocol marks a malformed or unparseable HTTP preamble.
	HTTPProtocol
	// TLS marks a failure inside the TLS handshake/shutdown shim.
	TLS
	// Timeout marks a kernel-reported timeout on a send/recv operation.
	Timeout
	// RetryExhausted marks that the per-task failure counter exceeded the retry ceiling.
	RetryExhausted
)

var names = []struct {
	bit  Code
	name string
}{
	{SocketCreate, "socket-create"},
	{ConnectTimeout, "connect-timeout"},
	{Send, "send"},
	{Recv, "recv"},
	{Empty, "empty"},
	{HTTPProtocol, "http-protocol"},
	{TLS, "tls"},
	{Timeout, "timeout"},
	{RetryExhausted, "retry-exhausted"},
}

// Set returns code with bit set, preserving every previously set bit.
func (c Code) Set(bit Code) Code { return c | bit }

// Has reports whether bit is set in code.
func (c Code) Has(bit Code) bool { return c&bit != 0 }

// String renders every set bit, e.g. "send|timeout".
func (c Code) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	for _, n := range names {
		if c.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Wrap attaches cause to a failure bit, producing an error whose message
// names the bit and whose Cause() (pkg/errors) is the underlying error.
// The returned Code is unchanged; callers accumulate bits on the message's
// own FailureCode field, this helper only shapes the error value used for
// logging.
func Wrap(bit Code, cause error) error {
	if cause == nil {
		return errors.Errorf("failure: %s", Code(bit))
	}
	return errors.Wrapf(cause, "failure: %s", Code(bit))
}

// Retryable reports whether bit, considered alone, is a transient failure
// kind that should trigger reset-and-retry rather than immediate abort
// (spec §7: Send/Recv/Empty/Timeout/HTTPProtocol on a single attempt).
func Retryable(bit Code) bool {
	switch bit {
	case Send, Recv, Empty, Timeout, HTTPProtocol:
		return true
	default:
		return false
	}
}

// FailuresMax is the per-task retry ceiling (spec §4.8/§9): once a task's
// failure counter exceeds this value, it is aborted with RetryExhausted set.
// This is a magic number in the source with no stated derivation; it is kept
// as a tunable, not guessed at (Design Note, "Open questions").
const FailuresMax = 8
