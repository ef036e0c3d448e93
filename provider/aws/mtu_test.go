package aws_test

import (
	"net"
	"testing"

	awsprovider "github.com/durner/anyblob-go/provider/aws"
	"github.com/durner/anyblob-go/internal/resolver"
)

// UDP "connect" never touches the network (no SYN, no response expected),
// so probing loopback exercises the real syscall path without depending on
// external connectivity.
func TestProbeMTUReturnsPositiveValue(t *testing.T) {
	mtu := awsprovider.ProbeMTU(net.ParseIP("127.0.0.1"))
	if mtu <= 0 {
		t.Fatalf("ProbeMTU returned non-positive value: %d", mtu)
	}
}

func TestProbeMTUFallsBackOnInvalidAddress(t *testing.T) {
	// A nil/invalid v4 address fails SockaddrInet4 population predictably;
	// ProbeMTU must fall back rather than panic.
	mtu := awsprovider.ProbeMTU(net.ParseIP("::1"))
	if mtu <= 0 {
		t.Fatalf("ProbeMTU returned non-positive value: %d", mtu)
	}
}

func TestPolicyOnResolveIgnoresNilEntry(t *testing.T) {
	// Must not panic on a nil entry or nil Addr.
	awsprovider.Policy{}.OnResolve(nil)
	awsprovider.Policy{}.OnResolve(&resolver.DnsEntry{})
}

func TestPolicyOnResolveBoostsPriorityForJumboPath(t *testing.T) {
	entry := &resolver.DnsEntry{Addr: net.ParseIP("127.0.0.1"), CachePriority: 5}
	before := entry.CachePriority
	awsprovider.Policy{}.OnResolve(entry)
	if entry.CachePriority < before {
		t.Fatalf("CachePriority decreased: before=%d after=%d", before, entry.CachePriority)
	}
}
