package resolver_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/durner/anyblob-go/internal/resolver"
)

type fakeResolver struct{ ip net.IP }

func (f fakeResolver) LookupIPAddr(context.Context, string) ([]net.IPAddr, error) {
	return []net.IPAddr{{IP: f.ip}}, nil
}

func TestResolveMissThenIdleReuse(t *testing.T) {
	c := resolver.New(fakeResolver{ip: net.ParseIP("10.0.0.1")}, nil)

	e, err := c.Resolve(context.Background(), "example.com", 443, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if e.DNS.CachePriority != resolver.DefaultPriority {
		t.Fatalf("got priority %d want %d", e.DNS.CachePriority, resolver.DefaultPriority)
	}

	e.FD = 7
	c.StartSocket(e)
	c.StopSocket(e, 1024, true)

	reused, err := c.Resolve(context.Background(), "example.com", 443, true)
	if err != nil {
		t.Fatalf("resolve reuse: %v", err)
	}
	if reused.FD != 7 {
		t.Fatalf("expected reused idle entry with fd=7, got %d", reused.FD)
	}
	if reused.DNS.CachePriority != resolver.DefaultPriority-1 {
		t.Fatalf("expected priority decremented on reuse, got %d", reused.DNS.CachePriority)
	}
}

func TestShutdownSocketEvictsMatchingEntries(t *testing.T) {
	c := resolver.New(fakeResolver{ip: net.ParseIP("10.0.0.1")}, nil)
	e, _ := c.Resolve(context.Background(), "h", 80, false)
	e.FD = 3
	c.StartSocket(e)
	c.StopSocket(e, 10, true)

	c.ShutdownSocket(&resolver.SocketEntry{Host: "h", Port: 80})

	got, err := c.Resolve(context.Background(), "h", 80, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.FD == 3 {
		t.Fatalf("expected shutdown to evict the cached entry, still got fd=3")
	}
}

func TestThroughputCacheRanksFastAddressHigher(t *testing.T) {
	tc := resolver.NewThroughput(fakeResolver{ip: net.ParseIP("10.0.0.2")}, nil)
	e, _ := tc.Resolve(context.Background(), "h2", 443, true)
	base := e.DNS.CachePriority

	e.Timestamp = time.Now().Add(-1 * time.Second)
	tc.StopSocket(e, 10*1024*1024, true) // fast: 10MB/s

	if e.DNS.CachePriority <= base {
		t.Fatalf("expected a fast transfer to raise priority above base %d, got %d", base, e.DNS.CachePriority)
	}
}
