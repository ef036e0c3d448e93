package anyblob_test

import (
	"context"
	"net"
	"testing"

	"github.com/durner/anyblob-go"
	"github.com/durner/anyblob-go/internal/config"
	"github.com/durner/anyblob-go/internal/resolver"
	"github.com/durner/anyblob-go/provider/httpraw"
)

func testGroup(t *testing.T) *anyblob.WorkerGroup {
	t.Helper()
	g, err := anyblob.NewWorkerGroup(config.DefaultWorkerGroupConfig(), config.DefaultTCPSettings(),
		func() (resolver.Resolver, resolver.Policy) {
			return resolver.NewSingleflightResolver(net.DefaultResolver), resolver.NoopPolicy{}
		}, nil)
	if err != nil {
		t.Fatalf("NewWorkerGroup: %v", err)
	}
	return g
}

func TestNewProviderRoundTripsThroughPublicSurface(t *testing.T) {
	p, err := anyblob.NewProvider("http://example.org:8080/bucket")
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p.Host() != "example.org" || p.Port() != 8080 {
		t.Fatalf("unexpected provider target: host=%q port=%d", p.Host(), p.Port())
	}
}

func TestWorkerGroupGetHandleReleaseRoundTrip(t *testing.T) {
	g := testGroup(t)
	h, err := g.GetHandle()
	if err != nil {
		t.Fatalf("GetHandle: %v", err)
	}
	g.Release(h)

	if _, err := g.GetHandle(); err != nil {
		t.Fatalf("GetHandle (second): %v", err)
	}
}

func TestTransactionAddGetQueuesAndSendsThroughWorkerGroup(t *testing.T) {
	g := testGroup(t)
	cap := httpraw.New("example.org", 80, false)
	tr := anyblob.NewTransaction(cap, g)

	if err := tr.AddGet("key", nil, func(anyblob.Result) {}); err != nil {
		t.Fatalf("AddGet: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	// ProcessSync with an already-expired context and no running worker
	// must return promptly with ctx.Err() rather than hang forever.
	if err := tr.ProcessSync(ctx); err == nil {
		t.Fatalf("expected ProcessSync to report context deadline, got nil")
	}
}

func TestWorkerHandleProcessRespectsContextCancellation(t *testing.T) {
	g := testGroup(t)
	h, err := g.GetHandle()
	if err != nil {
		t.Fatalf("GetHandle: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Process(ctx)
		close(done)
	}()
	cancel()
	<-done
}
