// Package anyblob is the public surface of this client library (spec §6):
// NewProvider for one-shot URL-addressed requests, and Transaction/
// WorkerGroup/WorkerHandle for callers that want to drive the async engine
// directly rather than go through a Provider's synchronous wrappers.
package anyblob

import (
	"context"

	"github.com/durner/anyblob-go/internal/config"
	"github.com/durner/anyblob-go/internal/httptask"
	"github.com/durner/anyblob-go/internal/resolver"
	"github.com/durner/anyblob-go/internal/txn"
	"github.com/durner/anyblob-go/internal/workergroup"
	"github.com/durner/anyblob-go/provider"
)

// Provider, Option, ByteRange, and NewProvider re-export the scheme-
// addressed entry point from package provider unchanged (spec §6): most
// callers only ever need this file, not internal/txn or internal/workergroup
// directly.
type (
	Provider  = provider.Provider
	Option    = provider.Option
	ByteRange = txn.ByteRange
	Request   = httptask.Request
	Result    = httptask.Result
)

// NewProvider parses a scheme-prefixed URL into a concrete Provider (spec §6).
func NewProvider(url string, opts ...Option) (Provider, error) {
	return provider.NewProvider(url, opts...)
}

var (
	WithRegion             = provider.WithRegion
	WithStaticCredentials  = provider.WithStaticCredentials
	WithAccountKey         = provider.WithAccountKey
	WithServiceAccountJSON = provider.WithServiceAccountJSON
	WithTLS                = provider.WithTLS
)

// WithWorkerGroup attaches an existing WorkerGroup rather than letting
// NewProvider build a default single-worker group, so callers can share
// one group's queues/metrics across several Providers (spec §4.10).
func WithWorkerGroup(g *WorkerGroup) Option { return provider.WithWorkerGroup(g.inner) }

// Capability is the provider-agnostic signing boundary a caller driving a
// Transaction directly must supply (spec §6.1); provider/aws, provider/azure,
// provider/gcp, provider/minio, and provider/httpraw each implement it.
type Capability = txn.Capability

// Transaction composes GET/PUT/DELETE (and multipart PUT) requests against
// one Capability and drives them through a WorkerGroup (spec §6).
type Transaction struct {
	inner *txn.Transaction
}

// NewTransaction constructs a Transaction bound to cap, submitting through
// grp.
func NewTransaction(cap Capability, grp *WorkerGroup) *Transaction {
	return &Transaction{inner: txn.New(cap, grp.inner)}
}

// AddGet queues a GET (spec §6).
func (t *Transaction) AddGet(path string, byteRange *ByteRange, cb func(Result)) error {
	return t.inner.AddGet(path, byteRange, cb)
}

// AddPut queues a PUT (spec §6).
func (t *Transaction) AddPut(path string, body []byte, cb func(Result)) error {
	return t.inner.AddPut(path, body, cb)
}

// AddDelete queues a DELETE (spec §6).
func (t *Transaction) AddDelete(path string, cb func(Result)) error {
	return t.inner.AddDelete(path, cb)
}

// AddMultipartPut splits body into partSize parts, returning the
// MultipartUpload tracking their progress through the state machine (spec
// §4.11, §8 scenario 3).
func (t *Transaction) AddMultipartPut(path string, body []byte, partSize int) *txn.MultipartUpload {
	return t.inner.AddMultipartPut(path, body, partSize)
}

// VerifyKeyRequest pushes a pending credential refresh ahead of req when the
// Capability reports one due (spec §4.11).
func (t *Transaction) VerifyKeyRequest(ctx context.Context, req Request, cb func(Result)) error {
	return t.inner.VerifyKeyRequest(ctx, req, cb)
}

// ProcessSync blocks until every queued request has been delivered (spec
// §4.11).
func (t *Transaction) ProcessSync(ctx context.Context) error {
	return t.inner.ProcessSync(ctx)
}

// ProcessAsync submits what it can without blocking, returning true once
// every multipart upload has reached Done (spec §4.11). Plain requests are
// only submitted; their completion is reported through their callbacks and
// does not affect the return value.
func (t *Transaction) ProcessAsync(ctx context.Context) (bool, error) {
	return t.inner.ProcessAsync(ctx)
}

// WorkerGroup holds the shared submission/reuse queues and a free-list of
// caller-driven WorkerHandles (spec §4.10, §6).
type WorkerGroup struct {
	inner *workergroup.Group
}

// NewWorkerGroup constructs a WorkerGroup. resolverFactory builds a fresh
// raw resolver + address-priority policy per worker (spec §4.4, §5); pass
// nil for metrics to skip Prometheus registration.
func NewWorkerGroup(cfg config.WorkerGroupConfig, tcpSettings config.TCPSettings, resolverFactory func() (resolver.Resolver, resolver.Policy), metrics *workergroup.Metrics) (*WorkerGroup, error) {
	g, err := workergroup.New(cfg, tcpSettings, resolverFactory, metrics)
	if err != nil {
		return nil, err
	}
	return &WorkerGroup{inner: g}, nil
}

// SetConfig updates concurrency/chunk-size for handles on the free-list and
// for handles constructed afterward; a checked-out handle is not updated
// (spec §4.10).
func (g *WorkerGroup) SetConfig(cfg config.WorkerGroupConfig) { g.inner.SetConfig(cfg) }

// SetInstanceBandwidth sets the per-worker pacing ceiling the rate tracker
// of each free-list handle, and of each handle constructed afterward,
// consults (SPEC_FULL §9.1); 0 disables pacing. A checked-out handle is not
// updated.
func (g *WorkerGroup) SetInstanceBandwidth(bytesPerSec uint64) {
	g.inner.SetInstanceBandwidth(bytesPerSec)
}

// GetHandle pops a free worker or constructs a new one (spec §4.10).
func (g *WorkerGroup) GetHandle() (*WorkerHandle, error) {
	h, err := g.inner.GetHandle()
	if err != nil {
		return nil, err
	}
	return &WorkerHandle{inner: h}, nil
}

// Release returns a handle to the free-list for reuse.
func (g *WorkerGroup) Release(h *WorkerHandle) { g.inner.Release(h.inner) }

// RunAll acquires retrieverCount handles and runs each until ctx is done,
// fanning in their shutdown through an errgroup (spec §4.10's
// "retriever_count" worker goroutines).
func (g *WorkerGroup) RunAll(ctx context.Context, retrieverCount int) error {
	return g.inner.RunAll(ctx, retrieverCount)
}

// Send pushes a submission onto the group's bounded queue, returning
// ring.ErrFull if there is no room right now (spec §4.10).
func (g *WorkerGroup) Send(req Request, chunkSize int, callback func(Result)) error {
	return g.inner.Send(req, chunkSize, callback)
}

// WorkerHandle is a caller-owned worker: the caller drives Process itself
// rather than the group spawning a goroutine for it (spec §4.10: "Workers
// are plain OS threads owned by callers via handles").
type WorkerHandle struct {
	inner *workergroup.Handle
}

// Process runs the handle's worker loop until ctx is done or Stop is called.
func (h *WorkerHandle) Process(ctx context.Context) { h.inner.Process(ctx) }

// Stop requests the handle's worker loop exit.
func (h *WorkerHandle) Stop() { h.inner.Stop() }
