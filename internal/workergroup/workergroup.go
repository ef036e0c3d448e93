// Package workergroup implements the worker group (C10, spec §4.10): the
// global submission queue, the buffer-reuse queue, and a free-list of
// worker handles that callers drive themselves (workers are plain
// goroutines owned by callers via handles; the group does not spawn
// threads itself).
package workergroup

import (
	"context"
	"sync"

	"github.com/durner/anyblob-go/internal/config"
	"github.com/durner/anyblob-go/internal/connmgr"
	"github.com/durner/anyblob-go/internal/httptask"
	"github.com/durner/anyblob-go/internal/iosock"
	"github.com/durner/anyblob-go/internal/ratectl"
	"github.com/durner/anyblob-go/internal/resolver"
	"github.com/durner/anyblob-go/internal/ring"
	"github.com/durner/anyblob-go/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Metrics are the group's Prometheus collectors (SPEC_FULL §2.2): inflight
// request gauge, retry counter, and bytes-transferred counter. Send raises
// Inflight and lowers it again when the task's result is delivered, adding
// the result's body size to Bytes; nothing in the engine increments Retries.
type Metrics struct {
	Inflight prometheus.Gauge
	Retries  prometheus.Counter
	Bytes    prometheus.Counter
}

// NewMetrics constructs and registers a Metrics set against reg. Passing a
// fresh prometheus.Registry (rather than the global DefaultRegisterer) lets
// a process host more than one Group without collector-name collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "anyblob_inflight_requests",
			Help: "Number of HTTP message tasks currently in flight across all workers.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anyblob_retries_total",
			Help: "Total number of task retries due to transient failures.",
		}),
		Bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anyblob_bytes_total",
			Help: "Total bytes transferred across all completed tasks.",
		}),
	}
	reg.MustRegister(m.Inflight, m.Retries, m.Bytes)
	return m
}

// Group holds the shared submission/reuse queues and a free-list of
// workers (spec §4.10).
type Group struct {
	mu sync.Mutex

	submissionQueue *ring.Queue[worker.Submission]
	reuseQueue      *ring.Queue[[]byte]

	cfg     config.WorkerGroupConfig
	metrics *Metrics

	resolverFactory func() (resolver.Resolver, resolver.Policy)
	tcpSettings     config.TCPSettings

	// instanceBandwidth is the per-worker pacing ceiling derived from
	// SPEC_FULL §9.1's per-instance-type bandwidth table; 0 means
	// unbounded. SetInstanceBandwidth updates the ratectl.Tracker of every
	// handle on the free-list in place and seeds handles constructed
	// afterward; a handle checked out at the time keeps its previous ceiling.
	instanceBandwidth uint64

	free []*Handle
}

// New constructs a Group with the given submission/reuse queue capacities.
// resolverFactory builds a fresh raw resolver + address-priority policy per
// worker, since each worker's connmgr.Manager must own its own
// non-thread-safe resolver.Cache (spec §4.4, §5).
func New(cfg config.WorkerGroupConfig, tcpSettings config.TCPSettings, resolverFactory func() (resolver.Resolver, resolver.Policy), metrics *Metrics) (*Group, error) {
	sq, err := ring.New[worker.Submission](uint64(cfg.SubmissionQueueCapacity))
	if err != nil {
		return nil, err
	}
	reuseCap := nextPowerOfTwo(uint64(float64(cfg.SubmissionQueueCapacity) * cfg.ReuseQueueFactor))
	rq, err := ring.New[[]byte](reuseCap)
	if err != nil {
		return nil, err
	}
	return &Group{
		submissionQueue: sq,
		reuseQueue:      rq,
		cfg:             cfg,
		metrics:         metrics,
		resolverFactory: resolverFactory,
		tcpSettings:     tcpSettings,
	}, nil
}

func nextPowerOfTwo(n uint64) uint64 {
	if n < 1 {
		return 1
	}
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

// SetConfig updates {concurrency_per_worker, chunk_size, retriever_count}
// for every handle on the free-list, and for handles constructed afterward
// (spec §4.10); a handle that is checked out when SetConfig runs is not
// updated. retrieverCount is not separately modeled per worker since this
// Go engine does not spawn its own retriever threads (callers drive Run
// themselves), so only concurrency/chunk-size propagate to worker.Config.
func (g *Group) SetConfig(cfg config.WorkerGroupConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
	wc := worker.Config{ConcurrencyLimit: cfg.ConcurrencyPerWorker, ChunkSize: cfg.ChunkSize}
	for _, h := range g.free {
		h.w.SetConfig(wc)
	}
}

// Handle is a caller-owned worker: the group does not spawn a goroutine for
// it, the caller calls Process itself (spec §4.10: "Workers are
// plain OS threads owned by callers via handles; the group does not spawn
// threads itself").
type Handle struct {
	w    *worker.Worker
	mgr  *connmgr.Manager
	sock iosock.Socket
	rate *ratectl.Tracker
}

// GetHandle pops a free worker or constructs a new one bound to a fresh
// backend socket and connection manager (spec §4.10).
func (g *Group) GetHandle() (*Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if n := len(g.free); n > 0 {
		h := g.free[n-1]
		g.free = g.free[:n-1]
		return h, nil
	}

	sock, _, err := iosock.NewAuto()
	if err != nil {
		return nil, err
	}
	raw, policy := g.resolverFactory()
	mgr := connmgr.New(raw, policy, g.tcpSettings, g.cfg.ConcurrencyPerWorker)
	wc := worker.Config{ConcurrencyLimit: g.cfg.ConcurrencyPerWorker, ChunkSize: g.cfg.ChunkSize}
	rate := ratectl.New(g.instanceBandwidth)
	w := worker.New(sock, mgr, g.submissionQueue, g.reuseQueue, wc, rate)
	return &Handle{w: w, mgr: mgr, sock: sock, rate: rate}, nil
}

// SetInstanceBandwidth sets the per-worker pacing ceiling (bytes/sec) that
// each handle's ratectl.Tracker consults, e.g. once the running VM's
// instance type is looked up against SPEC_FULL §9.1's bandwidth table. 0
// disables pacing. It updates handles on the free-list and handles
// constructed afterward; a handle that is checked out is not updated.
func (g *Group) SetInstanceBandwidth(bytesPerSec uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.instanceBandwidth = bytesPerSec
	for _, h := range g.free {
		h.rate.SetTarget(bytesPerSec)
	}
}

// Process runs the handle's worker loop until ctx is done or Stop is
// called on it.
func (h *Handle) Process(ctx context.Context) { h.w.Run(ctx) }

// Stop requests the handle's worker loop exit.
func (h *Handle) Stop() { h.w.Stop() }

// RunAll acquires retrieverCount handles (spec §4.10's "retriever_count"
// worker goroutines) and runs every one until ctx is done, fanning their
// shutdown in through an errgroup (SPEC_FULL §2.2: "errgroup fans in
// worker shutdown") rather than a hand-rolled sync.WaitGroup. It releases
// every handle back to the free-list before returning.
func (g *Group) RunAll(ctx context.Context, retrieverCount int) error {
	if retrieverCount < 1 {
		retrieverCount = 1
	}
	handles := make([]*Handle, 0, retrieverCount)
	defer func() {
		for _, h := range handles {
			g.Release(h)
		}
	}()

	eg, egCtx := errgroup.WithContext(ctx)
	for i := 0; i < retrieverCount; i++ {
		h, err := g.GetHandle()
		if err != nil {
			return err
		}
		handles = append(handles, h)
		eg.Go(func() error {
			h.Process(egCtx)
			return nil
		})
	}
	return eg.Wait()
}

// Release returns a handle to the group's free-list for reuse by a later
// GetHandle call, instead of closing its socket (spec §4.10 free-list).
func (g *Group) Release(h *Handle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.free = append(g.free, h)
}

// Send pushes a submission onto the group's bounded queue, returning
// ring.ErrFull if there is no room right now; callers must retry or spill
// (spec §4.10: "back-pressure = try_insert returns Full").
func (g *Group) Send(req httptask.Request, chunkSize int, callback func(httptask.Result)) error {
	cb := callback
	if g.metrics != nil {
		m := g.metrics
		cb = func(r httptask.Result) {
			m.Inflight.Dec()
			if r.Size > 0 {
				m.Bytes.Add(float64(r.Size))
			}
			if callback != nil {
				callback(r)
			}
		}
	}
	_, err := g.submissionQueue.TryInsert(worker.Submission{Request: req, ChunkSize: chunkSize, Callback: cb})
	if err == nil && g.metrics != nil {
		g.metrics.Inflight.Inc()
	}
	return err
}
