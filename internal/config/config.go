// Package config holds the small, instance-scoped configuration structs
// threaded through the engine. There is no process-global config snapshot
// here (unlike the teacher's cmn.GCO.Get()): every component that needs
// configuration is handed one explicitly, per Design Note "Global TLS
// context" generalized to "avoid process-global singletons".
package config

import "time"

// TCPSettings mirrors the tcp_settings bundle passed into the connection
// manager's connect() (spec §4.7): non-blocking socket options applied at
// dial time.
type TCPSettings struct {
	// Timeout bounds the non-blocking connect() poll and every kernel
	// send/recv timeout derived from it (spec §5).
	Timeout time.Duration
	// KeepAlive is the TCP keepalive idle time before the first probe
	// (TCP_KEEPIDLE); zero disables keepalive.
	KeepAlive time.Duration
	// NoDelay disables Nagle's algorithm when true.
	NoDelay bool
	// Linger is the SO_LINGER timeout; negative disables it.
	Linger time.Duration
	// SendBufferSize and RecvBufferSize set SO_SNDBUF/SO_RCVBUF when non-zero.
	SendBufferSize int
	RecvBufferSize int
	// UserTimeout sets TCP_USER_TIMEOUT (Linux) when non-zero.
	UserTimeout time.Duration
	// ConnectRetries bounds connect() retries on timeout/ECONNREFUSED
	// before the caller sees SocketCreate/ConnectTimeout (spec §4.7).
	ConnectRetries int
}

// DefaultTCPSettings mirrors the source's defaults: a generous connect
// timeout, TCP_NODELAY on (small request/response pairs dominate), and a
// single retry before surfacing a failure.
func DefaultTCPSettings() TCPSettings {
	return TCPSettings{
		Timeout:        2 * time.Second,
		KeepAlive:      30 * time.Second,
		NoDelay:        true,
		Linger:         -1,
		ConnectRetries: 1,
	}
}

// RetryPolicy bounds per-task retry behaviour (spec §4.8, §7).
type RetryPolicy struct {
	// MaxFailures is the failure ceiling after which a task is Aborted with
	// RetryExhausted set. Spec names 8 as a magic number without derivation;
	// it is kept as a tunable default, not re-derived (Design Note,
	// "Open questions").
	MaxFailures uint16
}

// DefaultRetryPolicy is the spec's literal retry ceiling of 8.
func DefaultRetryPolicy() RetryPolicy { return RetryPolicy{MaxFailures: 8} }

// WorkerGroupConfig is the tunable set a WorkerGroup.SetConfig call applies
// (spec §4.10): concurrency per worker, recv chunk size, and the derived
// retriever count.
type WorkerGroupConfig struct {
	// ConcurrencyPerWorker bounds in-flight tasks per worker (spec §4.9's
	// concurrency_limit).
	ConcurrencyPerWorker int
	// ChunkSize is the maximum bytes per submit and the unit receive
	// buffers grow in (spec §4.8, Glossary "Chunk size").
	ChunkSize int
	// RetrieverCount is the number of worker goroutines the group should
	// maintain, derived from (advertised per-instance bandwidth) /
	// (per-request bandwidth) per provider (spec §4.10).
	RetrieverCount int
	// SubmissionQueueCapacity bounds the shared submission ring (spec §4.10);
	// must be a power of two (spec §4.2).
	SubmissionQueueCapacity uint64
	// ReuseQueueFactor sizes the buffer-reuse queue as a fraction of
	// SubmissionQueueCapacity. Spec names 0.2x as a magic number without
	// derivation (Design Note, "Open questions"); kept as a tunable.
	ReuseQueueFactor float64
}

// DefaultWorkerGroupConfig returns sane defaults: 64 KiB chunks (matching
// the source's default recv chunk size), 64 in-flight requests per worker,
// a single worker, and the 0.2x reuse-queue sizing factor from the source.
func DefaultWorkerGroupConfig() WorkerGroupConfig {
	return WorkerGroupConfig{
		ConcurrencyPerWorker:    64,
		ChunkSize:               64 * 1024,
		RetrieverCount:          1,
		SubmissionQueueCapacity: 1024,
		ReuseQueueFactor:        0.2,
	}
}

// InstanceBandwidth associates a cloud VM instance type with its advertised
// network bandwidth in bytes/sec, supplementing the distilled spec with the
// source's aws_instances.hpp/azure_instances.hpp/gcp_instances.hpp tables
// (SPEC_FULL §9.1). DeriveRetrieverCount below is the formula spec §4.10
// references but does not spell out.
type InstanceBandwidth struct {
	Type           string
	BandwidthBytes int64
}

// DeriveRetrieverCount implements the "provider's advertised per-instance
// bandwidth / per-request bandwidth" formula from spec §4.10: the number of
// concurrent workers needed to saturate instanceBandwidth given an assumed
// steady per-request throughput of perRequestBytes/sec, rounded up to a
// whole worker and floored at 1.
func DeriveRetrieverCount(instanceBandwidth, perRequestBytes int64) int {
	if perRequestBytes <= 0 {
		return 1
	}
	n := int((instanceBandwidth + perRequestBytes - 1) / perRequestBytes)
	if n < 1 {
		return 1
	}
	return n
}
