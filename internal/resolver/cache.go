// Package resolver implements the DNS lookup with per-TLD pluggable policy
// and the idle-socket reuse pool keyed by host (spec §3 "DnsEntry"/
// "SocketEntry", §4.4). A Cache is not safe for concurrent use: each worker
// owns exactly one (spec §4.4, §5).
package resolver

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

// DefaultPriority is the cache-priority a freshly resolved DnsEntry starts
// at (spec §4.4: "cache_priority = default (8)").
const DefaultPriority = 8

// DnsEntry is a resolved address plus a cache-priority counter. Higher
// priority means "prefer me"; it is decremented on use so a single address
// is never pinned forever (spec §3).
type DnsEntry struct {
	Addr          net.IP
	Port          int
	CachePriority int
}

// SocketEntry is an idle or in-flight connected socket, fd, host, port, and
// optional TLS session state (spec §3). At most one task holds an fd at a
// time; an idle entry lives in the reuse pool keyed by host.
type SocketEntry struct {
	FD        int
	Host      string
	Port      int
	TLS       bool
	DNS       *DnsEntry
	Timestamp time.Time

	// TLSSession is an opaque handle the tlsshim package stashes here for
	// session resumption (spec §4.6: "offers the session to a per-context
	// cache keyed by fd"). The resolver cache does not interpret it.
	TLSSession any
}

// Resolver performs the raw address lookup; production code uses
// net.DefaultResolver, tests substitute a fake.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Policy adjusts a freshly resolved DnsEntry's priority, e.g. the AWS policy
// that probes for a jumbo-frame-friendly path (spec §4.4, §9 "Open
// questions": the ping-based probe is Linux-only and should be replaced by
// an explicit path-MTU discovery probe in a portable build — provider/aws's
// ProbeMTU is that replacement).
type Policy interface {
	// OnResolve is called once per cache miss with the newly built entry; it
	// may mutate CachePriority in place.
	OnResolve(entry *DnsEntry)
}

// NoopPolicy leaves the default priority untouched.
type NoopPolicy struct{}

// OnResolve implements Policy.
func (NoopPolicy) OnResolve(*DnsEntry) {}

// Cache is the non-thread-safe DNS + idle-socket cache owned by exactly one
// worker (spec §4.4).
type Cache struct {
	resolver Resolver
	policy   Policy

	idle map[string][]*SocketEntry // keyed by host; multimap-like slice per host
	dns  map[string]*DnsEntry      // keyed by "host:port"

	fifo      []*SocketEntry // fifo order of idle entries, oldest first
	timestamp uint64
}

// New constructs a Cache with the given raw resolver and priority policy.
// A nil policy defaults to NoopPolicy{}.
func New(r Resolver, policy Policy) *Cache {
	if policy == nil {
		policy = NoopPolicy{}
	}
	return &Cache{
		resolver: r,
		policy:   policy,
		idle:     make(map[string][]*SocketEntry),
		dns:      make(map[string]*DnsEntry),
	}
}

func key(host string, port int) string { return host + ":" + strconv.Itoa(port) }

// Resolve consults the idle pool first; a matching entry (same port, same
// TLS-ness) is removed and returned with its DNS priority decremented. On a
// miss, it performs a fresh lookup, applies the policy, and returns a new
// SocketEntry with FD unset (caller must still connect). (spec §4.4)
func (c *Cache) Resolve(ctx context.Context, host string, port int, tls bool) (*SocketEntry, error) {
	if entries := c.idle[host]; len(entries) > 0 {
		for i, e := range entries {
			if e.Port == port && e.TLS == tls {
				c.idle[host] = append(entries[:i], entries[i+1:]...)
				c.removeFIFO(e)
				if e.DNS != nil {
					e.DNS.CachePriority--
					if e.DNS.CachePriority <= 0 {
						delete(c.dns, key(host, port))
					}
				}
				return e, nil
			}
		}
	}

	k := key(host, port)
	dns, ok := c.dns[k]
	if !ok {
		addrs, err := c.resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, err
		}
		if len(addrs) == 0 {
			return nil, &net.DNSError{Err: "no addresses", Name: host}
		}
		dns = &DnsEntry{Addr: addrs[0].IP, Port: port, CachePriority: DefaultPriority}
		c.policy.OnResolve(dns)
		c.dns[k] = dns
	}

	return &SocketEntry{FD: -1, Host: host, Port: port, TLS: tls, DNS: dns}, nil
}

// StartSocket marks the begin timestamp for throughput accounting on fd
// (spec §4.4). The base Cache does not rank by throughput; ThroughputCache
// below overrides this behaviour.
func (c *Cache) StartSocket(entry *SocketEntry) {
	entry.Timestamp = time.Now()
}

// StopSocket returns fd to the idle pool (reuse=true) or signals it should
// simply be dropped (reuse=false); the base Cache does not compute
// throughput (spec §4.4).
func (c *Cache) StopSocket(entry *SocketEntry, bytes uint64, reuse bool) {
	if !reuse {
		return
	}
	c.timestamp++
	entry.Timestamp = time.UnixMilli(int64(c.timestamp))
	c.idle[entry.Host] = append(c.idle[entry.Host], entry)
	c.fifo = append(c.fifo, entry)
}

// ShutdownSocket invalidates the cached DNS entry and every idle entry for
// entry's host and port, so a broken path does not keep being chosen (spec
// §4.4). Entries are matched by host and port only; entries of other hosts
// that resolved to the same address are not touched.
func (c *Cache) ShutdownSocket(entry *SocketEntry) {
	delete(c.dns, key(entry.Host, entry.Port))
	filtered := c.idle[entry.Host][:0]
	for _, e := range c.idle[entry.Host] {
		if e.Port != entry.Port {
			filtered = append(filtered, e)
		} else {
			c.removeFIFO(e)
		}
	}
	c.idle[entry.Host] = filtered
}

func (c *Cache) removeFIFO(e *SocketEntry) {
	for i, f := range c.fifo {
		if f == e {
			c.fifo = append(c.fifo[:i], c.fifo[i+1:]...)
			return
		}
	}
}

// EvictOldest pops and returns the single oldest idle entry across all
// hosts (the fifo deletion path mentioned in the original source's
// Cache::_fifo, used to bound open fds under ulimit pressure), or nil if
// the idle pool is empty.
func (c *Cache) EvictOldest() *SocketEntry {
	if len(c.fifo) == 0 {
		return nil
	}
	e := c.fifo[0]
	c.fifo = c.fifo[1:]
	entries := c.idle[e.Host]
	for i, f := range entries {
		if f == e {
			c.idle[e.Host] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	return e
}

// sortedSamples answers "is x above the pth percentile" in O(log n) via
// binary search over a maintained-sorted slice, standing in for the
// source's order-statistic tree (spec §9: "Reimplementations may
// substitute any structure that answers 'is x in the top-1/3?' in
// O(log n)").
type sortedSamples struct {
	mu      sync.Mutex
	values  []float64 // kept sorted ascending
	history []float64 // insertion-ordered ring, capacity maxHistory
	next    int
}

const maxHistory = 128

func newSortedSamples() *sortedSamples {
	return &sortedSamples{history: make([]float64, 0, maxHistory)}
}

func (s *sortedSamples) insert(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) < maxHistory {
		s.history = append(s.history, v)
	} else {
		old := s.history[s.next]
		s.removeSorted(old)
		s.history[s.next] = v
		s.next = (s.next + 1) % maxHistory
	}
	s.insertSorted(v)
}

func (s *sortedSamples) insertSorted(v float64) {
	i := sort.SearchFloat64s(s.values, v)
	s.values = append(s.values, 0)
	copy(s.values[i+1:], s.values[i:])
	s.values[i] = v
}

func (s *sortedSamples) removeSorted(v float64) {
	i := sort.SearchFloat64s(s.values, v)
	if i < len(s.values) && s.values[i] == v {
		s.values = append(s.values[:i], s.values[i+1:]...)
	}
}

// percentileRank returns the fraction of samples at or below v (0..1).
func (s *sortedSamples) percentileRank(v float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) == 0 {
		return 0
	}
	i := sort.Search(len(s.values), func(j int) bool { return s.values[j] > v })
	return float64(i) / float64(len(s.values))
}

// ThroughputCache ranks resolved addresses by observed throughput/MTU
// health (spec §4.4). above the 33rd percentile grants +1 priority, above
// the 16th grants an additional +2 (spec §4.4), using the last 128
// measurements (spec §3 "DnsEntry").
type ThroughputCache struct {
	*Cache
	samples *sortedSamples
}

// NewThroughput wraps a base Cache with throughput-based re-scoring.
func NewThroughput(r Resolver, policy Policy) *ThroughputCache {
	return &ThroughputCache{Cache: New(r, policy), samples: newSortedSamples()}
}

// StopSocket computes throughput for entry (bytes / elapsed) and re-scores
// its DnsEntry before delegating to the base Cache's idle-pool bookkeeping
// (spec §4.4).
func (t *ThroughputCache) StopSocket(entry *SocketEntry, bytes uint64, reuse bool) {
	elapsed := time.Since(entry.Timestamp).Seconds()
	if elapsed > 0 && entry.DNS != nil {
		throughput := float64(bytes) / elapsed
		t.samples.insert(throughput)
		rank := t.samples.percentileRank(throughput)
		if rank > 0.67 { // in the top 33% == above the 67th percentile from the bottom
			entry.DNS.CachePriority++
		}
		if rank > 0.84 { // in the top 16% == above the 84th percentile from the bottom
			entry.DNS.CachePriority += 2
		}
	}
	t.Cache.StopSocket(entry, bytes, reuse)
}
