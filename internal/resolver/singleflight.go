package resolver

import (
	"context"
	"net"

	"golang.org/x/sync/singleflight"
)

// SingleflightResolver collapses concurrent LookupIPAddr calls for the same
// host into one underlying DNS lookup (SPEC_FULL §2.2: "singleflight
// collapses concurrent getaddrinfo misses for the same host"). Each worker
// still owns its own Cache (spec §4.4, §5), but many workers starting up
// at once and missing the same host's first resolution would otherwise
// all pay for a separate getaddrinfo call; wrapping the shared raw
// Resolver they're all constructed with avoids that.
type SingleflightResolver struct {
	raw Resolver
	sf  singleflight.Group
}

// NewSingleflightResolver wraps raw so concurrent callers resolving the
// same host share one underlying lookup.
func NewSingleflightResolver(raw Resolver) *SingleflightResolver {
	return &SingleflightResolver{raw: raw}
}

// LookupIPAddr implements Resolver.
func (s *SingleflightResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	v, err, _ := s.sf.Do(host, func() (any, error) {
		return s.raw.LookupIPAddr(ctx, host)
	})
	if err != nil {
		return nil, err
	}
	return v.([]net.IPAddr), nil
}
