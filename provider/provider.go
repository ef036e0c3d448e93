// Package provider implements the public URL-addressed entry point (spec
// §6, SPEC_FULL §6.1): NewProvider parses a scheme-prefixed URL
// (s3://, azure://, gcp://, minio://, http(s)://) into a concrete
// txn.Capability and wraps it with a synchronous GetRequest/PutRequest/
// DeleteRequest surface backed by one shared or caller-supplied
// workergroup.Group.
package provider

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/durner/anyblob-go/internal/config"
	"github.com/durner/anyblob-go/internal/httptask"
	"github.com/durner/anyblob-go/internal/resolver"
	"github.com/durner/anyblob-go/internal/txn"
	"github.com/durner/anyblob-go/internal/workergroup"
	awsprovider "github.com/durner/anyblob-go/provider/aws"
	azureprovider "github.com/durner/anyblob-go/provider/azure"
	gcpprovider "github.com/durner/anyblob-go/provider/gcp"
	"github.com/durner/anyblob-go/provider/httpraw"
	minioprovider "github.com/durner/anyblob-go/provider/minio"
)

// ByteRange is re-exported from internal/txn so callers never need to
// import an internal package to build one (spec §6).
type ByteRange = txn.ByteRange

// Provider is the scheme-agnostic surface spec.md §6 names (Go realization,
// SPEC_FULL §6).
type Provider interface {
	GetRequest(path string, byteRange *ByteRange) ([]byte, error)
	PutRequest(path string, body []byte) ([]byte, error)
	DeleteRequest(path string) ([]byte, error)
	Host() string
	Port() int
}

// Option configures NewProvider. Unknown options for a given scheme are
// silently ignored (e.g. WithRegion against an azure:// URL), matching the
// source's "per-provider config struct, most fields unused elsewhere" shape.
type Option func(*options)

type options struct {
	region             string
	accessKey          string
	secretKey          string
	accountKey         string
	serviceAccountJSON []byte
	tls                bool
	tlsSet             bool
	group              *workergroup.Group
}

// WithRegion sets the AWS region (provider/aws).
func WithRegion(region string) Option { return func(o *options) { o.region = region } }

// WithStaticCredentials sets an explicit access/secret key pair, used by
// provider/aws (overriding its default credential chain) and provider/minio.
func WithStaticCredentials(accessKey, secretKey string) Option {
	return func(o *options) { o.accessKey, o.secretKey = accessKey, secretKey }
}

// WithAccountKey sets the Azure Shared Key account key (provider/azure).
func WithAccountKey(key string) Option { return func(o *options) { o.accountKey = key } }

// WithServiceAccountJSON sets the GCP service-account key bytes
// (provider/gcp).
func WithServiceAccountJSON(b []byte) Option {
	return func(o *options) { o.serviceAccountJSON = b }
}

// WithTLS overrides the scheme's default TLS choice, e.g. a plaintext MinIO
// deployment or httpraw target.
func WithTLS(tls bool) Option { return func(o *options) { o.tls, o.tlsSet = tls, true } }

// WithWorkerGroup attaches an existing workergroup.Group rather than
// letting NewProvider build a default single-worker group, so callers can
// share one group's queues/metrics across several Providers (spec §4.10).
func WithWorkerGroup(g *workergroup.Group) Option { return func(o *options) { o.group = g } }

// provider wraps a concrete txn.Capability and drives requests to
// completion synchronously through a workergroup.Group/txn.Transaction
// pair (spec §6).
type provider struct {
	cap txn.Capability
	grp *workergroup.Group
}

// NewProvider parses rawurl's scheme to select a concrete Capability:
// s3://bucket/..., azure://account/container/..., gcp://bucket/...,
// minio://endpoint/bucket/..., http(s)://host/... (spec §6, unchanged URL
// scheme parsing from spec.md).
func NewProvider(rawurl string, opts ...Option) (Provider, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("provider: parse url: %w", err)
	}

	o := options{tls: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.group == nil {
		o.group, err = defaultGroup()
		if err != nil {
			return nil, fmt.Errorf("provider: default worker group: %w", err)
		}
	}

	cap, err := buildCapability(u, o)
	if err != nil {
		return nil, err
	}
	return &provider{cap: cap, grp: o.group}, nil
}

func buildCapability(u *url.URL, o options) (txn.Capability, error) {
	ctx := context.Background()
	switch u.Scheme {
	case "s3":
		bucket := u.Host
		region := o.region
		if region == "" {
			region = "us-east-1"
		}
		if o.accessKey != "" {
			host := bucket + ".s3." + region + ".amazonaws.com"
			return awsprovider.NewWithStaticCredentials(ctx, bucket, region, o.accessKey, o.secretKey, host, "")
		}
		return awsprovider.New(ctx, bucket, region)
	case "azure":
		parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
		if len(parts) == 0 || parts[0] == "" {
			return nil, fmt.Errorf("provider: azure:// url missing container, got %q", u.String())
		}
		return azureprovider.New(u.Host, o.accountKey, parts[0])
	case "gcp":
		return gcpprovider.New(ctx, u.Host, o.serviceAccountJSON)
	case "minio":
		bucket := strings.TrimPrefix(u.Path, "/")
		return minioprovider.New(ctx, u.Host, bucket, o.accessKey, o.secretKey, o.tls)
	case "http", "https":
		host, portStr := u.Hostname(), u.Port()
		port := 443
		if portStr != "" {
			if p, err := strconv.Atoi(portStr); err == nil {
				port = p
			}
		} else if u.Scheme == "http" {
			port = 80
		}
		useTLS := u.Scheme == "https"
		if o.tlsSet {
			useTLS = o.tls
		}
		return httpraw.New(host, port, useTLS), nil
	default:
		return nil, fmt.Errorf("provider: unsupported scheme %q in %q", u.Scheme, u.String())
	}
}

// defaultGroup builds a single-worker, default-configured group for
// callers that do not share one across Providers themselves. The raw
// resolver is shared and singleflight-wrapped across every worker the
// group constructs, so many workers missing the same host's DNS entry at
// once collapse into a single lookup (SPEC_FULL §2.2).
func defaultGroup() (*workergroup.Group, error) {
	shared := resolver.NewSingleflightResolver(net.DefaultResolver)
	resolverFactory := func() (resolver.Resolver, resolver.Policy) {
		return shared, resolver.NoopPolicy{}
	}
	return workergroup.New(config.DefaultWorkerGroupConfig(), config.DefaultTCPSettings(), resolverFactory, nil)
}

// Host implements Provider.
func (p *provider) Host() string { return p.cap.Host() }

// Port implements Provider.
func (p *provider) Port() int { return p.cap.Port() }

// GetRequest implements Provider (spec §6): synchronous GET, returning the
// response body bytes once the underlying task reaches Finished.
func (p *provider) GetRequest(path string, byteRange *ByteRange) ([]byte, error) {
	tr := txn.New(p.cap, p.grp)
	var res capturedResult
	if err := tr.AddGet(path, byteRange, res.capture); err != nil {
		return nil, err
	}
	if err := tr.ProcessSync(context.Background()); err != nil {
		return nil, err
	}
	return res.body, res.statusError()
}

// PutRequest implements Provider (spec §6).
func (p *provider) PutRequest(path string, data []byte) ([]byte, error) {
	tr := txn.New(p.cap, p.grp)
	var res capturedResult
	if err := tr.AddPut(path, data, res.capture); err != nil {
		return nil, err
	}
	if err := tr.ProcessSync(context.Background()); err != nil {
		return nil, err
	}
	return res.body, res.statusError()
}

// DeleteRequest implements Provider (spec §6).
func (p *provider) DeleteRequest(path string) ([]byte, error) {
	tr := txn.New(p.cap, p.grp)
	var res capturedResult
	if err := tr.AddDelete(path, res.capture); err != nil {
		return nil, err
	}
	if err := tr.ProcessSync(context.Background()); err != nil {
		return nil, err
	}
	return res.body, res.statusError()
}

// capturedResult accumulates one task's response body and status code
// across its callback invocation, since the buffer itself is returned to
// the reuse queue once the callback returns (spec §4.9).
type capturedResult struct {
	body       []byte
	statusCode int
}

func (res *capturedResult) capture(r httptask.Result) {
	res.statusCode = r.Info.StatusCode
	if r.Buf == nil {
		return
	}
	src := r.Buf.Data()[r.Offset : r.Offset+r.Size]
	res.body = append([]byte(nil), src...)
}

// statusError surfaces a non-2xx response as an error, decoding a
// MinIO-admin-API-style JSON error body into the message when present
// (spec §7; SPEC_FULL §2.2's json-iterator pairing for JSON error bodies).
func (res *capturedResult) statusError() error {
	if res.statusCode == 0 || (res.statusCode >= 200 && res.statusCode < 300) {
		return nil
	}
	if body, ok := decodeJSONErrorBody(res.body); ok {
		return fmt.Errorf("provider: status %d: %s: %s", res.statusCode, body.Code, body.Message)
	}
	return fmt.Errorf("provider: status %d", res.statusCode)
}
