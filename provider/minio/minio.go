// Package minio implements the MinIO provider capability (SPEC_FULL §2.2,
// §6.1) by reusing provider/aws's SigV4 path with an overridden endpoint,
// since MinIO speaks S3's wire protocol (SPEC_FULL §6.1: "provider/minio
// reuses provider/aws's SigV4 path ... with endpoint override").
package minio

import (
	"context"
	"fmt"
	"net/url"

	awsprovider "github.com/durner/anyblob-go/provider/aws"
)

// Capability wraps an aws.Capability pointed at a self-hosted endpoint
// instead of *.amazonaws.com.
type Capability struct {
	*awsprovider.Capability
	host string
	tls  bool
}

// New builds a Capability for bucket served by a MinIO endpoint (e.g.
// "minio.internal:9000"), signing requests the same way provider/aws does
// against the overridden host.
func New(ctx context.Context, endpoint, bucket, accessKey, secretKey string, useTLS bool) (*Capability, error) {
	u, err := url.Parse("//" + endpoint)
	if err != nil {
		return nil, fmt.Errorf("provider/minio: parse endpoint: %w", err)
	}
	base, err := awsprovider.NewWithStaticCredentials(ctx, bucket, "us-east-1", accessKey, secretKey, u.Hostname(), u.Port())
	if err != nil {
		return nil, fmt.Errorf("provider/minio: %w", err)
	}
	return &Capability{Capability: base, host: u.Hostname(), tls: useTLS}, nil
}

// Host overrides provider/aws's virtual-hosted-style host with the
// self-hosted endpoint.
func (c *Capability) Host() string { return c.host }

// TLS overrides provider/aws's always-on TLS, since self-hosted MinIO
// deployments are frequently plaintext on an internal network.
func (c *Capability) TLS() bool { return c.tls }
