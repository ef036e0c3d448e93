//go:build integration

package minio_test

import (
	"bytes"
	"context"
	"net"
	"os"
	"testing"

	"github.com/durner/anyblob-go/internal/config"
	"github.com/durner/anyblob-go/internal/httptask"
	"github.com/durner/anyblob-go/internal/resolver"
	"github.com/durner/anyblob-go/internal/txn"
	"github.com/durner/anyblob-go/internal/workergroup"
	"github.com/durner/anyblob-go/provider/minio"
)

// Exercises provider/minio against a real MinIO endpoint, configured via
// environment variables so CI can point it at a throwaway instance rather
// than this repo fabricating one. Run with -tags integration.
func TestPutGetDeleteRoundTrip(t *testing.T) {
	endpoint := os.Getenv("ANYBLOB_MINIO_ENDPOINT")
	bucket := os.Getenv("ANYBLOB_MINIO_BUCKET")
	accessKey := os.Getenv("ANYBLOB_MINIO_ACCESS_KEY")
	secretKey := os.Getenv("ANYBLOB_MINIO_SECRET_KEY")
	if endpoint == "" || bucket == "" || accessKey == "" || secretKey == "" {
		t.Skip("ANYBLOB_MINIO_ENDPOINT/BUCKET/ACCESS_KEY/SECRET_KEY not set")
	}

	ctx := context.Background()
	cap, err := minio.New(ctx, endpoint, bucket, accessKey, secretKey, false)
	if err != nil {
		t.Fatalf("minio.New: %v", err)
	}

	grp, err := workergroup.New(config.DefaultWorkerGroupConfig(), config.DefaultTCPSettings(),
		func() (resolver.Resolver, resolver.Policy) {
			return resolver.NewSingleflightResolver(net.DefaultResolver), resolver.NoopPolicy{}
		}, nil)
	if err != nil {
		t.Fatalf("workergroup.New: %v", err)
	}

	handle, err := grp.GetHandle()
	if err != nil {
		t.Fatalf("GetHandle: %v", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go handle.Process(runCtx)
	defer grp.Release(handle)

	const key = "anyblob-integration-test-key"
	want := []byte("anyblob integration round trip")

	put := txn.New(cap, grp)
	if err := put.AddPut(key, want, nil); err != nil {
		t.Fatalf("AddPut: %v", err)
	}
	if err := put.ProcessSync(ctx); err != nil {
		t.Fatalf("PUT: %v", err)
	}

	var got []byte
	get := txn.New(cap, grp)
	if err := get.AddGet(key, nil, func(r httptask.Result) {
		if r.Buf != nil {
			got = append([]byte(nil), r.Buf.Data()[r.Offset:r.Offset+r.Size]...)
		}
	}); err != nil {
		t.Fatalf("AddGet: %v", err)
	}
	if err := get.ProcessSync(ctx); err != nil {
		t.Fatalf("GET: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch: got %q, want %q", got, want)
	}

	del := txn.New(cap, grp)
	if err := del.AddDelete(key, nil); err != nil {
		t.Fatalf("AddDelete: %v", err)
	}
	if err := del.ProcessSync(ctx); err != nil {
		t.Fatalf("DELETE: %v", err)
	}
}
