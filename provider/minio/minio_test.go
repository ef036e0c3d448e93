package minio_test

import (
	"context"
	"strings"
	"testing"

	"github.com/durner/anyblob-go/provider/minio"
)

func TestHostIsEndpointHostnameWithoutPort(t *testing.T) {
	cap, err := minio.New(context.Background(), "minio.internal:9000", "mybucket", "accesskey", "secretkey", false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cap.Host() != "minio.internal" {
		t.Fatalf("Host() = %q, want %q", cap.Host(), "minio.internal")
	}
	if cap.Port() != 9000 {
		t.Fatalf("Port() = %d, want 9000", cap.Port())
	}
	if cap.TLS() {
		t.Fatalf("TLS() = true, want false")
	}
}

func TestHostWithoutExplicitPortDefaultsTo443(t *testing.T) {
	cap, err := minio.New(context.Background(), "minio.internal", "mybucket", "accesskey", "secretkey", true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cap.Host() != "minio.internal" {
		t.Fatalf("Host() = %q, want %q", cap.Host(), "minio.internal")
	}
	if cap.Port() != 443 {
		t.Fatalf("Port() = %d, want 443", cap.Port())
	}
	if !cap.TLS() {
		t.Fatalf("TLS() = false, want true")
	}
}

func TestSerializeGetReusesAwsSigV4Signing(t *testing.T) {
	cap, err := minio.New(context.Background(), "minio.internal:9000", "mybucket", "accesskey", "secretkey", false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	header, err := cap.SerializeGet("key", nil)
	if err != nil {
		t.Fatalf("SerializeGet: %v", err)
	}
	got := string(header)
	if !strings.HasPrefix(got, "GET /key HTTP/1.1\r\n") {
		t.Fatalf("unexpected request line: %q", got)
	}
	if !strings.Contains(got, "Authorization: AWS4-HMAC-SHA256 ") {
		t.Fatalf("missing SigV4 Authorization header: %q", got)
	}
}
