package httpraw_test

import (
	"strings"
	"testing"

	"github.com/durner/anyblob-go/internal/txn"
	"github.com/durner/anyblob-go/provider/httpraw"
)

func TestSerializeGetRendersRequestLineAndHost(t *testing.T) {
	cap := httpraw.New("example.org", 8080, false)

	header, err := cap.SerializeGet("bucket/key", nil)
	if err != nil {
		t.Fatalf("SerializeGet: %v", err)
	}

	got := string(header)
	if !strings.HasPrefix(got, "GET /bucket/key HTTP/1.1\r\n") {
		t.Fatalf("unexpected request line: %q", got)
	}
	if !strings.Contains(got, "Host: example.org\r\n") {
		t.Fatalf("missing Host header: %q", got)
	}
	if !strings.HasSuffix(got, "\r\n\r\n") {
		t.Fatalf("missing terminating blank line: %q", got)
	}
}

func TestSerializeGetWithByteRangeSetsRangeHeader(t *testing.T) {
	cap := httpraw.New("example.org", 443, true)

	header, err := cap.SerializeGet("key", &txn.ByteRange{Offset: 10, Length: 5})
	if err != nil {
		t.Fatalf("SerializeGet: %v", err)
	}
	if !strings.Contains(string(header), "Range: bytes=10-14\r\n") {
		t.Fatalf("missing/incorrect Range header: %q", header)
	}
}

func TestSerializePutSetsContentLength(t *testing.T) {
	cap := httpraw.New("example.org", 443, true)
	body := []byte("hello world")

	header, err := cap.SerializePut("key", int64(len(body)), body)
	if err != nil {
		t.Fatalf("SerializePut: %v", err)
	}
	if !strings.Contains(string(header), "Content-Length: 11\r\n") {
		t.Fatalf("missing Content-Length header: %q", header)
	}
}

func TestSerializeDeleteUsesDeleteMethod(t *testing.T) {
	cap := httpraw.New("example.org", 443, true)

	header, err := cap.SerializeDelete("key")
	if err != nil {
		t.Fatalf("SerializeDelete: %v", err)
	}
	if !strings.HasPrefix(string(header), "DELETE /key HTTP/1.1\r\n") {
		t.Fatalf("unexpected request line: %q", header)
	}
}

func TestHostPortTLSAccessors(t *testing.T) {
	cap := httpraw.New("example.org", 9000, true)
	if cap.Host() != "example.org" {
		t.Fatalf("Host() = %q", cap.Host())
	}
	if cap.Port() != 9000 {
		t.Fatalf("Port() = %d", cap.Port())
	}
	if !cap.TLS() {
		t.Fatalf("TLS() = false, want true")
	}
}

func TestRefreshCredentialsAlwaysFalse(t *testing.T) {
	cap := httpraw.New("example.org", 443, true)
	due, err := cap.RefreshCredentials(nil)
	if err != nil {
		t.Fatalf("RefreshCredentials: %v", err)
	}
	if due {
		t.Fatalf("RefreshCredentials reported due, want false")
	}
}
