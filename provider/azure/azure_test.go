package azure_test

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/durner/anyblob-go/internal/txn"
	"github.com/durner/anyblob-go/provider/azure"
)

func testCapability(t *testing.T) *azure.Capability {
	t.Helper()
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	cap, err := azure.New("myaccount", key, "mycontainer")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return cap
}

func TestNewRejectsInvalidAccountKey(t *testing.T) {
	if _, err := azure.New("myaccount", "not-valid-base64!!", "mycontainer"); err == nil {
		t.Fatalf("expected error for invalid account key")
	}
}

func TestHostIsAccountBlobEndpoint(t *testing.T) {
	cap := testCapability(t)
	if cap.Host() != "myaccount.blob.core.windows.net" {
		t.Fatalf("Host() = %q", cap.Host())
	}
	if cap.Port() != 443 || !cap.TLS() {
		t.Fatalf("expected port 443 + TLS, got port=%d tls=%v", cap.Port(), cap.TLS())
	}
}

func TestSerializeGetIncludesAuthorizationAndVersion(t *testing.T) {
	cap := testCapability(t)

	header, err := cap.SerializeGet("blob.bin", nil)
	if err != nil {
		t.Fatalf("SerializeGet: %v", err)
	}
	got := string(header)
	if !strings.HasPrefix(got, "GET /mycontainer/blob.bin HTTP/1.1\r\n") {
		t.Fatalf("unexpected request line: %q", got)
	}
	if !strings.Contains(got, "Authorization: SharedKey myaccount:") {
		t.Fatalf("missing Authorization header: %q", got)
	}
	if !strings.Contains(got, "x-ms-version: 2023-11-03\r\n") {
		t.Fatalf("missing x-ms-version header: %q", got)
	}
}

func TestSerializeGetWithByteRangeSetsMsRangeHeader(t *testing.T) {
	cap := testCapability(t)

	header, err := cap.SerializeGet("blob.bin", &txn.ByteRange{Offset: 0, Length: 100})
	if err != nil {
		t.Fatalf("SerializeGet: %v", err)
	}
	if !strings.Contains(string(header), "x-ms-range: bytes=0-99\r\n") {
		t.Fatalf("missing x-ms-range header: %q", header)
	}
}

func TestSerializePutSetsBlockBlobType(t *testing.T) {
	cap := testCapability(t)

	header, err := cap.SerializePut("blob.bin", 4, []byte("data"))
	if err != nil {
		t.Fatalf("SerializePut: %v", err)
	}
	got := string(header)
	if !strings.Contains(got, "x-ms-blob-type: BlockBlob\r\n") {
		t.Fatalf("missing x-ms-blob-type header: %q", got)
	}
	if !strings.Contains(got, "Content-Length: 4\r\n") {
		t.Fatalf("missing Content-Length header: %q", got)
	}
}

func TestSerializeDeleteUsesDeleteMethod(t *testing.T) {
	cap := testCapability(t)

	header, err := cap.SerializeDelete("blob.bin")
	if err != nil {
		t.Fatalf("SerializeDelete: %v", err)
	}
	if !strings.HasPrefix(string(header), "DELETE /mycontainer/blob.bin HTTP/1.1\r\n") {
		t.Fatalf("unexpected request line: %q", header)
	}
}

func TestRefreshCredentialsAlwaysFalse(t *testing.T) {
	cap := testCapability(t)
	due, err := cap.RefreshCredentials(nil)
	if err != nil {
		t.Fatalf("RefreshCredentials: %v", err)
	}
	if due {
		t.Fatalf("RefreshCredentials reported due, want false")
	}
}
