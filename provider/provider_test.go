package provider_test

import (
	"testing"

	"github.com/durner/anyblob-go/provider"
)

func TestNewProviderHttpScheme(t *testing.T) {
	p, err := provider.NewProvider("http://example.org:8080/bucket")
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p.Host() != "example.org" {
		t.Fatalf("Host() = %q", p.Host())
	}
	if p.Port() != 8080 {
		t.Fatalf("Port() = %d", p.Port())
	}
}

func TestNewProviderHttpsSchemeDefaultsPort443(t *testing.T) {
	p, err := provider.NewProvider("https://example.org/bucket")
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p.Port() != 443 {
		t.Fatalf("Port() = %d, want 443", p.Port())
	}
}

func TestNewProviderHttpSchemeDefaultsPort80(t *testing.T) {
	p, err := provider.NewProvider("http://example.org/bucket")
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p.Port() != 80 {
		t.Fatalf("Port() = %d, want 80", p.Port())
	}
}

func TestNewProviderRejectsUnknownScheme(t *testing.T) {
	if _, err := provider.NewProvider("ftp://example.org/bucket"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestNewProviderAzureSchemeRequiresContainer(t *testing.T) {
	if _, err := provider.NewProvider("azure://myaccount"); err == nil {
		t.Fatalf("expected error for azure:// url missing container")
	}
}

func TestNewProviderS3SchemeWithStaticCredentials(t *testing.T) {
	p, err := provider.NewProvider("s3://mybucket",
		provider.WithRegion("eu-central-1"),
		provider.WithStaticCredentials("AKIAEXAMPLE", "secret"))
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p.Host() == "" {
		t.Fatalf("expected non-empty host for s3 provider")
	}
}

func TestNewProviderRejectsMalformedURL(t *testing.T) {
	if _, err := provider.NewProvider("://not a url"); err == nil {
		t.Fatalf("expected error for malformed url")
	}
}
