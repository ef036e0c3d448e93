// Package gcp implements the Google Cloud Storage provider capability
// (SPEC_FULL §2.2, §6.1): GOOG4-RSA-SHA256 V4 signed URLs via
// cloud.google.com/go/storage, with the raw RSA signature produced by
// golang-jwt/jwt/v4's RS256 signer supplied as storage.SignedURLOptions'
// SignBytes callback rather than by constructing a JWT token — the same
// PKCS#1v1.5/SHA256 primitive golang-jwt uses for its own tokens, reused
// here over GCS's canonical request string instead.
package gcp

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
	"github.com/durner/anyblob-go/internal/txn"
	jwt "github.com/golang-jwt/jwt/v4"
)

// resumableStart is the XML API header that turns an otherwise ordinary
// signed PUT into a resumable upload session request (spec §6.4).
const resumableStart = "x-goog-resumable"

const module = "provider/gcp"

// signedURLExpiry bounds how long each per-request V4 signed URL remains
// valid; requests are signed fresh for every Serialize* call, so this only
// needs to comfortably outlive one in-flight request.
const signedURLExpiry = 15 * time.Minute

// serviceAccountKey mirrors the subset of a GCP service-account JSON key
// file this provider needs.
type serviceAccountKey struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// Capability implements txn.Capability for a GCS bucket, signing every
// request as a V4 signed URL (SPEC_FULL §2.2).
type Capability struct {
	bucket string
	host   string

	clientEmail string
	privateKey  *rsa.PrivateKey
}

// New builds a Capability for bucket, parsing a service-account key's JSON
// bytes (as read from GOOGLE_APPLICATION_CREDENTIALS) for the signing key.
func New(ctx context.Context, bucket string, serviceAccountJSON []byte) (*Capability, error) {
	var key serviceAccountKey
	if err := json.Unmarshal(serviceAccountJSON, &key); err != nil {
		return nil, fmt.Errorf("%s: parse service account key: %w", module, err)
	}
	privKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(key.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("%s: parse private key: %w", module, err)
	}
	return &Capability{
		bucket:      bucket,
		host:        "storage.googleapis.com",
		clientEmail: key.ClientEmail,
		privateKey:  privKey,
	}, nil
}

// Host implements txn.Capability.
func (c *Capability) Host() string { return c.host }

// Port implements txn.Capability.
func (c *Capability) Port() int { return 443 }

// TLS implements txn.Capability.
func (c *Capability) TLS() bool { return true }

// RefreshCredentials implements txn.Capability. The RSA private key does
// not expire; each V4 signed URL is timestamped at sign time instead (spec
// §4.11).
func (c *Capability) RefreshCredentials(context.Context) (bool, error) { return false, nil }

// SerializeGet implements txn.Capability.
func (c *Capability) SerializeGet(path string, byteRange *txn.ByteRange) ([]byte, error) {
	headers := map[string]string{}
	if byteRange != nil {
		headers["Range"] = fmt.Sprintf("bytes=%d-%d", byteRange.Offset, byteRange.Offset+byteRange.Length-1)
	}
	return c.signedRequest(http.MethodGet, path, 0, headers)
}

// SerializePut implements txn.Capability.
func (c *Capability) SerializePut(path string, bodyLen int64, body []byte) ([]byte, error) {
	return c.signedRequest(http.MethodPut, path, bodyLen, nil)
}

// SerializeDelete implements txn.Capability.
func (c *Capability) SerializeDelete(path string) ([]byte, error) {
	return c.signedRequest(http.MethodDelete, path, 0, nil)
}

// SerializeInitiateMultipartUpload implements txn.Capability: it signs a
// POST to the object's own URI carrying the XML API's resumable-upload
// trigger header; GCS responds with the session URI in a Location header
// rather than a body (spec §6.4).
func (c *Capability) SerializeInitiateMultipartUpload(path string) ([]byte, []byte, error) {
	header, err := c.signedRequest(http.MethodPost, path, 0, map[string]string{resumableStart: "start"})
	if err != nil {
		return nil, nil, err
	}
	return header, nil, nil
}

// ParseInitiateMultipartUpload implements txn.Capability, reading the
// resumable session URI from the initiate response's Location header.
func (c *Capability) ParseInitiateMultipartUpload(_ []byte, header func(string) (string, bool)) (string, error) {
	loc, ok := header("Location")
	if !ok || loc == "" {
		return "", fmt.Errorf("%s: initiate multipart upload response carries no Location header", module)
	}
	return loc, nil
}

// SerializeUploadPart implements txn.Capability: it PUTs to the session URI
// (uploadID) with a Content-Range header addressing this part's byte span.
// The session URI already carries its own authorization, so this request is
// not separately signed. The final part's Content-Range (end == totalSize-1)
// is what finalizes the object; no separate complete call follows (spec
// §6.4). GCS resumable sessions expect parts delivered in byte order; the
// transaction layer's part-splitting already queues them in order, but it
// does not currently wait for part N's response before submitting part N+1.
func (c *Capability) SerializeUploadPart(path, uploadID string, partNumber int, offset, totalSize int64, body []byte) ([]byte, error) {
	req, err := http.NewRequest(http.MethodPut, uploadID, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", module, err)
	}
	if req.URL.Host != "" {
		req.Host = req.URL.Host
	} else {
		req.Host = c.host
	}
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(len(body))-1, totalSize))
	return serializeHeader(req), nil
}

// SerializeCompleteMultipartUpload implements txn.Capability. GCS's
// resumable upload finalizes on the last part's PUT (its Content-Range end
// matches the declared total size), so this returns the nil/nil/nil "skip
// complete" sentinel.
func (c *Capability) SerializeCompleteMultipartUpload(path, uploadID string, parts []txn.PartETag) ([]byte, []byte, error) {
	return nil, nil, nil
}

// signedRequest builds a V4 signed URL for method/path and renders the
// resulting request line/headers in the wire format httptask.Task expects
// (spec §6.1).
func (c *Capability) signedRequest(method, path string, contentLength int64, extraHeaders map[string]string) ([]byte, error) {
	opts := &storage.SignedURLOptions{
		GoogleAccessID: c.clientEmail,
		SignBytes: func(b []byte) ([]byte, error) {
			return signRS256(c.privateKey, b)
		},
		Method:  method,
		Expires: time.Now().Add(signedURLExpiry),
		Scheme:  storage.SigningSchemeV4,
	}

	signedURL, err := storage.SignedURL(c.bucket, path, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: sign url: %w", module, err)
	}

	req, err := http.NewRequest(method, signedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", module, err)
	}
	req.Host = c.host
	if contentLength > 0 {
		req.Header.Set("Content-Length", strconv.FormatInt(contentLength, 10))
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	return serializeHeader(req), nil
}

// signRS256 produces a raw PKCS#1v1.5/SHA256 signature over digest using
// golang-jwt's RS256 method, decoding its base64url output back to raw
// bytes since storage.SignedURLOptions.SignBytes expects the signature,
// not a JWT segment.
func signRS256(key *rsa.PrivateKey, digest []byte) ([]byte, error) {
	encoded, err := jwt.SigningMethodRS256.Sign(string(digest), key)
	if err != nil {
		return nil, err
	}
	return jwt.DecodeSegment(encoded)
}

func serializeHeader(req *http.Request) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", req.Method, req.URL.RequestURI())
	fmt.Fprintf(&buf, "Host: %s\r\n", req.Host)
	for k, vs := range req.Header {
		for _, v := range vs {
			fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
		}
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}
