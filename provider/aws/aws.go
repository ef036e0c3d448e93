// Package aws implements the AWS S3 provider capability (SPEC_FULL §2.2,
// §6.1): SigV4 request signing via aws-sdk-go-v2 and IAM credential refresh
// through its default credential chain.
package aws

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/durner/anyblob-go/internal/txn"
	"github.com/durner/anyblob-go/internal/xlog"
)

const module = "provider/aws"

// emptyPayloadHash is the SigV4 payload hash for a zero-length body (GET,
// DELETE), precomputed since it never changes.
const emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// credentialRefreshWindow is how long before expiry RefreshCredentials
// reports a refresh is due, mirroring the source's "refresh slightly ahead
// of actual expiry" credential-refresher behaviour.
const credentialRefreshWindow = 2 * time.Minute

// Capability implements txn.Capability for S3-compatible buckets reachable
// over virtual-hosted-style addressing, signing every request with SigV4
// (SPEC_FULL §2.2: "SigV4 signer and IAM credential refresh ... wired as
// the concrete implementation behind the CredentialRefresher capability").
type Capability struct {
	bucket string
	region string
	host   string
	port   int

	signer *v4.Signer
	creds  aws.CredentialsProvider

	lastExpiry time.Time

	// now is overridden by SetClock in tests to reproduce the fixed-time
	// golden signature fixtures (SPEC_FULL §8 scenario 2); nil means
	// time.Now.
	now func() time.Time
}

// New builds a Capability for bucket in region, loading credentials from
// the SDK's default chain (environment, shared config, IMDS).
func New(ctx context.Context, bucket, region string) (*Capability, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("%s: load aws config: %w", module, err)
	}
	return &Capability{
		bucket: bucket,
		region: region,
		host:   bucket + ".s3." + region + ".amazonaws.com",
		port:   443,
		signer: v4.NewSigner(),
		creds:  cfg.Credentials,
	}, nil
}

// NewWithStaticCredentials builds a Capability signing against an
// explicit host/port rather than the default *.amazonaws.com endpoint and
// a fixed access/secret key pair rather than the SDK's credential chain
// (provider/minio's entry point, since MinIO speaks SigV4 against a
// self-hosted endpoint). port of "" defaults to 443.
func NewWithStaticCredentials(ctx context.Context, bucket, region, accessKey, secretKey, host, port string) (*Capability, error) {
	return NewWithStaticCredentialsAndToken(ctx, bucket, region, accessKey, secretKey, "", host, port)
}

// NewWithStaticCredentialsAndToken is NewWithStaticCredentials plus an STS
// session token, for callers using temporary credentials (e.g. assumed-role
// access to a self-hosted MinIO endpoint).
func NewWithStaticCredentialsAndToken(ctx context.Context, bucket, region, accessKey, secretKey, sessionToken, host, port string) (*Capability, error) {
	p := 443
	if port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			p = parsed
		}
	}
	return &Capability{
		bucket: bucket,
		region: region,
		host:   host,
		port:   p,
		signer: v4.NewSigner(),
		creds:  credentials.NewStaticCredentialsProvider(accessKey, secretKey, sessionToken),
	}, nil
}

// SetClock overrides the signing timestamp, used by tests to reproduce a
// fixed-time golden signature (SPEC_FULL §8 scenario 2); production callers
// never call this.
func (c *Capability) SetClock(now func() time.Time) { c.now = now }

func (c *Capability) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// Host implements txn.Capability.
func (c *Capability) Host() string { return c.host }

// Port implements txn.Capability.
func (c *Capability) Port() int { return c.port }

// TLS implements txn.Capability.
func (c *Capability) TLS() bool { return true }

// RefreshCredentials implements txn.Capability: it retrieves credentials
// through the cache (which itself refreshes lazily as needed) and reports
// true if the returned expiry lies within credentialRefreshWindow, so the
// Transaction queues the refresh ahead of the request it gates (spec
// §4.11).
func (c *Capability) RefreshCredentials(ctx context.Context) (bool, error) {
	v, err := c.creds.Retrieve(ctx)
	if err != nil {
		return false, fmt.Errorf("%s: retrieve credentials: %w", module, err)
	}
	if !v.CanExpire {
		return false, nil
	}
	due := time.Until(v.Expires) < credentialRefreshWindow
	if due && v.Expires != c.lastExpiry {
		if xlog.V(2, module) {
			xlog.Infof("%s: credential refresh due, expires %s", module, v.Expires)
		}
		c.lastExpiry = v.Expires
	}
	return due, nil
}

// SerializeGet implements txn.Capability.
func (c *Capability) SerializeGet(path string, byteRange *txn.ByteRange) ([]byte, error) {
	req, err := c.newRequest(context.Background(), http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if byteRange != nil {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", byteRange.Offset, byteRange.Offset+byteRange.Length-1))
	}
	req.Header.Set("x-amz-request-payer", "requester")
	return c.sign(req, emptyPayloadHash)
}

// SerializePut implements txn.Capability.
func (c *Capability) SerializePut(path string, bodyLen int64, body []byte) ([]byte, error) {
	req, err := c.newRequest(context.Background(), http.MethodPut, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Length", strconv.FormatInt(bodyLen, 10))
	md5sum := md5.Sum(body)
	req.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(md5sum[:]))
	req.Header.Set("x-amz-request-payer", "requester")
	sum := sha256.Sum256(body)
	return c.sign(req, hex.EncodeToString(sum[:]))
}

// SerializeDelete implements txn.Capability.
func (c *Capability) SerializeDelete(path string) ([]byte, error) {
	req, err := c.newRequest(context.Background(), http.MethodDelete, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-amz-request-payer", "requester")
	return c.sign(req, emptyPayloadHash)
}

// SerializeInitiateMultipartUpload implements txn.Capability: it signs the
// S3 "Initiate Multipart Upload" request (POST ?uploads), whose XML response
// body carries the server-assigned upload id (spec §6.4).
func (c *Capability) SerializeInitiateMultipartUpload(path string) ([]byte, []byte, error) {
	req, err := c.newRequestWithQuery(context.Background(), http.MethodPost, path, "uploads=", nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("x-amz-request-payer", "requester")
	header, err := c.sign(req, emptyPayloadHash)
	if err != nil {
		return nil, nil, err
	}
	return header, nil, nil
}

// ParseInitiateMultipartUpload implements txn.Capability, extracting the
// upload id S3 returns in the InitiateMultipartUploadResult XML body.
func (c *Capability) ParseInitiateMultipartUpload(body []byte, _ func(string) (string, bool)) (string, error) {
	var result initiateMultipartUploadResult
	if err := xml.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("%s: parse initiate multipart upload response: %w", module, err)
	}
	if result.UploadID == "" {
		return "", fmt.Errorf("%s: initiate multipart upload response carries no UploadId", module)
	}
	return result.UploadID, nil
}

// SerializeUploadPart implements txn.Capability: it signs a single
// PUT ?partNumber=N&uploadId=... request. offset and totalSize are unused by
// S3 (unlike GCP's resumable-upload Content-Range scheme) but are part of
// the shared Capability interface.
func (c *Capability) SerializeUploadPart(path, uploadID string, partNumber int, offset, totalSize int64, body []byte) ([]byte, error) {
	query := fmt.Sprintf("partNumber=%d&uploadId=%s", partNumber, url.QueryEscape(uploadID))
	req, err := c.newRequestWithQuery(context.Background(), http.MethodPut, path, query, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	req.Header.Set("x-amz-request-payer", "requester")
	sum := sha256.Sum256(body)
	return c.sign(req, hex.EncodeToString(sum[:]))
}

// SerializeCompleteMultipartUpload implements txn.Capability: it signs the
// POST ?uploadId=... request whose body lists every part's ETag in order, the
// step that makes the assembled object visible (spec §6.4).
func (c *Capability) SerializeCompleteMultipartUpload(path, uploadID string, parts []txn.PartETag) ([]byte, []byte, error) {
	complete := completeMultipartUpload{Parts: make([]completedPartXML, len(parts))}
	for i, p := range parts {
		complete.Parts[i] = completedPartXML{PartNumber: p.Number, ETag: p.ETag}
	}
	body, err := xml.Marshal(complete)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: marshal complete multipart upload body: %w", module, err)
	}

	query := "uploadId=" + url.QueryEscape(uploadID)
	req, err := c.newRequestWithQuery(context.Background(), http.MethodPost, path, query, body)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	req.Header.Set("x-amz-request-payer", "requester")
	sum := sha256.Sum256(body)
	header, err := c.sign(req, hex.EncodeToString(sum[:]))
	if err != nil {
		return nil, nil, err
	}
	return header, body, nil
}

type initiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	UploadID string   `xml:"UploadId"`
}

type completeMultipartUpload struct {
	XMLName xml.Name           `xml:"CompleteMultipartUpload"`
	Parts   []completedPartXML `xml:"Part"`
}

type completedPartXML struct {
	PartNumber int
	ETag       string
}

func (c *Capability) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	return c.newRequestWithQuery(ctx, method, path, "", body)
}

// newRequestWithQuery is newRequest plus a raw (already percent-escaped)
// query string, used by the multipart-upload operations which address a
// part/upload id via query parameters rather than the path.
func (c *Capability) newRequestWithQuery(ctx context.Context, method, path, query string, body []byte) (*http.Request, error) {
	u := "https://" + c.host + "/" + path
	if query != "" {
		u += "?" + query
	}
	var rd *bytes.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", module, err)
	}
	req.Host = c.host
	return req, nil
}

// sign signs req with SigV4 and renders it to the wire-format header bytes
// the transaction layer pairs with the body (spec §6.1: Serialize* returns
// signed header bytes only).
func (c *Capability) sign(req *http.Request, payloadHash string) ([]byte, error) {
	creds, err := c.creds.Retrieve(req.Context())
	if err != nil {
		return nil, fmt.Errorf("%s: retrieve credentials: %w", module, err)
	}
	if err := c.signer.SignHTTP(req.Context(), creds, req, payloadHash, "s3", c.region, c.clock()); err != nil {
		return nil, fmt.Errorf("%s: sigv4 sign: %w", module, err)
	}
	return serializeHeader(req), nil
}

// serializeHeader renders the HTTP/1.1 request line and headers (not the
// body) in wire order, terminated by the blank line httptask.Task expects
// to find before streaming the body (spec §4.8).
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
