// Package azure implements the Azure Blob Storage provider capability
// (SPEC_FULL §2.2, §6.1): Shared Key request signing via the Azure SDK's
// credential type.
package azure

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/durner/anyblob-go/internal/txn"
)

const module = "provider/azure"

const apiVersion = "2023-11-03"

// Capability implements txn.Capability for an Azure Blob Storage container,
// signing every request with the Shared Key scheme (SPEC_FULL §2.2:
// "SharedKey signer collaborator").
type Capability struct {
	account   string
	container string
	host      string

	creds *azblob.SharedKeyCredential
}

// New builds a Capability for account/container, signing with accountKey.
func New(account, accountKey, container string) (*Capability, error) {
	creds, err := azblob.NewSharedKeyCredential(account, accountKey)
	if err != nil {
		return nil, fmt.Errorf("%s: shared key credential: %w", module, err)
	}
	return &Capability{
		account:   account,
		container: container,
		host:      account + ".blob.core.windows.net",
		creds:     creds,
	}, nil
}

// Host implements txn.Capability.
func (c *Capability) Host() string { return c.host }

// Port implements txn.Capability.
func (c *Capability) Port() int { return 443 }

// TLS implements txn.Capability.
func (c *Capability) TLS() bool { return true }

// RefreshCredentials implements txn.Capability. Shared Key credentials do
// not expire, so this provider never has a refresh due (spec §4.11, unlike
// provider/aws's rotating IAM credentials).
func (c *Capability) RefreshCredentials(context.Context) (bool, error) { return false, nil }

// SerializeGet implements txn.Capability.
func (c *Capability) SerializeGet(path string, byteRange *txn.ByteRange) ([]byte, error) {
	req, err := c.newRequest(http.MethodGet, path, 0)
	if err != nil {
		return nil, err
	}
	if byteRange != nil {
		req.Header.Set("x-ms-range", fmt.Sprintf("bytes=%d-%d", byteRange.Offset, byteRange.Offset+byteRange.Length-1))
	}
	return c.sign(req)
}

// SerializePut implements txn.Capability.
func (c *Capability) SerializePut(path string, bodyLen int64, body []byte) ([]byte, error) {
	req, err := c.newRequest(http.MethodPut, path, bodyLen)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-ms-blob-type", "BlockBlob")
	return c.sign(req)
}

// SerializeDelete implements txn.Capability.
func (c *Capability) SerializeDelete(path string) ([]byte, error) {
	req, err := c.newRequest(http.MethodDelete, path, 0)
	if err != nil {
		return nil, err
	}
	return c.sign(req)
}

// SerializeInitiateMultipartUpload implements txn.Capability. Block blobs
// need no session to start staging blocks, so this returns the nil/nil/nil
// "skip initiate" sentinel the transaction layer treats as an immediate
// advance to sending parts (spec §6.4).
func (c *Capability) SerializeInitiateMultipartUpload(path string) ([]byte, []byte, error) {
	return nil, nil, nil
}

// ParseInitiateMultipartUpload implements txn.Capability; never invoked
// since SerializeInitiateMultipartUpload never sends a request.
func (c *Capability) ParseInitiateMultipartUpload(body []byte, _ func(string) (string, bool)) (string, error) {
	return "", nil
}

// SerializeUploadPart implements txn.Capability: it signs a
// PUT ?comp=block&blockid=... request staging one block. The block id is
// derived deterministically from partNumber, not from anything the server
// returns, since Put Block's response carries no ETag; the complete step
// regenerates the same ids rather than reading them back from parts' ETag
// field. offset/totalSize are unused (no Content-Range
// addressing in Azure's block-blob protocol).
func (c *Capability) SerializeUploadPart(path, uploadID string, partNumber int, offset, totalSize int64, body []byte) ([]byte, error) {
	query := "comp=block&blockid=" + url.QueryEscape(blockID(partNumber))
	req, err := c.newRequestWithQuery(http.MethodPut, path, query, int64(len(body)))
	if err != nil {
		return nil, err
	}
	return c.sign(req)
}

// SerializeCompleteMultipartUpload implements txn.Capability: it signs the
// PUT ?comp=blocklist request that commits every staged block, in part
// order, as the blob's content (spec §6.4).
func (c *Capability) SerializeCompleteMultipartUpload(path, uploadID string, parts []txn.PartETag) ([]byte, []byte, error) {
	list := blockList{Latest: make([]string, len(parts))}
	for i, p := range parts {
		list.Latest[i] = blockID(p.Number)
	}
	body, err := xml.Marshal(list)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: marshal block list: %w", module, err)
	}

	req, err := c.newRequestWithQuery(http.MethodPut, path, "comp=blocklist", int64(len(body)))
	if err != nil {
		return nil, nil, err
	}
	header, err := c.sign(req)
	if err != nil {
		return nil, nil, err
	}
	return header, body, nil
}

// blockID derives a fixed-width, base64-encoded block id from a part
// number; Azure requires every block id in a blob to share the same length.
func blockID(partNumber int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("block-%010d", partNumber)))
}

type blockList struct {
	XMLName xml.Name `xml:"BlockList"`
	Latest  []string `xml:"Latest"`
}

func (c *Capability) newRequest(method, path string, contentLength int64) (*http.Request, error) {
	return c.newRequestWithQuery(method, path, "", contentLength)
}

// newRequestWithQuery is newRequest plus a raw query string, used by the
// block-upload operations which address a block id or the commit operation
// via the "comp" query parameter.
func (c *Capability) newRequestWithQuery(method, path, query string, contentLength int64) (*http.Request, error) {
	u := "https://" + c.host + "/" + c.container + "/" + path
	if query != "" {
		u += "?" + query
	}
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", module, err)
	}
	req.Host = c.host
	req.Header.Set("x-ms-version", apiVersion)
	req.Header.Set("x-ms-date", time.Now().UTC().Format(http.TimeFormat))
	if contentLength > 0 {
		req.Header.Set("Content-Length", strconv.FormatInt(contentLength, 10))
	}
	return req, nil
}

// sign computes the Shared Key (Full) string-to-sign per Azure Storage's
// documented canonicalization, signs it via the credential's HMAC-SHA256,
// and attaches the Authorization header (spec §6.1).
func (c *Capability) sign(req *http.Request) ([]byte, error) {
	canonicalizedHeaders := canonicalizeHeaders(req)
	canonicalizedResource := canonicalizeResource(c.account, req.URL.Path, req.URL.Query())

	contentLength := req.Header.Get("Content-Length")
	if contentLength == "0" {
		contentLength = ""
	}

	stringToSign := req.Method + "\n" + // verb
		"\n" + // Content-Encoding
		"\n" + // Content-Language
		contentLength + "\n" +
		"\n" + // Content-MD5
		"\n" + // Content-Type
		"\n" + // Date (moved to x-ms-date)
		"\n" + // If-Modified-Since
		"\n" + // If-Match
		"\n" + // If-None-Match
		"\n" + // If-Unmodified-Since
		"\n" + // Range
		canonicalizedHeaders +
		canonicalizedResource

	sig, err := c.creds.ComputeHMACSHA256(stringToSign)
	if err != nil {
		return nil, fmt.Errorf("%s: compute signature: %w", module, err)
	}
	req.Header.Set("Authorization", "SharedKey "+c.account+":"+sig)
	return serializeHeader(req), nil
}

func canonicalizeHeaders(req *http.Request) string {
	var buf bytes.Buffer
	for _, k := range []string{"x-ms-blob-type", "x-ms-date", "x-ms-range", "x-ms-version"} {
		if v := req.Header.Get(k); v != "" {
			buf.WriteString(k)
			buf.WriteByte(':')
			buf.WriteString(v)
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

func canonicalizeResource(account, path string, query map[string][]string) string {
	var buf bytes.Buffer
	buf.WriteByte('/')
	buf.WriteString(account)
	buf.WriteString(path)
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vs := query[k]
		buf.WriteByte('\n')
		buf.WriteString(k)
		buf.WriteByte(':')
		for i, v := range vs {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(v)
		}
	}
	return buf.String()
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
