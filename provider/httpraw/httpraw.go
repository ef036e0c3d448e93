// Package httpraw implements the unauthenticated passthrough provider
// capability (SPEC_FULL §2.2, §6.1): plain HTTP(S) GET/PUT/DELETE with no
// signing, for plain object stores, test fixtures, and anything reachable
// without credentials.
package httpraw

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/durner/anyblob-go/internal/txn"
)

const module = "provider/httpraw"

// Capability implements txn.Capability with no signing step at all.
type Capability struct {
	host string
	port int
	tls  bool
}

// New builds a Capability targeting host:port.
func New(host string, port int, useTLS bool) *Capability {
	return &Capability{host: host, port: port, tls: useTLS}
}

// Host implements txn.Capability.
func (c *Capability) Host() string { return c.host }

// Port implements txn.Capability.
func (c *Capability) Port() int { return c.port }

// TLS implements txn.Capability.
func (c *Capability) TLS() bool { return c.tls }

// RefreshCredentials implements txn.Capability: there is nothing to refresh.
func (c *Capability) RefreshCredentials(context.Context) (bool, error) { return false, nil }

// SerializeGet implements txn.Capability.
func (c *Capability) SerializeGet(path string, byteRange *txn.ByteRange) ([]byte, error) {
	req, err := c.newRequest(http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	if byteRange != nil {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", byteRange.Offset, byteRange.Offset+byteRange.Length-1))
	}
	return serializeHeader(req), nil
}

// SerializePut implements txn.Capability.
func (c *Capability) SerializePut(path string, bodyLen int64, body []byte) ([]byte, error) {
	req, err := c.newRequest(http.MethodPut, path)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Length", strconv.FormatInt(bodyLen, 10))
	return serializeHeader(req), nil
}

// SerializeDelete implements txn.Capability.
func (c *Capability) SerializeDelete(path string) ([]byte, error) {
	req, err := c.newRequest(http.MethodDelete, path)
	if err != nil {
		return nil, err
	}
	return serializeHeader(req), nil
}

// SerializeInitiateMultipartUpload implements txn.Capability. A raw
// passthrough target has no upload-session concept, so this returns the
// nil/nil/nil "skip initiate" sentinel (spec §6.4).
func (c *Capability) SerializeInitiateMultipartUpload(path string) ([]byte, []byte, error) {
	return nil, nil, nil
}

// ParseInitiateMultipartUpload implements txn.Capability; never invoked
// since SerializeInitiateMultipartUpload never sends a request.
func (c *Capability) ParseInitiateMultipartUpload(_ []byte, _ func(string) (string, bool)) (string, error) {
	return "", nil
}

// SerializeUploadPart implements txn.Capability: a plain PUT of this part's
// bytes addressed by a Content-Range header, for targets that accept partial
// PUTs (e.g. the integration test fixture server). uploadID is unused; parts
// are addressed purely by byte offset.
func (c *Capability) SerializeUploadPart(path, uploadID string, partNumber int, offset, totalSize int64, body []byte) ([]byte, error) {
	req, err := c.newRequest(http.MethodPut, path)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(len(body))-1, totalSize))
	return serializeHeader(req), nil
}

// SerializeCompleteMultipartUpload implements txn.Capability. The last
// part's Content-Range already conveys the final size to the target, so this
// returns the nil/nil/nil "skip complete" sentinel.
func (c *Capability) SerializeCompleteMultipartUpload(path, uploadID string, parts []txn.PartETag) ([]byte, []byte, error) {
	return nil, nil, nil
}

func (c *Capability) newRequest(method, path string) (*http.Request, error) {
	scheme := "http"
	if c.tls {
		scheme = "https"
	}
	url := scheme + "://" + c.host + "/" + path
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", module, err)
	}
	req.Host = c.host
	return req, nil
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
