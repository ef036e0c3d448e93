// Package httphelper parses just enough of an HTTP/1.1 response preamble to
// detect end-of-message and surface the status code, without buffering or
// reparsing the whole response on every poll (spec §4.12).
package httphelper

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/durner/anyblob-go/internal/xerrors"
	"golang.org/x/net/http/httpguts"
)

// Info is the result of parsing a response preamble once, cached by the
// owning task so later polls don't reparse it (spec §4.8 "parses the
// preamble once (on first retrieval)").
type Info struct {
	StatusCode      int
	HeaderLength    int // bytes from the start of buf through the blank line, inclusive
	ContentLength   int64
	HasContentLength bool
	Chunked         bool
}

// Retryable reports whether the status code is one the provider layer
// should treat as transient (spec §7: 429/503 mapped to retryable).
func (i Info) Retryable() bool {
	return i.StatusCode == 429 || i.StatusCode == 503
}

// Detect parses a response prefix, returning the parsed Info once the
// header section (through the blank line) has fully arrived, or ok=false if
// more bytes are needed. A malformed preamble returns an HttpProtocol
// failure (spec §4.12).
func Detect(prefix []byte) (info Info, ok bool, err error) {
	idx := bytes.Index(prefix, []byte("\r\n\r\n"))
	if idx < 0 {
		return Info{}, false, nil
	}
	headerLen := idx + 4

	r := bufio.NewReader(bytes.NewReader(prefix[:headerLen]))
	statusLine, err := r.ReadString('\n')
	if err != nil {
		return Info{}, false, xerrors.Wrap(xerrors.HTTPProtocol, err)
	}
	statusCode, err := parseStatusLine(statusLine)
	if err != nil {
		return Info{}, false, xerrors.Wrap(xerrors.HTTPProtocol, err)
	}

	info = Info{StatusCode: statusCode, HeaderLength: headerLen}
	for {
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			return Info{}, false, xerrors.Wrap(xerrors.HTTPProtocol, errMalformedHeader(line))
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if !httpguts.ValidHeaderFieldName(name) {
			return Info{}, false, xerrors.Wrap(xerrors.HTTPProtocol, errMalformedHeader(line))
		}
		switch strings.ToLower(name) {
		case "content-length":
			n, perr := strconv.ParseInt(value, 10, 64)
			if perr != nil {
				return Info{}, false, xerrors.Wrap(xerrors.HTTPProtocol, perr)
			}
			info.ContentLength = n
			info.HasContentLength = true
		case "transfer-encoding":
			if strings.EqualFold(strings.TrimSpace(value), "chunked") {
				info.Chunked = true
			}
		}
		if err != nil {
			break
		}
	}
	if !info.HasContentLength && !info.Chunked {
		return Info{}, false, xerrors.Wrap(xerrors.HTTPProtocol, errUnsupportedTransferProtocol{})
	}
	return info, true, nil
}

// Finished reports whether n bytes of buf constitute a complete response
// given a previously detected Info (spec §4.8's "Header-end detection"):
// Content-Length is satisfied once received ≥ header+content length; chunked
// transfer is satisfied once the terminal "0\r\n\r\n" chunk has arrived.
// Detect already rejects a preamble with neither header, so the default case
// here is unreachable in practice; it returns false rather than panicking.
func Finished(buf []byte, n int, info Info) bool {
	switch {
	case info.HasContentLength:
		return int64(n) >= int64(info.HeaderLength)+info.ContentLength
	case info.Chunked:
		return n >= info.HeaderLength && bytes.HasSuffix(buf[:n], []byte("0\r\n\r\n"))
	default:
		return false
	}
}

// HeaderValue scans a response's preamble for name, case-insensitively,
// returning its value. Used by the transaction layer to read a
// provider-specific response header (e.g. S3's per-part ETag) without
// reparsing the preamble with Detect a second time (spec §4.11).
func HeaderValue(buf []byte, info Info, name string) (string, bool) {
	if info.HeaderLength > len(buf) {
		return "", false
	}
	r := bufio.NewReader(bytes.NewReader(buf[:info.HeaderLength]))
	if _, err := r.ReadString('\n'); err != nil {
		return "", false
	}
	for {
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return "", false
		}
		k, v, found := strings.Cut(line, ":")
		if found && strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(v), true
		}
		if err != nil {
			return "", false
		}
	}
}

func parseStatusLine(line string) (int, error) {
	fields := strings.SplitN(strings.TrimRight(line, "\r\n"), " ", 3)
	if len(fields) < 2 {
		return 0, errMalformedHeader(line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, errMalformedHeader(line)
	}
	return code, nil
}

type errMalformedHeader string

func (e errMalformedHeader) Error() string { return "malformed header line: " + string(e) }

// errUnsupportedTransferProtocol mirrors the original's finished() default
// case (original_source/src/network/http_helper.cpp), which throws rather
// than waiting forever on a response lacking both Content-Length and
// chunked framing.
type errUnsupportedTransferProtocol struct{}

func (errUnsupportedTransferProtocol) Error() string {
	return "unsupported HTTP transfer protocol: no Content-Length or chunked framing"
}
