// Package txn implements the transaction layer (C11, spec §4.11): composing
// provider-specific GET/PUT/DELETE steps into the submission stream,
// credential-refresh ordering via VerifyKeyRequest, and the multipart
// upload state machine.
package txn

import (
	"context"
	"sync"

	"github.com/durner/anyblob-go/internal/httphelper"
	"github.com/durner/anyblob-go/internal/httptask"
	"github.com/durner/anyblob-go/internal/workergroup"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// PartETag pairs a completed part's number with its provider-reported etag,
// used to build the finalize request in part-number order (spec §4.11, §8
// scenario 3).
type PartETag struct {
	Number int
	ETag   string
}

// Capability is the provider-agnostic boundary the transaction layer
// drives; concrete providers (provider/aws, provider/azure, provider/gcp,
// provider/minio, provider/httpraw) implement it by delegating signing to
// their respective SDKs (SPEC_FULL §6.1). Serialize* return the signed
// HTTP header bytes only (plus a body for the two multipart requests that
// build one of their own); the Transaction combines them with Host/Port/TLS
// into an httptask.Request.
type Capability interface {
	SerializeGet(path string, byteRange *ByteRange) ([]byte, error)
	SerializePut(path string, bodyLen int64, body []byte) ([]byte, error)
	SerializeDelete(path string) ([]byte, error)

	// SerializeInitiateMultipartUpload begins a multipart/resumable upload
	// for path (spec §4.11, §8 scenario 3). A nil header and nil error mean
	// the provider needs no initiate round trip (Azure's Put Block needs no
	// session); the transaction moves straight to uploading parts using the
	// client-generated correlation id already on the MultipartUpload.
	SerializeInitiateMultipartUpload(path string) (header, body []byte, err error)

	// ParseInitiateMultipartUpload extracts the provider-issued upload id
	// (or session identifier) from the initiate response, given its body and
	// a case-insensitive response-header lookup (GCS's resumable session
	// returns its session URI in a Location header rather than the body).
	// Only called when SerializeInitiateMultipartUpload returned a non-nil
	// header.
	ParseInitiateMultipartUpload(body []byte, header func(name string) (string, bool)) (string, error)

	// SerializeUploadPart serializes one part's PUT. offset/totalSize
	// describe the part's position within the whole object for providers
	// whose wire format needs it (GCS's resumable Content-Range); providers
	// that address parts purely by number ignore them.
	SerializeUploadPart(path, uploadID string, partNumber int, offset, totalSize int64, body []byte) ([]byte, error)

	// SerializeCompleteMultipartUpload finalizes the upload given every
	// part's reported etag, in part-number order. A nil header and nil
	// error mean the last part's PUT already finalized the object (GCS
	// resumable upload).
	SerializeCompleteMultipartUpload(path, uploadID string, parts []PartETag) (header, body []byte, err error)

	Host() string
	Port() int
	TLS() bool
	RefreshCredentials(ctx context.Context) (bool, error) // false = nothing due
}

// ByteRange requests a partial GET (spec §6).
type ByteRange struct {
	Offset, Length int64
}

// MultipartState is one multipart upload record's position (spec §4.11).
type MultipartState int

const (
	Default MultipartState = iota
	Sending
	Validating
	Done
	MultipartAborted
)

// part is one in-flight or completed multipart upload part.
type part struct {
	number    int
	offset    int64
	body      []byte
	etag      string
	sent      bool // response received; etag holds its ETag header, empty if absent
	inFlight  bool // request submitted, response not yet received
}

// MultipartUpload tracks one large PUT split across parts (spec §4.11):
// Default → Sending → Validating → Done, any failure → MultipartAborted.
// Complete is only sent once every part has been confirmed, in part-number
// order (spec §4.11 invariant).
type MultipartUpload struct {
	path      string
	uploadID  string
	totalSize int64
	parts     []*part

	mtx             sync.Mutex
	state           MultipartState
	initiateSent    bool
	completeSent    bool
	err             error
}

// Transaction composes one or more requests against a single Capability,
// enforcing the one ordering rule the engine imposes: a pending credential
// refresh is pushed ahead of the request it gates (spec §4.11).
type Transaction struct {
	cap Capability
	grp *workergroup.Group

	pending   []httptask.Request
	callbacks []func(httptask.Result)

	multipart []*MultipartUpload
	errs      error
}

// New constructs a Transaction bound to cap, pushing submissions through
// grp.
func New(cap Capability, grp *workergroup.Group) *Transaction {
	return &Transaction{cap: cap, grp: grp}
}

// AddGet queues a GET for path, optionally ranged, invoking cb with the
// result (spec §4.11 add_get).
func (t *Transaction) AddGet(path string, byteRange *ByteRange, cb func(httptask.Result)) error {
	header, err := t.cap.SerializeGet(path, byteRange)
	if err != nil {
		return err
	}
	t.queue(t.toRequest(header, nil), cb)
	return nil
}

// AddPut queues a PUT of body to path (spec §4.11 add_put). Bodies of any
// size are sent whole here — callers that need multipart
// semantics use AddMultipartPut instead, per the Non-goal that request
// bodies fit into a contiguous buffer (spec §1).
func (t *Transaction) AddPut(path string, body []byte, cb func(httptask.Result)) error {
	header, err := t.cap.SerializePut(path, int64(len(body)), body)
	if err != nil {
		return err
	}
	t.queue(t.toRequest(header, body), cb)
	return nil
}

// AddDelete queues a DELETE for path (spec §4.11 add_delete).
func (t *Transaction) AddDelete(path string, cb func(httptask.Result)) error {
	header, err := t.cap.SerializeDelete(path)
	if err != nil {
		return err
	}
	t.queue(t.toRequest(header, nil), cb)
	return nil
}

// toRequest pairs a Capability's signed header bytes with its connection
// target and the request body to build the httptask.Request the worker
// actually drives (spec §6.1).
func (t *Transaction) toRequest(header, body []byte) httptask.Request {
	return httptask.Request{Host: t.cap.Host(), Port: t.cap.Port(), TLS: t.cap.TLS(), Header: header, Body: body}
}

// AddMultipartPut splits body into parts of partSize bytes, queuing one
// record whose parts flush across successive ProcessAsync calls (spec
// §4.11, §8 scenario 3: "16 MiB ... 6 MiB ⇒ 3 parts").
func (t *Transaction) AddMultipartPut(path string, body []byte, partSize int) *MultipartUpload {
	n := (len(body) + partSize - 1) / partSize
	mu := &MultipartUpload{path: path, uploadID: uuid.NewString(), state: Default, totalSize: int64(len(body)), parts: make([]*part, n)}
	for i := range mu.parts {
		start := i * partSize
		end := start + partSize
		if end > len(body) {
			end = len(body)
		}
		mu.parts[i] = &part{number: i + 1, offset: int64(start), body: body[start:end]}
	}
	t.multipart = append(t.multipart, mu)
	return mu
}

// UploadID reports the client-side correlation id generated for this
// multipart upload (SPEC_FULL §2.2: "multipart uploadId correlation in
// tests"); providers that need the real server-issued upload id overwrite
// it once the initiate-multipart-upload response is parsed.
func (mu *MultipartUpload) UploadID() string {
	mu.mtx.Lock()
	defer mu.mtx.Unlock()
	return mu.uploadID
}

// SetUploadID records the server-issued upload id once a provider's
// initiate-multipart-upload call returns it.
func (mu *MultipartUpload) SetUploadID(id string) {
	mu.mtx.Lock()
	defer mu.mtx.Unlock()
	mu.uploadID = id
}

// State reports the upload's current position in the state machine.
func (mu *MultipartUpload) State() MultipartState {
	mu.mtx.Lock()
	defer mu.mtx.Unlock()
	return mu.state
}

// Err reports the failure that moved this upload to MultipartAborted, if
// any.
func (mu *MultipartUpload) Err() error {
	mu.mtx.Lock()
	defer mu.mtx.Unlock()
	return mu.err
}

// PartCount reports how many parts body was split into.
func (mu *MultipartUpload) PartCount() int { return len(mu.parts) }

// PartNumbers reports the 1..N part numbers in order.
func (mu *MultipartUpload) PartNumbers() []int {
	numbers := make([]int, len(mu.parts))
	for i, p := range mu.parts {
		numbers[i] = p.number
	}
	return numbers
}

// MarkPartSent records that part number n's response has been received.
// Exported so tests can drive the state machine directly without a real
// provider round trip.
func (mu *MultipartUpload) MarkPartSent(n int) {
	mu.mtx.Lock()
	defer mu.mtx.Unlock()
	for _, p := range mu.parts {
		if p.number == n {
			p.sent = true
			return
		}
	}
}

// SetPartETag records the etag returned for part number n. Complete fires
// once every part has been marked sent, listing the etags in part-number
// order (spec §4.11); an empty etag slot does not hold it back.
func (mu *MultipartUpload) SetPartETag(n int, etag string) {
	mu.mtx.Lock()
	defer mu.mtx.Unlock()
	for _, p := range mu.parts {
		if p.number == n {
			p.etag = etag
			return
		}
	}
}

func (mu *MultipartUpload) fail(err error) {
	mu.mtx.Lock()
	defer mu.mtx.Unlock()
	if mu.err == nil {
		mu.err = err
	}
	mu.state = MultipartAborted
}

// VerifyKeyRequest consults the provider: if a credential refresh is due,
// the refresh message is pushed ahead of req and req is deferred until
// after the refresh completes. This is the only place the engine enforces
// inter-message ordering (spec §4.11).
func (t *Transaction) VerifyKeyRequest(ctx context.Context, req httptask.Request, cb func(httptask.Result)) error {
	due, err := t.cap.RefreshCredentials(ctx)
	if err != nil {
		return err
	}
	if due {
		t.queue(req, func(httptask.Result) {
			// The refresh's own completion is observed by the provider
			// capability internally (it mutates its signing state); once
			// it lands, the deferred request is queued.
			t.queue(req, cb)
		})
		return nil
	}
	t.queue(req, cb)
	return nil
}

func (t *Transaction) queue(req httptask.Request, cb func(httptask.Result)) {
	t.pending = append(t.pending, req)
	t.callbacks = append(t.callbacks, cb)
}

// ProcessSync submits every pending request and every queued multipart
// upload, blocking until all have been delivered and every multipart record
// has reached Done or MultipartAborted, aggregating per-request errors with
// go.uber.org/multierr before returning (spec §4.11 process_sync).
func (t *Transaction) ProcessSync(ctx context.Context) error {
	done := make(chan struct{}, len(t.pending))
	for i, req := range t.pending {
		cb := t.callbacks[i]
		err := t.grp.Send(req, 0, func(r httptask.Result) {
			if cb != nil {
				cb(r)
			}
			if r.FailureCode != 0 {
				t.errs = multierr.Append(t.errs, errFailureCode(r.FailureCode.String()))
			}
			done <- struct{}{}
		})
		if err != nil {
			t.errs = multierr.Append(t.errs, err)
			done <- struct{}{}
		}
	}
	for range t.pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t.pending = nil
	t.callbacks = nil

	for _, mu := range t.multipart {
		for {
			state := mu.State()
			if state == Done {
				break
			}
			if state == MultipartAborted {
				t.errs = multierr.Append(t.errs, mu.Err())
				break
			}
			if err := t.advanceMultipart(ctx, mu, true); err != nil {
				t.errs = multierr.Append(t.errs, err)
				break
			}
		}
	}
	return t.errs
}

// ProcessAsync submits pending requests and any multipart parts/
// finalizations whose state allows it this pass, without blocking for
// completion; it returns true once every multipart record has reached Done
// (spec §4.11 process_async). Plain requests are only submitted; their
// completion is reported through their callbacks and does not affect the
// return value.
func (t *Transaction) ProcessAsync(ctx context.Context) (bool, error) {
	for i, req := range t.pending {
		cb := t.callbacks[i]
		if err := t.grp.Send(req, 0, cb); err != nil {
			return false, err
		}
	}
	t.pending = nil
	t.callbacks = nil

	allDone := true
	for _, mu := range t.multipart {
		switch mu.State() {
		case Done:
		case MultipartAborted:
			return false, mu.Err()
		default:
			allDone = false
			if err := t.advanceMultipart(ctx, mu, false); err != nil {
				return false, err
			}
		}
	}
	return allDone, nil
}

// advanceMultipart submits whatever work is currently submittable for mu
// (initiate, the next batch of un-submitted parts, or the finalize
// request). If block is true, it waits until every request submitted during
// this call has been delivered before returning (ProcessSync); otherwise it
// fires the submissions and returns immediately (ProcessAsync), relying on
// a later call to observe the state once the callbacks have landed.
func (t *Transaction) advanceMultipart(ctx context.Context, mu *MultipartUpload, block bool) error {
	switch mu.State() {
	case Default:
		return t.advanceMultipartInitiate(ctx, mu, block)
	case Sending:
		return t.advanceMultipartParts(ctx, mu, block)
	case Validating:
		return t.advanceMultipartComplete(ctx, mu, block)
	default:
		return nil
	}
}

func (t *Transaction) advanceMultipartInitiate(ctx context.Context, mu *MultipartUpload, block bool) error {
	mu.mtx.Lock()
	if mu.initiateSent {
		mu.mtx.Unlock()
		return nil
	}
	mu.initiateSent = true
	mu.mtx.Unlock()

	header, body, err := t.cap.SerializeInitiateMultipartUpload(mu.path)
	if err != nil {
		mu.fail(err)
		return err
	}
	if header == nil {
		mu.mtx.Lock()
		mu.state = Sending
		mu.mtx.Unlock()
		return nil
	}

	done := make(chan struct{}, 1)
	sendErr := t.grp.Send(t.toRequest(header, body), 0, func(r httptask.Result) {
		defer func() { done <- struct{}{} }()
		if r.FailureCode != 0 {
			mu.fail(errFailureCode(r.FailureCode.String()))
			return
		}
		id, perr := t.cap.ParseInitiateMultipartUpload(responseBody(r), func(name string) (string, bool) {
			return httphelper.HeaderValue(r.Buf.Data(), r.Info, name)
		})
		if perr != nil {
			mu.fail(perr)
			return
		}
		mu.mtx.Lock()
		mu.uploadID = id
		mu.state = Sending
		mu.mtx.Unlock()
	})
	if sendErr != nil {
		mu.fail(sendErr)
		return sendErr
	}
	if block {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (t *Transaction) advanceMultipartParts(ctx context.Context, mu *MultipartUpload, block bool) error {
	mu.mtx.Lock()
	var toSend []*part
	for _, p := range mu.parts {
		if !p.sent && !p.inFlight {
			p.inFlight = true
			toSend = append(toSend, p)
		}
	}
	uploadID := mu.uploadID
	totalSize := mu.totalSize
	mu.mtx.Unlock()

	if len(toSend) == 0 {
		mu.mtx.Lock()
		if allPartsSent(mu) {
			mu.state = Validating
		}
		mu.mtx.Unlock()
		return nil
	}

	done := make(chan struct{}, len(toSend))
	for _, p := range toSend {
		p := p
		header, err := t.cap.SerializeUploadPart(mu.path, uploadID, p.number, p.offset, totalSize, p.body)
		if err != nil {
			mu.fail(err)
			done <- struct{}{}
			continue
		}
		sendErr := t.grp.Send(t.toRequest(header, p.body), 0, func(r httptask.Result) {
			defer func() { done <- struct{}{} }()
			if r.FailureCode != 0 {
				mu.fail(errFailureCode(r.FailureCode.String()))
				return
			}
			etag, _ := httphelper.HeaderValue(r.Buf.Data(), r.Info, "ETag")
			mu.mtx.Lock()
			p.etag = etag
			p.sent = true
			p.inFlight = false
			mu.mtx.Unlock()
		})
		if sendErr != nil {
			mu.fail(sendErr)
			done <- struct{}{}
		}
	}

	if block {
		for range toSend {
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		mu.mtx.Lock()
		if allPartsSent(mu) {
			mu.state = Validating
		}
		mu.mtx.Unlock()
	}
	return nil
}

func (t *Transaction) advanceMultipartComplete(ctx context.Context, mu *MultipartUpload, block bool) error {
	mu.mtx.Lock()
	if mu.completeSent {
		mu.mtx.Unlock()
		return nil
	}
	mu.completeSent = true
	uploadID := mu.uploadID
	etags := make([]PartETag, len(mu.parts))
	for i, p := range mu.parts {
		etags[i] = PartETag{Number: p.number, ETag: p.etag}
	}
	mu.mtx.Unlock()

	header, body, err := t.cap.SerializeCompleteMultipartUpload(mu.path, uploadID, etags)
	if err != nil {
		mu.fail(err)
		return err
	}
	if header == nil {
		mu.mtx.Lock()
		mu.state = Done
		mu.mtx.Unlock()
		return nil
	}

	done := make(chan struct{}, 1)
	sendErr := t.grp.Send(t.toRequest(header, body), 0, func(r httptask.Result) {
		defer func() { done <- struct{}{} }()
		if r.FailureCode != 0 {
			mu.fail(errFailureCode(r.FailureCode.String()))
			return
		}
		mu.mtx.Lock()
		mu.state = Done
		mu.mtx.Unlock()
	})
	if sendErr != nil {
		mu.fail(sendErr)
		return sendErr
	}
	if block {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// responseBody extracts a Result's body bytes (everything after the parsed
// preamble), used to parse the initiate-multipart-upload response's XML/
// JSON payload.
func responseBody(r httptask.Result) []byte {
	if r.Buf == nil || r.Size <= 0 {
		return nil
	}
	data := r.Buf.Data()
	if r.Offset+r.Size > len(data) {
		return nil
	}
	return data[r.Offset : r.Offset+r.Size]
}

// allPartsSent must be called with mu.mtx held.
func allPartsSent(mu *MultipartUpload) bool {
	for _, p := range mu.parts {
		if !p.sent {
			return false
		}
	}
	return true
}

type errFailureCode string

func (e errFailureCode) Error() string { return "task failed: " + string(e) }
