package domain

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// TransactionRecord is one captured request with an optional paired response.
// Records are immutable: every field is read through an accessor and the byte
// payloads are copied in and copied out. WithID is the only way to attach an
// identity token.
type TransactionRecord struct {
	id         string
	method     string
	path       string
	statusCode int // 0 when unknown

	request  []byte
	response []byte // nil when no response was captured
}

// NewTransactionRecord builds a record from raw request and response bytes.
// A nil response means the transaction has no response.
func NewTransactionRecord(request, response []byte) (*TransactionRecord, error) {
	if len(request) == 0 {
		return nil, fmt.Errorf("%w: request bytes are required", ErrMalformedRecord)
	}

	rec := &TransactionRecord{
		request: bytes.Clone(request),
	}
	if response != nil {
		rec.response = bytes.Clone(response)
	}

	rec.method, rec.path = parseRequestLine(request)
	if code, ok := parseStatusLine(response); ok {
		rec.statusCode = code
	}
	return rec, nil
}

// ID returns the identity token, or "" for a record that was never stored.
func (r *TransactionRecord) ID() string { return r.id }

// Method returns the request method, or "" when the request line is unparsed.
func (r *TransactionRecord) Method() string { return r.method }

// Path returns the request target, including any query suffix.
func (r *TransactionRecord) Path() string { return r.path }

// StatusCode returns the code parsed from the response status line.
func (r *TransactionRecord) StatusCode() (int, bool) {
	return r.statusCode, r.statusCode != 0
}

// Request returns a copy of the raw request bytes.
func (r *TransactionRecord) Request() []byte {
	return bytes.Clone(r.request)
}

// Response returns a copy of the raw response bytes, or nil when absent.
func (r *TransactionRecord) Response() []byte {
	return bytes.Clone(r.response)
}

// HasResponse reports whether a response was captured.
func (r *TransactionRecord) HasResponse() bool {
	return r.response != nil
}

// Label is the one-line description shown in record lists.
func (r *TransactionRecord) Label() string {
	if r.method == "" && r.path == "" {
		return "(unparsed request)"
	}
	return strings.TrimSpace(r.method + " " + r.path)
}

// WithID returns a copy of the record carrying the given identity token.
// The payloads are shared; they are never mutated.
func (r *TransactionRecord) WithID(id string) *TransactionRecord {
	clone := *r
	clone.id = id
	return &clone
}

// SameIdentity reports whether two records are the same captured instance.
// Records without an identity token never match.
func (r *TransactionRecord) SameIdentity(other *TransactionRecord) bool {
	if r == nil || other == nil || r.id == "" {
		return false
	}
	return r.id == other.id
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	return strings.TrimRight(string(b), "\r")
}

// parseRequestLine extracts METHOD and target from "METHOD target HTTP/x".
func parseRequestLine(request []byte) (method, path string) {
	fields := strings.Fields(firstLine(request))
	if len(fields) < 2 {
		return "", ""
	}
	return fields[0], fields[1]
}

// parseStatusLine extracts the code from "HTTP/x code reason".
func parseStatusLine(response []byte) (int, bool) {
	if len(response) == 0 {
		return 0, false
	}
	fields := strings.Fields(firstLine(response))
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, false
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 999 {
		return 0, false
	}
	return code, true
}
