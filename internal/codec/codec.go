// Package codec serializes a group store snapshot to a single JSON document
// and rebuilds it, recovering every record that can still be decoded.
//
// Document shape:
//
//	{ "<group>": [ { "request": "<base64>", "response": "<base64>" }, ... ], ... }
//
// "response" is omitted when no response was captured.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/aining777/grouped-history/internal/domain"
	"github.com/aining777/grouped-history/internal/observability"
)

var errMissingRequest = errors.New("missing request")

type wireRecord struct {
	Request  string  `json:"request,omitempty"`
	Response *string `json:"response,omitempty"`
}

// MalformedRecordError describes one record skipped during Decode.
type MalformedRecordError struct {
	Group string
	Index int // -1 when the whole group value was unreadable
	Err   error
}

func (e *MalformedRecordError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("group %q: %v", e.Group, e.Err)
	}
	return fmt.Sprintf("group %q record %d: %v", e.Group, e.Index, e.Err)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

// Is makes every MalformedRecordError match domain.ErrMalformedRecord.
func (e *MalformedRecordError) Is(target error) bool {
	return target == domain.ErrMalformedRecord
}

// Result is the outcome of Decode.
type Result struct {
	Groups  []domain.Group          // sorted by name, never empty groups
	Skipped []*MalformedRecordError // records and groups that could not be read
	Dropped []string                // groups left with no readable records
}

// Records returns the total number of decoded records.
func (r *Result) Records() int {
	n := 0
	for _, g := range r.Groups {
		n += g.Len()
	}
	return n
}

// Codec encodes and decodes store snapshots.
type Codec struct {
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// New creates a Codec. metrics may be nil.
func New(logger zerolog.Logger, metrics *observability.Metrics) *Codec {
	return &Codec{logger: logger, metrics: metrics}
}

// Encode serializes groups into one document. Group keys come out sorted.
// The error is reserved for marshalling failures, which cannot happen for
// in-memory records.
func (c *Codec) Encode(groups []domain.Group) ([]byte, error) {
	doc := make(map[string][]wireRecord, len(groups))
	for _, g := range groups {
		records := make([]wireRecord, 0, g.Len())
		for _, rec := range g.Records {
			if rec == nil {
				continue
			}
			records = append(records, encodeRecord(rec))
		}
		doc[g.Name] = records
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal store: %w", err)
	}
	return data, nil
}

func encodeRecord(rec *domain.TransactionRecord) wireRecord {
	var w wireRecord
	if req := rec.Request(); len(req) > 0 {
		w.Request = base64.StdEncoding.EncodeToString(req)
	}
	if rec.HasResponse() {
		resp := base64.StdEncoding.EncodeToString(rec.Response())
		w.Response = &resp
	}
	return w
}

// Decode rebuilds groups from a document. Unreadable records are logged and
// skipped; groups with no readable records are dropped. An empty document
// decodes to an empty result. A document that is not a JSON object yields an
// empty result and an error wrapping domain.ErrMalformedRecord.
func (c *Codec) Decode(data []byte) (*Result, error) {
	res := &Result{}
	if len(bytes.TrimSpace(data)) == 0 {
		return res, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return res, fmt.Errorf("%w: decode document: %v", domain.ErrMalformedRecord, err)
	}

	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		var raw []json.RawMessage
		if err := json.Unmarshal(doc[name], &raw); err != nil {
			c.skip(res, &MalformedRecordError{Group: name, Index: -1, Err: err})
			res.Dropped = append(res.Dropped, name)
			continue
		}

		records := make([]*domain.TransactionRecord, 0, len(raw))
		for i, r := range raw {
			rec, err := decodeRecord(r)
			if err != nil {
				c.skip(res, &MalformedRecordError{Group: name, Index: i, Err: err})
				continue
			}
			records = append(records, rec)
		}

		if len(records) == 0 {
			c.logger.Debug().Str("group", name).Msg("dropping group with no readable records")
			res.Dropped = append(res.Dropped, name)
			continue
		}
		res.Groups = append(res.Groups, domain.Group{Name: name, Records: records})
	}

	c.logger.Debug().
		Int("groups", len(res.Groups)).
		Int("records", res.Records()).
		Int("skipped", len(res.Skipped)).
		Msg("decoded store")
	return res, nil
}

func (c *Codec) skip(res *Result, err *MalformedRecordError) {
	res.Skipped = append(res.Skipped, err)
	c.metrics.DecodeSkipped()
	c.logger.Warn().
		Str("group", err.Group).
		Int("index", err.Index).
		Err(err.Err).
		Msg("skipping malformed record")
}

func decodeRecord(raw json.RawMessage) (*domain.TransactionRecord, error) {
	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if w.Request == "" {
		return nil, errMissingRequest
	}

	request, err := base64.StdEncoding.DecodeString(w.Request)
	if err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}

	var response []byte
	if w.Response != nil {
		response, err = base64.StdEncoding.DecodeString(*w.Response)
		if err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if response == nil {
			response = []byte{}
		}
	}

	return domain.NewTransactionRecord(request, response)
}
