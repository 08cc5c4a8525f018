package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/couchcryptid/sc2gpkg/internal/schema"
)

// RawRecord is one untrusted tracking record as found in the export. Each
// slot holds the undecoded JSON value of its schema key and is nil when the
// key is absent.
type RawRecord struct {
	Index     int
	Longitude json.RawMessage
	Latitude  json.RawMessage
	Timestamp json.RawMessage
	UserID    json.RawMessage

	// Attributes holds every other key of the record, undecoded.
	Attributes map[string]json.RawMessage

	// Raw is the record exactly as read, kept for debug output.
	Raw json.RawMessage

	// pathErrs records canonical fields whose dotted path crossed a value
	// that is not an object.
	pathErrs map[string]error
}

// Feature is a validated GPS fix.
type Feature struct {
	Longitude  float64
	Latitude   float64
	Timestamp  time.Time
	UserID     string
	Attributes map[string]any
}

// Reason categorises why a record was rejected.
type Reason string

const (
	ReasonMissingField        Reason = "missing_field"
	ReasonMalformedField      Reason = "malformed_field"
	ReasonOutOfRange          Reason = "out_of_range"
	ReasonUnparsableTimestamp Reason = "unparsable_timestamp"
)

// Reasons lists every rejection reason in reporting order.
func Reasons() []Reason {
	return []Reason{ReasonMissingField, ReasonMalformedField, ReasonOutOfRange, ReasonUnparsableTimestamp}
}

// Canonical field names used in rejections.
const (
	FieldLongitude = "longitude"
	FieldLatitude  = "latitude"
	FieldTimestamp = "timestamp"
	FieldUserID    = "user_id"
)

// ValidationError explains why a single record was rejected.
type ValidationError struct {
	Reason Reason
	Field  string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Field, e.Reason, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Rejection is a record that failed validation, kept verbatim.
type Rejection struct {
	Index  int             `json:"index"`
	Reason Reason          `json:"reason"`
	Field  string          `json:"field"`
	Detail string          `json:"detail"`
	Raw    json.RawMessage `json:"raw"`
}

// Result is the outcome of extracting a whole document.
type Result struct {
	Features   []Feature
	Total      int
	Rejected   int
	Rejections []Rejection
}

// Accepted returns the number of records that became features.
func (r Result) Accepted() int { return len(r.Features) }

// ReasonCounts tallies rejections per reason.
func (r Result) ReasonCounts() map[Reason]int {
	counts := make(map[Reason]int, len(r.Rejections))
	for _, rej := range r.Rejections {
		counts[rej.Reason]++
	}
	return counts
}

// NewRawRecord splits a decoded record object into schema slots. Keys
// that are not mapped, and are not the root of a mapped dotted path, land
// in Attributes.
func NewRawRecord(index int, obj map[string]json.RawMessage, raw json.RawMessage, s schema.Schema) RawRecord {
	rec := RawRecord{
		Index:      index,
		Raw:        raw,
		Attributes: make(map[string]json.RawMessage),
	}

	roots := make(map[string]bool, 4)
	lookup := func(field, path string) json.RawMessage {
		if strings.Contains(path, ".") {
			roots[strings.SplitN(path, ".", 2)[0]] = true
		} else {
			roots[path] = true
		}
		v, err := lookupPath(obj, path)
		if err != nil {
			if rec.pathErrs == nil {
				rec.pathErrs = make(map[string]error)
			}
			rec.pathErrs[field] = err
			return nil
		}
		return v
	}

	rec.Longitude = lookup(FieldLongitude, s.Fields.Longitude)
	rec.Latitude = lookup(FieldLatitude, s.Fields.Latitude)
	rec.Timestamp = lookup(FieldTimestamp, s.Fields.Timestamp)
	rec.UserID = lookup(FieldUserID, s.Fields.UserID)

	for k, v := range obj {
		if roots[k] {
			continue
		}
		rec.Attributes[k] = v
	}
	return rec
}

// lookupPath resolves a dotted path. A literal key containing dots wins
// over traversal. Missing keys yield nil; crossing a non-object is an error.
func lookupPath(obj map[string]json.RawMessage, path string) (json.RawMessage, error) {
	if v, ok := obj[path]; ok {
		return v, nil
	}
	head, rest, nested := strings.Cut(path, ".")
	if !nested {
		return nil, nil
	}
	v, ok := obj[head]
	if !ok || isNull(v) {
		return nil, nil
	}
	var child map[string]json.RawMessage
	if err := json.Unmarshal(v, &child); err != nil {
		return nil, fmt.Errorf("%q is not an object", head)
	}
	return lookupPath(child, rest)
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// AttributeNames returns the sorted union of attribute keys across features.
func AttributeNames(features []Feature) []string {
	seen := make(map[string]struct{})
	for i := range features {
		for k := range features[i].Attributes {
			seen[k] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// MarkMalformed flags the canonical field mapped to key as having the wrong
// JSON shape, so validation rejects it instead of treating it as absent.
// Keys that are not mapped to a canonical field are ignored.
func (r *RawRecord) MarkMalformed(key string, s schema.Schema, err error) {
	var field string
	switch key {
	case s.Fields.Longitude:
		field = FieldLongitude
	case s.Fields.Latitude:
		field = FieldLatitude
	case s.Fields.Timestamp:
		field = FieldTimestamp
	case s.Fields.UserID:
		field = FieldUserID
	default:
		return
	}
	if r.pathErrs == nil {
		r.pathErrs = make(map[string]error)
	}
	r.pathErrs[field] = err
}
