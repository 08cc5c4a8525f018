package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/sc2gpkg/internal/schema"
)

var (
	errAbsent      = errors.New("absent")
	errEmpty       = errors.New("empty")
	errNullIsland  = errors.New("0,0 is a cold-start fix")
	errNotFinite   = errors.New("not a finite number")
	errZeroTime    = errors.New("zero time")
	errWrongShape  = errors.New("unexpected JSON type")
	errNoTimestamp = errors.New("no known layout matches")
	errYearRange   = errors.New("year outside 1..9999")
	errHexNumber   = errors.New("hexadecimal numbers are not coordinates")
)

// timestampLayouts are tried in order after any schema-provided layouts.
// Fractional seconds are optional for every layout.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-0700",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006/01/02 15:04:05.999999999",
}

// epochMillisThreshold separates second from millisecond epochs in auto
// mode. 1e12 seconds is ~33,700 AD; 1e12 ms is September 2001.
const epochMillisThreshold = 1e12

// maxEpochSeconds is 9999-12-31T23:59:59Z.
const maxEpochSeconds = 253402300799

// Extractor validates raw records against one schema version.
type Extractor struct {
	schema schema.Schema
}

// NewExtractor creates an Extractor for the given schema.
func NewExtractor(s schema.Schema) *Extractor {
	return &Extractor{schema: s}
}

// Extract validates every record in order. Rejected records never stop
// the batch; they are counted and returned with their reason.
func (x *Extractor) Extract(records []RawRecord) Result {
	res := Result{
		Total:    len(records),
		Features: make([]Feature, 0, len(records)),
	}
	for i := range records {
		f, verr := x.validate(records[i])
		if verr != nil {
			res.Rejected++
			res.Rejections = append(res.Rejections, Rejection{
				Index:  records[i].Index,
				Reason: verr.Reason,
				Field:  verr.Field,
				Detail: verr.Error(),
				Raw:    records[i].Raw,
			})
			continue
		}
		res.Features = append(res.Features, f)
	}
	return res
}

// Validate checks a single record. The error, when non-nil, is a
// *ValidationError.
func (x *Extractor) Validate(rec RawRecord) (Feature, error) {
	f, verr := x.validate(rec)
	if verr != nil {
		return Feature{}, verr
	}
	return f, nil
}

func (x *Extractor) validate(rec RawRecord) (Feature, *ValidationError) {
	lon, verr := x.coordinate(rec, FieldLongitude, rec.Longitude)
	if verr != nil {
		return Feature{}, verr
	}
	lat, verr := x.coordinate(rec, FieldLatitude, rec.Latitude)
	if verr != nil {
		return Feature{}, verr
	}

	if lon < -180 || lon > 180 {
		return Feature{}, &ValidationError{Reason: ReasonOutOfRange, Field: FieldLongitude, Err: fmt.Errorf("%g not in [-180, 180]", lon)}
	}
	if lat < -90 || lat > 90 {
		return Feature{}, &ValidationError{Reason: ReasonOutOfRange, Field: FieldLatitude, Err: fmt.Errorf("%g not in [-90, 90]", lat)}
	}
	if x.schema.RejectNullIsland && lon == 0 && lat == 0 {
		return Feature{}, &ValidationError{Reason: ReasonOutOfRange, Field: FieldLatitude, Err: errNullIsland}
	}

	ts, verr := x.timestamp(rec)
	if verr != nil {
		return Feature{}, verr
	}

	user, verr := x.userID(rec)
	if verr != nil {
		return Feature{}, verr
	}

	return Feature{
		Longitude:  lon,
		Latitude:   lat,
		Timestamp:  ts,
		UserID:     user,
		Attributes: x.attributes(rec),
	}, nil
}

func (x *Extractor) coordinate(rec RawRecord, field string, raw json.RawMessage) (float64, *ValidationError) {
	if err := rec.pathErrs[field]; err != nil {
		return 0, &ValidationError{Reason: ReasonMalformedField, Field: field, Err: err}
	}
	v, err := parseCoordinate(raw, x.schema.DecimalComma)
	switch {
	case errors.Is(err, errAbsent):
		return 0, &ValidationError{Reason: ReasonMissingField, Field: field}
	case err != nil:
		return 0, &ValidationError{Reason: ReasonMalformedField, Field: field, Err: err}
	}
	return v, nil
}

func (x *Extractor) timestamp(rec RawRecord) (time.Time, *ValidationError) {
	if err := rec.pathErrs[FieldTimestamp]; err != nil {
		return time.Time{}, &ValidationError{Reason: ReasonMalformedField, Field: FieldTimestamp, Err: err}
	}
	ts, err := parseTimestamp(rec.Timestamp, x.schema)
	switch {
	case errors.Is(err, errAbsent):
		return time.Time{}, &ValidationError{Reason: ReasonMissingField, Field: FieldTimestamp}
	case err != nil:
		return time.Time{}, &ValidationError{Reason: ReasonUnparsableTimestamp, Field: FieldTimestamp, Err: err}
	}
	return ts, nil
}

func (x *Extractor) userID(rec RawRecord) (string, *ValidationError) {
	if err := rec.pathErrs[FieldUserID]; err != nil {
		return "", &ValidationError{Reason: ReasonMalformedField, Field: FieldUserID, Err: err}
	}
	user, err := parseUserID(rec.UserID)
	switch {
	case errors.Is(err, errAbsent), errors.Is(err, errEmpty):
		return "", &ValidationError{Reason: ReasonMissingField, Field: FieldUserID, Err: err}
	case err != nil:
		return "", &ValidationError{Reason: ReasonMalformedField, Field: FieldUserID, Err: err}
	}
	return user, nil
}

// attributes decodes passthrough values without numeric coercion. With an
// allow-list only listed keys are kept.
func (x *Extractor) attributes(rec RawRecord) map[string]any {
	out := make(map[string]any, len(rec.Attributes))
	if len(x.schema.Attributes) == 0 {
		for k, v := range rec.Attributes {
			out[k] = decodeAttribute(v)
		}
		return out
	}
	for _, k := range x.schema.Attributes {
		if v, ok := rec.Attributes[k]; ok {
			out[k] = decodeAttribute(v)
		}
	}
	return out
}

// parseCoordinate accepts a JSON number or a numeric string. With
// decimalComma a single comma is read as the decimal separator.
func parseCoordinate(raw json.RawMessage, decimalComma bool) (float64, error) {
	if isNull(raw) {
		return 0, errAbsent
	}
	raw = bytes.TrimSpace(raw)

	var text string
	switch c := raw[0]; {
	case c == '"':
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("decode string: %w", err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return 0, errEmpty
		}
		if isHex(text) {
			return 0, errHexNumber
		}
		if decimalComma && strings.Count(text, ",") == 1 && !strings.Contains(text, ".") {
			text = strings.Replace(text, ",", ".", 1)
		}
	case c == '-' || (c >= '0' && c <= '9'):
		text = string(raw)
	default:
		return 0, errWrongShape
	}

	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", text, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errNotFinite
	}
	return v, nil
}

// parseTimestamp reads an ISO-like string or a numeric epoch and returns
// the instant in UTC.
func parseTimestamp(raw json.RawMessage, s schema.Schema) (time.Time, error) {
	if isNull(raw) {
		return time.Time{}, errAbsent
	}
	raw = bytes.TrimSpace(raw)

	var t time.Time
	switch c := raw[0]; {
	case c == '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return time.Time{}, fmt.Errorf("decode string: %w", err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return time.Time{}, errEmpty
		}
		if isNumeric(text) {
			parsed, err := parseEpoch(text, s.EpochUnit)
			if err != nil {
				return time.Time{}, err
			}
			t = parsed
			break
		}
		parsed, err := parseTimeString(text, s)
		if err != nil {
			return time.Time{}, err
		}
		t = parsed
	case c == '-' || (c >= '0' && c <= '9'):
		parsed, err := parseEpoch(string(raw), s.EpochUnit)
		if err != nil {
			return time.Time{}, err
		}
		t = parsed
	default:
		return time.Time{}, errWrongShape
	}

	if t.IsZero() {
		return time.Time{}, errZeroTime
	}
	t = t.UTC()
	if y := t.Year(); y < 1 || y > 9999 {
		return time.Time{}, fmt.Errorf("%s: %w", t.Format(time.RFC3339), errYearRange)
	}
	return t, nil
}

func parseTimeString(text string, s schema.Schema) (time.Time, error) {
	loc := s.Location()
	for _, layout := range s.TimestampLayouts {
		if t, err := time.ParseInLocation(layout, text, loc); err == nil {
			return t, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, text, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%q: %w", text, errNoTimestamp)
}

func parseEpoch(text string, unit schema.EpochUnit) (time.Time, error) {
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse epoch %q: %w", text, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return time.Time{}, errNotFinite
	}

	if unit == schema.EpochMilliseconds || (unit != schema.EpochSeconds && math.Abs(v) >= epochMillisThreshold) {
		v /= 1000
	}
	if math.Abs(v) > maxEpochSeconds {
		return time.Time{}, fmt.Errorf("epoch %q: %w", text, errYearRange)
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))), nil
}

func parseUserID(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", errAbsent
	}
	raw = bytes.TrimSpace(raw)

	var user string
	switch c := raw[0]; {
	case c == '"':
		if err := json.Unmarshal(raw, &user); err != nil {
			return "", fmt.Errorf("decode string: %w", err)
		}
	case c == '-' || (c >= '0' && c <= '9'):
		user = string(raw)
	default:
		return "", errWrongShape
	}

	user = strings.TrimSpace(user)
	if user == "" {
		return "", errEmpty
	}
	return user, nil
}

// decodeAttribute keeps numbers as json.Number and flattens objects and
// arrays to compact JSON text.
func decodeAttribute(raw json.RawMessage) any {
	if isNull(raw) {
		return nil
	}
	raw = bytes.TrimSpace(raw)

	switch raw[0] {
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return string(raw)
		}
		return buf.String()
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return string(raw)
	}
	return v
}

// isHex reports whether s is written with a 0x prefix, which ParseFloat
// would otherwise accept.
func isHex(s string) bool {
	s = strings.TrimLeft(s, "+-")
	return len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

func isNumeric(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil && !strings.ContainsAny(s, "nNiI") && !isHex(s)
}
