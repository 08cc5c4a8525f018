package jsonfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/couchcryptid/sc2gpkg/internal/domain"
	"github.com/couchcryptid/sc2gpkg/internal/schema"
)

var (
	// ErrNotFound is returned when the input file does not exist.
	ErrNotFound = errors.New("input file not found")

	// ErrInvalidDocument is returned when the file is not JSON or its top
	// level does not hold a record sequence for the schema layout.
	ErrInvalidDocument = errors.New("invalid input document")
)

// Stats describes the shape of a decoded document.
type Stats struct {
	Packets int
	Records int
}

// Reader loads a vendor export from disk.
// It implements pipeline.Source.
type Reader struct {
	path   string
	schema schema.Schema
	logger *slog.Logger
}

// NewReader creates a Reader for the export at path.
func NewReader(path string, s schema.Schema, logger *slog.Logger) *Reader {
	return &Reader{path: path, schema: s, logger: logger}
}

// Load reads the whole file and splits it into raw records.
func (r *Reader) Load(ctx context.Context) ([]domain.RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, r.path)
		}
		return nil, fmt.Errorf("read input: %w", err)
	}

	records, stats, err := Decode(data, r.schema)
	if err != nil {
		return nil, err
	}

	if r.schema.Layout == schema.LayoutPackets {
		r.logger.Info("retrieved packets", "path", r.path, "packets", stats.Packets, "records", stats.Records)
	} else {
		r.logger.Info("retrieved records", "path", r.path, "records", stats.Records)
	}
	return records, nil
}

// Decode splits a JSON document into raw records according to the schema
// layout. Elements that are not objects still produce a record so they
// are rejected and counted rather than silently dropped.
func Decode(data []byte, s schema.Schema) ([]domain.RawRecord, Stats, error) {
	elems, err := topLevel(data, s)
	if err != nil {
		return nil, Stats{}, err
	}

	var stats Stats
	records := make([]domain.RawRecord, 0, len(elems))

	switch s.Layout {
	case schema.LayoutPackets:
		stats.Packets = len(elems)
		for _, packet := range elems {
			records = appendPacket(records, packet, s)
		}
	default:
		for i, elem := range elems {
			records = append(records, domain.NewRawRecord(i, objectOrEmpty(elem), elem, s))
		}
	}

	stats.Records = len(records)
	return records, stats, nil
}

// topLevel returns the elements of the record sequence.
func topLevel(data []byte, s schema.Schema) ([]json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidDocument)
	}

	seq := json.RawMessage(data)
	if s.RecordsKey != "" {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: top level is not an object with %q", ErrInvalidDocument, s.RecordsKey)
		}
		v, ok := doc[s.RecordsKey]
		if !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrInvalidDocument, s.RecordsKey)
		}
		seq = v
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(seq, &elems); err != nil || (elems == nil && !bytes.Equal(bytes.TrimSpace(seq), []byte("[]"))) {
		return nil, fmt.Errorf("%w: record sequence is not an array", ErrInvalidDocument)
	}
	return elems, nil
}

// appendPacket expands a packet into one record per fix. Fix i takes index
// i of every per-fix array and every other packet key unchanged. Arrays of
// unequal length leave the short keys absent on the trailing fixes.
func appendPacket(records []domain.RawRecord, packet json.RawMessage, s schema.Schema) []domain.RawRecord {
	obj := objectOrEmpty(packet)

	arrays := make(map[string][]json.RawMessage, len(s.PerFix))
	shapeErrs := make(map[string]error)
	n, anyArray := 0, false
	for _, key := range s.PerFix {
		v, ok := obj[key]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			continue
		}
		var arr []json.RawMessage
		if err := json.Unmarshal(v, &arr); err != nil {
			shapeErrs[key] = fmt.Errorf("%q is not an array", key)
			continue
		}
		anyArray = true
		arrays[key] = arr
		n = max(n, len(arr))
	}
	// A packet without usable arrays still yields one record so that it is
	// rejected and shows up in debug output.
	if !anyArray {
		n = 1
	}

	for i := 0; i < n; i++ {
		fix := make(map[string]json.RawMessage, len(obj))
		for k, v := range obj {
			if !s.IsPerFix(k) {
				fix[k] = v
				continue
			}
			if arr, ok := arrays[k]; ok && i < len(arr) {
				fix[k] = arr[i]
			}
		}

		raw := packet
		if anyArray {
			// Map keys marshal sorted, which keeps the debug output stable.
			b, err := json.Marshal(fix)
			if err == nil {
				raw = b
			}
		}

		rec := domain.NewRawRecord(len(records), fix, raw, s)
		for key, err := range shapeErrs {
			rec.MarkMalformed(key, s, err)
		}
		records = append(records, rec)
	}
	return records
}

func objectOrEmpty(raw json.RawMessage) map[string]json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return map[string]json.RawMessage{}
	}
	return obj
}
