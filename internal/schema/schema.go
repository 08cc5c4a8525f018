// Package schema describes the vendor JSON layouts the extractor understands.
//
// A Schema names the keys that hold the coordinates, timestamp and user id of
// a tracking record, how the records are laid out in the document, and a few
// per-vendor parsing switches. Schemas are versioned: the built-in ones are
// registered by name and a YAML file can supply a new version without a
// rebuild.
package schema

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// Layout selects how records are arranged in the input document.
type Layout string

const (
	// LayoutPackets is the StorageConnect export: a top-level object whose
	// records key holds packets, each with parallel per-fix arrays.
	LayoutPackets Layout = "packets"

	// LayoutRecords is a flat array of record objects, either the document
	// itself or the value of the records key.
	LayoutRecords Layout = "records"
)

// EpochUnit selects how numeric timestamps are interpreted.
type EpochUnit string

const (
	EpochAuto         EpochUnit = "auto"
	EpochSeconds      EpochUnit = "s"
	EpochMilliseconds EpochUnit = "ms"
)

// Fields maps canonical feature fields to vendor keys. Keys may be dotted
// paths into nested objects in the records layout.
type Fields struct {
	Longitude string `yaml:"longitude"`
	Latitude  string `yaml:"latitude"`
	Timestamp string `yaml:"timestamp"`
	UserID    string `yaml:"user_id"`
}

// Schema is one version of a vendor export format.
type Schema struct {
	Version    string `yaml:"version"`
	Layout     Layout `yaml:"layout"`
	RecordsKey string `yaml:"records_key"`
	Fields     Fields `yaml:"fields"`

	// PerFix lists packet keys holding one value per fix. Every other
	// packet key is copied to each fix unchanged. Packets layout only.
	PerFix []string `yaml:"per_fix"`

	// Attributes restricts passthrough attributes to these keys. Empty
	// means every key not mapped in Fields.
	Attributes []string `yaml:"attributes"`

	DecimalComma     bool      `yaml:"decimal_comma"`
	TimestampLayouts []string  `yaml:"timestamp_layouts"`
	TimeZone         string    `yaml:"timezone"`
	EpochUnit        EpochUnit `yaml:"epoch_unit"`
	RejectNullIsland bool      `yaml:"reject_null_island"`

	// DetailAttribute is shown next to each user in the report.
	DetailAttribute string `yaml:"detail_attribute"`

	location *time.Location
}

// Default is the schema used when none is configured.
const Default = "storageconnect-v1"

var builtins = map[string]Schema{
	"storageconnect-v1": {
		Version:    "storageconnect-v1",
		Layout:     LayoutPackets,
		RecordsKey: "packets",
		Fields: Fields{
			Longitude: "longitude",
			Latitude:  "latitude",
			Timestamp: "timestamp",
			UserID:    "user_id",
		},
		PerFix:          []string{"longitude", "latitude", "timestamp", "accuracy"},
		Attributes:      []string{"accuracy", "device_details"},
		DecimalComma:    true,
		TimeZone:        "UTC",
		EpochUnit:       EpochAuto,
		DetailAttribute: "device_details",
	},
	"flat-v1": {
		Version: "flat-v1",
		Layout:  LayoutRecords,
		Fields: Fields{
			Longitude: "longitude",
			Latitude:  "latitude",
			Timestamp: "timestamp",
			UserID:    "user_id",
		},
		TimeZone:  "UTC",
		EpochUnit: EpochAuto,
	},
}

// Names returns the built-in schema versions in sorted order.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Builtin returns a validated copy of the named built-in schema.
func Builtin(name string) (Schema, error) {
	s, ok := builtins[name]
	if !ok {
		return Schema{}, fmt.Errorf("unknown schema %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	s.PerFix = append([]string(nil), s.PerFix...)
	s.Attributes = append([]string(nil), s.Attributes...)
	if err := s.Validate(); err != nil {
		return Schema{}, err
	}
	return s, nil
}

// LoadFile reads a schema from a YAML file. When the file sets base, the
// named built-in supplies every setting the file leaves empty.
func LoadFile(path string) (Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, fmt.Errorf("read schema file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML schema document.
func Parse(data []byte) (Schema, error) {
	var doc struct {
		Base   string `yaml:"base"`
		Schema `yaml:",inline"`
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return Schema{}, fmt.Errorf("parse schema: %w", err)
	}

	s := doc.Schema
	if doc.Base != "" {
		base, err := Builtin(doc.Base)
		if err != nil {
			return Schema{}, err
		}
		s = merge(base, s)
	}
	if s.TimeZone == "" {
		s.TimeZone = "UTC"
	}
	if s.EpochUnit == "" {
		s.EpochUnit = EpochAuto
	}
	if err := s.Validate(); err != nil {
		return Schema{}, err
	}
	return s, nil
}

func merge(base, over Schema) Schema {
	out := base
	if over.Version != "" {
		out.Version = over.Version
	}
	if over.Layout != "" {
		out.Layout = over.Layout
	}
	if over.RecordsKey != "" {
		out.RecordsKey = over.RecordsKey
	}
	if over.Fields.Longitude != "" {
		out.Fields.Longitude = over.Fields.Longitude
	}
	if over.Fields.Latitude != "" {
		out.Fields.Latitude = over.Fields.Latitude
	}
	if over.Fields.Timestamp != "" {
		out.Fields.Timestamp = over.Fields.Timestamp
	}
	if over.Fields.UserID != "" {
		out.Fields.UserID = over.Fields.UserID
	}
	if len(over.PerFix) > 0 {
		out.PerFix = over.PerFix
	}
	if len(over.Attributes) > 0 {
		out.Attributes = over.Attributes
	}
	if len(over.TimestampLayouts) > 0 {
		out.TimestampLayouts = over.TimestampLayouts
	}
	if over.TimeZone != "" {
		out.TimeZone = over.TimeZone
	}
	if over.EpochUnit != "" {
		out.EpochUnit = over.EpochUnit
	}
	if over.DetailAttribute != "" {
		out.DetailAttribute = over.DetailAttribute
	}
	// Booleans can only be switched on by an override.
	out.DecimalComma = out.DecimalComma || over.DecimalComma
	out.RejectNullIsland = out.RejectNullIsland || over.RejectNullIsland
	return out
}

// Validate checks the schema for missing or contradictory settings and
// resolves its time zone.
func (s *Schema) Validate() error {
	if s.Version == "" {
		return errors.New("schema version is required")
	}
	switch s.Layout {
	case LayoutPackets:
		if s.RecordsKey == "" {
			return fmt.Errorf("schema %s: records_key is required for the packets layout", s.Version)
		}
		if len(s.PerFix) == 0 {
			return fmt.Errorf("schema %s: per_fix is required for the packets layout", s.Version)
		}
	case LayoutRecords:
	default:
		return fmt.Errorf("schema %s: unknown layout %q", s.Version, s.Layout)
	}
	if s.Fields.Longitude == "" || s.Fields.Latitude == "" || s.Fields.Timestamp == "" || s.Fields.UserID == "" {
		return fmt.Errorf("schema %s: fields longitude, latitude, timestamp and user_id are all required", s.Version)
	}
	switch s.EpochUnit {
	case EpochAuto, EpochSeconds, EpochMilliseconds:
	default:
		return fmt.Errorf("schema %s: unknown epoch_unit %q", s.Version, s.EpochUnit)
	}
	loc, err := time.LoadLocation(s.TimeZone)
	if err != nil {
		return fmt.Errorf("schema %s: invalid timezone %q: %w", s.Version, s.TimeZone, err)
	}
	s.location = loc
	return nil
}

// Location returns the zone used for timestamps that carry no offset.
func (s Schema) Location() *time.Location {
	if s.location == nil {
		return time.UTC
	}
	return s.location
}

// IsPerFix reports whether key holds one value per fix in a packet.
func (s Schema) IsPerFix(key string) bool {
	for _, k := range s.PerFix {
		if k == key {
			return true
		}
	}
	return false
}

// Mapped reports whether key is one of the canonical feature fields.
func (s Schema) Mapped(key string) bool {
	switch key {
	case s.Fields.Longitude, s.Fields.Latitude, s.Fields.Timestamp, s.Fields.UserID:
		return true
	}
	return false
}

// Resolve loads the schema file when given, otherwise the named built-in.
func Resolve(name, file string) (Schema, error) {
	if file != "" {
		return LoadFile(file)
	}
	if name == "" {
		name = Default
	}
	return Builtin(name)
}
