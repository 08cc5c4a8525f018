package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the storage type inferred for a passthrough attribute.
type Kind int

const (
	KindText Kind = iota
	KindInteger
	KindReal
	KindBoolean
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	case KindBoolean:
		return "boolean"
	default:
		return "text"
	}
}

// Column is a passthrough attribute with its inferred kind.
type Column struct {
	Name string
	Kind Kind
}

// InferColumns returns one column per attribute key, sorted by name. A key
// is numeric or boolean only if every non-null value agrees; anything mixed
// falls back to text.
func InferColumns(features []Feature) []Column {
	names := AttributeNames(features)
	cols := make([]Column, 0, len(names))
	for _, name := range names {
		cols = append(cols, Column{Name: name, Kind: inferKind(features, name)})
	}
	return cols
}

func inferKind(features []Feature, name string) Kind {
	kind, seen := KindText, false
	for i := range features {
		v, ok := features[i].Attributes[name]
		if !ok || v == nil {
			continue
		}
		k := valueKind(v)
		switch {
		case !seen:
			kind, seen = k, true
		case kind == k:
		case kind == KindInteger && k == KindReal, kind == KindReal && k == KindInteger:
			kind = KindReal
		default:
			return KindText
		}
	}
	return kind
}

func valueKind(v any) Kind {
	switch v := v.(type) {
	case json.Number:
		if strings.ContainsAny(string(v), ".eE") {
			return KindReal
		}
		if _, err := v.Int64(); err != nil {
			return KindReal
		}
		return KindInteger
	case bool:
		return KindBoolean
	default:
		return KindText
	}
}

// Text renders an attribute value as its literal text. Null yields "".
func Text(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}
