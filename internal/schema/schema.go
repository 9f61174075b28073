// Package schema describes collection schemas and the typed document fields
// validated against them at the write boundary.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"

	"zkdocdb/server/internal/dberr"
	"zkdocdb/server/internal/hashing"
)

// FieldDef declares one named, typed field of a collection.
type FieldDef struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// Schema is the ordered list of fields every document of a collection carries.
type Schema struct {
	Fields []FieldDef `json:"fields"`
}

// Field is one name/kind/value triple of a document revision.
type Field struct {
	Name  string
	Kind  Kind
	Value Value
}

type fieldJSON struct {
	Name  string          `json:"name"`
	Kind  Kind            `json:"kind"`
	Value json.RawMessage `json:"value"`
}

func (f Field) MarshalJSON() ([]byte, error) {
	value, err := json.Marshal(f.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(fieldJSON{Name: f.Name, Kind: f.Kind, Value: value})
}

func (f *Field) UnmarshalJSON(data []byte) error {
	var raw fieldJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	value, err := ParseJSON(raw.Kind, raw.Value)
	if err != nil {
		return fmt.Errorf("field %q: %w", raw.Name, err)
	}
	*f = Field{Name: raw.Name, Kind: raw.Kind, Value: value}
	return nil
}

// Validate checks the schema definition itself.
func (s Schema) Validate() error {
	if len(s.Fields) == 0 {
		return dberr.Validation("schema must declare at least one field")
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for _, def := range s.Fields {
		if def.Name == "" {
			return dberr.Validation("schema field name is required")
		}
		if !def.Kind.Valid() {
			return dberr.Validation("field %q has unsupported kind %q", def.Name, def.Kind)
		}
		if _, dup := seen[def.Name]; dup {
			return dberr.Validation("field %q declared twice", def.Name)
		}
		seen[def.Name] = struct{}{}
	}
	return nil
}

func (s Schema) lookup(name string) (FieldDef, bool) {
	for _, def := range s.Fields {
		if def.Name == name {
			return def, true
		}
	}
	return FieldDef{}, false
}

// Build validates input against the schema and returns the document fields in
// schema order. Every declared field must be present; unknown names are rejected.
func (s Schema) Build(input map[string]json.RawMessage) ([]Field, error) {
	if err := s.rejectUnknown(input); err != nil {
		return nil, err
	}
	fields := make([]Field, 0, len(s.Fields))
	for _, def := range s.Fields {
		raw, ok := input[def.Name]
		if !ok {
			return nil, dberr.Validation("missing field %q", def.Name)
		}
		value, err := ParseJSON(def.Kind, raw)
		if err != nil {
			return nil, dberr.Validation("field %q: %v", def.Name, err)
		}
		fields = append(fields, Field{Name: def.Name, Kind: def.Kind, Value: value})
	}
	return fields, nil
}

// Merge applies a partial change set on top of current, validating only the
// changed fields. The result keeps schema order.
func (s Schema) Merge(current []Field, changes map[string]json.RawMessage) ([]Field, error) {
	if len(changes) == 0 {
		return nil, dberr.Validation("update must change at least one field")
	}
	if err := s.rejectUnknown(changes); err != nil {
		return nil, err
	}
	byName := make(map[string]Field, len(current))
	for _, f := range current {
		byName[f.Name] = f
	}
	merged := make([]Field, 0, len(s.Fields))
	for _, def := range s.Fields {
		if raw, ok := changes[def.Name]; ok {
			value, err := ParseJSON(def.Kind, raw)
			if err != nil {
				return nil, dberr.Validation("field %q: %v", def.Name, err)
			}
			merged = append(merged, Field{Name: def.Name, Kind: def.Kind, Value: value})
			continue
		}
		existing, ok := byName[def.Name]
		if !ok || existing.Kind != def.Kind {
			return nil, dberr.Validation("stored document does not match schema at field %q", def.Name)
		}
		merged = append(merged, existing)
	}
	return merged, nil
}

// Filter parses an equality filter. Field order follows the schema so that
// identical filters produce identical queries.
func (s Schema) Filter(query map[string]json.RawMessage) ([]Field, error) {
	if err := s.rejectUnknown(query); err != nil {
		return nil, err
	}
	filter := make([]Field, 0, len(query))
	for _, def := range s.Fields {
		raw, ok := query[def.Name]
		if !ok {
			continue
		}
		value, err := ParseJSON(def.Kind, raw)
		if err != nil {
			return nil, dberr.Validation("filter %q: %v", def.Name, err)
		}
		filter = append(filter, Field{Name: def.Name, Kind: def.Kind, Value: value})
	}
	return filter, nil
}

func (s Schema) rejectUnknown(input map[string]json.RawMessage) error {
	var unknown []string
	for name := range input {
		if _, ok := s.lookup(name); !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return dberr.Validation("unknown fields %v", unknown)
	}
	return nil
}

// Commitment is the Merkle leaf value of a document revision.
func Commitment(fields []Field) hashing.Field {
	elements := make([]hashing.Field, 0, 2*len(fields))
	for _, f := range fields {
		elements = append(elements, hashing.FromString(f.Name), f.Value.Element())
	}
	return hashing.HashMany(elements)
}
