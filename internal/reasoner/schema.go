// Package reasoner is the single boundary to the generative model.
// Every call carries a role prompt and an output schema; output that
// does not validate against the schema is retried a bounded number of
// times and then surfaced as an error, never passed downstream.
package reasoner

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// FieldType enumerates the JSON types a schema field may declare.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldInteger FieldType = "integer"
	FieldBoolean FieldType = "boolean"
	FieldArray   FieldType = "array"
	FieldObject  FieldType = "object"
)

// Field is one declared output field.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
	// Enum restricts a string field to the listed values.
	Enum []string
	// Items validates each element of an array field when set.
	Items *Field
}

// Schema declares the shape a structured unit output must have. It is
// deliberately flat-ish: one level of named fields, with per-element
// validation for arrays. That covers every unit output without
// dragging in a JSON Schema implementation.
type Schema struct {
	Name   string
	Fields []Field
}

// Validate checks raw against the schema. The error names the first
// offending field so retry prompts can quote it.
func (s *Schema) Validate(raw json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("%s output is not a JSON object: %w", s.Name, err)
	}

	for _, f := range s.Fields {
		val, ok := obj[f.Name]
		if !ok {
			if f.Required {
				return fmt.Errorf("%s output missing required field %q", s.Name, f.Name)
			}
			continue
		}
		if err := checkField(f, val); err != nil {
			return fmt.Errorf("%s output field %q: %w", s.Name, f.Name, err)
		}
	}
	return nil
}

func checkField(f Field, raw json.RawMessage) error {
	switch f.Type {
	case FieldString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("expected string, got %s", snippet(raw))
		}
		if len(f.Enum) > 0 {
			for _, allowed := range f.Enum {
				if s == allowed {
					return nil
				}
			}
			return fmt.Errorf("value %q not in {%s}", s, strings.Join(f.Enum, ", "))
		}
	case FieldNumber:
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return fmt.Errorf("expected number, got %s", snippet(raw))
		}
	case FieldInteger:
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil || n != math.Trunc(n) {
			return fmt.Errorf("expected integer, got %s", snippet(raw))
		}
	case FieldBoolean:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return fmt.Errorf("expected boolean, got %s", snippet(raw))
		}
	case FieldArray:
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("expected array, got %s", snippet(raw))
		}
		if f.Items != nil {
			for i, item := range items {
				if err := checkField(*f.Items, item); err != nil {
					return fmt.Errorf("element %d: %w", i, err)
				}
			}
		}
	case FieldObject:
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return fmt.Errorf("expected object, got %s", snippet(raw))
		}
	default:
		return fmt.Errorf("schema declares unknown type %q", f.Type)
	}
	return nil
}

func snippet(raw json.RawMessage) string {
	s := string(raw)
	if len(s) > 40 {
		s = s[:40] + "..."
	}
	return s
}

// PromptFragment renders the schema as prompt instructions so the
// model sees the exact field contract it will be validated against.
func (s *Schema) PromptFragment() string {
	var b strings.Builder
	b.WriteString("Respond with a single JSON object with these fields:\n")
	for _, f := range s.Fields {
		b.WriteString("- ")
		b.WriteString(f.Name)
		b.WriteString(" (")
		b.WriteString(string(f.Type))
		if !f.Required {
			b.WriteString(", optional")
		}
		if len(f.Enum) > 0 {
			b.WriteString(", one of: ")
			b.WriteString(strings.Join(f.Enum, "|"))
		}
		b.WriteString(")\n")
	}
	b.WriteString("No prose outside the JSON object.")
	return b.String()
}
