// Package schema validates tool-call arguments against the JSON Schema
// declared by a tool. Schemas are compiled once, when the owning service
// registers, and are immutable for the lifetime of the process.
//
// Validation errors are flattened into FieldError values rooted at
// "arguments" (for example "arguments.limit" or "arguments.paths[2]") so a
// client can fix the offending field directly.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
)

// RootPath prefixes every reported path.
const RootPath = "arguments"

// FieldError describes one violation.
type FieldError struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Received string `json:"received"`
}

func (e FieldError) String() string {
	return e.Path + ": expected " + e.Expected + ", received " + e.Received
}

// Schema is a compiled tool input schema.
type Schema struct {
	sch *jsonschema.Schema
}

// ErrEmptySchema is returned by Compile for an empty document.
var ErrEmptySchema = errors.New("schema is empty")

// Compile compiles the provided JSON schema. Regular expressions use Go's
// RE2 engine, so pattern matching is linear in the input size.
func Compile(raw json.RawMessage) (*Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptySchema
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft2020)
	// anonymous in-memory schema from parsed JSON
	if err := c.AddResource("mem://schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	sch, err := c.Compile("mem://schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{sch: sch}, nil
}

// ValidateJSON decodes raw arguments and validates them. Absent or null
// arguments are treated as an empty object.
func (s *Schema) ValidateJSON(raw json.RawMessage) []FieldError {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return s.Validate(map[string]any{})
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(trimmed))
	if err != nil {
		return []FieldError{{Path: RootPath, Expected: "valid JSON", Received: "malformed JSON"}}
	}
	return s.Validate(v)
}

// Validate validates a decoded JSON value. Values decoded with
// encoding/json (float64 numbers) and json.Number are both accepted.
// The result is nil when v conforms.
func (s *Schema) Validate(v any) []FieldError {
	if s == nil || s.sch == nil {
		return nil
	}
	if v == nil {
		v = map[string]any{}
	}
	err := s.sch.Validate(v)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []FieldError{{Path: RootPath, Expected: "valid arguments", Received: "unvalidatable value"}}
	}
	var out []ranked
	collect(verr, v, &out)
	// required violations are reported before per-field checks
	sort.SliceStable(out, func(i, j int) bool { return out[i].rank < out[j].rank })
	seen := make(map[FieldError]bool, len(out))
	errs := make([]FieldError, 0, len(out))
	for _, r := range out {
		if seen[r.FieldError] {
			continue
		}
		seen[r.FieldError] = true
		errs = append(errs, r.FieldError)
	}
	return errs
}

type ranked struct {
	FieldError
	rank int
}

func collect(e *jsonschema.ValidationError, inst any, out *[]ranked) {
	if len(e.Causes) > 0 {
		for _, c := range e.Causes {
			collect(c, inst, out)
		}
		return
	}
	base := formatPath(inst, e.InstanceLocation)
	switch k := e.ErrorKind.(type) {
	case *kind.Required:
		for _, m := range k.Missing {
			*out = append(*out, ranked{FieldError{Path: base + "." + m, Expected: "required", Received: "missing"}, 0})
		}
	case *kind.AdditionalProperties:
		for _, p := range k.Properties {
			*out = append(*out, ranked{FieldError{Path: base + "." + p, Expected: "no additional properties", Received: "present"}, 1})
		}
	case *kind.Type:
		*out = append(*out, ranked{FieldError{Path: base, Expected: strings.Join(k.Want, " or "), Received: k.Got}, 1})
	case *kind.Enum:
		want := make([]string, 0, len(k.Want))
		for _, w := range k.Want {
			want = append(want, display(w))
		}
		*out = append(*out, ranked{FieldError{Path: base, Expected: "one of " + strings.Join(want, ", "), Received: display(k.Got)}, 1})
	case *kind.Pattern:
		*out = append(*out, ranked{FieldError{Path: base, Expected: "string matching " + strconv.Quote(k.Want), Received: strconv.Quote(k.Got)}, 1})
	case *kind.Minimum:
		*out = append(*out, ranked{FieldError{Path: base, Expected: ">= " + ratString(k.Want), Received: ratString(k.Got)}, 1})
	case *kind.Maximum:
		*out = append(*out, ranked{FieldError{Path: base, Expected: "<= " + ratString(k.Want), Received: ratString(k.Got)}, 1})
	case *kind.MinLength:
		*out = append(*out, ranked{FieldError{Path: base, Expected: fmt.Sprintf("length >= %d", k.Want), Received: fmt.Sprintf("length %d", k.Got)}, 1})
	case *kind.MaxLength:
		*out = append(*out, ranked{FieldError{Path: base, Expected: fmt.Sprintf("length <= %d", k.Want), Received: fmt.Sprintf("length %d", k.Got)}, 1})
	case *kind.MinItems:
		*out = append(*out, ranked{FieldError{Path: base, Expected: fmt.Sprintf("at least %d items", k.Want), Received: fmt.Sprintf("%d items", k.Got)}, 1})
	case *kind.MaxItems:
		*out = append(*out, ranked{FieldError{Path: base, Expected: fmt.Sprintf("at most %d items", k.Want), Received: fmt.Sprintf("%d items", k.Got)}, 1})
	case *kind.FalseSchema:
		*out = append(*out, ranked{FieldError{Path: base, Expected: "absent", Received: "present"}, 1})
	default:
		*out = append(*out, ranked{FieldError{Path: base, Expected: "valid " + strings.Join(e.ErrorKind.KeywordPath(), "/"), Received: typeName(lookup(inst, e.InstanceLocation))}, 1})
	}
}

// formatPath renders an instance location, using the instance itself to
// tell array indexes from object keys.
func formatPath(inst any, loc []string) string {
	var b strings.Builder
	b.WriteString(RootPath)
	cur := inst
	for _, tok := range loc {
		switch c := cur.(type) {
		case []any:
			b.WriteString("[" + tok + "]")
			if i, err := strconv.Atoi(tok); err == nil && i >= 0 && i < len(c) {
				cur = c[i]
			} else {
				cur = nil
			}
		case map[string]any:
			b.WriteString("." + tok)
			cur = c[tok]
		default:
			b.WriteString("." + tok)
			cur = nil
		}
	}
	return b.String()
}

func lookup(inst any, loc []string) any {
	cur := inst
	for _, tok := range loc {
		switch c := cur.(type) {
		case []any:
			i, err := strconv.Atoi(tok)
			if err != nil || i < 0 || i >= len(c) {
				return nil
			}
			cur = c[i]
		case map[string]any:
			cur = c[tok]
		default:
			return nil
		}
	}
	return cur
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case json.Number, float32, float64, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func display(v any) string {
	switch t := v.(type) {
	case string:
		return strconv.Quote(t)
	case nil:
		return "null"
	case map[string]any, []any:
		return typeName(v)
	default:
		return fmt.Sprint(t)
	}
}

func ratString(r *big.Rat) string {
	if r == nil {
		return "?"
	}
	if r.IsInt() {
		return r.Num().String()
	}
	f, _ := r.Float64()
	return strconv.FormatFloat(f, 'g', -1, 64)
}
