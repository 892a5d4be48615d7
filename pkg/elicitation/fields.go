package elicitation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/jsonschema-go/jsonschema"
)

// FieldKind selects how a field is asked for.
type FieldKind int

const (
	KindInput FieldKind = iota
	KindBoolean
	KindEnum
	KindMultiEnum
)

func (k FieldKind) String() string {
	switch k {
	case KindBoolean:
		return "boolean"
	case KindEnum:
		return "enum"
	case KindMultiEnum:
		return "multi-enum"
	default:
		return "input"
	}
}

// Option is one selectable value with the label shown for it.
type Option struct {
	Value any
	Label string
}

// Field is one property of a requested schema.
type Field struct {
	Name        string
	Title       string
	Description string
	Required    bool
	Kind        FieldKind
	// Type is the JSON type of the value: string, number, integer, boolean
	// or array.
	Type      string
	Format    string
	Options   []Option
	MinLength *int
	MaxLength *int
	Minimum   *float64
	Maximum   *float64
}

// Label is the title or, failing that, the property name.
func (f Field) Label() string {
	if f.Title != "" {
		return f.Title
	}
	return f.Name
}

// Form is a parsed requested schema.
type Form struct {
	Fields []Field
	schema *jsonschema.Schema
}

// ParseForm reads the fields of a requested schema in declaration order.
func ParseForm(raw json.RawMessage) (*Form, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return &Form{}, nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("elicitation: decode requested schema: %w", err)
	}
	order, extras, err := propertyOrder(raw)
	if err != nil {
		return nil, err
	}
	required := make(map[string]bool, len(schema.Required))
	for _, r := range schema.Required {
		required[r] = true
	}
	form := &Form{schema: &schema}
	for _, name := range order {
		prop := schema.Properties[name]
		if prop == nil {
			continue
		}
		form.Fields = append(form.Fields, classify(name, prop, required[name], extras[name].EnumNames))
	}
	return form, nil
}

type propertyExtras struct {
	EnumNames []string `json:"enumNames"`
}

// propertyOrder walks the raw "properties" object to recover key order,
// which decoding into a map loses.
func propertyOrder(raw json.RawMessage) ([]string, map[string]propertyExtras, error) {
	var top struct {
		Properties json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, nil, fmt.Errorf("elicitation: decode requested schema: %w", err)
	}
	if len(top.Properties) == 0 {
		return nil, nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(top.Properties))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, fmt.Errorf("elicitation: read properties: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("elicitation: properties is not an object")
	}
	var order []string
	extras := make(map[string]propertyExtras)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, fmt.Errorf("elicitation: read properties: %w", err)
		}
		name, _ := tok.(string)
		var ex propertyExtras
		if err := dec.Decode(&ex); err != nil {
			return nil, nil, fmt.Errorf("elicitation: read property %q: %w", name, err)
		}
		order = append(order, name)
		extras[name] = ex
	}
	return order, extras, nil
}

func classify(name string, s *jsonschema.Schema, required bool, enumNames []string) Field {
	f := Field{
		Name:        name,
		Title:       s.Title,
		Description: s.Description,
		Required:    required,
		Type:        schemaType(s),
		Format:      s.Format,
		MinLength:   s.MinLength,
		MaxLength:   s.MaxLength,
		Minimum:     s.Minimum,
		Maximum:     s.Maximum,
	}
	switch {
	case f.Type == "boolean":
		f.Kind = KindBoolean
		f.Options = []Option{{Value: true, Label: "Yes"}, {Value: false, Label: "No"}}
	case f.Type == "array" && s.Items != nil:
		if opts := options(s.Items, nil); len(opts) > 0 {
			f.Kind = KindMultiEnum
			f.Options = opts
		}
	default:
		if opts := options(s, enumNames); len(opts) > 0 {
			f.Kind = KindEnum
			f.Options = opts
		}
	}
	if f.Type == "" {
		f.Type = "string"
	}
	return f
}

func schemaType(s *jsonschema.Schema) string {
	if s.Type != "" {
		return s.Type
	}
	for _, t := range s.Types {
		if t != "null" {
			return t
		}
	}
	return ""
}

// options returns explicit value/label pairs from oneOf/anyOf consts, or the
// enum values labelled by enumNames when present.
func options(s *jsonschema.Schema, enumNames []string) []Option {
	var out []Option
	for _, branch := range append(append([]*jsonschema.Schema(nil), s.OneOf...), s.AnyOf...) {
		if branch == nil || branch.Const == nil {
			continue
		}
		v := *branch.Const
		label := branch.Title
		if label == "" {
			label = fmt.Sprint(v)
		}
		out = append(out, Option{Value: v, Label: label})
	}
	if len(out) > 0 {
		return out
	}
	for i, v := range s.Enum {
		label := fmt.Sprint(v)
		if i < len(enumNames) && enumNames[i] != "" {
			label = enumNames[i]
		}
		out = append(out, Option{Value: v, Label: label})
	}
	return out
}

var errRequired = errors.New("this field is required")

// Validate checks raw text typed for an input field.
func (f Field) Validate(text string) error {
	if text == "" {
		if f.Required {
			return errRequired
		}
		return nil
	}
	switch f.Type {
	case "number", "integer":
		n, err := f.number(text)
		if err != nil {
			return err
		}
		if f.Minimum != nil && n < *f.Minimum {
			return fmt.Errorf("must be at least %s", formatNumber(*f.Minimum))
		}
		if f.Maximum != nil && n > *f.Maximum {
			return fmt.Errorf("must be at most %s", formatNumber(*f.Maximum))
		}
		return nil
	}

	n := utf8.RuneCountInString(text)
	if f.MinLength != nil && n < *f.MinLength {
		return fmt.Errorf("must be at least %d characters", *f.MinLength)
	}
	if f.MaxLength != nil && n > *f.MaxLength {
		return fmt.Errorf("must be at most %d characters", *f.MaxLength)
	}
	switch f.Format {
	case "email":
		if !strings.Contains(text, "@") {
			return errors.New("please enter a valid email address")
		}
	case "uri":
		u, err := url.Parse(text)
		if err != nil || u.Scheme == "" {
			return errors.New("please enter a valid URI")
		}
	case "date":
		if _, err := time.Parse(time.DateOnly, text); err != nil {
			return errors.New("please enter a valid date (YYYY-MM-DD)")
		}
	case "date-time":
		if _, err := parseDateTime(text); err != nil {
			return errors.New("please enter a valid date and time (YYYY-MM-DDTHH:MM, optionally with seconds and a zone)")
		}
	}
	return nil
}

func (f Field) number(text string) (float64, error) {
	if f.Type == "integer" {
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return 0, errors.New("please enter a whole number")
		}
		return float64(i), nil
	}
	n, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, errors.New("please enter a number")
	}
	return n, nil
}

// Convert turns validated input text into the value sent to the server.
func (f Field) Convert(text string) (any, error) {
	if err := f.Validate(text); err != nil {
		return nil, err
	}
	switch f.Type {
	case "integer":
		return strconv.ParseInt(text, 10, 64)
	case "number":
		return strconv.ParseFloat(text, 64)
	}
	if f.Format == "date-time" && text != "" {
		t, err := parseDateTime(text)
		if err != nil {
			return nil, err
		}
		return t.Format(time.RFC3339Nano), nil
	}
	return text, nil
}

// dateTimeLayouts are tried in order. Inputs without a zone are read in the
// local time zone.
var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

func parseDateTime(text string) (time.Time, error) {
	var err error
	for _, layout := range dateTimeLayouts {
		t, perr := time.ParseInLocation(layout, text, time.Local)
		if perr == nil {
			return t, nil
		}
		err = perr
	}
	return time.Time{}, err
}

// Pick turns selected option indexes into the value sent to the server.
func (f Field) Pick(picked []int) (any, error) {
	for _, i := range picked {
		if i < 0 || i >= len(f.Options) {
			return nil, fmt.Errorf("elicitation: option %d out of range for %q", i, f.Name)
		}
	}
	if f.Kind == KindMultiEnum {
		if f.Required && len(picked) == 0 {
			return nil, errRequired
		}
		values := make([]any, 0, len(picked))
		for _, i := range picked {
			values = append(values, f.Options[i].Value)
		}
		return values, nil
	}
	if len(picked) != 1 {
		return nil, errors.New("please pick one option")
	}
	return f.Options[picked[0]].Value, nil
}

func formatNumber(n float64) string { return strconv.FormatFloat(n, 'f', -1, 64) }

// ValidateContent checks the assembled content against the requested schema.
func (f *Form) ValidateContent(content map[string]any) error {
	if f.schema == nil {
		return nil
	}
	resolved, err := f.schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("elicitation: resolve requested schema: %w", err)
	}
	// Round-trip so numbers reach the validator as JSON would deliver them.
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("elicitation: encode content: %w", err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("elicitation: decode content: %w", err)
	}
	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("elicitation: content does not match requested schema: %w", err)
	}
	return nil
}
