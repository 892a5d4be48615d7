package elicitation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const profileSchema = `{
	"type": "object",
	"properties": {
		"name":     {"type": "string", "title": "Name", "minLength": 2},
		"age":      {"type": "integer", "minimum": 0, "maximum": 150},
		"subscribe":{"type": "boolean"},
		"plan":     {"type": "string", "enum": ["free", "pro"], "enumNames": ["Free tier", "Pro tier"]},
		"region":   {"type": "string", "oneOf": [{"const": "eu", "title": "Europe"}, {"const": "us", "title": "United States"}]},
		"tags":     {"type": "array", "items": {"type": "string", "enum": ["a", "b", "c"]}},
		"email":    {"type": "string", "format": "email"}
	},
	"required": ["name", "email"]
}`

func TestParseFormKeepsOrderAndClassifies(t *testing.T) {
	t.Parallel()

	form, err := ParseForm(json.RawMessage(profileSchema))
	require.NoError(t, err)

	var names []string
	kinds := map[string]FieldKind{}
	byName := map[string]Field{}
	for _, f := range form.Fields {
		names = append(names, f.Name)
		kinds[f.Name] = f.Kind
		byName[f.Name] = f
	}
	assert.Equal(t, []string{"name", "age", "subscribe", "plan", "region", "tags", "email"}, names)
	assert.Equal(t, map[string]FieldKind{
		"name":      KindInput,
		"age":       KindInput,
		"subscribe": KindBoolean,
		"plan":      KindEnum,
		"region":    KindEnum,
		"tags":      KindMultiEnum,
		"email":     KindInput,
	}, kinds)

	assert.True(t, byName["name"].Required)
	assert.False(t, byName["age"].Required)
	assert.Equal(t, "Name", byName["name"].Label())
	assert.Equal(t, "age", byName["age"].Label())
	assert.Equal(t, []Option{{Value: "free", Label: "Free tier"}, {Value: "pro", Label: "Pro tier"}}, byName["plan"].Options)
	assert.Equal(t, []Option{{Value: "eu", Label: "Europe"}, {Value: "us", Label: "United States"}}, byName["region"].Options)
	assert.Len(t, byName["tags"].Options, 3)
}

func TestParseFormEmptySchema(t *testing.T) {
	t.Parallel()
	form, err := ParseForm(nil)
	require.NoError(t, err)
	assert.Empty(t, form.Fields)

	_, err = ParseForm(json.RawMessage(`{"properties": [1]}`))
	require.Error(t, err)
}

func TestFieldValidate(t *testing.T) {
	t.Parallel()

	minLen, maxLen := 2, 4
	minimum, maximum := 1.0, 10.0
	cases := []struct {
		name  string
		field Field
		text  string
		ok    bool
	}{
		{"email rejects", Field{Type: "string", Format: "email", Required: true}, "not-an-email", false},
		{"email accepts", Field{Type: "string", Format: "email", Required: true}, "a@b.com", true},
		{"required empty", Field{Type: "string", Required: true}, "", false},
		{"optional empty", Field{Type: "string"}, "", true},
		{"uri", Field{Type: "string", Format: "uri"}, "https://example.com/x", true},
		{"uri without scheme", Field{Type: "string", Format: "uri"}, "example", false},
		{"date", Field{Type: "string", Format: "date"}, "2024-02-29", true},
		{"date impossible", Field{Type: "string", Format: "date"}, "2023-02-30", false},
		{"date wrong shape", Field{Type: "string", Format: "date"}, "02/03/2024", false},
		{"date-time", Field{Type: "string", Format: "date-time"}, "2024-01-02T03:04:05Z", true},
		{"date-time bad", Field{Type: "string", Format: "date-time"}, "yesterday", false},
		{"date-time minutes", Field{Type: "string", Format: "date-time"}, "2024-01-01T10:00", true},
		{"date-time seconds", Field{Type: "string", Format: "date-time"}, "2024-01-01T10:00:30", true},
		{"date-time space", Field{Type: "string", Format: "date-time"}, "2024-01-01 10:00", true},
		{"date-time offset", Field{Type: "string", Format: "date-time"}, "2024-01-01T10:00:00+02:00", true},
		{"date-time no time", Field{Type: "string", Format: "date-time"}, "2024-01-01", false},
		{"date-time bad hour", Field{Type: "string", Format: "date-time"}, "2024-01-01T25:00", false},
		{"integer", Field{Type: "integer"}, "42", true},
		{"integer fraction", Field{Type: "integer"}, "4.2", false},
		{"number", Field{Type: "number"}, "4.2", true},
		{"number junk", Field{Type: "number"}, "four", false},
		{"below minimum", Field{Type: "number", Minimum: &minimum}, "0.5", false},
		{"above maximum", Field{Type: "integer", Maximum: &maximum}, "11", false},
		{"too short", Field{Type: "string", MinLength: &minLen}, "é", false},
		{"too long", Field{Type: "string", MaxLength: &maxLen}, "abcde", false},
		{"length ok", Field{Type: "string", MinLength: &minLen, MaxLength: &maxLen}, "héé", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.field.Validate(tc.text)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestFieldConvertAndPick(t *testing.T) {
	t.Parallel()

	v, err := Field{Type: "integer"}.Convert("7")
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	v, err = Field{Type: "number"}.Convert("1.5")
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	v, err = Field{Type: "string", Format: "date-time"}.Convert("2024-01-01T10:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.Local).Format(time.RFC3339Nano), v)

	v, err = Field{Type: "string", Format: "date-time"}.Convert("2024-01-01T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T10:00:00Z", v)

	enum := Field{Name: "plan", Kind: KindEnum, Options: []Option{{Value: "free"}, {Value: "pro"}}}
	v, err = enum.Pick([]int{1})
	require.NoError(t, err)
	assert.Equal(t, "pro", v)
	_, err = enum.Pick([]int{0, 1})
	assert.Error(t, err)
	_, err = enum.Pick([]int{5})
	assert.Error(t, err)

	multi := Field{Name: "tags", Kind: KindMultiEnum, Required: true, Options: []Option{{Value: "a"}, {Value: "b"}}}
	v, err = multi.Pick([]int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, v)
	_, err = multi.Pick(nil)
	assert.Error(t, err)
}

func TestValidateContent(t *testing.T) {
	t.Parallel()
	form, err := ParseForm(json.RawMessage(`{
		"type": "object",
		"properties": {"email": {"type": "string"}, "age": {"type": "integer"}},
		"required": ["email"]
	}`))
	require.NoError(t, err)

	assert.NoError(t, form.ValidateContent(map[string]any{"email": "a@b.com", "age": int64(3)}))
	assert.Error(t, form.ValidateContent(map[string]any{"age": int64(3)}))
}

func TestFromSDK(t *testing.T) {
	t.Parallel()

	req, err := FromSDK(map[string]any{
		"message":         "Who are you?",
		"requestedSchema": map[string]any{"type": "object"},
	})
	require.NoError(t, err)
	assert.Equal(t, ModeForm, req.Mode)
	assert.JSONEq(t, `{"type":"object"}`, string(req.RequestedSchema))

	req, err = FromSDK(map[string]any{
		"mode":          "url",
		"message":       "Sign in",
		"url":           "https://example.com/login",
		"elicitationId": "e-1",
	})
	require.NoError(t, err)
	assert.Equal(t, ModeURL, req.Mode)
	assert.Equal(t, "e-1", req.ElicitationID)

	_, err = FromSDK(map[string]any{"mode": "url", "message": "no url"})
	assert.Error(t, err)
	_, err = FromSDK(map[string]any{"mode": "telepathy"})
	assert.Error(t, err)
}

func TestCompletionID(t *testing.T) {
	t.Parallel()
	id, ok := CompletionID(map[string]any{"elicitationId": "e-9"})
	require.True(t, ok)
	assert.Equal(t, "e-9", id)
	_, ok = CompletionID(map[string]any{})
	assert.False(t, ok)
}

func TestResultToSDK(t *testing.T) {
	t.Parallel()
	got := Result{Action: ActionAccept, Content: map[string]any{"x": 1}}.ToSDK()
	assert.Equal(t, &mcp.ElicitResult{Action: "accept", Content: map[string]any{"x": 1}}, got)
}
