package jsonrepair

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepairLeavesWellFormedJSONUnchanged(t *testing.T) {
	in := `{"name": "get_weather", "arguments": {"location": "Boston", "days": [1, 2]}}`
	assert.Equal(t, in, Repair(in))
}

func TestRepairClosesOpenBrackets(t *testing.T) {
	out := Repair(`{"name": "get_weather", "arguments": {"days": [1, 2`)
	assert.Equal(t, `{"name": "get_weather", "arguments": {"days": [1, 2]}}`, out)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
}

func TestRepairDropsUnmatchedClosers(t *testing.T) {
	assert.Equal(t, `{"a": 1}`, Repair(`{"a": 1}]}`))
	assert.Equal(t, `[1, 2]`, Repair(`[1, 2]]`))
}

func TestRepairNormalizesSingleQuotes(t *testing.T) {
	out := Repair(`{'name': 'get_weather'}`)
	assert.Equal(t, `{"name": "get_weather"}`, out)
}

func TestRepairTrimsWhitespace(t *testing.T) {
	assert.Equal(t, `{"a": 1}`, Repair("  {\"a\": 1}\n"))
}

func TestRepairIsIdempotent(t *testing.T) {
	inputs := []string{
		`{"a": {"b": [1, 2`,
		`{'a': 'b'}]`,
		`]]{"a": 1`,
		`{"name": "f", "arguments": {}}`,
	}
	for _, in := range inputs {
		once := Repair(in)
		assert.Equal(t, once, Repair(once), "input %q", in)
	}
}
