package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docintel/internal/resilience"
)

var testSchema = MustCompileSchema("test", []byte(`{
  "type": "object",
  "required": ["costs"],
  "properties": {
    "costs": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "amount"],
        "properties": {
          "name": {"type": "string"},
          "amount": {"type": "number"}
        }
      }
    }
  }
}`))

type testCosts struct {
	Costs []struct {
		Name   string  `json:"name"`
		Amount float64 `json:"amount"`
	} `json:"costs"`
}

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fenced no lang", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around", "Here you go:\n{\"a\":1}\nThanks.", `{"a":1}`},
		{"unclosed", `{"a":[1,2`, `{"a":[1,2`},
		{"no object", "I could not find any costs.", ""},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanJSON(tt.in))
		})
	}
}

func TestDecode_Valid(t *testing.T) {
	var out testCosts
	err := Decode("extract", "```json\n{\"costs\":[{\"name\":\"Stamp Duty\",\"amount\":12500}]}\n```", testSchema, &out)
	require.NoError(t, err)
	require.Len(t, out.Costs, 1)
	assert.Equal(t, "Stamp Duty", out.Costs[0].Name)
	assert.Equal(t, 12500.0, out.Costs[0].Amount)
}

func TestDecode_RepairsTrailingComma(t *testing.T) {
	var out testCosts
	err := Decode("extract", `{"costs":[{"name":"Legal Fees","amount":3000},]}`, testSchema, &out)
	require.NoError(t, err)
	require.Len(t, out.Costs, 1)
	assert.Equal(t, "Legal Fees", out.Costs[0].Name)
}

func TestDecode_SchemaViolation(t *testing.T) {
	var out testCosts
	err := Decode("extract", `{"costs":[{"name":"Legal Fees","amount":"lots"}]}`, testSchema, &out)
	require.Error(t, err)

	var pe *resilience.ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "extract", pe.Stage)
	assert.Equal(t, resilience.KindParse, resilience.Kind(err))
}

func TestDecode_NoJSON(t *testing.T) {
	var out testCosts
	err := Decode("verify", "sorry, no data", testSchema, &out)
	require.Error(t, err)
	assert.Equal(t, resilience.KindParse, resilience.Kind(err))
}

func TestDecode_NilSchema(t *testing.T) {
	var out map[string]any
	require.NoError(t, Decode("any", `{"x": true}`, nil, &out))
	assert.Equal(t, true, out["x"])
}

func TestCompileSchema_Invalid(t *testing.T) {
	_, err := CompileSchema("broken", []byte(`{"type": 12}`))
	assert.Error(t, err)
}
