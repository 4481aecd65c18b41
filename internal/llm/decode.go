package llm

import (
	"bytes"
	"encoding/json"
	"strings"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sells-group/docintel/internal/resilience"
)

// Schema is a compiled JSON schema for one kind of model response.
type Schema struct {
	name   string
	schema *jsonschema.Schema
}

// CompileSchema compiles a JSON schema document.
func CompileSchema(name string, doc []byte) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(doc)); err != nil {
		return nil, eris.Wrapf(err, "llm: add schema %s", name)
	}
	s, err := compiler.Compile(url)
	if err != nil {
		return nil, eris.Wrapf(err, "llm: compile schema %s", name)
	}
	return &Schema{name: name, schema: s}, nil
}

// MustCompileSchema is CompileSchema for package-level schemas.
func MustCompileSchema(name string, doc []byte) *Schema {
	s, err := CompileSchema(name, doc)
	if err != nil {
		panic(err)
	}
	return s
}

// Decode parses model output into dst. The text is cleaned of markdown
// fences and surrounding prose, repaired if it is not valid JSON, and
// validated against schema when one is given. Every failure is a
// resilience.ParseError tagged with stage.
func Decode(stage, raw string, schema *Schema, dst any) error {
	cleaned := CleanJSON(raw)
	if cleaned == "" {
		return resilience.NewParseError(stage, eris.New("no JSON object in response"))
	}

	if !json.Valid([]byte(cleaned)) {
		repaired, err := jsonrepair.RepairJSON(cleaned)
		if err != nil {
			return resilience.NewParseError(stage, eris.Wrap(err, "repair json"))
		}
		cleaned = repaired
	}

	if schema != nil {
		var v any
		if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
			return resilience.NewParseError(stage, eris.Wrap(err, "unmarshal for validation"))
		}
		if err := schema.schema.Validate(v); err != nil {
			return resilience.NewParseError(stage, eris.Wrapf(err, "response does not match %s schema", schema.name))
		}
	}

	if err := json.Unmarshal([]byte(cleaned), dst); err != nil {
		return resilience.NewParseError(stage, eris.Wrap(err, "unmarshal response"))
	}
	return nil
}

// CleanJSON strips markdown code fences and returns the text between the
// first '{' and the last '}'. When there is no closing brace the tail is
// returned so that repair can close it.
func CleanJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if i := strings.Index(s, "\n"); i >= 0 {
			s = s[i+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(s, "}")
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}
