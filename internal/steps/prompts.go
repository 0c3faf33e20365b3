package steps

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/property-research/internal/model"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Prompt is the task and output schema for one LLM extraction.
type Prompt struct {
	MaxTokens int64          `yaml:"max_tokens"`
	Task      string         `yaml:"task"`
	Schema    map[string]any `yaml:"schema"`

	compiled *jsonschema.Schema
}

// Catalogue holds the shared system prompt and the per-step prompts.
type Catalogue struct {
	System  string                    `yaml:"system"`
	Prompts map[model.StepKind]*Prompt `yaml:"prompts"`
}

// DefaultCatalogue parses the embedded prompt catalogue.
func DefaultCatalogue() (*Catalogue, error) {
	return ParseCatalogue(defaultPrompts)
}

// ParseCatalogue decodes a YAML catalogue and compiles every schema.
func ParseCatalogue(data []byte) (*Catalogue, error) {
	var c Catalogue
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrap(err, "steps: parse prompt catalogue")
	}
	if c.System == "" {
		return nil, eris.New("steps: prompt catalogue has no system prompt")
	}
	for kind, p := range c.Prompts {
		if _, ok := model.Descriptor(kind); !ok {
			return nil, eris.Wrapf(model.ErrUnknownStep, "steps: prompt %q", string(kind))
		}
		if p == nil || p.Task == "" {
			return nil, eris.Errorf("steps: prompt %s has no task", kind)
		}
		schema, err := compileSchema(string(kind), p.Schema)
		if err != nil {
			return nil, err
		}
		p.compiled = schema
	}
	return &c, nil
}

// Get returns the prompt for kind.
func (c *Catalogue) Get(kind model.StepKind) (*Prompt, bool) {
	p, ok := c.Prompts[kind]
	return p, ok
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, eris.Wrapf(err, "steps: marshal %s schema", name)
	}
	url := fmt.Sprintf("%s.json", name)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(b)); err != nil {
		return nil, eris.Wrapf(err, "steps: add %s schema", name)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, eris.Wrapf(err, "steps: compile %s schema", name)
	}
	return compiled, nil
}

// Validate checks a decoded JSON document against the prompt's schema.
func (p *Prompt) Validate(doc any) error {
	if p.compiled == nil {
		return nil
	}
	if err := p.compiled.Validate(doc); err != nil {
		return eris.Wrap(err, "output does not match schema")
	}
	return nil
}

// SchemaJSON returns the schema as indented JSON for the prompt text.
func (p *Prompt) SchemaJSON() string {
	b, err := json.MarshalIndent(p.Schema, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}
