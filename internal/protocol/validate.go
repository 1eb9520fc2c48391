package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Validator checks raw client messages against the embedded schemas before
// they are decoded into typed structs.
type Validator struct {
	byType map[string]*jsonschema.Schema
}

const schemaBase = "https://tomo.ai/schemas/"

var inbound = map[string]string{
	TypeHello: "hello.schema.json",
	TypeOp:    "op.schema.json",
	TypeGet:   "get.schema.json",
}

func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		b, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBase+e.Name(), bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", e.Name(), err)
		}
	}
	v := &Validator{byType: map[string]*jsonschema.Schema{}}
	for typ, name := range inbound {
		s, err := c.Compile(schemaBase + name)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}
		v.byType[typ] = s
	}
	return v, nil
}

// Validate returns the message type of raw once it passes its schema.
func (v *Validator) Validate(raw []byte) (string, error) {
	base, err := DecodeBase(raw)
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	s, ok := v.byType[base.Type]
	if !ok {
		return base.Type, fmt.Errorf("unsupported message type %q", base.Type)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return base.Type, fmt.Errorf("decode: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return base.Type, err
	}
	return base.Type, nil
}
