package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// jsonBackend validates documents against their registered JSON schema.
// The wire payload of a JSON-typed subject is the document itself.
type jsonBackend struct {
	compiled *lru.Cache[int, *jsonschema.Schema]
}

func newJSONBackend() (*jsonBackend, error) {
	var compiled, err = lru.New[int, *jsonschema.Schema](registryCacheSize)
	if err != nil {
		return nil, err
	}
	return &jsonBackend{compiled: compiled}, nil
}

func (b *jsonBackend) schema(schema Schema) (*jsonschema.Schema, error) {
	if cached, ok := b.compiled.Get(schema.ID); ok {
		return cached, nil
	}

	var doc, err = jsonschema.UnmarshalJSON(strings.NewReader(schema.Raw))
	if err != nil {
		return nil, fmt.Errorf("parsing registered json schema: %w", err)
	}

	var resource = fmt.Sprintf("registry:///schemas/%d.json", schema.ID)
	var compiler = jsonschema.NewCompiler()
	if err = compiler.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("adding json schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compiling registered json schema: %w", err)
	}

	b.compiled.Add(schema.ID, compiled)
	return compiled, nil
}

func (b *jsonBackend) validate(schema Schema, doc []byte) error {
	var compiled, err = b.schema(schema)
	if err != nil {
		return err
	}

	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return fmt.Errorf("parsing document: %w", err)
	}
	if err = compiled.Validate(value); err != nil {
		return fmt.Errorf("document does not match schema: %w", err)
	}
	return nil
}

func (b *jsonBackend) encode(schema Schema, doc json.RawMessage) ([]byte, error) {
	if err := b.validate(schema, doc); err != nil {
		return nil, err
	}

	var compacted bytes.Buffer
	if err := json.Compact(&compacted, doc); err != nil {
		return nil, fmt.Errorf("compacting document: %w", err)
	}
	return compacted.Bytes(), nil
}

func (b *jsonBackend) decode(schema Schema, payload []byte) (json.RawMessage, error) {
	if err := b.validate(schema, payload); err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}
