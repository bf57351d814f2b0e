package chatrelay

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// payloadSchema admits the two shapes the resolver understands: the nested
// provider envelope and the flat top-level shape. Anything else is a
// ParseError before resolution even starts.
const payloadSchema = `{
	"type": "object",
	"anyOf": [
		{
			"required": ["entry"],
			"properties": {"entry": {"type": "array"}}
		},
		{
			"required": ["messages"],
			"properties": {"messages": {"type": "array"}}
		},
		{
			"required": ["statuses"],
			"properties": {"statuses": {"type": "array"}}
		}
	]
}`

var (
	payloadSchemaOnce     sync.Once
	payloadSchemaCompiled *jsonschema.Schema
	payloadSchemaErr      error
)

func compiledPayloadSchema() (*jsonschema.Schema, error) {
	payloadSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payloadSchema))
		if err != nil {
			payloadSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("payload.json", doc); err != nil {
			payloadSchemaErr = err
			return
		}
		payloadSchemaCompiled, payloadSchemaErr = compiler.Compile("payload.json")
	})
	return payloadSchemaCompiled, payloadSchemaErr
}

func validatePayload(instance any) error {
	schema, err := compiledPayloadSchema()
	if err != nil {
		return fmt.Errorf("compile payload schema: %w", err)
	}
	return schema.Validate(instance)
}
