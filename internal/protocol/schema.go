package protocol

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// envelopeSchemaJSON is the shape-level pre-check run before semantic
// validation: it only pins down JSON types, never variant presence (that is
// §4.1's per-variant dispatch, which needs the typed Go checks to produce the
// exact spec-mandated error text).
const envelopeSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type", "timestamp", "sender", "receiver", "correlationId", "version"],
	"properties": {
		"type": {"type": "string"},
		"timestamp": {"type": "number"},
		"sender": {"type": "string"},
		"receiver": {"type": "string"},
		"correlationId": {"type": "string"},
		"version": {"type": "string"}
	}
}`

var (
	envelopeSchemaOnce sync.Once
	envelopeSchema     *jsonschema.Schema
	envelopeSchemaErr  error
)

func compiledEnvelopeSchema() (*jsonschema.Schema, error) {
	envelopeSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchemaJSON))
		if err != nil {
			envelopeSchemaErr = fmt.Errorf("unmarshal envelope schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("envelope.json", doc); err != nil {
			envelopeSchemaErr = fmt.Errorf("add envelope schema resource: %w", err)
			return
		}
		sch, err := c.Compile("envelope.json")
		if err != nil {
			envelopeSchemaErr = fmt.Errorf("compile envelope schema: %w", err)
			return
		}
		envelopeSchema = sch
	})
	return envelopeSchema, envelopeSchemaErr
}

// checkShape runs the JSON Schema pre-check against the decoded document.
func checkShape(doc any) error {
	sch, err := compiledEnvelopeSchema()
	if err != nil {
		// A broken schema is a programmer error, not a message-shape error;
		// surface it distinctly so callers don't mistake it for bad input.
		return fmt.Errorf("envelope schema unavailable: %w", err)
	}
	return sch.Validate(doc)
}
