package event

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var canonicalSchema []byte

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.AssertFormat = true
	if err := c.AddResource("normalized_event.schema.json", bytes.NewReader(canonicalSchema)); err != nil {
		panic(fmt.Sprintf("event: add canonical schema: %v", err))
	}
	s, err := c.Compile("normalized_event.schema.json")
	if err != nil {
		panic(fmt.Sprintf("event: compile canonical schema: %v", err))
	}
	return s
}

// ValidateCanonical checks a candidate normalized event against the
// locked canonical schema. It reports the first violation.
func ValidateCanonical(e NormalizedEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode candidate: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("canonical schema: %w", err)
	}
	return nil
}
