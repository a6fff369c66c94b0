package gate

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/openskelo/openskelo/internal/model"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaResourceURL = "mem://gate-schema.json"

// evalJSONSchema compiles spec.Schema with santhosh-tekuri/jsonschema and
// validates data against it. The spec only requires lightweight type/
// required/properties checking; the full validator is a superset of that
// and is reused rather than hand-rolled, per the library stack in place.
func evalJSONSchema(spec model.GateSpec, data any) model.GateResult {
	schemaBytes, err := json.Marshal(spec.Schema)
	if err != nil {
		return model.GateResult{Passed: false, Reason: "invalid schema: " + err.Error()}
	}
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
	if err != nil {
		return model.GateResult{Passed: false, Reason: "invalid schema: " + err.Error()}
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaResourceURL, schemaDoc); err != nil {
		return model.GateResult{Passed: false, Reason: "invalid schema: " + err.Error()}
	}
	compiled, err := c.Compile(schemaResourceURL)
	if err != nil {
		return model.GateResult{Passed: false, Reason: "invalid schema: " + err.Error()}
	}

	instance, err := normalizeInstance(data)
	if err != nil {
		return model.GateResult{Passed: false, Reason: "invalid data: " + err.Error()}
	}

	if err := compiled.Validate(instance); err != nil {
		return model.GateResult{Passed: false, Reason: fmt.Sprintf("schema validation failed: %v", err)}
	}
	return model.GateResult{Passed: true}
}

// normalizeInstance round-trips data through encoding/json so that numbers
// decode the way jsonschema expects (json.Number), matching what
// jsonschema.UnmarshalJSON produces for the schema document itself.
func normalizeInstance(data any) (any, error) {
	var raw []byte
	switch v := data.(type) {
	case string:
		raw = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}
