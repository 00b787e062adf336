package tool

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// generateSchema creates a JSON schema object from a Go type using struct
// tags.
//
// Supported tags:
//   - json:"name" - parameter name
//   - json:",omitempty" - optional parameter
//   - jsonschema:"required" - explicitly mark as required
//   - jsonschema:"description=..." - parameter description
//   - jsonschema:"default=..." - default value
//   - jsonschema:"enum=val1|val2" - allowed values
//   - jsonschema:"minimum=N,maximum=M" - numeric constraints
func generateSchema[T any]() (map[string]interface{}, error) {
	reflector := &jsonschema.Reflector{
		// Use jsonschema tags to determine required fields
		RequiredFromJSONSchemaTags: true,

		// Inline everything instead of emitting $ref definitions
		ExpandedStruct: true,

		// Don't add $schema and $id
		DoNotReference: true,
	}

	schema := reflector.Reflect(new(T))

	schemaMap, err := schemaToMap(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to convert schema to map: %w", err)
	}

	// Publish a plain object schema: type, properties, required, and the
	// additionalProperties switch. Empty argument structs still get an
	// object schema so calls with stray keys fail validation.
	if schemaMap["type"] == "object" {
		result := map[string]interface{}{
			"type": "object",
		}

		if properties, ok := schemaMap["properties"]; ok && properties != nil {
			result["properties"] = properties
		} else {
			result["properties"] = map[string]interface{}{}
		}

		if required, ok := schemaMap["required"]; ok && required != nil {
			result["required"] = required
		}

		if addProps, ok := schemaMap["additionalProperties"]; ok {
			result["additionalProperties"] = addProps
		}

		return result, nil
	}

	return schemaMap, nil
}

// schemaToMap converts a jsonschema.Schema to a plain map. The JSON round
// trip flattens the reflector's ordered types into what the wire carries.
func schemaToMap(schema *jsonschema.Schema) (map[string]interface{}, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	delete(result, "$schema")
	delete(result, "$id")

	return result, nil
}
