package toolservice

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// generateSchema builds a compact JSON-Schema map for T's JSON shape, using
// the same reflector settings as the teacher's functiontool package:
// required-from-tags, no $ref indirection, no envelope metadata.
func generateSchema[T any]() map[string]any {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("toolservice: reflecting schema for %T: %v", *new(T), err))
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(fmt.Sprintf("toolservice: decoding reflected schema for %T: %v", *new(T), err))
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m
}
