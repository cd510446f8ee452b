package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// reflectSchema builds the JSON schema of T as a plain map suitable for tool
// definitions. Definitions are inlined so the model sees a single document.
func reflectSchema[T any]() (map[string]any, error) {
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Interface {
		// interface types accept any value
		return map[string]any{}, nil
	}

	// ExpandedStruct only resolves for named structs; other kinds are
	// reflected as they are.
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: t.Kind() == reflect.Struct && t.Name() != "",
	}

	s := r.ReflectFromType(t)

	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}

	delete(out, "$schema")
	delete(out, "$id")

	return out, nil
}

// compileSchema compiles a schema map for validation.
func compileSchema(name string, schema map[string]any) (*sjsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	doc, err := sjsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}

	url := "mem://agent/" + name + ".json"

	c := sjsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	return sch, nil
}

// decodeInstance parses raw JSON into the generic form the validator wants.
// Empty input is treated as an empty object.
func decodeInstance(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}

	return sjsonschema.UnmarshalJSON(bytes.NewReader(raw))
}
