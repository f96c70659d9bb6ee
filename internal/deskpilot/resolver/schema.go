package resolver

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// responseSchema is the JSON Schema every backend reply must satisfy before
// it is decoded into a Response. Validating structure up front keeps the
// decode path free of defensive type switches and rejects model output that
// merely looks like JSON.
const responseSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["command"],
	"additionalProperties": false,
	"properties": {
		"command":    {"type": "string", "minLength": 1},
		"parameters": {"type": "object"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"say":        {"type": "string"}
	}
}`

var compiledResponseSchema = jsonschema.MustCompileString("backend-response.json", responseSchema)

// decodeResponse validates raw against the response schema and decodes it.
// Returns an error wrapping ErrMalformedIntent on any structural failure.
func decodeResponse(raw []byte) (*Response, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: reply is not JSON: %v", ErrMalformedIntent, err)
	}
	if err := compiledResponseSchema.Validate(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIntent, err)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIntent, err)
	}
	return &resp, nil
}
