package labs

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// submitSchema constrains the submission payload shape before it reaches the
// state machine.
const submitSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["test_name", "test_category", "results"],
  "properties": {
    "test_name": {"type": "string", "minLength": 1, "maxLength": 256},
    "test_category": {"type": "string", "minLength": 1, "maxLength": 128},
    "notes": {"type": "string", "maxLength": 4096},
    "results": {
      "type": "array",
      "minItems": 1,
      "maxItems": 200,
      "items": {
        "type": "object",
        "required": ["parameter", "value"],
        "properties": {
          "parameter": {"type": "string", "minLength": 1, "maxLength": 128},
          "value": {"type": "string", "minLength": 1, "maxLength": 256},
          "unit": {"type": "string", "maxLength": 64},
          "reference_range": {"type": "string", "maxLength": 128},
          "abnormal": {"type": "boolean"}
        }
      }
    }
  }
}`

type Validator struct {
	schema *gojsonschema.Schema
}

func NewValidator() (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(submitSchema))
	if err != nil {
		return nil, fmt.Errorf("compile lab schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

func (v *Validator) ValidateSubmit(input SubmitInput) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return fmt.Errorf("%w: %s", ErrInvalidPayload, first.String())
	}
	return nil
}
