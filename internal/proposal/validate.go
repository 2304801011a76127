package proposal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrValidation wraps every synchronous validation failure raised while
// constructing a proposal. Callers match on this with errors.As and read
// the message for detail; it is never retried.
type ErrValidation struct {
	Reason string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation: %s", e.Reason)
}

func validationErrorf(format string, args ...any) error {
	return &ErrValidation{Reason: fmt.Sprintf(format, args...)}
}

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// validateName enforces the NewTool name grammar: non-empty, at most 64
// characters, lowercase ASCII letters/digits/underscore, first character a
// letter.
func validateName(name string) error {
	if name == "" {
		return validationErrorf("tool name must not be empty")
	}
	if len(name) > NameMax {
		return validationErrorf("tool name exceeds %d characters", NameMax)
	}
	if !nameRe.MatchString(name) {
		return validationErrorf("tool name %q does not match [a-z][a-z0-9_]{0,63}", name)
	}
	return nil
}

// validateSchema applies the specification's minimal structural checks,
// then compiles the document as a real JSON Schema (draft 2020-12 by
// default) to catch schemas that are structurally plausible but not
// actually valid — a check the original engine does not perform.
func validateSchema(schema map[string]any) error {
	if schema == nil {
		return validationErrorf("parameters_schema must not be nil")
	}
	if typ, ok := schema["type"]; ok {
		s, ok := typ.(string)
		if !ok || s != "object" {
			return validationErrorf(`parameters_schema.type must be "object" when present`)
		}
	}
	if props, ok := schema["properties"]; ok {
		if _, ok := props.(map[string]any); !ok {
			return validationErrorf("parameters_schema.properties must be an object when present")
		}
	}
	if req, ok := schema["required"]; ok {
		arr, ok := req.([]any)
		if !ok {
			return validationErrorf("parameters_schema.required must be an array when present")
		}
		for _, item := range arr {
			if _, ok := item.(string); !ok {
				return validationErrorf("parameters_schema.required must be an array of strings")
			}
		}
	}

	encoded, err := json.Marshal(schema)
	if err != nil {
		return validationErrorf("parameters_schema is not serializable: %v", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("parameters_schema.json", bytes.NewReader(encoded)); err != nil {
		return validationErrorf("parameters_schema is not a valid JSON Schema: %v", err)
	}
	if _, err := compiler.Compile("parameters_schema.json"); err != nil {
		return validationErrorf("parameters_schema is not a valid JSON Schema: %v", err)
	}
	return nil
}
