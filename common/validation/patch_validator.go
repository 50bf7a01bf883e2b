package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// ConfigPatchValidator validates and applies JSON Patch operations against
// node configs.
type ConfigPatchValidator struct{}

// NewConfigPatchValidator creates a new config patch validator
func NewConfigPatchValidator() *ConfigPatchValidator {
	return &ConfigPatchValidator{}
}

// ValidateOperations validates all patch operations structurally
func (v *ConfigPatchValidator) ValidateOperations(operations []map[string]interface{}) error {
	if len(operations) == 0 {
		return fmt.Errorf("patch validation failed: no operations")
	}

	for i, op := range operations {
		if err := v.validateOperation(op, i); err != nil {
			return err
		}
	}

	return nil
}

// validateOperation validates a single operation
func (v *ConfigPatchValidator) validateOperation(op map[string]interface{}, index int) error {
	opType, ok := op["op"].(string)
	if !ok {
		return fmt.Errorf("operation %d: missing or invalid 'op' field", index)
	}

	path, ok := op["path"].(string)
	if !ok {
		return fmt.Errorf("operation %d: missing or invalid 'path' field", index)
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("operation %d: path must start with '/', got %q", index, path)
	}

	switch opType {
	case "add", "replace":
		if _, ok := op["value"]; !ok {
			return fmt.Errorf("operation %d: 'value' required for %s operation", index, opType)
		}

	case "remove":
		return nil

	default:
		return fmt.Errorf("operation %d: unsupported operation type: %s", index, opType)
	}

	return nil
}

// Apply applies validated operations to a config document and returns the
// patched JSON.
func (v *ConfigPatchValidator) Apply(configJSON []byte, operations []map[string]interface{}) ([]byte, error) {
	if len(configJSON) == 0 {
		configJSON = []byte("{}")
	}

	patchJSON, err := json.Marshal(operations)
	if err != nil {
		return nil, fmt.Errorf("failed to encode patch operations: %w", err)
	}

	patch, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode patch: %w", err)
	}

	patched, err := patch.Apply(configJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to apply patch operations: %w", err)
	}

	return patched, nil
}
