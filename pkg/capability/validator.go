package capability

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Validator checks call arguments against a capability's input schema.
// Compiled schemas are cached by tool name.
type Validator struct {
	mu       sync.Mutex
	compiled map[string]*gojsonschema.Schema
}

// NewValidator creates a new argument validator
func NewValidator() *Validator {
	return &Validator{
		compiled: make(map[string]*gojsonschema.Schema),
	}
}

// ValidateArguments validates arguments against the tool's input schema.
// Tools without a schema accept any arguments.
func (v *Validator) ValidateArguments(cap *ToolCapability, arguments map[string]interface{}) error {
	if len(cap.InputSchema) == 0 {
		return nil
	}

	schema, err := v.schemaFor(cap)
	if err != nil {
		return err
	}

	if arguments == nil {
		arguments = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(arguments))
	if err != nil {
		return fmt.Errorf("failed to validate arguments for %s: %w", cap.Name, err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, resultErr := range result.Errors() {
			details = append(details, resultErr.String())
		}
		return fmt.Errorf("arguments for %s do not match schema: %s", cap.Name, strings.Join(details, "; "))
	}

	return nil
}

func (v *Validator) schemaFor(cap *ToolCapability) (*gojsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if schema, ok := v.compiled[cap.Name]; ok {
		return schema, nil
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(cap.InputSchema))
	if err != nil {
		return nil, fmt.Errorf("invalid input schema for %s: %w", cap.Name, err)
	}

	v.compiled[cap.Name] = schema
	return schema, nil
}

// Invalidate drops a compiled schema, forcing recompilation on next use
func (v *Validator) Invalidate(toolName string) {
	v.mu.Lock()
	delete(v.compiled, toolName)
	v.mu.Unlock()
}
