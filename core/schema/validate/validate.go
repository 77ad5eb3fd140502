package validate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonschema"
)

// Schema is a compiled JSON Schema that can be reused across documents.
type Schema struct {
	compiled *jsonschema.Schema
}

func Compile(schemaBytes []byte) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	compiled, err := compiler.Compile(schemaBytes)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{compiled: compiled}, nil
}

func (s *Schema) ValidateJSON(data []byte) error {
	result := s.compiled.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %s", describeErrors(result.Errors))
}

func describeErrors(errs map[string]*jsonschema.EvaluationError) string {
	if len(errs) == 0 {
		return "document does not match schema"
	}
	keys := make([]string, 0, len(errs))
	for key := range errs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", key, errs[key]))
	}
	return strings.Join(parts, "; ")
}
