package definition

import (
	"fmt"
	"regexp"
)

// Schema is the closed JSON-schema subset the core validates against (spec
// §6): {type, properties, required, items, enum, minimum, maximum,
// minLength, maxLength, pattern, additionalProperties}. No $ref, oneOf, or
// external schemas — this is a narrow parser in front of a closed tagged
// variant, not a general JSON Schema implementation (spec §9).
type Schema struct {
	Type                 string // "object", "array", "string", "number", "integer", "boolean"
	Properties           map[string]Schema
	Required             []string
	Items                *Schema
	Enum                 []any
	Minimum              *float64
	Maximum              *float64
	MinLength            *int
	MaxLength            *int
	Pattern              string
	AdditionalProperties *bool // nil = allowed (default true)
}

var validTypes = map[string]bool{
	"object": true, "array": true, "string": true,
	"number": true, "integer": true, "boolean": true, "": true,
}

// Validate checks the schema itself is well-formed (valid type tag, valid
// regex pattern, children recursively valid).
func (s Schema) Validate() error {
	if !validTypes[s.Type] {
		return fmt.Errorf("unknown schema type %q", s.Type)
	}
	if s.Pattern != "" {
		if _, err := regexp.Compile(s.Pattern); err != nil {
			return fmt.Errorf("invalid pattern: %w", err)
		}
	}
	for name, prop := range s.Properties {
		if err := prop.Validate(); err != nil {
			return fmt.Errorf("property %q: %w", name, err)
		}
	}
	if s.Items != nil {
		if err := s.Items.Validate(); err != nil {
			return fmt.Errorf("items: %w", err)
		}
	}
	return nil
}

// ValidationError describes a single schema violation with a JSON-pointer-
// style path, so callers can report every failure rather than just the
// first.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Check validates a decoded JSON value (map[string]any, []any, string,
// float64, bool, nil) against the schema, returning every violation found.
func (s Schema) Check(value any) []ValidationError {
	return s.check("$", value)
}

func (s Schema) check(path string, value any) []ValidationError {
	var errs []ValidationError

	if len(s.Enum) > 0 {
		if !enumContains(s.Enum, value) {
			errs = append(errs, ValidationError{path, "value is not one of the allowed enum values"})
		}
	}

	switch s.Type {
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return append(errs, ValidationError{path, "expected an object"})
		}
		for _, req := range s.Required {
			if _, present := obj[req]; !present {
				errs = append(errs, ValidationError{path, fmt.Sprintf("missing required property %q", req)})
			}
		}
		for name, propSchema := range s.Properties {
			if v, present := obj[name]; present {
				errs = append(errs, propSchema.check(path+"."+name, v)...)
			}
		}
		if s.AdditionalProperties != nil && !*s.AdditionalProperties {
			for name := range obj {
				if _, declared := s.Properties[name]; !declared {
					errs = append(errs, ValidationError{path, fmt.Sprintf("additional property %q not allowed", name)})
				}
			}
		}

	case "array":
		arr, ok := value.([]any)
		if !ok {
			return append(errs, ValidationError{path, "expected an array"})
		}
		if s.Items != nil {
			for i, elem := range arr {
				errs = append(errs, s.Items.check(fmt.Sprintf("%s[%d]", path, i), elem)...)
			}
		}

	case "string":
		str, ok := value.(string)
		if !ok {
			return append(errs, ValidationError{path, "expected a string"})
		}
		if s.MinLength != nil && len(str) < *s.MinLength {
			errs = append(errs, ValidationError{path, "string shorter than minLength"})
		}
		if s.MaxLength != nil && len(str) > *s.MaxLength {
			errs = append(errs, ValidationError{path, "string longer than maxLength"})
		}
		if s.Pattern != "" {
			re, err := regexp.Compile(s.Pattern)
			if err == nil && !re.MatchString(str) {
				errs = append(errs, ValidationError{path, "string does not match pattern"})
			}
		}

	case "number", "integer":
		num, ok := asFloat(value)
		if !ok {
			return append(errs, ValidationError{path, "expected a number"})
		}
		if s.Type == "integer" && num != float64(int64(num)) {
			errs = append(errs, ValidationError{path, "expected an integer"})
		}
		if s.Minimum != nil && num < *s.Minimum {
			errs = append(errs, ValidationError{path, "value below minimum"})
		}
		if s.Maximum != nil && num > *s.Maximum {
			errs = append(errs, ValidationError{path, "value above maximum"})
		}

	case "boolean":
		if _, ok := value.(bool); !ok {
			errs = append(errs, ValidationError{path, "expected a boolean"})
		}
	}

	return errs
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func enumContains(enum []any, value any) bool {
	for _, e := range enum {
		if fmt.Sprintf("%v", e) == fmt.Sprintf("%v", value) {
			return true
		}
	}
	return false
}
