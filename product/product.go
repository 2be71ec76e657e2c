// Package product implements the extensible service catalog: declarative
// product definitions with typed parameter specs, total validation of
// request parameters into tagged values, and the write-once registry the
// generic service endpoints are built on.
package product

import (
	"fmt"
	"strings"

	"github.com/idpcell/controlplane/model"
)

// ParamType enumerates the parameter types a product can declare.
type ParamType string

const (
	TypeString ParamType = "string"
	TypeInt    ParamType = "int"
	TypeBool   ParamType = "bool"
	TypeChoice ParamType = "choice"
)

// ParameterSpec is the validation spec for a single product parameter.
type ParameterSpec struct {
	// Name is the parameter name as it appears in request bodies.
	Name string `yaml:"name" json:"name"`

	// Type is the parameter type: string, int, bool, or choice.
	Type ParamType `yaml:"type" json:"type"`

	// Required marks parameters that must be supplied unless a default
	// exists.
	Required bool `yaml:"required" json:"required"`

	// Default is substituted when the parameter is absent. Its native type
	// must match Type.
	Default any `yaml:"default,omitempty" json:"default,omitempty"`

	// Min and Max bound int parameters (inclusive). Nil means unbounded.
	Min *int64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max *int64 `yaml:"max,omitempty" json:"max,omitempty"`

	// Choices are the valid values for choice parameters.
	Choices []string `yaml:"choices,omitempty" json:"choices,omitempty"`
}

// Definition declares a product: its Claim kind and composition selector
// plus the developer-facing parameter surface.
type Definition struct {
	// Name is the product id used in API paths (e.g., "mysql").
	Name string `yaml:"name" json:"name"`

	// DisplayName is the human-readable product name.
	DisplayName string `yaml:"displayName" json:"displayName"`

	// Description summarizes the product for the catalog API.
	Description string `yaml:"description" json:"description"`

	// APIVersion and Kind identify the Claim CRD this product emits.
	APIVersion string `yaml:"apiVersion" json:"apiVersion"`
	Kind       string `yaml:"kind" json:"kind"`

	// CompositionClass and CompositionGroup feed the Claim's
	// compositionSelector matchLabels.
	CompositionClass string `yaml:"compositionClass" json:"compositionClass"`
	CompositionGroup string `yaml:"compositionGroup" json:"compositionGroup"`

	// Parameters are the product-specific parameter specs.
	Parameters []ParameterSpec `yaml:"parameters" json:"parameters"`

	// ConnectionSecretSuffix is appended to the resource name to form the
	// connection secret name. Defaults to "-conn".
	ConnectionSecretSuffix string `yaml:"connectionSecretSuffix,omitempty" json:"connectionSecretSuffix,omitempty"`

	// ResourcePlural overrides the derived lowercase-plural resource name
	// used by the Kubernetes store for kinds with irregular plurals.
	ResourcePlural string `yaml:"resourcePlural,omitempty" json:"resourcePlural,omitempty"`
}

// SecretSuffix returns the connection secret suffix, defaulting to "-conn".
func (d *Definition) SecretSuffix() string {
	if d.ConnectionSecretSuffix == "" {
		return "-conn"
	}
	return d.ConnectionSecretSuffix
}

// ConnectionSecretName returns the connection secret name for a resource.
func (d *Definition) ConnectionSecretName(name string) string {
	return name + d.SecretSuffix()
}

// Plural returns the lowercase plural resource name for the product's kind.
func (d *Definition) Plural() string {
	if d.ResourcePlural != "" {
		return d.ResourcePlural
	}
	return strings.ToLower(d.Kind) + "s"
}

// MissingParameterError reports a required parameter that was not supplied
// and has no default.
type MissingParameterError struct {
	Name string
}

// Error implements the error interface.
func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("parameter %q is required", e.Name)
}

// UnknownParameterError reports a request parameter that no spec declares.
type UnknownParameterError struct {
	Name string
}

// Error implements the error interface.
func (e *UnknownParameterError) Error() string {
	return fmt.Sprintf("unknown parameter %q", e.Name)
}

// InvalidParameterError reports a parameter that failed type, range, or
// choice validation.
type InvalidParameterError struct {
	Name   string
	Reason string
}

// Error implements the error interface.
func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("parameter %q: %s", e.Name, e.Reason)
}

// commonFields are request fields handled by the handler layer, never by
// product parameter validation.
var commonFields = map[string]bool{
	"product": true, "namespace": true, "name": true,
	"cell": true, "tier": true, "environment": true, "ha": true,
}

// ValidateParams validates the product-specific portion of a request body
// against the definition's parameter specs. Validation is total: every
// declared spec either receives a type-checked value, its default, or
// produces an error; every non-common body key must match a spec. Errors
// are accumulated so a caller gets the full list in one pass.
func (d *Definition) ValidateParams(body map[string]any) (map[string]model.Value, []error) {
	var errs []error
	out := make(map[string]model.Value, len(d.Parameters))

	declared := make(map[string]bool, len(d.Parameters))
	for _, spec := range d.Parameters {
		declared[spec.Name] = true
		raw, present := body[spec.Name]
		if !present || raw == nil {
			if spec.Default != nil {
				v, err := spec.convert(spec.Default)
				if err != nil {
					errs = append(errs, &InvalidParameterError{Name: spec.Name, Reason: "default " + err.Error()})
					continue
				}
				out[spec.Name] = v
				continue
			}
			if spec.Required {
				errs = append(errs, &MissingParameterError{Name: spec.Name})
			}
			continue
		}
		v, err := spec.validate(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[spec.Name] = v
	}

	for key := range body {
		if !commonFields[key] && !declared[key] {
			errs = append(errs, &UnknownParameterError{Name: key})
		}
	}
	return out, errs
}

// validate converts and checks a supplied raw value against the spec.
func (s *ParameterSpec) validate(raw any) (model.Value, error) {
	v, err := s.convert(raw)
	if err != nil {
		return model.Value{}, &InvalidParameterError{Name: s.Name, Reason: err.Error()}
	}
	switch s.Type {
	case TypeInt:
		if s.Min != nil && v.Int() < *s.Min {
			return model.Value{}, &InvalidParameterError{Name: s.Name, Reason: fmt.Sprintf("must be >= %d", *s.Min)}
		}
		if s.Max != nil && v.Int() > *s.Max {
			return model.Value{}, &InvalidParameterError{Name: s.Name, Reason: fmt.Sprintf("must be <= %d", *s.Max)}
		}
	case TypeChoice:
		for _, c := range s.Choices {
			if v.String() == c {
				return v, nil
			}
		}
		return model.Value{}, &InvalidParameterError{Name: s.Name, Reason: fmt.Sprintf("must be one of %v", s.Choices)}
	}
	return v, nil
}

// convert coerces a raw JSON/YAML value into the spec's tagged type.
// JSON numbers arrive as float64; integral floats are accepted for int
// parameters.
func (s *ParameterSpec) convert(raw any) (model.Value, error) {
	switch s.Type {
	case TypeString, TypeChoice:
		str, ok := raw.(string)
		if !ok {
			return model.Value{}, fmt.Errorf("must be a string")
		}
		return model.StringValue(str), nil
	case TypeInt:
		switch n := raw.(type) {
		case int:
			return model.IntValue(int64(n)), nil
		case int64:
			return model.IntValue(n), nil
		case float64:
			if n != float64(int64(n)) {
				return model.Value{}, fmt.Errorf("must be an integer")
			}
			return model.IntValue(int64(n)), nil
		default:
			return model.Value{}, fmt.Errorf("must be an integer")
		}
	case TypeBool:
		b, ok := raw.(bool)
		if !ok {
			return model.Value{}, fmt.Errorf("must be a boolean")
		}
		return model.BoolValue(b), nil
	default:
		return model.Value{}, fmt.Errorf("has unsupported type %q", s.Type)
	}
}
