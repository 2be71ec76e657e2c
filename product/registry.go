package product

import (
	"fmt"
	"sort"
	"sync"
)

// UnknownProductError is returned when a product name is not registered.
type UnknownProductError struct {
	// Name is the unrecognized product name.
	Name string

	// Available lists the registered product names, for error messages.
	Available []string
}

// Error implements the error interface.
func (e *UnknownProductError) Error() string {
	return fmt.Sprintf("unknown product %q (available: %v)", e.Name, e.Available)
}

// Registry holds the registered product definitions. Registration is
// write-once at startup; duplicate names are a configuration error.
type Registry struct {
	mu       sync.RWMutex
	products map[string]*Definition
	order    []string
}

// NewRegistry creates an empty product registry.
func NewRegistry() *Registry {
	return &Registry{products: make(map[string]*Definition)}
}

// Register adds a product definition. Duplicate names and structurally
// invalid definitions are rejected.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("product: name is required")
	}
	if def.APIVersion == "" || def.Kind == "" {
		return fmt.Errorf("product %q: apiVersion and kind are required", def.Name)
	}
	if def.CompositionGroup == "" || def.CompositionClass == "" {
		return fmt.Errorf("product %q: compositionGroup and compositionClass are required", def.Name)
	}
	for _, spec := range def.Parameters {
		switch spec.Type {
		case TypeString, TypeInt, TypeBool, TypeChoice:
		default:
			return fmt.Errorf("product %q: parameter %q has unknown type %q", def.Name, spec.Name, spec.Type)
		}
		if spec.Type == TypeChoice && len(spec.Choices) == 0 {
			return fmt.Errorf("product %q: choice parameter %q has no choices", def.Name, spec.Name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.products[def.Name]; ok {
		return fmt.Errorf("product %q is already registered", def.Name)
	}
	d := def
	r.products[def.Name] = &d
	r.order = append(r.order, def.Name)
	return nil
}

// Get returns a product definition by name.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.products[name]
	if !ok {
		names := make([]string, len(r.order))
		copy(names, r.order)
		sort.Strings(names)
		return nil, &UnknownProductError{Name: name, Available: names}
	}
	return def, nil
}

// List returns all product definitions in registration order.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.products[name])
	}
	return out
}

// intp is a convenience for building parameter bounds in definitions.
func intp(v int64) *int64 { return &v }

// Defaults returns the built-in product catalog: managed MySQL and the
// web application compute product.
func Defaults() []Definition {
	return []Definition{
		{
			Name:             "mysql",
			DisplayName:      "Managed MySQL",
			Description:      "Managed MySQL database with automatic backups, replication, and failover.",
			APIVersion:       "db.platform.example.org/v1alpha1",
			Kind:             "MySQLInstanceClaim",
			CompositionClass: "mysql",
			CompositionGroup: "db.platform.example.org",
			Parameters: []ParameterSpec{
				{Name: "size", Type: TypeChoice, Required: true, Choices: []string{"small", "medium", "large", "xlarge"}},
				{Name: "storageGB", Type: TypeInt, Required: true, Min: intp(10), Max: intp(65536)},
			},
		},
		{
			Name:             "webapp",
			DisplayName:      "Web Application",
			Description:      "Managed web application compute with auto-scaling, load balancing, and TLS.",
			APIVersion:       "compute.platform.example.org/v1alpha1",
			Kind:             "WebAppClaim",
			CompositionClass: "webapp",
			CompositionGroup: "compute.platform.example.org",
			Parameters: []ParameterSpec{
				{Name: "image", Type: TypeString, Required: true},
				{Name: "port", Type: TypeInt, Default: 8080, Min: intp(1), Max: intp(65535)},
				{Name: "cpu", Type: TypeChoice, Default: "250m", Choices: []string{"125m", "250m", "500m", "1000m", "2000m", "4000m"}},
				{Name: "memory", Type: TypeChoice, Default: "512Mi", Choices: []string{"256Mi", "512Mi", "1Gi", "2Gi", "4Gi", "8Gi"}},
				{Name: "replicas", Type: TypeInt, Default: 2, Min: intp(1), Max: intp(20)},
			},
		},
	}
}
