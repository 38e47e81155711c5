package ops

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"

	"imgflow/internal/api/models"
)

var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrInvalidParam     = errors.New("invalid parameter")
)

// OutputShape describes what a successful run of an operation produces.
type OutputShape string

const (
	OutputImage             OutputShape = "image"
	OutputImageWithMetadata OutputShape = "image+metadata"
)

// OperationSpec is the static description of one operation type.
type OperationSpec struct {
	OpType   string              `json:"opType"`
	Label    string              `json:"label"`
	Arity    int                 `json:"arity"`
	Output   OutputShape         `json:"output"`
	Defaults models.Params       `json:"defaults"`
	Choices  map[string][]string `json:"choices,omitempty"`
}

func (s OperationSpec) clone() OperationSpec {
	out := s
	out.Defaults = s.Defaults.Clone()
	if s.Choices != nil {
		out.Choices = make(map[string][]string, len(s.Choices))
		for k, v := range s.Choices {
			out.Choices[k] = slices.Clone(v)
		}
	}
	return out
}

// Registry holds all registered operations. It is filled once at startup and
// only read afterwards.
type Registry struct {
	specs map[string]OperationSpec
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		specs: make(map[string]OperationSpec),
	}
}

// Register adds an operation. It panics on a duplicate or malformed entry
// since registration happens at init time.
func (r *Registry) Register(spec OperationSpec) {
	if spec.OpType == "" {
		panic("ops: empty opType")
	}
	if spec.Arity != 1 && spec.Arity != 2 {
		panic(fmt.Sprintf("ops: %s has arity %d", spec.OpType, spec.Arity))
	}
	if _, exists := r.specs[spec.OpType]; exists {
		panic(fmt.Sprintf("ops: %s registered twice", spec.OpType))
	}
	if spec.Output == "" {
		spec.Output = OutputImage
	}
	if spec.Defaults == nil {
		spec.Defaults = models.Params{}
	}
	r.specs[spec.OpType] = spec.clone()
}

// Lookup returns the OperationSpec registered for opType.
func (r *Registry) Lookup(opType string) (OperationSpec, error) {
	spec, ok := r.specs[opType]
	if !ok {
		return OperationSpec{}, fmt.Errorf("%w: %q", ErrUnknownOperation, opType)
	}
	return spec.clone(), nil
}

func (r *Registry) Arity(opType string) (int, error) {
	spec, ok := r.specs[opType]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownOperation, opType)
	}
	return spec.Arity, nil
}

// OpTypes returns every registered opType in ascending order.
func (r *Registry) OpTypes() []string {
	out := make([]string, 0, len(r.specs))
	for k := range r.specs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Specs returns a copy of every spec ordered by opType.
func (r *Registry) Specs() []OperationSpec {
	out := make([]OperationSpec, 0, len(r.specs))
	for _, opType := range r.OpTypes() {
		out = append(out, r.specs[opType].clone())
	}
	return out
}

// ResolveParams overlays explicit onto the operation defaults. The result is
// fully populated and is what both evaluation and code generation consume.
func (r *Registry) ResolveParams(opType string, explicit models.Params) (models.Params, error) {
	spec, ok := r.specs[opType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, opType)
	}
	return spec.Defaults.Merge(explicit), nil
}

// ValidateParams checks a partial parameter update against the defaults:
// every key must exist and carry the same kind of value.
func (r *Registry) ValidateParams(opType string, partial models.Params) error {
	spec, ok := r.specs[opType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOperation, opType)
	}
	for _, key := range partial.Keys() {
		def, ok := spec.Defaults[key]
		if !ok {
			return fmt.Errorf("%w: %s has no parameter %q", ErrInvalidParam, opType, key)
		}
		if err := validateValue(key, def, partial[key], spec.Choices[key]); err != nil {
			return fmt.Errorf("%w: %s: %s", ErrInvalidParam, opType, err.Error())
		}
	}
	return nil
}

func validateValue(key string, def, value models.ParamValue, choices []string) error {
	if def.Kind() != value.Kind() {
		return fmt.Errorf("%s must be a %s, got %s", key, def.Kind(), value.Kind())
	}
	switch value.Kind() {
	case models.ParamNumber:
		if math.IsNaN(value.Number()) || math.IsInf(value.Number(), 0) {
			return fmt.Errorf("%s must be finite", key)
		}
	case models.ParamEnum:
		if len(choices) > 0 && !slices.Contains(choices, value.Enum()) {
			return fmt.Errorf("%s must be one of %v, got %q", key, choices, value.Enum())
		}
	case models.ParamRecord:
		for _, name := range value.FieldNames() {
			defField, ok := def.Field(name)
			if !ok {
				return fmt.Errorf("%s has no field %q", key, name)
			}
			field, _ := value.Field(name)
			if err := validateValue(key+"."+name, defField, field, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// DefaultRegistry holds the built-in operation catalog
var DefaultRegistry = NewRegistry()

// init registers the built-in operations
func init() {
	for _, spec := range builtins() {
		DefaultRegistry.Register(spec)
	}
}
