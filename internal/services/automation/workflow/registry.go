// Package workflow maps order types to their fixed linear step chains.
//
// Chains are declared in an embedded YAML document so operations can review
// them without reading Go code. The registry itself is immutable after Load.
package workflow

import (
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed workflows.yaml
var definitionsFS embed.FS

// ErrUnknownOrderType indicates the order type has no registered chain.
var ErrUnknownOrderType = errors.New("unknown order type")

// StepSpec describes one step of an order-type chain.
type StepSpec struct {
	Key          string `yaml:"key"`
	Title        string `yaml:"title"`
	Role         string `yaml:"role"`
	Required     bool   `yaml:"required"`
	Confirmation bool   `yaml:"confirmation"`
}

type orderTypeSpec struct {
	Claimable bool       `yaml:"claimable"`
	ClaimRole string     `yaml:"claim_role"`
	Steps     []StepSpec `yaml:"steps"`
}

type definitions struct {
	OrderTypes map[string]orderTypeSpec `yaml:"order_types"`
}

// Registry holds the per-order-type step chains.
type Registry struct {
	orderTypes map[string]orderTypeSpec
}

// Load parses the embedded workflow definitions.
func Load() (*Registry, error) {
	raw, err := definitionsFS.ReadFile("workflows.yaml")
	if err != nil {
		return nil, fmt.Errorf("read workflow definitions: %w", err)
	}
	var defs definitions
	if err := yaml.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("parse workflow definitions: %w", err)
	}
	if len(defs.OrderTypes) == 0 {
		return nil, fmt.Errorf("workflow definitions declare no order types")
	}
	for orderType, spec := range defs.OrderTypes {
		if err := validateOrderType(orderType, spec); err != nil {
			return nil, err
		}
	}
	return &Registry{orderTypes: defs.OrderTypes}, nil
}

func validateOrderType(orderType string, spec orderTypeSpec) error {
	if strings.TrimSpace(orderType) == "" {
		return fmt.Errorf("workflow definitions contain an empty order type")
	}
	if len(spec.Steps) == 0 {
		return fmt.Errorf("order type %s declares no steps", orderType)
	}
	seen := make(map[string]struct{}, len(spec.Steps))
	for i, step := range spec.Steps {
		key := strings.TrimSpace(step.Key)
		if key == "" {
			return fmt.Errorf("order type %s step %d has an empty key", orderType, i)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("order type %s repeats step key %s", orderType, key)
		}
		seen[key] = struct{}{}
		if step.Confirmation && i != len(spec.Steps)-1 {
			return fmt.Errorf("order type %s has confirmation step %s before the end of the chain", orderType, key)
		}
	}
	return nil
}

// StepsFor returns the ordered step chain for orderType.
func (r *Registry) StepsFor(orderType string) ([]StepSpec, error) {
	spec, ok := r.lookup(orderType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrderType, orderType)
	}
	steps := make([]StepSpec, len(spec.Steps))
	copy(steps, spec.Steps)
	return steps, nil
}

// Claimable reports whether orders of this type open a claimable root task.
func (r *Registry) Claimable(orderType string) bool {
	spec, ok := r.lookup(orderType)
	return ok && spec.Claimable
}

// ClaimRole returns the role gate for the order's claimable root task.
// Empty means the root task is unrestricted.
func (r *Registry) ClaimRole(orderType string) string {
	spec, ok := r.lookup(orderType)
	if !ok {
		return ""
	}
	return strings.TrimSpace(spec.ClaimRole)
}

// OrderTypes lists the registered order types in lexical order.
func (r *Registry) OrderTypes() []string {
	if r == nil {
		return nil
	}
	types := make([]string, 0, len(r.orderTypes))
	for orderType := range r.orderTypes {
		types = append(types, orderType)
	}
	sort.Strings(types)
	return types
}

func (r *Registry) lookup(orderType string) (orderTypeSpec, bool) {
	if r == nil {
		return orderTypeSpec{}, false
	}
	spec, ok := r.orderTypes[strings.TrimSpace(orderType)]
	return spec, ok
}
