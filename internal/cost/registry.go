// Package cost holds the registry of paid upstream actions and their token costs.
package cost

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// Built-in action names. Every paid upstream call maps to exactly one of these.
const (
	ActionProductLookup       = "product_lookup"
	ActionProductLookupOffers = "product_lookup_offers"
	ActionProductFinder       = "product_finder"
	ActionBestsellers         = "bestsellers"
	ActionCategoryLookup      = "category_lookup"
)

// ActionConfig is the configurable shape of a single action's cost.
type ActionConfig struct {
	Cost        int    `yaml:"cost" mapstructure:"cost"`
	Description string `yaml:"description" mapstructure:"description"`
}

// Action is a named, costed upstream operation.
type Action struct {
	Name        string `json:"name"`
	Cost        int    `json:"cost"`
	Description string `json:"description"`
}

// UnknownActionError is returned when an action name is not in the registry.
// It is a configuration error: callers must never fall back to a guessed cost.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("cost: unknown action %q", e.Action)
}

// Registry is an immutable mapping from action name to cost.
type Registry struct {
	actions map[string]Action
}

// DefaultActions returns the built-in action costs in upstream tokens.
func DefaultActions() map[string]ActionConfig {
	return map[string]ActionConfig{
		ActionProductLookup:       {Cost: 1, Description: "single product with 90-day stats and history"},
		ActionProductLookupOffers: {Cost: 6, Description: "single product including live marketplace offers"},
		ActionProductFinder:       {Cost: 10, Description: "one page of product finder results"},
		ActionBestsellers:         {Cost: 50, Description: "bestseller list for a category"},
		ActionCategoryLookup:      {Cost: 1, Description: "category tree node lookup"},
	}
}

// NewRegistry builds a registry from DefaultActions with overrides layered on
// top. Override keys are matched case-insensitively.
func NewRegistry(overrides map[string]ActionConfig) (*Registry, error) {
	merged := DefaultActions()
	for name, ac := range overrides {
		merged[strings.ToLower(strings.TrimSpace(name))] = ac
	}
	return NewRegistryFrom(merged)
}

// NewRegistryFrom builds a registry containing exactly the given actions.
func NewRegistryFrom(actions map[string]ActionConfig) (*Registry, error) {
	r := &Registry{actions: make(map[string]Action, len(actions))}
	var errs []string
	for name, ac := range actions {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			errs = append(errs, "action name must not be empty")
			continue
		}
		if ac.Cost < 0 {
			errs = append(errs, fmt.Sprintf("%s: cost must be >= 0", key))
			continue
		}
		r.actions[key] = Action{Name: key, Cost: ac.Cost, Description: ac.Description}
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return nil, eris.Errorf("cost: invalid action registry: %s", strings.Join(errs, "; "))
	}
	return r, nil
}

// Lookup returns the action registered under name.
func (r *Registry) Lookup(name string) (Action, error) {
	a, ok := r.actions[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Action{}, &UnknownActionError{Action: name}
	}
	return a, nil
}

// Cost returns the token cost of the named action.
func (r *Registry) Cost(name string) (int, error) {
	a, err := r.Lookup(name)
	if err != nil {
		return 0, err
	}
	return a.Cost, nil
}

// Actions returns all registered actions sorted by name.
func (r *Registry) Actions() []Action {
	out := make([]Action, 0, len(r.actions))
	for _, a := range r.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
