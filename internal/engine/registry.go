package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/okonecny/stateflow/pkg/api"
)

// Registry holds workflow definitions keyed by (key, version).
// Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]map[string]api.WorkflowDefinition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string]map[string]api.WorkflowDefinition)}
}

// Register validates and stores a definition. Registering the same
// (key, version) twice is an error; ship a new version instead.
func (r *Registry) Register(def api.WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.byKey[def.Key]
	if !ok {
		versions = make(map[string]api.WorkflowDefinition)
		r.byKey[def.Key] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return fmt.Errorf("workflow %q version %q already registered", def.Key, def.Version)
	}
	versions[def.Version] = def
	return nil
}

// Get returns the definition for a key+version.
func (r *Registry) Get(key, version string) (api.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byKey[key][version]
	if !ok {
		return api.WorkflowDefinition{}, fmt.Errorf("%w: %s@%s", api.ErrDefinitionNotFound, key, version)
	}
	return def, nil
}

// GetLatest returns the definition if exactly one version is registered.
// Errors if zero or multiple versions are present.
func (r *Registry) GetLatest(key string) (api.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byKey[key]
	switch len(versions) {
	case 0:
		return api.WorkflowDefinition{}, fmt.Errorf("%w: %s", api.ErrDefinitionNotFound, key)
	case 1:
		for _, def := range versions {
			return def, nil
		}
	}
	return api.WorkflowDefinition{}, fmt.Errorf("workflow %q has multiple versions registered, specify one", key)
}

// Versions returns the registered versions of a key, sorted.
func (r *Registry) Versions(key string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byKey[key]))
	for v := range r.byKey[key] {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
