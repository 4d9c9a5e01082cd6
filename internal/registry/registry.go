// Package registry is the authoritative catalog of
// (method, api_version) -> {params schema, default priority, capability,
// saga definition}. Entries are immutable once registered; schemas are
// append-only per version the same way the reference schema cache treats
// cached schemas as rarely-changing and safe to hold indefinitely.
package registry

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/taskorch/orchestrator/internal/model"
)

// FieldSpec describes one expected params field using go-playground
// validator tag syntax (e.g. "required", "gt=0", "oneof=a b c").
type FieldSpec struct {
	Name     string
	Tag      string
	Required bool
}

// MethodEntry is one catalog entry.
type MethodEntry struct {
	Method          string
	Version         int
	Capability      string
	DefaultPriority model.PriorityClass
	Fields          []FieldSpec
	SagaDefinition  string // non-empty if this method executes as a saga
}

func key(method string, version int) string {
	return fmt.Sprintf("%s@%d", method, version)
}

// Registry is the method catalog. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*MethodEntry
	validate *validator.Validate

	// inFlightRefs counts pending/in-flight tasks per (method,version),
	// guarding against removal while referenced (spec invariant).
	inFlightRefs map[string]int
}

func New() *Registry {
	return &Registry{
		entries:      make(map[string]*MethodEntry),
		validate:     validator.New(),
		inFlightRefs: make(map[string]int),
	}
}

// Register adds or re-confirms method/version's catalog entry.
// Idempotent: re-registering with identical fields is a no-op; re-registering
// with different fields for the same version returns an error since
// per-version schemas are append-only, not mutable.
func (r *Registry) Register(entry MethodEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(entry.Method, entry.Version)
	if existing, ok := r.entries[k]; ok {
		if !sameFields(existing.Fields, entry.Fields) || existing.Capability != entry.Capability {
			return fmt.Errorf("registry: %s v%d already registered with a different schema", entry.Method, entry.Version)
		}
		return nil
	}
	r.entries[k] = &entry
	return nil
}

func sameFields(a, b []FieldSpec) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Lookup returns the catalog entry for method/version.
func (r *Registry) Lookup(method string, version int) (*MethodEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key(method, version)]
	return e, ok
}

// Unregister removes method/version, refusing while any task referencing
// it is pending or in-flight.
func (r *Registry) Unregister(method string, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(method, version)
	if r.inFlightRefs[k] > 0 {
		return fmt.Errorf("registry: cannot remove %s v%d: %d tasks still reference it", method, version, r.inFlightRefs[k])
	}
	delete(r.entries, k)
	return nil
}

// AcquireRef marks one task as referencing method/version, preventing
// removal until ReleaseRef is called.
func (r *Registry) AcquireRef(method string, version int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlightRefs[key(method, version)]++
}

// ReleaseRef releases a reference acquired by AcquireRef.
func (r *Registry) ReleaseRef(method string, version int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(method, version)
	if r.inFlightRefs[k] > 0 {
		r.inFlightRefs[k]--
	}
}

// Validate checks params against method/version's field specs, returning
// sanitized params (currently a pass-through copy) or a structured
// validation error naming the first offending field.
func (r *Registry) Validate(method string, version int, params map[string]any) (map[string]any, error) {
	entry, ok := r.Lookup(method, version)
	if !ok {
		return nil, fmt.Errorf("registry: unknown method %s v%d", method, version)
	}

	for _, f := range entry.Fields {
		v, present := params[f.Name]
		if !present {
			if f.Required {
				return nil, &ValidationError{Field: f.Name, Reason: "required field missing"}
			}
			continue
		}
		if f.Tag == "" {
			continue
		}
		if err := r.validate.Var(v, f.Tag); err != nil {
			return nil, &ValidationError{Field: f.Name, Reason: err.Error()}
		}
	}

	sanitized := make(map[string]any, len(params))
	for k, v := range params {
		sanitized[k] = v
	}
	return sanitized, nil
}

// ValidationError names the offending field with a per-field pointer, per
// the transport layer's -32602 error contract.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("/%s: %s", e.Field, e.Reason)
}
