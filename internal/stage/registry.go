package stage

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrSealed    = errors.New("stage registry is sealed")
	ErrDuplicate = errors.New("stage already registered")
)

// Registry holds the stage implementations known to an executor. It is
// filled once at startup and sealed; afterwards it is read-only and safe
// for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]Stage
	sealed bool
}

func NewRegistry() *Registry {
	return &Registry{
		stages: make(map[string]Stage),
	}
}

// Register adds s to the registry.
func (r *Registry) Register(s Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("cannot register %s: %w", s.Name(), ErrSealed)
	}
	if s.Name() == "" {
		return fmt.Errorf("cannot register stage without a name")
	}
	if _, exists := r.stages[s.Name()]; exists {
		return fmt.Errorf("%s: %w", s.Name(), ErrDuplicate)
	}
	r.stages[s.Name()] = s
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(stages ...Stage) {
	for _, s := range stages {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
}

// Seal prevents any further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

func (r *Registry) Get(name string) (Stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stages[name]
	return s, ok
}

// Names returns the sorted names of all registered stages.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stages))
	for name := range r.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
