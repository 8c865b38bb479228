package circuitbreaker

import (
	"maps"
	"slices"
	"sync"
)

// Registry hands out one breaker per key, created on first use.
// Callers key by destination host so one failing backend never trips another.
type Registry struct {
	cfg      Config
	onChange func(key string, from, to State)

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg. When onChange is
// set it is told which key changed state; cfg.OnStateChange is then ignored.
func NewRegistry(cfg Config, onChange func(key string, from, to State)) *Registry {
	return &Registry{
		cfg:      cfg,
		onChange: onChange,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[key]; ok {
		return b
	}
	cfg := r.cfg
	if r.onChange != nil {
		cfg.OnStateChange = func(from, to State) { r.onChange(key, from, to) }
	}
	b := New(cfg)
	r.breakers[key] = b
	return b
}

// States returns the current state of every breaker by key.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make(map[string]State, len(r.breakers))
	for key, b := range r.breakers {
		states[key] = b.State()
	}
	return states
}

// Open returns the sorted keys whose breaker is currently open.
func (r *Registry) Open() []string {
	states := r.States()
	var open []string
	for _, key := range slices.Sorted(maps.Keys(states)) {
		if states[key] == Open {
			open = append(open, key)
		}
	}
	return open
}
