package breaker

import "sync"

// Supervisor owns the breakers of an engine, one per name. Steps that
// share a breaker name share failure state, so a flaky downstream trips
// once for every workflow that talks to it.
type Supervisor struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	defaults []Option
}

// NewSupervisor returns a supervisor whose breakers are created with
// the given default options.
func NewSupervisor(defaults ...Option) *Supervisor {
	return &Supervisor{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Get returns the named breaker, creating it with the supervisor's
// defaults on first use.
func (s *Supervisor) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = New(name, s.defaults...)
		s.breakers[name] = b
	}
	return b
}

// Configure creates or replaces the named breaker with explicit
// options, overriding the supervisor defaults.
func (s *Supervisor) Configure(name string, opts ...Option) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := New(name, append(append([]Option(nil), s.defaults...), opts...)...)
	s.breakers[name] = b
	return b
}

// States returns a snapshot of every breaker's state by name.
func (s *Supervisor) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = b.State()
	}
	return out
}

// ResetAll forces every breaker closed.
func (s *Supervisor) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.breakers {
		b.Reset()
	}
}
