package breaker

import (
	"sort"
	"sync"
)

// Group holds one Breaker per dependency name, created on first use
// with a shared Config and options.
type Group struct {
	cfg  Config
	opts []Option

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewGroup creates an empty breaker group.
func NewGroup(cfg Config, opts ...Option) *Group {
	return &Group{
		cfg:      cfg,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it if necessary.
func (g *Group) Get(name string) *Breaker {
	g.mu.RLock()
	b, ok := g.breakers[name]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[name]; ok {
		return b
	}
	b = New(name, g.cfg, g.opts...)
	g.breakers[name] = b
	return b
}

// Remove forgets the breaker for name. A later Get starts closed.
func (g *Group) Remove(name string) {
	g.mu.Lock()
	delete(g.breakers, name)
	g.mu.Unlock()
	stateGauge.DeleteLabelValues(name)
}

// Snapshot returns the state of every breaker in the group, sorted by name.
func (g *Group) Snapshot() []Snapshot {
	g.mu.RLock()
	out := make([]Snapshot, 0, len(g.breakers))
	for _, b := range g.breakers {
		out = append(out, b.Snapshot())
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
