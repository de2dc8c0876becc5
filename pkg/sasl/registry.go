package sasl

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrProviderUnavailable is returned by Install when no factory is registered
// for the requested provider in this process.
var ErrProviderUnavailable = errors.New("sasl provider not available")

// Challenge is a server request for proof of identity.
type Challenge struct {
	Mechanism    string
	Nonce        []byte
	Salt         []byte
	Iterations   int
	Fields       []string
	DefaultRealm string
}

// Response answers a Challenge.
type Response struct {
	Identity string
	Realm    string
	Proof    []byte
}

// Provider implements one challenge-response mechanism.
type Provider interface {
	Name() string
	Mechanism() string
	Respond(ch Challenge, h CallbackHandler) (*Response, error)
}

// Factory creates a Provider.
type Factory func() Provider

// Registry tracks provider factories linked into the process and the
// providers installed from them. It is safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	installed map[string]Provider
}

// Default is the process-wide registry.
var Default = NewRegistry()

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		installed: make(map[string]Provider),
	}
}

// RegisterFactory registers f under name in the Default registry.
func RegisterFactory(name string, f Factory) {
	Default.RegisterFactory(name, f)
}

// RegisterFactory makes a provider available. Registering the same name again
// replaces the factory but leaves an installed provider untouched.
func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Available reports whether a factory for name is registered.
func (r *Registry) Available(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.factories[name]
	return ok
}

// Install instantiates and installs the named provider. Installing an already
// installed provider is a no-op that returns the existing instance.
func (r *Registry) Install(name string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.installed[name]; ok {
		return p, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("install %q: %w", name, ErrProviderUnavailable)
	}
	p := f()
	r.installed[name] = p
	return p, nil
}

// Installed returns the installed providers sorted by name.
func (r *Registry) Installed() []Provider {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Provider, 0, len(r.installed))
	for _, p := range r.installed {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Mechanisms lists the mechanisms of all installed providers.
func (r *Registry) Mechanisms() []string {
	providers := r.Installed()
	mechs := make([]string, 0, len(providers))
	for _, p := range providers {
		mechs = append(mechs, p.Mechanism())
	}
	return mechs
}

// ForMechanism returns the installed provider implementing mech.
func (r *Registry) ForMechanism(mech string) (Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.installed {
		if p.Mechanism() == mech {
			return p, true
		}
	}
	return nil, false
}
