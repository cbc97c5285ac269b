package policy

import (
	"path/filepath"
	"strings"

	"github.com/eliteGoblin/focusd/focustrack/internal/domain"
)

// Registry holds all browser recognition policies.
// Matching walks policies in registration order.
type Registry struct {
	policies map[string]BrowserPolicy
	order    []string
}

// NewRegistry creates a registry with all default browser policies.
func NewRegistry() *Registry {
	return NewRegistryWithPolicies(
		NewChromePolicy(),
		NewEdgePolicy(),
		NewFirefoxPolicy(),
		NewBravePolicy(),
		NewOperaPolicy(),
		NewVivaldiPolicy(),
		NewChromiumPolicy(),
	)
}

// NewRegistryWithPolicies creates a registry with custom policies (for testing).
func NewRegistryWithPolicies(policies ...BrowserPolicy) *Registry {
	r := &Registry{
		policies: make(map[string]BrowserPolicy),
	}
	for _, p := range policies {
		r.Register(p)
	}
	return r
}

// Register adds a policy to the registry. Re-registering an ID replaces it in place.
func (r *Registry) Register(p BrowserPolicy) {
	if _, exists := r.policies[p.ID()]; !exists {
		r.order = append(r.order, p.ID())
	}
	r.policies[p.ID()] = p
}

// Get returns a policy by ID.
func (r *Registry) Get(id string) (BrowserPolicy, bool) {
	p, ok := r.policies[id]
	return p, ok
}

// GetAll returns all registered policies in registration order.
func (r *Registry) GetAll() []BrowserPolicy {
	result := make([]BrowserPolicy, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.policies[id])
	}
	return result
}

// List returns all policy IDs.
func (r *Registry) List() []string {
	return append([]string(nil), r.order...)
}

// Match returns the browser policy for the snapshot's process, if any.
func (r *Registry) Match(snap domain.FocusSnapshot) (BrowserPolicy, bool) {
	candidates := processKeys(snap.ProcessName, snap.ExecutablePath, snap.AppIdentifier)
	for _, id := range r.order {
		p := r.policies[id]
		for _, pattern := range p.ProcessPatterns() {
			pattern = strings.ToLower(pattern)
			for _, c := range candidates {
				if strings.Contains(c, pattern) {
					return p, true
				}
			}
		}
	}
	return nil, false
}

// MatchName is Match for a bare process or executable name.
func (r *Registry) MatchName(name string) (BrowserPolicy, bool) {
	return r.Match(domain.FocusSnapshot{ProcessName: name})
}

// processKeys returns lowercase executable base names without a Windows extension.
func processKeys(names ...string) []string {
	keys := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		base := strings.ToLower(filepath.Base(strings.ReplaceAll(n, `\`, "/")))
		keys = append(keys, strings.TrimSuffix(base, ".exe"))
	}
	return keys
}
