// Package gateway implements the piercing middleware: a process-wide
// registry of micro-frontend fragments plus the HTTP handler that
// serves fragment SSR/asset routes and pre-pierces HTML responses.
// Grounded on the teacher's pkg/ingress.Proxy (explicit request
// rewriting, header propagation, reverse-proxy shape) and
// pkg/ingress.Router (longest-match routing generalized here to glob
// route matching for pre-pierce selection).
package gateway

import (
	"net/http"
	"regexp"
	"sync"
)

// Fragment describes one registered micro-frontend.
type Fragment struct {
	// ID uniquely identifies the fragment and appears in the
	// /piercing-fragment/:id and /_fragment/:id/* routes.
	ID string

	// FetchFragment renders the fragment by calling its upstream and
	// returning the response to stream back to the shell or client.
	FetchFragment func(r *http.Request) (*http.Response, error)

	// TransformRequest optionally rewrites the outgoing child request
	// before FetchFragment is called. The message-bus state header is
	// re-applied after TransformRequest runs, so it cannot be used to
	// drop the header.
	TransformRequest func(r *http.Request) (*http.Request, error)

	// ShouldBeIncluded reports whether this fragment applies to r. A
	// nil func always includes the fragment.
	ShouldBeIncluded func(r *http.Request) bool

	// ServeAssets serves the fragment's static assets under
	// /_fragment/:id/*, the URL rewritten so Path is the remainder
	// after the fragment id. A nil ServeAssets makes the asset route
	// 404 for this fragment.
	ServeAssets http.Handler

	// PrePierceRoutes are glob patterns (* -> any run of characters,
	// ? -> any single character) matched against the request path to
	// decide whether this fragment is pre-pierced into HTML responses.
	PrePierceRoutes []string

	// PrePiercingStyles is CSS text inlined in a <style> tag inside the
	// fragment host element, so the fragment doesn't flash unstyled
	// before its own stylesheet loads.
	PrePiercingStyles string
}

func (f *Fragment) included(r *http.Request) bool {
	if f.ShouldBeIncluded == nil {
		return true
	}
	return f.ShouldBeIncluded(r)
}

type registeredFragment struct {
	*Fragment
	routes []*regexp.Regexp
}

func (rf *registeredFragment) matchesPath(path string) bool {
	for _, re := range rf.routes {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// Registry is the process-wide fragment map: a sync.RWMutex-guarded
// map safe for concurrent reads during request handling and rare
// writes at startup registration, mirroring the teacher's
// pkg/ingress.Router / pkg/events.Broker state shape.
type Registry struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]*registeredFragment
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*registeredFragment)}
}

// Register adds or replaces a fragment definition. PrePierceRoutes
// patterns are compiled at registration time so matching during
// request handling never touches regexp.Compile.
func (reg *Registry) Register(f *Fragment) error {
	routes := make([]*regexp.Regexp, 0, len(f.PrePierceRoutes))
	for _, pattern := range f.PrePierceRoutes {
		re, err := globToRegexp(pattern)
		if err != nil {
			return err
		}
		routes = append(routes, re)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.byID[f.ID]; !exists {
		reg.order = append(reg.order, f.ID)
	}
	reg.byID[f.ID] = &registeredFragment{Fragment: f, routes: routes}
	return nil
}

// Unregister removes a fragment by id.
func (reg *Registry) Unregister(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.byID[id]; !ok {
		return
	}
	delete(reg.byID, id)
	for i, existing := range reg.order {
		if existing == id {
			reg.order = append(reg.order[:i], reg.order[i+1:]...)
			break
		}
	}
}

// Get returns the fragment registered under id.
func (reg *Registry) Get(id string) (*Fragment, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	rf, ok := reg.byID[id]
	if !ok {
		return nil, false
	}
	return rf.Fragment, true
}

// Len reports how many fragments are registered.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.order)
}

// PrePierceCandidates returns, in registration order, every fragment
// whose PrePierceRoutes match path and whose ShouldBeIncluded(r) passes.
func (reg *Registry) PrePierceCandidates(path string, r *http.Request) []*Fragment {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var out []*Fragment
	for _, id := range reg.order {
		rf := reg.byID[id]
		if len(rf.routes) == 0 || !rf.matchesPath(path) {
			continue
		}
		if !rf.included(r) {
			continue
		}
		out = append(out, rf.Fragment)
	}
	return out
}
