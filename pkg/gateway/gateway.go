package gateway

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/cuemby/kvforge/pkg/gateway/stream"
	"github.com/cuemby/kvforge/pkg/log"
)

const (
	fragmentSSRPrefix   = "/piercing-fragment/"
	fragmentAssetPrefix = "/_fragment/"
)

// ComponentsModuleURL is served verbatim as the src of the client
// component-registration script injected into pre-pierced pages.
const ComponentsModuleURL = "/_piercing/register-components.js"

// Gateway is the stateless piercing middleware described in the
// fragment registry and request-handling sections: it owns no
// per-request state beyond what's attached to the incoming
// http.Request, so a single instance serves every request
// concurrently. Grounded on the teacher's pkg/ingress.Proxy shape
// (an explicit http.Handler wrapping a next hop, header propagation
// via a Director-like rewrite step).
type Gateway struct {
	Registry *Registry
	Next     http.Handler

	// GetShellHTML fetches the page shell to pierce fragments into.
	GetShellHTML func(r *http.Request) (io.ReadCloser, error)

	// ShouldPiercingBeEnabled gates the whole pre-pierce path. A nil
	// func always enables piercing.
	ShouldPiercingBeEnabled func(r *http.Request) bool

	// GenerateMessageBusState lets the caller enrich the state read
	// from the incoming request header before it's broadcast to
	// fragments and the shell's bootstrap script.
	GenerateMessageBusState func(state map[string]any, r *http.Request) map[string]any
}

// New creates a Gateway wrapping next with registry.
func New(registry *Registry, next http.Handler) *Gateway {
	return &Gateway{Registry: registry, Next: next}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, fragmentSSRPrefix):
		g.serveFragmentSSR(w, r, strings.TrimPrefix(r.URL.Path, fragmentSSRPrefix))
		return
	case strings.HasPrefix(r.URL.Path, fragmentAssetPrefix):
		g.serveFragmentAsset(w, r, strings.TrimPrefix(r.URL.Path, fragmentAssetPrefix))
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/html") && g.Registry.Len() > 0 {
		g.servePrePierced(w, r)
		return
	}

	g.Next.ServeHTTP(w, r)
}

func (g *Gateway) serveFragmentSSR(w http.ResponseWriter, r *http.Request, id string) {
	frag, ok := g.Registry.Get(id)
	if !ok || !frag.included(r) {
		http.NotFound(w, r)
		return
	}

	childReq := r.Clone(r.Context())
	writeState(childReq, readState(r))

	body, err := g.fetchFragmentBody(childReq, frag)
	if err != nil {
		log.WithFragmentID(id).Warn().Err(err).Msg("on-demand fragment fetch failed")
		http.Error(w, "fragment fetch failed", http.StatusInternalServerError)
		return
	}
	if body == nil {
		log.WithFragmentID(id).Warn().Msg("fragment returned empty body")
		http.Error(w, "fragment returned empty body", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html")
	wrapped := wrapFragmentHost(id, frag.PrePiercingStyles, body)
	defer wrapped.Close()
	io.Copy(w, wrapped)
}

func (g *Gateway) serveFragmentAsset(w http.ResponseWriter, r *http.Request, rest string) {
	idx := strings.IndexByte(rest, '/')
	var id, remainder string
	if idx < 0 {
		id, remainder = rest, "/"
	} else {
		id, remainder = rest[:idx], rest[idx:]
	}

	frag, ok := g.Registry.Get(id)
	if !ok || frag.ServeAssets == nil {
		http.NotFound(w, r)
		return
	}
	if !strings.HasPrefix(remainder, "/") {
		remainder = "/" + remainder
	}
	r.URL.Path = remainder
	frag.ServeAssets.ServeHTTP(w, r)
}

func (g *Gateway) servePrePierced(w http.ResponseWriter, r *http.Request) {
	if g.ShouldPiercingBeEnabled != nil && !g.ShouldPiercingBeEnabled(r) {
		g.Next.ServeHTTP(w, r)
		return
	}

	state := readState(r)
	if g.GenerateMessageBusState != nil {
		state = g.GenerateMessageBusState(state, r)
	}

	if g.GetShellHTML == nil {
		http.Error(w, "no shell configured", http.StatusInternalServerError)
		return
	}
	shellBody, err := g.GetShellHTML(r)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("failed to fetch shell html")
		http.Error(w, "failed to fetch shell", http.StatusInternalServerError)
		return
	}
	shellBytes, err := io.ReadAll(shellBody)
	shellBody.Close()
	if err != nil {
		log.Logger.Warn().Err(err).Msg("failed to read shell html")
		http.Error(w, "failed to read shell", http.StatusInternalServerError)
		return
	}

	candidates := g.Registry.PrePierceCandidates(r.URL.Path, r)
	fragmentBodies := g.fetchPrePierceFragments(r, state, candidates)

	encodedState, err := json.Marshal(state)
	if err != nil {
		encodedState = []byte("{}")
	}
	headInsertion := fmt.Sprintf(
		`<script>window.__PIERCING_MESSAGE_BUS_STATE__ = %s;</script><script type="module" src=%q></script>`,
		encodedState, ComponentsModuleURL,
	)
	shellWithHead := insertBeforeHeadClose(shellBytes, []byte(headInsertion))
	pre, post := splitAtBodyClose(shellWithHead)

	readers := make([]io.Reader, 0, len(fragmentBodies)+2)
	readers = append(readers, bytes.NewReader(pre))
	for _, fb := range fragmentBodies {
		readers = append(readers, fb)
	}
	readers = append(readers, bytes.NewReader(post))

	w.Header().Set("Content-Type", "text/html")
	final := stream.Concat(readers...)
	defer final.Close()
	io.Copy(w, final)
}

// fetchPrePierceFragments fetches every candidate fragment's body in
// parallel, dropping any that error or return no content, and returns
// the wrapped host-element streams in candidate order.
func (g *Gateway) fetchPrePierceFragments(r *http.Request, state map[string]any, candidates []*Fragment) []io.Reader {
	results := make([]io.Reader, len(candidates))
	var wg sync.WaitGroup
	for i, frag := range candidates {
		wg.Add(1)
		go func(i int, frag *Fragment) {
			defer wg.Done()
			childReq := r.Clone(r.Context())
			writeState(childReq, state)
			body, err := g.fetchFragmentBody(childReq, frag)
			if err != nil {
				log.WithFragmentID(frag.ID).Warn().Err(err).Msg("pre-pierce fragment fetch failed, skipping")
				return
			}
			if body == nil {
				log.WithFragmentID(frag.ID).Warn().Msg("pre-pierce fragment returned empty body, skipping")
				return
			}
			results[i] = wrapFragmentHost(frag.ID, frag.PrePiercingStyles, body)
		}(i, frag)
	}
	wg.Wait()

	out := make([]io.Reader, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// fetchFragmentBody builds the child request (state header applied,
// optionally rewritten by TransformRequest with the header reapplied
// afterward), calls FetchFragment, and returns its body reader or nil
// if the body is empty.
func (g *Gateway) fetchFragmentBody(r *http.Request, frag *Fragment) (io.Reader, error) {
	childReq := r
	if frag.TransformRequest != nil {
		state := r.Header.Get(StateHeader)
		rewritten, err := frag.TransformRequest(childReq)
		if err != nil {
			return nil, err
		}
		rewritten.Header.Set(StateHeader, state)
		childReq = rewritten
	}

	if frag.FetchFragment == nil {
		return nil, fmt.Errorf("fragment %q has no FetchFragment", frag.ID)
	}
	resp, err := frag.FetchFragment(childReq)
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Body == nil {
		return nil, nil
	}

	reader := bufio.NewReader(resp.Body)
	if _, peekErr := reader.Peek(1); peekErr != nil {
		resp.Body.Close()
		return nil, nil
	}
	return readCloserWithUnderlying{Reader: reader, closer: resp.Body}, nil
}

type readCloserWithUnderlying struct {
	io.Reader
	closer io.Closer
}

func (r readCloserWithUnderlying) Close() error { return r.closer.Close() }

func wrapFragmentHost(id, styles string, body io.Reader) io.ReadCloser {
	prefix := fmt.Sprintf(`<piercing-fragment-host fragment-id=%q>`, id)
	if styles != "" {
		prefix += "<style>" + styles + "</style>"
	}
	return stream.WrapText(prefix, body, "</piercing-fragment-host>")
}
