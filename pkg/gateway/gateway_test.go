package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestFragmentSSRWrapsBodyAndSetsContentType(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Fragment{
		ID: "nav",
		FetchFragment: func(r *http.Request) (*http.Response, error) {
			return fakeResponse("<nav>hi</nav>"), nil
		},
		PrePiercingStyles: "nav{color:red}",
	}))
	gw := New(reg, http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/piercing-fragment/nav", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Equal(t, `<piercing-fragment-host fragment-id="nav"><style>nav{color:red}</style><nav>hi</nav></piercing-fragment-host>`, body)
}

func TestFragmentSSRUnknownIDReturns404(t *testing.T) {
	gw := New(NewRegistry(), http.NotFoundHandler())
	req := httptest.NewRequest(http.MethodGet, "/piercing-fragment/missing", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFragmentSSRFetchErrorReturns500(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Fragment{
		ID: "broken",
		FetchFragment: func(r *http.Request) (*http.Response, error) {
			return nil, errors.New("upstream down")
		},
	}))
	gw := New(reg, http.NotFoundHandler())
	req := httptest.NewRequest(http.MethodGet, "/piercing-fragment/broken", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestFragmentSSREmptyBodyReturns500(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Fragment{
		ID: "empty",
		FetchFragment: func(r *http.Request) (*http.Response, error) {
			return fakeResponse(""), nil
		},
	}))
	gw := New(reg, http.NotFoundHandler())
	req := httptest.NewRequest(http.MethodGet, "/piercing-fragment/empty", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestFragmentSSRShouldBeIncludedFalseReturns404(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Fragment{
		ID:               "gated",
		FetchFragment:    func(r *http.Request) (*http.Response, error) { return fakeResponse("x"), nil },
		ShouldBeIncluded: func(r *http.Request) bool { return false },
	}))
	gw := New(reg, http.NotFoundHandler())
	req := httptest.NewRequest(http.MethodGet, "/piercing-fragment/gated", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFragmentSSRPropagatesStateHeader(t *testing.T) {
	var seen string
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Fragment{
		ID: "echo",
		FetchFragment: func(r *http.Request) (*http.Response, error) {
			seen = r.Header.Get(StateHeader)
			return fakeResponse("ok"), nil
		},
	}))
	gw := New(reg, http.NotFoundHandler())
	req := httptest.NewRequest(http.MethodGet, "/piercing-fragment/echo", nil)
	req.Header.Set(StateHeader, `{"user":"alice"}`)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.JSONEq(t, `{"user":"alice"}`, seen)
}

func TestFragmentAssetProxiesRewrittenPath(t *testing.T) {
	var gotPath string
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Fragment{
		ID: "nav",
		ServeAssets: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			w.WriteHeader(http.StatusOK)
		}),
	}))
	gw := New(reg, http.NotFoundHandler())
	req := httptest.NewRequest(http.MethodGet, "/_fragment/nav/assets/app.js", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/assets/app.js", gotPath)
}

func TestFragmentAssetNoServeAssetsReturns404(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Fragment{ID: "nav"}))
	gw := New(reg, http.NotFoundHandler())
	req := httptest.NewRequest(http.MethodGet, "/_fragment/nav/app.js", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPrePierceInjectsScriptsAndFragments(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Fragment{
		ID:              "a",
		PrePierceRoutes: []string{"/*"},
		FetchFragment: func(r *http.Request) (*http.Response, error) {
			return fakeResponse("A-BODY"), nil
		},
	}))
	require.NoError(t, reg.Register(&Fragment{
		ID:              "b",
		PrePierceRoutes: []string{"/*"},
		FetchFragment: func(r *http.Request) (*http.Response, error) {
			return fakeResponse("B-BODY"), nil
		},
	}))

	gw := New(reg, http.NotFoundHandler())
	gw.GetShellHTML = func(r *http.Request) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("<!doctype html><html><head></head><body>S</body></html>")), nil
	}

	req := httptest.NewRequest(http.MethodGet, "/page", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "window.__PIERCING_MESSAGE_BUS_STATE__")
	assert.Contains(t, body, ComponentsModuleURL)
	assert.True(t, strings.Index(body, "__PIERCING_MESSAGE_BUS_STATE__") < strings.Index(body, "</head>"))

	idxA := strings.Index(body, `fragment-id="a"`)
	idxB := strings.Index(body, `fragment-id="b"`)
	require.True(t, idxA >= 0 && idxB >= 0)
	assert.True(t, idxA < idxB)
	assert.True(t, idxB < strings.Index(body, "</body>"))
	assert.Contains(t, body, "A-BODY")
	assert.Contains(t, body, "B-BODY")
}

func TestPrePierceSkipsFailedFragmentButRendersShell(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Fragment{
		ID:              "broken",
		PrePierceRoutes: []string{"/*"},
		FetchFragment: func(r *http.Request) (*http.Response, error) {
			return nil, errors.New("down")
		},
	}))
	gw := New(reg, http.NotFoundHandler())
	gw.GetShellHTML = func(r *http.Request) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("<html><head></head><body>shell</body></html>")), nil
	}

	req := httptest.NewRequest(http.MethodGet, "/page", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shell")
	assert.NotContains(t, rec.Body.String(), "piercing-fragment-host")
}

func TestPrePierceOnlyMatchesRoutesThatGlobMatch(t *testing.T) {
	reg := NewRegistry()
	called := false
	require.NoError(t, reg.Register(&Fragment{
		ID:              "admin-only",
		PrePierceRoutes: []string{"/admin/*"},
		FetchFragment: func(r *http.Request) (*http.Response, error) {
			called = true
			return fakeResponse("admin"), nil
		},
	}))
	gw := New(reg, http.NotFoundHandler())
	gw.GetShellHTML = func(r *http.Request) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("<html><head></head><body></body></html>")), nil
	}

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.False(t, called)
	assert.NotContains(t, rec.Body.String(), "admin-only")
}

func TestShouldPiercingBeEnabledFalsePassesThrough(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Fragment{ID: "a", PrePierceRoutes: []string{"/*"}}))
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	gw := New(reg, next)
	gw.ShouldPiercingBeEnabled = func(r *http.Request) bool { return false }

	req := httptest.NewRequest(http.MethodGet, "/page", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestNonHTMLRequestPassesThrough(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Fragment{ID: "a", PrePierceRoutes: []string{"/*"}}))
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	gw := New(reg, next)

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestGenerateMessageBusStateEnrichesBootstrapScript(t *testing.T) {
	reg := NewRegistry()
	gw := New(reg, http.NotFoundHandler())
	gw.GetShellHTML = func(r *http.Request) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("<html><head></head><body></body></html>")), nil
	}
	gw.GenerateMessageBusState = func(state map[string]any, r *http.Request) map[string]any {
		state["enriched"] = true
		return state
	}
	require.NoError(t, reg.Register(&Fragment{ID: "a", PrePierceRoutes: []string{"/*"}}))

	req := httptest.NewRequest(http.MethodGet, "/page", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	var payload map[string]any
	start := strings.Index(rec.Body.String(), "__PIERCING_MESSAGE_BUS_STATE__ = ") + len("__PIERCING_MESSAGE_BUS_STATE__ = ")
	end := strings.Index(rec.Body.String()[start:], ";</script>") + start
	require.NoError(t, json.Unmarshal([]byte(rec.Body.String()[start:end]), &payload))
	assert.Equal(t, true, payload["enriched"])
}

func TestTransformRequestReappliesStateHeader(t *testing.T) {
	var seenDuringFetch string
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Fragment{
		ID: "xform",
		TransformRequest: func(r *http.Request) (*http.Request, error) {
			r2 := r.Clone(r.Context())
			r2.Header.Set(StateHeader, "should-be-overwritten")
			return r2, nil
		},
		FetchFragment: func(r *http.Request) (*http.Response, error) {
			seenDuringFetch = r.Header.Get(StateHeader)
			return fakeResponse("x"), nil
		},
	}))
	gw := New(reg, http.NotFoundHandler())
	req := httptest.NewRequest(http.MethodGet, "/piercing-fragment/xform", nil)
	req.Header.Set(StateHeader, `{"a":1}`)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	assert.JSONEq(t, `{"a":1}`, seenDuringFetch)
}

func TestInsertBeforeHeadCloseFallsBackToBodyThenPrepend(t *testing.T) {
	withHead := insertBeforeHeadClose([]byte("<html><head></head><body></body></html>"), []byte("X"))
	assert.Equal(t, "<html><head>X</head><body></body></html>", string(withHead))

	withBodyOnly := insertBeforeHeadClose([]byte("<html><body id=1></body></html>"), []byte("X"))
	assert.Equal(t, "<html><body id=1>X</body></html>", string(withBodyOnly))

	withNeither := insertBeforeHeadClose([]byte("plain text"), []byte("X"))
	assert.Equal(t, "Xplain text", string(withNeither))
}

func TestSplitAtBodyCloseHandlesMissingTag(t *testing.T) {
	pre, post := splitAtBodyClose([]byte("no body close here"))
	assert.Equal(t, "no body close here", string(pre))
	assert.Empty(t, post)

	pre, post = splitAtBodyClose([]byte("head</body>tail"))
	assert.Equal(t, "head", string(pre))
	assert.Equal(t, "</body>tail", string(post))
}

func TestRegistryReRegisterReplacesWithoutDuplicatingOrder(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Fragment{ID: "a"}))
	require.NoError(t, reg.Register(&Fragment{ID: "b"}))
	require.NoError(t, reg.Register(&Fragment{ID: "a", PrePiercingStyles: "new"}))

	assert.Equal(t, 2, reg.Len())
	f, ok := reg.Get("a")
	require.True(t, ok)
	assert.Equal(t, "new", f.PrePiercingStyles)
}

func TestRegistryUnregisterRemovesFragment(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Fragment{ID: "a"}))
	reg.Unregister("a")
	_, ok := reg.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Len())
}
