package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchPollReportsChangeSinceVersionstamp(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/watch/poll?keys=counters/hits", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	var first struct {
		Changes       []map[string]any `json:"changes"`
		Versionstamps map[string]any   `json:"versionstamps"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.Empty(t, first.Changes)

	put := httptest.NewRequest("PUT", "/keys/counters/hits", bytes.NewBufferString(`1`))
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, put)
	require.Equal(t, 200, w.Code)

	req = httptest.NewRequest("GET", "/watch/poll?keys=counters/hits", nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	var second struct {
		Changes []map[string]any `json:"changes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	require.Len(t, second.Changes, 1)
}
