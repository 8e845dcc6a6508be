package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetDeleteKeyRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("PUT", "/keys/users/1", bytes.NewBufferString(`{"name":"alice"}`))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	var setResp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &setResp))
	assert.NotEmpty(t, setResp["versionstamp"])

	req = httptest.NewRequest("GET", "/keys/users/1", nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	var got entryJSON
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	m := got.Value.(map[string]any)
	assert.Equal(t, "alice", m["name"])

	req = httptest.NewRequest("DELETE", "/keys/users/1", nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	req = httptest.NewRequest("GET", "/keys/users/1", nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, 404, w.Code)
}

func TestGetMissingKeyReturns404(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/keys/nothing/here", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, 404, w.Code)
}

func TestListByPrefix(t *testing.T) {
	s, _ := newTestServer(t)

	for _, id := range []string{"1", "2", "3"} {
		req := httptest.NewRequest("PUT", "/keys/users/"+id, bytes.NewBufferString(`{"n":`+id+`}`))
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		require.Equal(t, 200, w.Code)
	}

	req := httptest.NewRequest("GET", "/keys?prefix=users", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	var resp struct {
		Entries []entryJSON `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Entries, 3)
}

func TestBatchGetEnforcesLimit(t *testing.T) {
	s, _ := newTestServer(t)

	keys := make([][]any, maxBatchSize+1)
	for i := range keys {
		keys[i] = []any{"too-many"}
	}
	body, err := json.Marshal(map[string]any{"keys": keys})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/keys/batch", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, 400, w.Code)
}
