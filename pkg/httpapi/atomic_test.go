package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicSetThenConflictingCheck(t *testing.T) {
	s, _ := newTestServer(t)

	body := `{"checks":[],"mutations":[{"type":"set","key":["counters","hits"],"value":1}]}`
	req := httptest.NewRequest("POST", "/atomic", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, true, resp["ok"])
	vs := resp["versionstamp"].(string)
	require.NotEmpty(t, vs)

	// A check against a stale versionstamp must fail the transaction.
	staleBody, err := json.Marshal(map[string]any{
		"checks": []map[string]any{
			{"key": []any{"counters", "hits"}, "expected": "00000000-0000-7000-8000-000000000000"},
		},
		"mutations": []map[string]any{
			{"type": "set", "key": []any{"counters", "hits"}, "value": 2},
		},
	})
	require.NoError(t, err)

	req = httptest.NewRequest("POST", "/atomic", bytes.NewReader(staleBody))
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["ok"])
	_, hasVS := resp["versionstamp"]
	assert.False(t, hasVS)
}

func TestAtomicSumMutation(t *testing.T) {
	s, _ := newTestServer(t)

	body := `{"mutations":[{"type":"sum","key":["counters","views"],"operand":5}]}`
	req := httptest.NewRequest("POST", "/atomic", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	req = httptest.NewRequest("GET", "/keys/counters/views", nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	var got entryJSON
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.EqualValues(t, 5, got.Value)
}

func TestAtomicUnknownMutationTypeRejected(t *testing.T) {
	s, _ := newTestServer(t)

	body := `{"mutations":[{"type":"multiply","key":["x"],"operand":2}]}`
	req := httptest.NewRequest("POST", "/atomic", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, 400, w.Code)
}
