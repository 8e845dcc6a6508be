package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueEnqueuePollAck(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/queue/enqueue", bytes.NewBufferString(`{"value":{"task":"ship"}}`))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	var enq map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &enq))
	id := enq["id"]
	require.NotEmpty(t, id)

	req = httptest.NewRequest("GET", "/queue/poll", nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	var polled map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &polled))
	assert.Equal(t, id, polled["id"])
	assert.EqualValues(t, 1, polled["attempts"])

	// The message is leased; a second poll finds nothing ready.
	req = httptest.NewRequest("GET", "/queue/poll", nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)
	assert.Equal(t, "null\n", w.Body.String())

	ackBody, _ := json.Marshal(map[string]string{"id": id})
	req = httptest.NewRequest("POST", "/queue/ack", bytes.NewReader(ackBody))
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	req = httptest.NewRequest("GET", "/queue/stats", nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	var stats map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.EqualValues(t, 0, stats["Total"])
}

func TestQueueNackReturnsToPending(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/queue/enqueue", bytes.NewBufferString(`{"value":"retry-me"}`))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)
	var enq map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &enq))

	req = httptest.NewRequest("GET", "/queue/poll", nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	nackBody, _ := json.Marshal(map[string]string{"id": enq["id"]})
	req = httptest.NewRequest("POST", "/queue/nack", bytes.NewReader(nackBody))
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	req = httptest.NewRequest("GET", "/queue/stats", nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.EqualValues(t, 1, stats["Total"])
}
