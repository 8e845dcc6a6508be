package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/kvforge/pkg/log"
)

// StateHeader is the HTTP header carrying the JSON-encoded message-bus
// state between shell and fragments.
const StateHeader = "x-message-bus-state"

// readState decodes the message-bus state from r. A missing or
// malformed header is treated as empty state and logged.
func readState(r *http.Request) map[string]any {
	raw := r.Header.Get(StateHeader)
	if raw == "" {
		return map[string]any{}
	}
	var state map[string]any
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		log.Logger.Warn().Err(err).Msg("malformed message-bus state header, using empty state")
		return map[string]any{}
	}
	return state
}

// writeState re-encodes state and sets it on r's header.
func writeState(r *http.Request, state map[string]any) {
	encoded, err := json.Marshal(state)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("failed to encode message-bus state")
		encoded = []byte("{}")
	}
	r.Header.Set(StateHeader, string(encoded))
}
