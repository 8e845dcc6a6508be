package httpapi

import "github.com/cuemby/kvforge/pkg/storage"

// entryJSON is the wire shape of one storage.Entry.
type entryJSON struct {
	Key          []any  `json:"key"`
	Value        any    `json:"value"`
	Versionstamp string `json:"versionstamp"`
	ExpiresAt    *int64 `json:"expiresAt,omitempty"`
}

func renderEntry(e *storage.Entry) entryJSON {
	if e == nil {
		return entryJSON{}
	}
	return entryJSON{
		Key:          keyToJSON(e.Key),
		Value:        e.Value,
		Versionstamp: e.Versionstamp.String(),
		ExpiresAt:    e.ExpiresAt,
	}
}

func renderEntries(entries []*storage.Entry) []entryJSON {
	out := make([]entryJSON, len(entries))
	for i, e := range entries {
		out[i] = renderEntry(e)
	}
	return out
}
