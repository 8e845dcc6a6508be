package httpapi

import (
	"net/http"

	"github.com/cuemby/kvforge/pkg/filter"
	"github.com/cuemby/kvforge/pkg/fts"
)

func (s *Server) handleIndexCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prefix    string   `json:"prefix"`
		Fields    []string `json:"fields"`
		Tokenizer string   `json:"tokenizer"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	prefix, err := keyFromPath(body.Prefix)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.FTS.CreateIndex(requestContext(r), prefix, body.Fields, body.Tokenizer); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleIndexDrop(w http.ResponseWriter, r *http.Request) {
	prefix, err := keyFromPath(r.URL.Query().Get("prefix"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.FTS.DropIndex(requestContext(r), prefix); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleIndexList is intentionally minimal: the catalog is consulted
// through CreateIndex/DropIndex/Search rather than enumerated wholesale,
// mirroring pkg/fts's own matching-by-prefix design.
func (s *Server) handleIndexList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"info": "index listing is not supported; call /search against a known prefix"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var prefixRaw, query string
	var limit int
	var where *filter.Node

	if r.Method == http.MethodPost {
		var body struct {
			Prefix string       `json:"prefix"`
			Query  string       `json:"query"`
			Limit  int          `json:"limit"`
			Where  *filter.Node `json:"where"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		prefixRaw, query, limit, where = body.Prefix, body.Query, body.Limit, body.Where
	} else {
		q := r.URL.Query()
		prefixRaw, query = q.Get("prefix"), q.Get("query")
	}

	prefix, err := keyFromPath(prefixRaw)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.FTS.Search(requestContext(r), prefix, query, fts.SearchOptions{Limit: limit, Where: where})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": renderEntries(entries)})
}
