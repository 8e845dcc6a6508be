package httpapi

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"github.com/cuemby/kvforge/pkg/keycodec"
	"github.com/cuemby/kvforge/pkg/kverr"
	"github.com/cuemby/kvforge/pkg/versionstamp"
	"github.com/cuemby/kvforge/pkg/watch"
)

func parseCommaKeys(raw string) ([]keycodec.Key, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	keys := make([]keycodec.Key, len(parts))
	for i, p := range parts {
		key, err := keyFromPath(p)
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}
	return keys, nil
}

func changeJSON(c watch.Change) map[string]any {
	out := map[string]any{"key": keyToJSON(c.Key)}
	if c.Versionstamp != nil {
		out["versionstamp"] = c.Versionstamp.String()
	} else {
		out["versionstamp"] = nil
	}
	return out
}

func changesJSON(changes []watch.Change) []map[string]any {
	out := make([]map[string]any, len(changes))
	for i, c := range changes {
		out[i] = changeJSON(c)
	}
	return out
}

func (s *Server) handleWatchKeySet(w http.ResponseWriter, r *http.Request) {
	keys, err := parseCommaKeys(r.URL.Query().Get("keys"))
	if err != nil {
		writeError(w, err)
		return
	}
	emitInitially := r.URL.Query().Get("initial") == "true"

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}
	poller := watch.NewKeySetWatcher(s.Store, keys, emitInitially)
	_ = watch.Run(r.Context(), poller, watch.DefaultInterval,
		func(changes []watch.Change) error { return sse.event("change", changesJSON(changes)) },
		sse.ping,
	)
}

func (s *Server) handleWatchPrefix(w http.ResponseWriter, r *http.Request) {
	prefix, err := keyFromPath(r.URL.Query().Get("prefix"))
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, kverr.Wrap(kverr.InvalidArgument, "parse limit", err))
			return
		}
		limit = n
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}
	poller := watch.NewPrefixWatcher(s.Store, prefix, limit)
	_ = watch.Run(r.Context(), poller, watch.DefaultInterval,
		func(changes []watch.Change) error { return sse.event("change", changesJSON(changes)) },
		sse.ping,
	)
}

func (s *Server) handleWatchPoll(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	keys, err := parseCommaKeys(q.Get("keys"))
	if err != nil {
		writeError(w, err)
		return
	}

	stamps := make(map[string]*versionstamp.Versionstamp)
	if raw := q.Get("versionstamps"); raw != "" {
		parts := strings.Split(raw, ",")
		for i, key := range keys {
			if i >= len(parts) || parts[i] == "" {
				continue
			}
			enc, err := keycodec.Encode(key)
			if err != nil {
				writeError(w, err)
				return
			}
			vs, err := versionstamp.ParseString(parts[i])
			if err != nil {
				writeError(w, kverr.Wrap(kverr.InvalidArgument, "parse versionstamp", err))
				return
			}
			stamps[hex.EncodeToString(enc)] = &vs
		}
	}

	changes, newStamps, err := watch.OneShotKeySet(requestContext(r), s.Store, keys, stamps)
	if err != nil {
		writeError(w, err)
		return
	}

	stampsOut := make(map[string]any, len(newStamps))
	for id, vs := range newStamps {
		if vs == nil {
			stampsOut[id] = nil
		} else {
			stampsOut[id] = vs.String()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"changes":       changesJSON(changes),
		"versionstamps": stampsOut,
	})
}
