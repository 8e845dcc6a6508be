package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/cuemby/kvforge/pkg/filter"
	"github.com/cuemby/kvforge/pkg/keycodec"
	"github.com/cuemby/kvforge/pkg/kverr"
	"github.com/cuemby/kvforge/pkg/storage"
)

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromPath(r.PathValue("path"))
	if err != nil {
		writeError(w, err)
		return
	}
	entry, err := s.Store.Get(requestContext(r), key)
	if err != nil {
		writeError(w, err)
		return
	}
	if entry == nil {
		writeError(w, kverr.New(kverr.NotFound, "key not found"))
		return
	}
	writeJSON(w, http.StatusOK, renderEntry(entry))
}

func (s *Server) handleSetKey(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromPath(r.PathValue("path"))
	if err != nil {
		writeError(w, err)
		return
	}
	var value any
	if err := decodeJSON(r, &value); err != nil {
		writeError(w, err)
		return
	}

	var opts storage.SetOptions
	if raw := r.URL.Query().Get("expireIn"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, kverr.Wrap(kverr.InvalidArgument, "parse expireIn", err))
			return
		}
		opts.ExpireIn = ms
	}

	vs, err := s.Store.Set(requestContext(r), key, value, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"versionstamp": vs.String()})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromPath(r.PathValue("path"))
	if err != nil {
		writeError(w, err)
		return
	}
	opts, err := decodeDeleteOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := s.Store.Delete(requestContext(r), key, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func decodeDeleteOptions(r *http.Request) (storage.DeleteOptions, error) {
	if r.ContentLength <= 0 {
		return storage.DeleteOptions{}, nil
	}
	var body struct {
		Where *filter.Node `json:"where"`
	}
	if err := decodeJSON(r, &body); err != nil {
		return storage.DeleteOptions{}, err
	}
	return storage.DeleteOptions{Where: body.Where}, nil
}

func (s *Server) handleBatchGet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if len(body.Keys) > maxBatchSize {
		writeError(w, kverr.Newf(kverr.InvalidArgument, "batch size %d exceeds maximum %d", len(body.Keys), maxBatchSize))
		return
	}
	keys := make([]keycodec.Key, len(body.Keys))
	for i, raw := range body.Keys {
		key, err := keyFromJSON(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		keys[i] = key
	}

	entries, err := s.Store.GetBatch(requestContext(r), keys)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": renderEntries(entries)})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	prefix, err := keyFromPath(q.Get("prefix"))
	if err != nil {
		writeError(w, err)
		return
	}
	opts, err := listOptionsFromQuery(q)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.Store.List(requestContext(r), prefix, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": renderEntries(entries)})
}

func listOptionsFromQuery(q url.Values) (storage.ListOptions, error) {
	var opts storage.ListOptions
	if raw := q.Get("start"); raw != "" {
		b, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return opts, kverr.Wrap(kverr.InvalidArgument, "decode start", err)
		}
		opts.Start = b
	}
	if raw := q.Get("end"); raw != "" {
		b, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return opts, kverr.Wrap(kverr.InvalidArgument, "decode end", err)
		}
		opts.End = b
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return opts, kverr.Wrap(kverr.InvalidArgument, "parse limit", err)
		}
		opts.Limit = n
	}
	if q.Get("reverse") == "true" {
		opts.Reverse = true
	}
	return opts, nil
}

func (s *Server) handleListFiltered(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prefix  json.RawMessage `json:"prefix"`
		Start   string          `json:"start"`
		End     string          `json:"end"`
		Limit   int             `json:"limit"`
		Reverse bool            `json:"reverse"`
		Where   *filter.Node    `json:"where"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	prefix, err := decodePrefixField(body.Prefix)
	if err != nil {
		writeError(w, err)
		return
	}
	opts := storage.ListOptions{Limit: body.Limit, Reverse: body.Reverse, Where: body.Where}
	if body.Start != "" {
		b, err := base64.StdEncoding.DecodeString(body.Start)
		if err != nil {
			writeError(w, kverr.Wrap(kverr.InvalidArgument, "decode start", err))
			return
		}
		opts.Start = b
	}
	if body.End != "" {
		b, err := base64.StdEncoding.DecodeString(body.End)
		if err != nil {
			writeError(w, kverr.Wrap(kverr.InvalidArgument, "decode end", err))
			return
		}
		opts.End = b
	}

	entries, err := s.Store.List(requestContext(r), prefix, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": renderEntries(entries)})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	prefix, err := keyFromPath(r.URL.Query().Get("prefix"))
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := s.Store.Count(requestContext(r), prefix)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) handlePaginate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	prefix, err := keyFromPath(q.Get("prefix"))
	if err != nil {
		writeError(w, err)
		return
	}
	opts := storage.PaginateOptions{Cursor: q.Get("cursor")}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, kverr.Wrap(kverr.InvalidArgument, "parse limit", err))
			return
		}
		opts.Limit = n
	}
	if q.Get("reverse") == "true" {
		opts.Reverse = true
	}

	page, err := s.Store.Paginate(requestContext(r), prefix, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": renderEntries(page.Entries),
		"cursor":  page.Cursor,
		"hasMore": page.HasMore,
	})
}

func decodePrefixField(raw json.RawMessage) (keycodec.Key, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	return keyFromJSON(raw)
}
