package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/kvforge/pkg/keycodec"
	"github.com/cuemby/kvforge/pkg/kverr"
	"github.com/cuemby/kvforge/pkg/queue"
)

type enqueueOptionsJSON struct {
	DelayMS           int64             `json:"delayMs"`
	BackoffScheduleMS []int64           `json:"backoffScheduleMs"`
	KeysIfUndelivered []json.RawMessage `json:"keysIfUndelivered"`
}

func (o enqueueOptionsJSON) toEngineOptions() (queue.EnqueueOptions, error) {
	opts := queue.EnqueueOptions{Delay: time.Duration(o.DelayMS) * time.Millisecond}
	if len(o.BackoffScheduleMS) > 0 {
		opts.BackoffSchedule = make([]time.Duration, len(o.BackoffScheduleMS))
		for i, ms := range o.BackoffScheduleMS {
			opts.BackoffSchedule[i] = time.Duration(ms) * time.Millisecond
		}
	}
	if len(o.KeysIfUndelivered) > 0 {
		keys := make([]keycodec.Key, len(o.KeysIfUndelivered))
		for i, raw := range o.KeysIfUndelivered {
			key, err := keyFromJSON(raw)
			if err != nil {
				return opts, err
			}
			keys[i] = key
		}
		opts.KeysIfUndelivered = keys
	}
	return opts, nil
}

func (s *Server) handleQueueEnqueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value   any                `json:"value"`
		Options enqueueOptionsJSON `json:"options"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	opts, err := body.Options.toEngineOptions()
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.Queue.Enqueue(requestContext(r), body.Value, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func dequeuedJSON(d *queue.Dequeued) map[string]any {
	return map[string]any{"id": d.ID, "value": d.Value, "attempts": d.Attempts}
}

func (s *Server) handleQueuePoll(w http.ResponseWriter, r *http.Request) {
	msg, err := s.Queue.Dequeue(requestContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if msg == nil {
		writeJSON(w, http.StatusOK, json.RawMessage("null"))
		return
	}
	writeJSON(w, http.StatusOK, dequeuedJSON(msg))
}

func (s *Server) handleQueueListen(w http.ResponseWriter, r *http.Request) {
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()
	ticker := time.NewTicker(queue.DefaultPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg, err := s.Queue.Dequeue(ctx)
			if err != nil {
				return
			}
			if msg == nil {
				if err := sse.ping(); err != nil {
					return
				}
				continue
			}
			if err := sse.event("message", dequeuedJSON(msg)); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleQueueAck(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Queue.Ack(requestContext(r), body.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleQueueNack(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Queue.Nack(requestContext(r), body.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Queue.Stats(requestContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func dlqEntryJSON(e *queue.DLQEntry) map[string]any {
	return map[string]any{
		"id":                e.ID,
		"originalId":        e.OriginalID,
		"value":             e.Value,
		"errorMessage":      e.ErrorMessage,
		"attempts":          e.Attempts,
		"originalCreatedAt": e.OriginalCreatedAt,
		"failedAt":          e.FailedAt,
	}
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, kverr.Wrap(kverr.InvalidArgument, "parse limit", err))
			return
		}
		limit = n
	}
	entries, err := s.Queue.ListDLQ(requestContext(r), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, len(entries))
	for i, e := range entries {
		out[i] = dlqEntryJSON(e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (s *Server) handleDLQGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, err := s.Queue.GetDLQ(requestContext(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if entry == nil {
		writeError(w, kverr.New(kverr.NotFound, "dlq entry not found"))
		return
	}
	writeJSON(w, http.StatusOK, dlqEntryJSON(entry))
}

func (s *Server) handleDLQRequeue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body enqueueOptionsJSON
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	opts, err := body.toEngineOptions()
	if err != nil {
		writeError(w, err)
		return
	}
	newID, err := s.Queue.RequeueDLQ(requestContext(r), id, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": newID})
}

func (s *Server) handleDLQDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.Queue.DeleteDLQ(requestContext(r), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDLQPurge(w http.ResponseWriter, r *http.Request) {
	n, err := s.Queue.PurgeDLQ(requestContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}
