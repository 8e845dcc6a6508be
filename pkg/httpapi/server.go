// Package httpapi implements the external HTTP surface described by
// spec.md §6: the KV, atomic, watch, queue, DLQ, FTS, and metrics route
// table over net/http. The HTTP router/framework is an external
// collaborator per spec.md §1, so this package routes with the
// standard library's http.ServeMux (method-prefixed patterns, wildcard
// path capture) rather than pulling in a router dependency the pack
// never uses for this concern.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/kvforge/pkg/atomic"
	"github.com/cuemby/kvforge/pkg/fts"
	"github.com/cuemby/kvforge/pkg/kverr"
	"github.com/cuemby/kvforge/pkg/log"
	"github.com/cuemby/kvforge/pkg/metrics"
	"github.com/cuemby/kvforge/pkg/queue"
	"github.com/cuemby/kvforge/pkg/storage"
	"github.com/cuemby/kvforge/pkg/txn"
)

// Server wires the storage engine, atomic committer, queue engine, FTS
// manager, and metrics sink to the spec's HTTP route table. Queue, FTS
// and Metrics may be left nil to disable the corresponding routes (e.g. a
// deployment that runs the KV engine without the queue or FTS).
type Server struct {
	Store     *storage.Store
	Committer *atomic.Committer
	Queue     *queue.Engine
	FTS       *fts.Manager
	Metrics   *metrics.Sink

	// TxRetry configures pkg/txn.Run for any endpoint that runs a
	// server-orchestrated transaction. Zero value uses txn's defaults.
	TxRetry txn.RunOptions

	mux *http.ServeMux
}

// NewServer builds the route table and returns a ready Server. Callers
// embed Server.Handler() in an http.Server (directly, or wrapped by
// pkg/gateway for HTML piercing).
func NewServer(store *storage.Store, committer *atomic.Committer, q *queue.Engine, ftsManager *fts.Manager, sink *metrics.Sink) *Server {
	s := &Server{Store: store, Committer: committer, Queue: q, FTS: ftsManager, Metrics: sink}
	s.routes()
	return s
}

// Handler returns the assembled http.Handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("GET /keys", s.handleList)
	mux.HandleFunc("POST /keys/list", s.handleListFiltered)
	mux.HandleFunc("POST /keys/batch", s.handleBatchGet)
	mux.HandleFunc("GET /keys/count", s.handleCount)
	mux.HandleFunc("GET /keys/paginate", s.handlePaginate)
	mux.HandleFunc("GET /keys/{path...}", s.handleGetKey)
	mux.HandleFunc("PUT /keys/{path...}", s.handleSetKey)
	mux.HandleFunc("DELETE /keys/{path...}", s.handleDeleteKey)

	mux.HandleFunc("POST /atomic", s.handleAtomic)

	mux.HandleFunc("GET /watch", s.handleWatchKeySet)
	mux.HandleFunc("GET /watch/poll", s.handleWatchPoll)
	mux.HandleFunc("GET /watch/prefix", s.handleWatchPrefix)

	if s.Queue != nil {
		mux.HandleFunc("POST /queue/enqueue", s.handleQueueEnqueue)
		mux.HandleFunc("GET /queue/listen", s.handleQueueListen)
		mux.HandleFunc("GET /queue/poll", s.handleQueuePoll)
		mux.HandleFunc("POST /queue/ack", s.handleQueueAck)
		mux.HandleFunc("POST /queue/nack", s.handleQueueNack)
		mux.HandleFunc("GET /queue/stats", s.handleQueueStats)
		mux.HandleFunc("GET /queue/dlq", s.handleDLQList)
		mux.HandleFunc("GET /queue/dlq/{id}", s.handleDLQGet)
		mux.HandleFunc("POST /queue/dlq/{id}/requeue", s.handleDLQRequeue)
		mux.HandleFunc("DELETE /queue/dlq/{id}", s.handleDLQDelete)
		mux.HandleFunc("DELETE /queue/dlq", s.handleDLQPurge)
	}

	if s.FTS != nil {
		mux.HandleFunc("POST /indexes", s.handleIndexCreate)
		mux.HandleFunc("GET /indexes", s.handleIndexList)
		mux.HandleFunc("DELETE /indexes", s.handleIndexDrop)
		mux.HandleFunc("GET /search", s.handleSearch)
		mux.HandleFunc("POST /search", s.handleSearch)
	}

	if s.Metrics != nil {
		mux.HandleFunc("GET /metrics", s.handleMetricsJSON)
		mux.Handle("GET /metrics/prometheus", metrics.Handler())
	}

	s.mux = mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return kverr.Wrap(kverr.InvalidArgument, "decode request body", err)
	}
	return nil
}

// writeError maps an error's kverr.Kind to the HTTP status table in
// spec.md §7 and writes a descriptive JSON body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch kverr.KindOf(err) {
	case kverr.InvalidArgument:
		status = http.StatusBadRequest
	case kverr.NotFound:
		status = http.StatusNotFound
	case kverr.Conflict:
		status = http.StatusConflict
	case kverr.TransactionClosed:
		status = http.StatusConflict
	case kverr.CorruptKey, kverr.CorruptValue:
		status = http.StatusInternalServerError
	case kverr.IO:
		status = http.StatusInternalServerError
	case kverr.HandlerError, kverr.UpstreamFragment:
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		log.Logger.Error().Err(err).Msg("httpapi request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func requestContext(r *http.Request) context.Context { return r.Context() }
