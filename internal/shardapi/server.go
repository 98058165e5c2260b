// Package shardapi implements the per-shard HTTP surface described in
// spec.md §6: health/stats, and the GET/PUT/DELETE /kv operations that
// invoke the storage engine and (for originating writes) the
// replicator.
package shardapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/devrev/kvring/internal/apierrors"
	"github.com/devrev/kvring/internal/engine"
	"github.com/devrev/kvring/internal/metrics"
	"github.com/devrev/kvring/internal/record"
	"github.com/devrev/kvring/internal/replicator"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Server wires the storage engine and replicator behind the shard's
// HTTP surface.
type Server struct {
	ShardID    string
	Port       int
	engine     *engine.Engine
	replicator *replicator.Replicator
	logger     *zap.Logger
	metrics    *metrics.Metrics
	registry   *prometheus.Registry
}

// New builds a shard Server.
func New(shardID string, port int, eng *engine.Engine, repl *replicator.Replicator, logger *zap.Logger, m *metrics.Metrics, reg *prometheus.Registry) *Server {
	return &Server{ShardID: shardID, Port: port, engine: eng, replicator: repl, logger: logger, metrics: m, registry: reg}
}

// Routes builds the mux.Router exposing this shard's HTTP surface.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler(s.registry)).Methods(http.MethodGet)
	r.HandleFunc("/kv", s.handleKV)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		apierrors.Write(w, s.logger, http.StatusNotFound, apierrors.CodeNotFoundPath, "not found")
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"shard":  s.ShardID,
		"port":   s.Port,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	keys := s.engine.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"shard": s.ShardID,
		"keys":  len(keys),
	})
}

func (s *Server) handleKV(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		apierrors.Write(w, s.logger, http.StatusBadRequest, apierrors.CodeMissingKey, "missing key parameter")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGet(w, key)
	case http.MethodPut:
		s.handlePut(w, r, key)
	case http.MethodDelete:
		s.handleDelete(w, r, key)
	default:
		apierrors.Write(w, s.logger, http.StatusMethodNotAllowed, apierrors.CodeMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleGet(w http.ResponseWriter, key string) {
	rec, ok := s.engine.Get(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"found": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"found": true,
		"value": rec.Value,
		"ts":    rec.TS,
	})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, key string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierrors.Write(w, s.logger, http.StatusBadRequest, apierrors.CodeInvalidJSON, "failed to read body")
		return
	}

	value, err := decodeValue(r.Header.Get("Content-Type"), body)
	if err != nil {
		apierrors.Write(w, s.logger, http.StatusBadRequest, apierrors.CodeInvalidJSON, err.Error())
		return
	}

	if _, err := s.engine.Put(key, value); err != nil {
		s.handleEngineError(w, err)
		return
	}

	s.respondAfterApply(w, r, replicator.Op{
		Method:      http.MethodPut,
		Key:         key,
		Body:        body,
		ContentType: r.Header.Get("Content-Type"),
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, key string) {
	if _, err := s.engine.Delete(key); err != nil {
		s.handleEngineError(w, err)
		return
	}

	s.respondAfterApply(w, r, replicator.Op{
		Method: http.MethodDelete,
		Key:    key,
	})
}

// respondAfterApply replicates an originating write to peers (unless
// this request is itself a forwarded replica apply) and writes the
// {ok, acks, quorum} reply (spec.md §4.3).
func (s *Server) respondAfterApply(w http.ResponseWriter, r *http.Request, op replicator.Op) {
	if replicator.IsForwarded(r.Header) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "acks": 1, "quorum": 1})
		return
	}

	result := s.replicator.Replicate(r.Context(), op)
	if s.metrics != nil {
		s.metrics.ObserveReplicationAcks(result.Acks)
	}

	status := http.StatusOK
	if !result.OK {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]interface{}{
		"ok":     result.OK,
		"acks":   result.Acks,
		"quorum": result.Quorum,
	})
}

func (s *Server) handleEngineError(w http.ResponseWriter, err error) {
	switch err {
	case engine.ErrEmptyKey:
		apierrors.Write(w, s.logger, http.StatusBadRequest, apierrors.CodeMissingKey, err.Error())
	case engine.ErrEngineClosed:
		apierrors.Write(w, s.logger, http.StatusInternalServerError, apierrors.CodeEngineClosed, err.Error())
	default:
		apierrors.Write(w, s.logger, http.StatusInternalServerError, apierrors.CodeInternal, err.Error())
	}
}

// decodeValue interprets a PUT body per spec.md §6: an
// "application/json" content type parses the body as JSON (400 on
// failure), anything else stores the raw body as a scalar string.
func decodeValue(contentType string, body []byte) (record.Value, error) {
	if isJSONContentType(contentType) {
		var v interface{}
		if err := json.Unmarshal(body, &v); err != nil {
			return record.Value{}, err
		}
		return record.NewJSON(v), nil
	}
	return record.NewBytes(body), nil
}

func isJSONContentType(contentType string) bool {
	mediaType := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	return strings.EqualFold(mediaType, "application/json")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
