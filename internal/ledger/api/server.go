package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/execution-hub/booking-ledger/internal/ledger/consensus"
	"github.com/execution-hub/booking-ledger/internal/ledger/eventlog"
	"github.com/execution-hub/booking-ledger/internal/ledger/ledgererr"
	"github.com/execution-hub/booking-ledger/internal/ledger/protocol"
	"github.com/execution-hub/booking-ledger/internal/ledger/state"
)

// Node is the slice of consensus.Node the HTTP surface needs.
type Node interface {
	ID() string
	RaftAddr() string
	State() string
	IsLeader() bool
	LeaderAddr() string
	LeaderNodeID() string
	Stats() map[string]string
	Machine() *state.Machine
	ApplyTx(ctx context.Context, tx protocol.Tx) (state.Receipt, error)
	AddVoter(ctx context.Context, nodeID, raftAddr string) error
	RemoveServer(ctx context.Context, nodeID string) error
}

// IndexReader lists events persisted by the indexer.
type IndexReader interface {
	List(ctx context.Context, after uint64, limit int) ([]state.Event, error)
}

// Server provides HTTP endpoints for a ledger node.
type Server struct {
	node   Node
	hub    *eventlog.Hub
	index  IndexReader
	tracer trace.Tracer
	logger zerolog.Logger
}

type Option func(*Server)

// WithIndex exposes the persisted event index.
func WithIndex(index IndexReader) Option {
	return func(s *Server) { s.index = index }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger.With().Str("component", "api").Logger() }
}

func NewServer(node Node, hub *eventlog.Hub, opts ...Option) *Server {
	s := &Server{
		node:   node,
		hub:    hub,
		tracer: otel.Tracer("booking-ledger/api"),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Route("/v1/ledger", func(r chi.Router) {
		// The event stream is long-lived and must not inherit the timeout.
		r.Get("/events/stream", s.streamEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Post("/tx", s.submitTx)
			r.Get("/booking", s.getBooking)
			r.Get("/counter", s.getCounter)
			r.Get("/events", s.listEvents)
			r.Get("/index/events", s.listIndexedEvents)
			r.Get("/stats", s.stateStats)
			r.Get("/raft", s.raftStatus)
			r.Post("/raft/join", s.raftJoin)
			r.Post("/raft/remove", s.raftRemove)
		})
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"nodeId":   s.node.ID(),
		"state":    s.node.State(),
		"leader":   s.node.LeaderAddr(),
		"leaderId": s.node.LeaderNodeID(),
		"height":   s.node.Machine().Height(),
	})
}

func (s *Server) submitTx(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		s.respondNotLeader(w, "submit to leader")
		return
	}
	var tx protocol.Tx
	if err := decodeBody(r, &tx); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}

	ctx, span := s.tracer.Start(r.Context(), "ledger.SubmitTx", trace.WithAttributes(
		attribute.String("ledger.tx_id", tx.TxID),
		attribute.String("ledger.op", string(tx.Op)),
	))
	defer span.End()

	receipt, err := s.node.ApplyTx(ctx, tx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply")
		if consensus.IsLeadershipErr(err) {
			s.respondNotLeader(w, err.Error())
			return
		}
		status, code := statusForError(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error().Err(err).Str("tx_id", tx.TxID).Msg("apply tx failed")
		}
		respondError(w, status, code, err.Error(), map[string]any{"tx_id": tx.TxID})
		return
	}
	span.SetAttributes(attribute.Int64("ledger.height", int64(receipt.Height)))
	respondJSON(w, http.StatusOK, map[string]any{
		"tx_id":    receipt.TxID,
		"status":   "APPLIED",
		"height":   receipt.Height,
		"caller":   receipt.Caller,
		"replayed": receipt.Replayed,
		"events":   receipt.Events,
	})
}

// statusForError maps ledger error codes onto HTTP statuses.
func statusForError(err error) (int, string) {
	code, ok := ledgererr.CodeOf(err)
	if !ok {
		return http.StatusInternalServerError, "APPLY_FAILED"
	}
	switch code {
	case ledgererr.CodeUnauthorized:
		return http.StatusUnauthorized, string(code)
	case ledgererr.CodeNoneValue, ledgererr.CodeStorageOverflow:
		return http.StatusUnprocessableEntity, string(code)
	default:
		return http.StatusBadRequest, string(code)
	}
}

func (s *Server) getBooking(w http.ResponseWriter, _ *http.Request) {
	booking, ok := s.node.Machine().Booking()
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "booking not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, booking)
}

func (s *Server) getCounter(w http.ResponseWriter, _ *http.Request) {
	value, ok := s.node.Machine().Counter()
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "counter not set", nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"value": value})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	after, err := parseAfter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	limit := parseLimit(r, 100, 500)
	events := s.node.Machine().EventsSince(after, limit)
	respondJSON(w, http.StatusOK, map[string]any{
		"after":  after,
		"events": events,
	})
}

func (s *Server) listIndexedEvents(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "event index not configured", nil)
		return
	}
	after, err := parseAfter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	events, err := s.index.List(r.Context(), after, parseLimit(r, 100, 500))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"after":  after,
		"events": events,
	})
}

// streamEvents replays the log after ?after= and then follows the hub as
// server-sent events. A gap in the hub feed is filled from the log.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	after, err := parseAfter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported", nil)
		return
	}
	sub := s.hub.Subscribe(256)
	defer s.hub.Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	last := after
	replay := func() bool {
		for {
			batch := s.node.Machine().EventsSince(last, 500)
			if len(batch) == 0 {
				return true
			}
			for _, e := range batch {
				if err := writeSSE(w, e); err != nil {
					return false
				}
				last = e.Seq
			}
			flusher.Flush()
		}
	}
	if !replay() {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if e.Seq <= last {
				continue
			}
			if e.Seq > last+1 {
				if !replay() {
					return
				}
				continue
			}
			if err := writeSSE(w, e); err != nil {
				return
			}
			last = e.Seq
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e state.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, payload)
	return err
}

func (s *Server) stateStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.node.Machine().StateStats())
}

func (s *Server) raftStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"node_id":    s.node.ID(),
		"raft_addr":  s.node.RaftAddr(),
		"state":      s.node.State(),
		"leader":     s.node.LeaderAddr(),
		"leader_id":  s.node.LeaderNodeID(),
		"is_leader":  s.node.IsLeader(),
		"raft_stats": s.node.Stats(),
	})
}

type raftJoinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
}

func (s *Server) raftJoin(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		s.respondNotLeader(w, "submit to leader")
		return
	}
	var req raftJoinRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.node.AddVoter(r.Context(), req.NodeID, req.RaftAddr); err != nil {
		if consensus.IsLeadershipErr(err) {
			s.respondNotLeader(w, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "JOIN_FAILED", err.Error(), nil)
		return
	}
	s.logger.Info().Str("peer_id", req.NodeID).Str("peer_addr", req.RaftAddr).Msg("voter added")
	respondJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

type raftRemoveRequest struct {
	NodeID string `json:"node_id"`
}

func (s *Server) raftRemove(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		s.respondNotLeader(w, "submit to leader")
		return
	}
	var req raftRemoveRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.node.RemoveServer(r.Context(), req.NodeID); err != nil {
		if consensus.IsLeadershipErr(err) {
			s.respondNotLeader(w, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "REMOVE_FAILED", err.Error(), nil)
		return
	}
	s.logger.Info().Str("peer_id", req.NodeID).Msg("server removed")
	respondJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

func (s *Server) respondNotLeader(w http.ResponseWriter, message string) {
	respondError(w, http.StatusConflict, "NOT_LEADER", message, map[string]any{
		"leader":    s.node.LeaderAddr(),
		"leader_id": s.node.LeaderNodeID(),
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseAfter(r *http.Request) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("after"))
	if raw == "" {
		return 0, nil
	}
	after, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.New("after must be a non-negative integer")
	}
	return after, nil
}

func parseLimit(r *http.Request, defaultLimit, maxLimit int) int {
	limit := defaultLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	out := map[string]any{
		"error":   code,
		"message": message,
	}
	for k, v := range extra {
		out[k] = v
	}
	respondJSON(w, status, out)
}
