package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scr53005/merchant-hub/coordinator"
)

const defaultConsumeCount = 10

type apiServer struct {
	engine *coordinator.Engine
	// runner is nil when this process does not compete for the lease.
	runner *coordinator.LeaderRunner
	logger *zap.Logger
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports ready once the coordination store answers.
func (s *apiServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.engine.Status(r.Context()); err != nil {
		s.log().Warn("readiness_failed", zap.Error(err))
		http.Error(w, "coordination store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *apiServer) handleLeader(w http.ResponseWriter, r *http.Request) {
	var req leaderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	candidateID := strings.TrimSpace(req.CandidateID)
	if candidateID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "candidateId is required", nil)
		return
	}
	res, err := s.engine.BecomeLeader(r.Context(), candidateID)
	if err != nil {
		s.fail(w, "become_leader_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaderResponse(res))
}

func (s *apiServer) handlePoll(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if !decodeBody(w, r, &req) {
		return
	}
	candidateID := strings.TrimSpace(req.CandidateID)
	if candidateID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "candidateId is required", nil)
		return
	}
	res, err := s.engine.RunPollCycle(r.Context(), candidateID)
	if err != nil {
		s.fail(w, "poll_cycle_request_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status(r.Context())
	if err != nil {
		s.fail(w, "status_failed", err)
		return
	}
	out := statusResponse{CoordinationStatus: status}
	if s.runner != nil {
		rs := s.runner.Status()
		out.Runner = &rs
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *apiServer) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Count < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "count must not be negative", nil)
		return
	}
	if req.Count == 0 {
		req.Count = defaultConsumeCount
	}
	consumerID := strings.TrimSpace(req.ConsumerID)
	if consumerID == "" {
		consumerID = "spoke-" + uuid.NewString()
	}
	res, err := s.engine.Consume(r.Context(), chi.URLParam(r, "recipientId"), consumerID, req.Count)
	if err != nil {
		s.fail(w, "consume_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toConsumeResponse(consumerID, res))
}

// handleAck answers 200 even for partial acknowledgments; the body says how
// many entries were actually pending.
func (s *apiServer) handleAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.engine.Acknowledge(r.Context(), chi.URLParam(r, "recipientId"), req.EntryIDs)
	if err != nil {
		s.fail(w, "acknowledge_failed", err)
		return
	}
	if partial := res.Err(); partial != nil {
		s.log().Info("partial_acknowledgment", zap.String("recipient_id", chi.URLParam(r, "recipientId")), zap.Error(partial))
	}
	writeJSON(w, http.StatusOK, toAckResponse(res))
}

func (s *apiServer) handleStream(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.StreamStats(r.Context(), chi.URLParam(r, "recipientId"))
	if err != nil {
		s.fail(w, "stream_stats_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toStreamResponse(stats))
}

func (s *apiServer) fail(w http.ResponseWriter, event string, err error) {
	s.log().Warn(event, zap.Error(err))
	writeEngineError(w, err)
}

func (s *apiServer) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}

// decodeBody reads exactly one JSON object. An empty body decodes as the
// zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", nil)
		return false
	}
	return true
}
