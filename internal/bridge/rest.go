package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"ivbench/internal/backend"
	"ivbench/internal/protocol"
	"ivbench/internal/session"
	"ivbench/internal/supervisor"
)

const maxSendBody = 1 << 20

type connectRequest struct {
	URL string `json:"url"`
}

type sessionResponse struct {
	SessionID string               `json:"sessionId,omitempty"`
	State     string               `json:"state"`
	Connected bool                 `json:"connected"`
	Error     string               `json:"error,omitempty"`
	Data      []protocol.DataPoint `json:"data"`
}

type startMeasurementResponse struct {
	Started bool   `json:"started"`
	State   string `json:"state"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.ErrorPayload{Code: code, Message: message})
}

func (s *Server) handleListPorts(w http.ResponseWriter, r *http.Request) {
	list, err := s.listPorts()
	if err != nil {
		log.Error().Err(err).Msg("list serial ports")
		writeError(w, http.StatusInternalServerError, protocol.ErrInvalidMessage, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetBackend(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, backendState(s.backend.Snapshot()))
}

func (s *Server) handleBackendResources(w http.ResponseWriter, r *http.Request) {
	res, err := s.backend.Resources(r.Context())
	if err != nil {
		if errors.Is(err, supervisor.ErrNotRunning) {
			writeError(w, http.StatusConflict, protocol.ErrBackendNotRunning, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, protocol.ErrBackendCrashed, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleBackendOutput returns retained output lines. Query parameters:
// run (default: current run) and tail.
func (s *Server) handleBackendOutput(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runID := q.Get("run")
	if runID == "" {
		runID = s.backend.Snapshot().RunID
	}
	tail := 0
	if v := q.Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "tail must be a non-negative integer")
			return
		}
		tail = n
	}

	lines := make([]protocol.BackendOutputPayload, 0)
	for _, ev := range s.backend.Output(runID, tail) {
		lines = append(lines, protocol.BackendOutputPayload{RunID: ev.RunID, Stream: string(ev.Type), Data: ev.Data})
	}
	writeJSON(w, http.StatusOK, lines)
}

func (s *Server) handleStartBackend(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Start(r.Context()); err != nil {
		var pathErr *supervisor.PathResolutionError
		switch {
		case errors.As(err, &pathErr) && errors.Is(err, backend.ErrNotFound):
			writeError(w, http.StatusNotFound, protocol.ErrBackendNotFound, err.Error())
		case errors.As(err, &pathErr):
			writeError(w, http.StatusInternalServerError, protocol.ErrBackendNotFound, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, protocol.ErrSpawnFailed, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, backendState(s.backend.Snapshot()))
}

func (s *Server) handleStopBackend(w http.ResponseWriter, r *http.Request) {
	// A client hanging up must not cut the graceful period short.
	s.backend.Stop(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, backendState(s.backend.Snapshot()))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess := s.currentSession()
	if sess == nil {
		writeError(w, http.StatusServiceUnavailable, protocol.ErrNotConnected, "no session controller")
		return
	}
	writeJSON(w, http.StatusOK, sessionSnapshot(sess))
}

func sessionSnapshot(sess Session) sessionResponse {
	resp := sessionResponse{
		SessionID: sess.SessionID(),
		State:     string(sess.State()),
		Connected: sess.IsConnected(),
		Data:      sess.Data(),
	}
	if resp.Data == nil {
		resp.Data = []protocol.DataPoint{}
	}
	if err := sess.LastError(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	sess := s.currentSession()
	if sess == nil {
		writeError(w, http.StatusServiceUnavailable, protocol.ErrNotConnected, "no session controller")
		return
	}

	var req connectRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
			return
		}
	}

	if code, err := s.connect(sess, req.URL); err != nil {
		status := http.StatusBadGateway
		if code == protocol.ErrBackendNotRunning {
			status = http.StatusConflict
		}
		if errors.Is(err, session.ErrClosing) {
			status = http.StatusConflict
		}
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessionSnapshot(sess))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	sess := s.currentSession()
	if sess == nil {
		writeError(w, http.StatusServiceUnavailable, protocol.ErrNotConnected, "no session controller")
		return
	}
	sess.Disconnect()
	writeJSON(w, http.StatusOK, sessionSnapshot(sess))
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	sess := s.currentSession()
	if sess == nil {
		writeError(w, http.StatusServiceUnavailable, protocol.ErrNotConnected, "no session controller")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxSendBody))
	if err != nil || len(raw) == 0 {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "empty request body")
		return
	}
	if err := sess.Send(raw); err != nil {
		if errors.Is(err, session.ErrNotConnected) {
			writeError(w, http.StatusConflict, protocol.ErrNotConnected, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, protocol.ErrTransport, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleStartMeasurement(w http.ResponseWriter, r *http.Request) {
	sess := s.currentSession()
	if sess == nil {
		writeError(w, http.StatusServiceUnavailable, protocol.ErrNotConnected, "no session controller")
		return
	}

	var cfg protocol.MeasurementConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidConfig, err.Error())
		return
	}

	started := sess.StartMeasurement(cfg)
	writeJSON(w, http.StatusOK, startMeasurementResponse{Started: started, State: string(sess.State())})
}

func (s *Server) handleStopMeasurement(w http.ResponseWriter, r *http.Request) {
	sess := s.currentSession()
	if sess == nil {
		writeError(w, http.StatusServiceUnavailable, protocol.ErrNotConnected, "no session controller")
		return
	}
	sess.StopMeasurement()
	writeJSON(w, http.StatusOK, sessionSnapshot(sess))
}
