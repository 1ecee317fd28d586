package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ratnotify/notifyd/internal/cache"
	"github.com/ratnotify/notifyd/internal/domain"
	"github.com/ratnotify/notifyd/internal/notify"
)

// channelsCacheTTL bounds how long GET /v1/backends/{pid} reuses a
// previous Engine.ListeningChannels result, so a dashboard polling many
// backends per second doesn't walk the channel registry on every request.
const channelsCacheTTL = 2 * time.Second

// decodeJSON decodes the request body into v, returning a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		errorJSON(w, fmt.Sprintf("invalid request body: %v", err), "INVALID_BODY", http.StatusBadRequest)
		return false
	}
	return true
}

// pidParam parses the {pid} chi URL parameter.
func pidParam(r *http.Request) (int32, error) {
	raw := chi.URLParam(r, "pid")
	pid, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid pid %q: %w", raw, err)
	}
	return int32(pid), nil
}

// notifyErrorStatus maps a notify package sentinel error to an HTTP status
// and a short machine-readable code.
func notifyErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, notify.ErrInvalidParameter):
		return http.StatusBadRequest, "INVALID_PARAMETER"
	case errors.Is(err, notify.ErrQueueFull):
		return http.StatusInsufficientStorage, "QUEUE_FULL"
	case errors.Is(err, notify.ErrPagedLog):
		return http.StatusInternalServerError, "PAGED_LOG_ERROR"
	case errors.Is(err, notify.ErrPrepareNotSupported):
		return http.StatusConflict, "PREPARE_NOT_SUPPORTED"
	case errors.Is(err, notify.ErrParallelWorkerNotAllowed):
		return http.StatusForbidden, "PARALLEL_WORKER_NOT_ALLOWED"
	case errors.Is(err, notify.ErrBackendGone):
		return http.StatusNotFound, "BACKEND_GONE"
	case errors.Is(err, notify.ErrTooManyBackends):
		return http.StatusInsufficientStorage, "TOO_MANY_BACKENDS"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// writeNotifyError writes the appropriate JSON error response for an error
// returned by the notify package.
func writeNotifyError(w http.ResponseWriter, err error) {
	status, code := notifyErrorStatus(err)
	errorJSON(w, err.Error(), code, status)
}

// HandleRegisterBackend handles POST /v1/backends: registers a new backend
// and returns its pid. The caller supplies the pid (there is no
// engine-assigned identity — callers are expected to use their own process
// or connection id, mirroring how a real backend's pid is assigned by the
// OS rather than by the engine).
func (s *Server) HandleRegisterBackend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PID int32 `json:"pid"`
		domain.RegisterBackendRequest
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PID == 0 {
		errorJSON(w, "pid is required", "INVALID_PARAMETER", http.StatusBadRequest)
		return
	}

	backend, err := s.Engine.RegisterBackend(req.PID, req.DBOID, req.IsParallelWorker)
	if err != nil {
		writeNotifyError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, domain.BackendInfo{
		PID:              backend.PID(),
		DBOID:            req.DBOID,
		IsParallelWorker: req.IsParallelWorker,
		Channels:         []string{},
		RegisteredAt:     time.Now(),
	})
}

// HandleGetBackend handles GET /v1/backends/{pid}?dboid=N: returns the
// backend's current channel subscriptions. dboid defaults to 0.
func (s *Server) HandleGetBackend(w http.ResponseWriter, r *http.Request) {
	pid, err := pidParam(r)
	if err != nil {
		errorJSON(w, err.Error(), "INVALID_PARAMETER", http.StatusBadRequest)
		return
	}
	var dboid uint64
	if raw := r.URL.Query().Get("dboid"); raw != "" {
		dboid, err = strconv.ParseUint(raw, 10, 32)
		if err != nil {
			errorJSON(w, fmt.Sprintf("invalid dboid %q", raw), "INVALID_PARAMETER", http.StatusBadRequest)
			return
		}
	}

	key := backendKey{pid: pid, dboid: uint32(dboid)}
	channels, ok := s.channelsCache.Get(key)
	if !ok {
		channels, err = s.Engine.ListeningChannels(pid, uint32(dboid))
		if err != nil {
			writeNotifyError(w, err)
			return
		}
		if channels == nil {
			channels = []string{}
		}
		s.channelsCache.Set(key, channels)
	}

	writeJSON(w, http.StatusOK, domain.BackendInfo{
		PID:      pid,
		DBOID:    uint32(dboid),
		Channels: channels,
	})
}

// HandleDeregisterBackend handles DELETE /v1/backends/{pid}.
func (s *Server) HandleDeregisterBackend(w http.ResponseWriter, r *http.Request) {
	pid, err := pidParam(r)
	if err != nil {
		errorJSON(w, err.Error(), "INVALID_PARAMETER", http.StatusBadRequest)
		return
	}
	s.Engine.DeregisterBackend(pid)
	w.WriteHeader(http.StatusNoContent)
}

// HandleListen handles POST /v1/backends/{pid}/listen.
func (s *Server) HandleListen(w http.ResponseWriter, r *http.Request) {
	pid, err := pidParam(r)
	if err != nil {
		errorJSON(w, err.Error(), "INVALID_PARAMETER", http.StatusBadRequest)
		return
	}
	var req domain.ListenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s.runTxn(w, r, pid, func(txn *notify.Txn) error {
		return txn.Listen(req.Channel)
	})
}

// HandleUnlisten handles POST /v1/backends/{pid}/unlisten.
func (s *Server) HandleUnlisten(w http.ResponseWriter, r *http.Request) {
	pid, err := pidParam(r)
	if err != nil {
		errorJSON(w, err.Error(), "INVALID_PARAMETER", http.StatusBadRequest)
		return
	}
	var req domain.ListenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s.runTxn(w, r, pid, func(txn *notify.Txn) error {
		return txn.Unlisten(req.Channel)
	})
}

// HandleUnlistenAll handles POST /v1/backends/{pid}/unlisten-all.
func (s *Server) HandleUnlistenAll(w http.ResponseWriter, r *http.Request) {
	pid, err := pidParam(r)
	if err != nil {
		errorJSON(w, err.Error(), "INVALID_PARAMETER", http.StatusBadRequest)
		return
	}

	s.runTxn(w, r, pid, func(txn *notify.Txn) error {
		txn.UnlistenAll()
		return nil
	})
}

// runTxn is the shared Begin/apply/PreCommit/Commit sequence for the
// LISTEN-family and NOTIFY endpoints. PreCommit takes the writer-mutex
// only when apply queued at least one NOTIFY.
func (s *Server) runTxn(w http.ResponseWriter, r *http.Request, pid int32, apply func(*notify.Txn) error) {
	txn, err := s.Engine.Begin(pid)
	if err != nil {
		writeNotifyError(w, err)
		return
	}
	if err := apply(txn); err != nil {
		s.Engine.Abort(txn)
		writeNotifyError(w, err)
		return
	}
	if err := s.Engine.PreCommit(r.Context(), txn); err != nil {
		s.Engine.Abort(txn)
		writeNotifyError(w, err)
		return
	}
	s.Engine.Commit(txn)
	w.WriteHeader(http.StatusNoContent)
}

// HandleStream handles GET /v1/backends/{pid}/stream: a long-lived SSE
// connection delivering every notification the backend receives, formatted
// as domain.NotificationEnvelope JSON events. Subject to the server's
// SSELimiter (per-IP and global caps) and MaxSSEDurationSeconds.
func (s *Server) HandleStream(w http.ResponseWriter, r *http.Request) {
	pid, err := pidParam(r)
	if err != nil {
		errorJSON(w, err.Error(), "INVALID_PARAMETER", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		errorJSON(w, "streaming unsupported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError)
		return
	}

	backend, err := s.Engine.Backend(pid)
	if err != nil {
		writeNotifyError(w, err)
		return
	}

	ip := clientIP(r)
	if !s.SSELimiter.Acquire(ip) {
		errorJSON(w, "too many concurrent SSE connections", "SSE_LIMIT_EXCEEDED", http.StatusTooManyRequests)
		return
	}
	defer s.SSELimiter.Release(ip)

	ctx, cancel := context.WithTimeout(r.Context(), MaxSSEDurationSeconds*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		if err := backend.OnNotifyInterrupt(ctx); err != nil {
			return
		}
		if err := s.Engine.DrainNotifications(pid); err != nil {
			internalError(w, "stream: drain failed", err)
			return
		}

		draining := true
		for draining {
			select {
			case n, ok := <-backend.Notifications():
				if !ok {
					return
				}
				envelope := domain.NotificationEnvelope{
					Channel:   n.Channel,
					Payload:   n.Payload,
					PID:       n.PID,
					Delivered: time.Now(),
				}
				data, err := json.Marshal(envelope)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: notification\ndata: %s\n\n", data)
				flusher.Flush()
			default:
				draining = false
			}
		}
	}
}
