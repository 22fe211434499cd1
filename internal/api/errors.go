package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/KilimcininKorOglu/divan/internal/breaker"
	"github.com/KilimcininKorOglu/divan/internal/lock"
	"github.com/KilimcininKorOglu/divan/internal/raft"
	"github.com/KilimcininKorOglu/divan/internal/stream"
)

// errorResponse is the JSON body for error replies.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`

	// Leader hint for not_leader errors
	LeaderID   uint64 `json:"leader_id,omitempty"`
	LeaderAddr string `json:"leader_addr,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// mapError maps a domain error to HTTP status and error code.
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrLeaderUnknown):
		return http.StatusMisdirectedRequest, "not_leader"
	case errors.Is(err, raft.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, raft.ErrNodeStopped):
		return http.StatusServiceUnavailable, "node_stopped"
	case errors.Is(err, lock.ErrResourceHeld):
		return http.StatusConflict, "resource_held"
	case errors.Is(err, lock.ErrTokenMismatch):
		return http.StatusConflict, "token_mismatch"
	case errors.Is(err, lock.ErrNotHolder):
		return http.StatusConflict, "not_holder"
	case errors.Is(err, lock.ErrAcquireAborted):
		return http.StatusRequestTimeout, "acquire_aborted"
	case errors.Is(err, breaker.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "circuit_open"
	case errors.Is(err, stream.ErrIndexTooOld):
		return http.StatusGone, "index_too_old"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
