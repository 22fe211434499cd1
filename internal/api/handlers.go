package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/KilimcininKorOglu/divan/internal/lock"
	"github.com/KilimcininKorOglu/divan/internal/logging"
	"github.com/KilimcininKorOglu/divan/internal/raft"
	"github.com/KilimcininKorOglu/divan/internal/stream"
)

// statusResponse is the body of GET /v1/status.
type statusResponse struct {
	*raft.ClusterStatus
	Breakers map[string]string `json:"breakers"`
	Locks    int               `json:"heldLocks"`
}

// proposeRequest is the body of POST /v1/propose.
type proposeRequest struct {
	RequestID string `json:"requestId,omitempty"`
	Kind      uint8  `json:"kind"`
	Aggregate string `json:"aggregate"`
	Data      []byte `json:"data"`
}

// proposeResponse is the body of a successful proposal.
type proposeResponse struct {
	Index uint64 `json:"index"`
	Term  uint64 `json:"term"`
}

// lockRequest is the body of the lock mutation endpoints.
type lockRequest struct {
	Resource string `json:"resource"`
	Owner    string `json:"owner"`
	Token    uint64 `json:"token,omitempty"`
	TTL      string `json:"ttl,omitempty"`
	Wait     bool   `json:"wait,omitempty"`
}

// lockResponse describes a held lock.
type lockResponse struct {
	Resource  string `json:"resource"`
	Owner     string `json:"owner"`
	Token     uint64 `json:"token"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

// eventJSON is one committed event on the wire.
type eventJSON struct {
	Index       uint64    `json:"index"`
	Term        uint64    `json:"term"`
	Kind        uint8     `json:"kind"`
	AggregateID string    `json:"aggregateId"`
	RequestID   string    `json:"requestId,omitempty"`
	Payload     []byte    `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// eventsResponse is the body of GET /v1/events.
type eventsResponse struct {
	Events []eventJSON `json:"events"`
	Next   uint64      `json:"next"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	states := s.breakers.States()
	breakers := make(map[string]string, len(states))
	for name, state := range states {
		breakers[name] = state.String()
	}

	writeJSON(w, http.StatusOK, &statusResponse{
		ClusterStatus: s.cluster.Status(),
		Breakers:      breakers,
		Locks:         len(s.locks.Table().Holders()),
	})
}

// leaderHint answers a write request that landed on a follower.
// The client is expected to retry against the hinted leader.
func (s *Server) leaderHint(w http.ResponseWriter) {
	leaderID := s.cluster.LeaderID()
	leaderAddr := s.cluster.LeaderAddr()

	w.Header().Set("X-Divan-Leader-Id", strconv.FormatUint(leaderID, 10))
	if leaderAddr != "" {
		w.Header().Set("X-Divan-Leader-Addr", leaderAddr)
	}
	writeJSON(w, http.StatusMisdirectedRequest, errorResponse{
		Error:      "not_leader",
		Message:    "this node is not the leader",
		LeaderID:   leaderID,
		LeaderAddr: leaderAddr,
	})
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	if !s.cluster.IsLeader() {
		s.leaderHint(w)
		return
	}

	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Kind == 0 || req.Aggregate == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "kind and aggregate are required")
		return
	}

	cmd := &raft.Command{
		RequestID: req.RequestID,
		Kind:      req.Kind,
		Aggregate: req.Aggregate,
		Data:      req.Data,
	}

	var res *raft.ProposeResult
	err := s.propose.Do(func() error {
		var perr error
		res, perr = s.cluster.Propose(r.Context(), cmd)
		return perr
	})
	if err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, proposeResponse{Index: res.Index, Term: res.Term})
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	if !s.cluster.IsLeader() {
		s.leaderHint(w)
		return
	}

	req, ok := s.decodeLockRequest(w, r)
	if !ok {
		return
	}

	ttl := s.config.DefaultLockTTL
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid ttl")
			return
		}
		ttl = d
	}

	var (
		l   *lock.Lock
		err error
	)
	if req.Wait {
		l, err = s.locks.Acquire(r.Context(), req.Resource, req.Owner, ttl)
	} else {
		l, err = s.locks.TryAcquire(r.Context(), req.Resource, req.Owner, ttl)
	}
	if err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, lockToJSON(l))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if !s.cluster.IsLeader() {
		s.leaderHint(w)
		return
	}

	req, ok := s.decodeLockRequest(w, r)
	if !ok {
		return
	}

	err := s.locks.Release(r.Context(), &lock.Lock{
		Resource: req.Resource,
		Owner:    req.Owner,
		Token:    req.Token,
	})
	if err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	if !s.cluster.IsLeader() {
		s.leaderHint(w)
		return
	}

	req, ok := s.decodeLockRequest(w, r)
	if !ok {
		return
	}

	ttl := s.config.DefaultLockTTL
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid ttl")
			return
		}
		ttl = d
	}

	l, err := s.locks.Renew(r.Context(), &lock.Lock{
		Resource: req.Resource,
		Owner:    req.Owner,
		Token:    req.Token,
	}, ttl)
	if err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, lockToJSON(l))
}

func (s *Server) handleListLocks(w http.ResponseWriter, _ *http.Request) {
	holders := s.locks.Table().Holders()

	out := make([]lockResponse, 0, len(holders))
	for _, g := range holders {
		out = append(out, lockResponse{
			Resource:  g.Resource,
			Owner:     g.Owner,
			Token:     g.Token,
			ExpiresAt: g.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) decodeLockRequest(w http.ResponseWriter, r *http.Request) (*lockRequest, bool) {
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return nil, false
	}
	if req.Resource == "" || req.Owner == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "resource and owner are required")
		return nil, false
	}
	return &req, true
}

func lockToJSON(l *lock.Lock) lockResponse {
	return lockResponse{
		Resource:  l.Resource,
		Owner:     l.Owner,
		Token:     l.Token,
		ExpiresAt: l.ExpiresAt,
	}
}

// handleEvents serves a batch of committed events starting at the
// requested index. When the stream is caught up, the handler waits up
// to EventPollTimeout for the first new event before answering empty,
// so clients can long-poll.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from := uint64(0)
	if v := q.Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid from index")
			return
		}
		from = n
	}

	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid limit")
			return
		}
		if n < limit {
			limit = n
		}
	}

	filter := stream.MatchAll()
	if agg := q.Get("aggregate"); agg != "" {
		if q.Get("prefix") == "true" {
			filter = stream.MatchPrefix(agg)
		} else {
			filter = stream.MatchAggregate(agg)
		}
	}

	// SubscribeFrom resumes after the given index; from names the
	// first index the client wants.
	resume := from
	if resume > 0 {
		resume--
	}
	sub, err := s.broker.SubscribeFrom(filter, resume)
	if err != nil {
		status, code := mapError(err)
		writeError(w, status, code, err.Error())
		return
	}
	defer s.broker.Unsubscribe(sub.ID)

	events := make([]eventJSON, 0, limit)
	next := from

	timeout := time.NewTimer(s.config.EventPollTimeout)
	defer timeout.Stop()

	for len(events) < limit {
		var (
			ev stream.Event
			ok bool
		)
		if len(events) == 0 {
			// Long-poll for the first event only
			select {
			case ev, ok = <-sub.Channel:
			case <-timeout.C:
				ok = false
			case <-r.Context().Done():
				ok = false
			}
		} else {
			select {
			case ev, ok = <-sub.Channel:
			default:
				ok = false
			}
		}
		if !ok {
			break
		}

		events = append(events, eventJSON{
			Index:       ev.Index,
			Term:        ev.Term,
			Kind:        ev.Kind,
			AggregateID: ev.AggregateID,
			RequestID:   ev.RequestID,
			Payload:     ev.Payload,
			Timestamp:   ev.Timestamp,
		})
		next = ev.Index + 1
	}

	writeJSON(w, http.StatusOK, eventsResponse{Events: events, Next: next})
}

// handleLogs serves the most recent log entries captured in memory.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.recent == nil {
		writeJSON(w, http.StatusOK, []logging.Entry{})
		return
	}

	q := r.URL.Query()

	minLevel := logging.LevelDebug
	if v := q.Get("level"); v != "" {
		minLevel = logging.ParseLevel(v)
	}

	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid limit")
			return
		}
		limit = n
	}

	writeJSON(w, http.StatusOK, s.recent.Entries(minLevel, limit))
}
