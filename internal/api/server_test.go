package api

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/KilimcininKorOglu/divan/internal/breaker"
	"github.com/KilimcininKorOglu/divan/internal/lock"
	"github.com/KilimcininKorOglu/divan/internal/logging"
	"github.com/KilimcininKorOglu/divan/internal/raft"
	"github.com/KilimcininKorOglu/divan/internal/stream"
)

type apiEnv struct {
	cluster *raft.Cluster
	table   *lock.Table
	broker  *stream.Broker
	recent  *logging.Recent
	ts      *httptest.Server
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	network := raft.NewInMemoryNetwork()
	transport := network.NewTransport(1, "localhost:7401")

	table := lock.NewTable()
	broker := stream.NewBroker()

	cluster, err := raft.NewClusterWithTransport(&raft.ClusterConfig{
		NodeID:           1,
		RaftAddr:         "localhost:7401",
		Peers:            []*raft.Peer{{ID: 1, Addr: "localhost:7401"}},
		ElectionTimeout:  50 * time.Millisecond,
		HeartbeatTimeout: 20 * time.Millisecond,
		ProposeTimeout:   2 * time.Second,
	}, table, transport)
	if err != nil {
		t.Fatalf("NewClusterWithTransport failed: %v", err)
	}
	cluster.AddCommitListener(broker)

	if err := cluster.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		cluster.Stop()
		broker.Close()
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !cluster.IsLeader() {
		time.Sleep(10 * time.Millisecond)
	}
	if !cluster.IsLeader() {
		t.Fatal("node did not become leader")
	}

	manager := lock.NewManager(cluster, table, broker)
	recent := logging.NewRecent(100)

	cfg := DefaultServerConfig()
	cfg.EventPollTimeout = 100 * time.Millisecond

	srv := NewServer(cfg, cluster, manager, broker, breaker.NewRegistry(breaker.DefaultConfig()), recent, logging.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &apiEnv{cluster: cluster, table: table, broker: broker, recent: recent, ts: ts}
}

func doJSON(t *testing.T, method, url string, body interface{}, out interface{}) int {
	t.Helper()

	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			t.Fatal(err)
		}
	}

	req, err := http.NewRequest(method, url, &reqBody)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s %s response: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	var out map[string]string
	code := doJSON(t, http.MethodGet, env.ts.URL+"/v1/health", nil, &out)
	if code != http.StatusOK || out["status"] != "ok" {
		t.Errorf("unexpected health response: %d %v", code, out)
	}
}

func TestStatusEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	var out statusResponse
	code := doJSON(t, http.MethodGet, env.ts.URL+"/v1/status", nil, &out)
	if code != http.StatusOK {
		t.Fatalf("status returned %d", code)
	}
	if out.State != "leader" || out.NodeID != 1 {
		t.Errorf("unexpected status: %+v", out.ClusterStatus)
	}
	if out.Breakers["raft-propose"] != "closed" {
		t.Errorf("propose breaker should be registered and closed, got %v", out.Breakers)
	}
}

func TestLockLifecycleOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	base := env.ts.URL

	var acquired lockResponse
	code := doJSON(t, http.MethodPost, base+"/v1/locks/acquire",
		lockRequest{Resource: "build", Owner: "alice", TTL: "1m"}, &acquired)
	if code != http.StatusOK {
		t.Fatalf("acquire returned %d", code)
	}
	if acquired.Token == 0 || acquired.Owner != "alice" {
		t.Errorf("bad acquire response: %+v", acquired)
	}

	var conflict errorResponse
	code = doJSON(t, http.MethodPost, base+"/v1/locks/acquire",
		lockRequest{Resource: "build", Owner: "bob"}, &conflict)
	if code != http.StatusConflict || conflict.Error != "resource_held" {
		t.Errorf("expected resource_held conflict, got %d %v", code, conflict)
	}

	code = doJSON(t, http.MethodPost, base+"/v1/locks/release",
		lockRequest{Resource: "build", Owner: "alice", Token: acquired.Token + 1}, &conflict)
	if code != http.StatusConflict || conflict.Error != "token_mismatch" {
		t.Errorf("expected token_mismatch, got %d %v", code, conflict)
	}

	var renewed lockResponse
	code = doJSON(t, http.MethodPost, base+"/v1/locks/renew",
		lockRequest{Resource: "build", Owner: "alice", Token: acquired.Token, TTL: "1h"}, &renewed)
	if code != http.StatusOK || renewed.Token != acquired.Token {
		t.Errorf("renew failed: %d %+v", code, renewed)
	}

	var locks []lockResponse
	code = doJSON(t, http.MethodGet, base+"/v1/locks", nil, &locks)
	if code != http.StatusOK || len(locks) != 1 || locks[0].Resource != "build" {
		t.Errorf("unexpected lock list: %d %+v", code, locks)
	}

	var released map[string]string
	code = doJSON(t, http.MethodPost, base+"/v1/locks/release",
		lockRequest{Resource: "build", Owner: "alice", Token: acquired.Token}, &released)
	if code != http.StatusOK {
		t.Errorf("release returned %d", code)
	}
}

func TestProposeEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	// A raw acquire payload: [flags:1][ttl:8][token:8][ownerLen:2][owner]
	var payload bytes.Buffer
	payload.WriteByte(0)
	binary.Write(&payload, binary.LittleEndian, int64(0))
	binary.Write(&payload, binary.LittleEndian, uint64(0))
	binary.Write(&payload, binary.LittleEndian, uint16(5))
	payload.WriteString("carol")

	var out proposeResponse
	code := doJSON(t, http.MethodPost, env.ts.URL+"/v1/propose", proposeRequest{
		RequestID: "api-test-1",
		Kind:      lock.KindAcquire,
		Aggregate: lock.AggregatePrefix + "deploy",
		Data:      payload.Bytes(),
	}, &out)
	if code != http.StatusOK {
		t.Fatalf("propose returned %d", code)
	}
	if out.Index == 0 || out.Term == 0 {
		t.Errorf("propose response missing index/term: %+v", out)
	}

	if rec, ok := env.table.Get("deploy"); !ok || rec.Owner != "carol" {
		t.Errorf("proposed acquire did not reach the state machine")
	}
}

func TestProposeRejectsBadRequests(t *testing.T) {
	env := newAPIEnv(t)

	var out errorResponse
	code := doJSON(t, http.MethodPost, env.ts.URL+"/v1/propose", proposeRequest{}, &out)
	if code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty propose, got %d", code)
	}
}

func TestNotLeaderHint(t *testing.T) {
	// A node that never starts stays a follower with no known leader
	network := raft.NewInMemoryNetwork()
	transport := network.NewTransport(1, "localhost:7401")
	table := lock.NewTable()
	broker := stream.NewBroker()

	cluster, err := raft.NewClusterWithTransport(&raft.ClusterConfig{
		NodeID:   1,
		RaftAddr: "localhost:7401",
		Peers:    []*raft.Peer{{ID: 1, Addr: "localhost:7401"}},
	}, table, transport)
	if err != nil {
		t.Fatal(err)
	}

	manager := lock.NewManager(cluster, table, broker)
	srv := NewServer(DefaultServerConfig(), cluster, manager, broker, nil, nil, logging.NewNop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	var out errorResponse
	code := doJSON(t, http.MethodPost, ts.URL+"/v1/locks/acquire",
		lockRequest{Resource: "x", Owner: "y"}, &out)
	if code != http.StatusMisdirectedRequest || out.Error != "not_leader" {
		t.Errorf("expected not_leader hint, got %d %v", code, out)
	}
}

func TestEventsEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	base := env.ts.URL

	var acquired lockResponse
	doJSON(t, http.MethodPost, base+"/v1/locks/acquire",
		lockRequest{Resource: "build", Owner: "alice"}, &acquired)
	doJSON(t, http.MethodPost, base+"/v1/locks/release",
		lockRequest{Resource: "build", Owner: "alice", Token: acquired.Token}, nil)

	var out eventsResponse
	code := doJSON(t, http.MethodGet, base+"/v1/events?from=0&limit=10", nil, &out)
	if code != http.StatusOK {
		t.Fatalf("events returned %d", code)
	}
	if len(out.Events) < 2 {
		t.Fatalf("expected at least acquire and release events, got %d", len(out.Events))
	}
	for _, ev := range out.Events {
		if ev.AggregateID != "locks/build" {
			t.Errorf("unexpected aggregate: %q", ev.AggregateID)
		}
	}
	if out.Next != out.Events[len(out.Events)-1].Index+1 {
		t.Errorf("next should follow the last delivered index")
	}

	// Caught up: empty batch after the poll timeout
	code = doJSON(t, http.MethodGet, base+"/v1/events?from=99999&limit=10", nil, &out)
	if code != http.StatusOK || len(out.Events) != 0 {
		t.Errorf("expected empty batch, got %d %+v", code, out)
	}
}

func TestEventsAggregateFilter(t *testing.T) {
	env := newAPIEnv(t)
	base := env.ts.URL

	doJSON(t, http.MethodPost, base+"/v1/locks/acquire",
		lockRequest{Resource: "build", Owner: "alice"}, nil)
	doJSON(t, http.MethodPost, base+"/v1/locks/acquire",
		lockRequest{Resource: "deploy", Owner: "bob"}, nil)

	var out eventsResponse
	code := doJSON(t, http.MethodGet, base+"/v1/events?from=0&aggregate=locks/deploy", nil, &out)
	if code != http.StatusOK {
		t.Fatalf("events returned %d", code)
	}
	if len(out.Events) != 1 || out.Events[0].AggregateID != "locks/deploy" {
		t.Errorf("filter not applied: %+v", out.Events)
	}
}

func TestLogsEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	captured := logging.WithRecent(logging.NewDefault(), env.recent)
	captured.Warn("replication lagging", "peer", 3)

	var out []logging.Entry
	code := doJSON(t, http.MethodGet, env.ts.URL+"/v1/logs?level=warn", nil, &out)
	if code != http.StatusOK {
		t.Fatalf("logs returned %d", code)
	}
	if len(out) != 1 || out[0].Message != "replication lagging" {
		t.Errorf("unexpected log entries: %+v", out)
	}
}
