package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"

	peerarrow "github.com/VanDung-dev/HieraChain-Gossip/arrow"
	"github.com/VanDung-dev/HieraChain-Gossip/cache"
	"github.com/VanDung-dev/HieraChain-Gossip/network"
)

type fakeSource struct {
	running bool
	peers   []network.PeerStatus
}

func (f *fakeSource) Peers() []network.PeerStatus { return f.peers }

func (f *fakeSource) Stats() network.NodeStats {
	alive := 0
	for _, p := range f.peers {
		if p.Alive {
			alive++
		}
	}
	return network.NodeStats{
		Address:    "127.0.0.1:7000",
		IsRunning:  f.running,
		PeerCount:  len(f.peers),
		MaxPeers:   50,
		AlivePeers: alive,
		DedupCache: cache.CacheStats{Size: 3},
	}
}

func testSource() *fakeSource {
	return &fakeSource{
		running: true,
		peers: []network.PeerStatus{
			{Address: "127.0.0.1:7001", Advertised: "127.0.0.1:7001", Alive: true, LastSeen: time.UnixMilli(1700000000000)},
			{Address: "127.0.0.1:51234", Inbound: true, Pending: 2},
		},
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := NewServer(":0", testSource(), prometheus.NewRegistry(), nil)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if health.Status != "ok" || !health.Running {
		t.Errorf("Expected ok/running, got %s/%v", health.Status, health.Running)
	}
	if health.Peers != 2 || health.AlivePeers != 1 {
		t.Errorf("Expected 2 peers (1 alive), got %d (%d alive)", health.Peers, health.AlivePeers)
	}
	if health.DedupSize != 3 {
		t.Errorf("Expected dedup size 3, got %d", health.DedupSize)
	}
}

func TestHealthEndpointStopped(t *testing.T) {
	server := NewServer(":0", &fakeSource{}, prometheus.NewRegistry(), nil)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", resp.StatusCode)
	}
}

func TestPeersEndpointArrow(t *testing.T) {
	server := NewServer(":0", testSource(), prometheus.NewRegistry(), nil)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/peers")
	if err != nil {
		t.Fatalf("GET /peers failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != peerarrow.StreamContentType {
		t.Errorf("Expected content type %s, got %s", peerarrow.StreamContentType, ct)
	}
	rows, err := peerarrow.ReadPeers(resp.Body)
	if err != nil {
		t.Fatalf("ReadPeers failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(rows))
	}
	if rows[0].Address != "127.0.0.1:7001" || !rows[0].Alive {
		t.Errorf("Unexpected first row: %+v", rows[0])
	}
	if rows[0].LastSeenUnixMs != 1700000000000 {
		t.Errorf("Expected last seen 1700000000000, got %d", rows[0].LastSeenUnixMs)
	}
	if rows[1].Advertised != "" || rows[1].Pending != 2 {
		t.Errorf("Unexpected second row: %+v", rows[1])
	}
}

func TestPeersEndpointJSON(t *testing.T) {
	server := NewServer(":0", testSource(), prometheus.NewRegistry(), nil)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/peers?format=json")
	if err != nil {
		t.Fatalf("GET /peers failed: %v", err)
	}
	defer resp.Body.Close()

	var peers []network.PeerStatus
	if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(peers) != 2 || !peers[1].Inbound {
		t.Errorf("Unexpected peers: %+v", peers)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "gossip_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Add(4)

	server := NewServer(":0", testSource(), reg, nil)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "gossip_test_total 4") {
		t.Errorf("Expected counter in output, got:\n%s", body)
	}
}

func TestStartStop(t *testing.T) {
	server := NewServer("127.0.0.1:0", testSource(), prometheus.NewRegistry(), nil)
	if err := server.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := server.Start(); err == nil {
		t.Error("Expected error on second Start")
	}

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := server.Stop(ctx); err != nil {
		t.Errorf("Second Stop failed: %v", err)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server := NewServer(":0", testSource(), prometheus.NewRegistry(), nil)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/peers", "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("POST /peers failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}
