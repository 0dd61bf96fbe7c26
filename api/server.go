// Package api serves the node's admin HTTP endpoints: Prometheus metrics,
// a health summary and the peer table.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	peerarrow "github.com/VanDung-dev/HieraChain-Gossip/arrow"
	"github.com/VanDung-dev/HieraChain-Gossip/network"
)

// NodeSource is the view of a node the endpoints report on.
type NodeSource interface {
	Peers() []network.PeerStatus
	Stats() network.NodeStats
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Running    bool   `json:"running"`
	Address    string `json:"address"`
	Peers      int    `json:"peers"`
	AlivePeers int    `json:"alive_peers"`
	MaxPeers   int    `json:"max_peers"`
	Discovery  bool   `json:"discovery"`
	DedupSize  int    `json:"dedup_size"`
}

// Server runs the admin HTTP endpoints.
type Server struct {
	addr     string
	source   NodeSource
	gatherer prometheus.Gatherer
	writer   *peerarrow.IPCWriter
	logger   *zap.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	running  bool
}

// NewServer creates a server for addr. A nil gatherer serves the default
// Prometheus registry.
func NewServer(addr string, source NodeSource, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		addr:     addr,
		source:   source,
		gatherer: gatherer,
		writer:   peerarrow.NewIPCWriter(),
		logger:   logger,
	}
}

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/peers", s.handlePeers)
	return mux
}

// Start binds the address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("admin server is already running")
	}

	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = lis
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.running = true

	srv := s.server
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("admin server listening", zap.String("address", lis.Addr().String()))
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := s.source.Stats()
	resp := HealthResponse{
		Status:     "ok",
		Running:    stats.IsRunning,
		Address:    stats.Address,
		Peers:      stats.PeerCount,
		AlivePeers: stats.AlivePeers,
		MaxPeers:   stats.MaxPeers,
		Discovery:  stats.Discovery,
		DedupSize:  stats.DedupCache.Size,
	}
	code := http.StatusOK
	if !stats.IsRunning {
		resp.Status = "stopped"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("failed to write health response", zap.Error(err))
	}
}

// handlePeers writes the peer table as an Arrow stream, or as JSON when
// format=json is given.
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	statuses := s.source.Peers()

	if r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(statuses); err != nil {
			s.logger.Debug("failed to write peer list", zap.Error(err))
		}
		return
	}

	w.Header().Set("Content-Type", peerarrow.StreamContentType)
	if err := s.writer.WritePeers(w, PeerRows(statuses)); err != nil {
		s.logger.Warn("failed to write peer table", zap.Error(err))
	}
}

// PeerRows converts peer statuses to Arrow rows.
func PeerRows(statuses []network.PeerStatus) []peerarrow.PeerRow {
	rows := make([]peerarrow.PeerRow, 0, len(statuses))
	for _, st := range statuses {
		row := peerarrow.PeerRow{
			Address:    st.Address,
			Advertised: st.Advertised,
			Alive:      st.Alive,
			Pending:    int64(st.Pending),
		}
		if !st.LastSeen.IsZero() {
			row.LastSeenUnixMs = st.LastSeen.UnixMilli()
		}
		rows = append(rows, row)
	}
	return rows
}
