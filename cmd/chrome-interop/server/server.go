// Package server provides an importable HTTP server for the Chrome interop test.
// This allows E2E tests to programmatically start/stop the server without running main().
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds server configuration options.
type Config struct {
	Addr         string        // Listen address (e.g., ":8080" or ":0" for random port)
	ReadTimeout  time.Duration // HTTP read timeout
	WriteTimeout time.Duration // HTTP write timeout

	// CNAME is sent in the SDES of every session.
	CNAME string
	// REMBBitrate, when non-zero, is announced to Chrome with REMB.
	REMBBitrate uint64
	// LoggerFactory creates the server and session loggers.
	// Default: logging.NewDefaultLoggerFactory()
	LoggerFactory logging.LoggerFactory
}

// DefaultConfig returns a configuration suitable for testing.
// Uses ":0" to bind to a random available port.
func DefaultConfig() Config {
	return Config{
		Addr:         ":0",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		CNAME:        "pion-rtcpfb",
	}
}

// Server is an importable HTTP server for WebRTC Chrome interop testing.
type Server struct {
	config     Config
	httpServer *http.Server
	listener   net.Listener
	log        logging.LeveledLogger
	registry   *prometheus.Registry

	peersMu sync.Mutex
	peers   map[string]*peer
	nextID  int

	mu      sync.Mutex
	addr    string
	running bool
}

// NewServer creates a new server with the given configuration.
// The server is not started until Start() is called.
func NewServer(cfg Config) (*Server, error) {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.CNAME == "" {
		cfg.CNAME = DefaultConfig().CNAME
	}

	s := &Server{
		config:   cfg,
		log:      cfg.LoggerFactory.NewLogger("interop"),
		registry: prometheus.NewRegistry(),
		peers:    make(map[string]*peer),
	}

	mux := http.NewServeMux()

	// Serve HTML page at root
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(HTMLPage))
	})
	mux.HandleFunc("/offer", s.HandleOffer)
	mux.HandleFunc("/stats", s.HandleStats)
	mux.HandleFunc("/keyframe", s.HandleKeyFrame)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Start begins listening and serving HTTP requests.
// Returns the actual address the server is listening on (useful when port is 0).
// This method is non-blocking - the server runs in a goroutine.
func (s *Server) Start() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return s.addr, nil
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen: %w", err)
	}

	s.listener = ln
	s.addr = ln.Addr().String()
	s.running = true

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("http server stopped: %v", err)
		}
	}()

	return s.addr, nil
}

// Shutdown stops the HTTP server and closes every peer connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	s.peersMu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peersMu.Unlock()
	for _, p := range peers {
		_ = p.pc.Close()
	}

	return s.httpServer.Shutdown(ctx)
}

// Addr returns the address the server is listening on.
// Returns empty string if server is not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
