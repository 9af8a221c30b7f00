package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/chatwire/pkg/events"
	"github.com/aeolun/chatwire/pkg/protocol"
	"github.com/aeolun/chatwire/pkg/store"
)

var (
	errorLog *log.Logger
	debugLog *log.Logger
)

func init() {
	// Replaced by initLoggers; keeps tests that never call NewServer
	// from writing through nil loggers.
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
}

// ServerConfig holds runtime server configuration
type ServerConfig struct {
	TCPPort     int
	WSPort      int // 0 = disabled
	MetricsPort int

	ReadTimeout       time.Duration
	HeartbeatWait     time.Duration
	HeartbeatInterval time.Duration
	FragmentDelay     time.Duration

	SymmetricReassembly bool
	PMPullMessages      bool

	AMQPURL      string
	AMQPExchange string
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:           4269,
		WSPort:            8080,
		MetricsPort:       9090,
		ReadTimeout:       100 * time.Second,
		HeartbeatWait:     45 * time.Second,
		HeartbeatInterval: 45 * time.Second,
		FragmentDelay:     100 * time.Millisecond,
		PMPullMessages:    true,
		AMQPExchange:      "chatwire.events",
	}
}

// Server accepts connections and runs one session actor per socket.
type Server struct {
	store     store.Store
	registry  *Registry
	config    ServerConfig
	metrics   *Metrics
	publisher events.Publisher

	listener  net.Listener
	shutdown  chan struct{}
	wg        sync.WaitGroup
	startTime time.Time

	nextConnID atomic.Uint64

	// Connection deltas for the periodic metrics log line
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// NewServer creates a server around an opened store. A nil publisher
// disables the event bridge.
func NewServer(st store.Store, config ServerConfig, publisher events.Publisher) (*Server, error) {
	if err := initLoggers(); err != nil {
		return nil, fmt.Errorf("failed to initialize loggers: %w", err)
	}

	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	return &Server{
		store:     st,
		registry:  NewRegistry(),
		config:    config,
		metrics:   NewMetrics(),
		publisher: publisher,
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}, nil
}

func getServerDataDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dataDir := filepath.Join(homeDir, ".chatwire")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", err
	}
	return dataDir, nil
}

func initLoggers() error {
	dataDir, err := getServerDataDir()
	if err != nil {
		return err
	}

	// Error log goes to stderr and errors.log
	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker, for distinguishing between runs
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Debug log goes to /dev/null by default (see EnableDebugLogging)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	// Standard log goes to stdout and server.log, truncated per run
	serverLogPath := filepath.Join(dataDir, "server.log")
	serverLogFile, err := os.OpenFile(serverLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func (s *Server) EnableDebugLogging() {
	dataDir, err := getServerDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	debugLogPath := filepath.Join(dataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start opens the listeners and launches the background loops. It
// returns immediately; Stop shuts everything down.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("TCP listener on %s", addr)

	// Internal metrics endpoint - never expose publicly
	if s.config.MetricsPort > 0 {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", s.metrics.Handler())
			metricsMux.HandleFunc("/health", s.HealthHandler)
			metricsAddr := fmt.Sprintf(":%d", s.config.MetricsPort)
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsMux); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	if s.config.WSPort > 0 {
		go func() {
			wsMux := http.NewServeMux()
			wsMux.HandleFunc("/ws", s.HandleWebSocket)
			wsAddr := fmt.Sprintf(":%d", s.config.WSPort)
			log.Printf("WebSocket server listening on %s (/ws)", wsAddr)
			if err := http.ListenAndServe(wsAddr, wsMux); err != nil {
				log.Printf("WebSocket server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the TCP listener address, for tests binding port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down gracefully: stop accepting, tell the
// connected clients, wait for the actors, flush the store.
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")

	// Notify before signalling the actors: once shutdown closes they
	// tear their connections down and the notice would never arrive.
	s.notifyClientsOfShutdown()

	close(s.shutdown)

	// Closing is enough to break acceptLoop out of Accept; the field is
	// left in place so concurrent Accept and Addr calls never see nil.
	if s.listener != nil {
		s.listener.Close()
		log.Println("TCP listener closed")
	}

	log.Println("Waiting for connection actors to finish...")
	s.wg.Wait()

	if err := s.publisher.Close(); err != nil {
		log.Printf("Error closing event publisher: %v", err)
	}

	log.Println("Closing store...")
	if err := s.store.Close(); err != nil {
		log.Printf("Error during store close: %v", err)
		return err
	}

	log.Println("Graceful shutdown complete")
	return nil
}

// notifyClientsOfShutdown sends an administrative notice to every
// logged-in session. Best effort.
func (s *Server) notifyClientsOfShutdown() {
	sessions := s.registry.Snapshot()
	if len(sessions) == 0 {
		log.Println("No active sessions to notify")
		return
	}

	log.Printf("Sending shutdown notification to %d active sessions...", len(sessions))
	sent := 0
	for _, sess := range sessions {
		msg := protocol.OpAdminMessage +
			protocol.Pack(formatID(sess.UserID), protocol.UserIDLen) +
			sess.ID +
			"Server shutting down for maintenance"
		if err := sess.Push(msg); err == nil {
			sent++
		}
	}
	log.Printf("Shutdown notification sent to %d/%d sessions", sent, len(sessions))
}

// acceptLoop accepts incoming TCP connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// handleConnection sets up one TCP session actor.
func (s *Server) handleConnection(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	s.runActor(newTCPTransport(conn))
}

// runActor drives a session actor over any line transport. Shared by
// the TCP accept path and the WebSocket upgrade path.
func (s *Server) runActor(transport lineTransport) {
	id := s.nextConnID.Add(1)
	safeConn := NewSafeConn(transport, s.config.FragmentDelay)

	s.metrics.RecordConnection()
	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New connection from %s (connection %d)", safeConn.RemoteAddr(), id)

	a := newActor(s, safeConn, id)

	s.wg.Add(1)
	defer s.wg.Done()
	a.run()
}

// HealthHandler answers the internal health probe.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "ok uptime=%s users=%d\n",
		time.Since(s.startTime).Round(time.Second), s.registry.CountUsers())
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			loggedIn := s.registry.CountUsers()
			goroutines := runtime.NumGoroutine()

			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)

			log.Printf("[METRICS] Logged-in users: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				loggedIn, connected, disconnected, goroutines)
		}
	}
}

// NewPublisherFromConfig dials the AMQP bridge named in the config, or
// returns the nop publisher when no broker is configured.
func NewPublisherFromConfig(ctx context.Context, cfg ServerConfig) (events.Publisher, error) {
	if cfg.AMQPURL == "" {
		return events.NopPublisher{}, nil
	}
	return events.NewAMQPPublisher(ctx, events.DialOptions{
		URL:      cfg.AMQPURL,
		Exchange: cfg.AMQPExchange,
		Attempts: 5,
		Delay:    time.Second,
	})
}
