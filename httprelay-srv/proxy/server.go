package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/httprelay/httprelay-srv/config"
	"github.com/codefionn/httprelay/httprelay-srv/logger"
	"github.com/codefionn/httprelay/httprelay-srv/metrics"
)

// Server accepts client connections on one listen address and runs a
// Session for each.
type Server struct {
	serverConfig config.ServerConfig
	connector    OutboundConnector
	metrics      *metrics.Metrics
	nextID       *atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	active   atomic.Int64
	wg       sync.WaitGroup
}

// NewServer creates a server. Connection ids are drawn from nextID, which may
// be shared between servers; nil gives the server its own counter.
func NewServer(serverCfg config.ServerConfig, connector OutboundConnector, m *metrics.Metrics, nextID *atomic.Int64) *Server {
	if nextID == nil {
		nextID = new(atomic.Int64)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		serverConfig: serverCfg,
		connector:    connector,
		metrics:      m,
		nextID:       nextID,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.serverConfig.ListenAddress)
	if err != nil {
		return NewConfigurationError(ErrCodeListenerCreateFailed,
			GetErrorDescription(ErrCodeListenerCreateFailed)+" on "+s.serverConfig.ListenAddress, err)
	}
	return s.StartWithListener(ln)
}

// StartWithListener serves on listener until Stop. It returns nil once the
// server was stopped.
func (s *Server) StartWithListener(listener net.Listener) error {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	logger.Info("Starting proxy server on %s", listener.Addr().String())

	var tempDelay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else if tempDelay *= 2; tempDelay > time.Second {
					tempDelay = time.Second
				}
				logger.Warn("Accept error: %v; retrying in %v", err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	if limit := s.serverConfig.MaxConnections; limit > 0 && s.active.Load() >= int64(limit) {
		logger.Warn("%s (%d), rejecting %s",
			GetErrorDescription(ErrCodeConcurrencyLimitReached), limit, conn.RemoteAddr())
		s.metrics.Rejected()
		_ = conn.Close()
		return
	}

	sess := NewSession(s.nextID.Add(1), conn, s.connector, s.metrics)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		sess.Run(s.ctx)
	}()
}

// Addr returns the listening address, or nil before the server started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveSessions returns the number of sessions currently running.
func (s *Server) ActiveSessions() int64 {
	return s.active.Load()
}

// Stop closes the listener and every live session, waiting up to five
// seconds for sessions to finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.cancel()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("Timed out waiting for %d sessions on %s", s.active.Load(), s.serverConfig.ListenAddress)
	}
	return err
}
