package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/matheus3301/supportchat/internal/api"
	"github.com/matheus3301/supportchat/internal/session"
	"go.uber.org/zap"
)

// Server manages the control API lifecycle for a session daemon: HTTP on the
// session's Unix domain socket, plus an optional TCP listener for scraping
// metrics.
type Server struct {
	httpServer    *http.Server
	listener      net.Listener
	socketPath    string
	metricsServer *http.Server
	metricsLn     net.Listener
	cancel        context.CancelFunc
	logger        *zap.Logger
}

// NewServer creates the control API bound to the session's Unix domain socket.
func NewServer(p Params, logger *zap.Logger, h *api.Handler) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Set socket permissions to 0600.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	// Event streams never go idle; cancelling the base context ends them on Stop.
	baseCtx, cancel := context.WithCancel(context.Background())
	router := api.NewRouter(h)
	s := &Server{
		httpServer: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return baseCtx },
		},
		listener:   listener,
		socketPath: socketPath,
		cancel:     cancel,
		logger:     logger,
	}

	if addr := p.Config.Metrics.Address; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			cancel()
			_ = listener.Close()
			return nil, fmt.Errorf("listen metrics %s: %w", addr, err)
		}
		s.metricsLn = ln
		s.metricsServer = &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}
	}
	return s, nil
}

// Start serves requests. Blocks until stopped.
func (s *Server) Start() error {
	if s.metricsServer != nil {
		go func() {
			s.logger.Info("metrics listener starting", zap.String("addr", s.metricsLn.Addr().String()))
			if err := s.metricsServer.Serve(s.metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics listener error", zap.Error(err))
			}
		}()
	}
	s.logger.Info("control API starting", zap.String("socket", s.socketPath))
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control API stopping")
	s.cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("control API shutdown", zap.Error(err))
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Warn("metrics listener shutdown", zap.Error(err))
		}
	}
	_ = os.Remove(s.socketPath)
}

// Addr returns the metrics listener address, or nil when disabled.
func (s *Server) Addr() net.Addr {
	if s.metricsLn == nil {
		return nil
	}
	return s.metricsLn.Addr()
}
