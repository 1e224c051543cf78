// Package server accepts pkt-line connections and serves each of them through
// its own correlation stage.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	proxyproto "github.com/pires/go-proxyproto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/labkit/log"

	"gitlab.com/gitlab-org/flowtrace/internal/config"
	"gitlab.com/gitlab-org/flowtrace/internal/correlator"
	"gitlab.com/gitlab-org/flowtrace/internal/handler"
	"gitlab.com/gitlab-org/flowtrace/internal/metrics"
	"gitlab.com/gitlab-org/flowtrace/internal/pktline"
	"gitlab.com/gitlab-org/flowtrace/internal/transport"
)

type status int

const (
	StatusStarting status = iota
	StatusReady
	StatusOnShutdown
	StatusClosed
)

func (s status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusReady:
		return "ready"
	case StatusOnShutdown:
		return "shutting down"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

const (
	acceptInitialInterval = 5 * time.Millisecond
	acceptMaxInterval     = time.Second

	tooManyConnections = "too many connections"
)

// ErrNoHandler is returned by NewServer when no handler is given.
var ErrNoHandler = errors.New("server: a handler is required")

type Server struct {
	Config *config.Config

	handler      handler.Handler
	instrumenter transport.Instrumenter
	connections  *semaphore.Weighted

	status   status
	statusMu sync.RWMutex
	wg       sync.WaitGroup
	listener net.Listener
}

// NewServer returns a Server answering requests with h. instrumenter may be
// nil, in which case no request is traced.
func NewServer(cfg *config.Config, h handler.Handler, instrumenter transport.Instrumenter) (*Server, error) {
	if h == nil {
		return nil, ErrNoHandler
	}

	s := &Server{Config: cfg, handler: h, instrumenter: instrumenter}

	if cfg.Server.ProxyProtocol {
		if _, err := s.proxyPolicy(); err != nil {
			return nil, fmt.Errorf("invalid policy configuration: %w", err)
		}
	}

	limit := cfg.Server.ConcurrentConnectionsLimit
	if limit < 1 {
		limit = config.DefaultServerConfig.ConcurrentConnectionsLimit
	}
	s.connections = semaphore.NewWeighted(limit)

	return s, nil
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.listen(ctx); err != nil {
		return err
	}
	defer s.listener.Close()

	s.serve(ctx)

	return nil
}

func (s *Server) Shutdown() error {
	if s.listener == nil {
		return nil
	}

	s.changeStatus(StatusOnShutdown)

	return s.listener.Close()
}

// Addr returns the address the server listens on, or nil before it listens.
func (s *Server) Addr() net.Addr {
	if s.getStatus() == StatusStarting || s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

func (s *Server) MonitoringServeMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc(s.Config.Server.ReadinessProbe, func(w http.ResponseWriter, r *http.Request) {
		if s.getStatus() == StatusReady {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})

	mux.HandleFunc(s.Config.Server.LivenessProbe, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

func (s *Server) listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.Config.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen for connection: %w", err)
	}

	if s.Config.Server.ProxyProtocol {
		policy, err := s.proxyPolicy()
		if err != nil {
			_ = listener.Close()
			return fmt.Errorf("invalid policy configuration: %w", err)
		}

		listener = &proxyproto.Listener{
			Listener:          listener,
			Policy:            policy,
			ReadHeaderTimeout: time.Duration(s.Config.Server.ProxyHeaderTimeout),
		}

		log.ContextLogger(ctx).Info("Proxy protocol is enabled")
	}

	log.WithContextFields(ctx, log.Fields{"tcp_address": listener.Addr().String()}).Info("Listening for connections")

	s.listener = listener

	return nil
}

func (s *Server) serve(ctx context.Context) {
	s.changeStatus(StatusReady)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = acceptInitialInterval
	retry.MaxInterval = acceptMaxInterval

	for {
		nconn, err := s.listener.Accept()
		if err != nil {
			if s.getStatus() == StatusOnShutdown || errors.Is(err, net.ErrClosed) {
				break
			}

			delay := retry.NextBackOff()
			log.WithContextFields(ctx, log.Fields{"retry_in_s": delay.Seconds()}).WithError(err).Warn("Failed to accept connection")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
			continue
		}
		retry.Reset()

		s.wg.Add(1)
		go s.handleConn(ctx, nconn)
	}

	s.wg.Wait()

	s.changeStatus(StatusClosed)
}

func (s *Server) changeStatus(st status) {
	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
}

func (s *Server) getStatus() status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()

	return s.status
}

func contextWithValues(parent context.Context, nconn net.Conn) (context.Context, log.Fields) {
	ctx := correlation.ContextWithCorrelation(parent, correlation.SafeRandomID())

	fields := log.Fields{
		"connection_id": uuid.NewString(),
		"remote_addr":   nconn.RemoteAddr().String(),
	}

	// If we're dealing with a PROXY connection, register the proxy's address too
	if mconn, ok := nconn.(*proxyproto.Conn); ok {
		fields["proxy_addr"] = mconn.Raw().RemoteAddr().String()
	}

	return ctx, fields
}

func (s *Server) handleConn(ctx context.Context, nconn net.Conn) {
	defer s.wg.Done()
	defer nconn.Close()

	ctx, fields := contextWithValues(ctx, nconn)
	ctxlog := log.WithContextFields(ctx, fields)

	if !s.connections.TryAcquire(1) {
		ctxlog.Info("server: handleConn: too many concurrent connections")
		metrics.ConnectionsLimited.Inc()
		_ = pktline.WriteError(nconn, tooManyConnections)
		return
	}
	defer s.connections.Release(1)

	metrics.ConnectionsInFlight.Inc()
	defer metrics.ConnectionsInFlight.Dec()

	defer func(started time.Time) {
		duration := time.Since(started).Seconds()
		metrics.ConnectionDuration.Observe(duration)
		ctxlog.WithFields(log.Fields{"duration_s": duration}).Info("server: handleConn: done")
	}(time.Now())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		nconn.Close() // Close the connection when context is cancelled
	}()

	ctxlog.Debug("server: handleConn: start")

	// Prevent a panic in a single connection from taking out the whole server
	defer func() {
		if err := recover(); err != nil {
			ctxlog.WithField("recovered_error", err).Error("panic handling connection")
		}
	}()

	if err := s.serveConn(ctx, nconn); err != nil {
		trackError(ctxlog, err)
	}
}

// serveConn wires transport, stage and runner for one connection and blocks
// until all three are done.
func (s *Server) serveConn(ctx context.Context, nconn net.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn := transport.New(nconn, s.instrumenter, time.Duration(s.Config.Server.IdleTimeout))
	runner := handler.NewRunner(s.handler, s.Config.Server.MaxPipelinedRequests)
	stage := correlator.New(conn, runner)

	stageErr := make(chan error, 1)
	go func() { stageErr <- stage.Run(ctx) }()

	runner.Start(ctx, stage.Application())
	serveErr := conn.Serve(ctx, stage.Transport())

	select {
	case <-stage.Done():
	case <-ctx.Done():
	}
	cancel()

	err := <-stageErr
	<-runner.Done()

	if serveErr != nil {
		return serveErr
	}

	return err
}

func trackError(ctxlog *logrus.Entry, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, transport.ErrIdleTimeout):
		ctxlog.WithError(err).Info("server: connection idle")
	default:
		ctxlog.WithError(err).Warn("server: connection error")
	}
}

func (s *Server) proxyPolicy() (proxyproto.PolicyFunc, error) {
	if len(s.Config.Server.ProxyAllowed) > 0 {
		return proxyproto.StrictWhiteListPolicy(s.Config.Server.ProxyAllowed)
	}

	// Values are taken from https://github.com/pires/go-proxyproto/blob/195fedcfbfc1be163f3a0d507fac1709e9d81fed/policy.go#L20
	switch strings.ToLower(s.Config.Server.ProxyPolicy) {
	case "require":
		return staticProxyPolicy(proxyproto.REQUIRE), nil
	case "ignore":
		return staticProxyPolicy(proxyproto.IGNORE), nil
	case "reject":
		return staticProxyPolicy(proxyproto.REJECT), nil
	case "", "use":
		return staticProxyPolicy(proxyproto.USE), nil
	default:
		return nil, fmt.Errorf("unknown proxy policy %q", s.Config.Server.ProxyPolicy)
	}
}

func staticProxyPolicy(policy proxyproto.Policy) proxyproto.PolicyFunc {
	return func(_ net.Addr) (proxyproto.Policy, error) {
		return policy, nil
	}
}
