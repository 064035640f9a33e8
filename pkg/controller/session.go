package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/atvirokodosprendimai/ctldisco/pkg/discovery"
	"go.uber.org/zap"
)

var (
	// ErrNotRunning is returned when discovery has not been started
	ErrNotRunning = errors.New("discovery not running")
	// ErrUnknownEndpoint is returned when connecting to an endpoint that is not listed
	ErrUnknownEndpoint = errors.New("endpoint not discovered")
)

// Session is a headless front-end for discovered controllers. It owns the
// endpoint list, the selected controller and the connection to it, and runs
// a discovery actor that keeps the list current.
type Session struct {
	opener  discovery.Opener
	service string
	dialer  Dialer
	logger  *zap.Logger
	opts    []discovery.Option

	// connectMu serializes Connect so only one dial is in flight
	connectMu sync.Mutex

	mu         sync.Mutex
	endpoints  []discovery.Endpoint
	controller *discovery.Endpoint
	conn       io.Closer
	actor      *discovery.Handle

	updates chan struct{}
}

// NewSession creates a session for service. Discovery starts with Start.
func NewSession(opener discovery.Opener, service string, dialer Dialer, logger *zap.Logger, opts ...discovery.Option) *Session {
	if dialer == nil {
		dialer = TCPDialer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		opener:  opener,
		service: service,
		dialer:  dialer,
		logger:  logger.Named("session"),
		opts:    opts,
		updates: make(chan struct{}, 1),
	}
}

// Start spawns the discovery actor and waits until it is alive. Starting a
// running session is a no-op.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.actor != nil {
		s.mu.Unlock()
		return nil
	}

	h, err := discovery.Start(s.opener, s.service, s, s.opts...)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to start discovery: %w", err)
	}
	s.actor = h
	s.mu.Unlock()

	<-h.Ready()
	go s.watchActor(h)

	s.logger.Info("Discovery started", zap.String("service", s.service))
	return nil
}

// Stop disconnects and tears down the discovery actor, blocking until it has
// exited. The session can be started again later.
func (s *Session) Stop() error {
	disconnectErr := s.Disconnect()

	s.mu.Lock()
	h := s.actor
	s.actor = nil
	s.mu.Unlock()

	if h == nil {
		return disconnectErr
	}
	if err := h.Destroy(); err != nil {
		return err
	}
	return disconnectErr
}

// watchActor treats a dead actor as "discovery unavailable"
func (s *Session) watchActor(h *discovery.Handle) {
	<-h.Done()
	err := h.Err()
	if err == nil {
		return
	}

	s.logger.Warn("Discovery unavailable", zap.Error(err))
	s.mu.Lock()
	if s.actor == h {
		s.endpoints = nil
	}
	s.mu.Unlock()

	s.Disconnect()
	s.notify()
}

// Done is closed when the current actor exits. It returns nil when discovery is not running.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actor == nil {
		return nil
	}
	return s.actor.Done()
}

// Health reports whether discovery is running
func (s *Session) Health() error {
	s.mu.Lock()
	h := s.actor
	s.mu.Unlock()

	if h == nil {
		return ErrNotRunning
	}
	select {
	case <-h.Done():
		if err := h.Err(); err != nil {
			return err
		}
		return discovery.ErrActorStopped
	default:
		return nil
	}
}

// Updates becomes ready when the endpoint list or the selected controller
// changed since it was last drained
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Endpoints returns the current endpoint list
func (s *Session) Endpoints() []discovery.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.endpoints)
}

// EndpointsChanged implements discovery.Owner
func (s *Session) EndpointsChanged(endpoints []discovery.Endpoint) {
	s.mu.Lock()
	added, removed := Diff(s.endpoints, endpoints)
	s.endpoints = endpoints
	s.mu.Unlock()

	if len(added) == 0 && len(removed) == 0 {
		return
	}
	for _, e := range added {
		s.logger.Debug("Controller appeared", zap.Stringer("endpoint", e))
	}
	for _, e := range removed {
		s.logger.Debug("Controller disappeared", zap.Stringer("endpoint", e))
	}
	s.notify()
}

// Controller implements discovery.Owner
func (s *Session) Controller() (discovery.Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.controller == nil {
		return discovery.Endpoint{}, false
	}
	return *s.controller, true
}

// DisconnectRequested implements discovery.Owner
func (s *Session) DisconnectRequested() {
	if err := s.Disconnect(); err != nil {
		s.logger.Warn("Failed to close controller connection", zap.Error(err))
	}
}

// Connect selects e as the controller and opens a connection to it.
// Connecting to the current controller is a no-op. If e leaves the endpoint
// list while the dial is in flight the new connection is closed again.
func (s *Session) Connect(ctx context.Context, e discovery.Endpoint) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.controller != nil && *s.controller == e {
		s.mu.Unlock()
		return nil
	}
	known := discovery.Contains(s.endpoints, e)
	s.mu.Unlock()

	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, e)
	}

	if err := s.Disconnect(); err != nil {
		s.logger.Warn("Failed to close previous connection", zap.Error(err))
	}

	conn, err := s.dialer.Dial(ctx, e.Address)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if !discovery.Contains(s.endpoints, e) {
		s.mu.Unlock()
		if closeErr := conn.Close(); closeErr != nil {
			s.logger.Debug("Failed to close connection", zap.Error(closeErr))
		}
		return fmt.Errorf("%w: %s left while connecting", ErrUnknownEndpoint, e)
	}
	s.controller = &e
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info("Connected to controller", zap.Stringer("controller", e))
	s.notify()
	return nil
}

// Disconnect closes the connection to the selected controller, if any
func (s *Session) Disconnect() error {
	s.mu.Lock()
	controller, conn := s.controller, s.conn
	s.controller, s.conn = nil, nil
	s.mu.Unlock()

	if controller == nil {
		return nil
	}

	s.logger.Info("Disconnected from controller", zap.Stringer("controller", *controller))
	s.notify()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}
