package discovery

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atvirokodosprendimai/ctldisco/pkg/metrics"
	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultAnnounceInterval = 3 * time.Second
	DefaultSettleDelay      = 100 * time.Millisecond
	DefaultNodeName         = "ctldisco"

	controlBuffer = 8
)

var (
	// ErrActorStopped is returned when commanding an actor that has exited
	ErrActorStopped = errors.New("discovery actor stopped")
	// ErrNodeStopped is the actor's error when its node stops without a reason
	ErrNodeStopped = errors.New("overlay node stopped")
)

// Option configures an actor
type Option func(*actor)

// WithClock sets the clock the re-announcement deadline is measured with
func WithClock(clk clock.Clock) Option {
	return func(a *actor) {
		a.clock = clk
	}
}

// WithAnnounceInterval sets the time between service requests
func WithAnnounceInterval(d time.Duration) Option {
	return func(a *actor) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithSettleDelay sets the pause between joining the group and the first
// service request. Zero disables it.
func WithSettleDelay(d time.Duration) Option {
	return func(a *actor) {
		if d >= 0 {
			a.settle = d
		}
	}
}

// WithLogger sets the actor logger
func WithLogger(logger *zap.Logger) Option {
	return func(a *actor) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics records actor activity
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *actor) {
		a.metrics = m
	}
}

// WithName sets the display name of the actor's own node
func WithName(name string) Option {
	return func(a *actor) {
		if name != "" {
			a.name = name
		}
	}
}

// Handle controls a running actor
type Handle struct {
	control chan Command
	ready   chan struct{}
	done    chan struct{}
	state   atomic.Int32
	err     error

	destroyOnce sync.Once
}

// Start spawns a discovery actor for service reporting to owner. It returns
// as soon as the actor goroutine exists; use Ready to wait for it.
func Start(opener Opener, service string, owner Owner, opts ...Option) (*Handle, error) {
	if opener == nil {
		return nil, fmt.Errorf("no overlay to open nodes on")
	}
	if service == "" {
		return nil, fmt.Errorf("service name is required")
	}
	if owner == nil {
		return nil, fmt.Errorf("owner is required")
	}

	h := &Handle{
		control: make(chan Command, controlBuffer),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}

	a := &actor{
		opener:   opener,
		service:  service,
		owner:    owner,
		name:     DefaultNodeName,
		clock:    clock.New(),
		interval: DefaultAnnounceInterval,
		settle:   DefaultSettleDelay,
		logger:   zap.NewNop(),
		control:  h.control,
		ready:    h.ready,
		state:    &h.state,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("discovery").With(zap.String("service", service))

	go func() {
		h.err = a.run()
		if h.err != nil {
			a.logger.Error("Discovery actor failed", zap.Error(h.err))
		}
		h.state.Store(int32(Stopped))
		a.logger.Debug("Discovery actor stopped")
		close(h.done)
	}()

	return h, nil
}

// Ready is closed once the actor goroutine is alive, before it touches the network
func (h *Handle) Ready() <-chan struct{} {
	return h.ready
}

// Done is closed when the actor has exited and its node is closed
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the error the actor exited with. It is nil while the actor runs.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// State returns the current lifecycle state
func (h *Handle) State() State {
	return State(h.state.Load())
}

// Send delivers a command to the actor
func (h *Handle) Send(cmd Command) error {
	select {
	case <-h.done:
		return ErrActorStopped
	default:
	}

	select {
	case h.control <- cmd:
		return nil
	case <-h.done:
		return ErrActorStopped
	}
}

// Destroy terminates the actor and waits until it has exited. It returns the
// error the actor failed with, if any. Calling it again only waits.
func (h *Handle) Destroy() error {
	h.destroyOnce.Do(func() {
		// An actor that already failed has nothing left to terminate
		_ = h.Send(Terminate)
	})
	<-h.done
	return h.err
}

type actor struct {
	opener   Opener
	service  string
	owner    Owner
	name     string
	clock    clock.Clock
	interval time.Duration
	settle   time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics

	control <-chan Command
	ready   chan struct{}
	state   *atomic.Int32
}

func (a *actor) setState(s State) {
	a.state.Store(int32(s))
}

// run is the actor goroutine body. The node is closed on every return path.
func (a *actor) run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("discovery actor panic: %v", r)
		}
	}()

	a.setState(Starting)
	close(a.ready)

	node, err := a.opener.OpenNode(a.name)
	if err != nil {
		return fmt.Errorf("failed to open overlay node: %w", err)
	}
	defer func() {
		if closeErr := node.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to close overlay node: %w", closeErr))
		}
	}()

	if err := node.Join(a.service); err != nil {
		return fmt.Errorf("failed to join group %s: %w", a.service, err)
	}

	if a.settle > 0 && a.pause(a.settle) {
		a.setState(Terminating)
		return nil
	}

	if err := a.request(node); err != nil {
		return err
	}
	then := a.clock.Now()

	a.setState(Running)
	a.logger.Info("Discovery actor running", zap.Duration("announce_interval", a.interval))

	for {
		terminate, changed, err := a.wait(node, a.interval-a.clock.Since(then))
		if err != nil {
			a.setState(Terminating)
			return err
		}
		if terminate {
			a.setState(Terminating)
			return nil
		}

		if changed {
			a.recompute(node)
		}

		if a.clock.Since(then) >= a.interval {
			if err := a.request(node); err != nil {
				a.setState(Terminating)
				return err
			}
			then = a.clock.Now()
		}
	}
}

// pause waits for d while still honouring Terminate. It reports whether the
// actor was told to stop.
func (a *actor) pause(d time.Duration) bool {
	timer := a.clock.Timer(d)
	defer timer.Stop()

	for {
		select {
		case cmd, ok := <-a.control:
			if a.handleCommand(cmd, ok) {
				return true
			}
		case <-timer.C:
			return false
		}
	}
}

// wait blocks until a command, a node event, the node stopping or the
// deadline, then services every other source that is already ready before
// returning. A stopped node is reported as an error.
func (a *actor) wait(node Node, remaining time.Duration) (terminate, changed bool, err error) {
	if remaining <= 0 {
		select {
		case <-node.Done():
			return false, false, nodeFault(node)
		default:
		}
		return false, a.drainEvents(node), nil
	}

	timer := a.clock.Timer(remaining)
	defer timer.Stop()

	select {
	case cmd, ok := <-a.control:
		terminate = a.handleCommand(cmd, ok)
	case <-node.Events():
		changed = true
	case <-node.Done():
		return false, changed, nodeFault(node)
	case <-timer.C:
	}

	for !terminate {
		select {
		case cmd, ok := <-a.control:
			terminate = a.handleCommand(cmd, ok)
		case <-node.Events():
			changed = true
		case <-node.Done():
			return false, changed, nodeFault(node)
		default:
			return terminate, changed, nil
		}
	}

	// Stopping: a pending change is consumed but not acted upon
	if a.drainEvents(node) {
		changed = true
	}
	return terminate, changed, nil
}

func nodeFault(node Node) error {
	if err := node.Err(); err != nil {
		return fmt.Errorf("overlay node failed: %w", err)
	}
	return ErrNodeStopped
}

func (a *actor) drainEvents(node Node) bool {
	select {
	case <-node.Events():
		return true
	default:
		return false
	}
}

// handleCommand reports whether the actor should stop. A closed control
// channel counts as Terminate.
func (a *actor) handleCommand(cmd Command, ok bool) bool {
	if !ok {
		a.logger.Debug("Control channel closed")
		return true
	}
	if cmd == Terminate {
		a.logger.Debug("Terminate received")
		return true
	}
	a.logger.Debug("Ignoring unknown command", zap.Int("command", int(cmd)))
	return false
}

func (a *actor) request(node Node) error {
	if err := node.RequestService(a.service); err != nil {
		return fmt.Errorf("failed to request service %s: %w", a.service, err)
	}
	a.metrics.ServiceRequested()
	return nil
}

// recompute rebuilds the endpoint list from the node's current peers,
// publishes it and asks the owner to disconnect if its controller is gone
func (a *actor) recompute(node Node) {
	endpoints := ComputeEndpoints(node.Peers(a.service), a.service)

	a.owner.EndpointsChanged(endpoints)
	a.metrics.Recomputed()
	a.metrics.SetEndpoints(len(endpoints))
	a.logger.Debug("Endpoints recomputed", zap.Int("count", len(endpoints)))

	if current, ok := a.owner.Controller(); ok && !Contains(endpoints, current) {
		a.logger.Info("Controller left the overlay", zap.Stringer("controller", current))
		a.metrics.DisconnectRequested()
		a.owner.DisconnectRequested()
	}
}
