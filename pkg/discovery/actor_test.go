package discovery

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/ctldisco/pkg/overlay"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var errTransport = errors.New("network unreachable")

type fakeNode struct {
	mu       sync.Mutex
	peers    []*overlay.Peer
	joined   []string
	requests int
	closed   bool

	events     chan struct{}
	done       chan struct{}
	fault      error
	joinErr    error
	requestErr func(n int) error
}

func newFakeNode() *fakeNode {
	return &fakeNode{events: make(chan struct{}, 1), done: make(chan struct{})}
}

func (f *fakeNode) Join(group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, group)
	return f.joinErr
}

func (f *fakeNode) RequestService(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	if f.requestErr != nil {
		return f.requestErr(f.requests)
	}
	return nil
}

func (f *fakeNode) Peers(service string) []*overlay.Peer {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []*overlay.Peer
	for _, p := range f.peers {
		if p.Offers(service) {
			result = append(result, p)
		}
	}
	return result
}

func (f *fakeNode) Events() <-chan struct{} {
	return f.events
}

func (f *fakeNode) Done() <-chan struct{} {
	return f.done
}

func (f *fakeNode) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fault
}

// fail stops the node the way a broken transport would
func (f *fakeNode) fail(err error) {
	f.mu.Lock()
	f.fault = err
	f.mu.Unlock()
	close(f.done)
}

func (f *fakeNode) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeNode) setPeers(peers ...*overlay.Peer) {
	f.mu.Lock()
	f.peers = peers
	f.mu.Unlock()
	select {
	case f.events <- struct{}{}:
	default:
	}
}

func (f *fakeNode) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func (f *fakeNode) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeNode) opener() Opener {
	return OpenerFunc(func(string) (Node, error) { return f, nil })
}

// armedClock reports every timer the actor arms, so a test can advance the
// mock clock only once the actor is blocked on its deadline
type armedClock struct {
	*clock.Mock
	armed chan time.Duration
}

func newArmedClock() *armedClock {
	return &armedClock{Mock: clock.NewMock(), armed: make(chan time.Duration, 16)}
}

func (c *armedClock) Timer(d time.Duration) *clock.Timer {
	timer := c.Mock.Timer(d)
	c.armed <- d
	return timer
}

func (c *armedClock) waitArmed(t *testing.T) time.Duration {
	t.Helper()
	select {
	case d := <-c.armed:
		return d
	case <-time.After(waitFor):
		t.Fatal("actor never armed its deadline")
		return 0
	}
}

type fakeOwner struct {
	mu          sync.Mutex
	lists       [][]Endpoint
	controller  *Endpoint
	disconnects atomic.Int32
}

func (o *fakeOwner) EndpointsChanged(endpoints []Endpoint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lists = append(o.lists, endpoints)
}

func (o *fakeOwner) Controller() (Endpoint, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.controller == nil {
		return Endpoint{}, false
	}
	return *o.controller, true
}

func (o *fakeOwner) DisconnectRequested() {
	o.disconnects.Add(1)
}

// sessionOwner drops its controller when asked to, as a real front-end does
type sessionOwner struct {
	fakeOwner
}

func (o *sessionOwner) DisconnectRequested() {
	o.mu.Lock()
	o.controller = nil
	o.mu.Unlock()
	o.fakeOwner.DisconnectRequested()
}

func (o *fakeOwner) publishes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.lists)
}

func (o *fakeOwner) last() []Endpoint {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.lists) == 0 {
		return nil
	}
	return o.lists[len(o.lists)-1]
}

func startTestActor(t *testing.T, node *fakeNode, owner Owner, opts ...Option) *Handle {
	t.Helper()

	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), WithSettleDelay(0)}, opts...)
	h, err := Start(node.opener(), "svc", owner, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { h.Destroy() })

	<-h.Ready()
	return h
}

var (
	peerA = &overlay.Peer{ID: "a", Name: "A", Services: map[string][]string{"svc": {"10.0.0.1:1"}}}
	peerB = &overlay.Peer{ID: "b", Name: "B", Services: map[string][]string{"svc": {"10.0.0.2:2"}}}
)

func TestActorPublishesEndpoints(t *testing.T) {
	node := newFakeNode()
	owner := &fakeOwner{}
	h := startTestActor(t, node, owner)

	assert.Eventually(t, func() bool { return h.State() == Running }, waitFor, tick)
	node.setPeers(peerB, peerA)

	assert.Eventually(t, func() bool { return len(owner.last()) == 2 }, waitFor, tick)
	assert.Equal(t, []Endpoint{
		{Name: "A", Address: "10.0.0.1:1"},
		{Name: "B", Address: "10.0.0.2:2"},
	}, owner.last())
	assert.Equal(t, []string{"svc"}, node.joined)
	assert.Equal(t, int32(0), owner.disconnects.Load())
}

func TestActorRequestsDisconnectWhenControllerLeaves(t *testing.T) {
	node := newFakeNode()
	owner := &fakeOwner{controller: &Endpoint{Name: "B", Address: "10.0.0.2:2"}}
	startTestActor(t, node, owner)

	node.setPeers(peerA, peerB)
	assert.Eventually(t, func() bool { return owner.publishes() == 1 }, waitFor, tick)
	assert.Equal(t, int32(0), owner.disconnects.Load())

	// B leaves the overlay
	node.setPeers(peerA)
	assert.Eventually(t, func() bool { return owner.publishes() == 2 }, waitFor, tick)
	assert.Equal(t, []Endpoint{{Name: "A", Address: "10.0.0.1:1"}}, owner.last())
	assert.Equal(t, int32(1), owner.disconnects.Load())
}

func TestActorMatchesControllerByNameAndAddress(t *testing.T) {
	node := newFakeNode()
	// Same address, but advertised under another name
	owner := &fakeOwner{controller: &Endpoint{Name: "old", Address: "10.0.0.1:1"}}
	startTestActor(t, node, owner)

	node.setPeers(peerA)
	assert.Eventually(t, func() bool { return owner.publishes() == 1 }, waitFor, tick)
	assert.Equal(t, int32(1), owner.disconnects.Load())
}

func TestActorDrainsBackToBackEventsOnce(t *testing.T) {
	node := newFakeNode()
	node.events = make(chan struct{}, 2)
	node.peers = []*overlay.Peer{peerA, peerB}
	node.events <- struct{}{}
	node.events <- struct{}{}

	owner := &fakeOwner{}
	startTestActor(t, node, owner)

	assert.Eventually(t, func() bool { return owner.publishes() == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return owner.publishes() > 1 }, 100*time.Millisecond, tick)
	assert.Len(t, owner.last(), 2)
}

func TestActorReannouncesOnSchedule(t *testing.T) {
	clk := newArmedClock()
	node := newFakeNode()
	owner := &fakeOwner{}
	startTestActor(t, node, owner, WithClock(clk), WithAnnounceInterval(3*time.Second))

	assert.Equal(t, 3*time.Second, clk.waitArmed(t))
	assert.Equal(t, 1, node.requestCount())

	// A steady stream of changes neither triggers nor postpones announcements
	for i := 1; i <= 2; i++ {
		clk.Add(time.Second)
		node.setPeers(peerA)
		assert.Eventually(t, func() bool { return owner.publishes() == i }, waitFor, tick)
		assert.Equal(t, 1, node.requestCount())
		// The deadline is kept, not restarted
		assert.Equal(t, time.Duration(3-i)*time.Second, clk.waitArmed(t))
	}

	clk.Add(time.Second)
	assert.Eventually(t, func() bool { return node.requestCount() == 2 }, waitFor, tick)
	assert.Equal(t, 3*time.Second, clk.waitArmed(t))
	assert.Equal(t, 2, node.requestCount())

	clk.Add(3 * time.Second)
	assert.Eventually(t, func() bool { return node.requestCount() == 3 }, waitFor, tick)
}

func TestActorSettleDelay(t *testing.T) {
	clk := clock.NewMock()
	node := newFakeNode()
	h := startTestActor(t, node, &fakeOwner{}, WithClock(clk), WithSettleDelay(100*time.Millisecond))

	assert.Eventually(t, func() bool {
		node.mu.Lock()
		defer node.mu.Unlock()
		return len(node.joined) == 1
	}, waitFor, tick)
	assert.Equal(t, 0, node.requestCount())
	assert.Equal(t, Starting, h.State())

	assert.Eventually(t, func() bool {
		clk.Add(50 * time.Millisecond)
		return node.requestCount() == 1
	}, waitFor, tick)
	assert.Eventually(t, func() bool { return h.State() == Running }, waitFor, tick)
}

func TestActorTerminateDuringSettle(t *testing.T) {
	node := newFakeNode()
	h := startTestActor(t, node, &fakeOwner{}, WithClock(clock.NewMock()), WithSettleDelay(time.Second))

	require.NoError(t, h.Destroy())
	assert.Equal(t, Stopped, h.State())
	assert.True(t, node.isClosed())
	assert.Equal(t, 0, node.requestCount())
}

func TestActorDestroy(t *testing.T) {
	node := newFakeNode()
	h := startTestActor(t, node, &fakeOwner{})
	assert.Eventually(t, func() bool { return h.State() == Running }, waitFor, tick)

	require.NoError(t, h.Destroy())
	assert.Equal(t, Stopped, h.State())
	assert.True(t, node.isClosed())
	assert.NoError(t, h.Err())

	// Second call is a no-op
	assert.NoError(t, h.Destroy())
	assert.ErrorIs(t, h.Send(Terminate), ErrActorStopped)
}

func TestActorTerminateWinsOverPendingEvent(t *testing.T) {
	control := make(chan Command, 1)
	control <- Terminate
	events := make(chan struct{}, 1)
	events <- struct{}{}

	a := &actor{control: control, clock: clock.NewMock(), logger: zaptest.NewLogger(t)}
	terminate, _, err := a.wait(&fakeNode{events: events}, time.Hour)

	require.NoError(t, err)
	assert.True(t, terminate)
	assert.Len(t, events, 0, "pending event is consumed before stopping")
}

func TestActorWaitServicesAllReadySources(t *testing.T) {
	control := make(chan Command, 2)
	control <- Command(7)
	events := make(chan struct{}, 1)
	events <- struct{}{}

	a := &actor{control: control, clock: clock.NewMock(), logger: zaptest.NewLogger(t)}
	terminate, changed, err := a.wait(&fakeNode{events: events}, time.Hour)

	require.NoError(t, err)
	assert.False(t, terminate)
	assert.True(t, changed)
	assert.Len(t, control, 0)
	assert.Len(t, events, 0)
}

func TestActorIgnoresUnknownCommand(t *testing.T) {
	node := newFakeNode()
	h := startTestActor(t, node, &fakeOwner{})

	require.NoError(t, h.Send(Command(42)))
	assert.Never(t, func() bool { return h.State() == Stopped }, 50*time.Millisecond, tick)

	require.NoError(t, h.Destroy())
	assert.True(t, node.isClosed())
}

func TestActorClosedControlChannelStops(t *testing.T) {
	node := newFakeNode()
	control := make(chan Command)
	close(control)

	var state atomic.Int32
	a := &actor{
		opener:   node.opener(),
		service:  "svc",
		owner:    &fakeOwner{},
		clock:    clock.New(),
		interval: time.Hour,
		logger:   zaptest.NewLogger(t),
		control:  control,
		ready:    make(chan struct{}),
		state:    &state,
	}

	assert.NoError(t, a.run())
	assert.True(t, node.isClosed())
	assert.Equal(t, Terminating, State(state.Load()))
}

func TestActorReadyBeforeNetwork(t *testing.T) {
	node := newFakeNode()
	gate := make(chan struct{})
	opener := OpenerFunc(func(string) (Node, error) {
		<-gate
		return node, nil
	})

	h, err := Start(opener, "svc", &fakeOwner{}, WithLogger(zaptest.NewLogger(t)), WithSettleDelay(0))
	require.NoError(t, err)

	select {
	case <-h.Ready():
	case <-time.After(waitFor):
		t.Fatal("actor never signalled ready")
	}
	assert.Equal(t, Starting, h.State())

	close(gate)
	require.NoError(t, h.Destroy())
	assert.True(t, node.isClosed())
}

func TestActorOpenFailure(t *testing.T) {
	opener := OpenerFunc(func(string) (Node, error) { return nil, errTransport })

	h, err := Start(opener, "svc", &fakeOwner{})
	require.NoError(t, err)

	<-h.Done()
	assert.ErrorIs(t, h.Err(), errTransport)
	assert.Equal(t, Stopped, h.State())
	assert.ErrorIs(t, h.Destroy(), errTransport)
}

func TestActorJoinFailureClosesNode(t *testing.T) {
	node := newFakeNode()
	node.joinErr = errTransport

	h, err := Start(node.opener(), "svc", &fakeOwner{}, WithSettleDelay(0))
	require.NoError(t, err)

	<-h.Done()
	assert.ErrorIs(t, h.Err(), errTransport)
	assert.True(t, node.isClosed())
}

func TestActorReannounceFailureStops(t *testing.T) {
	clk := newArmedClock()
	node := newFakeNode()
	node.requestErr = func(n int) error {
		if n > 1 {
			return errTransport
		}
		return nil
	}

	h := startTestActor(t, node, &fakeOwner{}, WithClock(clk), WithAnnounceInterval(time.Second))
	clk.waitArmed(t)

	clk.Add(time.Second)
	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatal("actor kept running after a transport fault")
	}
	assert.ErrorIs(t, h.Err(), errTransport)
	assert.True(t, node.isClosed())
}

func TestActorStopsWhenNodeFails(t *testing.T) {
	node := newFakeNode()
	owner := &fakeOwner{}
	h := startTestActor(t, node, owner, WithAnnounceInterval(time.Hour))
	assert.Eventually(t, func() bool { return h.State() == Running }, waitFor, tick)

	node.fail(errTransport)
	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatal("actor kept running on a dead node")
	}
	assert.ErrorIs(t, h.Err(), errTransport)
	assert.Equal(t, Stopped, h.State())
	assert.True(t, node.isClosed())
	assert.Equal(t, 0, owner.publishes())
}

func TestActorWaitReportsStoppedNode(t *testing.T) {
	node := newFakeNode()
	close(node.done)

	a := &actor{control: make(chan Command), clock: clock.NewMock(), logger: zaptest.NewLogger(t)}

	_, _, err := a.wait(node, time.Hour)
	assert.ErrorIs(t, err, ErrNodeStopped)

	// An overdue deadline still notices
	_, _, err = a.wait(node, 0)
	assert.ErrorIs(t, err, ErrNodeStopped)
}

type panickingOwner struct{ fakeOwner }

func (o *panickingOwner) EndpointsChanged([]Endpoint) {
	panic("owner bug")
}

func TestActorRecoversFromOwnerPanic(t *testing.T) {
	node := newFakeNode()
	h := startTestActor(t, node, &panickingOwner{})

	node.setPeers(peerA)
	<-h.Done()
	assert.ErrorContains(t, h.Err(), "owner bug")
	assert.True(t, node.isClosed())
}

func TestStartValidatesArguments(t *testing.T) {
	node := newFakeNode()

	_, err := Start(nil, "svc", &fakeOwner{})
	assert.Error(t, err)
	_, err = Start(node.opener(), "", &fakeOwner{})
	assert.Error(t, err)
	_, err = Start(node.opener(), "svc", nil)
	assert.Error(t, err)
}
