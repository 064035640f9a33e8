package discovery

import (
	"github.com/atvirokodosprendimai/ctldisco/pkg/overlay"
)

// Owner receives what the actor discovers. Callbacks run on the actor's
// goroutine and must not block.
type Owner interface {
	// EndpointsChanged replaces the owner's endpoint list. The slice is not
	// reused by the actor.
	EndpointsChanged(endpoints []Endpoint)
	// Controller returns the endpoint the owner is connected to, if any
	Controller() (Endpoint, bool)
	// DisconnectRequested asks the owner to drop its connection because the
	// controller left the overlay
	DisconnectRequested()
}

// Node is the part of an overlay node the actor uses
type Node interface {
	Join(group string) error
	RequestService(service string) error
	Peers(service string) []*overlay.Peer
	Events() <-chan struct{}
	// Done is closed when the node stops on its own, Err says why
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Opener opens the node an actor owns for its lifetime
type Opener interface {
	OpenNode(name string) (Node, error)
}

// OpenerFunc adapts a function to Opener
type OpenerFunc func(name string) (Node, error)

func (f OpenerFunc) OpenNode(name string) (Node, error) {
	return f(name)
}

// NetworkOpener opens actor nodes on an overlay network
func NetworkOpener(network *overlay.Network) Opener {
	return OpenerFunc(func(name string) (Node, error) {
		node, err := network.OpenNode(name)
		if err != nil {
			return nil, err
		}
		return node, nil
	})
}

// Command is sent from the owner to the actor
type Command int

const (
	// Terminate stops the actor
	Terminate Command = iota + 1
)

func (c Command) String() string {
	switch c {
	case Terminate:
		return "TERMINATE"
	default:
		return "UNKNOWN"
	}
}

// State is the actor lifecycle state
type State int32

const (
	Starting State = iota
	Running
	Terminating
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Terminating:
		return "terminating"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}
