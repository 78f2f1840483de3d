package sniproxy

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/AdguardTeam/golibs/log"
	"github.com/ameshkov/snisocks/internal/routing"
)

// State is the state of a relayed connection.
type State uint8

// Relay states in the order they are passed.  A connection may go to
// StateClosed from any other state.
const (
	StateAwaitingHello State = iota
	StateSNIResolved
	StateTunneling
	StateRelaying
	StateClosed
)

// String implements the [fmt.Stringer] interface for State.
func (s State) String() (str string) {
	switch s {
	case StateAwaitingHello:
		return "AWAITING_HELLO"
	case StateSNIResolved:
		return "SNI_RESOLVED"
	case StateTunneling:
		return "TUNNELING"
	case StateRelaying:
		return "RELAYING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

var lastID uint64

// ConnContext represents a single relayed connection.  It is owned by the
// goroutine that handles the connection.
type ConnContext struct {
	// ClientAddr is the address of the client.
	ClientAddr net.Addr

	// Host is the lowercase server name from the client's ClientHello.  It is
	// empty until the server name is extracted.
	Host string

	// Backend is the endpoint the connection is routed to.  It is only set in
	// StateTunneling and later.
	Backend routing.Endpoint

	// ID is a unique connection ID.
	ID uint64

	// State is the current relay state.
	State State
}

// NewConnContext creates a new instance of *ConnContext in the
// StateAwaitingHello state.
func NewConnContext(clientAddr net.Addr) (c *ConnContext) {
	return &ConnContext{
		ID:         atomic.AddUint64(&lastID, 1),
		ClientAddr: clientAddr,
		State:      StateAwaitingHello,
	}
}

// setState moves the connection to the next state.
func (c *ConnContext) setState(s State) {
	log.Debug("sniproxy: [%d] %s -> %s", c.ID, c.State, s)

	c.State = s
}
