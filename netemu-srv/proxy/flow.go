package proxy

import (
	"net"
	"sync"
	"time"

	"github.com/codefionn/netemu/netemu-srv/httpline"
	"github.com/codefionn/netemu/netemu-srv/logger"
	"github.com/codefionn/netemu/netemu-srv/neterr"
	"github.com/google/uuid"
)

// State is the lifecycle position of a flow.
type State int

const (
	StateAccepted State = iota
	StateClassifying
	StateResolving
	StateTunnelingDirect
	StateShaping
	StateClosed
	StateFailed
)

var stateNames = [...]string{
	StateAccepted:        "accepted",
	StateClassifying:     "classifying",
	StateResolving:       "resolving",
	StateTunnelingDirect: "tunneling-direct",
	StateShaping:         "shaping",
	StateClosed:          "closed",
	StateFailed:          "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// StateChange is reported to the gateway observer on every transition.
type StateChange struct {
	FlowID string
	From   State
	To     State
	// Err is set when To is StateFailed.
	Err *neterr.Error
}

// Flow is one guest connection handled by a Gateway.
type Flow struct {
	ID          string
	Peer        string
	Destination string
	Listener    string
	Started     time.Time

	// Window holds the leading bytes read during classification.
	Window         []byte
	Classification httpline.Result
	// Degraded is set when classification fell back to Opaque because the
	// window timed out or filled while still incomplete.
	Degraded bool

	statsID int64
	log     logger.Scoped

	mu    sync.Mutex
	state State
	err   *neterr.Error

	notify func(StateChange)
}

func newFlow(conn net.Conn, dst, listener string, notify func(StateChange)) *Flow {
	id := uuid.NewString()
	peer := ""
	if addr := conn.RemoteAddr(); addr != nil {
		peer = addr.String()
	}
	return &Flow{
		ID:          id,
		Peer:        peer,
		Destination: dst,
		Listener:    listener,
		Started:     time.Now(),
		log:         logger.ForFlow(id[:8]),
		state:       StateAccepted,
		notify:      notify,
	}
}

// State returns the current state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Err returns the failure of a failed flow.
func (f *Flow) Err() *neterr.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// transition moves the flow to next. Transitions out of a terminal state
// are ignored.
func (f *Flow) transition(next State, err *neterr.Error) bool {
	f.mu.Lock()
	prev := f.state
	if prev.Terminal() {
		f.mu.Unlock()
		return false
	}
	f.state = next
	if next == StateFailed {
		f.err = err
	}
	f.mu.Unlock()

	if err != nil {
		f.log.Debug("%s -> %s: %v", prev, next, err)
	} else {
		f.log.Debug("%s -> %s", prev, next)
	}
	if f.notify != nil {
		f.notify(StateChange{FlowID: f.ID, From: prev, To: next, Err: err})
	}
	return true
}

// fail moves the flow to StateFailed and returns err.
func (f *Flow) fail(err *neterr.Error) *neterr.Error {
	f.transition(StateFailed, err)
	return err
}
