// Package governance holds the pure follow-up policy core: the per-lead
// contact state machine and the send/skip decision evaluator. Nothing in
// this package touches storage or the clock; callers pass everything in.
package governance

// State is a lead's contact lifecycle, independent of its business status.
type State string

const (
	StateNew       State = "new"
	StateContacted State = "contacted"
	StateResponded State = "responded"
	StateCompleted State = "completed"
)

// Event advances the contact lifecycle.
type Event string

const (
	EventOutboundSent    Event = "outbound_sent"
	EventInboundReceived Event = "inbound_received"
	EventFunnelCompleted Event = "funnel_completed"
)

// Transitions maps (state, event) pairs to the next state.
type Transitions map[State]map[Event]State

// DefaultTransitions is the standard contact lifecycle. The table is data
// rather than a switch so a deployment can swap in a different policy.
var DefaultTransitions = Transitions{
	StateNew: {
		EventOutboundSent:    StateContacted,
		EventInboundReceived: StateResponded,
		EventFunnelCompleted: StateCompleted,
	},
	StateContacted: {
		EventOutboundSent:    StateContacted,
		EventInboundReceived: StateResponded,
		EventFunnelCompleted: StateCompleted,
	},
	StateResponded: {
		EventOutboundSent:    StateContacted,
		EventInboundReceived: StateResponded,
		EventFunnelCompleted: StateCompleted,
	},
	// completed is terminal; every event maps back to completed via the
	// unknown-pair rule.
}

// Machine applies a transition table.
type Machine struct {
	Table Transitions
}

// NewMachine returns a machine over the given table, defaulting to
// DefaultTransitions when table is nil.
func NewMachine(table Transitions) Machine {
	if table == nil {
		table = DefaultTransitions
	}
	return Machine{Table: table}
}

// Next returns the state after event. Total: an unknown state/event pair
// returns the current state unchanged, keeping the pipeline non-fatal on
// malformed input.
func (m Machine) Next(current State, event Event) State {
	events, ok := m.Table[current]
	if !ok {
		return current
	}
	next, ok := events[event]
	if !ok {
		return current
	}
	return next
}

// Known reports whether s appears in the machine's table.
func (m Machine) Known(s State) bool {
	_, ok := m.Table[s]
	return ok
}
