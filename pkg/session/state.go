package session

// State of a session. A run goes through the states in order, or ends
// in StateFailed or StateTerminated.
type State uint8

const (
	StateInit State = iota
	StateRendezvous
	StateAddressExchanged
	StateEndpointReady
	StatePayloadExchanged
	StateBarrier
	StateClosed
	StateFailed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRendezvous:
		return "RENDEZVOUS"
	case StateAddressExchanged:
		return "ADDRESS_EXCHANGED"
	case StateEndpointReady:
		return "ENDPOINT_READY"
	case StatePayloadExchanged:
		return "PAYLOAD_EXCHANGED"
	case StateBarrier:
		return "BARRIER"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Result describes how a run ended.
type Result struct {
	Role  Role
	State State

	// FaultDetected is set when the emulated failure of the peer was
	// observed.
	FaultDetected bool

	// Received is the payload the client received.
	Received []byte
}
