package proxy

// State is a step of a Session's lifecycle. Sessions only move forward.
type State int32

const (
	StateIdle State = iota
	StateAwaitingClientRequest
	StateResolving
	StateConnecting
	StateForwardingInitialBytes
	StateRelaying
	StateClosing
	StateClosed
	// StateRejectedNoTarget is entered instead of StateResolving when the
	// client's first bytes name no target.
	StateRejectedNoTarget
)

var stateNames = [...]string{
	StateIdle:                   "idle",
	StateAwaitingClientRequest:  "awaiting_client_request",
	StateResolving:              "resolving",
	StateConnecting:             "connecting",
	StateForwardingInitialBytes: "forwarding_initial_bytes",
	StateRelaying:               "relaying",
	StateClosing:                "closing",
	StateClosed:                 "closed",
	StateRejectedNoTarget:       "rejected_no_target",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Outcome records how a finished Session ended.
type Outcome int

const (
	// OutcomeNone means the session has not finished.
	OutcomeNone Outcome = iota
	// OutcomeRelayed: both relay directions reached end of stream.
	OutcomeRelayed
	// OutcomeRejected: no target was found and the bad request page was sent
	// (or sending it failed).
	OutcomeRejected
	// OutcomeClientReadFailed: the client closed or errored before sending
	// anything.
	OutcomeClientReadFailed
	OutcomeResolveFailed
	OutcomeConnectFailed
	// OutcomeUpstreamWriteFailed: the initial bytes could not be forwarded.
	OutcomeUpstreamWriteFailed
	// OutcomeRelayFailed: a relay direction hit an I/O error or the idle
	// timeout.
	OutcomeRelayFailed
	// OutcomeAborted: the session was stopped from outside, e.g. by
	// Registry.StopAll. Never reported as a failure.
	OutcomeAborted
)

var outcomeNames = [...]string{
	OutcomeNone:                "none",
	OutcomeRelayed:             "relayed",
	OutcomeRejected:            "rejected",
	OutcomeClientReadFailed:    "client_read_failed",
	OutcomeResolveFailed:       "resolve_failed",
	OutcomeConnectFailed:       "connect_failed",
	OutcomeUpstreamWriteFailed: "upstream_write_failed",
	OutcomeRelayFailed:         "relay_failed",
	OutcomeAborted:             "aborted",
}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return "unknown"
	}
	return outcomeNames[o]
}
