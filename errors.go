package ice

import "errors"

// Sentinel errors returned by the harvesting core. Components wrap these with
// fmt.Errorf("...: %w", err) to add context; callers match with errors.Is.
var (
	// ErrInvalidConfig is returned at construction time when Config names an
	// allowed interface that does not exist or blocks every interface. An
	// invalid port range is reported by the binder as ErrInvalidArgument.
	ErrInvalidConfig = errors.New("ice: invalid configuration")

	// ErrPortsExhausted is returned by the binder when a port-range search
	// consumes BindRetries without a successful bind.
	ErrPortsExhausted = errors.New("ice: no free ports in range")

	// ErrInvalidArgument is returned for out-of-range port bounds or other
	// malformed binder arguments.
	ErrInvalidArgument = errors.New("ice: invalid argument")

	// ErrNoLocalCandidates is reported against a Component when the Host
	// Harvester fails to bind a socket on every allowed local address.
	ErrNoLocalCandidates = errors.New("ice: no local candidates could be gathered")

	// ErrTransactionTimeout is delivered to a transaction's failure collector
	// when no matching response arrives before the retransmit schedule or the
	// TCP/TLS 39.5s ceiling is exhausted.
	ErrTransactionTimeout = errors.New("ice: transaction timed out")

	// ErrTransactionCanceled is delivered to in-flight transactions when their
	// owning harvest is closed.
	ErrTransactionCanceled = errors.New("ice: transaction canceled")

	// ErrTransactionFailure wraps a STUN/TURN error response or a send-time
	// network failure.
	ErrTransactionFailure = errors.New("ice: transaction failed")

	// ErrAuthFailed is returned when a 401/438 challenge cannot be answered:
	// no long-term credential is available, or the challenge retry budget is
	// spent.
	ErrAuthFailed = errors.New("ice: authentication failed")

	// ErrAllocationFailed is returned once a TURN harvester has exhausted its
	// error-recovery table for a single ALLOCATE attempt.
	ErrAllocationFailed = errors.New("ice: turn allocation failed")

	// ErrMalformedMessage is returned by the classifier/codec for buffers that
	// fail STUN/TURN structural validation.
	ErrMalformedMessage = errors.New("ice: malformed stun/turn message")

	// ErrHarvesterDisabled is returned by a harvester that has permanently
	// disabled itself after a prior timeout or panic.
	ErrHarvesterDisabled = errors.New("ice: harvester disabled")

	// ErrUnsupportedAgentTopology is returned by the single-port UDP demuxer
	// for any Agent that does not have exactly one Stream with exactly one
	// Component.
	ErrUnsupportedAgentTopology = errors.New("ice: single-port demux requires exactly one stream and one component")

	// ErrMessageIntegrityMismatch names an inbound response that fails
	// MESSAGE-INTEGRITY validation against the credential session that sent
	// the matching request. No code path returns it:
	// CredentialManager.ValidateIntegrity reports a failed check as false.
	ErrMessageIntegrityMismatch = errors.New("ice: message-integrity validation failed")

	// ErrNoSuchCandidate names a ufrag in an inbound STUN Binding Request
	// that matches no registered candidate. No code path returns it: UdpMux
	// drops such a request and TcpListener closes its connection.
	ErrNoSuchCandidate = errors.New("ice: no candidate for ufrag")
)
