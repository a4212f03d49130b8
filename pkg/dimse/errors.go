package dimse

import "fmt"

// TransportError covers socket-level failures: dial, read, write, timeouts.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("dimse transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError covers malformed or unexpected PDUs and DIMSE messages.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("dimse protocol: %s", e.Reason)
}

// NegotiationError is returned when an association is rejected or a
// required presentation context was not accepted by the peer.
type NegotiationError struct {
	Reason string
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("dimse negotiation: %s", e.Reason)
}

// RemoteStatusError reports a non-success, non-pending DIMSE status from
// the peer.
type RemoteStatusError struct {
	Operation string
	Status    uint16
}

func (e *RemoteStatusError) Error() string {
	return fmt.Sprintf("%s failed with status 0x%04X", e.Operation, e.Status)
}

// CodecError covers dataset and command-set encode/decode failures.
type CodecError struct {
	Reason string
	Err    error
}

func (e *CodecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dimse codec: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("dimse codec: %s", e.Reason)
}

func (e *CodecError) Unwrap() error { return e.Err }
