package dimse

import "context"

// CStore sends one instance to the peer. Data must be a bare dataset
// (no Part-10 header) already encoded in a transfer syntax the peer
// accepted for the SOP class.
func (a *Association) CStore(ctx context.Context, sopClassUID, sopInstanceUID string, data []byte) error {
	if err := a.Connect(ctx); err != nil {
		return err
	}
	nc, err := a.ContextFor(sopClassUID)
	if err != nil {
		return err
	}

	rq := &Message{
		CommandField:           CommandCStoreRQ,
		MessageID:              a.NextMessageID(),
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: sopInstanceUID,
		Priority:               PriorityMedium,
	}
	if err := a.sendMessage(nc.ID, rq, data); err != nil {
		return err
	}

	rsp, _, _, err := a.receiveMessage()
	if err != nil {
		return err
	}
	if rsp.CommandField != CommandCStoreRSP {
		return &ProtocolError{Reason: "expected C-STORE response, got " + CommandName(rsp.CommandField)}
	}
	if rsp.Status != StatusSuccess && rsp.Status != StatusWarningSubOpsFailed {
		return &RemoteStatusError{Operation: "C-STORE", Status: rsp.Status}
	}
	return nil
}
