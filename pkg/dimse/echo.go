package dimse

import "context"

// CEcho performs a C-ECHO against the peer. A nil error means the peer
// answered with a success status.
func (a *Association) CEcho(ctx context.Context) error {
	if err := a.Connect(ctx); err != nil {
		return err
	}
	nc, err := a.ContextFor(VerificationSOPClass)
	if err != nil {
		return err
	}

	rq := &Message{
		CommandField:        CommandCEchoRQ,
		MessageID:           a.NextMessageID(),
		AffectedSOPClassUID: VerificationSOPClass,
	}
	if err := a.sendMessage(nc.ID, rq, nil); err != nil {
		return err
	}

	rsp, _, _, err := a.receiveMessage()
	if err != nil {
		return err
	}
	if rsp.CommandField != CommandCEchoRSP {
		return &ProtocolError{Reason: "expected C-ECHO response, got " + CommandName(rsp.CommandField)}
	}
	if rsp.Status != StatusSuccess {
		return &RemoteStatusError{Operation: "C-ECHO", Status: rsp.Status}
	}
	return nil
}
