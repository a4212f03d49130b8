package dimse

import "context"

// CFind runs a C-FIND against the given query/retrieve information
// model and returns every pending match's identifier dataset. The query
// dataset must carry the Query/Retrieve Level tag and the matching keys.
func (a *Association) CFind(ctx context.Context, modelUID string, query *Dataset) ([]*Dataset, error) {
	if err := a.Connect(ctx); err != nil {
		return nil, err
	}
	nc, err := a.ContextFor(modelUID)
	if err != nil {
		return nil, err
	}
	identifier, err := EncodeDatasetBytes(query, nc.TransferSyntax)
	if err != nil {
		return nil, err
	}

	msgID := a.NextMessageID()
	rq := &Message{
		CommandField:        CommandCFindRQ,
		MessageID:           msgID,
		AffectedSOPClassUID: modelUID,
		Priority:            PriorityMedium,
	}
	if err := a.sendMessage(nc.ID, rq, identifier); err != nil {
		return nil, err
	}

	var matches []*Dataset
	cancelled := false
	for {
		if ctx.Err() != nil && !cancelled {
			cancelled = true
			if err := a.sendCancel(nc.ID, msgID); err != nil {
				a.Abort()
				return nil, err
			}
		}

		rsp, rspCtx, data, err := a.receiveMessage()
		if err != nil {
			return nil, err
		}
		if rsp.CommandField != CommandCFindRSP {
			return nil, &ProtocolError{Reason: "expected C-FIND response, got " + CommandName(rsp.CommandField)}
		}

		switch {
		case IsPendingStatus(rsp.Status):
			if len(data) == 0 {
				return nil, &ProtocolError{Reason: "pending C-FIND response without identifier"}
			}
			match, err := DecodeDatasetBytes(data, rspCtx.TransferSyntax)
			if err != nil {
				return nil, err
			}
			matches = append(matches, match)
		case rsp.Status == StatusSuccess:
			return matches, nil
		case rsp.Status == StatusCancel:
			return matches, ctx.Err()
		default:
			return nil, &RemoteStatusError{Operation: "C-FIND", Status: rsp.Status}
		}
	}
}
