package dimse

import "context"

// CMoveResult is the final outcome of a C-MOVE.
type CMoveResult struct {
	Status uint16
	Counts SubOperationCounts
}

// CMove asks the provider to push matching instances to destinationAE
// over separate inbound associations. Progress is tracked from the
// provider's response counters only; the instances themselves arrive at
// whatever Storage SCP the destination AE title resolves to.
func (a *Association) CMove(ctx context.Context, modelUID, destinationAE string, identifier *Dataset, onProgress ProgressHandler) (*CMoveResult, error) {
	if err := a.Connect(ctx); err != nil {
		return nil, err
	}
	nc, err := a.ContextFor(modelUID)
	if err != nil {
		return nil, err
	}
	query, err := EncodeDatasetBytes(identifier, nc.TransferSyntax)
	if err != nil {
		return nil, err
	}

	msgID := a.NextMessageID()
	rq := &Message{
		CommandField:        CommandCMoveRQ,
		MessageID:           msgID,
		AffectedSOPClassUID: modelUID,
		MoveDestination:     destinationAE,
		Priority:            PriorityMedium,
	}
	if err := a.sendMessage(nc.ID, rq, query); err != nil {
		return nil, err
	}

	result := &CMoveResult{}
	cancelled := false
	for {
		if ctx.Err() != nil && !cancelled {
			cancelled = true
			if err := a.sendCancel(nc.ID, msgID); err != nil {
				a.Abort()
				return nil, err
			}
		}

		m, _, _, err := a.receiveMessage()
		if err != nil {
			return nil, err
		}
		if m.CommandField != CommandCMoveRSP {
			return nil, &ProtocolError{Reason: "expected C-MOVE response, got " + CommandName(m.CommandField)}
		}

		result.Counts.update(m)
		result.Status = m.Status
		if IsPendingStatus(m.Status) {
			if onProgress != nil {
				onProgress(result.Counts)
			}
			continue
		}
		return result, nil
	}
}
