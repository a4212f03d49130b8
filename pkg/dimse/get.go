package dimse

import "context"

// SubOperationCounts are the retrieval counters a C-GET or C-MOVE
// provider reports in its responses.
type SubOperationCounts struct {
	Remaining int
	Completed int
	Failed    int
	Warning   int
}

func (c *SubOperationCounts) update(m *Message) {
	if m.Remaining != nil {
		c.Remaining = int(*m.Remaining)
	}
	if m.Completed != nil {
		c.Completed = int(*m.Completed)
	}
	if m.Failed != nil {
		c.Failed = int(*m.Failed)
	}
	if m.Warning != nil {
		c.Warning = int(*m.Warning)
	}
}

// InboundInstance is one C-STORE sub-operation delivered on the same
// association during a C-GET. Data is the dataset exactly as received,
// in TransferSyntax.
type InboundInstance struct {
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
	Data           []byte
}

// InstanceHandler consumes one inbound instance and returns the DIMSE
// status for the C-STORE response. Returning StatusSuccess acknowledges
// the sub-operation.
type InstanceHandler func(inst InboundInstance) uint16

// ProgressHandler observes counter updates from pending responses.
type ProgressHandler func(counts SubOperationCounts)

// CGetResult is the final outcome of a C-GET.
type CGetResult struct {
	Status uint16
	Counts SubOperationCounts
}

// CGet runs a C-GET against the given information model. Matching
// instances arrive as C-STORE sub-operations on this same association
// and are passed to onInstance; onProgress, when non-nil, sees every
// pending counter update. The association must have been configured
// with GetRoleSelection and storage contexts.
//
// Cancelling ctx sends a C-CANCEL and drains to the provider's final
// response.
func (a *Association) CGet(ctx context.Context, modelUID string, identifier *Dataset, onInstance InstanceHandler, onProgress ProgressHandler) (*CGetResult, error) {
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
		CommandField:        CommandCGetRQ,
		MessageID:           msgID,
		AffectedSOPClassUID: modelUID,
		Priority:            PriorityMedium,
	}
	if err := a.sendMessage(nc.ID, rq, query); err != nil {
		return nil, err
	}

	result := &CGetResult{}
	cancelled := false
	for {
		if ctx.Err() != nil && !cancelled {
			cancelled = true
			if err := a.sendCancel(nc.ID, msgID); err != nil {
				a.Abort()
				return nil, err
			}
		}

		m, mCtx, data, err := a.receiveMessage()
		if err != nil {
			return nil, err
		}

		switch m.CommandField {
		case CommandCStoreRQ:
			status := StatusProcessingFailure
			if onInstance != nil {
				status = int(onInstance(InboundInstance{
					SOPClassUID:    m.AffectedSOPClassUID,
					SOPInstanceUID: m.AffectedSOPInstanceUID,
					TransferSyntax: mCtx.TransferSyntax,
					Data:           data,
				}))
			}
			rsp := &Message{
				CommandField:           CommandCStoreRSP,
				MessageIDRespondedTo:   m.MessageID,
				AffectedSOPClassUID:    m.AffectedSOPClassUID,
				AffectedSOPInstanceUID: m.AffectedSOPInstanceUID,
				Status:                 uint16(status),
			}
			if err := a.sendMessage(mCtx.ID, rsp, nil); err != nil {
				return nil, err
			}

		case CommandCGetRSP:
			result.Counts.update(m)
			result.Status = m.Status
			if IsPendingStatus(m.Status) {
				if onProgress != nil {
					onProgress(result.Counts)
				}
				continue
			}
			return result, nil

		default:
			return nil, &ProtocolError{Reason: "unexpected " + CommandName(m.CommandField) + " during C-GET"}
		}
	}
}
