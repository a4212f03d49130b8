package dimse

import "fmt"

// DIMSE command field values from PS3.7.
const (
	CommandCStoreRQ  = 0x0001
	CommandCStoreRSP = 0x8001
	CommandCGetRQ    = 0x0010
	CommandCGetRSP   = 0x8010
	CommandCFindRQ   = 0x0020
	CommandCFindRSP  = 0x8020
	CommandCMoveRQ   = 0x0021
	CommandCMoveRSP  = 0x8021
	CommandCEchoRQ   = 0x0030
	CommandCEchoRSP  = 0x8030
	CommandCCancelRQ = 0x0FFF
)

// DIMSE status values.
const (
	StatusSuccess                  = 0x0000
	StatusCancel                   = 0xFE00
	StatusPending                  = 0xFF00
	StatusPendingWarning           = 0xFF01
	StatusWarningSubOpsFailed      = 0xB000
	StatusRefusedOutOfResources    = 0xA701
	StatusRefusedMoveDestination   = 0xA702
	StatusSOPClassNotSupported     = 0x0122
	StatusProcessingFailure        = 0x0110
	StatusCannotUnderstand         = 0xC000
	StatusInvalidArgumentValue     = 0x0115
)

// Command data set type: anything but 0x0101 means a dataset follows.
const (
	dataSetPresent = 0x0000
	dataSetAbsent  = 0x0101
)

// C-FIND/C-MOVE/C-GET priority values.
const (
	PriorityLow    = 0x0002
	PriorityMedium = 0x0000
	PriorityHigh   = 0x0001
)

// IsPendingStatus reports whether a response status is pending.
func IsPendingStatus(status uint16) bool {
	return status == StatusPending || status == StatusPendingWarning
}

// Message is a decoded DIMSE command set. Sub-operation counters are
// pointers because their presence is meaningful in C-GET and C-MOVE
// responses.
type Message struct {
	CommandField           uint16
	MessageID              uint16
	MessageIDRespondedTo   uint16
	AffectedSOPClassUID    string
	AffectedSOPInstanceUID string
	MoveDestination        string
	Priority               uint16
	Status                 uint16
	HasDataset             bool

	Remaining *uint16
	Completed *uint16
	Failed    *uint16
	Warning   *uint16

	MoveOriginatorAETitle   string
	MoveOriginatorMessageID uint16
}

// CommandName returns a human-readable name for the command field.
func CommandName(field uint16) string {
	switch field {
	case CommandCStoreRQ, CommandCStoreRSP:
		return "C-STORE"
	case CommandCGetRQ, CommandCGetRSP:
		return "C-GET"
	case CommandCFindRQ, CommandCFindRSP:
		return "C-FIND"
	case CommandCMoveRQ, CommandCMoveRSP:
		return "C-MOVE"
	case CommandCEchoRQ, CommandCEchoRSP:
		return "C-ECHO"
	case CommandCCancelRQ:
		return "C-CANCEL"
	}
	return fmt.Sprintf("0x%04X", field)
}

// IsResponse reports whether the command field is a response.
func (m *Message) IsResponse() bool {
	return m.CommandField&0x8000 != 0
}

// encodeCommand serializes a command set in Implicit VR LE, group length
// first as PS3.7 requires.
func encodeCommand(m *Message) ([]byte, error) {
	ds := NewDataset()
	if m.AffectedSOPClassUID != "" {
		ds.SetString(TagAffectedSOPClassUID, "UI", m.AffectedSOPClassUID)
	}
	ds.SetInt(TagCommandField, "US", int(m.CommandField))
	if m.IsResponse() {
		ds.SetInt(TagMessageIDBeingRespondedTo, "US", int(m.MessageIDRespondedTo))
	} else {
		ds.SetInt(TagMessageID, "US", int(m.MessageID))
	}
	if m.MoveDestination != "" {
		ds.SetString(TagMoveDestination, "AE", m.MoveDestination)
	}
	switch m.CommandField {
	case CommandCFindRQ, CommandCGetRQ, CommandCMoveRQ, CommandCStoreRQ:
		ds.SetInt(TagPriority, "US", int(m.Priority))
	}
	if m.HasDataset {
		ds.SetInt(TagCommandDataSetType, "US", dataSetPresent)
	} else {
		ds.SetInt(TagCommandDataSetType, "US", dataSetAbsent)
	}
	if m.IsResponse() {
		ds.SetInt(TagStatus, "US", int(m.Status))
	}
	if m.AffectedSOPInstanceUID != "" {
		ds.SetString(TagAffectedSOPInstanceUID, "UI", m.AffectedSOPInstanceUID)
	}
	if m.Remaining != nil {
		ds.SetInt(TagRemainingSubOperations, "US", int(*m.Remaining))
	}
	if m.Completed != nil {
		ds.SetInt(TagCompletedSubOperations, "US", int(*m.Completed))
	}
	if m.Failed != nil {
		ds.SetInt(TagFailedSubOperations, "US", int(*m.Failed))
	}
	if m.Warning != nil {
		ds.SetInt(TagWarningSubOperations, "US", int(*m.Warning))
	}
	if m.MoveOriginatorAETitle != "" {
		ds.SetString(TagMoveOriginatorAETitle, "AE", m.MoveOriginatorAETitle)
		ds.SetInt(TagMoveOriginatorMessageID, "US", int(m.MoveOriginatorMessageID))
	}

	body, err := EncodeDatasetBytes(ds, ImplicitVRLittleEndian)
	if err != nil {
		return nil, err
	}
	head := NewDataset()
	head.SetInt(TagCommandGroupLength, "UL", len(body))
	prefix, err := EncodeDatasetBytes(head, ImplicitVRLittleEndian)
	if err != nil {
		return nil, err
	}
	return append(prefix, body...), nil
}

// decodeCommand parses a command set from Implicit VR LE bytes.
func decodeCommand(data []byte) (*Message, error) {
	ds, err := DecodeDatasetBytes(data, ImplicitVRLittleEndian)
	if err != nil {
		return nil, &CodecError{Reason: "decoding command set", Err: err}
	}

	field, ok := ds.GetInt(TagCommandField)
	if !ok {
		return nil, &ProtocolError{Reason: "command set has no command field"}
	}
	m := &Message{
		CommandField:           uint16(field),
		AffectedSOPClassUID:    ds.GetString(TagAffectedSOPClassUID),
		AffectedSOPInstanceUID: ds.GetString(TagAffectedSOPInstanceUID),
		MoveDestination:        ds.GetString(TagMoveDestination),
		MoveOriginatorAETitle:  ds.GetString(TagMoveOriginatorAETitle),
	}
	if v, ok := ds.GetInt(TagMessageID); ok {
		m.MessageID = uint16(v)
	}
	if v, ok := ds.GetInt(TagMessageIDBeingRespondedTo); ok {
		m.MessageIDRespondedTo = uint16(v)
	}
	if v, ok := ds.GetInt(TagPriority); ok {
		m.Priority = uint16(v)
	}
	if v, ok := ds.GetInt(TagStatus); ok {
		m.Status = uint16(v)
	}
	if v, ok := ds.GetInt(TagMoveOriginatorMessageID); ok {
		m.MoveOriginatorMessageID = uint16(v)
	}
	if v, ok := ds.GetInt(TagCommandDataSetType); ok {
		m.HasDataset = v != dataSetAbsent
	}
	m.Remaining = counterValue(ds, TagRemainingSubOperations)
	m.Completed = counterValue(ds, TagCompletedSubOperations)
	m.Failed = counterValue(ds, TagFailedSubOperations)
	m.Warning = counterValue(ds, TagWarningSubOperations)
	return m, nil
}

func counterValue(ds *Dataset, tag Tag) *uint16 {
	if v, ok := ds.GetInt(tag); ok {
		u := uint16(v)
		return &u
	}
	return nil
}
