package dimse

import "testing"

func u16p(v uint16) *uint16 { return &v }

func TestCommandRoundTripCStoreRQ(t *testing.T) {
	m := &Message{
		CommandField:            CommandCStoreRQ,
		MessageID:               12,
		AffectedSOPClassUID:     CTImageStorage,
		AffectedSOPInstanceUID:  "1.2.3.4",
		Priority:                PriorityMedium,
		HasDataset:              true,
		MoveOriginatorAETitle:   "GATEWAY_SCU",
		MoveOriginatorMessageID: 5,
	}
	data, err := encodeCommand(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeCommand(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CommandField != CommandCStoreRQ || got.MessageID != 12 {
		t.Errorf("command = 0x%04X, msg id = %d", got.CommandField, got.MessageID)
	}
	if got.AffectedSOPClassUID != CTImageStorage || got.AffectedSOPInstanceUID != "1.2.3.4" {
		t.Errorf("sop = %q / %q", got.AffectedSOPClassUID, got.AffectedSOPInstanceUID)
	}
	if !got.HasDataset {
		t.Error("dataset flag lost")
	}
	if got.IsResponse() {
		t.Error("request classified as response")
	}
	if got.MoveOriginatorAETitle != "GATEWAY_SCU" || got.MoveOriginatorMessageID != 5 {
		t.Errorf("move originator = %q / %d", got.MoveOriginatorAETitle, got.MoveOriginatorMessageID)
	}
}

func TestCommandRoundTripCGetRSPCounters(t *testing.T) {
	m := &Message{
		CommandField:         CommandCGetRSP,
		MessageIDRespondedTo: 9,
		AffectedSOPClassUID:  StudyRootGet,
		Status:               StatusPending,
		Remaining:            u16p(40),
		Completed:            u16p(10),
		Failed:               u16p(0),
	}
	data, err := encodeCommand(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeCommand(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.IsResponse() || got.MessageIDRespondedTo != 9 {
		t.Errorf("response fields = %+v", got)
	}
	if got.Status != StatusPending {
		t.Errorf("status = 0x%04X", got.Status)
	}
	if got.Remaining == nil || *got.Remaining != 40 {
		t.Errorf("remaining = %v", got.Remaining)
	}
	if got.Completed == nil || *got.Completed != 10 {
		t.Errorf("completed = %v", got.Completed)
	}
	if got.Failed == nil || *got.Failed != 0 {
		t.Errorf("failed = %v", got.Failed)
	}
	// Absent counters must stay nil so callers can tell zero from missing.
	if got.Warning != nil {
		t.Errorf("warning = %v, want nil", got.Warning)
	}
}

func TestCommandRoundTripCMoveRQ(t *testing.T) {
	m := &Message{
		CommandField:        CommandCMoveRQ,
		MessageID:           3,
		AffectedSOPClassUID: StudyRootMove,
		MoveDestination:     "GATEWAY_STORE",
		Priority:            PriorityMedium,
		HasDataset:          true,
	}
	data, err := encodeCommand(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeCommand(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MoveDestination != "GATEWAY_STORE" {
		t.Errorf("move destination = %q", got.MoveDestination)
	}
	if !got.HasDataset {
		t.Error("dataset flag lost")
	}
}

func TestSubOperationCountsUpdate(t *testing.T) {
	var c SubOperationCounts
	c.update(&Message{Remaining: u16p(5), Completed: u16p(1)})
	c.update(&Message{Remaining: u16p(4), Completed: u16p(2), Warning: u16p(1)})
	// A message without counters leaves the last values in place.
	c.update(&Message{})
	if c.Remaining != 4 || c.Completed != 2 || c.Failed != 0 || c.Warning != 1 {
		t.Errorf("counts = %+v", c)
	}
}

func TestIsPendingStatus(t *testing.T) {
	if !IsPendingStatus(StatusPending) || !IsPendingStatus(StatusPendingWarning) {
		t.Error("pending statuses not recognised")
	}
	for _, s := range []uint16{StatusSuccess, StatusCancel, StatusWarningSubOpsFailed, StatusRefusedMoveDestination} {
		if IsPendingStatus(s) {
			t.Errorf("0x%04X classified as pending", s)
		}
	}
}

func TestCommandName(t *testing.T) {
	if CommandName(CommandCGetRQ) != "C-GET" {
		t.Errorf("name = %q", CommandName(CommandCGetRQ))
	}
	if CommandName(0x7777) != "0x7777" {
		t.Errorf("unknown name = %q", CommandName(0x7777))
	}
}
