package dimse

import (
	"bytes"
	"testing"
)

func TestReadWritePDU(t *testing.T) {
	var buf bytes.Buffer
	body := []byte{0xAA, 0xBB, 0xCC}
	if err := writePDU(&buf, pduPDataTF, body); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := readPDU(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if p.Type != pduPDataTF {
		t.Errorf("type = 0x%02X", p.Type)
	}
	if !bytes.Equal(p.Data, body) {
		t.Errorf("data = %v", p.Data)
	}
}

func TestReadPDURejectsOversizedLength(t *testing.T) {
	// 6-byte header claiming an absurd body length.
	frame := []byte{pduPDataTF, 0x00, 0xFF, 0xFF, 0xFF, 0xFF}
	if _, err := readPDU(bytes.NewReader(frame)); err == nil {
		t.Fatal("oversized pdu accepted")
	}
}

func TestAssociateRQRoundTrip(t *testing.T) {
	rq := &associateRQ{
		CalledAETitle:  "ORTHANC",
		CallingAETitle: "GATEWAY_SCU",
		Contexts: []proposedContext{
			{ID: 1, AbstractSyntax: VerificationSOPClass, TransferSyntaxes: CoreTransferSyntaxes},
			{ID: 3, AbstractSyntax: StudyRootFind, TransferSyntaxes: []string{ExplicitVRLittleEndian}},
		},
		MaxPDULength: 32768,
		RoleSelections: []roleSelection{
			{SOPClassUID: CTImageStorage, SCURole: 0, SCPRole: 1},
		},
		ImplementationClassUID:    ImplementationClassUID,
		ImplementationVersionName: ImplementationVersionName,
	}

	got, err := decodeAssociateRQ(encodeAssociateRQ(rq))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CalledAETitle != "ORTHANC" || got.CallingAETitle != "GATEWAY_SCU" {
		t.Errorf("ae titles = %q / %q", got.CalledAETitle, got.CallingAETitle)
	}
	if got.MaxPDULength != 32768 {
		t.Errorf("max pdu = %d", got.MaxPDULength)
	}
	if len(got.Contexts) != 2 {
		t.Fatalf("context count = %d", len(got.Contexts))
	}
	if got.Contexts[0].ID != 1 || got.Contexts[0].AbstractSyntax != VerificationSOPClass {
		t.Errorf("context 0 = %+v", got.Contexts[0])
	}
	if len(got.Contexts[0].TransferSyntaxes) != len(CoreTransferSyntaxes) {
		t.Errorf("context 0 transfer syntaxes = %v", got.Contexts[0].TransferSyntaxes)
	}
	if got.Contexts[1].ID != 3 || got.Contexts[1].AbstractSyntax != StudyRootFind {
		t.Errorf("context 1 = %+v", got.Contexts[1])
	}
	if len(got.RoleSelections) != 1 {
		t.Fatalf("role selections = %d", len(got.RoleSelections))
	}
	rs := got.RoleSelections[0]
	if rs.SOPClassUID != CTImageStorage || rs.SCURole != 0 || rs.SCPRole != 1 {
		t.Errorf("role selection = %+v", rs)
	}
	if got.ImplementationClassUID != ImplementationClassUID {
		t.Errorf("implementation uid = %q", got.ImplementationClassUID)
	}
}

func TestAssociateACRoundTrip(t *testing.T) {
	ac := &associateAC{
		Contexts: []acceptedContext{
			{ID: 1, Result: ContextAccepted, TransferSyntax: ImplicitVRLittleEndian},
			{ID: 3, Result: ContextRejectedAbstractSyn},
		},
		MaxPDULength: 16384,
		RoleSelections: []roleSelection{
			{SOPClassUID: MRImageStorage, SCURole: 0, SCPRole: 1},
		},
	}

	got, err := decodeAssociateAC(encodeAssociateAC("ORTHANC", "GATEWAY_SCU", ac))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MaxPDULength != 16384 {
		t.Errorf("max pdu = %d", got.MaxPDULength)
	}
	if len(got.Contexts) != 2 {
		t.Fatalf("context count = %d", len(got.Contexts))
	}
	if got.Contexts[0].Result != ContextAccepted || got.Contexts[0].TransferSyntax != ImplicitVRLittleEndian {
		t.Errorf("context 0 = %+v", got.Contexts[0])
	}
	if got.Contexts[1].ID != 3 || got.Contexts[1].Result != ContextRejectedAbstractSyn {
		t.Errorf("context 1 = %+v", got.Contexts[1])
	}
	if len(got.RoleSelections) != 1 || got.RoleSelections[0].SOPClassUID != MRImageStorage {
		t.Errorf("role selections = %+v", got.RoleSelections)
	}
}

func TestAssociateRJRoundTrip(t *testing.T) {
	rj := &associateRJ{Result: 1, Source: 1, Reason: 7}
	got, err := decodeAssociateRJ(encodeAssociateRJ(rj))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Result != 1 || got.Source != 1 || got.Reason != 7 {
		t.Errorf("rj = %+v", got)
	}
}

func TestPDataTFRoundTrip(t *testing.T) {
	// A command fragment followed by two data fragments in one PDU.
	body := append(encodePDataTF(pdv{ContextID: 1, Command: true, Last: true, Data: []byte{0x01}}),
		encodePDataTF(pdv{ContextID: 1, Command: false, Last: false, Data: []byte{0x02, 0x03}})...)
	body = append(body, encodePDataTF(pdv{ContextID: 1, Command: false, Last: true, Data: []byte{0x04}})...)

	pdvs, err := decodePDataTF(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pdvs) != 3 {
		t.Fatalf("pdv count = %d", len(pdvs))
	}
	if !pdvs[0].Command || !pdvs[0].Last {
		t.Errorf("pdv 0 flags = %+v", pdvs[0])
	}
	if pdvs[1].Command || pdvs[1].Last {
		t.Errorf("pdv 1 flags = %+v", pdvs[1])
	}
	if !pdvs[2].Last || !bytes.Equal(pdvs[2].Data, []byte{0x04}) {
		t.Errorf("pdv 2 = %+v", pdvs[2])
	}
}

func TestDecodePDataTFRejectsTruncation(t *testing.T) {
	body := encodePDataTF(pdv{ContextID: 1, Command: true, Last: true, Data: []byte{0x01, 0x02}})
	if _, err := decodePDataTF(body[:len(body)-1]); err == nil {
		t.Fatal("truncated pdv accepted")
	}
}

func TestPadAETitle(t *testing.T) {
	padded := padAETitle("SCU")
	if len(padded) != 16 {
		t.Fatalf("padded length = %d", len(padded))
	}
	if string(padded[:3]) != "SCU" || padded[3] != ' ' {
		t.Errorf("padded = %q", padded)
	}
	long := padAETitle("AVERYLONGAETITLEINDEED")
	if len(long) != 16 {
		t.Errorf("overlong padded length = %d", len(long))
	}
}
