package dimse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// PDU types from PS3.8.
const (
	pduAssociateRQ = 0x01
	pduAssociateAC = 0x02
	pduAssociateRJ = 0x03
	pduPDataTF     = 0x04
	pduReleaseRQ   = 0x05
	pduReleaseRP   = 0x06
	pduAbort       = 0x07
)

// Association item and sub-item types.
const (
	itemApplicationContext    = 0x10
	itemPresentationContextRQ = 0x20
	itemPresentationContextAC = 0x21
	itemAbstractSyntax        = 0x30
	itemTransferSyntax        = 0x40
	itemUserInformation       = 0x50
	subItemMaxPDULength       = 0x51
	subItemImplementationUID  = 0x52
	subItemRoleSelection      = 0x54
	subItemImplementationName = 0x55
)

// Presentation context negotiation results.
const (
	ContextAccepted            = 0x00
	ContextRejectedUser        = 0x01
	ContextRejectedNoReason    = 0x02
	ContextRejectedAbstractSyn = 0x03
	ContextRejectedTransferSyn = 0x04
)

const (
	defaultMaxPDULength = 16384
	maxReasonablePDU    = 10 * 1024 * 1024
)

// pdu is one framed protocol data unit.
type pdu struct {
	Type byte
	Data []byte
}

func readPDU(r io.Reader) (*pdu, error) {
	var header [6]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, &TransportError{Op: "read pdu header", Err: err}
	}
	length := binary.BigEndian.Uint32(header[2:6])
	if length > maxReasonablePDU {
		return nil, &ProtocolError{Reason: fmt.Sprintf("pdu length %d exceeds limit", length)}
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, &TransportError{Op: "read pdu body", Err: err}
	}
	return &pdu{Type: header[0], Data: data}, nil
}

func writePDU(w io.Writer, typ byte, data []byte) error {
	header := make([]byte, 6)
	header[0] = typ
	binary.BigEndian.PutUint32(header[2:6], uint32(len(data)))
	if _, err := w.Write(append(header, data...)); err != nil {
		return &TransportError{Op: "write pdu", Err: err}
	}
	return nil
}

// proposedContext is one presentation context offered in an A-ASSOCIATE-RQ.
type proposedContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// acceptedContext is the acceptor's verdict on one proposed context.
type acceptedContext struct {
	ID             byte
	Result         byte
	TransferSyntax string
}

// roleSelection is the SCP/SCU role selection sub-item. SCPRole set on a
// storage SOP class tells the peer we accept inbound C-STOREs for it,
// which C-GET requires.
type roleSelection struct {
	SOPClassUID string
	SCURole     byte
	SCPRole     byte
}

// associateRQ carries everything negotiated in an A-ASSOCIATE-RQ.
type associateRQ struct {
	CalledAETitle  string
	CallingAETitle string
	Contexts       []proposedContext
	MaxPDULength   uint32
	RoleSelections []roleSelection
	ImplementationClassUID    string
	ImplementationVersionName string
}

// associateAC carries the acceptor's response.
type associateAC struct {
	Contexts       []acceptedContext
	MaxPDULength   uint32
	RoleSelections []roleSelection
}

func padAETitle(title string) []byte {
	padded := fmt.Sprintf("%-16s", title)
	return []byte(padded[:16])
}

func writeItem(buf *bytes.Buffer, typ byte, data []byte) {
	buf.WriteByte(typ)
	buf.WriteByte(0x00)
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(data)))
	buf.Write(l[:])
	buf.Write(data)
}

func encodeAssociateRQ(rq *associateRQ) []byte {
	var buf bytes.Buffer
	var fixed [68]byte
	binary.BigEndian.PutUint16(fixed[0:2], 0x0001) // protocol version
	copy(fixed[4:20], padAETitle(rq.CalledAETitle))
	copy(fixed[20:36], padAETitle(rq.CallingAETitle))
	buf.Write(fixed[:])

	writeItem(&buf, itemApplicationContext, []byte(ApplicationContextUID))

	for _, pc := range rq.Contexts {
		var body bytes.Buffer
		body.Write([]byte{pc.ID, 0x00, 0x00, 0x00})
		writeItem(&body, itemAbstractSyntax, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			writeItem(&body, itemTransferSyntax, []byte(ts))
		}
		writeItem(&buf, itemPresentationContextRQ, body.Bytes())
	}

	var user bytes.Buffer
	var maxLen [4]byte
	binary.BigEndian.PutUint32(maxLen[:], rq.MaxPDULength)
	writeItem(&user, subItemMaxPDULength, maxLen[:])
	writeItem(&user, subItemImplementationUID, []byte(rq.ImplementationClassUID))
	for _, rs := range rq.RoleSelections {
		user.Write(encodeRoleSelection(rs))
	}
	writeItem(&user, subItemImplementationName, []byte(rq.ImplementationVersionName))
	writeItem(&buf, itemUserInformation, user.Bytes())

	return buf.Bytes()
}

func encodeRoleSelection(rs roleSelection) []byte {
	var body bytes.Buffer
	var uidLen [2]byte
	binary.BigEndian.PutUint16(uidLen[:], uint16(len(rs.SOPClassUID)))
	body.Write(uidLen[:])
	body.WriteString(rs.SOPClassUID)
	body.WriteByte(rs.SCURole)
	body.WriteByte(rs.SCPRole)

	var item bytes.Buffer
	writeItem(&item, subItemRoleSelection, body.Bytes())
	return item.Bytes()
}

func encodeAssociateAC(calledAE, callingAE string, ac *associateAC) []byte {
	var buf bytes.Buffer
	var fixed [68]byte
	binary.BigEndian.PutUint16(fixed[0:2], 0x0001)
	copy(fixed[4:20], padAETitle(calledAE))
	copy(fixed[20:36], padAETitle(callingAE))
	buf.Write(fixed[:])

	writeItem(&buf, itemApplicationContext, []byte(ApplicationContextUID))

	for _, pc := range ac.Contexts {
		var body bytes.Buffer
		body.Write([]byte{pc.ID, 0x00, pc.Result, 0x00})
		ts := pc.TransferSyntax
		if ts == "" {
			ts = ImplicitVRLittleEndian
		}
		writeItem(&body, itemTransferSyntax, []byte(ts))
		writeItem(&buf, itemPresentationContextAC, body.Bytes())
	}

	var user bytes.Buffer
	var maxLen [4]byte
	binary.BigEndian.PutUint32(maxLen[:], ac.MaxPDULength)
	writeItem(&user, subItemMaxPDULength, maxLen[:])
	writeItem(&user, subItemImplementationUID, []byte(ImplementationClassUID))
	for _, rs := range ac.RoleSelections {
		user.Write(encodeRoleSelection(rs))
	}
	writeItem(&user, subItemImplementationName, []byte(ImplementationVersionName))
	writeItem(&buf, itemUserInformation, user.Bytes())

	return buf.Bytes()
}

// itemReader walks the variable item list of an associate PDU.
type itemReader struct {
	data   []byte
	offset int
}

func (ir *itemReader) next() (byte, []byte, bool, error) {
	if ir.offset >= len(ir.data) {
		return 0, nil, false, nil
	}
	if ir.offset+4 > len(ir.data) {
		return 0, nil, false, &ProtocolError{Reason: "truncated item header"}
	}
	typ := ir.data[ir.offset]
	length := int(binary.BigEndian.Uint16(ir.data[ir.offset+2 : ir.offset+4]))
	start := ir.offset + 4
	if start+length > len(ir.data) {
		return 0, nil, false, &ProtocolError{Reason: fmt.Sprintf("item 0x%02X exceeds pdu", typ)}
	}
	ir.offset = start + length
	return typ, ir.data[start : start+length], true, nil
}

func decodeAssociateRQ(data []byte) (*associateRQ, error) {
	if len(data) < 68 {
		return nil, &ProtocolError{Reason: "associate-rq too short"}
	}
	rq := &associateRQ{
		CalledAETitle:  strings.TrimRight(string(data[4:20]), " "),
		CallingAETitle: strings.TrimRight(string(data[20:36]), " "),
		MaxPDULength:   defaultMaxPDULength,
	}

	ir := &itemReader{data: data, offset: 68}
	for {
		typ, body, ok, err := ir.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch typ {
		case itemPresentationContextRQ:
			pc, err := decodeProposedContext(body)
			if err != nil {
				return nil, err
			}
			rq.Contexts = append(rq.Contexts, *pc)
		case itemUserInformation:
			if err := decodeUserInformation(body, &rq.MaxPDULength, &rq.RoleSelections, &rq.ImplementationClassUID, &rq.ImplementationVersionName); err != nil {
				return nil, err
			}
		}
	}
	return rq, nil
}

func decodeProposedContext(body []byte) (*proposedContext, error) {
	if len(body) < 4 {
		return nil, &ProtocolError{Reason: "presentation context item too short"}
	}
	pc := &proposedContext{ID: body[0]}
	ir := &itemReader{data: body, offset: 4}
	for {
		typ, sub, ok, err := ir.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch typ {
		case itemAbstractSyntax:
			pc.AbstractSyntax = string(sub)
		case itemTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, string(sub))
		}
	}
	if pc.AbstractSyntax == "" {
		return nil, &ProtocolError{Reason: "presentation context has no abstract syntax"}
	}
	return pc, nil
}

func decodeAssociateAC(data []byte) (*associateAC, error) {
	if len(data) < 68 {
		return nil, &ProtocolError{Reason: "associate-ac too short"}
	}
	ac := &associateAC{MaxPDULength: defaultMaxPDULength}
	var implUID, implName string

	ir := &itemReader{data: data, offset: 68}
	for {
		typ, body, ok, err := ir.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch typ {
		case itemPresentationContextAC:
			if len(body) < 4 {
				return nil, &ProtocolError{Reason: "presentation context reply too short"}
			}
			pc := acceptedContext{ID: body[0], Result: body[2]}
			sub := &itemReader{data: body, offset: 4}
			for {
				styp, sbody, sok, err := sub.next()
				if err != nil {
					return nil, err
				}
				if !sok {
					break
				}
				if styp == itemTransferSyntax {
					pc.TransferSyntax = string(sbody)
				}
			}
			ac.Contexts = append(ac.Contexts, pc)
		case itemUserInformation:
			if err := decodeUserInformation(body, &ac.MaxPDULength, &ac.RoleSelections, &implUID, &implName); err != nil {
				return nil, err
			}
		}
	}
	return ac, nil
}

func decodeUserInformation(body []byte, maxPDU *uint32, roles *[]roleSelection, implUID, implName *string) error {
	ir := &itemReader{data: body}
	for {
		typ, sub, ok, err := ir.next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		switch typ {
		case subItemMaxPDULength:
			if len(sub) == 4 {
				*maxPDU = binary.BigEndian.Uint32(sub)
			}
		case subItemImplementationUID:
			*implUID = string(sub)
		case subItemImplementationName:
			*implName = string(sub)
		case subItemRoleSelection:
			if len(sub) < 4 {
				return &ProtocolError{Reason: "role selection sub-item too short"}
			}
			uidLen := int(binary.BigEndian.Uint16(sub[0:2]))
			if 2+uidLen+2 > len(sub) {
				return &ProtocolError{Reason: "role selection sub-item truncated"}
			}
			*roles = append(*roles, roleSelection{
				SOPClassUID: strings.TrimRight(string(sub[2:2+uidLen]), "\x00"),
				SCURole:     sub[2+uidLen],
				SCPRole:     sub[2+uidLen+1],
			})
		}
	}
}

// A-ASSOCIATE-RJ fields.
type associateRJ struct {
	Result byte
	Source byte
	Reason byte
}

func (rj *associateRJ) String() string {
	return fmt.Sprintf("result=%d source=%d reason=%d", rj.Result, rj.Source, rj.Reason)
}

func encodeAssociateRJ(rj *associateRJ) []byte {
	return []byte{0x00, rj.Result, rj.Source, rj.Reason}
}

func decodeAssociateRJ(data []byte) (*associateRJ, error) {
	if len(data) < 4 {
		return nil, &ProtocolError{Reason: "associate-rj too short"}
	}
	return &associateRJ{Result: data[1], Source: data[2], Reason: data[3]}, nil
}

// pdv is one presentation data value inside a P-DATA-TF PDU.
type pdv struct {
	ContextID byte
	Command   bool
	Last      bool
	Data      []byte
}

// encodePDataTF packs one PDV into a P-DATA-TF body.
func encodePDataTF(v pdv) []byte {
	buf := make([]byte, 6+len(v.Data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(v.Data)+2))
	buf[4] = v.ContextID
	var control byte
	if v.Command {
		control |= 0x01
	}
	if v.Last {
		control |= 0x02
	}
	buf[5] = control
	copy(buf[6:], v.Data)
	return buf
}

// decodePDataTF unpacks all PDVs from a P-DATA-TF body.
func decodePDataTF(data []byte) ([]pdv, error) {
	var pdvs []pdv
	offset := 0
	for offset < len(data) {
		if offset+6 > len(data) {
			return nil, &ProtocolError{Reason: "truncated pdv header"}
		}
		length := int(binary.BigEndian.Uint32(data[offset : offset+4]))
		if length < 2 || offset+4+length > len(data) {
			return nil, &ProtocolError{Reason: "pdv length exceeds pdu"}
		}
		control := data[offset+5]
		pdvs = append(pdvs, pdv{
			ContextID: data[offset+4],
			Command:   control&0x01 != 0,
			Last:      control&0x02 != 0,
			Data:      data[offset+6 : offset+4+length],
		})
		offset += 4 + length
	}
	return pdvs, nil
}

// encodeAbort builds an A-ABORT body. Source 0 is the service user,
// source 2 the service provider.
func encodeAbort(source, reason byte) []byte {
	return []byte{0x00, 0x00, source, reason}
}
