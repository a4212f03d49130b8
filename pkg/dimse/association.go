package dimse

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PresentationContext is one abstract syntax proposed during negotiation,
// with the transfer syntaxes we can encode it in.
type PresentationContext struct {
	AbstractSyntax   string
	TransferSyntaxes []string
}

// NegotiatedContext is an accepted presentation context.
type NegotiatedContext struct {
	ID             byte
	AbstractSyntax string
	TransferSyntax string
}

// AssociationConfig holds configuration for outbound DICOM associations.
type AssociationConfig struct {
	Host             string
	Port             int
	CallingAETitle   string
	CalledAETitle    string
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	MaxPDULength     uint32
	Contexts         []PresentationContext

	// GetRoleSelection proposes the SCP role on every storage SOP class
	// so the peer can send C-STORE sub-operations on this association.
	// Required for C-GET retrieval.
	GetRoleSelection bool

	Logger zerolog.Logger
}

// Association is one outbound DICOM association in the SCU role.
type Association struct {
	conn   net.Conn
	config AssociationConfig
	log    zerolog.Logger

	mu          sync.Mutex
	connected   bool
	released    bool
	lastUsed    time.Time
	peerMaxPDU  uint32
	contexts    map[byte]*NegotiatedContext
	byAbstract  map[string]*NegotiatedContext
	nextMsgID   uint16
}

// NewAssociation creates an association ready to connect.
func NewAssociation(config AssociationConfig) *Association {
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.OperationTimeout == 0 {
		config.OperationTimeout = 30 * time.Second
	}
	if config.MaxPDULength == 0 {
		config.MaxPDULength = defaultMaxPDULength
	}
	return &Association{
		config:     config,
		log:        config.Logger,
		peerMaxPDU: defaultMaxPDULength,
		contexts:   make(map[byte]*NegotiatedContext),
		byAbstract: make(map[string]*NegotiatedContext),
		nextMsgID:  1,
	}
}

// VerificationContexts proposes the Verification SOP class only.
func VerificationContexts() []PresentationContext {
	return []PresentationContext{
		{AbstractSyntax: VerificationSOPClass, TransferSyntaxes: CoreTransferSyntaxes},
	}
}

// QueryRetrieveContexts proposes the study-root and patient-root
// query/retrieve models plus verification.
func QueryRetrieveContexts() []PresentationContext {
	uids := []string{
		StudyRootFind,
		StudyRootMove,
		StudyRootGet,
		PatientRootFind,
		PatientRootMove,
		PatientRootGet,
		VerificationSOPClass,
	}
	contexts := make([]PresentationContext, 0, len(uids))
	for _, uid := range uids {
		contexts = append(contexts, PresentationContext{
			AbstractSyntax:   uid,
			TransferSyntaxes: CoreTransferSyntaxes,
		})
	}
	return contexts
}

// StorageContexts proposes every known storage SOP class, core transfer
// syntaxes first and compressed syntaxes for passthrough.
func StorageContexts() []PresentationContext {
	syntaxes := append(append([]string{}, CoreTransferSyntaxes...), PassthroughTransferSyntaxes...)
	contexts := make([]PresentationContext, 0, len(StorageSOPClasses))
	for _, uid := range StorageSOPClasses {
		contexts = append(contexts, PresentationContext{
			AbstractSyntax:   uid,
			TransferSyntaxes: syntaxes,
		})
	}
	return contexts
}

// Connect dials the peer and negotiates the association.
func (a *Association) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", a.config.Host, a.config.Port)
	dialer := &net.Dialer{Timeout: a.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &TransportError{Op: "dial " + addr, Err: err}
	}
	a.conn = conn

	if err := a.negotiate(); err != nil {
		conn.Close()
		a.conn = nil
		return fmt.Errorf("negotiating with %s: %w", addr, err)
	}

	a.connected = true
	a.lastUsed = time.Now()
	a.log.Debug().
		Str("peer", addr).
		Str("called_ae", a.config.CalledAETitle).
		Int("contexts", len(a.contexts)).
		Uint32("peer_max_pdu", a.peerMaxPDU).
		Msg("association established")
	return nil
}

func (a *Association) negotiate() error {
	rq := &associateRQ{
		CalledAETitle:             a.config.CalledAETitle,
		CallingAETitle:            a.config.CallingAETitle,
		MaxPDULength:              a.config.MaxPDULength,
		ImplementationClassUID:    ImplementationClassUID,
		ImplementationVersionName: ImplementationVersionName,
	}

	proposed := make(map[byte]PresentationContext, len(a.config.Contexts))
	id := byte(1)
	for _, pc := range a.config.Contexts {
		rq.Contexts = append(rq.Contexts, proposedContext{
			ID:               id,
			AbstractSyntax:   pc.AbstractSyntax,
			TransferSyntaxes: pc.TransferSyntaxes,
		})
		proposed[id] = pc
		id += 2 // odd IDs only
	}
	if a.config.GetRoleSelection {
		for _, uid := range StorageSOPClasses {
			rq.RoleSelections = append(rq.RoleSelections, roleSelection{
				SOPClassUID: uid,
				SCURole:     0,
				SCPRole:     1,
			})
		}
	}

	if err := a.writePDU(pduAssociateRQ, encodeAssociateRQ(rq)); err != nil {
		return err
	}

	reply, err := a.readPDU()
	if err != nil {
		return err
	}
	switch reply.Type {
	case pduAssociateAC:
		ac, err := decodeAssociateAC(reply.Data)
		if err != nil {
			return err
		}
		if ac.MaxPDULength > 0 {
			a.peerMaxPDU = ac.MaxPDULength
		}
		for _, pc := range ac.Contexts {
			if pc.Result != ContextAccepted {
				continue
			}
			rqCtx, ok := proposed[pc.ID]
			if !ok {
				return &ProtocolError{Reason: fmt.Sprintf("peer accepted unknown context id %d", pc.ID)}
			}
			nc := &NegotiatedContext{
				ID:             pc.ID,
				AbstractSyntax: rqCtx.AbstractSyntax,
				TransferSyntax: pc.TransferSyntax,
			}
			a.contexts[pc.ID] = nc
			if _, dup := a.byAbstract[nc.AbstractSyntax]; !dup {
				a.byAbstract[nc.AbstractSyntax] = nc
			}
		}
		if len(a.contexts) == 0 {
			return &NegotiationError{Reason: "peer accepted no presentation contexts"}
		}
		return nil
	case pduAssociateRJ:
		rj, err := decodeAssociateRJ(reply.Data)
		if err != nil {
			return err
		}
		return &NegotiationError{Reason: "association rejected: " + rj.String()}
	case pduAbort:
		return &NegotiationError{Reason: "peer aborted during negotiation"}
	default:
		return &ProtocolError{Reason: fmt.Sprintf("unexpected pdu type 0x%02X during negotiation", reply.Type)}
	}
}

// ContextFor returns the negotiated context for an abstract syntax.
func (a *Association) ContextFor(abstractSyntax string) (*NegotiatedContext, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	nc, ok := a.byAbstract[abstractSyntax]
	if !ok {
		return nil, &NegotiationError{Reason: fmt.Sprintf("no accepted presentation context for %s", abstractSyntax)}
	}
	return nc, nil
}

// contextByID returns the negotiated context with the given ID.
func (a *Association) contextByID(id byte) (*NegotiatedContext, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	nc, ok := a.contexts[id]
	if !ok {
		return nil, &ProtocolError{Reason: fmt.Sprintf("message on unnegotiated context id %d", id)}
	}
	return nc, nil
}

// NextMessageID allocates a message ID for a new request.
func (a *Association) NextMessageID() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextMsgID
	a.nextMsgID++
	return id
}

// IsConnected reports whether the association is established.
func (a *Association) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// LastUsed returns when the association last carried traffic.
func (a *Association) LastUsed() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUsed
}

func (a *Association) touch() {
	a.mu.Lock()
	a.lastUsed = time.Now()
	a.mu.Unlock()
}

func (a *Association) writePDU(typ byte, data []byte) error {
	if err := a.conn.SetWriteDeadline(time.Now().Add(a.config.OperationTimeout)); err != nil {
		return &TransportError{Op: "set write deadline", Err: err}
	}
	return writePDU(a.conn, typ, data)
}

func (a *Association) readPDU() (*pdu, error) {
	if err := a.conn.SetReadDeadline(time.Now().Add(a.config.OperationTimeout)); err != nil {
		return nil, &TransportError{Op: "set read deadline", Err: err}
	}
	return readPDU(a.conn)
}

// sendMessage writes a DIMSE command and optional dataset on the given
// context, fragmenting PDVs to the peer's maximum PDU length.
func (a *Association) sendMessage(contextID byte, m *Message, dataset []byte) error {
	m.HasDataset = len(dataset) > 0
	command, err := encodeCommand(m)
	if err != nil {
		return err
	}
	if err := a.sendFragmented(contextID, command, true); err != nil {
		return err
	}
	if len(dataset) > 0 {
		if err := a.sendFragmented(contextID, dataset, false); err != nil {
			return err
		}
	}
	a.touch()
	return nil
}

func (a *Association) sendFragmented(contextID byte, data []byte, command bool) error {
	a.mu.Lock()
	maxPDU := int(a.peerMaxPDU)
	a.mu.Unlock()

	// Leave room for the 6-byte PDV header inside each PDU.
	chunk := maxPDU - 6
	if chunk <= 0 {
		chunk = defaultMaxPDULength - 6
	}
	for offset := 0; ; offset += chunk {
		end := offset + chunk
		last := end >= len(data)
		if last {
			end = len(data)
		}
		body := encodePDataTF(pdv{
			ContextID: contextID,
			Command:   command,
			Last:      last,
			Data:      data[offset:end],
		})
		if err := a.writePDU(pduPDataTF, body); err != nil {
			return err
		}
		if last {
			return nil
		}
	}
}

// receiveMessage reads one complete DIMSE message: the command set and,
// when the command announces one, the full dataset.
func (a *Association) receiveMessage() (*Message, *NegotiatedContext, []byte, error) {
	var commandBuf bytes.Buffer
	var contextID byte
	var m *Message

	for {
		p, err := a.readPDU()
		if err != nil {
			return nil, nil, nil, err
		}
		switch p.Type {
		case pduPDataTF:
			pdvs, err := decodePDataTF(p.Data)
			if err != nil {
				return nil, nil, nil, err
			}
			for _, v := range pdvs {
				if m == nil {
					if !v.Command {
						return nil, nil, nil, &ProtocolError{Reason: "dataset pdv before command"}
					}
					contextID = v.ContextID
					commandBuf.Write(v.Data)
					if v.Last {
						m, err = decodeCommand(commandBuf.Bytes())
						if err != nil {
							return nil, nil, nil, err
						}
						if !m.HasDataset {
							nc, err := a.contextByID(contextID)
							if err != nil {
								return nil, nil, nil, err
							}
							a.touch()
							return m, nc, nil, nil
						}
					}
					continue
				}
				// Command decoded; the rest of this message is dataset.
				if v.Command {
					return nil, nil, nil, &ProtocolError{Reason: "command pdv inside dataset"}
				}
				if v.ContextID != contextID {
					return nil, nil, nil, &ProtocolError{Reason: "dataset pdv on different context than command"}
				}
				ds, err := a.receiveDataset(v, p)
				if err != nil {
					return nil, nil, nil, err
				}
				nc, err := a.contextByID(contextID)
				if err != nil {
					return nil, nil, nil, err
				}
				a.touch()
				return m, nc, ds, nil
			}
		case pduAbort:
			a.teardown()
			return nil, nil, nil, &ProtocolError{Reason: "peer aborted association"}
		case pduReleaseRQ:
			// Peer-initiated release mid-operation.
			_ = a.writePDU(pduReleaseRP, make([]byte, 4))
			a.teardown()
			return nil, nil, nil, &TransportError{Op: "receive message", Err: fmt.Errorf("peer released association")}
		default:
			return nil, nil, nil, &ProtocolError{Reason: fmt.Sprintf("unexpected pdu type 0x%02X", p.Type)}
		}
	}
}

// receiveDataset accumulates dataset PDVs starting from first until a
// last-fragment marker.
func (a *Association) receiveDataset(first pdv, _ *pdu) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(first.Data)
	if first.Last {
		return buf.Bytes(), nil
	}
	for {
		p, err := a.readPDU()
		if err != nil {
			return nil, err
		}
		switch p.Type {
		case pduPDataTF:
			pdvs, err := decodePDataTF(p.Data)
			if err != nil {
				return nil, err
			}
			for _, v := range pdvs {
				if v.Command {
					return nil, &ProtocolError{Reason: "command pdv inside dataset"}
				}
				buf.Write(v.Data)
				if v.Last {
					return buf.Bytes(), nil
				}
			}
		case pduAbort:
			a.teardown()
			return nil, &ProtocolError{Reason: "peer aborted during dataset transfer"}
		default:
			return nil, &ProtocolError{Reason: fmt.Sprintf("unexpected pdu type 0x%02X during dataset transfer", p.Type)}
		}
	}
}

// Release performs the graceful A-RELEASE handshake and closes the
// socket. Calling it on a released or never-connected association is a
// no-op.
func (a *Association) Release() error {
	a.mu.Lock()
	if !a.connected || a.released {
		a.mu.Unlock()
		return nil
	}
	a.released = true
	a.mu.Unlock()

	defer a.teardown()
	if err := a.writePDU(pduReleaseRQ, make([]byte, 4)); err != nil {
		return err
	}
	reply, err := a.readPDU()
	if err != nil {
		return err
	}
	if reply.Type != pduReleaseRP {
		return &ProtocolError{Reason: fmt.Sprintf("expected release-rp, got pdu type 0x%02X", reply.Type)}
	}
	a.log.Debug().Str("called_ae", a.config.CalledAETitle).Msg("association released")
	return nil
}

// Abort sends A-ABORT and closes the socket immediately.
func (a *Association) Abort() {
	a.mu.Lock()
	if !a.connected || a.released {
		a.mu.Unlock()
		return
	}
	a.released = true
	a.mu.Unlock()

	_ = a.writePDU(pduAbort, encodeAbort(0x00, 0x00))
	a.teardown()
}

func (a *Association) teardown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	a.released = true
	if a.conn != nil {
		a.conn.Close()
	}
}
