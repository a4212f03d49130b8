package dimse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrCancelled is returned by sub-operation senders when the peer
// issued a C-CANCEL mid-retrieval.
var ErrCancelled = errors.New("dimse: operation cancelled by peer")

// FindFunc serves a C-FIND. push streams one pending match; the
// returned status closes the operation.
type FindFunc func(ctx context.Context, modelUID string, query *Dataset, push func(match *Dataset) error) uint16

// RetrieveFunc serves a C-GET or C-MOVE. The sender delivers instances
// and pending counter updates; the returned counts and status form the
// final response.
type RetrieveFunc func(ctx context.Context, modelUID string, query *Dataset, sender *SubOpSender) (SubOperationCounts, uint16)

// StoreFunc handles one inbound C-STORE and returns its DIMSE status.
type StoreFunc func(ctx context.Context, assoc *ServerAssociation, inst InboundInstance) uint16

// ServerConfig configures the association acceptor.
type ServerConfig struct {
	// AETitle, when set, rejects associations whose called AE title
	// does not match.
	AETitle string

	MaxPDULength uint32
	IdleTimeout  time.Duration

	OnStore StoreFunc
	OnFind  FindFunc
	OnGet   RetrieveFunc
	OnMove  RetrieveFunc

	Logger zerolog.Logger
}

// Server accepts inbound DICOM associations and dispatches DIMSE
// requests to the configured handlers. C-ECHO is always served.
type Server struct {
	config ServerConfig
	log    zerolog.Logger

	mu     sync.Mutex
	assocs map[*ServerAssociation]struct{}
}

// NewServer creates a Server.
func NewServer(config ServerConfig) *Server {
	if config.MaxPDULength == 0 {
		config.MaxPDULength = defaultMaxPDULength
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = 60 * time.Second
	}
	return &Server{
		config: config,
		log:    config.Logger,
		assocs: make(map[*ServerAssociation]struct{}),
	}
}

// Serve accepts associations on l until ctx is cancelled. It closes l
// and every live association before returning.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	var wg sync.WaitGroup
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
			s.closeAll()
		case <-done:
		}
	}()
	defer close(done)

	for {
		conn, err := l.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return &TransportError{Op: "accept", Err: err}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sa := range s.assocs {
		sa.conn.Close()
	}
}

func (s *Server) track(sa *ServerAssociation) {
	s.mu.Lock()
	s.assocs[sa] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(sa *ServerAssociation) {
	s.mu.Lock()
	delete(s.assocs, sa)
	s.mu.Unlock()
}

// AbortAssociationsFrom aborts every live association whose calling AE title
// matches ae. Used to tear down inbound store streams after a C-MOVE is
// cancelled. Returns the number of associations aborted.
func (s *Server) AbortAssociationsFrom(ae string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for sa := range s.assocs {
		if strings.EqualFold(sa.CallingAE, ae) {
			sa.Abort()
			n++
		}
	}
	return n
}

// ServerAssociation is one accepted inbound association.
type ServerAssociation struct {
	conn        net.Conn
	config      *ServerConfig
	log         zerolog.Logger
	CallingAE   string
	CalledAE    string
	peerMaxPDU  uint32
	contexts    map[byte]*NegotiatedContext
	byAbstract  map[string]*NegotiatedContext
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	sa := &ServerAssociation{
		conn:       conn,
		config:     &s.config,
		log:        s.log.With().Str("remote", conn.RemoteAddr().String()).Logger(),
		peerMaxPDU: defaultMaxPDULength,
		contexts:   make(map[byte]*NegotiatedContext),
		byAbstract: make(map[string]*NegotiatedContext),
	}
	s.track(sa)
	defer s.untrack(sa)

	if err := sa.accept(); err != nil {
		sa.log.Warn().Err(err).Msg("association setup failed")
		return
	}
	sa.log.Debug().
		Str("calling_ae", sa.CallingAE).
		Int("contexts", len(sa.contexts)).
		Msg("association accepted")

	if err := sa.serve(ctx); err != nil {
		sa.log.Debug().Err(err).Msg("association ended")
	}
}

// Abort sends A-ABORT to the peer and closes the connection. Safe to call
// from a goroutine other than the one serving the association.
func (sa *ServerAssociation) Abort() {
	_ = sa.writePDU(pduAbort, encodeAbort(0x00, 0x00))
	sa.conn.Close()
}

func (sa *ServerAssociation) readPDU() (*pdu, error) {
	if err := sa.conn.SetReadDeadline(time.Now().Add(sa.config.IdleTimeout)); err != nil {
		return nil, &TransportError{Op: "set read deadline", Err: err}
	}
	return readPDU(sa.conn)
}

func (sa *ServerAssociation) writePDU(typ byte, data []byte) error {
	if err := sa.conn.SetWriteDeadline(time.Now().Add(sa.config.IdleTimeout)); err != nil {
		return &TransportError{Op: "set write deadline", Err: err}
	}
	return writePDU(sa.conn, typ, data)
}

// accept runs the acceptor half of association negotiation.
func (sa *ServerAssociation) accept() error {
	p, err := sa.readPDU()
	if err != nil {
		return err
	}
	if p.Type != pduAssociateRQ {
		return &ProtocolError{Reason: fmt.Sprintf("expected associate-rq, got pdu type 0x%02X", p.Type)}
	}
	rq, err := decodeAssociateRQ(p.Data)
	if err != nil {
		return err
	}
	sa.CallingAE = rq.CallingAETitle
	sa.CalledAE = rq.CalledAETitle
	if rq.MaxPDULength > 0 {
		sa.peerMaxPDU = rq.MaxPDULength
	}

	if sa.config.AETitle != "" && !strings.EqualFold(rq.CalledAETitle, sa.config.AETitle) {
		rj := encodeAssociateRJ(&associateRJ{Result: 1, Source: 1, Reason: 7}) // called AE not recognized
		_ = sa.writePDU(pduAssociateRJ, rj)
		return &NegotiationError{Reason: fmt.Sprintf("called AE %q does not match %q", rq.CalledAETitle, sa.config.AETitle)}
	}

	ac := &associateAC{MaxPDULength: sa.config.MaxPDULength}
	for _, pc := range rq.Contexts {
		verdict := acceptedContext{ID: pc.ID, Result: ContextRejectedAbstractSyn}
		if sa.supportsAbstractSyntax(pc.AbstractSyntax) {
			verdict.Result = ContextRejectedTransferSyn
			for _, ts := range pc.TransferSyntaxes {
				if IsCoreTransferSyntax(ts) || (IsStorageSOPClass(pc.AbstractSyntax) && isPassthroughSyntax(ts)) {
					verdict.Result = ContextAccepted
					verdict.TransferSyntax = ts
					break
				}
			}
		}
		ac.Contexts = append(ac.Contexts, verdict)
		if verdict.Result == ContextAccepted {
			nc := &NegotiatedContext{
				ID:             pc.ID,
				AbstractSyntax: pc.AbstractSyntax,
				TransferSyntax: verdict.TransferSyntax,
			}
			sa.contexts[pc.ID] = nc
			if _, dup := sa.byAbstract[nc.AbstractSyntax]; !dup {
				sa.byAbstract[nc.AbstractSyntax] = nc
			}
		}
	}

	// Acknowledge role selections so C-GET initiators may receive
	// C-STOREs on the contexts they proposed.
	for _, rs := range rq.RoleSelections {
		if IsStorageSOPClass(rs.SOPClassUID) {
			ac.RoleSelections = append(ac.RoleSelections, rs)
		}
	}

	return sa.writePDU(pduAssociateAC, encodeAssociateAC(rq.CalledAETitle, rq.CallingAETitle, ac))
}

func (sa *ServerAssociation) supportsAbstractSyntax(uid string) bool {
	switch uid {
	case VerificationSOPClass:
		return true
	case PatientRootFind, StudyRootFind, PatientStudyOnlyFind:
		return sa.config.OnFind != nil
	case PatientRootGet, StudyRootGet, PatientStudyOnlyGet:
		return sa.config.OnGet != nil
	case PatientRootMove, StudyRootMove, PatientStudyOnlyMove:
		return sa.config.OnMove != nil
	}
	return IsStorageSOPClass(uid) && sa.config.OnStore != nil
}

func isPassthroughSyntax(uid string) bool {
	for _, ts := range PassthroughTransferSyntaxes {
		if ts == uid {
			return true
		}
	}
	return false
}

// serve dispatches DIMSE requests until release, abort or error.
func (sa *ServerAssociation) serve(ctx context.Context) error {
	for {
		m, nc, data, err := sa.receiveMessage()
		if err != nil {
			if errors.Is(err, errReleased) {
				return nil
			}
			return err
		}

		switch m.CommandField {
		case CommandCEchoRQ:
			err = sa.sendMessage(nc.ID, &Message{
				CommandField:         CommandCEchoRSP,
				MessageIDRespondedTo: m.MessageID,
				AffectedSOPClassUID:  m.AffectedSOPClassUID,
				Status:               StatusSuccess,
			}, nil)

		case CommandCStoreRQ:
			err = sa.handleStore(ctx, m, nc, data)

		case CommandCFindRQ:
			err = sa.handleFind(ctx, m, nc, data)

		case CommandCGetRQ:
			err = sa.handleRetrieve(ctx, m, nc, data, sa.config.OnGet, CommandCGetRSP, true)

		case CommandCMoveRQ:
			err = sa.handleRetrieve(ctx, m, nc, data, sa.config.OnMove, CommandCMoveRSP, false)

		default:
			err = &ProtocolError{Reason: "unsupported command " + CommandName(m.CommandField)}
		}
		if err != nil {
			return err
		}
	}
}

var errReleased = errors.New("association released")

// receiveMessage mirrors the SCU-side reassembly for the acceptor.
func (sa *ServerAssociation) receiveMessage() (*Message, *NegotiatedContext, []byte, error) {
	var commandBuf, dataBuf bytes.Buffer
	var contextID byte
	var m *Message

	for {
		p, err := sa.readPDU()
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
							nc, ok := sa.contexts[contextID]
							if !ok {
								return nil, nil, nil, &ProtocolError{Reason: "message on unnegotiated context"}
							}
							return m, nc, nil, nil
						}
					}
					continue
				}
				if v.Command {
					return nil, nil, nil, &ProtocolError{Reason: "command pdv inside dataset"}
				}
				dataBuf.Write(v.Data)
				if v.Last {
					nc, ok := sa.contexts[contextID]
					if !ok {
						return nil, nil, nil, &ProtocolError{Reason: "message on unnegotiated context"}
					}
					return m, nc, dataBuf.Bytes(), nil
				}
			}
		case pduReleaseRQ:
			_ = sa.writePDU(pduReleaseRP, make([]byte, 4))
			return nil, nil, nil, errReleased
		case pduAbort:
			return nil, nil, nil, &ProtocolError{Reason: "peer aborted association"}
		default:
			return nil, nil, nil, &ProtocolError{Reason: fmt.Sprintf("unexpected pdu type 0x%02X", p.Type)}
		}
	}
}

func (sa *ServerAssociation) sendMessage(contextID byte, m *Message, dataset []byte) error {
	m.HasDataset = len(dataset) > 0
	command, err := encodeCommand(m)
	if err != nil {
		return err
	}
	if err := sa.sendFragmented(contextID, command, true); err != nil {
		return err
	}
	if len(dataset) > 0 {
		return sa.sendFragmented(contextID, dataset, false)
	}
	return nil
}

func (sa *ServerAssociation) sendFragmented(contextID byte, data []byte, command bool) error {
	chunk := int(sa.peerMaxPDU) - 6
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
		if err := sa.writePDU(pduPDataTF, body); err != nil {
			return err
		}
		if last {
			return nil
		}
	}
}

func (sa *ServerAssociation) handleStore(ctx context.Context, m *Message, nc *NegotiatedContext, data []byte) error {
	status := uint16(StatusSOPClassNotSupported)
	if sa.config.OnStore != nil {
		status = sa.config.OnStore(ctx, sa, InboundInstance{
			SOPClassUID:    m.AffectedSOPClassUID,
			SOPInstanceUID: m.AffectedSOPInstanceUID,
			TransferSyntax: nc.TransferSyntax,
			Data:           data,
		})
	}
	return sa.sendMessage(nc.ID, &Message{
		CommandField:           CommandCStoreRSP,
		MessageIDRespondedTo:   m.MessageID,
		AffectedSOPClassUID:    m.AffectedSOPClassUID,
		AffectedSOPInstanceUID: m.AffectedSOPInstanceUID,
		Status:                 status,
	}, nil)
}

func (sa *ServerAssociation) handleFind(ctx context.Context, m *Message, nc *NegotiatedContext, data []byte) error {
	query, err := DecodeDatasetBytes(data, nc.TransferSyntax)
	if err != nil {
		return err
	}

	push := func(match *Dataset) error {
		encoded, err := EncodeDatasetBytes(match, nc.TransferSyntax)
		if err != nil {
			return err
		}
		return sa.sendMessage(nc.ID, &Message{
			CommandField:         CommandCFindRSP,
			MessageIDRespondedTo: m.MessageID,
			AffectedSOPClassUID:  m.AffectedSOPClassUID,
			Status:               StatusPending,
		}, encoded)
	}

	status := sa.config.OnFind(ctx, nc.AbstractSyntax, query, push)
	return sa.sendMessage(nc.ID, &Message{
		CommandField:         CommandCFindRSP,
		MessageIDRespondedTo: m.MessageID,
		AffectedSOPClassUID:  m.AffectedSOPClassUID,
		Status:               status,
	}, nil)
}

// SubOpSender lets a retrieve handler deliver instances and pending
// counter updates while the operation runs.
type SubOpSender struct {
	sa        *ServerAssociation
	rqMsg     *Message
	rqCtx     *NegotiatedContext
	rspField  uint16
	sameAssoc bool
	cancelled bool
	msgID     uint16
}

// Cancelled reports whether the peer sent a C-CANCEL.
func (s *SubOpSender) Cancelled() bool { return s.cancelled }

// SendInstance pushes one instance as a C-STORE sub-operation on this
// association. Only valid for C-GET. Returns ErrCancelled once the peer
// cancels.
func (s *SubOpSender) SendInstance(inst InboundInstance) (uint16, error) {
	if !s.sameAssoc {
		return 0, &ProtocolError{Reason: "same-association delivery is only valid for C-GET"}
	}
	if s.cancelled {
		return 0, ErrCancelled
	}
	storeCtx, ok := s.sa.byAbstract[inst.SOPClassUID]
	if !ok {
		return 0, &NegotiationError{Reason: fmt.Sprintf("no accepted context for storage class %s", inst.SOPClassUID)}
	}
	s.msgID++
	err := s.sa.sendMessage(storeCtx.ID, &Message{
		CommandField:           CommandCStoreRQ,
		MessageID:              s.msgID,
		AffectedSOPClassUID:    inst.SOPClassUID,
		AffectedSOPInstanceUID: inst.SOPInstanceUID,
		Priority:               PriorityMedium,
	}, inst.Data)
	if err != nil {
		return 0, err
	}

	for {
		m, _, _, err := s.sa.receiveMessage()
		if err != nil {
			return 0, err
		}
		switch m.CommandField {
		case CommandCStoreRSP:
			return m.Status, nil
		case CommandCCancelRQ:
			s.cancelled = true
			return 0, ErrCancelled
		default:
			return 0, &ProtocolError{Reason: "unexpected " + CommandName(m.CommandField) + " while awaiting store response"}
		}
	}
}

// SendPending emits a pending response carrying the given counters.
func (s *SubOpSender) SendPending(counts SubOperationCounts) error {
	remaining := uint16(counts.Remaining)
	completed := uint16(counts.Completed)
	failed := uint16(counts.Failed)
	warning := uint16(counts.Warning)
	return s.sa.sendMessage(s.rqCtx.ID, &Message{
		CommandField:         s.rspField,
		MessageIDRespondedTo: s.rqMsg.MessageID,
		AffectedSOPClassUID:  s.rqMsg.AffectedSOPClassUID,
		Status:               StatusPending,
		Remaining:            &remaining,
		Completed:            &completed,
		Failed:               &failed,
		Warning:              &warning,
	}, nil)
}

func (sa *ServerAssociation) handleRetrieve(ctx context.Context, m *Message, nc *NegotiatedContext, data []byte, fn RetrieveFunc, rspField uint16, sameAssoc bool) error {
	query, err := DecodeDatasetBytes(data, nc.TransferSyntax)
	if err != nil {
		return err
	}
	sender := &SubOpSender{sa: sa, rqMsg: m, rqCtx: nc, rspField: rspField, sameAssoc: sameAssoc, msgID: m.MessageID}

	counts, status := fn(ctx, nc.AbstractSyntax, query, sender)
	if sender.cancelled {
		status = StatusCancel
	}
	completed := uint16(counts.Completed)
	failed := uint16(counts.Failed)
	warning := uint16(counts.Warning)
	return sa.sendMessage(nc.ID, &Message{
		CommandField:         rspField,
		MessageIDRespondedTo: m.MessageID,
		AffectedSOPClassUID:  m.AffectedSOPClassUID,
		Status:               status,
		Completed:            &completed,
		Failed:               &failed,
		Warning:              &warning,
	}, nil)
}
