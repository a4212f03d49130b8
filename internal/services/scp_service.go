package services

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/synapsehealth/dicom-gateway/internal/config"
	"github.com/synapsehealth/dicom-gateway/internal/metrics"
	"github.com/synapsehealth/dicom-gateway/pkg/dimse"
)

// SCPService runs the local storage SCP that receives C-MOVE sub-operations
// from upstream PACS nodes.
type SCPService struct {
	cfg    *config.Config
	ingest *IngestService
	log    zerolog.Logger

	server   *dimse.Server
	listener net.Listener
	cancel   context.CancelFunc
	ready    atomic.Bool
	done     chan struct{}
}

// NewSCPService creates a new storage SCP service
func NewSCPService(cfg *config.Config, ingest *IngestService, log zerolog.Logger) *SCPService {
	s := &SCPService{
		cfg:    cfg,
		ingest: ingest,
		log:    log.With().Str("component", "storage_scp").Logger(),
		done:   make(chan struct{}),
	}
	s.server = dimse.NewServer(dimse.ServerConfig{
		AETitle: cfg.Local.AETitle,
		OnStore: s.onStore,
		Logger:  s.log,
	})
	return s
}

// Start binds the DIMSE listener and begins accepting associations.
func (s *SCPService) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Local.BindAddress, s.cfg.Local.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind storage SCP on %s: %w", addr, err)
	}
	s.listener = &countingListener{Listener: ln}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.ready.Store(true)

	go func() {
		defer close(s.done)
		if err := s.server.Serve(ctx, s.listener); err != nil {
			s.log.Error().Err(err).Msg("storage SCP stopped with error")
		}
		s.ready.Store(false)
	}()

	s.log.Info().
		Str("addr", addr).
		Str("ae_title", s.cfg.Local.AETitle).
		Msg("storage SCP listening")
	return nil
}

// Ready reports whether the SCP listener is accepting associations.
func (s *SCPService) Ready() bool {
	return s.ready.Load()
}

// Stop shuts the listener and waits for open associations to close.
func (s *SCPService) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *SCPService) onStore(ctx context.Context, sa *dimse.ServerAssociation, inst dimse.InboundInstance) uint16 {
	return s.ingest.IngestInstance(ctx, sa.CallingAE, inst)
}

// AbortInboundFrom tears down live inbound associations from the given AE
// title, stopping sub-operation streams for a cancelled C-MOVE.
func (s *SCPService) AbortInboundFrom(ae string) int {
	return s.server.AbortAssociationsFrom(ae)
}

// countingListener tracks accepted inbound associations.
type countingListener struct {
	net.Listener
}

func (l *countingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		metrics.InboundAssociations.Inc()
	}
	return conn, err
}
