package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/synapsehealth/dicom-gateway/internal/config"
	"github.com/synapsehealth/dicom-gateway/internal/models"
	"github.com/synapsehealth/dicom-gateway/internal/repository"
	"github.com/synapsehealth/dicom-gateway/pkg/dimse"
)

// ConfigError marks a request that names a PACS node the gateway does not
// know about, or configuration the gateway cannot act on.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return e.Reason
}

// PACSService owns the registry of upstream PACS nodes and the association
// pools used to talk to them.
type PACSService struct {
	cfg      *config.Config
	pacsRepo *repository.PACSRepository
	log      zerolog.Logger

	mu    sync.RWMutex
	pools map[string]*dimse.AssociationPool
}

// NewPACSService creates a new PACS service
func NewPACSService(cfg *config.Config, pacsRepo *repository.PACSRepository, log zerolog.Logger) *PACSService {
	return &PACSService{
		cfg:      cfg,
		pacsRepo: pacsRepo,
		log:      log.With().Str("component", "pacs_service").Logger(),
		pools:    make(map[string]*dimse.AssociationPool),
	}
}

// SyncNodes mirrors the configured nodes into the database so the management
// API can report on them. Called once at startup.
func (s *PACSService) SyncNodes(ctx context.Context) error {
	for _, n := range s.cfg.Nodes {
		node := &models.PACSNode{
			Name:                 n.Name,
			AETitle:              n.AETitle,
			Hostname:             n.Hostname,
			Port:                 n.Port,
			ConnectTimeoutMs:     n.ConnectTimeoutMs,
			ResponseTimeoutMs:    n.ResponseTimeoutMs,
			AssociationTimeoutMs: n.AssociationTimeoutMs,
			QueryRetrieveRoot:    string(n.QueryRetrieveRoot),
			IsDefault:            n.IsDefault,
		}
		if err := s.pacsRepo.Upsert(ctx, node); err != nil {
			return fmt.Errorf("failed to sync node %q: %w", n.Name, err)
		}
	}
	return nil
}

// Node resolves a node by name, or the default node when name is empty.
func (s *PACSService) Node(name string) (config.PACSNode, error) {
	if name == "" {
		node, ok := s.cfg.DefaultNode()
		if !ok {
			return config.PACSNode{}, &ConfigError{Reason: "no PACS nodes configured"}
		}
		return node, nil
	}
	node, ok := s.cfg.Node(name)
	if !ok {
		return config.PACSNode{}, &ConfigError{Reason: fmt.Sprintf("unknown PACS node %q", name)}
	}
	return node, nil
}

// ListNodes returns the registered nodes with their last echo outcomes.
func (s *PACSService) ListNodes(ctx context.Context) ([]models.PACSNode, error) {
	return s.pacsRepo.GetAll(ctx)
}

// Pool returns the query association pool for a node, creating it on first
// use.
func (s *PACSService) Pool(name string) (*dimse.AssociationPool, error) {
	node, err := s.Node(name)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	pool, ok := s.pools[node.Name]
	s.mu.RUnlock()
	if ok {
		return pool, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if pool, ok := s.pools[node.Name]; ok {
		return pool, nil
	}
	pool = dimse.NewAssociationPool(dimse.PoolConfig{
		AssociationConfig: s.associationConfig(node, dimse.QueryRetrieveContexts(), false),
	})
	s.pools[node.Name] = pool
	return pool, nil
}

// PoolStats reports association pool statistics keyed by node name. Nodes
// without an instantiated pool are omitted.
func (s *PACSService) PoolStats() map[string]dimse.PoolStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make(map[string]dimse.PoolStats, len(s.pools))
	for name, pool := range s.pools {
		stats[name] = pool.Stats()
	}
	return stats
}

// NewRetrieveAssociation builds a dedicated association for a C-GET against
// a node, with storage contexts and SCP role selection so the peer can send
// sub-operations back on the same association.
func (s *PACSService) NewRetrieveAssociation(node config.PACSNode) *dimse.Association {
	contexts := append(dimse.QueryRetrieveContexts(), dimse.StorageContexts()...)
	return dimse.NewAssociation(s.associationConfig(node, contexts, true))
}

// NewQueryAssociation builds a one-shot association for queries that bypass
// the pool, such as the C-MOVE control association.
func (s *PACSService) NewQueryAssociation(node config.PACSNode) *dimse.Association {
	return dimse.NewAssociation(s.associationConfig(node, dimse.QueryRetrieveContexts(), false))
}

func (s *PACSService) associationConfig(node config.PACSNode, contexts []dimse.PresentationContext, getRole bool) dimse.AssociationConfig {
	return dimse.AssociationConfig{
		Host:             node.Hostname,
		Port:             node.Port,
		CallingAETitle:   s.cfg.Local.AETitle,
		CalledAETitle:    node.AETitle,
		ConnectTimeout:   node.ConnectTimeout(),
		OperationTimeout: node.ResponseTimeout(),
		Contexts:         contexts,
		GetRoleSelection: getRole,
		Logger:           s.log.With().Str("node", node.Name).Logger(),
	}
}

// Echo runs a C-ECHO connection test against a node and records the outcome.
func (s *PACSService) Echo(ctx context.Context, name string) (*models.EchoResult, error) {
	node, err := s.Node(name)
	if err != nil {
		return nil, err
	}

	assoc := dimse.NewAssociation(s.associationConfig(node, dimse.VerificationContexts(), false))
	start := time.Now()
	echoErr := assoc.CEcho(ctx)
	elapsed := time.Since(start)
	if echoErr == nil {
		defer func() { _ = assoc.Release() }()
	}

	result := &models.EchoResult{
		Node:         node.Name,
		Success:      echoErr == nil,
		ResponseTime: elapsed.Milliseconds(),
		CheckedAt:    time.Now(),
	}
	if echoErr != nil {
		result.ErrorMessage = echoErr.Error()
	}

	if err := s.pacsRepo.UpdateEchoStatus(ctx, node.Name, result); err != nil {
		s.log.Warn().Err(err).Str("node", node.Name).Msg("failed to record echo status")
	}

	s.log.Info().
		Str("node", node.Name).
		Bool("success", result.Success).
		Dur("response_time", elapsed).
		Msg("echo test complete")
	return result, nil
}

// Close shuts down all association pools.
func (s *PACSService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, pool := range s.pools {
		if err := pool.Close(); err != nil {
			s.log.Warn().Err(err).Str("node", name).Msg("failed to close association pool")
		}
	}
	s.pools = make(map[string]*dimse.AssociationPool)
}
