package repository

import (
	"context"
	"fmt"

	"github.com/synapsehealth/dicom-gateway/internal/database"
	"github.com/synapsehealth/dicom-gateway/internal/models"
	"gorm.io/gorm/clause"
)

// PACSRepository handles PACS node database operations
type PACSRepository struct{}

// NewPACSRepository creates a new PACS repository
func NewPACSRepository() *PACSRepository {
	return &PACSRepository{}
}

// Upsert inserts or refreshes a node record, keyed by name.
func (r *PACSRepository) Upsert(ctx context.Context, node *models.PACSNode) error {
	err := database.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"ae_title", "hostname", "port",
				"connect_timeout_ms", "response_timeout_ms", "association_timeout_ms",
				"query_retrieve_root", "is_default", "updated_at",
			}),
		}).
		Create(node).Error
	if err != nil {
		return fmt.Errorf("failed to upsert PACS node: %w", err)
	}
	return nil
}

// GetByName retrieves a node by its unique name.
func (r *PACSRepository) GetByName(ctx context.Context, name string) (*models.PACSNode, error) {
	var node models.PACSNode
	if err := database.DB.WithContext(ctx).Where("name = ?", name).First(&node).Error; err != nil {
		return nil, fmt.Errorf("failed to get PACS node %q: %w", name, err)
	}
	return &node, nil
}

// GetAll returns every registered node, default first.
func (r *PACSRepository) GetAll(ctx context.Context) ([]models.PACSNode, error) {
	var nodes []models.PACSNode
	if err := database.DB.WithContext(ctx).
		Order("is_default DESC, name ASC").
		Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("failed to list PACS nodes: %w", err)
	}
	return nodes, nil
}

// UpdateEchoStatus records the outcome of a C-ECHO connection test.
func (r *PACSRepository) UpdateEchoStatus(ctx context.Context, name string, result *models.EchoResult) error {
	updates := map[string]interface{}{
		"last_echo_at":      result.CheckedAt,
		"last_echo_success": result.Success,
		"last_echo_error":   result.ErrorMessage,
	}
	if err := database.DB.WithContext(ctx).
		Model(&models.PACSNode{}).
		Where("name = ?", name).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update echo status: %w", err)
	}
	return nil
}
