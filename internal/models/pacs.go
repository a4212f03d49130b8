package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PACSNode is one registered upstream PACS endpoint. Records are seeded
// from configuration at startup and treated as immutable afterwards.
type PACSNode struct {
	ID      uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name    string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"name"`
	AETitle string    `gorm:"type:varchar(16);not null" json:"ae_title"`

	Hostname string `gorm:"type:varchar(255);not null" json:"hostname"`
	Port     int    `gorm:"not null" json:"port"`

	ConnectTimeoutMs     int `gorm:"default:10000" json:"connect_timeout_ms"`
	ResponseTimeoutMs    int `gorm:"default:30000" json:"response_timeout_ms"`
	AssociationTimeoutMs int `gorm:"default:60000" json:"association_timeout_ms"`

	QueryRetrieveRoot string `gorm:"type:varchar(16);default:'STUDY'" json:"query_retrieve_root"`
	IsDefault         bool   `gorm:"default:false" json:"is_default"`

	// Connection status tracking, updated by echo tests.
	LastEchoAt      *time.Time `json:"last_echo_at,omitempty"`
	LastEchoSuccess bool       `json:"last_echo_success"`
	LastEchoError   string     `gorm:"type:text" json:"last_echo_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (PACSNode) TableName() string {
	return "pacs_nodes"
}

func (n *PACSNode) BeforeCreate(tx *gorm.DB) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	return nil
}

// EchoResult reports a C-ECHO connection test against a node.
type EchoResult struct {
	Node         string    `json:"node"`
	Success      bool      `json:"success"`
	ResponseTime int64     `json:"response_time_ms"`
	CheckedAt    time.Time `json:"checked_at"`
	ErrorMessage string    `json:"error_message,omitempty"`
}
