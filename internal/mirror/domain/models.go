package domain

import (
	"errors"
	"time"

	"gorm.io/datatypes"
)

type SyncStatus string

const (
	SyncStatusSynced SyncStatus = "SYNCED"
	SyncStatusError  SyncStatus = "ERROR"
)

var (
	ErrUnknownFeed  = errors.New("unknown_feed")
	ErrFeedDisabled = errors.New("feed_disabled")
	ErrInvalidRow   = errors.New("invalid_row")
)

// Party mirrors one legacy tercero.
type Party struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	TenantID    string `gorm:"not null;uniqueIndex:uq_mirror_parties_key,priority:2"`
	CanonicalID string `gorm:"not null;uniqueIndex:uq_mirror_parties_key,priority:1"`
	TaxID       string `gorm:"index"`
	Name        string
	Address     string
	City        string
	Phone       string
	Email       string
	IsCustomer  bool
	IsSupplier  bool
	IsEmployee  bool
	Version     *int64     `gorm:"index"`
	SyncStatus  SyncStatus `gorm:"not null;default:'SYNCED'"`
	SyncError   *string
	Payload     datatypes.JSONMap `gorm:"type:jsonb"`
	SyncedAt    time.Time
}

func (Party) TableName() string { return "mirror_parties" }

// Account mirrors one chart-of-accounts entry.
type Account struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	TenantID      string `gorm:"not null;uniqueIndex:uq_mirror_accounts_key,priority:2"`
	Code          string `gorm:"not null;uniqueIndex:uq_mirror_accounts_key,priority:1"`
	Description   string
	Nature        string
	Level         int
	Active        bool
	RequiresParty bool
	Version       *int64     `gorm:"index"`
	SyncStatus    SyncStatus `gorm:"not null;default:'SYNCED'"`
	SyncError     *string
	Payload       datatypes.JSONMap `gorm:"type:jsonb"`
	SyncedAt      time.Time
}

func (Account) TableName() string { return "mirror_accounts" }

// Product mirrors one sellable item.
type Product struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	TenantID    string `gorm:"not null;uniqueIndex:uq_mirror_products_key,priority:2"`
	Code        string `gorm:"not null;uniqueIndex:uq_mirror_products_key,priority:1"`
	Description string
	Unit        string
	Price       float64
	TaxRate     float64
	Active      bool
	Version     *int64     `gorm:"index"`
	SyncStatus  SyncStatus `gorm:"not null;default:'SYNCED'"`
	SyncError   *string
	Payload     datatypes.JSONMap `gorm:"type:jsonb"`
	SyncedAt    time.Time
}

func (Product) TableName() string { return "mirror_products" }

// Result reports one mirror run.
type Result struct {
	Feed      string `json:"feed"`
	Full      bool   `json:"full"`
	Processed int    `json:"processed"`
	Errors    int    `json:"errors"`
	Pages     int    `json:"pages"`
	// Cursor is the highest version mirrored when the run ended.
	Cursor *int64 `json:"cursor,omitempty"`
}

// Stats summarises the mirrored table of one feed.
type Stats struct {
	Feed       string     `json:"feed"`
	Total      int64      `json:"total"`
	Errors     int64      `json:"errors"`
	MaxVersion *int64     `json:"max_version,omitempty"`
	LastSynced *time.Time `json:"last_synced,omitempty"`
}
