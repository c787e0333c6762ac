package domain

import (
	"errors"
	"strings"
	"time"
)

type Status string

const (
	StatusDraft    Status = "DRAFT"
	StatusApproved Status = "APPROVED"
	StatusSynced   Status = "SYNCED"
	StatusError    Status = "ERROR"
)

const (
	// ResultOk marks a document written to the legacy ledger. Any result
	// starting with it counts as success.
	ResultOk = "Ok"
	// ResultOkProvisioned is written when a party had to be created in the
	// ERP while writing the document.
	ResultOkProvisioned = "Ok, tercero creado automáticamente, por favor revise en el sistema"
	// ResultRetryPrefix marks a transient failure left for the next poll.
	ResultRetryPrefix = "Error transitorio: "
)

var (
	ErrNotFound    = errors.New("document_not_found")
	ErrNoLines     = errors.New("no_ledger_lines")
	ErrInvalidLine = errors.New("invalid_ledger_line")
)

// Document is an approved financial document created in the cloud.
type Document struct {
	ID           string `gorm:"primaryKey"`
	TenantID     string `gorm:"not null;index:idx_documents_pending,priority:1"`
	Number       string
	Status       Status `gorm:"not null;default:'DRAFT';index:idx_documents_pending,priority:2"`
	TaxID        string `gorm:"not null"`
	PartyName    string
	DocumentDate time.Time `gorm:"not null;index:idx_documents_pending,priority:3"`
	Description  string
	Total        float64
	Result       *string
	LegacyBatch  *int64
	SyncedAt     *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Lines []Line `gorm:"foreignKey:DocumentID"`
}

func (Document) TableName() string { return "documents" }

// IsDone reports whether the document needs no further processing.
func (d Document) IsDone() bool {
	if d.Status == StatusSynced {
		return true
	}
	return d.Result != nil && strings.HasPrefix(*d.Result, ResultOk)
}

// Line is one accounting entry of a document. TaxID overrides the document
// party for this entry when set.
type Line struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	DocumentID  string `gorm:"not null;uniqueIndex:uq_document_lines_no,priority:1"`
	LineNo      int    `gorm:"not null;uniqueIndex:uq_document_lines_no,priority:2"`
	AccountCode string `gorm:"not null"`
	TaxID       *string
	Description string
	Debit       float64
	Credit      float64
}

func (Line) TableName() string { return "document_lines" }

// PartyTaxID returns the tax id the entry is booked against.
func (l Line) PartyTaxID(documentTaxID string) string {
	if l.TaxID != nil && strings.TrimSpace(*l.TaxID) != "" {
		return strings.TrimSpace(*l.TaxID)
	}
	return documentTaxID
}

// Change is one push notification about a document row.
type Change struct {
	Type      string
	New       Snapshot
	Old       *Snapshot
	Timestamp time.Time
}

// Snapshot is the subset of a document row carried by notifications.
type Snapshot struct {
	ID       string  `json:"id"`
	TenantID string  `json:"tenant_id"`
	Status   Status  `json:"status"`
	Result   *string `json:"result"`
}

// BecameApproved reports the APPROVED edge: the new row is approved and the
// previous one was not (or there was none).
func (c Change) BecameApproved() bool {
	if c.New.Status != StatusApproved {
		return false
	}
	return c.Old == nil || c.Old.Status != StatusApproved
}
