package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// QAStatus is the quality-assurance disposition of a unit
type QAStatus string

const (
	QAPending    QAStatus = "pending"
	QAPassed     QAStatus = "passed"
	QAFailed     QAStatus = "failed"
	QAQuarantine QAStatus = "quarantine"
)

// Valid reports whether s is one of the known statuses
func (s QAStatus) Valid() bool {
	switch s {
	case QAPending, QAPassed, QAFailed, QAQuarantine:
		return true
	}
	return false
}

// ParseQAStatus parses a status case-insensitively. Empty means pending.
func ParseQAStatus(s string) (QAStatus, error) {
	if s == "" {
		return QAPending, nil
	}
	status := QAStatus(strings.ToLower(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", fmt.Errorf("unknown qa status: %s", s)
	}
	return status, nil
}

// Unit is a license plate: a tracked quantity of one product in one
// unit of measure at one location.
// Maps to: units table
type Unit struct {
	ID         uuid.UUID `db:"id" json:"id"`
	UnitNumber string    `db:"unit_number" json:"unit_number"`

	ProductID   string          `db:"product_id" json:"product_id"`
	LocationID  string          `db:"location_id" json:"location_id"`
	Quantity    decimal.Decimal `db:"quantity" json:"quantity"`
	UOM         string          `db:"uom" json:"uom"`
	Batch       *string         `db:"batch" json:"batch,omitempty"`
	ExpiryDate  *time.Time      `db:"expiry_date" json:"expiry_date,omitempty"`
	QAStatus    QAStatus        `db:"qa_status" json:"qa_status"`
	StageSuffix string          `db:"stage_suffix" json:"stage_suffix"`

	// Lineage fields. ParentUnitID is only ever set by a split.
	ParentUnitID *uuid.UUID `db:"parent_unit_id" json:"parent_unit_id,omitempty"`
	IsConsumed   bool       `db:"is_consumed" json:"is_consumed"`
	ConsumedAt   *time.Time `db:"consumed_at" json:"consumed_at,omitempty"`
	ConsumedBy   *string    `db:"consumed_by" json:"consumed_by,omitempty"`

	// Provenance, persisted as origin_type + origin_ref
	Origin Origin `db:"-" json:"-"`

	// Optimistic locking version
	Version   int64     `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// OriginType returns the persisted origin discriminator
func (u *Unit) OriginType() OriginType {
	if u.Origin == nil {
		return ""
	}
	return u.Origin.Type()
}

// MarshalJSON adds origin_type and origin_ref to the wire form
func (u Unit) MarshalJSON() ([]byte, error) {
	type plain Unit
	return json.Marshal(struct {
		plain
		OriginType OriginType `json:"origin_type"`
		OriginRef  Origin     `json:"origin_ref"`
	}{
		plain:      plain(u),
		OriginType: u.OriginType(),
		OriginRef:  u.Origin,
	})
}

// Ref is the version token a writer presents to consume or claim a unit
type Ref struct {
	ID      uuid.UUID
	Version int64
}

// Ref returns the unit's current version token
func (u *Unit) Ref() Ref {
	return Ref{ID: u.ID, Version: u.Version}
}

// SameLot reports whether two units agree on product, batch, expiry and
// QA status, the attributes a merge requires to be identical
func (u *Unit) SameLot(o *Unit) bool {
	return u.ProductID == o.ProductID &&
		equalStringPtr(u.Batch, o.Batch) &&
		equalDatePtr(u.ExpiryDate, o.ExpiryDate) &&
		u.QAStatus == o.QAStatus
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// expiry is a calendar date; compare on Y-M-D only
func equalDatePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
