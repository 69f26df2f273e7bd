package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SplitRequest divides ParentID into len(Children) new units
type SplitRequest struct {
	ParentID          uuid.UUID
	Children          []SplitChild
	ActorID           string
	WorkOrderID       *string
	OperationSequence *int
}

// SplitChild is one requested child. Empty UOM / LocationID inherit the parent's.
type SplitChild struct {
	Quantity   decimal.Decimal
	UOM        string
	LocationID string
}

// SplitResult is returned by a successful split
type SplitResult struct {
	Parent   SplitParent        `json:"parent"`
	Children []SplitChildResult `json:"children"`
}

type SplitParent struct {
	ID         uuid.UUID `json:"id"`
	UnitNumber string    `json:"unit_number"`
	IsConsumed bool      `json:"is_consumed"`
}

type SplitChildResult struct {
	ID         uuid.UUID       `json:"id"`
	UnitNumber string          `json:"unit_number"`
	Quantity   decimal.Decimal `json:"quantity"`
	UOM        string          `json:"uom"`
	Batch      *string         `json:"batch,omitempty"`
	ExpiryDate *time.Time      `json:"expiry_date,omitempty"`
}

// MergeRequest combines InputIDs into one output unit
type MergeRequest struct {
	InputIDs          []uuid.UUID
	Output            MergeOutput
	ActorID           string
	WorkOrderID       *string
	OperationSequence *int
}

// MergeOutput describes the merged unit. Nil optional fields default to
// the first input's value.
type MergeOutput struct {
	ProductID   string
	LocationID  string
	Quantity    decimal.Decimal
	UOM         string
	Batch       *string
	ExpiryDate  *time.Time
	QAStatus    *QAStatus
	StageSuffix *string
}

// MergeResult is returned by a successful merge
type MergeResult struct {
	Output MergeOutputResult  `json:"output"`
	Inputs []MergeInputResult `json:"inputs"`
}

type MergeOutputResult struct {
	ID         uuid.UUID       `json:"id"`
	UnitNumber string          `json:"unit_number"`
	Quantity   decimal.Decimal `json:"quantity"`
	UOM        string          `json:"uom"`
}

type MergeInputResult struct {
	ID         uuid.UUID       `json:"id"`
	UnitNumber string          `json:"unit_number"`
	Quantity   decimal.Decimal `json:"quantity"`
	IsConsumed bool            `json:"is_consumed"`
}

// RegisterRequest creates a unit from an exogenous origin (GRN, work order)
type RegisterRequest struct {
	ProductID   string
	LocationID  string
	Quantity    decimal.Decimal
	UOM         string
	Batch       *string
	ExpiryDate  *time.Time
	QAStatus    QAStatus
	StageSuffix string
	Origin      Origin
	ActorID     string
}
