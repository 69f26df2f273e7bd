package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CompositionEdge records one merge input's contribution to an output.
// Append-only. Maps to: composition_edges table
type CompositionEdge struct {
	InputUnitID  uuid.UUID       `db:"input_unit_id" json:"input_unit_id"`
	OutputUnitID uuid.UUID       `db:"output_unit_id" json:"output_unit_id"`
	Qty          decimal.Decimal `db:"qty" json:"qty"`
	UOM          string          `db:"uom" json:"uom"`
	OpSeq        int             `db:"op_seq" json:"op_seq"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

// GenealogyEdge records a split parent-to-child relationship.
// Append-only. Maps to: genealogy_edges table
type GenealogyEdge struct {
	ChildUnitID       uuid.UUID       `db:"child_unit_id" json:"child_unit_id"`
	ParentUnitID      uuid.UUID       `db:"parent_unit_id" json:"parent_unit_id"`
	QuantityConsumed  decimal.Decimal `db:"quantity_consumed" json:"quantity_consumed"`
	UOM               string          `db:"uom" json:"uom"`
	WorkOrderID       *string         `db:"work_order_id" json:"work_order_id,omitempty"`
	OperationSequence *int            `db:"operation_sequence" json:"operation_sequence,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
}

// EdgeKind tells which kind of edge a traversal crossed to reach a node
type EdgeKind string

const (
	EdgeMerge EdgeKind = "merge"
	EdgeSplit EdgeKind = "split"
)

// LineageNode is one node of a forward or backward composition tree
type LineageNode struct {
	UnitID     uuid.UUID       `json:"unit_id"`
	UnitNumber string          `json:"unit_number"`
	ProductID  string          `json:"product_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	UOM        string          `json:"uom"`
	IsConsumed bool            `json:"is_consumed"`

	Depth int `json:"depth"`
	// Quantity carried along the edge that reached this node, not the
	// node's own total
	CompositionQty decimal.Decimal `json:"composition_qty"`
	Via            EdgeKind        `json:"via"`
	OpSeq          *int            `json:"op_seq,omitempty"`
	// Unit the traversal came from; the query root at depth 1
	ParentNodeID uuid.UUID `json:"parent_node_id"`
}

// GenealogyNode is one descendant in a genealogy chain
type GenealogyNode struct {
	UnitID       uuid.UUID       `json:"unit_id"`
	UnitNumber   string          `json:"unit_number"`
	ParentUnitID uuid.UUID       `json:"parent_unit_id"`
	Level        int             `json:"level"`
	Quantity     decimal.Decimal `json:"quantity"`
	UOM          string          `json:"uom"`
	IsConsumed   bool            `json:"is_consumed"`
	Via          EdgeKind        `json:"via"`

	QuantityConsumed  decimal.Decimal `json:"quantity_consumed"`
	WorkOrderID       *string         `json:"work_order_id,omitempty"`
	OperationSequence *int            `json:"operation_sequence,omitempty"`
}
