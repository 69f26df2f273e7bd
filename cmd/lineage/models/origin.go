package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OriginType discriminates how a unit came into existence
type OriginType string

const (
	OriginGRN       OriginType = "grn"
	OriginWorkOrder OriginType = "wo"
	OriginSplit     OriginType = "split"
	OriginMerge     OriginType = "merge"
)

// Origin is the provenance of a unit. Exactly one of the *Origin types
// below implements it.
type Origin interface {
	Type() OriginType
	Validate() error
	isOrigin()
}

// GRNOrigin: the unit was received against a goods receipt note
type GRNOrigin struct {
	GRNID      string    `json:"grn_id"`
	LineNo     int       `json:"line_no,omitempty"`
	SupplierID string    `json:"supplier_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// WorkOrderOrigin: the unit is production output of a work order
type WorkOrderOrigin struct {
	WorkOrderID       string    `json:"work_order_id"`
	OperationSequence int       `json:"operation_sequence,omitempty"`
	ProducedAt        time.Time `json:"produced_at"`
}

// SplitOrigin: the unit was split off ParentID
type SplitOrigin struct {
	ParentID          uuid.UUID `json:"parent_id"`
	ParentNumber      string    `json:"parent_number"`
	WorkOrderID       *string   `json:"work_order_id,omitempty"`
	OperationSequence *int      `json:"operation_sequence,omitempty"`
	SplitAt           time.Time `json:"split_at"`
}

// MergeOrigin: the unit is the output of merging InputIDs, in contribution order
type MergeOrigin struct {
	InputIDs          []uuid.UUID `json:"input_ids"`
	WorkOrderID       *string     `json:"work_order_id,omitempty"`
	OperationSequence *int        `json:"operation_sequence,omitempty"`
	MergedAt          time.Time   `json:"merged_at"`
}

func (GRNOrigin) Type() OriginType       { return OriginGRN }
func (WorkOrderOrigin) Type() OriginType { return OriginWorkOrder }
func (SplitOrigin) Type() OriginType     { return OriginSplit }
func (MergeOrigin) Type() OriginType     { return OriginMerge }

func (GRNOrigin) isOrigin()       {}
func (WorkOrderOrigin) isOrigin() {}
func (SplitOrigin) isOrigin()     {}
func (MergeOrigin) isOrigin()     {}

func (o GRNOrigin) Validate() error {
	if o.GRNID == "" {
		return fmt.Errorf("grn origin requires grn_id")
	}
	return nil
}

func (o WorkOrderOrigin) Validate() error {
	if o.WorkOrderID == "" {
		return fmt.Errorf("work order origin requires work_order_id")
	}
	return nil
}

func (o SplitOrigin) Validate() error {
	if o.ParentID == uuid.Nil {
		return fmt.Errorf("split origin requires parent_id")
	}
	return nil
}

func (o MergeOrigin) Validate() error {
	if len(o.InputIDs) == 0 {
		return fmt.Errorf("merge origin requires at least one input id")
	}
	return nil
}

// EncodeOrigin returns the origin_type column and the jsonb origin_ref payload
func EncodeOrigin(o Origin) (OriginType, []byte, error) {
	if o == nil {
		return "", nil, fmt.Errorf("origin is required")
	}
	if err := o.Validate(); err != nil {
		return "", nil, err
	}
	raw, err := json.Marshal(o)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal %s origin: %w", o.Type(), err)
	}
	return o.Type(), raw, nil
}

// DecodeOrigin rebuilds the typed origin from its persisted form
func DecodeOrigin(t OriginType, raw []byte) (Origin, error) {
	var (
		o   Origin
		err error
	)
	switch t {
	case OriginGRN:
		var v GRNOrigin
		err = json.Unmarshal(raw, &v)
		o = v
	case OriginWorkOrder:
		var v WorkOrderOrigin
		err = json.Unmarshal(raw, &v)
		o = v
	case OriginSplit:
		var v SplitOrigin
		err = json.Unmarshal(raw, &v)
		o = v
	case OriginMerge:
		var v MergeOrigin
		err = json.Unmarshal(raw, &v)
		o = v
	default:
		return nil, fmt.Errorf("unknown origin type: %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s origin: %w", t, err)
	}
	return o, nil
}
