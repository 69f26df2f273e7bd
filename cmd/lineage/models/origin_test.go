package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeOrigin(t *testing.T) {
	wo := "WO-7781"
	seq := 20
	at := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)

	tests := []struct {
		name   string
		origin Origin
	}{
		{"grn", GRNOrigin{GRNID: "GRN-0042", LineNo: 3, ReceivedAt: at}},
		{"work order", WorkOrderOrigin{WorkOrderID: wo, OperationSequence: 10, ProducedAt: at}},
		{"split", SplitOrigin{ParentID: uuid.New(), ParentNumber: "LP-20260402-001", WorkOrderID: &wo, OperationSequence: &seq, SplitAt: at}},
		{"merge", MergeOrigin{InputIDs: []uuid.UUID{uuid.New(), uuid.New()}, MergedAt: at}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, raw, err := EncodeOrigin(tt.origin)
			require.NoError(t, err)
			assert.Equal(t, tt.origin.Type(), typ)

			got, err := DecodeOrigin(typ, raw)
			require.NoError(t, err)
			assert.Equal(t, tt.origin, got)
		})
	}
}

func TestEncodeOrigin_RejectsIncomplete(t *testing.T) {
	tests := []struct {
		name   string
		origin Origin
	}{
		{"nil", nil},
		{"grn without id", GRNOrigin{}},
		{"wo without id", WorkOrderOrigin{}},
		{"split without parent", SplitOrigin{}},
		{"merge without inputs", MergeOrigin{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := EncodeOrigin(tt.origin)
			assert.Error(t, err)
		})
	}
}

func TestDecodeOrigin_UnknownType(t *testing.T) {
	_, err := DecodeOrigin("transfer", []byte(`{}`))
	assert.Error(t, err)
}

func TestParseQAStatus(t *testing.T) {
	s, err := ParseQAStatus("Passed")
	require.NoError(t, err)
	assert.Equal(t, QAPassed, s)

	s, err = ParseQAStatus("")
	require.NoError(t, err)
	assert.Equal(t, QAPending, s)

	_, err = ParseQAStatus("hold")
	assert.Error(t, err)
}

func TestUnit_SameLot(t *testing.T) {
	batch := "B-1"
	other := "B-2"
	exp := time.Date(2027, 1, 31, 0, 0, 0, 0, time.UTC)
	expLocal := time.Date(2027, 1, 31, 15, 0, 0, 0, time.UTC)

	base := Unit{ProductID: "P-1", Batch: &batch, ExpiryDate: &exp, QAStatus: QAPassed}

	same := base
	same.ExpiryDate = &expLocal
	assert.True(t, base.SameLot(&same))

	diffBatch := base
	diffBatch.Batch = &other
	assert.False(t, base.SameLot(&diffBatch))

	noBatch := base
	noBatch.Batch = nil
	assert.False(t, base.SameLot(&noBatch))

	diffQA := base
	diffQA.QAStatus = QAQuarantine
	assert.False(t, base.SameLot(&diffQA))
}

func TestUnit_MarshalJSON(t *testing.T) {
	u := Unit{
		ID:         uuid.New(),
		UnitNumber: "LP-20260402-001",
		Quantity:   decimal.RequireFromString("12.5"),
		UOM:        "kg",
		QAStatus:   QAPending,
		Origin:     GRNOrigin{GRNID: "GRN-1"},
	}

	raw, err := json.Marshal(u)
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "grn", got["origin_type"])
	assert.Equal(t, "LP-20260402-001", got["unit_number"])
	assert.Equal(t, "12.5", got["quantity"])
	ref, ok := got["origin_ref"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "GRN-1", ref["grn_id"])
}
