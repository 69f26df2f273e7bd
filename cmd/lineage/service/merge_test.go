package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/lineage/cmd/lineage/models"
	"github.com/lyzr/lineage/cmd/lineage/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_ConsumesEveryInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.register(t, "100")
	b := f.register(t, "200")

	res, err := f.engine.Merge(ctx, mergeReq("300", a, b))
	require.NoError(t, err)

	assert.Equal(t, "LP-20260402-003", res.Output.UnitNumber)
	assert.True(t, res.Output.Quantity.Equal(dec("300")))
	require.Len(t, res.Inputs, 2)
	for _, in := range res.Inputs {
		assert.True(t, in.IsConsumed)
		stored := f.unit(t, in.ID)
		assert.True(t, stored.IsConsumed)
		require.NotNil(t, stored.ConsumedBy)
		assert.Equal(t, "operator-2", *stored.ConsumedBy)
	}

	edges, err := f.mem.Edges().CompositionToOutputs(ctx, []uuid.UUID{res.Output.ID})
	require.NoError(t, err)
	require.Len(t, edges, 2)
	assert.Equal(t, a.ID, edges[0].InputUnitID)
	assert.Equal(t, 1, edges[0].OpSeq)
	assert.True(t, edges[0].Qty.Equal(dec("100")))
	assert.Equal(t, b.ID, edges[1].InputUnitID)
	assert.Equal(t, 2, edges[1].OpSeq)
	assert.True(t, edges[1].Qty.Equal(dec("200")))

	out := f.unit(t, res.Output.ID)
	assert.Equal(t, "P-100", out.ProductID)
	assert.Equal(t, "kg", out.UOM)
	assert.Equal(t, a.Batch, out.Batch)
	assert.Equal(t, a.ExpiryDate, out.ExpiryDate)
	assert.Equal(t, models.QAPassed, out.QAStatus)
	assert.Nil(t, out.ParentUnitID)
	origin, ok := out.Origin.(models.MergeOrigin)
	require.True(t, ok)
	assert.Equal(t, []uuid.UUID{a.ID, b.ID}, origin.InputIDs)
}

func TestMerge_ConsumedInputWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.register(t, "100")
	b := f.register(t, "200")
	_, err := f.engine.Split(ctx, splitReq(b.ID, "200"))
	require.NoError(t, err)

	_, err = f.engine.Merge(ctx, mergeReq("300", a, b))
	assert.ErrorIs(t, err, ErrIncompatibleInputs)

	exists, err := f.mem.Units().NumberExists(ctx, "LP-20260402-004")
	require.NoError(t, err)
	assert.False(t, exists)
	edges, err := f.mem.Edges().CompositionFromInputs(ctx, []uuid.UUID{a.ID, b.ID})
	require.NoError(t, err)
	assert.Empty(t, edges)
	assert.False(t, f.unit(t, a.ID).IsConsumed)
}

func TestMerge_RequiresOneLot(t *testing.T) {
	otherExpiry := time.Date(2027, 6, 30, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		mod  func(*models.RegisterRequest)
	}{
		{"batch", func(r *models.RegisterRequest) { r.Batch = strPtr("B-8") }},
		{"no batch", func(r *models.RegisterRequest) { r.Batch = nil }},
		{"expiry", func(r *models.RegisterRequest) { r.ExpiryDate = &otherExpiry }},
		{"qa status", func(r *models.RegisterRequest) { r.QAStatus = models.QAQuarantine }},
		{"product", func(r *models.RegisterRequest) { r.ProductID = "P-200" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			a := f.register(t, "100")
			b := f.register(t, "200", tt.mod)

			_, err := f.engine.Merge(context.Background(), mergeReq("300", a, b))
			assert.ErrorIs(t, err, ErrIncompatibleInputs)
			assert.False(t, f.unit(t, a.ID).IsConsumed)
			assert.False(t, f.unit(t, b.ID).IsConsumed)
		})
	}
}

func TestMerge_RejectsBadRequests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.register(t, "100")
	b := f.register(t, "200")

	_, err := f.engine.Merge(ctx, mergeReq("300"))
	assert.ErrorIs(t, err, ErrIncompatibleInputs)

	_, err = f.engine.Merge(ctx, mergeReq("200", a, a))
	assert.ErrorIs(t, err, ErrIncompatibleInputs)

	_, err = f.engine.Merge(ctx, mergeReq("0", a, b))
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	req := mergeReq("300", a, b)
	req.InputIDs = append(req.InputIDs, uuid.New())
	_, err = f.engine.Merge(ctx, req)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.False(t, f.unit(t, a.ID).IsConsumed)
	assert.False(t, f.unit(t, b.ID).IsConsumed)
}

func TestMerge_OperationContext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.register(t, "10")
	b := f.register(t, "20")
	c := f.register(t, "30")

	seq := 5
	req := mergeReq("60", a, b, c)
	req.WorkOrderID = strPtr("WO-9")
	req.OperationSequence = &seq
	req.Output.LocationID = "PACK-1"
	stage := "MIXED"
	req.Output.StageSuffix = &stage

	res, err := f.engine.Merge(ctx, req)
	require.NoError(t, err)

	edges, err := f.mem.Edges().CompositionToOutputs(ctx, []uuid.UUID{res.Output.ID})
	require.NoError(t, err)
	require.Len(t, edges, 3)
	for i, e := range edges {
		assert.Equal(t, 5+i, e.OpSeq)
	}

	out := f.unit(t, res.Output.ID)
	assert.Equal(t, "PACK-1", out.LocationID)
	assert.Equal(t, "MIXED", out.StageSuffix)
	origin := out.Origin.(models.MergeOrigin)
	require.NotNil(t, origin.WorkOrderID)
	assert.Equal(t, "WO-9", *origin.WorkOrderID)
}

func TestMerge_TransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(m *repository.MemoryStore) repository.Store {
		return &failingTx{MemoryStore: m, consumeErr: repository.ErrVersionConflict}
	})
	a := f.register(t, "100")
	b := f.register(t, "200")

	_, err := f.engine.Merge(ctx, mergeReq("300", a, b))
	assert.ErrorIs(t, err, ErrConcurrentModification)

	exists, err := f.mem.Units().NumberExists(ctx, "LP-20260402-003")
	require.NoError(t, err)
	assert.False(t, exists)
	edges, err := f.mem.Edges().CompositionFromInputs(ctx, []uuid.UUID{a.ID, b.ID})
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func newFaultyFixture(t *testing.T) (*fixture, *faultyStore) {
	fs := &faultyStore{}
	f := newFixture(t, func(m *repository.MemoryStore) repository.Store {
		fs.inner = m
		return fs
	})
	return f, fs
}

func TestMerge_CompensatesFailedEdgeInsert(t *testing.T) {
	ctx := context.Background()
	f, fs := newFaultyFixture(t)
	a := f.register(t, "100")
	b := f.register(t, "200")
	fs.insertCompErr = errBoom

	_, err := f.engine.Merge(ctx, mergeReq("300", a, b))
	assert.ErrorIs(t, err, ErrPersistence)

	exists, err := f.mem.Units().NumberExists(ctx, "LP-20260402-003")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.False(t, f.unit(t, a.ID).IsConsumed)
}

func TestMerge_FailedOutputInsert(t *testing.T) {
	f, fs := newFaultyFixture(t)
	a := f.register(t, "100")
	b := f.register(t, "200")
	fs.insertErr = errBoom

	_, err := f.engine.Merge(context.Background(), mergeReq("300", a, b))
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, 2, f.unitCount(t, a.ID, b.ID))
}

func TestMerge_ConcurrentlyConsumedInputIsCompensated(t *testing.T) {
	ctx := context.Background()
	f, fs := newFaultyFixture(t)
	a := f.register(t, "100")
	b := f.register(t, "200")

	fs.beforeFinalWrite = func() {
		fs.beforeFinalWrite = nil
		current, err := fs.inner.Units().Get(ctx, b.ID)
		require.NoError(t, err)
		require.NoError(t, fs.inner.Units().MarkConsumed(ctx, current.Ref(), "someone-else", testStart))
	}

	_, err := f.engine.Merge(ctx, mergeReq("300", a, b))
	assert.ErrorIs(t, err, ErrConcurrentModification)

	exists, err := f.mem.Units().NumberExists(ctx, "LP-20260402-003")
	require.NoError(t, err)
	assert.False(t, exists)
	edges, err := f.mem.Edges().CompositionFromInputs(ctx, []uuid.UUID{a.ID, b.ID})
	require.NoError(t, err)
	assert.Empty(t, edges)
	assert.False(t, f.unit(t, a.ID).IsConsumed)
}

func TestMerge_PartialConsumeNeedsReconciliation(t *testing.T) {
	f, fs := newFaultyFixture(t)
	a := f.register(t, "100")
	b := f.register(t, "200")
	fs.consumeErr = repository.ErrPartialWrite

	_, err := f.engine.Merge(context.Background(), mergeReq("300", a, b))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPartialFailure)

	var le *LineageError
	require.ErrorAs(t, err, &le)
	assert.True(t, le.RequiresReconciliation())
	assert.NotEmpty(t, le.Incident)
}

func TestMerge_FailedCompensationIsPartial(t *testing.T) {
	f, fs := newFaultyFixture(t)
	a := f.register(t, "100")
	b := f.register(t, "200")
	fs.consumeErr = repository.ErrVersionConflict
	fs.deleteErr = errBoom

	_, err := f.engine.Merge(context.Background(), mergeReq("300", a, b))
	assert.ErrorIs(t, err, ErrPartialFailure)
}
