package service

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/lyzr/lineage/cmd/lineage/models"
	"github.com/lyzr/lineage/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mixedHistory builds: a(100) + b(200) merged into m(300) under WO-3,
// then m split fully into c1(100) and c2(200) under WO-4
type mixedHistory struct {
	a, b, m *models.Unit
	c1, c2  uuid.UUID
}

func buildMixedHistory(t *testing.T, f *fixture) mixedHistory {
	t.Helper()
	ctx := context.Background()

	h := mixedHistory{a: f.register(t, "100"), b: f.register(t, "200")}

	merge := mergeReq("300", h.a, h.b)
	merge.WorkOrderID = strPtr("WO-3")
	mres, err := f.engine.Merge(ctx, merge)
	require.NoError(t, err)
	h.m = f.unit(t, mres.Output.ID)

	seq := 2
	split := splitReq(h.m.ID, "100", "200")
	split.WorkOrderID = strPtr("WO-4")
	split.OperationSequence = &seq
	sres, err := f.engine.Split(ctx, split)
	require.NoError(t, err)
	h.c1, h.c2 = sres.Children[0].ID, sres.Children[1].ID
	return h
}

func TestBackwardLineage_SplitChildRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	parent := f.register(t, "500")

	res, err := f.engine.Split(ctx, splitReq(parent.ID, "200", "300"))
	require.NoError(t, err)

	for _, child := range res.Children {
		nodes, err := f.engine.BackwardLineage(ctx, child.ID)
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, parent.ID, nodes[0].UnitID)
		assert.Equal(t, parent.UnitNumber, nodes[0].UnitNumber)
		assert.True(t, nodes[0].CompositionQty.Equal(child.Quantity))
		assert.Equal(t, models.EdgeSplit, nodes[0].Via)
		assert.Equal(t, 1, nodes[0].Depth)
		assert.Equal(t, child.ID, nodes[0].ParentNodeID)
	}
}

func TestForwardLineage_NoEdgesIsEmpty(t *testing.T) {
	f := newFixture(t, nil)
	u := f.register(t, "10")

	nodes, err := f.engine.ForwardLineage(context.Background(), u.ID)
	require.NoError(t, err)
	assert.NotNil(t, nodes)
	assert.Empty(t, nodes)

	back, err := f.engine.BackwardLineage(context.Background(), u.ID)
	require.NoError(t, err)
	assert.NotNil(t, back)
	assert.Empty(t, back)
}

func TestLineage_UnknownUnit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.ForwardLineage(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.engine.BackwardLineage(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.engine.Genealogy(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestForwardLineage_FollowsMergeThenSplit(t *testing.T) {
	f := newFixture(t, nil)
	h := buildMixedHistory(t, f)

	nodes, err := f.engine.ForwardLineage(context.Background(), h.a.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	assert.Equal(t, h.m.ID, nodes[0].UnitID)
	assert.Equal(t, 1, nodes[0].Depth)
	assert.Equal(t, models.EdgeMerge, nodes[0].Via)
	assert.True(t, nodes[0].CompositionQty.Equal(dec("100")))
	assert.True(t, nodes[0].Quantity.Equal(dec("300")))
	require.NotNil(t, nodes[0].OpSeq)
	assert.Equal(t, 1, *nodes[0].OpSeq)

	assert.Equal(t, h.c1, nodes[1].UnitID)
	assert.Equal(t, h.c2, nodes[2].UnitID)
	for _, n := range nodes[1:] {
		assert.Equal(t, 2, n.Depth)
		assert.Equal(t, models.EdgeSplit, n.Via)
		assert.Equal(t, h.m.ID, n.ParentNodeID)
	}
	assert.True(t, nodes[2].CompositionQty.Equal(dec("200")))
}

func TestBackwardLineage_FollowsSplitThenMerge(t *testing.T) {
	f := newFixture(t, nil)
	h := buildMixedHistory(t, f)

	nodes, err := f.engine.BackwardLineage(context.Background(), h.c2)
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	assert.Equal(t, h.m.ID, nodes[0].UnitID)
	assert.True(t, nodes[0].CompositionQty.Equal(dec("200")))
	assert.Equal(t, models.EdgeSplit, nodes[0].Via)

	assert.Equal(t, h.a.ID, nodes[1].UnitID)
	assert.Equal(t, h.b.ID, nodes[2].UnitID)
	assert.Equal(t, 2, nodes[2].Depth)
	assert.True(t, nodes[2].CompositionQty.Equal(dec("200")))
	require.NotNil(t, nodes[2].OpSeq)
	assert.Equal(t, 2, *nodes[2].OpSeq)
}

func TestLineage_RepeatedQueriesAreIdentical(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	h := buildMixedHistory(t, f)

	// c1's ancestors are all consumed, so the second read comes from cache
	first, err := f.engine.BackwardLineage(ctx, h.c1)
	require.NoError(t, err)
	second, err := f.engine.BackwardLineage(ctx, h.c1)
	require.NoError(t, err)
	if diff := cmp.Diff(first, second, decimalEqual); diff != "" {
		t.Errorf("backward lineage changed between reads (-first +second):\n%s", diff)
	}

	fwd1, err := f.engine.ForwardLineage(ctx, h.b.ID)
	require.NoError(t, err)
	fwd2, err := f.engine.ForwardLineage(ctx, h.b.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(fwd1, fwd2, decimalEqual); diff != "" {
		t.Errorf("forward lineage changed between reads (-first +second):\n%s", diff)
	}
}

func TestBackwardLineage_UnconsumedAncestorIsNotCached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	parent := f.register(t, "500")

	res, err := f.engine.Split(ctx, splitReq(parent.ID, "100"))
	require.NoError(t, err)
	child := res.Children[0].ID

	before, err := f.engine.BackwardLineage(ctx, child)
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.False(t, before[0].IsConsumed)

	_, err = f.engine.Split(ctx, splitReq(parent.ID, "500"))
	require.NoError(t, err)

	after, err := f.engine.BackwardLineage(ctx, child)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.True(t, after[0].IsConsumed)
}

func TestBackwardLineage_RemovedUnitIsNotServedFromCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	parent := f.register(t, "500")

	res, err := f.engine.Split(ctx, splitReq(parent.ID, "500"))
	require.NoError(t, err)
	child := res.Children[0].ID

	tree, err := f.engine.BackwardLineage(ctx, child)
	require.NoError(t, err)
	require.Len(t, tree, 1)
	assert.True(t, tree[0].IsConsumed)

	// as a compensating undo would
	require.NoError(t, f.mem.Units().DeleteMany(ctx, []uuid.UUID{child}))

	_, err = f.engine.BackwardLineage(ctx, child)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLineage_DepthBound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	root := f.register(t, "10")
	current := root.ID
	for i := 0; i < 4; i++ {
		res, err := f.engine.Split(ctx, splitReq(current, "10"))
		require.NoError(t, err)
		current = res.Children[0].ID
	}

	svc := NewLineageService(f.mem, 2, nil, 0, nil, logger.Discard())
	nodes, err := svc.ForwardLineage(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, 2, nodes[1].Depth)

	all, err := f.engine.ForwardLineage(ctx, root.ID)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestForwardLineage_VisitsEachUnitOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.register(t, "100")

	res, err := f.engine.Split(ctx, splitReq(a.ID, "40", "60"))
	require.NoError(t, err)
	x, y := f.unit(t, res.Children[0].ID), f.unit(t, res.Children[1].ID)
	mres, err := f.engine.Merge(ctx, mergeReq("100", x, y))
	require.NoError(t, err)

	nodes, err := f.engine.ForwardLineage(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, mres.Output.ID, nodes[2].UnitID)
	assert.Equal(t, x.ID, nodes[2].ParentNodeID)
}

func TestGenealogy_ReportsEdgeLedger(t *testing.T) {
	f := newFixture(t, nil)
	h := buildMixedHistory(t, f)

	nodes, err := f.engine.Genealogy(context.Background(), h.a.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	m := nodes[0]
	assert.Equal(t, h.m.ID, m.UnitID)
	assert.Equal(t, 1, m.Level)
	assert.Equal(t, h.a.ID, m.ParentUnitID)
	assert.Equal(t, models.EdgeMerge, m.Via)
	assert.True(t, m.IsConsumed)
	assert.True(t, m.QuantityConsumed.Equal(dec("100")))
	require.NotNil(t, m.WorkOrderID)
	assert.Equal(t, "WO-3", *m.WorkOrderID)
	require.NotNil(t, m.OperationSequence)
	assert.Equal(t, 1, *m.OperationSequence)

	for _, c := range nodes[1:] {
		assert.Equal(t, 2, c.Level)
		assert.Equal(t, models.EdgeSplit, c.Via)
		assert.False(t, c.IsConsumed)
		require.NotNil(t, c.WorkOrderID)
		assert.Equal(t, "WO-4", *c.WorkOrderID)
		require.NotNil(t, c.OperationSequence)
		assert.Equal(t, 2, *c.OperationSequence)
	}
	assert.True(t, nodes[2].Quantity.Equal(dec("200")))
	assert.True(t, nodes[2].QuantityConsumed.Equal(dec("200")))
}
