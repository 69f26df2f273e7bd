package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/lyzr/lineage/cmd/lineage/models"
	"github.com/lyzr/lineage/cmd/lineage/repository"
	"github.com/lyzr/lineage/common/cache"
	"github.com/lyzr/lineage/common/logger"
	"github.com/lyzr/lineage/common/metrics"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	testStart = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	errBoom   = errors.New("boom")

	decimalEqual = cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })
)

type fixture struct {
	store  repository.Store
	mem    *repository.MemoryStore
	clock  *testclock.Clock
	engine *Engine
}

// newFixture builds an engine over a fresh memory store. wrap, when given,
// replaces the store the engine sees.
func newFixture(t *testing.T, wrap func(*repository.MemoryStore) repository.Store) *fixture {
	t.Helper()

	mem := repository.NewMemoryStore()
	var store repository.Store = mem
	if wrap != nil {
		store = wrap(mem)
	}
	clk := testclock.NewClock(testStart)
	c := cache.NewMemoryCache(logger.Discard())
	t.Cleanup(func() { _ = c.Close() })

	engine, err := NewEngine(EngineConfig{
		Store:   store,
		Counter: repository.NewMemoryCounter(),
		Clock:   clk,
		Sequence: SequenceOptions{
			Prefix:      "LP",
			Location:    time.UTC,
			MaxAttempts: 3,
			RetryDelay:  time.Millisecond,
		},
		MaxDepth:            10,
		OperationTimeout:    5 * time.Second,
		NodeID:              1,
		TransactionalWrites: true,
		Cache:               c,
		CacheTTL:            10 * time.Minute,
		Metrics:             metrics.New(),
		Logger:              logger.Discard(),
	})
	require.NoError(t, err)

	return &fixture{store: store, mem: mem, clock: clk, engine: engine}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func strPtr(s string) *string { return &s }

func grnRequest(qty string) models.RegisterRequest {
	expiry := time.Date(2027, 1, 31, 0, 0, 0, 0, time.UTC)
	return models.RegisterRequest{
		ProductID:   "P-100",
		LocationID:  "A-01",
		Quantity:    dec(qty),
		UOM:         "kg",
		Batch:       strPtr("B-7"),
		ExpiryDate:  &expiry,
		QAStatus:    models.QAPassed,
		StageSuffix: "RAW",
		Origin:      models.GRNOrigin{GRNID: "GRN-1", ReceivedAt: testStart},
		ActorID:     "receiver",
	}
}

func (f *fixture) register(t *testing.T, qty string, mods ...func(*models.RegisterRequest)) *models.Unit {
	t.Helper()
	req := grnRequest(qty)
	for _, m := range mods {
		m(&req)
	}
	u, err := f.engine.RegisterUnit(context.Background(), req)
	require.NoError(t, err)
	return u
}

func (f *fixture) unit(t *testing.T, id uuid.UUID) *models.Unit {
	t.Helper()
	u, err := f.mem.Units().Get(context.Background(), id)
	require.NoError(t, err)
	return u
}

func (f *fixture) unitCount(t *testing.T, ids ...uuid.UUID) int {
	t.Helper()
	units, err := f.mem.Units().GetMany(context.Background(), ids)
	require.NoError(t, err)
	return len(units)
}

func splitReq(parent uuid.UUID, qtys ...string) models.SplitRequest {
	req := models.SplitRequest{ParentID: parent, ActorID: "operator-1"}
	for _, q := range qtys {
		req.Children = append(req.Children, models.SplitChild{Quantity: dec(q)})
	}
	return req
}

func mergeReq(qty string, inputs ...*models.Unit) models.MergeRequest {
	req := models.MergeRequest{
		Output:  models.MergeOutput{Quantity: dec(qty)},
		ActorID: "operator-2",
	}
	for _, in := range inputs {
		req.InputIDs = append(req.InputIDs, in.ID)
	}
	return req
}

// faultyStore is a non-transactional Store over a memory store that fails
// chosen steps, forcing the compensation path
type faultyStore struct {
	inner *repository.MemoryStore

	insertErr          error
	insertGenealogyErr error
	insertCompErr      error
	consumeErr         error
	claimErr           error
	deleteErr          error

	// runs before the final consume or claim write
	beforeFinalWrite func()
}

func (s *faultyStore) Units() repository.UnitRepository {
	return &faultyUnits{UnitRepository: s.inner.Units(), s: s}
}

func (s *faultyStore) Edges() repository.EdgeRepository {
	return &faultyEdges{EdgeRepository: s.inner.Edges(), s: s}
}

type faultyUnits struct {
	repository.UnitRepository
	s *faultyStore
}

func (u *faultyUnits) hook() {
	if u.s.beforeFinalWrite != nil {
		u.s.beforeFinalWrite()
	}
}

func (u *faultyUnits) Insert(ctx context.Context, unit *models.Unit) (uuid.UUID, error) {
	if u.s.insertErr != nil {
		return uuid.Nil, u.s.insertErr
	}
	return u.UnitRepository.Insert(ctx, unit)
}

func (u *faultyUnits) InsertMany(ctx context.Context, units []*models.Unit) ([]uuid.UUID, error) {
	if u.s.insertErr != nil {
		return nil, u.s.insertErr
	}
	return u.UnitRepository.InsertMany(ctx, units)
}

func (u *faultyUnits) MarkConsumed(ctx context.Context, ref models.Ref, by string, at time.Time) error {
	u.hook()
	if u.s.consumeErr != nil {
		return u.s.consumeErr
	}
	return u.UnitRepository.MarkConsumed(ctx, ref, by, at)
}

func (u *faultyUnits) MarkConsumedMany(ctx context.Context, refs []models.Ref, by string, at time.Time) error {
	u.hook()
	if u.s.consumeErr != nil {
		return u.s.consumeErr
	}
	return u.UnitRepository.MarkConsumedMany(ctx, refs, by, at)
}

func (u *faultyUnits) Claim(ctx context.Context, ref models.Ref) error {
	u.hook()
	if u.s.claimErr != nil {
		return u.s.claimErr
	}
	return u.UnitRepository.Claim(ctx, ref)
}

func (u *faultyUnits) DeleteMany(ctx context.Context, ids []uuid.UUID) error {
	if u.s.deleteErr != nil {
		return u.s.deleteErr
	}
	return u.UnitRepository.DeleteMany(ctx, ids)
}

type faultyEdges struct {
	repository.EdgeRepository
	s *faultyStore
}

func (e *faultyEdges) InsertGenealogy(ctx context.Context, edges []models.GenealogyEdge) error {
	if e.s.insertGenealogyErr != nil {
		return e.s.insertGenealogyErr
	}
	return e.EdgeRepository.InsertGenealogy(ctx, edges)
}

func (e *faultyEdges) InsertComposition(ctx context.Context, edges []models.CompositionEdge) error {
	if e.s.insertCompErr != nil {
		return e.s.insertCompErr
	}
	return e.EdgeRepository.InsertComposition(ctx, edges)
}

// failingTx is a TxStore whose transaction body fails at a chosen step
type failingTx struct {
	*repository.MemoryStore
	consumeErr error
}

func (s *failingTx) InTx(ctx context.Context, fn func(repository.Store) error) error {
	return s.MemoryStore.InTx(ctx, func(tx repository.Store) error {
		return fn(&faultyTxView{Store: tx, consumeErr: s.consumeErr})
	})
}

type faultyTxView struct {
	repository.Store
	consumeErr error
}

func (v *faultyTxView) Units() repository.UnitRepository {
	return &txUnits{UnitRepository: v.Store.Units(), consumeErr: v.consumeErr}
}

type txUnits struct {
	repository.UnitRepository
	consumeErr error
}

func (u *txUnits) MarkConsumedMany(ctx context.Context, refs []models.Ref, by string, at time.Time) error {
	return u.consumeErr
}

func (u *txUnits) MarkConsumed(ctx context.Context, ref models.Ref, by string, at time.Time) error {
	return u.consumeErr
}

func unitWithNumber(number string) *models.Unit {
	return &models.Unit{
		UnitNumber: number,
		ProductID:  "P-100",
		LocationID: "A-01",
		Quantity:   dec("1"),
		UOM:        "kg",
		QAStatus:   models.QAPassed,
		Origin:     models.GRNOrigin{GRNID: "GRN-0"},
	}
}
