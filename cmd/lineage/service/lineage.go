package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/lineage/cmd/lineage/models"
	"github.com/lyzr/lineage/cmd/lineage/repository"
	"github.com/lyzr/lineage/common/cache"
	"github.com/lyzr/lineage/common/logger"
	"github.com/lyzr/lineage/common/metrics"
	"github.com/shopspring/decimal"
)

// LineageService answers read-only lineage queries. Traversals are
// breadth-first, bounded by maxDepth, and visit each unit once.
type LineageService struct {
	store    repository.Store
	maxDepth int
	cache    cache.Cache
	cacheTTL time.Duration
	metrics  *metrics.Metrics
	log      *logger.Logger
}

// NewLineageService creates a query service. c may be nil.
func NewLineageService(store repository.Store, maxDepth int, c cache.Cache, cacheTTL time.Duration, m *metrics.Metrics, log *logger.Logger) *LineageService {
	if maxDepth < 1 {
		maxDepth = 10
	}
	return &LineageService{
		store:    store,
		maxDepth: maxDepth,
		cache:    c,
		cacheTTL: cacheTTL,
		metrics:  m,
		log:      log,
	}
}

// step is one edge crossed during a traversal
type step struct {
	from  uuid.UUID
	to    uuid.UUID
	qty   decimal.Decimal
	via   models.EdgeKind
	opSeq *int

	// genealogy ledger fields
	workOrderID *string
	fromMerge   bool
}

type expandFunc func(ctx context.Context, frontier []uuid.UUID) ([]step, error)

// ForwardLineage returns everything the unit went into: merge outputs it
// contributed to and split children taken from it, recursively
func (s *LineageService) ForwardLineage(ctx context.Context, unitID uuid.UUID) ([]models.LineageNode, error) {
	const op = "forward_lineage"
	if err := s.requireUnit(ctx, op, unitID); err != nil {
		return nil, err
	}

	nodes, err := s.walkTree(ctx, unitID, s.forwardSteps)
	if err != nil {
		return nil, s.readFailure(op, unitID, err)
	}
	s.metrics.TreeSize("forward", len(nodes))
	return nodes, nil
}

// BackwardLineage returns what the unit was made from: merge inputs and
// split parents, recursively. A split child's single ancestor is its parent
// with composition_qty equal to the child's quantity.
func (s *LineageService) BackwardLineage(ctx context.Context, unitID uuid.UUID) ([]models.LineageNode, error) {
	const op = "backward_lineage"
	key := "lineage:backward:" + unitID.String()

	// checked before the cache so a unit removed by compensation is not
	// answered from a stale tree
	if err := s.requireUnit(ctx, op, unitID); err != nil {
		return nil, err
	}

	if nodes, ok := s.cached(ctx, key); ok {
		s.metrics.TreeSize("backward", len(nodes))
		return nodes, nil
	}

	nodes, err := s.walkTree(ctx, unitID, s.backwardSteps)
	if err != nil {
		return nil, s.readFailure(op, unitID, err)
	}

	// Ancestor edges never change after a unit is created, but a node's
	// consumption flag can until it is consumed
	if allConsumed(nodes) {
		s.remember(ctx, key, nodes)
	}
	s.metrics.TreeSize("backward", len(nodes))
	return nodes, nil
}

// Genealogy walks every descendant of the unit and reports, per node, the
// ledger fields of the edge that produced it
func (s *LineageService) Genealogy(ctx context.Context, unitID uuid.UUID) ([]models.GenealogyNode, error) {
	const op = "genealogy"
	if err := s.requireUnit(ctx, op, unitID); err != nil {
		return nil, err
	}

	out := []models.GenealogyNode{}
	err := s.walk(ctx, unitID, s.forwardSteps, func(level int, st step, u *models.Unit) {
		out = append(out, models.GenealogyNode{
			UnitID:            u.ID,
			UnitNumber:        u.UnitNumber,
			ParentUnitID:      st.from,
			Level:             level,
			Quantity:          u.Quantity,
			UOM:               u.UOM,
			IsConsumed:        u.IsConsumed,
			Via:               st.via,
			QuantityConsumed:  st.qty,
			WorkOrderID:       genealogyWorkOrder(st, u),
			OperationSequence: st.opSeq,
		})
	})
	if err != nil {
		return nil, s.readFailure(op, unitID, err)
	}
	s.metrics.TreeSize("genealogy", len(out))
	return out, nil
}

func (s *LineageService) walkTree(ctx context.Context, root uuid.UUID, expand expandFunc) ([]models.LineageNode, error) {
	out := []models.LineageNode{}
	err := s.walk(ctx, root, expand, func(depth int, st step, u *models.Unit) {
		out = append(out, models.LineageNode{
			UnitID:         u.ID,
			UnitNumber:     u.UnitNumber,
			ProductID:      u.ProductID,
			Quantity:       u.Quantity,
			UOM:            u.UOM,
			IsConsumed:     u.IsConsumed,
			Depth:          depth,
			CompositionQty: st.qty,
			Via:            st.via,
			OpSeq:          st.opSeq,
			ParentNodeID:   st.from,
		})
	})
	return out, err
}

// walk runs the level-wise traversal. Within a level, nodes are visited in
// the order of the frontier, then in edge order.
func (s *LineageService) walk(ctx context.Context, root uuid.UUID, expand expandFunc, visit func(depth int, st step, u *models.Unit)) error {
	visited := map[uuid.UUID]bool{root: true}
	frontier := []uuid.UUID{root}

	for depth := 1; depth <= s.maxDepth && len(frontier) > 0; depth++ {
		steps, err := expand(ctx, frontier)
		if err != nil {
			return err
		}

		var level []step
		for _, from := range frontier {
			for _, st := range steps {
				if st.from != from || visited[st.to] {
					continue
				}
				visited[st.to] = true
				level = append(level, st)
			}
		}
		if len(level) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, len(level))
		for i, st := range level {
			ids[i] = st.to
		}
		units, err := s.store.Units().GetMany(ctx, ids)
		if err != nil {
			return err
		}
		byID := make(map[uuid.UUID]*models.Unit, len(units))
		for _, u := range units {
			byID[u.ID] = u
		}

		frontier = nil
		for _, st := range level {
			u, ok := byID[st.to]
			if !ok {
				s.log.Warn("lineage edge points at missing unit", "unit_id", st.to, "from", st.from)
				continue
			}
			visit(depth, st, u)
			frontier = append(frontier, u.ID)
		}
	}
	return nil
}

func (s *LineageService) forwardSteps(ctx context.Context, frontier []uuid.UUID) ([]step, error) {
	comp, err := s.store.Edges().CompositionFromInputs(ctx, frontier)
	if err != nil {
		return nil, err
	}
	gen, err := s.store.Edges().GenealogyFromParents(ctx, frontier)
	if err != nil {
		return nil, err
	}

	steps := make([]step, 0, len(comp)+len(gen))
	for _, e := range comp {
		steps = append(steps, step{
			from:      e.InputUnitID,
			to:        e.OutputUnitID,
			qty:       e.Qty,
			via:       models.EdgeMerge,
			opSeq:     intPtr(e.OpSeq),
			fromMerge: true,
		})
	}
	for _, e := range gen {
		steps = append(steps, step{
			from:        e.ParentUnitID,
			to:          e.ChildUnitID,
			qty:         e.QuantityConsumed,
			via:         models.EdgeSplit,
			opSeq:       e.OperationSequence,
			workOrderID: e.WorkOrderID,
		})
	}
	return steps, nil
}

func (s *LineageService) backwardSteps(ctx context.Context, frontier []uuid.UUID) ([]step, error) {
	comp, err := s.store.Edges().CompositionToOutputs(ctx, frontier)
	if err != nil {
		return nil, err
	}
	gen, err := s.store.Edges().GenealogyToChildren(ctx, frontier)
	if err != nil {
		return nil, err
	}

	steps := make([]step, 0, len(comp)+len(gen))
	for _, e := range comp {
		steps = append(steps, step{
			from:  e.OutputUnitID,
			to:    e.InputUnitID,
			qty:   e.Qty,
			via:   models.EdgeMerge,
			opSeq: intPtr(e.OpSeq),
		})
	}
	for _, e := range gen {
		steps = append(steps, step{
			from:        e.ChildUnitID,
			to:          e.ParentUnitID,
			qty:         e.QuantityConsumed,
			via:         models.EdgeSplit,
			opSeq:       e.OperationSequence,
			workOrderID: e.WorkOrderID,
		})
	}
	return steps, nil
}

func (s *LineageService) requireUnit(ctx context.Context, op string, id uuid.UUID) error {
	_, err := s.store.Units().Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return newError(KindNotFound, op, "unit %s not found", id)
	}
	if err != nil {
		return s.readFailure(op, id, err)
	}
	return nil
}

func (s *LineageService) readFailure(op string, id uuid.UUID, err error) error {
	var le *LineageError
	if errors.As(err, &le) {
		return le
	}
	s.log.Error("lineage query failed", "operation", op, "unit_id", id, "error", err)
	return &LineageError{Kind: KindPersistence, Op: op, Message: "storage failure", Err: err}
}

func (s *LineageService) cached(ctx context.Context, key string) ([]models.LineageNode, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	var nodes []models.LineageNode
	if err := json.Unmarshal(raw, &nodes); err != nil {
		s.log.Warn("dropping unreadable cached lineage", "key", key, "error", err)
		_ = s.cache.Delete(ctx, key)
		return nil, false
	}
	return nodes, true
}

func (s *LineageService) remember(ctx context.Context, key string, nodes []models.LineageNode) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(nodes)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.cacheTTL); err != nil {
		s.log.Warn("failed to cache lineage", "key", key, "error", err)
	}
}

func allConsumed(nodes []models.LineageNode) bool {
	for _, n := range nodes {
		if !n.IsConsumed {
			return false
		}
	}
	return true
}

// genealogyWorkOrder takes the work order from the edge for split children
// and from the output's merge origin for merge outputs
func genealogyWorkOrder(st step, u *models.Unit) *string {
	if !st.fromMerge {
		return st.workOrderID
	}
	if mo, ok := u.Origin.(models.MergeOrigin); ok {
		return mo.WorkOrderID
	}
	return nil
}

func intPtr(v int) *int { return &v }
