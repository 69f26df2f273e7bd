package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/lyzr/lineage/cmd/lineage/models"
	"github.com/lyzr/lineage/cmd/lineage/repository"
	"github.com/shopspring/decimal"
)

// SplitOperator divides one unit into several child units
type SplitOperator struct {
	writeDeps
}

// splitPlan is everything a split writes, built before the first write
type splitPlan struct {
	parent   *models.Unit
	children []*models.Unit
	edges    []models.GenealogyEdge
	full     bool
	actorID  string
}

// Split validates the request, creates the children with their genealogy
// edges and, when the children take the whole parent, consumes the parent.
// A partial split leaves the parent's quantity untouched.
func (o *SplitOperator) Split(ctx context.Context, req models.SplitRequest) (*models.SplitResult, error) {
	const op = "split"
	log := o.log.WithOperation(op, req.ActorID).WithUnitID(req.ParentID.String())

	parent, err := o.store.Units().Get(ctx, req.ParentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, newError(KindNotFound, op, "unit %s not found", req.ParentID)
	}
	if err != nil {
		le := o.incidents.persistence(op, err)
		log.Error("failed to load split parent", "incident", le.Incident, "error", err)
		return nil, le
	}

	total, err := validateSplit(parent, req.Children)
	if err != nil {
		log.Warn("split rejected", "error", err)
		return nil, err
	}

	held, err := o.acquire(ctx, op, []string{parent.ID.String()})
	if err != nil {
		return nil, err
	}
	defer o.release(held)

	numbers, err := o.unitNumbers(ctx, op, len(req.Children))
	if err != nil {
		log.Error("failed to allocate unit numbers", "error", err)
		return nil, err
	}

	plan := o.plan(parent, req, numbers)
	plan.full = total.Sub(parent.Quantity).Abs().LessThanOrEqual(quantityTolerance)

	if txs, ok := o.txStore(); ok {
		err = txs.InTx(ctx, func(s repository.Store) error {
			return o.apply(ctx, s, plan)
		})
		if err != nil {
			le := o.txFailure(op, err)
			log.Error("split rolled back", "kind", KindOf(le), "error", err)
			return nil, le
		}
	} else if err := o.applyCompensating(ctx, plan); err != nil {
		return nil, err
	}

	o.metrics.UnitsCreated(string(models.OriginSplit), len(plan.children))
	log.Info("split completed",
		"parent_number", parent.UnitNumber,
		"children", len(plan.children),
		"total", total.String(),
		"parent_consumed", plan.full,
	)

	return splitResult(plan), nil
}

func validateSplit(parent *models.Unit, children []models.SplitChild) (decimal.Decimal, error) {
	const op = "split"

	if parent.IsConsumed {
		return decimal.Zero, newError(KindAlreadyConsumed, op, "unit %s is already consumed", parent.UnitNumber)
	}
	if !parent.Quantity.IsPositive() {
		return decimal.Zero, newError(KindInvalidQuantity, op, "parent quantity %s must be positive", parent.Quantity)
	}
	if len(children) == 0 {
		return decimal.Zero, newError(KindInvalidQuantity, op, "at least one child quantity is required")
	}

	total := decimal.Zero
	for i, c := range children {
		if !c.Quantity.IsPositive() {
			return decimal.Zero, newError(KindInvalidQuantity, op, "child %d quantity %s must be positive", i+1, c.Quantity)
		}
		if c.UOM != "" && c.UOM != parent.UOM {
			return decimal.Zero, newError(KindInvalidQuantity, op,
				"child %d uom %s does not match parent uom %s", i+1, c.UOM, parent.UOM)
		}
		total = total.Add(c.Quantity)
	}

	if total.Sub(parent.Quantity).GreaterThan(quantityTolerance) {
		return decimal.Zero, newError(KindQuantityExceeded, op,
			"total child quantity %s exceeds parent quantity %s", total, parent.Quantity)
	}
	return total, nil
}

func (o *SplitOperator) plan(parent *models.Unit, req models.SplitRequest, numbers []string) *splitPlan {
	now := o.clock.Now().UTC()
	origin := models.SplitOrigin{
		ParentID:          parent.ID,
		ParentNumber:      parent.UnitNumber,
		WorkOrderID:       req.WorkOrderID,
		OperationSequence: req.OperationSequence,
		SplitAt:           now,
	}

	plan := &splitPlan{parent: parent, actorID: req.ActorID}
	for i, c := range req.Children {
		location := parent.LocationID
		if c.LocationID != "" {
			location = c.LocationID
		}
		parentID := parent.ID
		child := &models.Unit{
			ID:           uuid.New(),
			UnitNumber:   numbers[i],
			ProductID:    parent.ProductID,
			LocationID:   location,
			Quantity:     c.Quantity,
			UOM:          parent.UOM,
			Batch:        parent.Batch,
			ExpiryDate:   parent.ExpiryDate,
			QAStatus:     parent.QAStatus,
			StageSuffix:  parent.StageSuffix,
			ParentUnitID: &parentID,
			Origin:       origin,
			CreatedAt:    now,
		}
		plan.children = append(plan.children, child)
		plan.edges = append(plan.edges, models.GenealogyEdge{
			ChildUnitID:       child.ID,
			ParentUnitID:      parent.ID,
			QuantityConsumed:  c.Quantity,
			UOM:               parent.UOM,
			WorkOrderID:       req.WorkOrderID,
			OperationSequence: req.OperationSequence,
			CreatedAt:         now,
		})
	}
	return plan
}

// apply performs the writes in order: children, edges, then the parent
// write under the version read at the start. The parent write is what
// makes two racing splits on one parent mutually exclusive.
func (o *SplitOperator) apply(ctx context.Context, s repository.Store, plan *splitPlan) error {
	if _, err := s.Units().InsertMany(ctx, plan.children); err != nil {
		return err
	}
	if err := s.Edges().InsertGenealogy(ctx, plan.edges); err != nil {
		return err
	}
	return o.writeParent(ctx, s, plan)
}

func (o *SplitOperator) writeParent(ctx context.Context, s repository.Store, plan *splitPlan) error {
	if plan.full {
		return s.Units().MarkConsumed(ctx, plan.parent.Ref(), plan.actorID, o.clock.Now().UTC())
	}
	return s.Units().Claim(ctx, plan.parent.Ref())
}

// applyCompensating runs the same writes without a transaction and deletes
// what it created when a later step fails
func (o *SplitOperator) applyCompensating(ctx context.Context, plan *splitPlan) error {
	const op = "split"
	log := o.log.WithOperation(op, plan.actorID).WithUnitID(plan.parent.ID.String())
	ids := childIDs(plan)

	if _, err := o.store.Units().InsertMany(ctx, plan.children); err != nil {
		le := o.incidents.persistence(op, err)
		log.Error("failed to insert split children", "incident", le.Incident, "error", err)
		return le
	}

	if err := o.store.Edges().InsertGenealogy(ctx, plan.edges); err != nil {
		if compErr := o.undo(ctx, ids); compErr != nil {
			return o.partialFailure(op, log, err, compErr)
		}
		o.metrics.Compensation(op, "compensated")
		le := o.incidents.persistence(op, err)
		log.Error("genealogy insert failed, children removed", "incident", le.Incident, "error", err)
		return le
	}

	if err := o.writeParent(ctx, o.store, plan); err != nil {
		if !errors.Is(err, repository.ErrVersionConflict) {
			// the parent write may or may not have landed
			return o.partialFailure(op, log, err, nil)
		}
		if compErr := o.undo(ctx, ids); compErr != nil {
			return o.partialFailure(op, log, err, compErr)
		}
		o.metrics.Compensation(op, "compensated")
		log.Warn("split parent changed concurrently, children removed")
		return newError(KindConcurrentModification, op,
			"unit %s was modified concurrently, retry the operation", plan.parent.UnitNumber)
	}
	return nil
}

func (o *SplitOperator) undo(ctx context.Context, ids []uuid.UUID) error {
	if err := o.store.Edges().DeleteGenealogyByChildren(ctx, ids); err != nil {
		return err
	}
	return o.store.Units().DeleteMany(ctx, ids)
}

func childIDs(plan *splitPlan) []uuid.UUID {
	ids := make([]uuid.UUID, len(plan.children))
	for i, c := range plan.children {
		ids[i] = c.ID
	}
	return ids
}

func splitResult(plan *splitPlan) *models.SplitResult {
	res := &models.SplitResult{
		Parent: models.SplitParent{
			ID:         plan.parent.ID,
			UnitNumber: plan.parent.UnitNumber,
			IsConsumed: plan.full,
		},
		Children: make([]models.SplitChildResult, 0, len(plan.children)),
	}
	for _, c := range plan.children {
		res.Children = append(res.Children, models.SplitChildResult{
			ID:         c.ID,
			UnitNumber: c.UnitNumber,
			Quantity:   c.Quantity,
			UOM:        c.UOM,
			Batch:      c.Batch,
			ExpiryDate: c.ExpiryDate,
		})
	}
	return res
}
