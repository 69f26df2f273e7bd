package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/lyzr/lineage/cmd/lineage/models"
	"github.com/lyzr/lineage/cmd/lineage/repository"
)

// MergeOperator combines several units of one lot into a single output unit
type MergeOperator struct {
	writeDeps
}

type mergePlan struct {
	inputs  []*models.Unit
	output  *models.Unit
	edges   []models.CompositionEdge
	actorID string
}

// Merge validates that all inputs are unconsumed and share product, batch,
// expiry and QA status, creates the output with one composition edge per
// input, then consumes every input.
func (o *MergeOperator) Merge(ctx context.Context, req models.MergeRequest) (*models.MergeResult, error) {
	const op = "merge"
	log := o.log.WithOperation(op, req.ActorID)

	if err := validateMergeRequest(req); err != nil {
		log.Warn("merge rejected", "error", err)
		return nil, err
	}

	inputs, err := o.store.Units().GetMany(ctx, req.InputIDs)
	if err != nil {
		le := o.incidents.persistence(op, err)
		log.Error("failed to load merge inputs", "incident", le.Incident, "error", err)
		return nil, le
	}
	if len(inputs) != len(req.InputIDs) {
		return nil, newError(KindNotFound, op, "input units not found: %s", missingIDs(req.InputIDs, inputs))
	}

	if err := validateMergeInputs(inputs); err != nil {
		log.Warn("merge rejected", "error", err)
		return nil, err
	}

	keys := make([]string, len(inputs))
	for i, in := range inputs {
		keys[i] = in.ID.String()
	}
	held, err := o.acquire(ctx, op, keys)
	if err != nil {
		return nil, err
	}
	defer o.release(held)

	numbers, err := o.unitNumbers(ctx, op, 1)
	if err != nil {
		log.Error("failed to allocate unit number", "error", err)
		return nil, err
	}

	plan := o.plan(inputs, req, numbers[0])

	if txs, ok := o.txStore(); ok {
		err = txs.InTx(ctx, func(s repository.Store) error {
			return o.apply(ctx, s, plan)
		})
		if err != nil {
			le := o.txFailure(op, err)
			log.Error("merge rolled back", "kind", KindOf(le), "error", err)
			return nil, le
		}
	} else if err := o.applyCompensating(ctx, plan); err != nil {
		return nil, err
	}

	o.metrics.UnitsCreated(string(models.OriginMerge), 1)
	log.Info("merge completed",
		"output_number", plan.output.UnitNumber,
		"inputs", len(plan.inputs),
		"quantity", plan.output.Quantity.String(),
	)

	return mergeResult(plan), nil
}

func validateMergeRequest(req models.MergeRequest) error {
	const op = "merge"

	if len(req.InputIDs) == 0 {
		return newError(KindIncompatibleInputs, op, "at least one input unit is required")
	}
	seen := make(map[uuid.UUID]bool, len(req.InputIDs))
	for _, id := range req.InputIDs {
		if seen[id] {
			return newError(KindIncompatibleInputs, op, "input %s is listed more than once", id)
		}
		seen[id] = true
	}
	if !req.Output.Quantity.IsPositive() {
		return newError(KindInvalidQuantity, op, "output quantity %s must be positive", req.Output.Quantity)
	}
	if req.Output.QAStatus != nil && !req.Output.QAStatus.Valid() {
		return newError(KindIncompatibleInputs, op, "unknown output qa status %s", *req.Output.QAStatus)
	}
	return nil
}

// validateMergeInputs checks the no-double-spend and homogeneity rules
// regardless of quantities
func validateMergeInputs(inputs []*models.Unit) error {
	const op = "merge"

	first := inputs[0]
	for _, in := range inputs {
		if in.IsConsumed {
			return newError(KindIncompatibleInputs, op, "input %s is already consumed", in.UnitNumber)
		}
		if in.ProductID != first.ProductID {
			return newError(KindIncompatibleInputs, op,
				"input %s has product %s, expected %s", in.UnitNumber, in.ProductID, first.ProductID)
		}
		if !in.SameLot(first) {
			return newError(KindIncompatibleInputs, op,
				"input %s differs from %s in batch, expiry or qa status", in.UnitNumber, first.UnitNumber)
		}
	}
	return nil
}

func (o *MergeOperator) plan(inputs []*models.Unit, req models.MergeRequest, number string) *mergePlan {
	now := o.clock.Now().UTC()
	first := inputs[0]
	out := req.Output

	inputIDs := make([]uuid.UUID, len(inputs))
	for i, in := range inputs {
		inputIDs[i] = in.ID
	}

	output := &models.Unit{
		ID:          uuid.New(),
		UnitNumber:  number,
		ProductID:   firstNonEmpty(out.ProductID, first.ProductID),
		LocationID:  firstNonEmpty(out.LocationID, first.LocationID),
		Quantity:    out.Quantity,
		UOM:         firstNonEmpty(out.UOM, first.UOM),
		Batch:       first.Batch,
		ExpiryDate:  first.ExpiryDate,
		QAStatus:    first.QAStatus,
		StageSuffix: first.StageSuffix,
		Origin: models.MergeOrigin{
			InputIDs:          inputIDs,
			WorkOrderID:       req.WorkOrderID,
			OperationSequence: req.OperationSequence,
			MergedAt:          now,
		},
		CreatedAt: now,
	}
	if out.Batch != nil {
		output.Batch = out.Batch
	}
	if out.ExpiryDate != nil {
		output.ExpiryDate = out.ExpiryDate
	}
	if out.QAStatus != nil {
		output.QAStatus = *out.QAStatus
	}
	if out.StageSuffix != nil {
		output.StageSuffix = *out.StageSuffix
	}

	seq := 1
	if req.OperationSequence != nil {
		seq = *req.OperationSequence
	}

	plan := &mergePlan{inputs: inputs, output: output, actorID: req.ActorID}
	for i, in := range inputs {
		plan.edges = append(plan.edges, models.CompositionEdge{
			InputUnitID:  in.ID,
			OutputUnitID: output.ID,
			Qty:          in.Quantity,
			UOM:          in.UOM,
			OpSeq:        seq + i,
			CreatedAt:    now,
		})
	}
	return plan
}

func (o *MergeOperator) apply(ctx context.Context, s repository.Store, plan *mergePlan) error {
	if _, err := s.Units().Insert(ctx, plan.output); err != nil {
		return err
	}
	if err := s.Edges().InsertComposition(ctx, plan.edges); err != nil {
		return err
	}
	return s.Units().MarkConsumedMany(ctx, inputRefs(plan), plan.actorID, o.clock.Now().UTC())
}

// applyCompensating runs the writes without a transaction. Failures before
// the inputs are consumed are undone; a failed consume is only undone when
// the store reports that nothing was consumed.
func (o *MergeOperator) applyCompensating(ctx context.Context, plan *mergePlan) error {
	const op = "merge"
	log := o.log.WithOperation(op, plan.actorID).WithUnitID(plan.output.ID.String())

	if _, err := o.store.Units().Insert(ctx, plan.output); err != nil {
		le := o.incidents.persistence(op, err)
		log.Error("failed to insert merge output", "incident", le.Incident, "error", err)
		return le
	}

	if err := o.store.Edges().InsertComposition(ctx, plan.edges); err != nil {
		if compErr := o.undo(ctx, plan); compErr != nil {
			return o.partialFailure(op, log, err, compErr)
		}
		o.metrics.Compensation(op, "compensated")
		le := o.incidents.persistence(op, err)
		log.Error("composition insert failed, output removed", "incident", le.Incident, "error", err)
		return le
	}

	err := o.store.Units().MarkConsumedMany(ctx, inputRefs(plan), plan.actorID, o.clock.Now().UTC())
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrVersionConflict) {
		return o.partialFailure(op, log, err, nil)
	}
	if compErr := o.undo(ctx, plan); compErr != nil {
		return o.partialFailure(op, log, err, compErr)
	}
	o.metrics.Compensation(op, "compensated")
	log.Warn("merge inputs changed concurrently, output removed")
	return newError(KindConcurrentModification, op, "input units were modified concurrently, retry the operation")
}

func (o *MergeOperator) undo(ctx context.Context, plan *mergePlan) error {
	if err := o.store.Edges().DeleteCompositionByOutput(ctx, plan.output.ID); err != nil {
		return err
	}
	return o.store.Units().DeleteMany(ctx, []uuid.UUID{plan.output.ID})
}

func inputRefs(plan *mergePlan) []models.Ref {
	refs := make([]models.Ref, len(plan.inputs))
	for i, in := range plan.inputs {
		refs[i] = in.Ref()
	}
	return refs
}

func missingIDs(requested []uuid.UUID, found []*models.Unit) string {
	have := make(map[uuid.UUID]bool, len(found))
	for _, u := range found {
		have[u.ID] = true
	}
	var missing []string
	for _, id := range requested {
		if !have[id] {
			missing = append(missing, id.String())
		}
	}
	return strings.Join(missing, ", ")
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func mergeResult(plan *mergePlan) *models.MergeResult {
	res := &models.MergeResult{
		Output: models.MergeOutputResult{
			ID:         plan.output.ID,
			UnitNumber: plan.output.UnitNumber,
			Quantity:   plan.output.Quantity,
			UOM:        plan.output.UOM,
		},
		Inputs: make([]models.MergeInputResult, 0, len(plan.inputs)),
	}
	for _, in := range plan.inputs {
		res.Inputs = append(res.Inputs, models.MergeInputResult{
			ID:         in.ID,
			UnitNumber: in.UnitNumber,
			Quantity:   in.Quantity,
			IsConsumed: true,
		})
	}
	return res
}
