package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/lyzr/lineage/cmd/lineage/models"
	"github.com/lyzr/lineage/cmd/lineage/repository"
	"github.com/lyzr/lineage/common/cache"
	"github.com/lyzr/lineage/common/lock"
	"github.com/lyzr/lineage/common/logger"
	"github.com/lyzr/lineage/common/metrics"
	"github.com/lyzr/lineage/common/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Event topics published after a committed operation
const (
	TopicSplitCompleted = "lineage.split.completed"
	TopicMergeCompleted = "lineage.merge.completed"
)

// EngineConfig wires the engine's collaborators. Store, Counter and Logger
// are required; everything else has a working default.
type EngineConfig struct {
	Store   repository.Store
	Counter Counter
	Clock   clock.Clock

	Sequence            SequenceOptions
	MaxDepth            int
	OperationTimeout    time.Duration
	LockTTL             time.Duration
	NodeID              int64
	TransactionalWrites bool

	Locker   lock.Locker
	Queue    queue.Queue
	Cache    cache.Cache
	CacheTTL time.Duration
	Metrics  *metrics.Metrics
	Tracer   trace.Tracer
	Logger   *logger.Logger
}

// Engine is the single entry point for split, merge, registration and
// lineage queries. Every call runs under the operation timeout.
type Engine struct {
	store     repository.Store
	splitter  *SplitOperator
	merger    *MergeOperator
	lineage   *LineageService
	seq       *SequenceGenerator
	incidents *incidents
	clock     clock.Clock
	timeout   time.Duration
	queue     queue.Queue
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	log       *logger.Logger
}

// Event is the payload published on the queue after a split or merge
type Event struct {
	Type       string      `json:"type"`
	ActorID    string      `json:"actor_id"`
	OccurredAt time.Time   `json:"occurred_at"`
	Result     interface{} `json:"result"`
}

// NewEngine builds an engine from cfg
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil || cfg.Counter == nil || cfg.Logger == nil {
		return nil, errors.New("engine requires a store, a counter and a logger")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.Noop{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("lineage")
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 10 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Second
	}

	inc, err := newIncidents(cfg.NodeID)
	if err != nil {
		return nil, err
	}

	seq := NewSequenceGenerator(cfg.Counter, cfg.Store.Units(), cfg.Clock, cfg.Sequence, cfg.Metrics, cfg.Logger)
	deps := writeDeps{
		store:         cfg.Store,
		seq:           seq,
		clock:         cfg.Clock,
		incidents:     inc,
		locker:        cfg.Locker,
		lockTTL:       cfg.LockTTL,
		transactional: cfg.TransactionalWrites,
		metrics:       cfg.Metrics,
		log:           cfg.Logger,
	}

	return &Engine{
		store:     cfg.Store,
		splitter:  &SplitOperator{writeDeps: deps},
		merger:    &MergeOperator{writeDeps: deps},
		lineage:   NewLineageService(cfg.Store, cfg.MaxDepth, cfg.Cache, cfg.CacheTTL, cfg.Metrics, cfg.Logger),
		seq:       seq,
		incidents: inc,
		clock:     cfg.Clock,
		timeout:   cfg.OperationTimeout,
		queue:     cfg.Queue,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		log:       cfg.Logger,
	}, nil
}

// begin starts the timeout and span for op. The returned func ends both
// and records the outcome.
func (e *Engine) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	ctx, span := e.tracer.Start(ctx, "lineage."+op, trace.WithAttributes(attrs...))

	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = string(KindOf(err))
			if outcome == "" {
				outcome = "error"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
		cancel()
		e.metrics.ObserveOperation(op, outcome, start)
	}
}

// Split divides a parent unit into children
func (e *Engine) Split(ctx context.Context, req models.SplitRequest) (res *models.SplitResult, err error) {
	ctx, done := e.begin(ctx, "split", attribute.String("unit.id", req.ParentID.String()))
	defer func() { done(err) }()

	res, err = e.splitter.Split(ctx, req)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, TopicSplitCompleted, req.ParentID.String(), req.ActorID, res)
	return res, nil
}

// Merge combines input units into one output
func (e *Engine) Merge(ctx context.Context, req models.MergeRequest) (res *models.MergeResult, err error) {
	ctx, done := e.begin(ctx, "merge", attribute.Int("merge.inputs", len(req.InputIDs)))
	defer func() { done(err) }()

	res, err = e.merger.Merge(ctx, req)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, TopicMergeCompleted, res.Output.ID.String(), req.ActorID, res)
	return res, nil
}

// RegisterUnit creates a unit from a goods receipt or work order. Split
// and merge outputs are only created by their operators.
func (e *Engine) RegisterUnit(ctx context.Context, req models.RegisterRequest) (unit *models.Unit, err error) {
	const op = "register_unit"
	ctx, done := e.begin(ctx, op)
	defer func() { done(err) }()

	if req.Origin == nil {
		return nil, newError(KindIncompatibleInputs, op, "origin is required")
	}
	switch req.Origin.Type() {
	case models.OriginSplit, models.OriginMerge:
		return nil, newError(KindIncompatibleInputs, op, "%s units can only be created by a %s", req.Origin.Type(), req.Origin.Type())
	}
	if err := req.Origin.Validate(); err != nil {
		return nil, newError(KindIncompatibleInputs, op, "%v", err)
	}
	if !req.Quantity.IsPositive() {
		return nil, newError(KindInvalidQuantity, op, "quantity %s must be positive", req.Quantity)
	}
	qa := req.QAStatus
	if qa == "" {
		qa = models.QAPending
	}
	if !qa.Valid() {
		return nil, newError(KindIncompatibleInputs, op, "unknown qa status %s", qa)
	}

	number, err := e.seq.NextUniqueUnitNumber(ctx)
	if err != nil {
		var le *LineageError
		if errors.As(err, &le) {
			le.Op = op
			return nil, le
		}
		return nil, e.incidents.persistence(op, err)
	}

	unit = &models.Unit{
		ID:          uuid.New(),
		UnitNumber:  number,
		ProductID:   req.ProductID,
		LocationID:  req.LocationID,
		Quantity:    req.Quantity,
		UOM:         req.UOM,
		Batch:       req.Batch,
		ExpiryDate:  req.ExpiryDate,
		QAStatus:    qa,
		StageSuffix: req.StageSuffix,
		Origin:      req.Origin,
		CreatedAt:   e.clock.Now().UTC(),
	}
	if _, err := e.store.Units().Insert(ctx, unit); err != nil {
		le := e.incidents.persistence(op, err)
		e.log.Error("failed to register unit", "incident", le.Incident, "unit_number", number, "error", err)
		return nil, le
	}

	e.metrics.UnitsCreated(string(req.Origin.Type()), 1)
	e.log.WithOperation(op, req.ActorID).Info("unit registered",
		"unit_number", unit.UnitNumber,
		"origin_type", req.Origin.Type(),
		"quantity", unit.Quantity.String(),
	)
	return unit, nil
}

// GetUnit loads a unit by id
func (e *Engine) GetUnit(ctx context.Context, id uuid.UUID) (unit *models.Unit, err error) {
	const op = "get_unit"
	ctx, done := e.begin(ctx, op)
	defer func() { done(err) }()

	unit, err = e.store.Units().Get(ctx, id)
	return unit, e.readError(op, id.String(), err)
}

// GetUnitByNumber loads a unit by its unit number
func (e *Engine) GetUnitByNumber(ctx context.Context, number string) (unit *models.Unit, err error) {
	const op = "get_unit_by_number"
	ctx, done := e.begin(ctx, op)
	defer func() { done(err) }()

	unit, err = e.store.Units().GetByNumber(ctx, number)
	return unit, e.readError(op, number, err)
}

// ForwardLineage returns the units this unit went into
func (e *Engine) ForwardLineage(ctx context.Context, id uuid.UUID) (nodes []models.LineageNode, err error) {
	ctx, done := e.begin(ctx, "forward_lineage", attribute.String("unit.id", id.String()))
	defer func() { done(err) }()
	return e.lineage.ForwardLineage(ctx, id)
}

// BackwardLineage returns the units this unit was made from
func (e *Engine) BackwardLineage(ctx context.Context, id uuid.UUID) (nodes []models.LineageNode, err error) {
	ctx, done := e.begin(ctx, "backward_lineage", attribute.String("unit.id", id.String()))
	defer func() { done(err) }()
	return e.lineage.BackwardLineage(ctx, id)
}

// Genealogy returns every descendant of the unit
func (e *Engine) Genealogy(ctx context.Context, id uuid.UUID) (nodes []models.GenealogyNode, err error) {
	ctx, done := e.begin(ctx, "genealogy", attribute.String("unit.id", id.String()))
	defer func() { done(err) }()
	return e.lineage.Genealogy(ctx, id)
}

// ExportGenealogy writes the unit's genealogy as an XLSX workbook to w
func (e *Engine) ExportGenealogy(ctx context.Context, id uuid.UUID, w io.Writer) (err error) {
	const op = "export_genealogy"
	ctx, done := e.begin(ctx, op, attribute.String("unit.id", id.String()))
	defer func() { done(err) }()

	root, err := e.store.Units().Get(ctx, id)
	if err != nil {
		return e.readError(op, id.String(), err)
	}
	nodes, err := e.lineage.Genealogy(ctx, id)
	if err != nil {
		return err
	}
	return WriteGenealogyXLSX(w, root, nodes)
}

func (e *Engine) readError(op, ref string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return newError(KindNotFound, op, "unit %s not found", ref)
	}
	le := e.incidents.persistence(op, err)
	e.log.Error("unit lookup failed", "incident", le.Incident, "ref", ref, "error", err)
	return le
}

// publish emits a completion event. The operation is already committed, so
// failures are only logged.
func (e *Engine) publish(ctx context.Context, topic, key, actorID string, result interface{}) {
	if e.queue == nil {
		return
	}
	payload, err := json.Marshal(Event{
		Type:       topic,
		ActorID:    actorID,
		OccurredAt: e.clock.Now().UTC(),
		Result:     result,
	})
	if err != nil {
		e.log.Warn("failed to encode lineage event", "topic", topic, "error", err)
		return
	}
	if err := e.queue.Publish(ctx, topic, key, payload); err != nil {
		e.log.Warn("failed to publish lineage event", "topic", topic, "key", key, "error", err)
	}
}
