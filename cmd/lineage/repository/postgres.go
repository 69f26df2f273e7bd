package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lyzr/lineage/cmd/lineage/models"
	"github.com/lyzr/lineage/common/db"
	"github.com/shopspring/decimal"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
// Decimals are sent as text so the numeric columns keep full precision.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresStore implements TxStore on a pgx pool
type PostgresStore struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

// NewPostgresStore creates a store over the service's connection pool
func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{pool: database.Pool, q: database.Pool}
}

func (s *PostgresStore) Units() UnitRepository { return &pgUnitRepository{q: s.q} }
func (s *PostgresStore) Edges() EdgeRepository { return &pgEdgeRepository{q: s.q} }

// InTx runs fn in a READ COMMITTED transaction. Row locks taken by the
// conditional UPDATEs serialize racing writers on the same unit.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&PostgresStore{pool: s.pool, q: tx, inTx: true})
	})
}

const unitColumns = `id, unit_number, product_id, location_id, quantity, uom, batch, expiry_date,
	qa_status, stage_suffix, parent_unit_id, is_consumed, consumed_at, consumed_by,
	origin_type, origin_ref, version, created_at`

// pgUnitRepository handles database operations for units
type pgUnitRepository struct {
	q querier
}

// Get retrieves a unit by id
func (r *pgUnitRepository) Get(ctx context.Context, id uuid.UUID) (*models.Unit, error) {
	query := `SELECT ` + unitColumns + ` FROM units WHERE id = $1`

	unit, err := scanUnit(r.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unit: %w", err)
	}
	return unit, nil
}

// GetByNumber retrieves a unit by its unit number
func (r *pgUnitRepository) GetByNumber(ctx context.Context, number string) (*models.Unit, error) {
	query := `SELECT ` + unitColumns + ` FROM units WHERE unit_number = $1`

	unit, err := scanUnit(r.q.QueryRow(ctx, query, number))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unit by number: %w", err)
	}
	return unit, nil
}

// GetMany retrieves the existing units among ids, in the order given
func (r *pgUnitRepository) GetMany(ctx context.Context, ids []uuid.UUID) ([]*models.Unit, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + unitColumns + ` FROM units WHERE id = ANY($1)`

	rows, err := r.q.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get units: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]*models.Unit, len(ids))
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan unit: %w", err)
		}
		byID[unit.ID] = unit
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate units: %w", err)
	}

	units := make([]*models.Unit, 0, len(byID))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			units = append(units, u)
		}
	}
	return units, nil
}

// NumberExists checks whether a unit number is already taken
func (r *pgUnitRepository) NumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM units WHERE unit_number = $1)`, number).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check unit number: %w", err)
	}
	return exists, nil
}

const insertUnitQuery = `
	INSERT INTO units (id, unit_number, product_id, location_id, quantity, uom, batch, expiry_date,
	                   qa_status, stage_suffix, parent_unit_id, origin_type, origin_ref, version, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1, $14)
`

// Insert creates a unit and returns its id
func (r *pgUnitRepository) Insert(ctx context.Context, unit *models.Unit) (uuid.UUID, error) {
	args, err := insertArgs(unit)
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := r.q.Exec(ctx, insertUnitQuery, args...); err != nil {
		return uuid.Nil, classifyInsertError(err)
	}
	return unit.ID, nil
}

// InsertMany creates all units in one pipelined batch. Postgres runs the
// batch as a single implicit transaction, so it is all-or-nothing.
func (r *pgUnitRepository) InsertMany(ctx context.Context, units []*models.Unit) ([]uuid.UUID, error) {
	batch := &pgx.Batch{}
	ids := make([]uuid.UUID, 0, len(units))
	for _, unit := range units {
		args, err := insertArgs(unit)
		if err != nil {
			return nil, err
		}
		batch.Queue(insertUnitQuery, args...)
		ids = append(ids, unit.ID)
	}

	br := r.q.SendBatch(ctx, batch)
	for range units {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return nil, classifyInsertError(err)
		}
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("failed to insert units: %w", err)
	}
	return ids, nil
}

// MarkConsumed consumes one unit under its version token
func (r *pgUnitRepository) MarkConsumed(ctx context.Context, ref models.Ref, by string, at time.Time) error {
	query := `
		UPDATE units
		SET is_consumed = TRUE, consumed_at = $3, consumed_by = $4, version = version + 1
		WHERE id = $1 AND version = $2 AND NOT is_consumed
	`

	tag, err := r.q.Exec(ctx, query, ref.ID, ref.Version, at, by)
	if err != nil {
		return fmt.Errorf("failed to mark unit consumed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// MarkConsumedMany consumes all refs in one statement. The statement only
// updates when every ref still matches; rows that change between the check
// and the update surface as ErrPartialWrite outside a transaction.
func (r *pgUnitRepository) MarkConsumedMany(ctx context.Context, refs []models.Ref, by string, at time.Time) error {
	if len(refs) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(refs))
	versions := make([]int64, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ID
		versions[i] = ref.Version
	}

	query := `
		WITH r AS (
			SELECT * FROM unnest($1::uuid[], $2::bigint[]) AS r(id, version)
		), ok AS (
			SELECT count(*) = $5 AS all_match
			FROM units u JOIN r ON u.id = r.id AND u.version = r.version
			WHERE NOT u.is_consumed
		)
		UPDATE units u
		SET is_consumed = TRUE, consumed_at = $3, consumed_by = $4, version = u.version + 1
		FROM r, ok
		WHERE ok.all_match AND u.id = r.id AND u.version = r.version AND NOT u.is_consumed
	`

	tag, err := r.q.Exec(ctx, query, ids, versions, at, by, len(refs))
	if err != nil {
		return fmt.Errorf("failed to mark units consumed: %w", err)
	}
	switch n := tag.RowsAffected(); {
	case n == int64(len(refs)):
		return nil
	case n == 0:
		return ErrVersionConflict
	default:
		return fmt.Errorf("%w: consumed %d of %d units", ErrPartialWrite, n, len(refs))
	}
}

// Claim bumps the version of an unconsumed unit
func (r *pgUnitRepository) Claim(ctx context.Context, ref models.Ref) error {
	query := `UPDATE units SET version = version + 1 WHERE id = $1 AND version = $2 AND NOT is_consumed`

	tag, err := r.q.Exec(ctx, query, ref.ID, ref.Version)
	if err != nil {
		return fmt.Errorf("failed to claim unit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// DeleteMany removes unconsumed units
func (r *pgUnitRepository) DeleteMany(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	tag, err := r.q.Exec(ctx, `DELETE FROM units WHERE id = ANY($1) AND NOT is_consumed`, ids)
	if err != nil {
		return fmt.Errorf("failed to delete units: %w", err)
	}
	if tag.RowsAffected() != int64(len(ids)) {
		return fmt.Errorf("deleted %d of %d units", tag.RowsAffected(), len(ids))
	}
	return nil
}

// pgEdgeRepository handles database operations for lineage edges
type pgEdgeRepository struct {
	q querier
}

// InsertGenealogy appends split ledger rows in one batch
func (r *pgEdgeRepository) InsertGenealogy(ctx context.Context, edges []models.GenealogyEdge) error {
	query := `
		INSERT INTO genealogy_edges (child_unit_id, parent_unit_id, quantity_consumed, uom,
		                             work_order_id, operation_sequence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	batch := &pgx.Batch{}
	for _, e := range edges {
		batch.Queue(query, e.ChildUnitID, e.ParentUnitID, e.QuantityConsumed.String(), e.UOM,
			e.WorkOrderID, e.OperationSequence, e.CreatedAt)
	}
	if err := r.q.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert genealogy edges: %w", err)
	}
	return nil
}

// InsertComposition appends merge ledger rows in one batch
func (r *pgEdgeRepository) InsertComposition(ctx context.Context, edges []models.CompositionEdge) error {
	query := `
		INSERT INTO composition_edges (input_unit_id, output_unit_id, qty, uom, op_seq, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	batch := &pgx.Batch{}
	for _, e := range edges {
		batch.Queue(query, e.InputUnitID, e.OutputUnitID, e.Qty.String(), e.UOM, e.OpSeq, e.CreatedAt)
	}
	if err := r.q.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert composition edges: %w", err)
	}
	return nil
}

// DeleteGenealogyByChildren removes split ledger rows for compensated children
func (r *pgEdgeRepository) DeleteGenealogyByChildren(ctx context.Context, childIDs []uuid.UUID) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM genealogy_edges WHERE child_unit_id = ANY($1)`, childIDs); err != nil {
		return fmt.Errorf("failed to delete genealogy edges: %w", err)
	}
	return nil
}

// DeleteCompositionByOutput removes merge ledger rows for a compensated output
func (r *pgEdgeRepository) DeleteCompositionByOutput(ctx context.Context, outputID uuid.UUID) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM composition_edges WHERE output_unit_id = $1`, outputID); err != nil {
		return fmt.Errorf("failed to delete composition edges: %w", err)
	}
	return nil
}

const compositionColumns = `input_unit_id, output_unit_id, qty, uom, op_seq, created_at`

func (r *pgEdgeRepository) CompositionFromInputs(ctx context.Context, inputIDs []uuid.UUID) ([]models.CompositionEdge, error) {
	query := `SELECT ` + compositionColumns + ` FROM composition_edges
		WHERE input_unit_id = ANY($1) ORDER BY created_at, op_seq`
	return r.queryComposition(ctx, query, inputIDs)
}

func (r *pgEdgeRepository) CompositionToOutputs(ctx context.Context, outputIDs []uuid.UUID) ([]models.CompositionEdge, error) {
	query := `SELECT ` + compositionColumns + ` FROM composition_edges
		WHERE output_unit_id = ANY($1) ORDER BY created_at, op_seq`
	return r.queryComposition(ctx, query, outputIDs)
}

func (r *pgEdgeRepository) queryComposition(ctx context.Context, query string, ids []uuid.UUID) ([]models.CompositionEdge, error) {
	edges := []models.CompositionEdge{}
	if len(ids) == 0 {
		return edges, nil
	}
	rows, err := r.q.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query composition edges: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e   models.CompositionEdge
			qty pgtype.Numeric
		)
		if err := rows.Scan(&e.InputUnitID, &e.OutputUnitID, &qty, &e.UOM, &e.OpSeq, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan composition edge: %w", err)
		}
		e.Qty = numericToDecimal(qty)
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate composition edges: %w", err)
	}
	return edges, nil
}

const genealogyColumns = `child_unit_id, parent_unit_id, quantity_consumed, uom, work_order_id, operation_sequence, created_at`

func (r *pgEdgeRepository) GenealogyFromParents(ctx context.Context, parentIDs []uuid.UUID) ([]models.GenealogyEdge, error) {
	query := `SELECT ` + genealogyColumns + ` FROM genealogy_edges
		WHERE parent_unit_id = ANY($1) ORDER BY created_at, child_unit_id`
	return r.queryGenealogy(ctx, query, parentIDs)
}

func (r *pgEdgeRepository) GenealogyToChildren(ctx context.Context, childIDs []uuid.UUID) ([]models.GenealogyEdge, error) {
	query := `SELECT ` + genealogyColumns + ` FROM genealogy_edges
		WHERE child_unit_id = ANY($1) ORDER BY created_at, child_unit_id`
	return r.queryGenealogy(ctx, query, childIDs)
}

func (r *pgEdgeRepository) queryGenealogy(ctx context.Context, query string, ids []uuid.UUID) ([]models.GenealogyEdge, error) {
	edges := []models.GenealogyEdge{}
	if len(ids) == 0 {
		return edges, nil
	}
	rows, err := r.q.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query genealogy edges: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e   models.GenealogyEdge
			qty pgtype.Numeric
		)
		if err := rows.Scan(&e.ChildUnitID, &e.ParentUnitID, &qty, &e.UOM,
			&e.WorkOrderID, &e.OperationSequence, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan genealogy edge: %w", err)
		}
		e.QuantityConsumed = numericToDecimal(qty)
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate genealogy edges: %w", err)
	}
	return edges, nil
}

func scanUnit(row pgx.Row) (*models.Unit, error) {
	var (
		u          models.Unit
		qty        pgtype.Numeric
		qaStatus   string
		originType string
		originRef  []byte
	)
	err := row.Scan(
		&u.ID,
		&u.UnitNumber,
		&u.ProductID,
		&u.LocationID,
		&qty,
		&u.UOM,
		&u.Batch,
		&u.ExpiryDate,
		&qaStatus,
		&u.StageSuffix,
		&u.ParentUnitID,
		&u.IsConsumed,
		&u.ConsumedAt,
		&u.ConsumedBy,
		&originType,
		&originRef,
		&u.Version,
		&u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	u.Quantity = numericToDecimal(qty)
	u.QAStatus = models.QAStatus(qaStatus)
	u.Origin, err = models.DecodeOrigin(models.OriginType(originType), originRef)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func insertArgs(unit *models.Unit) ([]any, error) {
	if unit.ID == uuid.Nil {
		unit.ID = uuid.New()
	}
	originType, originRef, err := models.EncodeOrigin(unit.Origin)
	if err != nil {
		return nil, fmt.Errorf("failed to encode origin: %w", err)
	}
	if unit.CreatedAt.IsZero() {
		unit.CreatedAt = time.Now().UTC()
	}
	unit.Version = 1
	return []any{
		unit.ID,
		unit.UnitNumber,
		unit.ProductID,
		unit.LocationID,
		unit.Quantity.String(),
		unit.UOM,
		unit.Batch,
		unit.ExpiryDate,
		string(unit.QAStatus),
		unit.StageSuffix,
		unit.ParentUnitID,
		string(originType),
		originRef,
		unit.CreatedAt,
	}, nil
}

func classifyInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "units_unit_number_key" {
		return fmt.Errorf("%w: %s", ErrDuplicateNumber, pgErr.Detail)
	}
	return fmt.Errorf("failed to insert unit: %w", err)
}

func numericToDecimal(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}
