package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/lineage/cmd/lineage/models"
)

var (
	// ErrNotFound is returned when a requested unit does not exist
	ErrNotFound = errors.New("unit not found")

	// ErrVersionConflict is returned when a presented version token is stale
	// or the unit is already consumed. Nothing was written.
	ErrVersionConflict = errors.New("version conflict")

	// ErrPartialWrite is returned when a batch write applied to some rows but
	// not all and the store could not undo it
	ErrPartialWrite = errors.New("batch write partially applied")

	// ErrDuplicateNumber is returned when a unit number is already taken
	ErrDuplicateNumber = errors.New("unit number already exists")
)

// UnitRepository is pure persistence for units. No business rules live here.
type UnitRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Unit, error)
	GetByNumber(ctx context.Context, number string) (*models.Unit, error)
	// GetMany returns the units that exist, in the order of ids. Missing ids
	// are skipped, so callers compare lengths.
	GetMany(ctx context.Context, ids []uuid.UUID) ([]*models.Unit, error)
	NumberExists(ctx context.Context, number string) (bool, error)

	Insert(ctx context.Context, unit *models.Unit) (uuid.UUID, error)
	// InsertMany inserts all units or none
	InsertMany(ctx context.Context, units []*models.Unit) ([]uuid.UUID, error)

	// MarkConsumed flips is_consumed for ref if its version still matches
	MarkConsumed(ctx context.Context, ref models.Ref, by string, at time.Time) error
	// MarkConsumedMany consumes every ref or none (ErrVersionConflict); a
	// store that cannot guarantee that reports ErrPartialWrite
	MarkConsumedMany(ctx context.Context, refs []models.Ref, by string, at time.Time) error
	// Claim bumps the version of an unconsumed unit, fencing out writers
	// holding the old token
	Claim(ctx context.Context, ref models.Ref) error

	// DeleteMany removes unconsumed units. Compensation only.
	DeleteMany(ctx context.Context, ids []uuid.UUID) error
}

// EdgeRepository persists the append-only lineage ledgers
type EdgeRepository interface {
	InsertGenealogy(ctx context.Context, edges []models.GenealogyEdge) error
	InsertComposition(ctx context.Context, edges []models.CompositionEdge) error

	// Compensation only
	DeleteGenealogyByChildren(ctx context.Context, childIDs []uuid.UUID) error
	DeleteCompositionByOutput(ctx context.Context, outputID uuid.UUID) error

	// Level-wise reads for lineage traversal. Results are ordered by
	// creation, then op_seq.
	CompositionFromInputs(ctx context.Context, inputIDs []uuid.UUID) ([]models.CompositionEdge, error)
	CompositionToOutputs(ctx context.Context, outputIDs []uuid.UUID) ([]models.CompositionEdge, error)
	GenealogyFromParents(ctx context.Context, parentIDs []uuid.UUID) ([]models.GenealogyEdge, error)
	GenealogyToChildren(ctx context.Context, childIDs []uuid.UUID) ([]models.GenealogyEdge, error)
}

// Store groups the repositories one operation writes through
type Store interface {
	Units() UnitRepository
	Edges() EdgeRepository
}

// TxStore is a Store that can run fn atomically. fn's Store is bound to the
// transaction; any error rolls everything back.
type TxStore interface {
	Store
	InTx(ctx context.Context, fn func(Store) error) error
}
