package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/lineage/cmd/lineage/models"
)

// MemoryStore is an in-process TxStore for local runs and tests. A
// transaction holds the store lock and restores a snapshot on error.
type MemoryStore struct {
	mu sync.Mutex
	st *memState
}

type memState struct {
	units       map[uuid.UUID]*models.Unit
	byNumber    map[string]uuid.UUID
	composition []models.CompositionEdge
	genealogy   []models.GenealogyEdge
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: newMemState()}
}

func newMemState() *memState {
	return &memState{
		units:    make(map[uuid.UUID]*models.Unit),
		byNumber: make(map[string]uuid.UUID),
	}
}

func (st *memState) clone() *memState {
	c := &memState{
		units:       make(map[uuid.UUID]*models.Unit, len(st.units)),
		byNumber:    make(map[string]uuid.UUID, len(st.byNumber)),
		composition: append([]models.CompositionEdge(nil), st.composition...),
		genealogy:   append([]models.GenealogyEdge(nil), st.genealogy...),
	}
	for id, u := range st.units {
		cp := *u
		c.units[id] = &cp
	}
	for n, id := range st.byNumber {
		c.byNumber[n] = id
	}
	return c
}

// access runs fn against the live state; the locked store takes the mutex,
// a transaction view already holds it
type access func(fn func(st *memState) error) error

func (s *MemoryStore) locked(fn func(st *memState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

func (s *MemoryStore) Units() UnitRepository { return &memUnitRepository{with: s.locked} }
func (s *MemoryStore) Edges() EdgeRepository { return &memEdgeRepository{with: s.locked} }

// InTx runs fn with exclusive access. Every write fn made is discarded when
// it returns an error.
func (s *MemoryStore) InTx(ctx context.Context, fn func(Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	view := &memTxStore{st: s.st}
	if err := fn(view); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

type memTxStore struct {
	st *memState
}

func (t *memTxStore) direct(fn func(st *memState) error) error { return fn(t.st) }

func (t *memTxStore) Units() UnitRepository { return &memUnitRepository{with: t.direct} }
func (t *memTxStore) Edges() EdgeRepository { return &memEdgeRepository{with: t.direct} }

type memUnitRepository struct {
	with access
}

func (r *memUnitRepository) Get(ctx context.Context, id uuid.UUID) (*models.Unit, error) {
	var out *models.Unit
	err := r.with(func(st *memState) error {
		u, ok := st.units[id]
		if !ok {
			return ErrNotFound
		}
		cp := *u
		out = &cp
		return nil
	})
	return out, err
}

func (r *memUnitRepository) GetByNumber(ctx context.Context, number string) (*models.Unit, error) {
	var out *models.Unit
	err := r.with(func(st *memState) error {
		id, ok := st.byNumber[number]
		if !ok {
			return ErrNotFound
		}
		cp := *st.units[id]
		out = &cp
		return nil
	})
	return out, err
}

func (r *memUnitRepository) GetMany(ctx context.Context, ids []uuid.UUID) ([]*models.Unit, error) {
	var out []*models.Unit
	err := r.with(func(st *memState) error {
		for _, id := range ids {
			if u, ok := st.units[id]; ok {
				cp := *u
				out = append(out, &cp)
			}
		}
		return nil
	})
	return out, err
}

func (r *memUnitRepository) NumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := r.with(func(st *memState) error {
		_, exists = st.byNumber[number]
		return nil
	})
	return exists, err
}

func (r *memUnitRepository) Insert(ctx context.Context, unit *models.Unit) (uuid.UUID, error) {
	ids, err := r.InsertMany(ctx, []*models.Unit{unit})
	if err != nil {
		return uuid.Nil, err
	}
	return ids[0], nil
}

func (r *memUnitRepository) InsertMany(ctx context.Context, units []*models.Unit) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(units))
	err := r.with(func(st *memState) error {
		seen := make(map[string]bool, len(units))
		for _, u := range units {
			if _, _, err := models.EncodeOrigin(u.Origin); err != nil {
				return fmt.Errorf("failed to encode origin: %w", err)
			}
			if _, taken := st.byNumber[u.UnitNumber]; taken || seen[u.UnitNumber] {
				return fmt.Errorf("%w: %s", ErrDuplicateNumber, u.UnitNumber)
			}
			seen[u.UnitNumber] = true
		}

		for _, u := range units {
			if u.ID == uuid.Nil {
				u.ID = uuid.New()
			}
			if u.CreatedAt.IsZero() {
				u.CreatedAt = time.Now().UTC()
			}
			u.Version = 1
			cp := *u
			st.units[u.ID] = &cp
			st.byNumber[u.UnitNumber] = u.ID
			ids = append(ids, u.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *memUnitRepository) MarkConsumed(ctx context.Context, ref models.Ref, by string, at time.Time) error {
	return r.MarkConsumedMany(ctx, []models.Ref{ref}, by, at)
}

func (r *memUnitRepository) MarkConsumedMany(ctx context.Context, refs []models.Ref, by string, at time.Time) error {
	return r.with(func(st *memState) error {
		for _, ref := range refs {
			u, ok := st.units[ref.ID]
			if !ok || u.Version != ref.Version || u.IsConsumed {
				return ErrVersionConflict
			}
		}
		for _, ref := range refs {
			u := st.units[ref.ID]
			consumedAt, consumedBy := at, by
			u.IsConsumed = true
			u.ConsumedAt = &consumedAt
			u.ConsumedBy = &consumedBy
			u.Version++
		}
		return nil
	})
}

func (r *memUnitRepository) Claim(ctx context.Context, ref models.Ref) error {
	return r.with(func(st *memState) error {
		u, ok := st.units[ref.ID]
		if !ok || u.Version != ref.Version || u.IsConsumed {
			return ErrVersionConflict
		}
		u.Version++
		return nil
	})
}

func (r *memUnitRepository) DeleteMany(ctx context.Context, ids []uuid.UUID) error {
	return r.with(func(st *memState) error {
		for _, id := range ids {
			u, ok := st.units[id]
			if !ok || u.IsConsumed {
				return fmt.Errorf("cannot delete unit %s", id)
			}
		}
		for _, id := range ids {
			delete(st.byNumber, st.units[id].UnitNumber)
			delete(st.units, id)
		}
		return nil
	})
}

type memEdgeRepository struct {
	with access
}

func (r *memEdgeRepository) InsertGenealogy(ctx context.Context, edges []models.GenealogyEdge) error {
	return r.with(func(st *memState) error {
		for _, e := range edges {
			if _, ok := st.units[e.ChildUnitID]; !ok {
				return fmt.Errorf("genealogy child %s: %w", e.ChildUnitID, ErrNotFound)
			}
			if _, ok := st.units[e.ParentUnitID]; !ok {
				return fmt.Errorf("genealogy parent %s: %w", e.ParentUnitID, ErrNotFound)
			}
		}
		st.genealogy = append(st.genealogy, edges...)
		return nil
	})
}

func (r *memEdgeRepository) InsertComposition(ctx context.Context, edges []models.CompositionEdge) error {
	return r.with(func(st *memState) error {
		for _, e := range edges {
			if _, ok := st.units[e.InputUnitID]; !ok {
				return fmt.Errorf("composition input %s: %w", e.InputUnitID, ErrNotFound)
			}
			if _, ok := st.units[e.OutputUnitID]; !ok {
				return fmt.Errorf("composition output %s: %w", e.OutputUnitID, ErrNotFound)
			}
		}
		st.composition = append(st.composition, edges...)
		return nil
	})
}

func (r *memEdgeRepository) DeleteGenealogyByChildren(ctx context.Context, childIDs []uuid.UUID) error {
	drop := idSet(childIDs)
	return r.with(func(st *memState) error {
		kept := st.genealogy[:0:0]
		for _, e := range st.genealogy {
			if !drop[e.ChildUnitID] {
				kept = append(kept, e)
			}
		}
		st.genealogy = kept
		return nil
	})
}

func (r *memEdgeRepository) DeleteCompositionByOutput(ctx context.Context, outputID uuid.UUID) error {
	return r.with(func(st *memState) error {
		kept := st.composition[:0:0]
		for _, e := range st.composition {
			if e.OutputUnitID != outputID {
				kept = append(kept, e)
			}
		}
		st.composition = kept
		return nil
	})
}

func (r *memEdgeRepository) CompositionFromInputs(ctx context.Context, inputIDs []uuid.UUID) ([]models.CompositionEdge, error) {
	want := idSet(inputIDs)
	return r.composition(func(e models.CompositionEdge) bool { return want[e.InputUnitID] })
}

func (r *memEdgeRepository) CompositionToOutputs(ctx context.Context, outputIDs []uuid.UUID) ([]models.CompositionEdge, error) {
	want := idSet(outputIDs)
	return r.composition(func(e models.CompositionEdge) bool { return want[e.OutputUnitID] })
}

func (r *memEdgeRepository) composition(match func(models.CompositionEdge) bool) ([]models.CompositionEdge, error) {
	out := []models.CompositionEdge{}
	err := r.with(func(st *memState) error {
		for _, e := range st.composition {
			if match(e) {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

func (r *memEdgeRepository) GenealogyFromParents(ctx context.Context, parentIDs []uuid.UUID) ([]models.GenealogyEdge, error) {
	want := idSet(parentIDs)
	return r.genealogy(func(e models.GenealogyEdge) bool { return want[e.ParentUnitID] })
}

func (r *memEdgeRepository) GenealogyToChildren(ctx context.Context, childIDs []uuid.UUID) ([]models.GenealogyEdge, error) {
	want := idSet(childIDs)
	return r.genealogy(func(e models.GenealogyEdge) bool { return want[e.ChildUnitID] })
}

func (r *memEdgeRepository) genealogy(match func(models.GenealogyEdge) bool) ([]models.GenealogyEdge, error) {
	out := []models.GenealogyEdge{}
	err := r.with(func(st *memState) error {
		for _, e := range st.genealogy {
			if match(e) {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

func idSet(ids []uuid.UUID) map[uuid.UUID]bool {
	set := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
