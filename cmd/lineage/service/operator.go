package service

import (
	"context"
	"errors"
	"time"

	"github.com/juju/clock"
	"github.com/lyzr/lineage/cmd/lineage/repository"
	"github.com/lyzr/lineage/common/lock"
	"github.com/lyzr/lineage/common/logger"
	"github.com/lyzr/lineage/common/metrics"
	"github.com/shopspring/decimal"
)

// quantityTolerance absorbs rounding in client-side quantity arithmetic
var quantityTolerance = decimal.New(1, -4)

// writeDeps are shared by the split and merge operators
type writeDeps struct {
	store         repository.Store
	seq           *SequenceGenerator
	clock         clock.Clock
	incidents     *incidents
	locker        lock.Locker
	lockTTL       time.Duration
	transactional bool
	metrics       *metrics.Metrics
	log           *logger.Logger
}

// txStore returns the store as a TxStore when atomic writes are enabled
// and supported
func (d *writeDeps) txStore() (repository.TxStore, bool) {
	if !d.transactional {
		return nil, false
	}
	txs, ok := d.store.(repository.TxStore)
	return txs, ok
}

// acquire takes the writer locks for keys. A lock held elsewhere is a
// concurrent modification.
func (d *writeDeps) acquire(ctx context.Context, op string, keys []string) (lock.Held, error) {
	held, err := d.locker.Acquire(ctx, keys, d.lockTTL)
	if errors.Is(err, lock.ErrNotObtained) {
		return nil, newError(KindConcurrentModification, op, "units are being modified by another operation")
	}
	if err != nil {
		return nil, d.incidents.persistence(op, err)
	}
	return held, nil
}

func (d *writeDeps) release(held lock.Held) {
	if err := held.Release(context.Background()); err != nil {
		d.log.Warn("failed to release unit locks", "error", err)
	}
}

// unitNumbers draws n unique unit numbers
func (d *writeDeps) unitNumbers(ctx context.Context, op string, n int) ([]string, error) {
	numbers := make([]string, 0, n)
	for i := 0; i < n; i++ {
		number, err := d.seq.NextUniqueUnitNumber(ctx)
		if err != nil {
			var le *LineageError
			if errors.As(err, &le) {
				le.Op = op
				return nil, le
			}
			return nil, d.incidents.persistence(op, err)
		}
		numbers = append(numbers, number)
	}
	return numbers, nil
}

// txFailure maps an error out of a rolled-back transaction. Nothing was
// written, so it is never a partial failure.
func (d *writeDeps) txFailure(op string, err error) error {
	var le *LineageError
	if errors.As(err, &le) {
		return le
	}
	if errors.Is(err, repository.ErrVersionConflict) {
		return newError(KindConcurrentModification, op, "units were modified concurrently, retry the operation")
	}
	return d.incidents.persistence(op, err)
}

// partialFailure reports writes that could not be undone
func (d *writeDeps) partialFailure(op string, log *logger.Logger, err, compErr error) error {
	d.metrics.Compensation(op, "partial")
	le := d.incidents.partial(op, errors.Join(err, compErr))
	log.Error(op+" left partially applied", "incident", le.Incident, "error", err, "compensation_error", compErr)
	return le
}
