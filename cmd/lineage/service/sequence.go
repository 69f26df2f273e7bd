package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/lyzr/lineage/cmd/lineage/repository"
	"github.com/lyzr/lineage/common/logger"
	"github.com/lyzr/lineage/common/metrics"
)

// Counter is an atomic per-day increment. Implementations must never hand
// out the same value twice for one (prefix, day).
type Counter interface {
	Next(ctx context.Context, prefix string, day time.Time) (int64, error)
}

// SequenceOptions configures unit number generation
type SequenceOptions struct {
	Prefix      string
	Location    *time.Location
	MaxAttempts int
	RetryDelay  time.Duration
}

// SequenceGenerator produces PREFIX-YYYYMMDD-NNN unit numbers
type SequenceGenerator struct {
	counter Counter
	units   repository.UnitRepository
	clock   clock.Clock
	opts    SequenceOptions
	metrics *metrics.Metrics
	log     *logger.Logger

	// retries sleep on the wall clock so a frozen test clock for the date
	// does not block them
	retryClock clock.Clock
}

var errCollision = errors.New("unit number collision")

// NewSequenceGenerator creates a generator. clk decides the calendar day.
func NewSequenceGenerator(counter Counter, units repository.UnitRepository, clk clock.Clock, opts SequenceOptions, m *metrics.Metrics, log *logger.Logger) *SequenceGenerator {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Millisecond
	}
	return &SequenceGenerator{
		counter:    counter,
		units:      units,
		clock:      clk,
		opts:       opts,
		metrics:    m,
		log:        log,
		retryClock: clock.WallClock,
	}
}

// NextUnitNumber advances today's counter and formats the result. The
// counter always moves forward, so a number is never handed out twice even
// when the operation that took it is rolled back.
func (g *SequenceGenerator) NextUnitNumber(ctx context.Context) (string, error) {
	now := g.clock.Now().In(g.opts.Location)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, g.opts.Location)

	n, err := g.counter.Next(ctx, g.opts.Prefix, day)
	if err != nil {
		return "", err
	}
	return FormatUnitNumber(g.opts.Prefix, day, n), nil
}

// ValidateUniqueness reports whether number is still unused
func (g *SequenceGenerator) ValidateUniqueness(ctx context.Context, number string) (bool, error) {
	exists, err := g.units.NumberExists(ctx, number)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

// NextUniqueUnitNumber generates numbers until one passes the uniqueness
// check, up to MaxAttempts. Exhaustion is a SequenceExhausted error; counter
// or lookup failures are returned unwrapped.
func (g *SequenceGenerator) NextUniqueUnitNumber(ctx context.Context) (string, error) {
	var number string

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			candidate, err := g.NextUnitNumber(ctx)
			if err != nil {
				return err
			}
			unique, err := g.ValidateUniqueness(ctx, candidate)
			if err != nil {
				return err
			}
			if !unique {
				return fmt.Errorf("%w: %s", errCollision, candidate)
			}
			number = candidate
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errCollision)
		},
		NotifyFunc: func(err error, attempt int) {
			g.metrics.SequenceCollision()
			g.log.Warn("unit number collision, retrying", "attempt", attempt, "error", err)
		},
		Attempts: g.opts.MaxAttempts,
		Delay:    g.opts.RetryDelay,
		Clock:    g.retryClock,
		Stop:     ctx.Done(),
	})

	switch {
	case err == nil:
		return number, nil
	case retry.IsAttemptsExceeded(err):
		return "", newError(KindSequenceExhausted, "next_unit_number",
			"no unique unit number after %d attempts", g.opts.MaxAttempts)
	case retry.IsRetryStopped(err):
		return "", ctx.Err()
	default:
		return "", err
	}
}

// FormatUnitNumber renders PREFIX-YYYYMMDD-NNN. NNN widens past 999.
func FormatUnitNumber(prefix string, day time.Time, n int64) string {
	return fmt.Sprintf("%s-%s-%03d", prefix, day.Format("20060102"), n)
}

// ParseUnitNumber splits a unit number into its prefix, day and counter
func ParseUnitNumber(number string) (prefix string, day time.Time, n int64, err error) {
	parts := strings.Split(number, "-")
	if len(parts) != 3 || parts[0] == "" || len(parts[2]) < 3 {
		return "", time.Time{}, 0, fmt.Errorf("malformed unit number: %q", number)
	}
	day, err = time.Parse("20060102", parts[1])
	if err != nil {
		return "", time.Time{}, 0, fmt.Errorf("malformed unit number date: %q", number)
	}
	n, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil || n < 1 {
		return "", time.Time{}, 0, fmt.Errorf("malformed unit number counter: %q", number)
	}
	return parts[0], day, n, nil
}
