package service

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/bwmarrin/snowflake"
)

// ErrorKind classifies every failure a lineage operation can return
type ErrorKind string

const (
	KindNotFound               ErrorKind = "not_found"
	KindAlreadyConsumed        ErrorKind = "already_consumed"
	KindInvalidQuantity        ErrorKind = "invalid_quantity"
	KindQuantityExceeded       ErrorKind = "quantity_exceeded"
	KindIncompatibleInputs     ErrorKind = "incompatible_inputs"
	KindSequenceExhausted      ErrorKind = "sequence_exhausted"
	KindConcurrentModification ErrorKind = "concurrent_modification"
	// Clean abort: nothing was written, or everything written was compensated
	KindPersistence ErrorKind = "persistence_error"
	// Some writes landed and could not be undone; needs manual reconciliation
	KindPartialFailure ErrorKind = "partial_failure"
)

// Sentinels for errors.Is
var (
	ErrNotFound               = &LineageError{Kind: KindNotFound}
	ErrAlreadyConsumed        = &LineageError{Kind: KindAlreadyConsumed}
	ErrInvalidQuantity        = &LineageError{Kind: KindInvalidQuantity}
	ErrQuantityExceeded       = &LineageError{Kind: KindQuantityExceeded}
	ErrIncompatibleInputs     = &LineageError{Kind: KindIncompatibleInputs}
	ErrSequenceExhausted      = &LineageError{Kind: KindSequenceExhausted}
	ErrConcurrentModification = &LineageError{Kind: KindConcurrentModification}
	ErrPersistence            = &LineageError{Kind: KindPersistence}
	ErrPartialFailure         = &LineageError{Kind: KindPartialFailure}
)

// LineageError is the tagged error returned by the engine
type LineageError struct {
	Kind    ErrorKind
	Op      string
	Message string
	// Incident is set for persistence and partial failures so operators
	// can find the matching log lines
	Incident string
	Err      error
}

func (e *LineageError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Incident != "" {
		msg += " (incident " + e.Incident + ")"
	}
	return msg
}

func (e *LineageError) Unwrap() error { return e.Err }

// Is matches any LineageError of the same kind
func (e *LineageError) Is(target error) bool {
	t, ok := target.(*LineageError)
	return ok && t.Kind == e.Kind
}

// RequiresReconciliation is true only for partial failures
func (e *LineageError) RequiresReconciliation() bool {
	return e.Kind == KindPartialFailure
}

// KindOf returns the kind of a LineageError in err's chain, or "" otherwise
func KindOf(err error) ErrorKind {
	var le *LineageError
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

func newError(kind ErrorKind, op, format string, args ...any) *LineageError {
	return &LineageError{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// incidents issues references for infrastructure failures
type incidents struct {
	node *snowflake.Node
}

func newIncidents(nodeID int64) (*incidents, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create incident node: %w", err)
	}
	return &incidents{node: node}, nil
}

func (i *incidents) next() string {
	return strconv.FormatInt(i.node.Generate().Int64(), 36)
}

// persistence wraps an infrastructure error with a generic message and a
// fresh incident reference
func (i *incidents) persistence(op string, err error) *LineageError {
	return &LineageError{
		Kind:     KindPersistence,
		Op:       op,
		Message:  "storage failure, no changes were made",
		Incident: i.next(),
		Err:      err,
	}
}

func (i *incidents) partial(op string, err error) *LineageError {
	return &LineageError{
		Kind:     KindPartialFailure,
		Op:       op,
		Message:  "operation partially applied and requires reconciliation",
		Incident: i.next(),
		Err:      err,
	}
}
