// Package errors defines the failure taxonomy of a stitch call.
//
// Every error returned by the pair graph builder, the stage registry and the
// stitcher before any strategy runs is one of the typed errors below. Each
// type matches its sentinel through errors.Is, so callers can branch on the
// category without caring about the details:
//
//	if errors.Is(err, errors.ErrDisconnectedMosaic) { ... }
//
//	var disc *errors.DisconnectedMosaicError
//	if errors.As(err, &disc) {
//		log.Warn("isolated tiles", "components", disc.Components)
//	}
//
// Errors raised inside strategies are not part of this taxonomy; they are
// returned to the caller untouched.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions so callers need a single import.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Sentinels for errors.Is checks.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNoOverlap          = errors.New("no overlapping tile pairs")
	ErrDisconnectedMosaic = errors.New("disconnected mosaic")
	ErrUnknownStrategy    = errors.New("unknown strategy")
)

// InvalidInputError reports malformed or contradictory stitch arguments.
type InvalidInputError struct {
	Condition string
}

// NewInvalidInput formats the violated condition.
func NewInvalidInput(format string, args ...any) *InvalidInputError {
	return &InvalidInputError{Condition: fmt.Sprintf(format, args...)}
}

func (e *InvalidInputError) Error() string {
	return "invalid input: " + e.Condition
}

func (e *InvalidInputError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NoOverlapError is returned when no tile pair satisfies the adjacency rule.
type NoOverlapError struct {
	Tiles int
	// Mode is "grid" when grid indices decided adjacency, "overlap" otherwise.
	Mode string
}

func (e *NoOverlapError) Error() string {
	return fmt.Sprintf("no overlapping tile pairs among %d tiles (%s adjacency)", e.Tiles, e.Mode)
}

func (e *NoOverlapError) Is(target error) bool {
	return target == ErrNoOverlap
}

// DisconnectedMosaicError is returned when the adjacency graph splits into
// more than one connected component. Components holds the sorted tile ids of
// each component, largest first.
type DisconnectedMosaicError struct {
	Components [][]int
}

// Count returns the number of connected components.
func (e *DisconnectedMosaicError) Count() int {
	return len(e.Components)
}

func (e *DisconnectedMosaicError) Error() string {
	parts := make([]string, 0, len(e.Components))
	for _, c := range e.Components {
		parts = append(parts, fmt.Sprint(c))
	}
	return fmt.Sprintf("mosaic splits into %d connected components: %s", e.Count(), strings.Join(parts, " "))
}

func (e *DisconnectedMosaicError) Is(target error) bool {
	return target == ErrDisconnectedMosaic
}

// UnknownStrategyError is returned when a configured strategy name does not
// resolve in the registry for its role.
type UnknownStrategyError struct {
	Role  string
	Key   string
	Known []string
}

func (e *UnknownStrategyError) Error() string {
	msg := fmt.Sprintf("unknown %s strategy %q", e.Role, e.Key)
	if len(e.Known) > 0 {
		msg += fmt.Sprintf(" (known: %s)", strings.Join(e.Known, ", "))
	}
	return msg
}

func (e *UnknownStrategyError) Is(target error) bool {
	return target == ErrUnknownStrategy
}

// IsUserFacing reports whether err stems from the caller's input rather than
// from a failing strategy or the environment.
func IsUserFacing(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrNoOverlap) ||
		errors.Is(err, ErrDisconnectedMosaic) ||
		errors.Is(err, ErrUnknownStrategy)
}
