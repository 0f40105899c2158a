package keeper

import (
	"errors"
	"fmt"

	"lp-hedge-bot/lpmath"
)

// ErrorKind classifies why a cycle failed.
type ErrorKind int

const (
	// Connectivity: a collaborator could not be read. Nothing was mutated.
	Connectivity ErrorKind = iota + 1
	// Configuration: a quote was zero or missing, dependent work was skipped.
	Configuration
	// Computation: the math or a validation failed before any mutation.
	Computation
	// Venue: a mutating call failed. State may have diverged from the store.
	Venue
)

func (k ErrorKind) String() string {
	switch k {
	case Connectivity:
		return "connectivity"
	case Configuration:
		return "configuration"
	case Computation:
		return "computation"
	case Venue:
		return "venue"
	default:
		return "unknown"
	}
}

var (
	ErrZeroPrice      = errors.New("zero or missing price")
	ErrNothingToMint  = errors.New("no tokens to redeploy")
	ErrNoPosition     = errors.New("no stored position")
	ErrInvalidAmounts = errors.New("invalid token amounts")
)

// CycleError is the error a cycle ends with.
type CycleError struct {
	Kind ErrorKind
	Step string
	Err  error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Step, e.Kind, e.Err)
}

func (e *CycleError) Unwrap() error { return e.Err }

func fail(kind ErrorKind, step string, err error) error {
	return &CycleError{Kind: kind, Step: step, Err: err}
}

// quoteFailure classifies a failed price read. Sources that report a missing
// or non-positive quote wrap lpmath.ErrNonPositivePrice.
func quoteFailure(step string, err error) error {
	if errors.Is(err, lpmath.ErrNonPositivePrice) {
		return fail(Configuration, step, err)
	}
	return fail(Connectivity, step, err)
}

// KindOf extracts the ErrorKind from err.
func KindOf(err error) (ErrorKind, bool) {
	var ce *CycleError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}
