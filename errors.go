package stateest

import "fmt"

// Kind classifies a solve failure into one of the four kinds spec.md §7
// requires callers to distinguish programmatically.
type Kind int

const (
	// KindInvalidInput covers err_tol <= 0, max_iter < 1, negative
	// variance, or mismatched array sizes; surfaced before the first
	// iteration runs.
	KindInvalidInput Kind = iota
	// KindIterationDiverge means num_iter reached max_iter without
	// max_dev <= err_tol.
	KindIterationDiverge
	// KindSingularMatrix is propagated from the block LU solver when a
	// pivot block is singular within tolerance.
	KindSingularMatrix
	// KindNotObservable means assembly detected no measurement coverage
	// touching a connected bus component.
	KindNotObservable
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "InvalidInput"
	case KindIterationDiverge:
		return "IterationDiverge"
	case KindSingularMatrix:
		return "SingularMatrix"
	case KindNotObservable:
		return "NotObservable"
	default:
		return "Unknown"
	}
}

// SolveError is the error type every solver failure mode in this package
// returns (RunStateEstimation and BlockLU); PlotConvergence returns plain
// wrapped errors instead.
// Callers distinguish kinds with errors.Is against the sentinel values below,
// or by type-asserting *SolveError for the diagnostic fields.
type SolveError struct {
	Kind Kind

	// Diagnostics, populated depending on Kind.
	MaxIter   int
	ErrTol    float64
	MaxDev    float64
	Bus       int
	Row       int
	Col       int
	Reason    string
}

func (e *SolveError) Error() string {
	switch e.Kind {
	case KindIterationDiverge:
		return fmt.Sprintf("state estimation did not converge: max_iter=%d reached, max_dev=%g > err_tol=%g",
			e.MaxIter, e.MaxDev, e.ErrTol)
	case KindSingularMatrix:
		return fmt.Sprintf("singular pivot block at row %d, col %d: %s", e.Row, e.Col, e.Reason)
	case KindNotObservable:
		return fmt.Sprintf("bus %d is not observable: %s", e.Bus, e.Reason)
	default:
		return fmt.Sprintf("invalid input: %s", e.Reason)
	}
}

// Is enables errors.Is(err, ErrIterationDiverge) style checks against the
// sentinels declared below.
func (e *SolveError) Is(target error) bool {
	other, ok := target.(*SolveError)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// Sentinel values for errors.Is comparisons; only Kind is significant.
var (
	ErrIterationDiverge = &SolveError{Kind: KindIterationDiverge}
	ErrSingularMatrix   = &SolveError{Kind: KindSingularMatrix}
	ErrNotObservable    = &SolveError{Kind: KindNotObservable}
	ErrInvalidInput     = &SolveError{Kind: KindInvalidInput}
)
