package stateest

// Config mirrors edp1096-sparse's plain Configuration-struct-plus-defaults
// pattern (sparse.Create's defaultConfig): a handful of tunables the caller
// may leave zero-valued, with DefaultConfig supplying defaults.
type Config struct {
	// ErrTol is the convergence threshold on max_dev; must be > 0.
	ErrTol float64
	// MaxIter bounds the Newton-Raphson loop; must be >= 1.
	MaxIter int
	// AngleAware is the switch for the angle-measurement pathway of
	// spec.md §9's Design Notes. Off by default. RunStateEstimation does not
	// read it: voltage measurements contribute their magnitude only, whether
	// it is set or not (see DESIGN.md).
	AngleAware bool
}

// DefaultConfig returns the package's baseline tunables.
func DefaultConfig() Config {
	return Config{
		ErrTol:  1e-8,
		MaxIter: 20,
	}
}

// Validate checks the invariants spec.md §7 assigns to KindInvalidInput,
// run before the first iteration.
func (c Config) Validate() error {
	if c.ErrTol <= 0 {
		return &SolveError{Kind: KindInvalidInput, Reason: "err_tol must be > 0"}
	}
	if c.MaxIter < 1 {
		return &SolveError{Kind: KindInvalidInput, Reason: "max_iter must be >= 1"}
	}
	return nil
}
