package stateest

import "time"

// InfoKey identifies one entry of a CalculationInfo map: a numeric code plus
// a human-readable label, per spec.md §6.
type InfoKey struct {
	Code  int
	Label string
}

// MaxIterationsKey is the well-known key under which the observed iteration
// count is recorded, per spec.md §6.
var MaxIterationsKey = InfoKey{Code: 2228, Label: "Max number of iterations"}

// Timing keys. RunStateEstimation records the first three (assembly,
// factorization, solve) each iteration; TimingIterateUnknown is declared
// but not written by it.
var (
	TimingAssembleKey     = InfoKey{Code: 1001, Label: "Assemble gain and rhs"}
	TimingFactorizeKey    = InfoKey{Code: 1002, Label: "Prefactorize"}
	TimingSolveKey        = InfoKey{Code: 1003, Label: "Solve"}
	TimingIterateUnknown  = InfoKey{Code: 1004, Label: "Iterate unknown"}
)

// CalculationInfo is a mapping from (code, label) to a real value, written
// to by RunStateEstimation for timing measurements and the observed
// iteration count. A batch/case driver running many scenarios against a
// shared CalculationInfo observes the worst case across scenarios via Merge.
type CalculationInfo map[InfoKey]float64

// NewCalculationInfo returns an empty info map.
func NewCalculationInfo() CalculationInfo { return make(CalculationInfo) }

// Merge takes the elementwise max of key with any pre-existing value, adding
// the key if absent. This is the "batch driver observes the worst case"
// contract spec.md §6 assigns to the well-known iteration-count key, applied
// uniformly to every key this package writes.
func (c CalculationInfo) Merge(key InfoKey, value float64) {
	if existing, ok := c[key]; !ok || value > existing {
		c[key] = value
	}
}

// recordDuration merges a duration (seconds) under key using Merge's
// max-across-scenarios rule.
func (c CalculationInfo) recordDuration(key InfoKey, d time.Duration) {
	c.Merge(key, d.Seconds())
}
