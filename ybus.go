package stateest

// ElementKind classifies a contributor to a Y-bus entry: a shunt contributes
// only its yff block, a branch contributes one of its four pi-model
// sub-matrices depending on which terminal pair the entry sits on.
type ElementKind int

const (
	ElementShunt ElementKind = iota
	ElementBFF
	ElementBFT
	ElementBTF
	ElementBTT
)

// YBusElement names one contributor (a branch or shunt object index) to a
// single Y-bus LU entry, and which of its admittance sub-matrices applies.
type YBusElement struct {
	Object int
	Kind   ElementKind
}

// BranchAdmittance holds the four pi-model sub-matrices of a branch, each a
// K*K ComplexMat (K=1 scalar in symmetric mode, K=3 phase-coupling matrix in
// asymmetric mode). A shunt only ever populates Yff.
type BranchAdmittance struct {
	Yff, Yft, Ytf, Ytt ComplexMat
}

// BranchEnds names the from/to bus of a branch object; needed to resolve the
// "other" terminal's voltage when a diagonal LU entry's element list
// contributes a branch's own-side (bff/btt) admittance -- spec §4.5.3 names
// the element list but not how the far bus is found, so the Y-bus view
// carries it explicitly.
type BranchEnds struct {
	From, To int
}

// YBusView is the immutable, read-only topology and admittance structure the
// solver assembles against: the LU-completed sparsity pattern of the Y-bus,
// its element taxonomy, and per-branch admittance parameters. Construction
// (from network component models) is out of scope for this package; callers
// build a YBusView once per solve request and treat it as invariant across
// iterations and across successive solves that share it (spec end-to-end
// scenario 6: two calls sharing a Y-bus must not leak state between them --
// nothing here is ever mutated by the solver).
type YBusView struct {
	N int // number of buses
	K int // phases per bus: 1 symmetric, 3 asymmetric

	// LU-completed CSR sparsity pattern: RowIndPtrLU[r]..RowIndPtrLU[r+1]
	// gives the range of ColIndicesLU/MapLUYBus/TransposeLU entries for row r.
	RowIndPtrLU  []int
	ColIndicesLU []int

	// MapLUYBus[k] gives the Y-bus data index feeding LU entry k, or -1 if k
	// is pure fill-in introduced by the LU pattern and not present in Y-bus.
	MapLUYBus []int

	// DiagLU[r] is the LU index of the diagonal entry of row r.
	DiagLU []int

	// TransposeLU[k] is the LU index of the (col, row) entry mirroring LU
	// entry k = (row, col); used to populate Qt from Q after assembly.
	TransposeLU []int

	// EntryIndPtr[d]..EntryIndPtr[d+1] indexes into Elements for Y-bus data
	// index d, enumerating every branch/shunt contributing to that entry.
	EntryIndPtr []int
	Elements    []YBusElement

	// BranchParam holds the pi-model admittances, indexed by branch object.
	BranchParam []BranchAdmittance

	// BranchTopology holds each branch's from/to bus indices, indexed by
	// branch object. Not consulted for shunts.
	BranchTopology []BranchEnds

	// PhaseShift is the per-bus topological phase shift (radians), added to
	// the measurement set's mean_angle_shift() to seed the initial angle.
	PhaseShift []float64

	// ObjectID is opaque pass-through metadata for downstream branch-flow
	// reconstruction; the solver never reads it.
	ObjectID []int32
}

// NNZLu returns the number of nonzero blocks in the LU-completed pattern.
func (y *YBusView) NNZLu() int {
	if len(y.RowIndPtrLU) == 0 {
		return 0
	}
	return y.RowIndPtrLU[y.N]
}

// elementsFor returns the slice of YBusElement values contributing to the
// Y-bus entry at data index dataIdxY (possibly more than one: every branch
// or shunt meeting at that position adds an element; a branch adds its
// Yff or Ytt term on a diagonal entry and its Yft or Ytf term off it).
func (y *YBusView) elementsFor(dataIdxY int) []YBusElement {
	return y.Elements[y.EntryIndPtr[dataIdxY]:y.EntryIndPtr[dataIdxY+1]]
}
