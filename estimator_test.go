package stateest_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	stateest "github.com/edp1096/state-estimation"
)

func unitVariance(k int) stateest.RealVec {
	v := stateest.NewRealVec(k)
	for i := range v.Data {
		v.Data[i] = 1e-6
	}
	return v
}

// singleBusShuntCase builds a fully observable one-bus network: a self
// shunt admittance provides the only coupling, and a single voltage
// measurement is the only measurement, matching spec.md's boundary case for
// a slack bus with no injection measurement (DESIGN.md notes why this
// implementation requires the shunt for theta to remain observable).
func singleBusShuntCase(measuredMag float64) (*stateest.YBusView, *stateest.MeasurementSet) {
	k := 1
	y := stateest.NewComplexMat(k)
	y.Data[0] = complex(5, -10)

	ybus := &stateest.YBusView{
		N: 1, K: k,
		RowIndPtrLU:  []int{0, 1},
		ColIndicesLU: []int{0},
		MapLUYBus:    []int{0},
		DiagLU:       []int{0},
		TransposeLU:  []int{0},
		EntryIndPtr:  []int{0, 1},
		Elements:     []stateest.YBusElement{{Object: 0, Kind: stateest.ElementShunt}},
		BranchParam:  []stateest.BranchAdmittance{{Yff: y}},
		PhaseShift:   []float64{0},
	}

	meas := stateest.NewMeasurementSet(1, k)
	meas.SetVoltage(0, stateest.VoltageMeasurement{
		Magnitude: stateest.PhaseVec{complex(measuredMag, 0)},
		Variance:  unitVariance(k),
	})
	return ybus, meas
}

func TestRunStateEstimationSingleBusConvergesToMeasuredVoltage(t *testing.T) {
	ybus, meas := singleBusShuntCase(1.02)
	cfg := stateest.DefaultConfig()
	info := stateest.NewCalculationInfo()

	out, err := stateest.RunStateEstimation(ybus, meas, cfg, info)
	require.NoError(t, err)
	require.LessOrEqual(t, out.MaxDev, cfg.ErrTol)
	require.InDelta(t, 1.02, stateest.Cabs(out.U[0]).Data[0], 1e-6)
	require.Equal(t, info[stateest.MaxIterationsKey], float64(out.NumIter))
}

// twoBusLineCase builds a two-bus network joined by a single branch, with a
// slack-side voltage measurement and a load-side voltage plus injection
// measurement -- a small but non-degenerate observability case exercising
// the bff/bft/btf/btt element paths together.
func twoBusLineCase(k int) (*stateest.YBusView, *stateest.MeasurementSet) {
	self := stateest.NewComplexMat(k)
	cross := stateest.NewComplexMat(k)
	for p := 0; p < k; p++ {
		self.Data[p*k+p] = complex(10, -20)
		cross.Data[p*k+p] = complex(-10, 20)
	}

	ybus := &stateest.YBusView{
		N: 2, K: k,
		RowIndPtrLU:    []int{0, 2, 4},
		ColIndicesLU:   []int{0, 1, 0, 1},
		MapLUYBus:      []int{0, 1, 2, 3},
		DiagLU:         []int{0, 3},
		TransposeLU:    []int{0, 2, 1, 3},
		EntryIndPtr:    []int{0, 1, 2, 3, 4},
		Elements: []stateest.YBusElement{
			{Object: 0, Kind: stateest.ElementBFF},
			{Object: 0, Kind: stateest.ElementBFT},
			{Object: 0, Kind: stateest.ElementBTF},
			{Object: 0, Kind: stateest.ElementBTT},
		},
		BranchParam:    []stateest.BranchAdmittance{{Yff: self, Yft: cross, Ytf: cross, Ytt: self}},
		BranchTopology: []stateest.BranchEnds{{From: 0, To: 1}},
		PhaseShift:     make([]float64, 2),
	}

	meas := stateest.NewMeasurementSet(2, k)
	mag0 := stateest.NewPhaseVec(k)
	mag1 := stateest.NewPhaseVec(k)
	for p := 0; p < k; p++ {
		mag0[p] = complex(1.0, 0)
		mag1[p] = complex(0.98, 0)
	}
	meas.SetVoltage(0, stateest.VoltageMeasurement{Magnitude: mag0, Variance: unitVariance(k)})
	meas.SetVoltage(1, stateest.VoltageMeasurement{Magnitude: mag1, Variance: unitVariance(k)})

	inj := stateest.NewPhaseVec(k)
	for p := 0; p < k; p++ {
		inj[p] = complex(-0.5, -0.2)
	}
	meas.SetInjection(1, stateest.PowerMeasurement{Value: inj, PVariance: unitVariance(k), QVariance: unitVariance(k)})

	return ybus, meas
}

func TestRunStateEstimationTwoBusLineConvergesWithinMaxIter(t *testing.T) {
	ybus, meas := twoBusLineCase(1)
	cfg := stateest.DefaultConfig()
	cfg.MaxIter = 50
	info := stateest.NewCalculationInfo()

	out, err := stateest.RunStateEstimation(ybus, meas, cfg, info)
	require.NoError(t, err)
	require.LessOrEqual(t, out.NumIter, cfg.MaxIter)
	require.Len(t, out.U, 2)
	require.Len(t, out.Injection, 2)
}

func TestRunStateEstimationAsymmetricThreePhaseRuns(t *testing.T) {
	ybus, meas := twoBusLineCase(3)
	cfg := stateest.DefaultConfig()
	cfg.MaxIter = 50
	info := stateest.NewCalculationInfo()

	out, err := stateest.RunStateEstimation(ybus, meas, cfg, info)
	require.NoError(t, err)
	require.Len(t, out.U[0], 3)
}

// threePhaseCoupledLineCase builds the same two-bus topology as
// twoBusLineCase(3) but with a genuinely phase-coupled branch admittance:
// every off-diagonal term is nonzero and, unlike a symmetric mutual-coupling
// matrix, the (p,q) and (q,p) entries differ. Each k*k Jacobian sub-block
// this produces is therefore not itself symmetric, the case a transpose
// pass that dense-transposes instead of swapping cell positions gets wrong.
func threePhaseCoupledLineCase() (*stateest.YBusView, *stateest.MeasurementSet) {
	k := 3
	self := stateest.NewComplexMat(k)
	cross := stateest.NewComplexMat(k)
	for p := 0; p < k; p++ {
		for q := 0; q < k; q++ {
			switch {
			case p == q:
				self.Data[p*k+q] = complex(10, -20)
				cross.Data[p*k+q] = complex(-10, 20)
			case p < q:
				self.Data[p*k+q] = complex(0.5, -1)
				cross.Data[p*k+q] = complex(-0.5, 1)
			default:
				self.Data[p*k+q] = complex(0.2, -0.4)
				cross.Data[p*k+q] = complex(-0.2, 0.4)
			}
		}
	}

	ybus := &stateest.YBusView{
		N: 2, K: k,
		RowIndPtrLU:    []int{0, 2, 4},
		ColIndicesLU:   []int{0, 1, 0, 1},
		MapLUYBus:      []int{0, 1, 2, 3},
		DiagLU:         []int{0, 3},
		TransposeLU:    []int{0, 2, 1, 3},
		EntryIndPtr:    []int{0, 1, 2, 3, 4},
		Elements: []stateest.YBusElement{
			{Object: 0, Kind: stateest.ElementBFF},
			{Object: 0, Kind: stateest.ElementBFT},
			{Object: 0, Kind: stateest.ElementBTF},
			{Object: 0, Kind: stateest.ElementBTT},
		},
		BranchParam:    []stateest.BranchAdmittance{{Yff: self, Yft: cross, Ytf: cross, Ytt: self}},
		BranchTopology: []stateest.BranchEnds{{From: 0, To: 1}},
		PhaseShift:     make([]float64, 2),
	}

	meas := stateest.NewMeasurementSet(2, k)
	mag0 := stateest.NewPhaseVec(k)
	mag1 := stateest.NewPhaseVec(k)
	for p := 0; p < k; p++ {
		mag0[p] = complex(1.0, 0)
		mag1[p] = complex(0.98, 0)
	}
	meas.SetVoltage(0, stateest.VoltageMeasurement{Magnitude: mag0, Variance: unitVariance(k)})
	meas.SetVoltage(1, stateest.VoltageMeasurement{Magnitude: mag1, Variance: unitVariance(k)})

	inj := stateest.NewPhaseVec(k)
	for p := 0; p < k; p++ {
		inj[p] = complex(-0.5, -0.2)
	}
	meas.SetInjection(1, stateest.PowerMeasurement{Value: inj, PVariance: unitVariance(k), QVariance: unitVariance(k)})

	return ybus, meas
}

// TestRunStateEstimationAsymmetricPhaseCoupledConverges exercises the
// transpose pass with a branch admittance whose k*k sub-blocks are not
// symmetric, unlike TestRunStateEstimationAsymmetricThreePhaseRuns's
// diagonal-only (and therefore transpose-invariant) branch.
func TestRunStateEstimationAsymmetricPhaseCoupledConverges(t *testing.T) {
	ybus, meas := threePhaseCoupledLineCase()
	cfg := stateest.DefaultConfig()
	cfg.MaxIter = 50
	info := stateest.NewCalculationInfo()

	out, err := stateest.RunStateEstimation(ybus, meas, cfg, info)
	require.NoError(t, err)
	require.LessOrEqual(t, out.MaxDev, cfg.ErrTol)
	require.Len(t, out.U[0], 3)
	require.Len(t, out.U[1], 3)
}

// disconnectedBusCase builds a two-bus system where bus 1 has no branch, no
// shunt, and no measurement at all: its diagonal LU entry is pure fill-in
// (no Y-bus data index), so its whole augmented block reduces to two zero
// rows in the (theta,v) quadrant, which no dense kernel can invert.
func disconnectedBusCase() (*stateest.YBusView, *stateest.MeasurementSet) {
	k := 1
	y := stateest.NewComplexMat(k)
	y.Data[0] = complex(5, -10)

	ybus := &stateest.YBusView{
		N: 2, K: k,
		RowIndPtrLU:  []int{0, 1, 2},
		ColIndicesLU: []int{0, 1},
		MapLUYBus:    []int{0, -1},
		DiagLU:       []int{0, 1},
		TransposeLU:  []int{0, 1},
		EntryIndPtr:  []int{0, 1},
		Elements:     []stateest.YBusElement{{Object: 0, Kind: stateest.ElementShunt}},
		BranchParam:  []stateest.BranchAdmittance{{Yff: y}},
		PhaseShift:   []float64{0, 0},
	}

	meas := stateest.NewMeasurementSet(2, k)
	meas.SetVoltage(0, stateest.VoltageMeasurement{
		Magnitude: stateest.PhaseVec{complex(1.0, 0)},
		Variance:  unitVariance(k),
	})
	return ybus, meas
}

// TestRunStateEstimationDisconnectedBusIsSingular covers spec.md's
// disconnected/unobservable-bus scenario: a bus with no measurement and no
// coupling to the rest of the network cannot be solved for, and must fail
// with a reported error rather than a silent NaN.
func TestRunStateEstimationDisconnectedBusIsSingular(t *testing.T) {
	ybus, meas := disconnectedBusCase()
	cfg := stateest.DefaultConfig()

	_, err := stateest.RunStateEstimation(ybus, meas, cfg, stateest.NewCalculationInfo())
	require.Error(t, err)
	require.ErrorIs(t, err, stateest.ErrSingularMatrix)
}

// TestRunStateEstimationRoundTripRecoversTrueVoltage feeds a bus's true
// power injection -- computed directly from a known voltage state via the
// same GCosPlusBSin/GSinMinusBCos combinators the solver itself uses --
// back in as its only injection measurement, and checks the solver recovers
// that true voltage rather than some other point satisfying the residuals.
func TestRunStateEstimationRoundTripRecoversTrueVoltage(t *testing.T) {
	ybus, _ := twoBusLineCase(1)

	trueMag1, trueTheta1 := 0.97, -0.05
	u0 := stateest.PhaseVec{complex(1.0, 0)}
	u1 := stateest.PhaseVec{complex(trueMag1*math.Cos(trueTheta1), trueMag1*math.Sin(trueTheta1))}

	branch := ybus.BranchParam[0]
	p1 := stateest.SumRow(stateest.GCosPlusBSin(branch.Ytt, u1, u1).Add(stateest.GCosPlusBSin(branch.Ytf, u1, u0)))
	q1 := stateest.SumRow(stateest.GSinMinusBCos(branch.Ytt, u1, u1).Add(stateest.GSinMinusBCos(branch.Ytf, u1, u0)))

	meas := stateest.NewMeasurementSet(2, 1)
	meas.SetVoltage(0, stateest.VoltageMeasurement{
		Magnitude: stateest.PhaseVec{complex(1.0, 0)},
		Variance:  unitVariance(1),
	})
	meas.SetInjection(1, stateest.PowerMeasurement{
		Value:     stateest.PhaseVec{complex(p1.Data[0], q1.Data[0])},
		PVariance: unitVariance(1),
		QVariance: unitVariance(1),
	})

	cfg := stateest.DefaultConfig()
	cfg.MaxIter = 50
	out, err := stateest.RunStateEstimation(ybus, meas, cfg, stateest.NewCalculationInfo())
	require.NoError(t, err)
	require.LessOrEqual(t, out.MaxDev, cfg.ErrTol)

	gotMag := stateest.Cabs(out.U[1]).Data[0]
	gotTheta := math.Atan2(imag(out.U[1][0]), real(out.U[1][0]))
	require.InDelta(t, trueMag1, gotMag, 1e-4)
	require.InDelta(t, trueTheta1, gotTheta, 1e-4)
}

// TestRunStateEstimationBranchFromFlowRecoversTrueVoltage mirrors
// TestRunStateEstimationRoundTripRecoversTrueVoltage but measures a
// branch-from flow (SetBranchFrom) instead of a bus injection, matching
// spec.md's own seed scenario ("voltage measurement at bus 0 ... branch-from
// flow on branch 0->1"). SetBranchFrom/SetBranchTo/SetShunt otherwise carry
// no coverage at all, and this is exactly the path buildJacTemplate and
// applySideICorrection feed.
func TestRunStateEstimationBranchFromFlowRecoversTrueVoltage(t *testing.T) {
	ybus, _ := twoBusLineCase(1)

	trueMag1, trueTheta1 := 0.97, -0.05
	u0 := stateest.PhaseVec{complex(1.0, 0)}
	u1 := stateest.PhaseVec{complex(trueMag1*math.Cos(trueTheta1), trueMag1*math.Sin(trueTheta1))}

	branch := ybus.BranchParam[0]
	pFrom := stateest.SumRow(stateest.GCosPlusBSin(branch.Yff, u0, u0).Add(stateest.GCosPlusBSin(branch.Yft, u0, u1)))
	qFrom := stateest.SumRow(stateest.GSinMinusBCos(branch.Yff, u0, u0).Add(stateest.GSinMinusBCos(branch.Yft, u0, u1)))

	meas := stateest.NewMeasurementSet(2, 1)
	meas.SetVoltage(0, stateest.VoltageMeasurement{
		Magnitude: stateest.PhaseVec{complex(1.0, 0)},
		Variance:  unitVariance(1),
	})
	meas.SetBranchFrom(0, stateest.PowerMeasurement{
		Value:     stateest.PhaseVec{complex(pFrom.Data[0], qFrom.Data[0])},
		PVariance: unitVariance(1),
		QVariance: unitVariance(1),
	})

	cfg := stateest.DefaultConfig()
	cfg.MaxIter = 50
	out, err := stateest.RunStateEstimation(ybus, meas, cfg, stateest.NewCalculationInfo())
	require.NoError(t, err)
	require.LessOrEqual(t, out.MaxDev, cfg.ErrTol)

	gotMag := stateest.Cabs(out.U[1]).Data[0]
	gotTheta := math.Atan2(imag(out.U[1][0]), real(out.U[1][0]))
	require.InDelta(t, trueMag1, gotMag, 1e-4)
	require.InDelta(t, trueTheta1, gotTheta, 1e-4)
}

// TestRunStateEstimationRepeatedCallsDoNotLeakState runs two independent
// estimations against the same Y-bus and the same shared CalculationInfo
// map, with different measured voltages, and checks the second call's
// result tracks only its own measurement -- guarding against the gain/rhs
// buffers or the info map carrying state across calls.
func TestRunStateEstimationRepeatedCallsDoNotLeakState(t *testing.T) {
	cfg := stateest.DefaultConfig()
	info := stateest.NewCalculationInfo()

	ybusFirst, measFirst := singleBusShuntCase(1.05)
	outFirst, err := stateest.RunStateEstimation(ybusFirst, measFirst, cfg, info)
	require.NoError(t, err)
	require.InDelta(t, 1.05, stateest.Cabs(outFirst.U[0]).Data[0], 1e-6)

	ybusSecond, measSecond := singleBusShuntCase(0.95)
	outSecond, err := stateest.RunStateEstimation(ybusSecond, measSecond, cfg, info)
	require.NoError(t, err)
	require.InDelta(t, 0.95, stateest.Cabs(outSecond.U[0]).Data[0], 1e-6)

	require.Equal(t, info[stateest.MaxIterationsKey], math.Max(float64(outFirst.NumIter), float64(outSecond.NumIter)))
}

func TestRunStateEstimationInvalidConfigReturnsInvalidInput(t *testing.T) {
	cfg := stateest.Config{ErrTol: 0, MaxIter: 5}
	_, err := stateest.RunStateEstimation(&stateest.YBusView{}, stateest.NewMeasurementSet(0, 1), cfg, stateest.NewCalculationInfo())
	require.ErrorIs(t, err, stateest.ErrInvalidInput)
}

func TestRunStateEstimationDimensionMismatchReturnsInvalidInput(t *testing.T) {
	ybus, _ := singleBusShuntCase(1.0)
	mismatched := stateest.NewMeasurementSet(1, 3)
	cfg := stateest.DefaultConfig()
	_, err := stateest.RunStateEstimation(ybus, mismatched, cfg, stateest.NewCalculationInfo())
	require.ErrorIs(t, err, stateest.ErrInvalidInput)
}

func TestRunStateEstimationDivergesWithinTinyIterBudget(t *testing.T) {
	ybus, meas := twoBusLineCase(1)
	cfg := stateest.DefaultConfig()
	cfg.MaxIter = 1
	cfg.ErrTol = 1e-15
	_, err := stateest.RunStateEstimation(ybus, meas, cfg, stateest.NewCalculationInfo())
	require.ErrorIs(t, err, stateest.ErrIterationDiverge)
}

func TestCalculationInfoMergeKeepsMax(t *testing.T) {
	info := stateest.NewCalculationInfo()
	info.Merge(stateest.MaxIterationsKey, 3)
	info.Merge(stateest.MaxIterationsKey, 7)
	info.Merge(stateest.MaxIterationsKey, 2)
	require.Equal(t, 7.0, info[stateest.MaxIterationsKey])
}
