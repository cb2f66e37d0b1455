// Command estimate runs Newton-Raphson state estimation against a small
// built-in two-bus network, mirroring edp1096-sparse's cmd/solve1: build
// inputs, call the package, print the result or panic.
package main

import (
	"flag"
	"fmt"

	"golang.org/x/exp/constraints"

	stateest "github.com/edp1096/state-estimation"
)

func clampInt[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func main() {
	tol := flag.Float64("tol", 1e-8, "convergence tolerance on max_dev")
	iters := flag.Int("iters", 20, "maximum Newton-Raphson iterations")
	asym := flag.Bool("asym", false, "use the 3-phase asymmetric model instead of symmetric")
	plotPath := flag.String("plot", "", "if set, write a convergence plot to this PNG path")
	flag.Parse()

	*iters = clampInt(*iters, 1, 500)

	k := 1
	if *asym {
		k = 3
	}

	ybus, meas := buildTwoBusCase(k)

	cfg := stateest.DefaultConfig()
	cfg.ErrTol = *tol
	cfg.MaxIter = *iters

	info := stateest.NewCalculationInfo()
	out, err := stateest.RunStateEstimation(ybus, meas, cfg, info)
	if err != nil {
		panic(err)
	}

	fmt.Printf("converged in %d iterations, max_dev=%g\n", out.NumIter, out.MaxDev)
	for i, u := range out.U {
		fmt.Printf("bus %d: u=%v injection=%v\n", i, u, out.Injection[i])
	}
	for key, val := range info {
		fmt.Printf("info[%d %q] = %g\n", key.Code, key.Label, val)
	}

	if *plotPath != "" {
		if err := stateest.PlotConvergence(out.Trace, *plotPath); err != nil {
			panic(err)
		}
	}
}

// buildTwoBusCase constructs a minimal, fully observable two-bus network: a
// single branch between bus 0 (slack, voltage measured) and bus 1 (voltage
// and injection measured), with the LU-completed pattern equal to the raw
// Y-bus pattern (no fill-in for a two-bus system).
func buildTwoBusCase(k int) (*stateest.YBusView, *stateest.MeasurementSet) {
	n := 2
	yLine := stateest.NewComplexMat(k)
	for p := 0; p < k; p++ {
		yLine.Data[p*k+p] = complex(10, -20)
	}
	yShuntSelf := stateest.NewComplexMat(k)
	for p := 0; p < k; p++ {
		yShuntSelf.Data[p*k+p] = complex(10, -20)
	}

	branch := stateest.BranchAdmittance{
		Yff: yShuntSelf,
		Yft: negateComplexMat(yLine),
		Ytf: negateComplexMat(yLine),
		Ytt: yShuntSelf,
	}

	// LU pattern: rows 0 and 1 each have entries at columns 0 and 1 (dense
	// 2x2 block pattern, no fill-in beyond the raw Y-bus for a 2-bus line).
	rowIndPtr := []int{0, 2, 4}
	colIndices := []int{0, 1, 0, 1}
	diagLU := []int{0, 3}
	transposeLU := []int{0, 2, 1, 3}
	mapLUYBus := []int{0, 1, 2, 3}
	entryIndPtr := []int{0, 1, 2, 3, 4}
	elements := []stateest.YBusElement{
		{Object: 0, Kind: stateest.ElementBFF},
		{Object: 0, Kind: stateest.ElementBFT},
		{Object: 0, Kind: stateest.ElementBTF},
		{Object: 0, Kind: stateest.ElementBTT},
	}

	ybus := &stateest.YBusView{
		N: n, K: k,
		RowIndPtrLU:    rowIndPtr,
		ColIndicesLU:   colIndices,
		MapLUYBus:      mapLUYBus,
		DiagLU:         diagLU,
		TransposeLU:    transposeLU,
		EntryIndPtr:    entryIndPtr,
		Elements:       elements,
		BranchParam:    []stateest.BranchAdmittance{branch},
		BranchTopology: []stateest.BranchEnds{{From: 0, To: 1}},
		PhaseShift:     make([]float64, n),
		ObjectID:       []int32{0, 1},
	}

	meas := stateest.NewMeasurementSet(n, k)
	unitVar := stateest.NewRealVec(k)
	for p := range unitVar.Data {
		unitVar.Data[p] = 1e-6
	}
	oneMag := stateest.NewPhaseVec(k)
	for p := range oneMag {
		oneMag[p] = complex(1.0, 0)
	}
	meas.SetVoltage(0, stateest.VoltageMeasurement{Magnitude: oneMag, Variance: unitVar})

	measV1 := stateest.NewPhaseVec(k)
	for p := range measV1 {
		measV1[p] = complex(0.98, 0)
	}
	meas.SetVoltage(1, stateest.VoltageMeasurement{Magnitude: measV1, Variance: unitVar})

	injVal := stateest.NewPhaseVec(k)
	for p := range injVal {
		injVal[p] = complex(-0.5, -0.2)
	}
	meas.SetInjection(1, stateest.PowerMeasurement{Value: injVal, PVariance: unitVar, QVariance: unitVar})

	return ybus, meas
}

func negateComplexMat(m stateest.ComplexMat) stateest.ComplexMat {
	out := stateest.NewComplexMat(m.K)
	for i, v := range m.Data {
		out.Data[i] = -v
	}
	return out
}
