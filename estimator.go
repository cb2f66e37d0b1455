package stateest

import (
	"math"
	"time"
)

// MathOutput is the converged state and derived quantities RunStateEstimation
// hands back, per spec.md §6.
type MathOutput struct {
	U         []PhaseVec // converged per-bus voltage phasors
	Injection []PhaseVec // per-bus net power injection implied by U and the Y-bus
	NumIter   int
	MaxDev    float64
	Trace     IterationTrace // max_dev per iteration, for PlotConvergence
}

// blockLayout names the four state-variable slot offsets within one bus's
// 4*K-wide row of a gain-matrix block or right-hand-side vector: theta and v
// make up the "G" quadrant's state space, phiP and phiQ the Lagrange
// multipliers of the injection equality constraints.
type blockLayout struct{ k int }

func (l blockLayout) dim() int    { return 4 * l.k }
func (l blockLayout) thetaOff() int { return 0 }
func (l blockLayout) vOff() int     { return l.k }
func (l blockLayout) phiPOff() int  { return 2 * l.k }
func (l blockLayout) phiQOff() int  { return 3 * l.k }

// getSub reads a K*K sub-block out of a flat dim*dim row-major block.
func getSub(block []float64, dim, k, rowOff, colOff int) RealMat {
	out := NewRealMat(k)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			out.set(i, j, block[(rowOff+i)*dim+(colOff+j)])
		}
	}
	return out
}

// addSub accumulates m into a K*K sub-block of a flat dim*dim row-major block.
func addSub(block []float64, dim, k, rowOff, colOff int, m RealMat) {
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			block[(rowOff+i)*dim+(colOff+j)] += m.at(i, j)
		}
	}
}

// setSub overwrites a K*K sub-block of a flat dim*dim row-major block.
func setSub(block []float64, dim, k, rowOff, colOff int, m RealMat) {
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			block[(rowOff+i)*dim+(colOff+j)] = m.at(i, j)
		}
	}
}

// subVec reads a K-length slice out of a flat dim-length vector.
func subVec(v []float64, k, off int) RealVec {
	out := NewRealVec(k)
	copy(out.Data, v[off:off+k])
	return out
}

// addSubVec accumulates o into a K-length slice of a flat dim-length vector.
func addSubVec(v []float64, k, off int, o RealVec) {
	for i := 0; i < k; i++ {
		v[off+i] += o.Data[i]
	}
}

// jacTemplate is the (P,Q) x (theta,v) Jacobian sub-block one admittance term
// contributes at a single LU entry: the "block_i"/"block_j" of spec §4.5.3.
// dPdTheta and dPdV are K*K, dQdTheta and dQdV are K*K; toBlock lays them out
// as a 2K*2K matrix with rows [P;Q] and columns [theta;v].
type jacTemplate struct {
	dPdTheta, dPdV RealMat
	dQdTheta, dQdV RealMat
}

func (t jacTemplate) toBlock(k int) RealMat {
	out := NewRealMat(2 * k)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			out.set(i, j, t.dPdTheta.at(i, j))
			out.set(i, k+j, t.dPdV.at(i, j))
			out.set(k+i, j, t.dQdTheta.at(i, j))
			out.set(k+i, k+j, t.dQdV.at(i, j))
		}
	}
	return out
}

// buildJacTemplate assembles the standard power-flow Jacobian sub-block from
// the two combinator matrices and the row normalizer, per spec §4.1/§4.5.3:
//   dP/dtheta = gsmbc; dP/dv = -gcpbs; dQ/dtheta = gcpbs*uNorm;
//   dQ/dv = gsmbc*uNorm. This is exactly the flat-start power-flow Jacobian
// evaluated with the cos/sin combinators instead of trigonometric calls.
func buildJacTemplate(gsmbc, gcpbs RealMat, uNorm RealVec) jacTemplate {
	return jacTemplate{
		dPdTheta: gsmbc,
		dPdV:     gcpbs.Negate(),
		dQdTheta: gcpbs.ScaleRows(uNorm),
		dQdV:     gsmbc.ScaleRows(uNorm),
	}
}

// applySideICorrection adds the self-voltage correction spec §4.5.3 assigns
// to the "i" side of an element; assembleEntry applies it to shunt and bff
// blocks on the diagonal entry and to the i block of bft off it: the
// diagonal-block Jacobian of an injection/flow with respect to its own bus's
// state carries an extra -Q on dP/dtheta, +P on dQ/dtheta, and a
// normalizer-scaled correction on the v column, on top of the raw admittance
// term.
func applySideICorrection(t *jacTemplate, p, q, uNorm RealVec) {
	for i := 0; i < t.dPdTheta.K; i++ {
		t.dPdTheta.add1(i, i, -q.Data[i])
		t.dQdTheta.add1(i, i, p.Data[i])
		t.dPdV.add1(i, i, p.Data[i]*uNorm.Data[i])
		t.dQdV.add1(i, i, q.Data[i]*uNorm.Data[i])
	}
}

// flowResult is one branch- or shunt-side calculated flow: the summed P,Q
// implied by the current voltage estimate, and the measurement residual
// (calculated - measured) when a measurement is present.
type flowResult struct {
	measured        bool
	p, q            RealVec
	residP, residQ  RealVec
	wP, wQ          RealVec
}

func reciprocal(v RealVec) RealVec {
	out := NewRealVec(v.K)
	for i, x := range v.Data {
		out.Data[i] = 1.0 / x
	}
	return out
}

// computeFlow evaluates the P,Q calculated at one side of an element (self
// admittance yii against the local bus, plus cross admittance yij against
// the far bus, when yij is non-nil). The calculated P,Q are always returned
// -- every element's Jacobian feeds the Q quadrant and the per-row injection
// sum regardless of whether that particular flow carries its own
// measurement -- and the residual/weight fields are populated only when
// meas is present.
func computeFlow(yii, yij *ComplexMat, uSelf, uFar PhaseVec, meas PowerMeasurement, hasMeas bool) flowResult {
	gcpbs := GCosPlusBSin(*yii, uSelf, uSelf)
	gsmbc := GSinMinusBCos(*yii, uSelf, uSelf)
	if yij != nil {
		gcpbs = gcpbs.Add(GCosPlusBSin(*yij, uSelf, uFar))
		gsmbc = gsmbc.Add(GSinMinusBCos(*yij, uSelf, uFar))
	}
	res := flowResult{p: SumRow(gcpbs), q: SumRow(gsmbc)}
	if hasMeas {
		res.measured = true
		res.residP = res.p.Sub(Real(meas.Value))
		res.residQ = res.q.Sub(Imag(meas.Value))
		res.wP = reciprocal(meas.PVariance)
		res.wQ = reciprocal(meas.QVariance)
	}
	return res
}

// weightedAccumulate folds one Jacobian block's contribution into the G
// quadrant: g += block1^T * W * block2, where W = diag(wP, wQ). It does not
// touch rhs; the matching rhs.eta term is written by weightedRhs, and the
// residP/residQ arguments are not read here.
func weightedAccumulate(gain []float64, dim, k int, block1, block2 RealMat, wP, wQ, residP, residQ RealVec) {
	w := DiagFromVec(concatVec(wP, wQ))
	contrib := block1.Transpose().DotMat(w).DotMat(block2)
	addSub(gain, dim, 2*k, 0, 0, contrib)
}

func concatVec(a, b RealVec) RealVec {
	out := NewRealVec(a.K + b.K)
	copy(out.Data[:a.K], a.Data)
	copy(out.Data[a.K:], b.Data)
	return out
}

// weightedRhs accumulates the theta/v slots of rhs.eta with block1^T*W*(measured-calc),
// keeping sign convention consistent with assembleVoltage and assembleInjection:
// every rhs contribution here points from the current calculated value toward
// the measurement, so applyUpdate can add delta to the state directly.
func weightedRhs(rhs []float64, k int, block1 RealMat, wP, wQ, residP, residQ RealVec) {
	w := DiagFromVec(concatVec(wP, wQ))
	resid := concatVec(residP, residQ).Negate()
	contrib := block1.Transpose().Dot(w.Dot(resid))
	addSubVec(rhs, 2*k, 0, contrib)
}

// assembler holds the per-iteration working state for gain/rhs assembly.
type assembler struct {
	ybus *YBusView
	meas *MeasurementSet
	cfg  Config
	k    int
	dim  int

	u []PhaseVec // cached per-bus voltage phasor, length N

	// precomputed calculated flows/residuals, one per object, measured or not.
	shuntFlow      map[int]flowResult
	branchFromFlow map[int]flowResult
	branchToFlow   map[int]flowResult
}

func newAssembler(ybus *YBusView, meas *MeasurementSet, cfg Config, u []PhaseVec) *assembler {
	return &assembler{
		ybus: ybus, meas: meas, cfg: cfg, k: ybus.K, dim: blockLayout{ybus.K}.dim(),
		u:              u,
		shuntFlow:      make(map[int]flowResult),
		branchFromFlow: make(map[int]flowResult),
		branchToFlow:   make(map[int]flowResult),
	}
}

// precomputeFlows evaluates every branch/shunt flow once, against the
// current voltage iterate, before the per-entry assembly pass -- not just
// the measured ones: the calculated flow feeds the injection-balance
// constraint (Q quadrant, per-row injP/injQ sum) regardless of measurement
// coverage, so every element needs a flowResult available. Both a bff/bft
// entry pair (same branch, same from-side flow) and a btf/btt pair need the
// same calculation, done once here rather than twice.
func (a *assembler) precomputeFlows() error {
	for obj, ends := range a.ybus.BranchTopology {
		bp := a.ybus.BranchParam[obj]

		yiiFrom, yijFrom := bp.Yff, bp.Yft
		hasFrom := a.meas.HasBranchFrom(obj)
		var measFrom PowerMeasurement
		if hasFrom {
			measFrom = a.meas.BranchFrom(obj)
		}
		a.branchFromFlow[obj] = computeFlow(&yiiFrom, &yijFrom, a.u[ends.From], a.u[ends.To], measFrom, hasFrom)

		yiiTo, yijTo := bp.Ytt, bp.Ytf
		hasTo := a.meas.HasBranchTo(obj)
		var measTo PowerMeasurement
		if hasTo {
			measTo = a.meas.BranchTo(obj)
		}
		a.branchToFlow[obj] = computeFlow(&yiiTo, &yijTo, a.u[ends.To], a.u[ends.From], measTo, hasTo)
	}
	// A shunt's object id doubles as its owning bus index and its
	// BranchParam slot: the abstract element taxonomy of spec.md §4.5.3
	// never names a separate shunt object space, so this implementation
	// keeps shunts addressable through the same object-indexed arrays a
	// branch uses, with Yff as the only populated sub-matrix.
	for obj := range a.ybus.BranchParam {
		yii := a.ybus.BranchParam[obj].Yff
		hasShunt := a.meas.HasShunt(obj)
		var measShunt PowerMeasurement
		if hasShunt {
			measShunt = a.meas.Shunt(obj)
		}
		a.shuntFlow[obj] = computeFlow(&yii, nil, a.u[obj], nil, measShunt, hasShunt)
	}
	return nil
}

// assembleEntry processes every element contributing to one LU entry
// (row, col), writing into that entry's gain block and, for every element
// carrying a flow measurement, the row's rhs slots. It returns nothing: the
// calculated flows of the diagonal-entry elements (shunt, bff, btt) are
// added into *injP and *injQ, the running per-row injection sum used by the
// injection and R-block bookkeeping.
func (a *assembler) assembleEntry(row, col int, dataIdxY int, gain, q []float64, rhs []float64, injP, injQ *RealVec) {
	k, dim := a.k, a.dim
	diag := row == col

	for _, el := range a.ybus.elementsFor(dataIdxY) {
		obj := el.Object
		switch el.Kind {
		case ElementShunt:
			fr, ok := a.shuntFlow[obj]
			if !ok {
				continue
			}
			y := a.ybus.BranchParam[obj].Yff
			gcpbs := GCosPlusBSin(y, a.u[row], a.u[row])
			gsmbc := GSinMinusBCos(y, a.u[row], a.u[row])
			uNorm := InvAbs(a.u[row])
			tmpl := buildJacTemplate(gsmbc, gcpbs, uNorm)
			applySideICorrection(&tmpl, fr.p, fr.q, uNorm)
			f := tmpl.toBlock(k)
			if fr.measured {
				weightedAccumulate(gain, dim, k, f, f, fr.wP, fr.wQ, fr.residP, fr.residQ)
				weightedRhs(rhs, k, f, fr.wP, fr.wQ, fr.residP, fr.residQ)
			}
			addSub(q, dim, 2*k, 2*k, 0, f.Negate())
			injP.AddInPlace(fr.p)
			injQ.AddInPlace(fr.q)

		case ElementBFF:
			if !diag {
				continue
			}
			fr, ok := a.branchFromFlow[obj]
			if !ok {
				continue
			}
			yii := a.ybus.BranchParam[obj].Yff
			gcpbs := GCosPlusBSin(yii, a.u[row], a.u[row])
			gsmbc := GSinMinusBCos(yii, a.u[row], a.u[row])
			uNorm := InvAbs(a.u[row])
			tmpl := buildJacTemplate(gsmbc, gcpbs, uNorm)
			applySideICorrection(&tmpl, fr.p, fr.q, uNorm)
			f := tmpl.toBlock(k)
			if fr.measured {
				weightedAccumulate(gain, dim, k, f, f, fr.wP, fr.wQ, fr.residP, fr.residQ)
				weightedRhs(rhs, k, f, fr.wP, fr.wQ, fr.residP, fr.residQ)
			}
			addSub(q, dim, 2*k, 2*k, 0, f.Negate())
			injP.AddInPlace(fr.p)
			injQ.AddInPlace(fr.q)

		case ElementBTT:
			if !diag {
				continue
			}
			fr, ok := a.branchToFlow[obj]
			if !ok {
				continue
			}
			other := a.ybus.BranchTopology[obj].From
			yii := a.ybus.BranchParam[obj].Ytt
			gcpbs := GCosPlusBSin(yii, a.u[row], a.u[row])
			gsmbc := GSinMinusBCos(yii, a.u[row], a.u[row])
			uNorm := InvAbs(a.u[other])
			tmpl := buildJacTemplate(gsmbc, gcpbs, uNorm)
			f := tmpl.toBlock(k)
			if fr.measured {
				weightedAccumulate(gain, dim, k, f, f, fr.wP, fr.wQ, fr.residP, fr.residQ)
				weightedRhs(rhs, k, f, fr.wP, fr.wQ, fr.residP, fr.residQ)
			}
			addSub(q, dim, 2*k, 2*k, 0, f.Negate())
			injP.AddInPlace(fr.p)
			injQ.AddInPlace(fr.q)

		case ElementBFT:
			if diag {
				continue
			}
			fr, ok := a.branchFromFlow[obj]
			if !ok {
				continue
			}
			yij := a.ybus.BranchParam[obj].Yft
			gcpbs := GCosPlusBSin(yij, a.u[row], a.u[col])
			gsmbc := GSinMinusBCos(yij, a.u[row], a.u[col])
			uNorm := InvAbs(a.u[col])
			blockI := buildJacTemplate(gsmbc, gcpbs, uNorm)
			applySideICorrection(&blockI, fr.p, fr.q, uNorm)
			fi := blockI.toBlock(k)
			fj := buildJacTemplate(gsmbc, gcpbs, uNorm).toBlock(k)
			if fr.measured {
				weightedAccumulate(gain, dim, k, fi, fj, fr.wP, fr.wQ, fr.residP, fr.residQ)
				weightedRhs(rhs, k, fi, fr.wP, fr.wQ, fr.residP, fr.residQ)
			}
			addSub(q, dim, 2*k, 2*k, 0, fj)

		case ElementBTF:
			if diag {
				continue
			}
			fr, ok := a.branchToFlow[obj]
			if !ok {
				continue
			}
			yij := a.ybus.BranchParam[obj].Ytf
			gcpbs := GCosPlusBSin(yij, a.u[row], a.u[col])
			gsmbc := GSinMinusBCos(yij, a.u[row], a.u[col])
			uNorm := InvAbs(a.u[col])
			blockI := buildJacTemplate(gsmbc, gcpbs, uNorm)
			fi := blockI.toBlock(k)
			fj := buildJacTemplate(gsmbc, gcpbs, uNorm).toBlock(k)
			if fr.measured {
				weightedAccumulate(gain, dim, k, fi, fj, fr.wP, fr.wQ, fr.residP, fr.residQ)
				weightedRhs(rhs, k, fi, fr.wP, fr.wQ, fr.residP, fr.residQ)
			}
			addSub(q, dim, 2*k, 2*k, 0, fj)
		}
	}
}

// assembleVoltage folds a bus's voltage magnitude measurement, if present,
// into the diagonal entry's v-v gain sub-block and the row's v-slot rhs. A
// magnitude measurement's Jacobian with respect to state is [0, 1] in the
// (theta, v) basis, so its normal-equation contribution lands purely on the
// (v, v) entry -- unlike spec.md's literal wording, which names both a
// "G_P,v" and a "G_Q,v" contribution; see DESIGN.md for why this
// implementation resolves that ambiguity to the physically consistent
// single-entry form instead.
func (a *assembler) assembleVoltage(row int, gain, rhs []float64) {
	if !a.meas.HasVoltage(row) {
		return
	}
	k, dim := a.k, a.dim
	wv := reciprocal(a.meas.VoltageVar(row))
	measured := a.meas.Voltage(row, a.u[row])
	resid := Cabs(measured).Sub(Cabs(a.u[row]))
	addSub(gain, dim, k, k, k, DiagFromVec(wv))
	addSubVec(rhs, k, k, wv.MulElem(resid))
}

// assembleMissingInjection writes the -1 diagonal regularizer into the R
// quadrant's own diagonal (phiP, phiQ slots) for a bus with no injection
// measurement, per spec §4.5.3 point 4: without this, an unmeasured bus's
// Lagrange multiplier rows would be entirely zero and the augmented block
// singular.
func (a *assembler) assembleMissingInjection(row int, r []float64) {
	if a.meas.HasBusInjection(row) {
		return
	}
	k, dim := a.k, a.dim
	minusOne := NewRealVec(k)
	for i := range minusOne.Data {
		minusOne.Data[i] = -1
	}
	addSub(r, dim, k, 2*k, 2*k, DiagFromVec(minusOne))
	addSub(r, dim, k, 3*k, 3*k, DiagFromVec(minusOne))
}

// assembleInjection folds a measured net injection into the R quadrant's
// diagonal (weight) and the phiP/phiQ rhs slots (residual against the
// calculated per-row net injection accumulated while walking that row's
// elements), per spec §4.5.3 point 5.
func (a *assembler) assembleInjection(row int, r []float64, rhs []float64, injP, injQ RealVec) {
	if !a.meas.HasBusInjection(row) {
		return
	}
	k, dim := a.k, a.dim
	meas := a.meas.BusInjection(row)
	wP := reciprocal(meas.PVariance)
	wQ := reciprocal(meas.QVariance)
	residP := injP.Sub(Real(meas.Value))
	residQ := injQ.Sub(Imag(meas.Value))
	addSub(r, dim, k, 2*k, 2*k, DiagFromVec(wP))
	addSub(r, dim, k, 3*k, 3*k, DiagFromVec(wQ))
	addSubVec(rhs, k, 2*k, residP.Negate())
	addSubVec(rhs, k, 3*k, residQ.Negate())
}

// transposePass fills every entry's Qt quadrant from the Q quadrant of its
// mirrored (col, row) entry, per spec §4.5.4. This is a cell-position swap,
// not a dense transpose of the assembled 2K*2K block: each Q cell at
// (phiX row, y column) lands at (y row, phiX column) of Qt, so the
// (phiP, theta) and (phiQ, v) cells keep their diagonal positions while the
// cross terms trade places ((phiQ, theta) goes to (theta, phiQ) and
// (phiP, v) to (v, phiP)). Each K*K sub-block is copied verbatim -- never
// transposed internally -- which only matters once K>1, since a K*K
// sub-block need not itself be symmetric under real inter-phase coupling.
func transposePass(ybus *YBusView, gain [][]float64, k int) {
	dim := blockLayout{k}.dim()
	thetaOff, vOff, phiPOff, phiQOff := 0, k, 2*k, 3*k
	for row := 0; row < ybus.N; row++ {
		for e := ybus.RowIndPtrLU[row]; e < ybus.RowIndPtrLU[row+1]; e++ {
			mirror := ybus.TransposeLU[e]
			mBlock := gain[mirror]

			qPTheta := getSub(mBlock, dim, k, phiPOff, thetaOff)
			qPV := getSub(mBlock, dim, k, phiPOff, vOff)
			qQTheta := getSub(mBlock, dim, k, phiQOff, thetaOff)
			qQV := getSub(mBlock, dim, k, phiQOff, vOff)

			setSub(gain[e], dim, k, thetaOff, phiPOff, qPTheta)
			setSub(gain[e], dim, k, thetaOff, phiQOff, qQTheta)
			setSub(gain[e], dim, k, vOff, phiPOff, qPV)
			setSub(gain[e], dim, k, vOff, phiQOff, qQV)
		}
	}
}

// RunStateEstimation performs Newton-Raphson state estimation against ybus
// and meas, iterating until max_dev <= cfg.ErrTol or cfg.MaxIter is reached.
// info receives per-phase timing and the observed iteration count, merged by
// CalculationInfo.Merge so a shared info map records the worst case across
// repeated calls.
func RunStateEstimation(ybus *YBusView, meas *MeasurementSet, cfg Config, info CalculationInfo) (MathOutput, error) {
	if err := cfg.Validate(); err != nil {
		return MathOutput{}, err
	}
	if ybus.K != meas.K || ybus.N != meas.N {
		return MathOutput{}, &SolveError{Kind: KindInvalidInput, Reason: "y-bus and measurement set dimension mismatch"}
	}

	k := ybus.K
	dim := blockLayout{k}.dim()
	n := ybus.N
	nnz := ybus.NNZLu()

	lu := NewBlockLU(ybus.RowIndPtrLU, ybus.ColIndicesLU, ybus.DiagLU, dim)
	perm := make([]int, n)

	u := initializeVoltage(ybus, meas)

	// gain, rhs, and delta are allocated once and mutated in place across
	// iterations, per spec §3's Lifecycle -- only their contents are reset
	// each pass, not their backing arrays.
	gain := make([][]float64, nnz)
	for i := range gain {
		gain[i] = make([]float64, dim*dim)
	}
	rhs := make([][]float64, n)
	for i := range rhs {
		rhs[i] = make([]float64, dim)
	}
	delta := make([][]float64, n)
	for i := range delta {
		delta[i] = make([]float64, dim)
	}

	var out MathOutput
	for iter := 0; iter < cfg.MaxIter; iter++ {
		t0 := time.Now()

		for i := range gain {
			clear(gain[i])
		}
		for i := range rhs {
			clear(rhs[i])
		}

		asm := newAssembler(ybus, meas, cfg, u)
		if err := asm.precomputeFlows(); err != nil {
			return MathOutput{}, err
		}

		for row := 0; row < n; row++ {
			injP, injQ := NewRealVec(k), NewRealVec(k)
			for e := ybus.RowIndPtrLU[row]; e < ybus.RowIndPtrLU[row+1]; e++ {
				col := ybus.ColIndicesLU[e]
				dataIdxY := ybus.MapLUYBus[e]
				if dataIdxY < 0 {
					continue // pure fill-in, no elements to walk
				}
				asm.assembleEntry(row, col, dataIdxY, gain[e], gain[e], rhs[row], &injP, &injQ)
			}
			diagE := ybus.DiagLU[row]
			asm.assembleVoltage(row, gain[diagE], rhs[row])
			asm.assembleMissingInjection(row, gain[diagE])
			asm.assembleInjection(row, gain[diagE], rhs[row], injP, injQ)
		}

		transposePass(ybus, gain, k)
		info.recordDuration(TimingAssembleKey, time.Since(t0))

		t1 := time.Now()
		if err := lu.Prefactorize(gain, perm); err != nil {
			return MathOutput{}, err
		}
		info.recordDuration(TimingFactorizeKey, time.Since(t1))

		t2 := time.Now()
		if err := lu.SolveWithPrefactorizedMatrix(gain, perm, rhs, delta); err != nil {
			return MathOutput{}, err
		}
		info.recordDuration(TimingSolveKey, time.Since(t2))

		maxDev := applyUpdate(u, delta, k)
		out.NumIter = iter + 1
		out.MaxDev = maxDev
		out.Trace.MaxDev = append(out.Trace.MaxDev, maxDev)
		info.Merge(MaxIterationsKey, float64(out.NumIter))

		if maxDev <= cfg.ErrTol {
			out.U = u
			out.Injection = calculateInjections(ybus, u)
			return out, nil
		}
	}

	return MathOutput{Trace: out.Trace}, &SolveError{Kind: KindIterationDiverge, MaxIter: cfg.MaxIter, ErrTol: cfg.ErrTol, MaxDev: out.MaxDev}
}

// initializeVoltage seeds every bus at flat voltage magnitude 1.0 p.u. and
// an angle equal to the measurement set's mean angle shift plus the bus's
// own topological phase shift, per spec §4.5.1.
func initializeVoltage(ybus *YBusView, meas *MeasurementSet) []PhaseVec {
	u := make([]PhaseVec, ybus.N)
	shift := meas.MeanAngleShift()
	for i := 0; i < ybus.N; i++ {
		theta := NewRealVec(ybus.K)
		for p := range theta.Data {
			theta.Data[p] = shift + ybus.PhaseShift[i]
		}
		u[i] = ExpI(theta)
	}
	return u
}

// applyUpdate advances u by the theta/v slots of delta (per spec §4.5.5,
// theta additive, v multiplicative -- v += v*del_v, since the solved v-slot
// unknown is a fractional deviation Δv/v rather than an absolute one -- with
// angle otherwise preserved through the magnitude update) and
// returns the maximum absolute deviation observed across every state slot
// of every bus, the convergence statistic spec.md calls max_dev.
func applyUpdate(u []PhaseVec, delta [][]float64, k int) float64 {
	var maxDev float64
	for i := range u {
		dTheta := subVec(delta[i], k, 0)
		dV := subVec(delta[i], k, k)

		mag := Cabs(u[i])
		theta := NewRealVec(k)
		for p := 0; p < k; p++ {
			theta.Data[p] = anglePlusDelta(u[i][p], dTheta.Data[p])
			if d := absf(dTheta.Data[p]); d > maxDev {
				maxDev = d
			}
			if d := absf(dV.Data[p]); d > maxDev {
				maxDev = d
			}
		}
		newMag := mag.Add(mag.MulElem(dV))
		u[i] = phasorFrom(newMag, theta)
	}
	return maxDev
}

func anglePlusDelta(u complex128, dTheta float64) float64 {
	return math.Atan2(imag(u), real(u)) + dTheta
}

func phasorFrom(mag, theta RealVec) PhaseVec {
	out := NewPhaseVec(mag.K)
	e := ExpI(theta)
	for i := range out {
		out[i] = complex(mag.Data[i], 0) * complex(real(e[i]), imag(e[i]))
	}
	return out
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// calculateInjections recomputes the net per-bus power injection implied by
// the converged voltage state, summing every element touching that bus's
// diagonal LU entry regardless of whether it was measured; used to populate
// MathOutput.Injection.
func calculateInjections(ybus *YBusView, u []PhaseVec) []PhaseVec {
	out := make([]PhaseVec, ybus.N)
	for row := 0; row < ybus.N; row++ {
		diagE := ybus.DiagLU[row]
		dataIdxY := ybus.MapLUYBus[diagE]
		p, q := NewRealVec(ybus.K), NewRealVec(ybus.K)
		if dataIdxY >= 0 {
			for _, el := range ybus.elementsFor(dataIdxY) {
				obj := el.Object
				switch el.Kind {
				case ElementShunt:
					y := ybus.BranchParam[obj].Yff
					p.AddInPlace(SumRow(GCosPlusBSin(y, u[row], u[row])))
					q.AddInPlace(SumRow(GSinMinusBCos(y, u[row], u[row])))
				case ElementBFF:
					other := ybus.BranchTopology[obj].To
					bp := ybus.BranchParam[obj]
					p.AddInPlace(SumRow(GCosPlusBSin(bp.Yff, u[row], u[row]).Add(GCosPlusBSin(bp.Yft, u[row], u[other]))))
					q.AddInPlace(SumRow(GSinMinusBCos(bp.Yff, u[row], u[row]).Add(GSinMinusBCos(bp.Yft, u[row], u[other]))))
				case ElementBTT:
					other := ybus.BranchTopology[obj].From
					bp := ybus.BranchParam[obj]
					p.AddInPlace(SumRow(GCosPlusBSin(bp.Ytt, u[row], u[row]).Add(GCosPlusBSin(bp.Ytf, u[row], u[other]))))
					q.AddInPlace(SumRow(GSinMinusBCos(bp.Ytt, u[row], u[row]).Add(GSinMinusBCos(bp.Ytf, u[row], u[other]))))
				}
			}
		}
		out[row] = phaseFromPQ(p, q)
	}
	return out
}

func phaseFromPQ(p, q RealVec) PhaseVec {
	out := NewPhaseVec(p.K)
	for i := range out {
		out[i] = complex(p.Data[i], q.Data[i])
	}
	return out
}
