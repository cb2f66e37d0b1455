package stateest

import "math"

// VoltageMeasurement is a per-bus voltage magnitude measurement, optionally
// carrying a phase angle (spec's open question: behavior with
// has_angle_measurement() true is otherwise unspecified). Voltage returns
// the measured angle whenever HasAngle is set; the estimator's assembly uses
// only the magnitude of that phasor, so the angle does not affect the
// solution, and Config.AngleAware does not change this.
type VoltageMeasurement struct {
	Magnitude PhaseVec // per-phase measured |u|
	Angle     RealVec  // optional per-phase measured theta, valid iff HasAngle
	HasAngle  bool
	Variance  RealVec // per-phase
}

// PowerMeasurement is a complex power measurement (injection, or branch/shunt
// flow) with separate P and Q variances, per phase.
type PowerMeasurement struct {
	Value      PhaseVec
	PVariance  RealVec
	QVariance  RealVec
}

// MeasurementSet is the typed, read-only measurement index the solver
// queries during assembly. Like YBusView it is built once per solve request
// and never mutated by the solver.
type MeasurementSet struct {
	K int
	N int

	voltage    map[int]VoltageMeasurement
	injection  map[int]PowerMeasurement
	branchFrom map[int]PowerMeasurement
	branchTo   map[int]PowerMeasurement
	shunt      map[int]PowerMeasurement

	meanAngleShift  float64
	hasAngleMeasure bool
}

// NewMeasurementSet allocates an empty measurement index for N buses with K
// phases per bus.
func NewMeasurementSet(n, k int) *MeasurementSet {
	return &MeasurementSet{
		K:          k,
		N:          n,
		voltage:    make(map[int]VoltageMeasurement),
		injection:  make(map[int]PowerMeasurement),
		branchFrom: make(map[int]PowerMeasurement),
		branchTo:   make(map[int]PowerMeasurement),
		shunt:      make(map[int]PowerMeasurement),
	}
}

// SetVoltage records a voltage measurement at bus.
func (m *MeasurementSet) SetVoltage(bus int, meas VoltageMeasurement) {
	if meas.HasAngle {
		m.hasAngleMeasure = true
	}
	m.voltage[bus] = meas
}

// SetInjection records a net power injection measurement at bus.
func (m *MeasurementSet) SetInjection(bus int, meas PowerMeasurement) {
	m.injection[bus] = meas
}

// SetBranchFrom records a from-side power flow measurement on branch obj.
func (m *MeasurementSet) SetBranchFrom(obj int, meas PowerMeasurement) {
	m.branchFrom[obj] = meas
}

// SetBranchTo records a to-side power flow measurement on branch obj.
func (m *MeasurementSet) SetBranchTo(obj int, meas PowerMeasurement) {
	m.branchTo[obj] = meas
}

// SetShunt records a shunt power flow measurement on shunt obj.
func (m *MeasurementSet) SetShunt(obj int, meas PowerMeasurement) {
	m.shunt[obj] = meas
}

// SetMeanAngleShift sets the initial angle seed added to each bus's
// topological phase shift during initialization.
func (m *MeasurementSet) SetMeanAngleShift(v float64) { m.meanAngleShift = v }

func (m *MeasurementSet) HasVoltage(bus int) bool { _, ok := m.voltage[bus]; return ok }

func (m *MeasurementSet) VoltageVar(bus int) RealVec { return m.voltage[bus].Variance }

// Voltage returns magnitude-known phasors for bus, aligned to the current
// angle estimate carried in currentU (measurements inject magnitude only,
// unless angle-aware mode supplies a measured angle instead).
func (m *MeasurementSet) Voltage(bus int, currentU PhaseVec) PhaseVec {
	meas := m.voltage[bus]
	out := NewPhaseVec(m.K)
	for i := 0; i < m.K; i++ {
		mag := real(meas.Magnitude[i])
		if meas.HasAngle && m.hasAngleMeasure {
			s, c := math.Sincos(meas.Angle.Data[i])
			out[i] = complex(mag*c, mag*s)
			continue
		}
		phase := currentU[i]
		absPhase := math.Hypot(real(phase), imag(phase))
		if absPhase == 0 {
			out[i] = complex(mag, 0)
			continue
		}
		out[i] = phase * complex(mag/absPhase, 0)
	}
	return out
}

func (m *MeasurementSet) HasBusInjection(bus int) bool { _, ok := m.injection[bus]; return ok }
func (m *MeasurementSet) BusInjection(bus int) PowerMeasurement { return m.injection[bus] }

func (m *MeasurementSet) HasBranchFrom(obj int) bool { _, ok := m.branchFrom[obj]; return ok }
func (m *MeasurementSet) BranchFrom(obj int) PowerMeasurement { return m.branchFrom[obj] }

func (m *MeasurementSet) HasBranchTo(obj int) bool { _, ok := m.branchTo[obj]; return ok }
func (m *MeasurementSet) BranchTo(obj int) PowerMeasurement { return m.branchTo[obj] }

func (m *MeasurementSet) HasShunt(obj int) bool { _, ok := m.shunt[obj]; return ok }
func (m *MeasurementSet) Shunt(obj int) PowerMeasurement { return m.shunt[obj] }

// MeanAngleShift returns the initial angle seed.
func (m *MeasurementSet) MeanAngleShift() float64 { return m.meanAngleShift }

// HasAngleMeasurement reports whether any voltage measurement in the set
// carries a phase angle.
func (m *MeasurementSet) HasAngleMeasurement() bool { return m.hasAngleMeasure }
