package stateest

import "math"

// RealMat is a dense K*K real matrix stored row major. K is 1 for the
// symmetric (positive-sequence) model and 3 for the asymmetric (per-phase)
// model. Every arithmetic helper here dispatches on K at runtime rather than
// at compile time: Go has no way to parametrize an array length by a type
// parameter, so the "sym" flag of the original design collapses to a field
// instead of a generic instantiation.
type RealMat struct {
	K    int
	Data []float64
}

// NewRealMat allocates a zeroed K*K matrix.
func NewRealMat(k int) RealMat {
	return RealMat{K: k, Data: make([]float64, k*k)}
}

func (m RealMat) at(i, j int) float64      { return m.Data[i*m.K+j] }
func (m RealMat) set(i, j int, v float64)  { m.Data[i*m.K+j] = v }
func (m RealMat) add1(i, j int, v float64) { m.Data[i*m.K+j] += v }

// Zero clears the matrix in place.
func (m RealMat) Zero() {
	for i := range m.Data {
		m.Data[i] = 0
	}
}

// Add returns a + b element-wise.
func (m RealMat) Add(o RealMat) RealMat {
	out := NewRealMat(m.K)
	for i := range m.Data {
		out.Data[i] = m.Data[i] + o.Data[i]
	}
	return out
}

// Sub returns a - b element-wise.
func (m RealMat) Sub(o RealMat) RealMat {
	out := NewRealMat(m.K)
	for i := range m.Data {
		out.Data[i] = m.Data[i] - o.Data[i]
	}
	return out
}

// AddInPlace accumulates o into m.
func (m RealMat) AddInPlace(o RealMat) {
	for i := range m.Data {
		m.Data[i] += o.Data[i]
	}
}

// RealVec is a K-length real vector, K = 1 or 3.
type RealVec struct {
	K    int
	Data []float64
}

// NewRealVec allocates a zeroed K-vector.
func NewRealVec(k int) RealVec {
	return RealVec{K: k, Data: make([]float64, k)}
}

// AddInPlace accumulates o into v.
func (v RealVec) AddInPlace(o RealVec) {
	for i := range v.Data {
		v.Data[i] += o.Data[i]
	}
}

// SubInPlace subtracts o from v in place.
func (v RealVec) SubInPlace(o RealVec) {
	for i := range v.Data {
		v.Data[i] -= o.Data[i]
	}
}

// Dot performs a matrix-vector product m*v.
func (m RealMat) Dot(v RealVec) RealVec {
	out := NewRealVec(m.K)
	for i := 0; i < m.K; i++ {
		var s float64
		for j := 0; j < m.K; j++ {
			s += m.at(i, j) * v.Data[j]
		}
		out.Data[i] = s
	}
	return out
}

// DotMat performs a matrix-matrix product a*b.
func (m RealMat) DotMat(o RealMat) RealMat {
	out := NewRealMat(m.K)
	for i := 0; i < m.K; i++ {
		for j := 0; j < m.K; j++ {
			var s float64
			for k := 0; k < m.K; k++ {
				s += m.at(i, k) * o.at(k, j)
			}
			out.set(i, j, s)
		}
	}
	return out
}

// Transpose returns the transpose of m.
func (m RealMat) Transpose() RealMat {
	out := NewRealMat(m.K)
	for i := 0; i < m.K; i++ {
		for j := 0; j < m.K; j++ {
			out.set(j, i, m.at(i, j))
		}
	}
	return out
}

// DiagFromVec builds a diagonal matrix from a vector.
func DiagFromVec(v RealVec) RealMat {
	out := NewRealMat(v.K)
	for i := 0; i < v.K; i++ {
		out.set(i, i, v.Data[i])
	}
	return out
}

// DiagonalInverse returns the reciprocal of each entry of v, wrapped as a
// diagonal matrix. A zero entry here is the numerical fingerprint of a
// collapsed voltage magnitude; it is not special-cased and instead surfaces
// downstream as a singular pivot in the block LU solver, per spec.
func DiagonalInverse(v RealVec) RealMat {
	out := NewRealMat(v.K)
	for i := 0; i < v.K; i++ {
		out.set(i, i, 1.0/v.Data[i])
	}
	return out
}

// VectorOuterProduct returns a_i * b_j for every i, j: the outer product of
// two K-vectors as a K*K matrix.
func VectorOuterProduct(a, b RealVec) RealMat {
	out := NewRealMat(a.K)
	for i := 0; i < a.K; i++ {
		for j := 0; j < b.K; j++ {
			out.set(i, j, a.Data[i]*b.Data[j])
		}
	}
	return out
}

// SumRow reduces a K*K matrix to a K-vector by summing each row. In
// symmetric mode (K=1) this is the identity.
func SumRow(m RealMat) RealVec {
	out := NewRealVec(m.K)
	for i := 0; i < m.K; i++ {
		var s float64
		for j := 0; j < m.K; j++ {
			s += m.at(i, j)
		}
		out.Data[i] = s
	}
	return out
}

// PhaseVec is a K-length complex vector representing per-phase voltage or
// admittance (K=1 for symmetric, K=3 for asymmetric).
type PhaseVec []complex128

// NewPhaseVec allocates a zeroed K-length complex vector.
func NewPhaseVec(k int) PhaseVec { return make(PhaseVec, k) }

// Cabs returns the per-phase magnitude of a complex phase vector.
func Cabs(u PhaseVec) RealVec {
	out := NewRealVec(len(u))
	for i, c := range u {
		out.Data[i] = math.Hypot(real(c), imag(c))
	}
	return out
}

// ExpI returns exp(i*theta) per phase, theta given as a RealVec of angles.
func ExpI(theta RealVec) PhaseVec {
	out := NewPhaseVec(theta.K)
	for i, t := range theta.Data {
		s, c := math.Sincos(t)
		out[i] = complex(c, s)
	}
	return out
}

// Real extracts the real part of every phase entry.
func Real(u PhaseVec) RealVec {
	out := NewRealVec(len(u))
	for i, c := range u {
		out.Data[i] = real(c)
	}
	return out
}

// Imag extracts the imaginary part of every phase entry.
func Imag(u PhaseVec) RealVec {
	out := NewRealVec(len(u))
	for i, c := range u {
		out.Data[i] = imag(c)
	}
	return out
}

// ComplexMat is a dense K*K complex admittance matrix, row major. In
// symmetric mode K=1 and it degenerates to a single scalar admittance; in
// asymmetric mode it carries the full per-phase mutual coupling of a
// branch's pi-model sub-matrix or a shunt's admittance.
type ComplexMat struct {
	K    int
	Data []complex128
}

// NewComplexMat allocates a zeroed K*K complex matrix.
func NewComplexMat(k int) ComplexMat {
	return ComplexMat{K: k, Data: make([]complex128, k*k)}
}

func (m ComplexMat) at(i, j int) complex128     { return m.Data[i*m.K+j] }
func (m ComplexMat) set(i, j int, v complex128) { m.Data[i*m.K+j] = v }

// GCosPlusBSin evaluates, entrywise over the K*K phase-coupling matrix,
// Re(y_pq)*[Re(ui_p)Re(uj_q)+Im(ui_p)Im(uj_q)] +
// Im(y_pq)*[Im(ui_p)Re(uj_q)-Re(ui_p)Im(uj_q)] -- the active-power
// contribution of an admittance term, computed without ever forming
// cos(theta_p - theta_q) directly. Products of the real/imaginary parts of
// the cached complex voltages deliver that quantity implicitly. In
// symmetric mode (K=1) this is exactly the scalar formula of spec §4.1.
func GCosPlusBSin(y ComplexMat, ui, uj PhaseVec) RealMat {
	k := y.K
	out := NewRealMat(k)
	for p := 0; p < k; p++ {
		ur, ui_ := real(ui[p]), imag(ui[p])
		for q := 0; q < k; q++ {
			g, b := real(y.at(p, q)), imag(y.at(p, q))
			vr, vi := real(uj[q]), imag(uj[q])
			out.set(p, q, g*(ur*vr+ui_*vi)+b*(ui_*vr-ur*vi))
		}
	}
	return out
}

// GSinMinusBCos evaluates, entrywise, Re(y_pq)*[Im(ui_p)Re(uj_q)-Re(ui_p)Im(uj_q)]
// - Im(y_pq)*[Re(ui_p)Re(uj_q)+Im(ui_p)Im(uj_q)] -- the reactive-power
// contribution of an admittance term, again using only real/imaginary
// products of the cached voltages.
func GSinMinusBCos(y ComplexMat, ui, uj PhaseVec) RealMat {
	k := y.K
	out := NewRealMat(k)
	for p := 0; p < k; p++ {
		ur, ui_ := real(ui[p]), imag(ui[p])
		for q := 0; q < k; q++ {
			g, b := real(y.at(p, q)), imag(y.at(p, q))
			vr, vi := real(uj[q]), imag(uj[q])
			out.set(p, q, g*(ui_*vr-ur*vi)-b*(ur*vr+ui_*vi))
		}
	}
	return out
}

// ScaleRows multiplies row p of m by s.Data[p], used to apply a per-phase
// 1/|u| normalizer before a row reduction.
func (m RealMat) ScaleRows(s RealVec) RealMat {
	out := NewRealMat(m.K)
	for p := 0; p < m.K; p++ {
		for q := 0; q < m.K; q++ {
			out.set(p, q, m.at(p, q)*s.Data[p])
		}
	}
	return out
}

// Negate returns -m.
func (m RealMat) Negate() RealMat {
	out := NewRealMat(m.K)
	for i := range m.Data {
		out.Data[i] = -m.Data[i]
	}
	return out
}

// MulElem returns the element-wise (Hadamard) product of two K-vectors.
func (v RealVec) MulElem(o RealVec) RealVec {
	out := NewRealVec(v.K)
	for i := range v.Data {
		out.Data[i] = v.Data[i] * o.Data[i]
	}
	return out
}

// Negate returns -v.
func (v RealVec) Negate() RealVec {
	out := NewRealVec(v.K)
	for i := range v.Data {
		out.Data[i] = -v.Data[i]
	}
	return out
}

// Add returns v + o.
func (v RealVec) Add(o RealVec) RealVec {
	out := NewRealVec(v.K)
	for i := range v.Data {
		out.Data[i] = v.Data[i] + o.Data[i]
	}
	return out
}

// Sub returns v - o.
func (v RealVec) Sub(o RealVec) RealVec {
	out := NewRealVec(v.K)
	for i := range v.Data {
		out.Data[i] = v.Data[i] - o.Data[i]
	}
	return out
}

// InvAbs returns 1/|u| per phase.
func InvAbs(u PhaseVec) RealVec {
	abs := Cabs(u)
	out := NewRealVec(abs.K)
	for i, a := range abs.Data {
		out.Data[i] = 1.0 / a
	}
	return out
}
