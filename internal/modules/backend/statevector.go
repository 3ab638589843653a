package backend

import (
	"math"
	"math/cmplx"

	"github.com/aristath/qloop/internal/modules/circuit"
)

// stateVector holds 2^n amplitudes. Basis index bit q is qubit q.
type stateVector struct {
	amps   []complex128
	qubits int
}

func newStateVector(qubits int) *stateVector {
	amps := make([]complex128, 1<<qubits)
	amps[0] = 1
	return &stateVector{amps: amps, qubits: qubits}
}

func (s *stateVector) apply(op circuit.Operation) {
	switch op.Kind {
	case circuit.KindRotation:
		switch op.Axis {
		case circuit.AxisX:
			s.rx(op.Target, op.Angle)
		case circuit.AxisY:
			s.ry(op.Target, op.Angle)
		case circuit.AxisZ:
			s.rz(op.Target, op.Angle)
		}
	case circuit.KindEntangle:
		switch op.Gate {
		case circuit.GateCX:
			s.cx(op.Control, op.Target)
		case circuit.GateCZ:
			s.cz(op.Control, op.Target)
		}
	case circuit.KindFixed:
		switch op.Gate {
		case circuit.GateH:
			s.h(op.Target)
		case circuit.GateX:
			s.x(op.Target)
		case circuit.GateY:
			s.y(op.Target)
		case circuit.GateZ:
			s.phase(op.Target, -1)
		case circuit.GateS:
			s.phase(op.Target, 1i)
		case circuit.GateT:
			s.phase(op.Target, cmplx.Exp(complex(0, math.Pi/4)))
		}
	}
}

// single applies the 2x2 unitary [[a, b], [c, d]] to qubit q.
func (s *stateVector) single(q int, a, b, c, d complex128) {
	bit := 1 << q
	for i := range s.amps {
		if i&bit != 0 {
			continue
		}
		j := i | bit
		x, y := s.amps[i], s.amps[j]
		s.amps[i] = a*x + b*y
		s.amps[j] = c*x + d*y
	}
}

func (s *stateVector) rx(q int, theta float64) {
	c := complex(math.Cos(theta/2), 0)
	js := complex(0, -math.Sin(theta/2))
	s.single(q, c, js, js, c)
}

func (s *stateVector) ry(q int, theta float64) {
	c := complex(math.Cos(theta/2), 0)
	sn := complex(math.Sin(theta/2), 0)
	s.single(q, c, -sn, sn, c)
}

func (s *stateVector) rz(q int, theta float64) {
	p := cmplx.Exp(complex(0, theta/2))
	s.single(q, cmplx.Conj(p), 0, 0, p)
}

func (s *stateVector) h(q int) {
	f := complex(1/math.Sqrt2, 0)
	s.single(q, f, f, f, -f)
}

func (s *stateVector) x(q int) {
	s.single(q, 0, 1, 1, 0)
}

func (s *stateVector) y(q int) {
	s.single(q, 0, -1i, 1i, 0)
}

func (s *stateVector) phase(q int, factor complex128) {
	s.single(q, 1, 0, 0, factor)
}

func (s *stateVector) cx(control, target int) {
	cBit, tBit := 1<<control, 1<<target
	for i := range s.amps {
		if i&cBit != 0 && i&tBit == 0 {
			j := i | tBit
			s.amps[i], s.amps[j] = s.amps[j], s.amps[i]
		}
	}
}

func (s *stateVector) cz(control, target int) {
	cBit, tBit := 1<<control, 1<<target
	for i := range s.amps {
		if i&cBit != 0 && i&tBit != 0 {
			s.amps[i] = -s.amps[i]
		}
	}
}

// outcomeProbabilities marginalizes the state over the measured qubits.
// Outcome index bit k is classical bit k, i.e. measured[k].
func (s *stateVector) outcomeProbabilities(measured []int) []float64 {
	probs := make([]float64, 1<<len(measured))
	for i, amp := range s.amps {
		p := real(amp)*real(amp) + imag(amp)*imag(amp)
		if p == 0 {
			continue
		}
		outcome := 0
		for k, q := range measured {
			if i&(1<<q) != 0 {
				outcome |= 1 << k
			}
		}
		probs[outcome] += p
	}
	return probs
}

// formatOutcome renders classical bits with bit 0 right-most.
func formatOutcome(outcome, width int) string {
	buf := make([]byte, width)
	for k := 0; k < width; k++ {
		if outcome&(1<<k) != 0 {
			buf[width-1-k] = '1'
		} else {
			buf[width-1-k] = '0'
		}
	}
	return string(buf)
}
