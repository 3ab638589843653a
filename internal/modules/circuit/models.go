// Package circuit provides the immutable, serializable description of a
// parameterized circuit and the layouts that build it from a ParameterVector.
package circuit

import "fmt"

// OperationKind tags the variant held by an Operation.
type OperationKind string

const (
	// KindRotation is a single-qubit rotation by an angle about an axis.
	KindRotation OperationKind = "rotation"
	// KindEntangle is a two-qubit entangling operation.
	KindEntangle OperationKind = "entangle"
	// KindFixed is a parameterless single-qubit gate.
	KindFixed OperationKind = "fixed"
)

// Axis is the rotation axis of a KindRotation operation.
type Axis string

const (
	AxisX Axis = "x"
	AxisY Axis = "y"
	AxisZ Axis = "z"
)

// GateType names entangling and fixed gates.
type GateType string

const (
	GateCX GateType = "cx"
	GateCZ GateType = "cz"
	GateH  GateType = "h"
	GateX  GateType = "x"
	GateY  GateType = "y"
	GateZ  GateType = "z"
	GateS  GateType = "s"
	GateT  GateType = "t"
)

// Unbound marks a rotation whose angle is a constant rather than a parameter.
const Unbound = -1

// Operation is one step of a circuit. Only the fields of its Kind are meaningful:
//   - rotation: Axis, Angle, Target, ParamIndex
//   - entangle: Gate (cx|cz), Control, Target
//   - fixed:    Gate (h|x|y|z|s|t), Target
type Operation struct {
	Kind       OperationKind `json:"kind" msgpack:"kind"`
	Axis       Axis          `json:"axis,omitempty" msgpack:"axis,omitempty"`
	Gate       GateType      `json:"gate,omitempty" msgpack:"gate,omitempty"`
	Angle      float64       `json:"angle,omitempty" msgpack:"angle,omitempty"`
	ParamIndex int           `json:"param_index" msgpack:"param_index"`
	Control    int           `json:"control" msgpack:"control"`
	Target     int           `json:"target" msgpack:"target"`
}

// Rotation creates a rotation bound to parameter index paramIndex.
// The angle is filled in when the layout is built.
func Rotation(axis Axis, target, paramIndex int) Operation {
	return Operation{Kind: KindRotation, Axis: axis, Target: target, ParamIndex: paramIndex, Control: -1}
}

// FixedRotation creates a rotation by a constant angle.
func FixedRotation(axis Axis, target int, angle float64) Operation {
	return Operation{Kind: KindRotation, Axis: axis, Target: target, Angle: angle, ParamIndex: Unbound, Control: -1}
}

// Entangle creates a two-qubit operation.
func Entangle(gate GateType, control, target int) Operation {
	return Operation{Kind: KindEntangle, Gate: gate, Control: control, Target: target, ParamIndex: Unbound}
}

// Fixed creates a parameterless single-qubit gate.
func Fixed(gate GateType, target int) Operation {
	return Operation{Kind: KindFixed, Gate: gate, Target: target, ParamIndex: Unbound, Control: -1}
}

// String renders the operation in a compact assembly-like form.
func (o Operation) String() string {
	switch o.Kind {
	case KindRotation:
		return fmt.Sprintf("r%s(%.4f) q%d", o.Axis, o.Angle, o.Target)
	case KindEntangle:
		return fmt.Sprintf("%s q%d,q%d", o.Gate, o.Control, o.Target)
	case KindFixed:
		return fmt.Sprintf("%s q%d", o.Gate, o.Target)
	default:
		return string(o.Kind)
	}
}

// Measurement lists the measured qubits in classical-register order:
// Qubits[k] is written to classical bit k. Bitstrings are rendered with
// classical bit 0 as the right-most character.
type Measurement struct {
	Qubits []int `json:"qubits" msgpack:"qubits"`
}

// ParameterSlice is the window of a ParameterVector that a circuit owns.
type ParameterSlice struct {
	Offset int `json:"offset" msgpack:"offset"`
	Length int `json:"length" msgpack:"length"`
}

// End returns the exclusive end index of the slice.
func (s ParameterSlice) End() int {
	return s.Offset + s.Length
}

// Overlaps reports whether both slices share at least one index.
func (s ParameterSlice) Overlaps(other ParameterSlice) bool {
	if s.Length == 0 || other.Length == 0 {
		return false
	}
	return s.Offset < other.End() && other.Offset < s.End()
}

// Descriptor is the immutable structural description of a circuit.
// Use the package functions to derive new descriptors; never mutate one in place.
type Descriptor struct {
	Name        string         `json:"name,omitempty" msgpack:"name,omitempty"`
	Qubits      int            `json:"qubits" msgpack:"qubits"`
	Operations  []Operation    `json:"operations" msgpack:"operations"`
	Measurement Measurement    `json:"measurement" msgpack:"measurement"`
	Slice       ParameterSlice `json:"slice" msgpack:"slice"`
	Aliased     bool           `json:"aliased,omitempty" msgpack:"aliased,omitempty"`
}

// Clone returns a deep copy of the descriptor.
func (d *Descriptor) Clone() *Descriptor {
	out := *d
	out.Operations = make([]Operation, len(d.Operations))
	copy(out.Operations, d.Operations)
	out.Measurement.Qubits = make([]int, len(d.Measurement.Qubits))
	copy(out.Measurement.Qubits, d.Measurement.Qubits)
	return &out
}

// Width returns the number of classical bits produced per shot.
func (d *Descriptor) Width() int {
	return len(d.Measurement.Qubits)
}

// MeasureAll returns a measurement of qubits 0..n-1 in order.
func MeasureAll(n int) Measurement {
	qubits := make([]int, n)
	for i := range qubits {
		qubits[i] = i
	}
	return Measurement{Qubits: qubits}
}
