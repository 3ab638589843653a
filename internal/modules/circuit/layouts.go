package circuit

import (
	"fmt"
	"sort"
	"strings"
)

// Layout describes a gate arrangement. Rotation operations carry ParamIndex
// values relative to the start of the layout's parameter slice.
type Layout interface {
	Name() string
	ParameterCount(qubits int) int
	Operations(qubits int) []Operation
}

// SingleRotation rotates one target qubit about Axis by p[0].
type SingleRotation struct {
	Axis   Axis
	Target int
}

func (l SingleRotation) Name() string             { return "single_rotation_" + string(l.Axis) }
func (l SingleRotation) ParameterCount(_ int) int { return 1 }

func (l SingleRotation) Operations(_ int) []Operation {
	return []Operation{Rotation(l.Axis, l.Target, 0)}
}

// RotationEntangler applies RX(p[i]) and RY(p[n/2+i]) to each qubit i of the
// first half, then entangles it with its partner in the second half.
type RotationEntangler struct{}

func (RotationEntangler) Name() string { return "rotation_entangler" }

func (RotationEntangler) ParameterCount(qubits int) int {
	return 2 * (qubits / 2)
}

func (RotationEntangler) Operations(qubits int) []Operation {
	half := qubits / 2
	ops := make([]Operation, 0, 3*half)
	for i := 0; i < half; i++ {
		ops = append(ops,
			Rotation(AxisX, i, i),
			Rotation(AxisY, i, half+i),
			Entangle(GateCX, i, half+i),
		)
	}
	return ops
}

// CreativeEntangler is RotationEntangler followed by a Hadamard and a ring of
// CZ gates over the second half of the register.
type CreativeEntangler struct{}

func (CreativeEntangler) Name() string { return "creative_entangler" }

func (CreativeEntangler) ParameterCount(qubits int) int {
	return RotationEntangler{}.ParameterCount(qubits)
}

func (CreativeEntangler) Operations(qubits int) []Operation {
	ops := RotationEntangler{}.Operations(qubits)
	for i := qubits / 2; i < qubits; i++ {
		next := (i + 1) % qubits
		ops = append(ops, Fixed(GateH, i))
		if next != i {
			ops = append(ops, Entangle(GateCZ, i, next))
		}
	}
	return ops
}

// RXRYLayer applies RX(p[i]) then RY(p[n+i]) to every qubit.
type RXRYLayer struct{}

func (RXRYLayer) Name() string                  { return "rxry_layer" }
func (RXRYLayer) ParameterCount(qubits int) int { return 2 * qubits }

func (RXRYLayer) Operations(qubits int) []Operation {
	ops := make([]Operation, 0, 2*qubits)
	for i := 0; i < qubits; i++ {
		ops = append(ops, Rotation(AxisX, i, i), Rotation(AxisY, i, qubits+i))
	}
	return ops
}

// BellPair prepares (|00> + |11>)/√2 on qubits 0 and 1.
type BellPair struct{}

func (BellPair) Name() string             { return "bell_pair" }
func (BellPair) ParameterCount(_ int) int { return 0 }

func (BellPair) Operations(_ int) []Operation {
	return []Operation{Fixed(GateH, 0), Entangle(GateCX, 0, 1)}
}

// AdaptiveChip is a Bell pair followed by RY(p[0]) on qubit 0.
type AdaptiveChip struct{}

func (AdaptiveChip) Name() string             { return "adaptive_chip" }
func (AdaptiveChip) ParameterCount(_ int) int { return 1 }

func (AdaptiveChip) Operations(_ int) []Operation {
	return []Operation{Fixed(GateH, 0), Entangle(GateCX, 0, 1), Rotation(AxisY, 0, 0)}
}

var layouts = map[string]Layout{
	"single_rotation_x":  SingleRotation{Axis: AxisX},
	"single_rotation_y":  SingleRotation{Axis: AxisY},
	"rotation_entangler": RotationEntangler{},
	"creative_entangler": CreativeEntangler{},
	"rxry_layer":         RXRYLayer{},
	"bell_pair":          BellPair{},
	"adaptive_chip":      AdaptiveChip{},
}

// LayoutByName resolves a built-in layout.
func LayoutByName(name string) (Layout, error) {
	l, ok := layouts[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown layout %q (known: %s)", name, strings.Join(LayoutNames(), ", "))
	}
	return l, nil
}

// LayoutNames lists the built-in layouts in sorted order.
func LayoutNames() []string {
	names := make([]string, 0, len(layouts))
	for name := range layouts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
