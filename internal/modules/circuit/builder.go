package circuit

import (
	"fmt"

	"github.com/aristath/qloop/internal/domain"
)

// Build binds a layout to params and returns a validated descriptor measuring
// every qubit. It is pure: the same inputs always give an identical descriptor.
func Build(layout Layout, params domain.ParameterVector, qubits int) (*Descriptor, error) {
	return buildSlice(layout, params, qubits, ParameterSlice{Offset: 0, Length: params.Len()})
}

func buildSlice(layout Layout, params domain.ParameterVector, qubits int, slice ParameterSlice) (*Descriptor, error) {
	if layout == nil {
		return nil, domain.NewConfigurationError("layout is nil")
	}
	if qubits <= 0 {
		return nil, domain.NewConfigurationError("qubit count must be positive, got %d", qubits)
	}

	required := layout.ParameterCount(qubits)
	if slice.Length < required {
		return nil, domain.NewConfigurationError(
			"layout %s on %d qubits needs %d parameters, got %d", layout.Name(), qubits, required, slice.Length)
	}
	if slice.Offset < 0 || slice.End() > params.Len() {
		return nil, domain.NewConfigurationError(
			"parameter slice [%d:%d] exceeds vector of length %d", slice.Offset, slice.End(), params.Len())
	}

	template := layout.Operations(qubits)
	ops := make([]Operation, len(template))
	for i, op := range template {
		if op.Kind == KindRotation && op.ParamIndex != Unbound {
			if op.ParamIndex < 0 || op.ParamIndex >= required {
				return nil, domain.NewConfigurationError(
					"layout %s references parameter %d outside its %d parameters", layout.Name(), op.ParamIndex, required)
			}
			op.ParamIndex += slice.Offset
			op.Angle = params.At(op.ParamIndex)
		}
		ops[i] = op
	}

	d := &Descriptor{
		Name:        layout.Name(),
		Qubits:      qubits,
		Operations:  ops,
		Measurement: MeasureAll(qubits),
		Slice:       ParameterSlice{Offset: slice.Offset, Length: required},
	}
	if err := Validate(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Aliasing states whether sub-circuits may read the same parameters.
type Aliasing int

const (
	// Partition requires sub-circuit slices to be disjoint.
	Partition Aliasing = iota
	// Shared allows overlapping slices; affected descriptors are marked Aliased.
	Shared
)

// SubCircuit is one module of a modular circuit with an explicit slice of the
// shared parameter vector.
type SubCircuit struct {
	Name   string
	Layout Layout
	Qubits int
	Slice  ParameterSlice
}

// BuildModular builds one descriptor per sub-circuit from a single parameter
// vector. Slice ownership is explicit: under Partition any overlap is a
// ConfigurationError, under Shared the overlap is allowed and recorded.
func BuildModular(params domain.ParameterVector, subs []SubCircuit, aliasing Aliasing) ([]*Descriptor, error) {
	overlapping := make([]bool, len(subs))
	for i := range subs {
		for j := i + 1; j < len(subs); j++ {
			if !subs[i].Slice.Overlaps(subs[j].Slice) {
				continue
			}
			if aliasing == Partition {
				return nil, domain.NewConfigurationError(
					"sub-circuits %q and %q share parameters [%d:%d] and [%d:%d]",
					subs[i].Name, subs[j].Name,
					subs[i].Slice.Offset, subs[i].Slice.End(), subs[j].Slice.Offset, subs[j].Slice.End())
			}
			overlapping[i], overlapping[j] = true, true
		}
	}

	out := make([]*Descriptor, len(subs))
	for i, sub := range subs {
		d, err := buildSlice(sub.Layout, params, sub.Qubits, sub.Slice)
		if err != nil {
			return nil, fmt.Errorf("sub-circuit %q: %w", sub.Name, err)
		}
		if sub.Name != "" {
			d.Name = sub.Name
		}
		d.Aliased = overlapping[i]
		out[i] = d
	}
	return out, nil
}

// PartitionSlices lays out consecutive, disjoint slices of the given sizes.
func PartitionSlices(sizes ...int) []ParameterSlice {
	slices := make([]ParameterSlice, len(sizes))
	offset := 0
	for i, size := range sizes {
		slices[i] = ParameterSlice{Offset: offset, Length: size}
		offset += size
	}
	return slices
}

// AppendEntangle returns a copy of d with an extra entangling operation.
func AppendEntangle(d *Descriptor, gate GateType, control, target int) (*Descriptor, error) {
	out := d.Clone()
	out.Operations = append(out.Operations, Entangle(gate, control, target))
	if err := Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}
