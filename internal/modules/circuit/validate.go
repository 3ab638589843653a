package circuit

import (
	"fmt"
	"math"

	"github.com/aristath/qloop/internal/domain"
)

// Validate checks the structural invariants of a descriptor: a positive qubit
// count, in-range qubit indices, distinct control/target, known gate names,
// finite angles and a non-empty measurement without duplicates.
func Validate(d *Descriptor) error {
	if d == nil {
		return domain.NewInvalidCircuitError("descriptor is nil")
	}

	var violations []string
	if d.Qubits <= 0 {
		violations = append(violations, fmt.Sprintf("qubit count must be positive, got %d", d.Qubits))
		return domain.NewInvalidCircuitError(violations...)
	}

	inRange := func(q int) bool { return q >= 0 && q < d.Qubits }

	for i, op := range d.Operations {
		switch op.Kind {
		case KindRotation:
			if op.Axis != AxisX && op.Axis != AxisY && op.Axis != AxisZ {
				violations = append(violations, fmt.Sprintf("op %d: unknown rotation axis %q", i, op.Axis))
			}
			if math.IsNaN(op.Angle) || math.IsInf(op.Angle, 0) {
				violations = append(violations, fmt.Sprintf("op %d: angle is not finite", i))
			}
			if !inRange(op.Target) {
				violations = append(violations, fmt.Sprintf("op %d: target qubit %d out of range", i, op.Target))
			}
		case KindEntangle:
			if op.Gate != GateCX && op.Gate != GateCZ {
				violations = append(violations, fmt.Sprintf("op %d: unknown entangling gate %q", i, op.Gate))
			}
			if !inRange(op.Control) {
				violations = append(violations, fmt.Sprintf("op %d: control qubit %d out of range", i, op.Control))
			}
			if !inRange(op.Target) {
				violations = append(violations, fmt.Sprintf("op %d: target qubit %d out of range", i, op.Target))
			}
			if op.Control == op.Target {
				violations = append(violations, fmt.Sprintf("op %d: control and target are both qubit %d", i, op.Target))
			}
		case KindFixed:
			switch op.Gate {
			case GateH, GateX, GateY, GateZ, GateS, GateT:
			default:
				violations = append(violations, fmt.Sprintf("op %d: unknown fixed gate %q", i, op.Gate))
			}
			if !inRange(op.Target) {
				violations = append(violations, fmt.Sprintf("op %d: target qubit %d out of range", i, op.Target))
			}
		default:
			violations = append(violations, fmt.Sprintf("op %d: unknown operation kind %q", i, op.Kind))
		}
	}

	if len(d.Measurement.Qubits) == 0 {
		violations = append(violations, "measurement measures no qubits")
	}
	seen := make(map[int]bool, len(d.Measurement.Qubits))
	for _, q := range d.Measurement.Qubits {
		if !inRange(q) {
			violations = append(violations, fmt.Sprintf("measured qubit %d out of range", q))
			continue
		}
		if seen[q] {
			violations = append(violations, fmt.Sprintf("qubit %d measured twice", q))
		}
		seen[q] = true
	}

	if len(violations) > 0 {
		return domain.NewInvalidCircuitError(violations...)
	}
	return nil
}
