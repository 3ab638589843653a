// Package keyexchange derives one-time keys from entangled measurements and
// applies them with XOR.
package keyexchange

import (
	"context"
	"fmt"

	"github.com/aristath/qloop/internal/domain"
	"github.com/aristath/qloop/internal/modules/backend"
	"github.com/aristath/qloop/internal/modules/circuit"
)

// KeyCircuit returns the Bell-pair circuit whose correlated outcomes serve as
// shared keys.
func KeyCircuit() (*circuit.Descriptor, error) {
	d, err := circuit.Build(circuit.BellPair{}, domain.NewParameterVector(), 2)
	if err != nil {
		return nil, err
	}
	d.Name = "key_generation"
	return d, nil
}

// DistributeKeys expands a distribution into one key per shot, in sorted
// bitstring order.
func DistributeKeys(d *backend.Distribution) ([]string, error) {
	if d == nil || d.Shots() == 0 {
		return nil, &domain.DegenerateDistributionError{Reason: "no measurements to derive keys from"}
	}
	keys := make([]string, 0, d.Shots())
	for _, bits := range d.Bitstrings() {
		for i := 0; i < d.Count(bits); i++ {
			keys = append(keys, bits)
		}
	}
	return keys, nil
}

// Generate runs the key circuit on b and distributes the resulting keys.
func Generate(ctx context.Context, b backend.Backend, shots int) ([]string, error) {
	d, err := KeyCircuit()
	if err != nil {
		return nil, err
	}
	dist, err := b.Execute(ctx, backend.ExecutionRequest{Circuit: d, Shots: shots, Backend: b.Name()})
	if err != nil {
		return nil, fmt.Errorf("failed to generate keys: %w", err)
	}
	return DistributeKeys(dist)
}

// KeyOfLength concatenates keys in order until length bits are available.
func KeyOfLength(keys []string, length int) (string, error) {
	if length < 0 {
		return "", domain.NewConfigurationError("key length must not be negative, got %d", length)
	}
	var buf []byte
	for _, k := range keys {
		if len(buf) >= length {
			break
		}
		buf = append(buf, k...)
	}
	if len(buf) < length {
		return "", domain.NewConfigurationError("keys hold %d bits, %d requested", len(buf), length)
	}
	return string(buf[:length]), nil
}

// Encrypt XORs message with key bit by bit.
func Encrypt(message, key string) (string, error) {
	return xor(message, key)
}

// Decrypt reverses Encrypt: Decrypt(Encrypt(m, k), k) == m.
func Decrypt(ciphertext, key string) (string, error) {
	return xor(ciphertext, key)
}

func xor(a, key string) (string, error) {
	if len(a) != len(key) {
		return "", domain.NewConfigurationError("message has %d bits, key has %d", len(a), len(key))
	}
	out := make([]byte, len(a))
	for i := 0; i < len(a); i++ {
		x, err := bit(a[i])
		if err != nil {
			return "", err
		}
		y, err := bit(key[i])
		if err != nil {
			return "", err
		}
		out[i] = '0' + (x ^ y)
	}
	return string(out), nil
}

func bit(c byte) (byte, error) {
	switch c {
	case '0':
		return 0, nil
	case '1':
		return 1, nil
	default:
		return 0, domain.NewConfigurationError("%q is not a bit", c)
	}
}
