package keyexchange

import (
	"context"
	"errors"
	"testing"

	"github.com/aristath/qloop/internal/domain"
	"github.com/aristath/qloop/internal/modules/backend"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	tests := []struct {
		message string
		key     string
		cipher  string
	}{
		{"1101", "0110", "1011"},
		{"0000", "1111", "1111"},
		{"10", "11", "01"},
		{"", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.message+"^"+tt.key, func(t *testing.T) {
			c, err := Encrypt(tt.message, tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.cipher, c)

			m, err := Decrypt(c, tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.message, m)
		})
	}
}

func TestEncrypt_Errors(t *testing.T) {
	_, err := Encrypt("1101", "11")
	assert.True(t, errors.Is(err, domain.ErrConfiguration))

	_, err = Encrypt("12", "11")
	assert.True(t, errors.Is(err, domain.ErrConfiguration))

	_, err = Decrypt("11", "1x")
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}

func TestDistributeKeys(t *testing.T) {
	d, err := backend.NewDistribution(map[string]int{"11": 2, "00": 1})
	require.NoError(t, err)

	keys, err := DistributeKeys(d)
	require.NoError(t, err)
	assert.Equal(t, []string{"00", "11", "11"}, keys)

	_, err = DistributeKeys(nil)
	assert.True(t, errors.Is(err, domain.ErrDegenerateDistribution))
}

func TestGenerate_KeysAreCorrelated(t *testing.T) {
	sim, err := backend.NewSimulator(backend.SimulatorConfig{Seed: 2}, zerolog.Nop())
	require.NoError(t, err)

	keys, err := Generate(context.Background(), sim, 32)
	require.NoError(t, err)
	require.Len(t, keys, 32)
	for _, k := range keys {
		assert.Contains(t, []string{"00", "11"}, k)
	}

	cipher, err := Encrypt("10", keys[0])
	require.NoError(t, err)
	plain, err := Decrypt(cipher, keys[0])
	require.NoError(t, err)
	assert.Equal(t, "10", plain)
}

func TestKeyOfLength(t *testing.T) {
	key, err := KeyOfLength([]string{"00", "11", "11"}, 5)
	require.NoError(t, err)
	assert.Equal(t, "00111", key)

	_, err = KeyOfLength([]string{"00"}, 3)
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}
