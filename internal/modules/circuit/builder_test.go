package circuit

import (
	"errors"
	"math"
	"testing"

	"github.com/aristath/qloop/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_IsPure(t *testing.T) {
	params := domain.NewParameterVector(0.1, 0.2, 0.3, 0.4)

	a, err := Build(RotationEntangler{}, params, 4)
	require.NoError(t, err)
	b, err := Build(RotationEntangler{}, params, 4)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, 4, a.Width())
	assert.Equal(t, []int{0, 1, 2, 3}, a.Measurement.Qubits)
}

func TestBuild_BindsAngles(t *testing.T) {
	params := domain.NewParameterVector(0.1, 0.2, 0.3, 0.4)

	d, err := Build(RotationEntangler{}, params, 4)
	require.NoError(t, err)
	require.Len(t, d.Operations, 6)

	assert.Equal(t, Rotation(AxisX, 0, 0).Kind, d.Operations[0].Kind)
	assert.Equal(t, 0.1, d.Operations[0].Angle)
	assert.Equal(t, 0.3, d.Operations[1].Angle, "RY on qubit 0 reads p[n/2]")
	assert.Equal(t, 2, d.Operations[1].ParamIndex)
	assert.Equal(t, Entangle(GateCX, 0, 2), d.Operations[2])
	assert.Equal(t, ParameterSlice{Offset: 0, Length: 4}, d.Slice)
}

func TestBuild_InsufficientParameters(t *testing.T) {
	tests := []struct {
		name   string
		layout Layout
		params domain.ParameterVector
		qubits int
	}{
		{"rxry needs 2n", RXRYLayer{}, domain.NewParameterVector(1, 2, 3), 2},
		{"rotation entangler needs n", RotationEntangler{}, domain.NewParameterVector(1, 2, 3), 4},
		{"single rotation needs one", SingleRotation{Axis: AxisY}, domain.NewParameterVector(), 1},
		{"zero qubits", BellPair{}, domain.NewParameterVector(), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.layout, tt.params, tt.qubits)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrConfiguration))
		})
	}
}

func TestBuild_ExtraParametersAreIgnored(t *testing.T) {
	d, err := Build(RotationEntangler{}, domain.NewParameterVector(1, 2, 3, 4, 5, 6, 7, 8), 4)
	require.NoError(t, err)
	assert.Equal(t, 4, d.Slice.Length)
}

func TestBuild_OutOfRangeTargetIsInvalidCircuit(t *testing.T) {
	_, err := Build(SingleRotation{Axis: AxisX, Target: 2}, domain.NewParameterVector(math.Pi), 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidCircuit))
}

func TestCreativeEntangler(t *testing.T) {
	d, err := Build(CreativeEntangler{}, domain.Zeros(6), 6)
	require.NoError(t, err)

	// 3 * (rx, ry, cx) + 3 * (h, cz)
	assert.Len(t, d.Operations, 15)
	last := d.Operations[len(d.Operations)-1]
	assert.Equal(t, Entangle(GateCZ, 5, 0), last)
}

func TestBuildModular_Partition(t *testing.T) {
	params := domain.NewParameterVector(0, 1, 2, 3, 4, 5, 6, 7)
	slices := PartitionSlices(4, 4)
	subs := []SubCircuit{
		{Name: "module1", Layout: RXRYLayer{}, Qubits: 2, Slice: slices[0]},
		{Name: "module2", Layout: RXRYLayer{}, Qubits: 2, Slice: slices[1]},
	}

	ds, err := BuildModular(params, subs, Partition)
	require.NoError(t, err)
	require.Len(t, ds, 2)

	assert.Equal(t, "module2", ds[1].Name)
	assert.Equal(t, 4.0, ds[1].Operations[0].Angle)
	assert.Equal(t, 4, ds[1].Operations[0].ParamIndex, "indices are absolute within the shared vector")
	assert.False(t, ds[0].Aliased)
}

func TestBuildModular_OverlapRequiresShared(t *testing.T) {
	params := domain.NewParameterVector(0, 1, 2, 3, 4, 5)
	subs := []SubCircuit{
		{Name: "a", Layout: RXRYLayer{}, Qubits: 2, Slice: ParameterSlice{Offset: 0, Length: 4}},
		{Name: "b", Layout: RXRYLayer{}, Qubits: 2, Slice: ParameterSlice{Offset: 2, Length: 4}},
	}

	_, err := BuildModular(params, subs, Partition)
	assert.True(t, errors.Is(err, domain.ErrConfiguration))

	ds, err := BuildModular(params, subs, Shared)
	require.NoError(t, err)
	assert.True(t, ds[0].Aliased)
	assert.True(t, ds[1].Aliased)
	assert.Equal(t, ds[0].Operations[1].Angle, ds[1].Operations[0].Angle, "both read p[2]")
}

func TestBuildModular_SliceBeyondVector(t *testing.T) {
	subs := []SubCircuit{{Name: "a", Layout: RXRYLayer{}, Qubits: 2, Slice: ParameterSlice{Offset: 2, Length: 4}}}
	_, err := BuildModular(domain.Zeros(4), subs, Partition)
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}

func TestAppendEntangle_ReturnsNewDescriptor(t *testing.T) {
	d, err := Build(BellPair{}, domain.NewParameterVector(), 2)
	require.NoError(t, err)

	e, err := AppendEntangle(d, GateCX, 0, 1)
	require.NoError(t, err)

	assert.Len(t, d.Operations, 2)
	assert.Len(t, e.Operations, 3)

	_, err = AppendEntangle(d, GateCX, 1, 1)
	assert.True(t, errors.Is(err, domain.ErrInvalidCircuit))
}

func TestLayoutByName(t *testing.T) {
	l, err := LayoutByName(" RXRY_Layer ")
	require.NoError(t, err)
	assert.Equal(t, "rxry_layer", l.Name())

	_, err = LayoutByName("nope")
	assert.Error(t, err)
	assert.Contains(t, LayoutNames(), "bell_pair")
}
