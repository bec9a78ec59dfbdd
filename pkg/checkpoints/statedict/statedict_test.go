package statedict

import (
	"testing"

	"github.com/ankitj-cerebras/modelzoo/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	m := NewMap()
	a := tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)
	b := tensors.FromFlatDataAndDimensions([]float32{3}, 1)
	require.NoError(t, m.Set("b", b))
	require.NoError(t, m.Set("a", a))
	require.NoError(t, m.Set("b", a))
	assert.Equal(t, []string{"b", "a"}, m.Keys())
	assert.Equal(t, int64(16), m.ByteSize())

	got, err := m.Get("b")
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = m.Get("c")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingKey))

	m.Delete("b")
	assert.Equal(t, []string{"a"}, m.Keys())
	require.Error(t, m.Set("nil", nil))
}

func TestOverlay(t *testing.T) {
	base := NewMap()
	x := tensors.FromFlatDataAndDimensions([]float32{1}, 1)
	y := tensors.FromFlatDataAndDimensions([]float32{2}, 1)
	require.NoError(t, base.Set("x", x))

	o := NewOverlay(base)
	require.NoError(t, o.Set("y", y))
	require.NoError(t, o.Set("x", y))
	assert.Equal(t, []string{"x", "y"}, o.Keys())
	got, err := o.Get("x")
	require.NoError(t, err)
	assert.Same(t, y, got)

	// Base is untouched.
	got, err = base.Get("x")
	require.NoError(t, err)
	assert.Same(t, x, got)
	assert.False(t, base.Has("y"))
}
