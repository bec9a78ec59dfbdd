package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ankitj-cerebras/modelzoo/pkg/checkpoints/statedict"
	"github.com/ankitj-cerebras/modelzoo/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreLastRecordWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.mdl")
	s, err := CreateStore(path)
	require.NoError(t, err)
	id := s.ID()
	require.NotEmpty(t, id)
	x := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	y := tensors.FromFlatDataAndDimensions([]int64{7}, 1)
	require.NoError(t, s.SaveTensor("x", x))
	require.NoError(t, s.SaveValue("step", uint64(10)))
	require.NoError(t, s.SaveTensor("x", y))
	require.NoError(t, s.Close())

	_, err = CreateStore(path)
	require.Error(t, err, "store files are never overwritten")

	s, err = OpenStore(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.Equal(t, id, s.ID())
	assert.Equal(t, []string{"x", "step"}, s.Names())
	assert.Equal(t, KindTensor, s.Kind("x"))
	assert.Equal(t, KindValue, s.Kind("step"))
	assert.Equal(t, KindInvalid, s.Kind("missing"))
	got, err := s.LoadTensor("x")
	require.NoError(t, err)
	assert.True(t, got.Equal(y))
	step, err := s.LoadValue("step")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), step)
	require.Error(t, s.SaveValue("z", 1), "read-only")

	var spec map[string]any
	err = s.LoadSpec(&spec)
	assert.True(t, errors.Is(err, ErrNoSpec))
}

func TestOpenStoreRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage")
	require.NoError(t, os.WriteFile(path, []byte("not an archive at all"), 0644))
	_, err := OpenStore(path)
	require.Error(t, err)
}

func TestWriterAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.mdl")
	w, err := Create(path)
	require.NoError(t, err)

	fc := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	bias := tensors.FromFlatDataAndDimensions([]float32{0.5, -0.5}, 2)
	require.NoError(t, w.SetValue("model", map[string]any{
		"fc": map[string]any{"weight": fc, "bias": bias},
	}))
	require.NoError(t, w.SetValue("optimizer", map[string]any{
		"state": []any{map[string]any{"step": int64(3)}},
		"lr":    0.1,
	}))
	require.NoError(t, w.SetValue("global_step", int64(10)))

	// Writing through a sub-view.
	model, err := w.Sub("model")
	require.NoError(t, err)
	emb := tensors.FromFlatDataAndDimensions([]float32{9, 8}, 1, 2)
	require.NoError(t, model.Set("embedding", emb))
	assert.Equal(t, []string{"embedding", "fc"}, model.Keys())

	require.NoError(t, w.Save())
	require.NoError(t, w.Close())

	root, err := Load(path)
	require.NoError(t, err)
	defer func() { _ = root.Close() }()
	assert.Equal(t, []string{"global_step", "model", "optimizer"}, root.Keys())

	model, err = root.Sub("model")
	require.NoError(t, err)
	assert.Equal(t, []string{"embedding"}, model.TensorKeys())
	got, err := model.Get("embedding")
	require.NoError(t, err)
	assert.True(t, got.Equal(emb))

	fcView, err := model.Sub("fc")
	require.NoError(t, err)
	got, err = fcView.Get("weight")
	require.NoError(t, err)
	assert.True(t, got.Equal(fc))
	assert.Equal(t, []string{"bias", "weight"}, fcView.TensorKeys())

	step, err := root.Value("global_step")
	require.NoError(t, err)
	assert.EqualValues(t, 10, step)

	opt, err := root.Sub("optimizer")
	require.NoError(t, err)
	state, err := opt.Sub("state")
	require.NoError(t, err)
	assert.Equal(t, []string{"0"}, state.Keys())
	first, err := state.Sub("0")
	require.NoError(t, err)
	innerStep, err := first.Value("step")
	require.NoError(t, err)
	assert.EqualValues(t, 3, innerStep)

	_, err = model.Get("missing")
	assert.True(t, errors.Is(err, statedict.ErrMissingKey))
	_, err = model.Get("fc")
	require.Error(t, err, "fc is a structure")
	require.True(t, errors.Is(model.Set("x", emb), ErrReadOnly))
}

func TestStructuralConflicts(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "checkpoint.mdl"))
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	require.NoError(t, w.SetValue("model", map[string]any{"w": int64(1)}))
	require.NoError(t, w.SetValue("step", int64(1)))

	err = w.SetValue("model", int64(2))
	assert.True(t, errors.Is(err, ErrStructuralConflict))
	err = w.SetValue("step", map[string]any{"a": int64(1)})
	assert.True(t, errors.Is(err, ErrStructuralConflict))

	// Rebinding a leaf to a leaf is fine.
	require.NoError(t, w.SetValue("step", int64(2)))
	step, err := w.Value("step")
	require.NoError(t, err)
	assert.EqualValues(t, 2, step)
}

func TestLoadRefusesUnsavedCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.mdl")
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.SetValue("step", int64(1)))
	require.NoError(t, w.Close())

	_, err = Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoSpec))
}
