package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/ankitj-cerebras/modelzoo/pkg/checkpoints/archive"
	"github.com/ankitj-cerebras/modelzoo/pkg/checkpoints/streaming"
	"github.com/ankitj-cerebras/modelzoo/pkg/convert"
	"github.com/ankitj-cerebras/modelzoo/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hiddenSize = 8
	numHeads   = 2
	numLayers  = 2
	vocabSize  = 12
)

// writeFalconCheckpoint writes a small Hugging Face Falcon checkpoint and its config.json to dir.
// Extra keys, which no conversion rule matches, are added as vectors of hiddenSize.
func writeFalconCheckpoint(t *testing.T, dir string, extraKeys ...string) (checkpointDir, configPath string) {
	config := map[string]any{
		"model_type":         "RefinedWeb",
		"vocab_size":         vocabSize,
		"hidden_size":        hiddenSize,
		"n_head":             numHeads,
		"n_head_kv":          1,
		"n_layer":            numLayers,
		"layer_norm_epsilon": 1e-5,
		"initializer_range":  0.02,
		"attention_dropout":  0.0,
		"hidden_dropout":     0.0,
	}
	contents, err := json.Marshal(config)
	require.NoError(t, err)
	configPath = filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(configPath, contents, 0o644))

	checkpointDir = filepath.Join(dir, "falcon")
	w, err := streaming.NewWriter(checkpointDir, "4KB")
	require.NoError(t, err)
	src := rand.NewPCG(1, 2)
	set := func(key string, dims ...int) {
		value, err := tensors.RandomNormal(src, dtypes.Float32, 0, 0.02, dims...)
		require.NoError(t, err)
		require.NoError(t, w.Set(key, value))
	}
	headDim := hiddenSize / numHeads
	set("transformer.word_embeddings.weight", vocabSize, hiddenSize)
	for layer := range numLayers {
		p := fmt.Sprintf("transformer.h.%d.", layer)
		set(p+"ln_attn.weight", hiddenSize)
		set(p+"ln_attn.bias", hiddenSize)
		set(p+"ln_mlp.weight", hiddenSize)
		set(p+"ln_mlp.bias", hiddenSize)
		set(p+"self_attention.query_key_value.weight", (numHeads+2)*headDim, hiddenSize)
		set(p+"self_attention.dense.weight", hiddenSize, hiddenSize)
		set(p+"mlp.dense_h_to_4h.weight", 4*hiddenSize, hiddenSize)
		set(p+"mlp.dense_4h_to_h.weight", hiddenSize, 4*hiddenSize)
	}
	set("transformer.ln_f.weight", hiddenSize)
	set("transformer.ln_f.bias", hiddenSize)
	set("lm_head.weight", vocabSize, hiddenSize)
	for _, key := range extraKeys {
		set(key, hiddenSize)
	}
	require.NoError(t, w.Save())
	return
}

func TestJobRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	checkpointDir, configPath := writeFalconCheckpoint(t, dir)

	toCS := &job{family: "falcon-40b", srcFormat: "hf", tgtFormat: "cs-2.0", config: configPath,
		checkpoint: checkpointDir, opts: &convert.Options{}}
	require.NoError(t, toCS.run(ctx))
	csDir := checkpointDir + "_to_cs-2.0"
	assert.FileExists(t, filepath.Join(csDir, archiveName))
	assert.FileExists(t, filepath.Join(csDir, csConfigName))

	csConfig, err := readConfig(filepath.Join(csDir, csConfigName), false)
	require.NoError(t, err)
	model := csConfig.Section("model")
	assert.Equal(t, 4*hiddenSize, model["filter_size"])
	assert.Equal(t, map[string]any{"num_kv_groups": 1}, model["extra_attention_params"])

	hfDir := filepath.Join(dir, "back")
	toHF := &job{family: "falcon-40b", srcFormat: "cs-2.0", tgtFormat: "hf",
		config: filepath.Join(csDir, csConfigName), checkpoint: filepath.Join(csDir, archiveName), outputDir: hfDir,
		opts: &convert.Options{}}
	require.NoError(t, toHF.run(ctx))

	original, err := streaming.Open(checkpointDir)
	require.NoError(t, err)
	converted, err := streaming.Open(hfDir)
	require.NoError(t, err)
	assert.ElementsMatch(t, original.Keys(), converted.Keys())
	for _, key := range original.Keys() {
		want, err := original.Get(key)
		require.NoError(t, err)
		got, err := converted.Get(key)
		require.NoError(t, err)
		assert.Truef(t, want.Equal(got), "key %q changed in the round trip", key)
	}

	hfConfig, err := readConfig(filepath.Join(hfDir, hfConfigName), true)
	require.NoError(t, err)
	assert.Equal(t, "RefinedWeb", hfConfig["model_type"])
	assert.Equal(t, float64(hiddenSize), hfConfig["hidden_size"])
}

func TestJobConfigOnly(t *testing.T) {
	dir := t.TempDir()
	_, configPath := writeFalconCheckpoint(t, dir)
	outputDir := filepath.Join(dir, "out")
	j := &job{family: "falcon-40b", srcFormat: "hf", tgtFormat: "cs-2.3", config: configPath, outputDir: outputDir,
		opts: &convert.Options{}}
	require.NoError(t, j.run(context.Background()))
	assert.FileExists(t, filepath.Join(outputDir, csConfigName))

	// The output directory must be new.
	assert.Error(t, j.run(context.Background()))
}

func TestJobFailureRemovesOutput(t *testing.T) {
	dir := t.TempDir()
	checkpointDir, configPath := writeFalconCheckpoint(t, dir, "transformer.unknown.weight")
	outputDir := filepath.Join(dir, "out")
	j := &job{family: "falcon-40b", srcFormat: "hf", tgtFormat: "cs-2.0", config: configPath,
		checkpoint: checkpointDir, outputDir: outputDir, opts: &convert.Options{}}
	err := j.run(context.Background())
	require.Error(t, err)
	var mismatch *convert.SchemaMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "transformer.unknown.weight", mismatch.Key)
	assert.NoDirExists(t, outputDir)

	// With the unknown key dropped, the same output directory can be used.
	j.opts.DropUnmatchedKeys = true
	require.NoError(t, j.run(context.Background()))
	assert.FileExists(t, filepath.Join(outputDir, archiveName))
}

func TestArchiveSourceSkipsValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), archiveName)
	w, err := archive.Create(path)
	require.NoError(t, err)
	require.NoError(t, w.SetValue(archiveModelKey, map[string]any{}))
	model, err := w.Sub(archiveModelKey)
	require.NoError(t, err)
	weight := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	require.NoError(t, model.Set("fc.weight", weight))
	require.NoError(t, model.SetValue("num_updates", 3))
	require.NoError(t, model.SetValue("buffers", map[string]any{"scale": 0.5}))
	require.NoError(t, w.SetValue("global_step", 10))
	require.NoError(t, w.Save())
	require.NoError(t, w.Close())

	src, closeSrc, err := openCheckpoint(path, false)
	require.NoError(t, err)
	defer closeSrc()
	assert.Equal(t, []string{"fc.weight"}, src.Keys())
	got, err := src.Get("fc.weight")
	require.NoError(t, err)
	assert.True(t, got.Equal(weight))

	require.NoError(t, inspectCheckpoint(path, false, true))
}

func TestJobUnknownConverter(t *testing.T) {
	dir := t.TempDir()
	_, configPath := writeFalconCheckpoint(t, dir)
	j := &job{family: "falcon-40b", srcFormat: "hf", tgtFormat: "cs-1.0", config: configPath,
		outputDir: filepath.Join(dir, "out"), opts: &convert.Options{}}
	err := j.run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, convert.ErrNoConverter)
	assert.NoDirExists(t, filepath.Join(dir, "out"))
}

func TestInspectAndList(t *testing.T) {
	checkpointDir, _ := writeFalconCheckpoint(t, t.TempDir())
	require.NoError(t, inspectCheckpoint(checkpointDir, true, true))
	assert.Error(t, inspectCheckpoint(filepath.Join(checkpointDir, "missing"), true, false))

	registry := &convert.Registry{}
	listConverters(registry, "")
	assert.Empty(t, registry.Families())
	assert.Contains(t, convert.DefaultRegistry.Families(), "falcon-40b")
	assert.Contains(t, convert.DefaultRegistry.Families(), "llama")
}
