package llama

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/ankitj-cerebras/modelzoo/pkg/checkpoints/statedict"
	"github.com/ankitj-cerebras/modelzoo/pkg/convert"
	"github.com/ankitj-cerebras/modelzoo/pkg/convert/headlayout"
	"github.com/ankitj-cerebras/modelzoo/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	vocabSize    = 16
	hiddenSize   = 8
	numHeads     = 2
	headDim      = hiddenSize / numHeads
	numLayers    = 2
	intermediate = 12
)

// hfConfig as decoded from a config.json: numbers are float64.
func hfConfig(numKVHeads int) convert.Config {
	config := convert.Config{
		"architectures":           []any{"LlamaForCausalLM"},
		"model_type":              "llama",
		"vocab_size":              float64(vocabSize),
		"hidden_size":             float64(hiddenSize),
		"intermediate_size":       float64(intermediate),
		"num_hidden_layers":       float64(numLayers),
		"num_attention_heads":     float64(numHeads),
		"hidden_act":              "silu",
		"rms_norm_eps":            1e-5,
		"max_position_embeddings": 4096.0,
		"tie_word_embeddings":     false,
		"torch_dtype":             "bfloat16",
		"rope_theta":              10000.0,
		"bos_token_id":            1.0,
		"eos_token_id":            2.0,
	}
	if numKVHeads > 0 {
		config["num_key_value_heads"] = float64(numKVHeads)
	}
	return config
}

// hfStateDict creates random Hugging Face Llama weights, with keys prefixed by prefix ("model." for
// LlamaForCausalLM).
func hfStateDict(t *testing.T, prefix string, numKVHeads int, withHead bool) *statedict.Map {
	src := rand.NewPCG(7, 11)
	sd := statedict.NewMap()
	set := func(key string, dims ...int) {
		value, err := tensors.RandomNormal(src, dtypes.BFloat16, 0, 0.02, dims...)
		require.NoError(t, err)
		require.NoError(t, sd.Set(key, value))
	}
	set(prefix+"embed_tokens.weight", vocabSize, hiddenSize)
	for layer := range numLayers {
		p := fmt.Sprintf("%slayers.%d.", prefix, layer)
		set(p+"self_attn.q_proj.weight", numHeads*headDim, hiddenSize)
		set(p+"self_attn.k_proj.weight", numKVHeads*headDim, hiddenSize)
		set(p+"self_attn.v_proj.weight", numKVHeads*headDim, hiddenSize)
		set(p+"self_attn.o_proj.weight", hiddenSize, hiddenSize)
		invFreq, err := headlayout.InvFreq(headDim)
		require.NoError(t, err)
		require.NoError(t, sd.Set(p+"self_attn.rotary_emb.inv_freq", invFreq))
		set(p+"input_layernorm.weight", hiddenSize)
		set(p+"post_attention_layernorm.weight", hiddenSize)
		set(p+"mlp.up_proj.weight", intermediate, hiddenSize)
		set(p+"mlp.gate_proj.weight", intermediate, hiddenSize)
		set(p+"mlp.down_proj.weight", hiddenSize, intermediate)
	}
	set(prefix+"norm.weight", hiddenSize)
	if withHead {
		set("lm_head.weight", vocabSize, hiddenSize)
	}
	return sd
}

func get(t *testing.T, sd convert.Source[*tensors.Tensor], key string) *tensors.Tensor {
	value, err := sd.Get(key)
	require.NoError(t, err, "key %q", key)
	return value
}

func TestConfigHFCS20(t *testing.T) {
	ctx := context.Background()
	hf := hfConfig(1)
	cs, err := convert.ConvertConfig(ctx, ConfigHFCS20, hf, convert.Forward, nil)
	require.NoError(t, err)
	model := cs.Section("model")
	assert.Equal(t, hiddenSize, mustInt(t, model, "hidden_size"))
	assert.Equal(t, numHeads, mustInt(t, model, "num_heads"))
	assert.Equal(t, intermediate, mustInt(t, model, "filter_size"))
	assert.Equal(t, headDim, model["rotary_dim"])
	assert.Equal(t, "swiglu", model["nonlinearity"])
	assert.Equal(t, "rmsnorm", model["norm_type"])
	assert.Equal(t, "multiquery_attention", model["attention_module"])
	assert.Equal(t, map[string]any{"num_kv_groups": 1}, model["extra_attention_params"])
	assert.Equal(t, 1e-5, model["layer_norm_epsilon"])
	assert.Equal(t, false, model["use_ffn_bias"])
	assert.NotContains(t, model, "use_rms_norm")
	assert.NotContains(t, model, "torch_dtype")

	back, err := convert.ConvertConfig(ctx, ConfigHFCS20, cs, convert.Backward, nil)
	require.NoError(t, err)
	for _, key := range []string{"model_type", "vocab_size", "hidden_size", "intermediate_size", "num_hidden_layers",
		"num_attention_heads", "hidden_act", "rms_norm_eps", "max_position_embeddings", "tie_word_embeddings",
		"num_key_value_heads"} {
		assert.Truef(t, convert.ValuesEqual(hf[key], back[key]), "key %q: %v != %v", key, hf[key], back[key])
	}

	// Multi-head attention.
	cs, err = convert.ConvertConfig(ctx, ConfigHFCS20, hfConfig(numHeads), convert.Forward, nil)
	require.NoError(t, err)
	assert.Equal(t, "aiayn_attention", cs.Section("model")["attention_module"])
	assert.NotContains(t, cs.Section("model"), "extra_attention_params")
}

func mustInt(t *testing.T, config convert.Config, key string) int {
	i, err := config.Int(key)
	require.NoError(t, err)
	return i
}

func TestConfigErrors(t *testing.T) {
	ctx := context.Background()
	var configErr *convert.ConfigConversionError

	hf := hfConfig(0)
	hf["hidden_act"] = "tanh"
	_, err := convert.ConvertConfig(ctx, ConfigHFCS19, hf, convert.Forward, nil)
	require.True(t, errors.As(err, &configErr))
	assert.Equal(t, "hidden_act", configErr.Key)

	hf = hfConfig(0)
	hf["rope_theta"] = 500000.0
	_, err = convert.ConvertConfig(ctx, ConfigHFCS19, hf, convert.Forward, nil)
	require.True(t, errors.As(err, &configErr))

	hf = hfConfig(3)
	_, err = convert.ConvertConfig(ctx, ConfigHFCS20, hf, convert.Forward, nil)
	require.True(t, errors.As(err, &configErr), "2 heads are not divisible in 3 groups")

	// Cerebras 1.9 has no grouped-query attention.
	_, err = convert.ConvertConfig(ctx, ConfigHFCS19, hfConfig(1), convert.Forward, nil)
	var mismatch *convert.SchemaMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "num_key_value_heads", mismatch.Key)

	// rotary_dim is required from Cerebras and must match the head dimension.
	cs, err := convert.ConvertConfig(ctx, ConfigHFCS19, hfConfig(0), convert.Forward, nil)
	require.NoError(t, err)
	delete(cs.Section("model"), "rotary_dim")
	_, err = convert.ConvertConfig(ctx, ConfigHFCS19, cs, convert.Backward, nil)
	require.True(t, errors.As(err, &configErr))
	cs.Section("model")["rotary_dim"] = headDim / 2
	_, err = convert.ConvertConfig(ctx, ConfigHFCS19, cs, convert.Backward, nil)
	require.True(t, errors.As(err, &configErr))
	assert.Equal(t, "rotary_dim", configErr.Key)

	// Cerebras only keys are not accepted in Hugging Face configs.
	hf = hfConfig(0)
	hf["rotary_dim"] = float64(headDim)
	_, err = convert.ConvertConfig(ctx, ConfigHFCS19, hf, convert.Forward, nil)
	assert.True(t, errors.Is(err, convert.ErrExistsViolation))
}

func TestConfigCS19CS20(t *testing.T) {
	ctx := context.Background()
	cs19, err := convert.ConvertConfig(ctx, ConfigHFCS19, hfConfig(0), convert.Forward, nil)
	require.NoError(t, err)
	assert.Equal(t, true, cs19.Section("model")["use_rms_norm"])
	cs19["optimizer"] = map[string]any{"optimizer_type": "AdamW", "learning_rate": 1e-4}

	cs20, err := convert.ConvertConfig(ctx, ConfigCS19CS20, cs19, convert.Forward, nil)
	require.NoError(t, err)
	assert.Equal(t, "rmsnorm", cs20.Section("model")["norm_type"])
	assert.NotContains(t, cs20.Section("model"), "use_rms_norm")
	assert.Equal(t, "AdamW", cs20.Section("optimizer")["optimizer_type"])

	// And the 2.0 config converts to Hugging Face.
	hf, err := convert.ConvertConfig(ctx, ConfigHFCS20, cs20, convert.Backward, nil)
	require.NoError(t, err)
	assert.Equal(t, "llama", hf["model_type"])
}

func TestCausalLMRoundTrip(t *testing.T) {
	ctx := context.Background()
	const numKVHeads = 1
	hfCfg := hfConfig(numKVHeads)
	csCfg, err := convert.ConvertConfig(ctx, ConfigHFCS20, hfCfg, convert.Forward, nil)
	require.NoError(t, err)
	configs := convert.Configs{Left: hfCfg, Right: csCfg}

	hf := hfStateDict(t, "model.", numKVHeads, true)
	cs := statedict.NewMap()
	require.NoError(t, convert.ConvertCheckpoint(ctx, CausalLMHFCS20, hf, cs, configs, convert.Forward, nil))

	// 9 tensors per layer (inv_freq is dropped), embeddings, final norm and its ln_f copy, lm_head.
	assert.Equal(t, numLayers*9+4, cs.Len())
	assert.True(t, get(t, hf, "model.norm.weight").Equal(get(t, cs, "ln_f.weight")))
	assert.True(t, get(t, hf, "model.norm.weight").Equal(get(t, cs, "transformer_decoder.norm.weight")))
	assert.True(t, get(t, hf, "lm_head.weight").Equal(get(t, cs, "lm_head.weight")))
	assert.True(t, get(t, hf, "model.layers.1.mlp.gate_proj.weight").Equal(
		get(t, cs, "transformer_decoder.layers.1.ffn.ffn.0.linear_layer_for_glu.weight")))
	q, err := headlayout.Interleave(get(t, hf, "model.layers.0.self_attn.q_proj.weight"), numHeads, headDim)
	require.NoError(t, err)
	assert.True(t, q.Equal(get(t, cs, "transformer_decoder.layers.0.self_attn.proj_q_dense_layer.weight")))
	k, err := headlayout.Interleave(get(t, hf, "model.layers.0.self_attn.k_proj.weight"), numKVHeads, headDim)
	require.NoError(t, err)
	assert.True(t, k.Equal(get(t, cs, "transformer_decoder.layers.0.self_attn.proj_k_dense_layer.weight")))

	// Back to Hugging Face: bit-exact, and the inv_freq buffers are recreated.
	hfBackCfg, err := convert.ConvertConfig(ctx, ConfigHFCS20, csCfg, convert.Backward, nil)
	require.NoError(t, err)
	hfBack := statedict.NewMap()
	require.NoError(t, convert.ConvertCheckpoint(ctx, CausalLMHFCS20, cs, hfBack,
		convert.Configs{Left: hfBackCfg, Right: csCfg}, convert.Backward, nil))
	assert.ElementsMatch(t, hf.Keys(), hfBack.Keys())
	for _, key := range hf.Keys() {
		assert.Truef(t, get(t, hf, key).Equal(get(t, hfBack, key)), "key %q changed in the round trip", key)
	}
}

func TestCheckpointsFromOlderReleases(t *testing.T) {
	ctx := context.Background()
	hfCfg := hfConfig(0)
	csCfg, err := convert.ConvertConfig(ctx, ConfigHFCS19, hfCfg, convert.Forward, nil)
	require.NoError(t, err)
	configs := convert.Configs{Left: hfCfg, Right: csCfg}

	hf := hfStateDict(t, "model.", numHeads, true)
	cs := statedict.NewMap()
	require.NoError(t, convert.ConvertCheckpoint(ctx, CausalLMHFCS19, hf, cs, configs, convert.Forward, nil))

	// Checkpoints of releases before 1.9 nest all keys under "model.".
	legacy := statedict.NewMap()
	for _, key := range cs.Keys() {
		require.NoError(t, legacy.Set("model."+key, get(t, cs, key)))
	}
	hfBack := statedict.NewMap()
	require.NoError(t, convert.ConvertCheckpoint(ctx, CausalLMHFCS19, legacy, hfBack, configs, convert.Backward, nil))
	assert.ElementsMatch(t, hf.Keys(), hfBack.Keys())

	// Cerebras 1.9 to 2.0 copies the weights.
	cs20 := statedict.NewMap()
	require.NoError(t, convert.ConvertCheckpoint(ctx, CS19CS20, cs, cs20, configs, convert.Forward, nil))
	assert.Equal(t, cs.Keys(), cs20.Keys())
}

func TestHeadlessModel(t *testing.T) {
	ctx := context.Background()
	for _, tied := range []bool{true, false} {
		t.Run(fmt.Sprintf("tied=%v", tied), func(t *testing.T) {
			hfCfg := hfConfig(0)
			hfCfg["tie_word_embeddings"] = tied
			csCfg, err := convert.ConvertConfig(ctx, ConfigHFCS19, hfCfg, convert.Forward, nil)
			require.NoError(t, err)
			configs := convert.Configs{Left: hfCfg, Right: csCfg}

			hf := hfStateDict(t, "", numHeads, false)
			cs := statedict.NewMap()
			opts := &convert.Options{Seed: 42}
			require.NoError(t, convert.ConvertCheckpoint(ctx, ModelHFCS19, hf, cs, configs, convert.Forward, opts))
			head := get(t, cs, "lm_head.weight")
			embedding := get(t, hf, "embed_tokens.weight")
			assert.Equal(t, []int{vocabSize, hiddenSize}, head.Dimensions())
			assert.Equal(t, embedding.DType(), head.DType())
			assert.Equal(t, tied, head.Equal(embedding))

			// Deterministic for a given seed.
			again := statedict.NewMap()
			require.NoError(t, convert.ConvertCheckpoint(ctx, ModelHFCS19, hf, again, configs, convert.Forward, opts))
			assert.True(t, head.Equal(get(t, again, "lm_head.weight")))

			// Converting back drops the head.
			hfBack := statedict.NewMap()
			require.NoError(t, convert.ConvertCheckpoint(ctx, ModelHFCS19, cs, hfBack, configs, convert.Backward, nil))
			assert.False(t, hfBack.Has("lm_head.weight"))
			assert.ElementsMatch(t, hf.Keys(), hfBack.Keys())
		})
	}
}

func TestUnsupportedAttentionModule(t *testing.T) {
	ctx := context.Background()
	hfCfg := hfConfig(1)
	csCfg, err := convert.ConvertConfig(ctx, ConfigHFCS20, hfCfg, convert.Forward, nil)
	require.NoError(t, err)
	csCfg.Section("model")["attention_module"] = "sparse_attention"
	err = convert.ConvertCheckpoint(ctx, CausalLMHFCS20, hfStateDict(t, "model.", 1, true), statedict.NewMap(),
		convert.Configs{Left: hfCfg, Right: csCfg}, convert.Forward, nil)
	var convErr *convert.ConversionError
	require.True(t, errors.As(err, &convErr))
	assert.Contains(t, convErr.OldKey, "k_proj")
}

func TestRegistered(t *testing.T) {
	conv, direction, err := convert.DefaultRegistry.Lookup(Family, "hf", "cs-2.0")
	require.NoError(t, err)
	assert.Equal(t, CausalLMHFCS20, conv)
	assert.Equal(t, convert.Forward, direction)

	conv, direction, err = convert.DefaultRegistry.Lookup(Family, "cs-2.0", "cs-1.9")
	require.NoError(t, err)
	assert.Equal(t, CS19CS20.Name, conv.Name)
	assert.Equal(t, convert.Backward, direction)

	conv, _, err = convert.DefaultRegistry.Lookup(ModelFamily, "cs-1.9", "hf")
	require.NoError(t, err)
	assert.Equal(t, ModelHFCS19, conv)

	_, _, err = convert.DefaultRegistry.Lookup(Family, "hf", "cs-2.3")
	assert.True(t, errors.Is(err, convert.ErrNoConverter))
}
