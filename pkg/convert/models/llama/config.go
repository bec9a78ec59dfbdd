// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

package llama

import (
	"maps"

	"github.com/ankitj-cerebras/modelzoo/pkg/convert"
)

type configRule = convert.Rule[any]

func copyKey(hf, cs string) configRule {
	segment := convert.Lit(hf)
	if hf != cs {
		segment = convert.Equiv(hf, cs)
	}
	return configRule{Pattern: []convert.Segment{segment}, Action: convert.Copy[any]()}
}

// assertKey asserts the value of key when converting from side, and writes it when converting to side.
// If exists is set, the key is only accepted in that side's format.
func assertKey(key string, exists, side convert.Side, expected any) configRule {
	return configRule{Pattern: []convert.Segment{convert.Lit(key)}, Exists: exists,
		Action: convert.AssertConstant(side, expected)}
}

// ignoreKey accepts key only in the format of side, and drops it.
func ignoreKey(key string, side convert.Side) configRule {
	return configRule{Pattern: []convert.Segment{convert.Lit(key)}, Exists: side}
}

const (
	hf = convert.Left
	cs = convert.Right
)

// hfMetadataRules accept the bookkeeping keys of Hugging Face configs, which have no Cerebras counterpart,
// and the rotary embedding settings only supported with their default values.
var hfMetadataRules = []configRule{
	ignoreKey("architectures", hf),
	ignoreKey("_name_or_path", hf),
	ignoreKey("transformers_version", hf),
	ignoreKey("torch_dtype", hf),
	ignoreKey("use_cache", hf),
	ignoreKey("bos_token_id", hf),
	ignoreKey("eos_token_id", hf),
	ignoreKey("pad_token_id", hf),
	ignoreKey("pretraining_tp", hf),
	assertKey("rope_theta", hf, hf, 10000.0),
	assertKey("rope_scaling", hf, hf, nil),
	assertKey("attention_bias", hf, hf, false),
	assertKey("mlp_bias", hf, hf, false),
}

// csTrainingRules accept the training-only keys of Cerebras model configs, which are dropped.
var csTrainingRules = []configRule{
	ignoreKey("mixed_precision", cs),
	ignoreKey("fp16_type", cs),
	ignoreKey("precision_opt_level", cs),
	ignoreKey("boundary_casting", cs),
	ignoreKey("tf_summary", cs),
	ignoreKey("loss_scaling", cs),
	ignoreKey("loss_weight", cs),
}

var cs19Rules = []configRule{
	assertKey("model_type", convert.NoSide, hf, "llama"),

	// Embedding.
	copyKey("vocab_size", "vocab_size"),
	assertKey("position_embedding_type", cs, cs, "rotary"),
	assertKey("use_position_embedding", cs, cs, true),
	assertKey("embedding_dropout_rate", cs, cs, 0.0),
	copyKey("tie_word_embeddings", "share_embedding_weights"),
	assertKey("embedding_layer_norm", convert.NoSide, cs, false),

	// Decoder blocks.
	copyKey("hidden_size", "hidden_size"),
	copyKey("num_attention_heads", "num_heads"),
	copyKey("num_hidden_layers", "num_hidden_layers"),
	copyKey("max_position_embeddings", "max_position_embeddings"),
	assertKey("attention_type", cs, cs, "scaled_dot_product"),
	assertKey("use_projection_bias_in_attention", cs, cs, false),
	assertKey("use_ffn_bias_in_attention", cs, cs, false),
	assertKey("use_ffn_bias", cs, cs, false),
	copyKey("intermediate_size", "filter_size"),
	{Pattern: []convert.Segment{convert.Equiv("hidden_act", "nonlinearity")},
		Action: convert.Custom[any](convert.ConvertNonlinearity)},
	assertKey("attention_dropout_rate", cs, cs, 0.0),
	assertKey("dropout_rate", cs, cs, 0.0),
	// Validated against hidden_size / num_heads after the conversion.
	ignoreKey("rotary_dim", cs),
	copyKey("rms_norm_eps", "layer_norm_epsilon"),
	assertKey("use_bias_in_output", convert.NoSide, cs, false),
	copyKey("initializer_range", "initializer_range"),
	assertKey("fixed_sparse_attention", convert.NoSide, cs, nil),
	assertKey("norm_first", convert.NoSide, cs, true),
	assertKey("use_ff_layer1_dropout", convert.NoSide, cs, false),
	assertKey("use_rms_norm", convert.NoSide, cs, true),
}

var (
	hfPreDefaults = convert.Config{
		"vocab_size":              32000,
		"hidden_size":             4096,
		"intermediate_size":       11008,
		"num_hidden_layers":       32,
		"num_attention_heads":     32,
		"hidden_act":              "silu",
		"initializer_range":       0.02,
		"rms_norm_eps":            1e-6,
		"tie_word_embeddings":     false,
		"max_position_embeddings": 2048,
	}
	cs19PreDefaults = convert.Config{
		"share_embedding_weights":          true,
		"use_rms_norm":                     false,
		"max_position_embeddings":          1024,
		"position_embedding_type":          "learned",
		"layer_norm_epsilon":               1e-5,
		"use_projection_bias_in_attention": true,
		"use_ffn_bias_in_attention":        true,
		"nonlinearity":                     "gelu",
		"use_ffn_bias":                     true,
		"use_bias_in_output":               false,
		"norm_first":                       true,
	}
	cs19PostDefaults = convert.Config{
		"use_position_embedding":           true,
		"position_embedding_type":          "rotary",
		"embedding_dropout_rate":           0.0,
		"embedding_layer_norm":             false,
		"attention_type":                   "scaled_dot_product",
		"use_projection_bias_in_attention": false,
		"use_ffn_bias_in_attention":        false,
		"use_ffn_bias":                     false,
		"attention_dropout_rate":           0.0,
		"dropout_rate":                     0.0,
		"use_bias_in_output":               false,
		"norm_first":                       true,
		"use_ff_layer1_dropout":            false,
		"use_rms_norm":                     true,
	}
)

// ConfigHFCS19 converts Hugging Face Llama configs <-> Cerebras 1.9 GPT2LMHeadModel params.
var ConfigHFCS19 = &convert.ConfigConverter{
	Name:         "llama-config-hf-cs19",
	Formats:      convert.Pair[convert.FormatVersions]{Left: convert.Formats("hf"), Right: convert.Formats("cs-1.9")},
	Rules:        convert.NewRuleSet(concatRules(cs19Rules, hfMetadataRules, csTrainingRules)...),
	Sections:     convert.Pair[string]{Right: "model"},
	PreDefaults:  convert.Defaults{Left: hfPreDefaults, Right: cs19PreDefaults},
	PostDefaults: convert.Defaults{Left: convert.Config{"model_type": "llama"}, Right: cs19PostDefaults},
	PreConvert:   requireRotaryDim,
	PostConvert:  convertRotaryDim,
}

// ConfigHFCS20 converts Hugging Face Llama configs <-> Cerebras 2.0 GPT2LMHeadModel params. On top of the 1.9
// format, it uses norm_type instead of use_rms_norm, and supports grouped-query attention.
var ConfigHFCS20 = &convert.ConfigConverter{
	Name:    "llama-config-hf-cs20",
	Formats: convert.Pair[convert.FormatVersions]{Left: convert.Formats("hf"), Right: convert.Formats("cs-2.0")},
	Rules: convert.NewRuleSet(concatRules(
		[]configRule{
			assertKey("norm_type", convert.NoSide, cs, "rmsnorm"),
			{Pattern: []convert.Segment{convert.Equiv("num_key_value_heads", "extra_attention_params")},
				Action: convert.Custom[any](convertGQA)},
			// Read by the grouped-query attention conversion.
			ignoreKey("attention_module", cs),
		},
		cs19Rules, hfMetadataRules, csTrainingRules)...),
	Sections: convert.Pair[string]{Right: "model"},
	PreDefaults: convert.Defaults{Left: hfPreDefaults,
		Right: withNormType(cs19PreDefaults, "layernorm")},
	PostDefaults: convert.Defaults{Left: convert.Config{"model_type": "llama"},
		Right: withNormType(cs19PostDefaults, "rmsnorm")},
	PreConvert:  requireRotaryDim,
	PostConvert: convertRotaryDim,
}

// ConfigCS19CS20 converts Cerebras Llama params between 1.9 and 2.0: only the norm selection changed.
var ConfigCS19CS20 = &convert.ConfigConverter{
	Name:    "llama-config-cs19-cs20",
	Formats: convert.Pair[convert.FormatVersions]{Left: convert.Formats("cs-1.9"), Right: convert.Formats("cs-2.0")},
	Rules: convert.NewRuleSet(
		configRule{Pattern: []convert.Segment{convert.Equiv("use_rms_norm", "norm_type")},
			Action: convert.Custom[any](convert.ConvertRMSNorm)},
		configRule{Pattern: []convert.Segment{convert.Re(`.*`)}, Action: convert.Copy[any]()},
	),
	Sections: convert.Pair[string]{Left: "model", Right: "model"},
	PreDefaults: convert.Defaults{
		Left:  convert.Config{"use_rms_norm": false},
		Right: convert.Config{"norm_type": "layernorm"},
	},
}

func concatRules(groups ...[]configRule) []configRule {
	var rules []configRule
	for _, group := range groups {
		rules = append(rules, group...)
	}
	return rules
}

// withNormType replaces use_rms_norm by norm_type in a copy of the defaults.
func withNormType(defaults convert.Config, normType string) convert.Config {
	result := maps.Clone(defaults)
	delete(result, "use_rms_norm")
	result["norm_type"] = normType
	return result
}

func requireRotaryDim(h *convert.ConfigHook) error {
	if h.Direction == convert.Backward && h.Old.Lookup("rotary_dim", nil) == nil {
		return convert.ConfigErrorf("rotary_dim", "rotary_dim must be specified")
	}
	return nil
}

// convertRotaryDim sets the Cerebras rotary_dim to the head dimension, the only one Hugging Face Llama supports.
func convertRotaryDim(h *convert.ConfigHook) error {
	if h.Direction == convert.Forward {
		headDim, err := convert.HeadDim(h.New, "hidden_size", "num_heads")
		if err != nil {
			return err
		}
		return h.New.Set("rotary_dim", headDim)
	}
	return convert.CheckRotaryDim(h.Old, "rotary_dim", "hidden_size", "num_heads")
}

const (
	multiHeadAttention  = "aiayn_attention"
	multiQueryAttention = "multiquery_attention"
)

// convertGQA maps Hugging Face num_key_value_heads to the Cerebras attention_module and
// extra_attention_params.num_kv_groups, and back.
func convertGQA(c *convert.Call[any]) error {
	value, err := c.Value()
	if err != nil {
		return err
	}
	if c.FromSource(hf) {
		numKVHeads, ok := convert.ToInt(value)
		if !ok || numKVHeads <= 0 {
			return convert.ConfigErrorf(c.OldKey, "expected a positive integer, got %v", value)
		}
		numHeads, err := intValue(c.Old, "num_attention_heads")
		if err != nil {
			return err
		}
		if numKVHeads == numHeads {
			return c.New.Set("attention_module", multiHeadAttention)
		}
		if numHeads%numKVHeads != 0 {
			return convert.ConfigErrorf(c.OldKey, "num_attention_heads=%d must be divisible by "+
				"num_key_value_heads=%d", numHeads, numKVHeads)
		}
		if err := c.New.Set(c.NewKey, map[string]any{"num_kv_groups": numKVHeads}); err != nil {
			return err
		}
		return c.New.Set("attention_module", multiQueryAttention)
	}

	params, ok := convert.AsConfig(value)
	if !ok {
		return convert.ConfigErrorf(c.OldKey, "expected a mapping, got %v (%T)", value, value)
	}
	module := multiHeadAttention
	if c.Old.Has("attention_module") {
		if m, err := c.Old.Get("attention_module"); err == nil && m != nil {
			module, _ = m.(string)
		}
	}
	numHeads, err := intValue(c.Old, "num_heads")
	if err != nil {
		return err
	}
	switch module {
	case multiHeadAttention:
		if params.Has("num_kv_groups") {
			return convert.ConfigErrorf(c.OldKey, "num_kv_groups conflicts with attention_module=%q", module)
		}
		return c.New.Set(c.NewKey, numHeads)
	case multiQueryAttention:
		numGroups, err := params.Int("num_kv_groups")
		if err != nil {
			return err
		}
		if numGroups <= 0 || numHeads%numGroups != 0 {
			return convert.ConfigErrorf(c.OldKey, "num_heads=%d must be divisible by num_kv_groups=%d",
				numHeads, numGroups)
		}
		return c.New.Set(c.NewKey, numGroups)
	}
	return convert.ConfigErrorf("attention_module", "attention_module %q is not supported for Llama", module)
}

func intValue(src convert.Source[any], key string) (int, error) {
	value, err := src.Get(key)
	if err != nil {
		return 0, err
	}
	i, ok := convert.ToInt(value)
	if !ok {
		return 0, convert.ConfigErrorf(key, "expected an integer, got %v (%T)", value, value)
	}
	return i, nil
}
