// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

package falcon

import (
	"github.com/ankitj-cerebras/modelzoo/pkg/convert"
)

type configRule = convert.Rule[any]

const (
	hf = convert.Left
	cs = convert.Right
)

func copyKey(hfKey, csKey string) configRule {
	segment := convert.Lit(hfKey)
	if hfKey != csKey {
		segment = convert.Equiv(hfKey, csKey)
	}
	return configRule{Pattern: []convert.Segment{segment}, Action: convert.Copy[any]()}
}

func customKey(hfKey, csKey string, fn convert.ActionFunc[any]) configRule {
	return configRule{Pattern: []convert.Segment{convert.Equiv(hfKey, csKey)}, Action: convert.Custom(fn)}
}

func assertKey(key string, exists, side convert.Side, expected any) configRule {
	return configRule{Pattern: []convert.Segment{convert.Lit(key)}, Exists: exists,
		Action: convert.AssertConstant(side, expected)}
}

func ignoreKey(key string, side convert.Side) configRule {
	return configRule{Pattern: []convert.Segment{convert.Lit(key)}, Exists: side}
}

var configRules = convert.NewRuleSet(
	assertKey("model_type", convert.NoSide, hf, "RefinedWeb"),

	// Embedding.
	copyKey("vocab_size", "vocab_size"),
	customKey("alibi", "position_embedding_type", convertAlibi),
	copyKey("tie_word_embeddings", "share_embedding_weights"),
	assertKey("embedding_dropout_rate", cs, cs, 0.0),

	// Decoder blocks.
	configRule{Pattern: []convert.Segment{convert.Lit("hidden_size")}, Action: convert.Custom[any](convertHiddenSize)},
	// Derived from hidden_size.
	ignoreKey("filter_size", cs),
	copyKey("n_head", "num_heads"),
	customKey("n_head_kv", "extra_attention_params", convertHeadGroups),
	assertKey("attention_module", cs, cs, "multiquery_attention"),
	assertKey("attention_type", cs, cs, "scaled_dot_product"),
	copyKey("n_layer", "num_hidden_layers"),
	copyKey("max_position_embeddings", "max_position_embeddings"),
	customKey("parallel_attn", "use_untied_layer_norm", convertParallelAttn),
	assertKey("use_projection_bias_in_attention", cs, cs, false),
	assertKey("use_ffn_bias_in_attention", cs, cs, false),
	assertKey("use_ffn_bias", cs, cs, false),
	assertKey("nonlinearity", cs, cs, "gelu"),
	copyKey("attention_dropout", "attention_dropout_rate"),
	copyKey("hidden_dropout", "residual_dropout_rate"),
	// Validated against hidden_size / num_heads after the conversion.
	ignoreKey("rotary_dim", cs),
	copyKey("layer_norm_epsilon", "layer_norm_epsilon"),
	assertKey("use_bias_in_output", cs, cs, false),
	copyKey("initializer_range", "initializer_range"),
	assertKey("bias", hf, hf, false),
	assertKey("apply_residual_connection_post_layernorm", hf, hf, false),

	// Bookkeeping.
	ignoreKey("architectures", hf),
	ignoreKey("auto_map", hf),
	ignoreKey("_name_or_path", hf),
	ignoreKey("bos_token_id", hf),
	ignoreKey("eos_token_id", hf),
	ignoreKey("torch_dtype", hf),
	ignoreKey("transformers_version", hf),
	ignoreKey("use_cache", hf),
	ignoreKey("mixed_precision", cs),
	ignoreKey("precision_opt_level", cs),
	ignoreKey("loss_scaling", cs),
	ignoreKey("loss_weight", cs),
)

var configDefaults = convert.Defaults{
	Left: convert.Config{
		"alibi":         false,
		"architectures": []any{"RWForCausalLM"},
		"auto_map": map[string]any{
			"AutoConfig":           "configuration_RW.RWConfig",
			"AutoModelForCausalLM": "modelling_RW.RWForCausalLM",
		},
		"parallel_attn":       true,
		"bias":                false,
		"bos_token_id":        11,
		"eos_token_id":        11,
		"model_type":          "RefinedWeb",
		"torch_dtype":         "bfloat16",
		"use_cache":           true,
		"tie_word_embeddings": true,
	},
	Right: convert.Config{
		"position_embedding_type": "rotary",
		"embedding_dropout_rate":  0.0,
		"share_embedding_weights": true,
		"nonlinearity":            "gelu",
		"max_position_embeddings": 2048,
		"attention_module":        "multiquery_attention",
		"attention_type":          "scaled_dot_product",
		"use_untied_layer_norm":   true,
		"extra_attention_params":  map[string]any{"num_kv_groups": 1},
		"loss_scaling":            "num_tokens",
	},
}

// Config converts Hugging Face RWConfig <-> Cerebras GPT-style model params configured as Falcon-40B.
var Config = &convert.ConfigConverter{
	Name:         "falcon-40b-config-hf-cs",
	Formats:      formats,
	Rules:        configRules,
	Sections:     convert.Pair[string]{Right: "model"},
	PreDefaults:  configDefaults,
	PostDefaults: configDefaults,
	PostConvert:  convertRotaryDim,
}

// convertAlibi maps the Hugging Face alibi flag to the Cerebras position embedding type. Only rotary position
// embeddings are supported.
func convertAlibi(c *convert.Call[any]) error {
	value, err := c.Value()
	if err != nil {
		return err
	}
	if c.FromSource(hf) {
		if useAlibi, _ := value.(bool); useAlibi {
			return convert.ConfigErrorf(c.OldKey, "ALiBi position embeddings are not supported")
		}
		return c.New.Set(c.NewKey, "rotary")
	}
	if value != "rotary" {
		return convert.ConfigErrorf(c.OldKey, "position_embedding_type %v is not supported: Falcon uses rotary",
			value)
	}
	return c.New.Set(c.NewKey, false)
}

// convertHiddenSize copies hidden_size: Falcon's feed-forward dimension is always 4 times larger.
func convertHiddenSize(c *convert.Call[any]) error {
	value, err := c.Value()
	if err != nil {
		return err
	}
	hidden, ok := convert.ToInt(value)
	if !ok || hidden <= 0 {
		return convert.ConfigErrorf(c.OldKey, "expected a positive integer, got %v", value)
	}
	if err := c.New.Set(c.NewKey, hidden); err != nil {
		return err
	}
	if c.FromSource(hf) {
		return c.New.Set("filter_size", 4*hidden)
	}
	filterValue, err := c.Old.Get("filter_size")
	if err != nil {
		return convert.ConfigErrorf("filter_size", "filter_size must be specified")
	}
	if filter, ok := convert.ToInt(filterValue); !ok || filter != 4*hidden {
		return convert.ConfigErrorf("filter_size", "filter_size=%v must be 4 * hidden_size = %d", filterValue,
			4*hidden)
	}
	return nil
}

func convertHeadGroups(c *convert.Call[any]) error {
	value, err := c.Value()
	if err != nil {
		return err
	}
	if c.FromSource(hf) {
		numKVHeads, ok := convert.ToInt(value)
		if !ok || numKVHeads <= 0 {
			return convert.ConfigErrorf(c.OldKey, "expected a positive integer, got %v", value)
		}
		return c.New.Set(c.NewKey, map[string]any{"num_kv_groups": numKVHeads})
	}
	params, ok := convert.AsConfig(value)
	if !ok {
		return convert.ConfigErrorf(c.OldKey, "expected a mapping, got %v (%T)", value, value)
	}
	numGroups, err := params.Int("num_kv_groups")
	if err != nil {
		return err
	}
	return c.New.Set(c.NewKey, numGroups)
}

// convertParallelAttn maps the parallel attention flag to untied layer norms: Falcon-40B only supports the
// parallel attention and feed-forward blocks, each with its own layer norm.
func convertParallelAttn(c *convert.Call[any]) error {
	value, err := c.Value()
	if err != nil {
		return err
	}
	if enabled, _ := value.(bool); !enabled {
		return convert.ConfigErrorf(c.OldKey, "%s=%v is not supported, it must be true", c.OldKey, value)
	}
	return c.New.Set(c.NewKey, true)
}

func convertRotaryDim(h *convert.ConfigHook) error {
	if h.Direction == convert.Forward {
		headDim, err := convert.HeadDim(h.Old, "hidden_size", "n_head")
		if err != nil {
			return err
		}
		return h.New.Set("rotary_dim", headDim)
	}
	if h.Old.Lookup("rotary_dim", nil) == nil {
		return convert.ConfigErrorf("rotary_dim", "rotary_dim must be specified")
	}
	return convert.CheckRotaryDim(h.Old, "rotary_dim", "hidden_size", "num_heads")
}
