// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

// Package llama registers the converters of Llama checkpoints and configs between the Hugging Face format
// ("hf": LlamaModel and LlamaForCausalLM) and the Cerebras formats ("cs-1.9", "cs-2.0": GPT2LMHeadModel
// configured as Llama).
//
// The query and key projections are re-ordered, since the two formats lay out the rotary embedding
// differently (see package headlayout), and the Hugging Face rotary inverse frequencies are recomputed when
// converting to it.
//
// Import it for its side effect of registering the converters in convert.DefaultRegistry:
//
//	import _ "github.com/ankitj-cerebras/modelzoo/pkg/convert/models/llama"
package llama

import (
	"strings"

	"github.com/ankitj-cerebras/modelzoo/pkg/convert"
	"github.com/ankitj-cerebras/modelzoo/pkg/convert/headlayout"
	"github.com/ankitj-cerebras/modelzoo/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// Family of LlamaForCausalLM checkpoints.
	Family = "llama"

	// ModelFamily of the headless LlamaModel checkpoints.
	ModelFamily = "llama-model"
)

type (
	rule = convert.Rule[*tensors.Tensor]
	call = convert.Call[*tensors.Tensor]
	seg  = []convert.Segment
)

var (
	weightOrBias = convert.Re(`\.(?:weight|bias)`)
	copyTensor   = convert.Copy[*tensors.Tensor]()
)

func custom(fn convert.ActionFunc[*tensors.Tensor]) convert.Action[*tensors.Tensor] { return convert.Custom(fn) }

// attentionRules of one decoder layer, relative to "layers.<i>.self_attn.".
var attentionRules = convert.NewRuleSet(
	rule{Pattern: seg{convert.Equiv("q_proj", "proj_q_dense_layer"), weightOrBias}, Action: custom(convertQuery)},
	rule{Pattern: seg{convert.Equiv("k_proj", "proj_k_dense_layer"), weightOrBias}, Action: custom(convertKey)},
	rule{Pattern: seg{convert.Equiv("v_proj", "proj_v_dense_layer"), weightOrBias}, Action: copyTensor},
	rule{Pattern: seg{convert.Equiv("o_proj", "proj_output_dense_layer"), weightOrBias},
		Action: custom(convertOutputAndInvFreq)},
)

var (
	layers = convert.Equiv("layers", "transformer_decoder.layers")
	layer  = convert.Re(`\.\d+\.`)
)

// modelRules of the headless LlamaModel.
var modelRules = convert.NewRuleSet(
	rule{Pattern: seg{convert.Equiv("embed_tokens", "embedding_layer.word_embeddings"), weightOrBias},
		Action: copyTensor},
	rule{Pattern: seg{convert.Equiv("norm", "transformer_decoder.norm"), weightOrBias},
		Action: custom(convertFinalNorm)},
	rule{Pattern: seg{layers, convert.Re(`\.\d+\.self_attn\.`), convert.Nested(attentionRules)}},
	rule{Pattern: seg{convert.Re(`layers\.\d+\.self_attn\.rotary_emb\.inv_freq`)}, Exists: convert.Left},
	rule{Pattern: seg{layers, layer, convert.Equiv("input_layernorm", "norm1"), weightOrBias}, Action: copyTensor},
	rule{Pattern: seg{layers, layer, convert.Equiv("post_attention_layernorm", "norm3"), weightOrBias},
		Action: copyTensor},
	rule{Pattern: seg{layers, layer, convert.Equiv("mlp.up_proj", "ffn.ffn.0.linear_layer"), weightOrBias},
		Action: copyTensor},
	rule{Pattern: seg{layers, layer, convert.Equiv("mlp.gate_proj", "ffn.ffn.0.linear_layer_for_glu"), weightOrBias},
		Action: copyTensor},
	rule{Pattern: seg{layers, layer, convert.Equiv("mlp.down_proj", "ffn.ffn.1.linear_layer"), weightOrBias},
		Action: copyTensor},
	rule{Pattern: seg{convert.Re(`lm_head\.(?:weight|bias)`)}, Exists: convert.Right},
	rule{Pattern: seg{convert.Re(`ln_f\.(?:weight|bias)`)}, Exists: convert.Right},
)

// causalLMRules of LlamaForCausalLM: the model nested under "model." plus the language model head.
var causalLMRules = convert.NewRuleSet(
	rule{Pattern: seg{convert.Re(`lm_head\.(?:weight|bias)`)}, Action: copyTensor},
	rule{Pattern: seg{convert.Equiv("model.", ""), convert.Nested(modelRules)}},
)

// Checkpoints saved by Cerebras releases before 1.9 nest everything under "model.".
var (
	modelVersions    = convert.CatchPrefixes(modelRules, convert.Equiv("", "model."))
	causalLMVersions = convert.CatchPrefixes(causalLMRules, convert.Equiv("", "model."))
	copyAll          = convert.NewRuleSet(rule{Pattern: seg{convert.Re(`.*`)}, Action: copyTensor})
)

const modelNote = "The Hugging Face LlamaModel has no language model head while the Cerebras GPT2LMHeadModel has " +
	"one: converting to Cerebras initializes it (a copy of the embeddings if tie_word_embeddings, random values " +
	"otherwise); converting to Hugging Face drops it."

var (
	// ModelHFCS19 converts Hugging Face LlamaModel <-> Cerebras 1.9 GPT2LMHeadModel (configured as Llama).
	ModelHFCS19 = &convert.CheckpointConverter{
		Name:        "llama-model-hf-cs19",
		Family:      ModelFamily,
		Formats:     convert.Pair[convert.FormatVersions]{Left: convert.Formats("hf"), Right: convert.Formats("cs-1.9")},
		Rules:       modelVersions,
		Config:      ConfigHFCS19,
		PostConvert: synthesizeLMHead,
		Note:        modelNote,
	}

	// ModelHFCS20 converts Hugging Face LlamaModel <-> Cerebras 2.0 GPT2LMHeadModel (configured as Llama).
	ModelHFCS20 = &convert.CheckpointConverter{
		Name:        "llama-model-hf-cs20",
		Family:      ModelFamily,
		Formats:     convert.Pair[convert.FormatVersions]{Left: convert.Formats("hf"), Right: convert.Formats("cs-2.0")},
		Rules:       modelVersions,
		Config:      ConfigHFCS20,
		PostConvert: synthesizeLMHead,
		Note:        modelNote,
	}

	// CausalLMHFCS19 converts Hugging Face LlamaForCausalLM <-> Cerebras 1.9 GPT2LMHeadModel.
	CausalLMHFCS19 = &convert.CheckpointConverter{
		Name:    "llama-hf-cs19",
		Family:  Family,
		Formats: convert.Pair[convert.FormatVersions]{Left: convert.Formats("hf"), Right: convert.Formats("cs-1.9")},
		Rules:   causalLMVersions,
		Config:  ConfigHFCS19,
	}

	// CausalLMHFCS20 converts Hugging Face LlamaForCausalLM <-> Cerebras 2.0 GPT2LMHeadModel.
	CausalLMHFCS20 = &convert.CheckpointConverter{
		Name:    "llama-hf-cs20",
		Family:  Family,
		Formats: convert.Pair[convert.FormatVersions]{Left: convert.Formats("hf"), Right: convert.Formats("cs-2.0")},
		Rules:   causalLMVersions,
		Config:  ConfigHFCS20,
	}

	// CS19CS20 converts between the Cerebras 1.9 and 2.0 formats: the weights didn't change, only the config.
	CS19CS20 = &convert.CheckpointConverter{
		Name:    "llama-cs19-cs20",
		Family:  Family,
		Formats: convert.Pair[convert.FormatVersions]{Left: convert.Formats("cs-1.9"), Right: convert.Formats("cs-2.0")},
		Rules:   copyAll,
		Config:  ConfigCS19CS20,
	}
)

func init() {
	for _, conv := range []*convert.CheckpointConverter{CausalLMHFCS19, CausalLMHFCS20, CS19CS20, ModelHFCS19,
		ModelHFCS20} {
		convert.DefaultRegistry.Register(conv)
	}
	modelCS19CS20 := *CS19CS20
	modelCS19CS20.Name, modelCS19CS20.Family = "llama-model-cs19-cs20", ModelFamily
	convert.DefaultRegistry.Register(&modelCS19CS20)
}

// csModel returns the model section of the Cerebras config of a conversion.
func csModel(configs convert.Configs) convert.Config { return configs.Right.Section("model") }

func convertQuery(c *call) error {
	numHeads, err := csModel(c.Configs).Int("num_heads")
	if err != nil {
		return err
	}
	return interleave(c, numHeads)
}

// convertKey interleaves the key heads, which are fewer than the query heads with grouped-query attention.
func convertKey(c *call) error {
	model := csModel(c.Configs)
	module, err := model.String("attention_module", "aiayn_attention")
	if err != nil {
		return err
	}
	switch module {
	case "aiayn_attention":
		return convertQuery(c)
	case "multiquery_attention":
		numGroups, err := model.Section("extra_attention_params").Int("num_kv_groups")
		if err != nil {
			return errors.WithMessage(err, "multiquery_attention requires extra_attention_params.num_kv_groups")
		}
		return interleave(c, numGroups)
	}
	return errors.Errorf("attention_module %q is not supported for Llama", module)
}

func interleave(c *call, numHeads int) error {
	rotaryDim, err := csModel(c.Configs).Int("rotary_dim")
	if err != nil {
		return err
	}
	value, err := c.Value()
	if err != nil {
		return err
	}
	var converted *tensors.Tensor
	if c.FromSource(convert.Left) {
		converted, err = headlayout.Interleave(value, numHeads, rotaryDim)
	} else {
		converted, err = headlayout.Deinterleave(value, numHeads, rotaryDim)
	}
	if err != nil {
		return err
	}
	return c.New.Set(c.NewKey, converted)
}

// convertOutputAndInvFreq copies the output projection. Converting to Hugging Face, it also recreates the
// rotary inverse frequencies buffer of the layer.
func convertOutputAndInvFreq(c *call) error {
	if err := c.Copy(); err != nil {
		return err
	}
	if !c.FromSource(convert.Right) || !strings.HasSuffix(c.NewKey, ".o_proj.weight") {
		return nil
	}
	rotaryDim, err := csModel(c.Configs).Int("rotary_dim")
	if err != nil {
		return err
	}
	invFreq, err := headlayout.InvFreq(rotaryDim)
	if err != nil {
		return err
	}
	return c.New.Set(strings.TrimSuffix(c.NewKey, ".o_proj.weight")+".rotary_emb.inv_freq", invFreq)
}

// convertFinalNorm copies the final norm. The Cerebras model also keeps a copy of it as "ln_f".
func convertFinalNorm(c *call) error {
	if err := c.Copy(); err != nil {
		return err
	}
	if !c.FromSource(convert.Left) {
		return nil
	}
	value, err := c.Value()
	if err != nil {
		return err
	}
	return c.New.Set(strings.Replace(c.NewKey, "transformer_decoder.norm.", "ln_f.", 1), value)
}

// synthesizeLMHead creates the language model head of the Cerebras model when converting from the headless
// Hugging Face LlamaModel.
func synthesizeLMHead(h *convert.Hook) error {
	if h.Direction != convert.Forward {
		return nil
	}
	klog.Warningf("Cerebras GPT2LMHeadModel has a language model head (lm_head) while Hugging Face LlamaModel " +
		"does not: initializing it")
	head, err := convert.HeadlessLMHead(h.Configs, "embed_tokens.weight")
	if err != nil {
		return err
	}
	return convert.SynthesizeLMHead(h, head)
}
