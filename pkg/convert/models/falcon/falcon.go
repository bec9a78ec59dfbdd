// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

// Package falcon registers the converters of Falcon-40B checkpoints and configs between the Hugging Face
// format ("hf": RWForCausalLM and the headless RWModel) and the Cerebras formats ("cs-1.9" to "cs-2.3").
//
// Hugging Face fuses the query, key and value projections of each layer into one "query_key_value" projection,
// grouped by key/value head (see headlayout.PackGrouped), while Cerebras keeps them separate with the
// rotary dimensions interleaved.
//
// Import it for its side effect of registering the converters in convert.DefaultRegistry.
package falcon

import (
	"strings"

	"github.com/ankitj-cerebras/modelzoo/pkg/checkpoints/statedict"
	"github.com/ankitj-cerebras/modelzoo/pkg/convert"
	"github.com/ankitj-cerebras/modelzoo/pkg/convert/headlayout"
	"github.com/ankitj-cerebras/modelzoo/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// Family of RWForCausalLM checkpoints.
	Family = "falcon-40b"

	// HeadlessFamily of the RWModel checkpoints, with no language model head.
	HeadlessFamily = "falcon-40b-headless"
)

type (
	rule = convert.Rule[*tensors.Tensor]
	call = convert.Call[*tensors.Tensor]
	seg  = []convert.Segment
)

var (
	weightOrBias = convert.Re(`\.(?:weight|bias)`)
	copyTensor   = convert.Copy[*tensors.Tensor]()

	formats = convert.Pair[convert.FormatVersions]{
		Left:  convert.Formats("hf"),
		Right: convert.Formats("cs-1.9", "cs-2.0", "cs-2.1", "cs-2.2", "cs-2.3"),
	}
)

func custom(fn convert.ActionFunc[*tensors.Tensor]) convert.Action[*tensors.Tensor] { return convert.Custom(fn) }

// attentionRules of one decoder layer, relative to "h.<i>.self_attention.".
//
// Converting to Cerebras, the fused projection matches the first rule, which writes the three projections.
// Converting to Hugging Face, the first of the three to be found writes the fused projection.
var attentionRules = convert.NewRuleSet(
	rule{Pattern: seg{convert.Equiv("dense", "proj_output_dense_layer"), weightOrBias}, Action: copyTensor},
	rule{Pattern: seg{convert.Equiv("query_key_value", "proj_q_dense_layer"), weightOrBias},
		Action: custom(convertQKV)},
	rule{Pattern: seg{convert.Equiv("query_key_value", "proj_k_dense_layer"), weightOrBias},
		Action: custom(convertQKV)},
	rule{Pattern: seg{convert.Equiv("query_key_value", "proj_v_dense_layer"), weightOrBias},
		Action: custom(convertQKV)},
)

var (
	layers = convert.Equiv("h", "transformer_decoder.layers")
	layer  = convert.Re(`\.\d+\.`)
)

// headlessRules of RWModel.
var headlessRules = convert.NewRuleSet(
	rule{Pattern: seg{convert.Equiv("word_embeddings", "embedding_layer.word_embeddings"), convert.Re(`\.weight`)},
		Action: copyTensor},
	rule{Pattern: seg{layers, layer, convert.Equiv("ln_attn.", "norm1."), convert.Re(`(?:weight|bias)`)},
		Action: copyTensor},
	rule{Pattern: seg{layers, layer, convert.Equiv("ln_mlp.", "norm3."), convert.Re(`(?:weight|bias)`)},
		Action: copyTensor},
	rule{Pattern: seg{layers, layer, convert.Equiv("self_attention.", "self_attn."), convert.Nested(attentionRules)}},
	rule{Pattern: seg{layers, layer, convert.Equiv("mlp.dense_h_to_4h", "ffn.ffn.0.linear_layer"), weightOrBias},
		Action: copyTensor},
	rule{Pattern: seg{layers, layer, convert.Equiv("mlp.dense_4h_to_h", "ffn.ffn.1.linear_layer"), weightOrBias},
		Action: copyTensor},
	rule{Pattern: seg{convert.Equiv("ln_f", "transformer_decoder.norm"), weightOrBias},
		Action: custom(convertFinalNorm)},
	rule{Pattern: seg{convert.Re(`lm_head\.(?:weight|bias)`)}, Exists: convert.Right},
	rule{Pattern: seg{convert.Re(`ln_f\.(?:weight|bias)`)}, Exists: convert.Right},
)

// causalLMRules of RWForCausalLM: the model under "transformer." plus the language model head.
var causalLMRules = convert.NewRuleSet(
	rule{Pattern: seg{convert.Re(`lm_head`), weightOrBias}, Action: copyTensor},
	rule{Pattern: seg{convert.Equiv("transformer.", ""), convert.Nested(headlessRules)}},
)

var (
	// Headless converts Hugging Face RWModel <-> Cerebras GPT-style model configured as Falcon-40B.
	Headless = &convert.CheckpointConverter{
		Name:        "falcon-40b-headless-hf-cs",
		Family:      HeadlessFamily,
		Formats:     formats,
		Rules:       convert.CatchPrefixes(headlessRules, convert.Equiv("", "model.")),
		Config:      Config,
		PreConvert:  backfillTiedEmbedding,
		PostConvert: synthesizeLMHead,
		Note: "The Hugging Face RWModel has no language model head while the Cerebras model has one: converting " +
			"to Cerebras initializes it, converting to Hugging Face drops it.",
	}

	// CausalLM converts Hugging Face RWForCausalLM <-> Cerebras GPT-style model configured as Falcon-40B.
	CausalLM = &convert.CheckpointConverter{
		Name:       "falcon-40b-hf-cs",
		Family:     Family,
		Formats:    formats,
		Rules:      convert.CatchPrefixes(causalLMRules, convert.Equiv("", "model.")),
		Config:     Config,
		PreConvert: backfillTiedEmbedding,
	}
)

func init() {
	convert.DefaultRegistry.Register(CausalLM)
	convert.DefaultRegistry.Register(Headless)
}

func csModel(configs convert.Configs) convert.Config { return configs.Right.Section("model") }

// QKVLayout returns the layout of the fused QKV projections of a Cerebras Falcon model config.
// The rotary dimension of Falcon is the whole head.
func QKVLayout(model convert.Config) (layout headlayout.QKVLayout, err error) {
	layout.Packing = headlayout.PackGrouped
	if layout.HeadDim, err = convert.HeadDim(model, "hidden_size", "num_heads"); err != nil {
		return
	}
	if layout.NumHeads, err = model.Int("num_heads"); err != nil {
		return
	}
	if layout.NumKVGroups, err = model.Section("extra_attention_params").Int("num_kv_groups"); err != nil {
		err = errors.WithMessage(err, "Falcon requires extra_attention_params.num_kv_groups")
		return
	}
	layout.RotaryDim = layout.HeadDim
	return
}

var projections = []string{".proj_q_dense_layer.", ".proj_k_dense_layer.", ".proj_v_dense_layer."}

// projectionKeys returns the query, key and value keys of the Cerebras layer of key, which is one of them.
func projectionKeys(key string) (keys [3]string, err error) {
	for _, projection := range projections {
		if !strings.Contains(key, projection) {
			continue
		}
		for ii, other := range projections {
			keys[ii] = strings.Replace(key, projection, other, 1)
		}
		return
	}
	return keys, errors.Errorf("%q is not a query, key or value projection", key)
}

func convertQKV(c *call) error {
	layout, err := QKVLayout(csModel(c.Configs))
	if err != nil {
		return err
	}
	if c.FromSource(convert.Left) {
		return splitQKV(c, layout)
	}
	return mergeQKV(c, layout)
}

func splitQKV(c *call, layout headlayout.QKVLayout) error {
	if !strings.Contains(c.NewKey, projections[0]) {
		return errors.Errorf("fused projection %q should have been converted by the query projection rule", c.OldKey)
	}
	packed, err := c.Value()
	if err != nil {
		return err
	}
	q, k, v, err := headlayout.SplitQKV(packed, layout)
	if err != nil {
		return errors.WithMessagef(err, "invalid tensor shape %s at %q", packed.Shape(), c.OldKey)
	}
	keys, err := projectionKeys(c.NewKey)
	if err != nil {
		return err
	}
	for ii, projection := range []*tensors.Tensor{q, k, v} {
		if err := c.New.Set(keys[ii], projection); err != nil {
			return err
		}
	}
	return nil
}

// mergeQKV writes the fused projection when the first of the query, key and value projections is found.
func mergeQKV(c *call, layout headlayout.QKVLayout) error {
	if c.New.Has(c.NewKey) {
		return nil
	}
	keys, err := projectionKeys(c.OldKey)
	if err != nil {
		return err
	}
	var qkv [3]*tensors.Tensor
	for ii, key := range keys {
		if !c.Old.Has(key) {
			return errors.Wrapf(convert.ErrMissingKey, "%q is required to build the fused projection %q", key,
				c.NewKey)
		}
		if qkv[ii], err = c.Old.Get(key); err != nil {
			return err
		}
	}
	packed, err := headlayout.MergeQKV(qkv[0], qkv[1], qkv[2], layout)
	if err != nil {
		return err
	}
	return c.New.Set(c.NewKey, packed)
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

// backfillTiedEmbedding restores the word embeddings of Cerebras checkpoints that share them with the language
// model head and only saved the head.
func backfillTiedEmbedding(h *convert.Hook) error {
	if h.Direction != convert.Backward {
		return nil
	}
	tied, err := csModel(h.Configs).Bool("share_embedding_weights", true)
	if err != nil || !tied {
		return err
	}
	var overlay *statedict.Overlay
	for _, prefix := range []string{"", "model."} {
		embeddingKey, headKey := prefix+"embedding_layer.word_embeddings.weight", prefix+"lm_head.weight"
		if h.Old.Has(embeddingKey) || !h.Old.Has(headKey) {
			continue
		}
		head, err := h.Old.Get(headKey)
		if err != nil {
			return err
		}
		if overlay == nil {
			overlay = statedict.NewOverlay(h.Old)
		}
		if err := overlay.Set(embeddingKey, head); err != nil {
			return err
		}
		klog.V(1).Infof("tied weights: using %q for the missing %q", headKey, embeddingKey)
	}
	if overlay != nil {
		h.Old = overlay
	}
	return nil
}

func synthesizeLMHead(h *convert.Hook) error {
	if h.Direction != convert.Forward {
		return nil
	}
	klog.Warningf("the Cerebras Falcon model has a language model head (lm_head) while Hugging Face RWModel " +
		"does not: initializing it")
	head, err := convert.HeadlessLMHead(h.Configs, "word_embeddings.weight")
	if err != nil {
		return err
	}
	// RWConfig ties the embeddings unless told otherwise: the Cerebras config carries the resolved value.
	if head.Tied, err = csModel(h.Configs).Bool("share_embedding_weights", true); err != nil {
		return err
	}
	if !head.Tied && head.VocabSize == 0 {
		return errors.New("untied language model head requires vocab_size and hidden_size")
	}
	return convert.SynthesizeLMHead(h, head)
}
