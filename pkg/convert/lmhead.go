// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

package convert

import (
	"math/rand/v2"

	"github.com/ankitj-cerebras/modelzoo/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultInitializerRange is the standard deviation used to initialize synthesized weights when the config
// doesn't set "initializer_range".
const DefaultInitializerRange = 0.02

// LMHead describes the language model head to synthesize when converting from a headless model to a format that
// requires one.
type LMHead struct {
	// EmbeddingKey is the source key of the word embeddings: copied when the weights are tied, and used for the
	// dtype of the head otherwise.
	EmbeddingKey string

	// WeightKey and BiasKey are the target keys, without Hook.KeyPrefix.
	WeightKey, BiasKey string

	Tied                  bool
	VocabSize, HiddenSize int
	InitializerRange      float64
	UseBias               bool
}

// SynthesizeLMHead writes the language model head described by head into h.New.
//
// If the weights are tied, the weight is a copy of the embedding. Otherwise it is sampled from
// Normal(0, InitializerRange) in the dtype of the embedding, seeded with h.Seed. The bias, if used, is zero.
func SynthesizeLMHead(h *Hook, head LMHead) error {
	dtype := dtypes.Float32
	var embedding *tensors.Tensor
	if h.Old.Has(head.EmbeddingKey) {
		var err error
		if embedding, err = h.Old.Get(head.EmbeddingKey); err != nil {
			return err
		}
		dtype = embedding.DType()
	}

	var weight *tensors.Tensor
	if head.Tied {
		if embedding == nil {
			return errors.Wrapf(ErrMissingKey, "tied language model head needs the embedding %q", head.EmbeddingKey)
		}
		weight = embedding
	} else {
		if head.VocabSize <= 0 || head.HiddenSize <= 0 {
			return errors.Errorf("invalid language model head dimensions %d x %d", head.VocabSize, head.HiddenSize)
		}
		std := head.InitializerRange
		if std <= 0 {
			std = DefaultInitializerRange
		}
		klog.Warningf("initializing language model head %q (%d x %d) from Normal(0, %g)",
			h.KeyPrefix+head.WeightKey, head.VocabSize, head.HiddenSize, std)
		var err error
		src := rand.NewPCG(h.Seed, h.Seed^0x9e3779b97f4a7c15)
		weight, err = tensors.RandomNormal(src, dtype, 0, std, head.VocabSize, head.HiddenSize)
		if err != nil {
			return err
		}
	}
	if err := h.New.Set(h.KeyPrefix+head.WeightKey, weight); err != nil {
		return err
	}
	if !head.UseBias {
		return nil
	}
	vocab := head.VocabSize
	if vocab <= 0 {
		vocab = weight.Shape().Dim(0)
	}
	bias, err := tensors.Zeros(dtype, vocab)
	if err != nil {
		return err
	}
	return h.New.Set(h.KeyPrefix+head.BiasKey, bias)
}

// HeadlessLMHead describes the language model head "lm_head" of a Cerebras model, when converting from a headless
// Hugging Face model whose word embeddings are stored under embeddingKey.
//
// configs.Left is the Hugging Face config: the weights are tied if it sets tie_word_embeddings. The dimensions,
// bias and initializer range are read from the "model" section of the Cerebras config, configs.Right.
func HeadlessLMHead(configs Configs, embeddingKey string) (head LMHead, err error) {
	model := configs.Right.Section("model")
	head = LMHead{
		EmbeddingKey:     embeddingKey,
		WeightKey:        "lm_head.weight",
		BiasKey:          "lm_head.bias",
		InitializerRange: DefaultInitializerRange,
	}
	if head.Tied, err = configs.Left.Bool("tie_word_embeddings", false); err != nil {
		return
	}
	if head.UseBias, err = model.Bool("use_bias_in_output", false); err != nil {
		return
	}
	if model.Has("initializer_range") {
		if head.InitializerRange, err = model.Float("initializer_range"); err != nil {
			return
		}
	}
	if head.Tied {
		return
	}
	if head.VocabSize, err = model.Int("vocab_size"); err != nil {
		return
	}
	head.HiddenSize, err = model.Int("hidden_size")
	return
}
