// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

// Package convert implements declarative, rule-based conversion of checkpoints (state dicts) and model configs
// between formats, e.g. Hugging Face ("hf") and Cerebras ("cs-2.0").
//
// A converter is a RuleSet: an ordered list of Rule, each pairing a key pattern with an Action. A pattern is a
// sequence of segments:
//
//   - Lit("."): literal text, the same on both sides.
//   - Re(`\d+`): a regular expression, the matched text is copied to the new key.
//   - Equiv("q_proj", "proj_q_dense_layer"): text that differs between the two sides.
//   - Nested(rs): any rule of another RuleSet, so converters compose (e.g. the attention rules nested under
//     the layers of a model).
//
// The same rules work in both directions: converting Forward (Left to Right) matches the Left side text of each
// segment and produces the Right side key, and Backward does the opposite. For example the rule
//
//	Rule[*tensors.Tensor]{
//		Pattern: []Segment{Equiv("layers", "transformer_decoder.layers"), Re(`\.\d+\.`),
//			Equiv("input_layernorm", "norm1"), Re(`\.(?:weight|bias)`)},
//		Action: Copy[*tensors.Tensor](),
//	}
//
// converts "layers.3.input_layernorm.weight" to "transformer_decoder.layers.3.norm1.weight" and back.
//
// ConvertCheckpoint and ConvertConfig run a converter over a whole store. Model families register their
// converters in a Registry, see package github.com/ankitj-cerebras/modelzoo/pkg/convert/models.
package convert
