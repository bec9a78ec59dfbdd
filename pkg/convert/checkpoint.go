// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

package convert

import (
	"context"
	"time"

	"github.com/ankitj-cerebras/modelzoo/pkg/core/tensors"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"k8s.io/klog/v2"
)

var tracer = otel.Tracer("github.com/ankitj-cerebras/modelzoo/pkg/convert")

// StateDict is a tensor store being converted.
type StateDict = Store[*tensors.Tensor]

// Hook is passed to CheckpointConverter hooks.
type Hook struct {
	// Old is the source state dict. Pre-conversion hooks may replace it, typically by a statedict.Overlay with
	// normalized or backfilled tensors.
	Old Source[*tensors.Tensor]

	// New is the converted state dict.
	New StateDict

	// Configs are the full configs of both sides (the target one already converted).
	Configs Configs

	Direction         Direction
	DropUnmatchedKeys bool

	// KeyPrefix is the target side text of the version-catching prefix (see CatchPrefixes) that matched the
	// source keys, e.g. "model." when converting to a format that nests the model under "model.".
	// It is only set for post-conversion hooks.
	KeyPrefix string

	// Seed for random initialization of synthesized tensors.
	Seed uint64
}

// HookFunc is the signature of CheckpointConverter hooks.
type HookFunc func(h *Hook) error

// CheckpointConverter converts state dicts between two checkpoint formats of a model family.
type CheckpointConverter struct {
	// Name identifies the converter in logs and listings.
	Name string

	// Family of models, e.g. "llama". Converters are looked up by family and formats in a Registry.
	Family string

	Formats Pair[FormatVersions]
	Rules   *RuleSet[*tensors.Tensor]

	// Config converter matching this checkpoint converter, if any.
	Config *ConfigConverter

	// PreConvert runs before the rules, PostConvert after all keys were converted: it usually synthesizes
	// tensors with no counterpart in the source format.
	PreConvert, PostConvert HookFunc

	// Note is a human-readable description of the conversion caveats.
	Note string
}

// Supports returns the direction in which the converter converts from format src to format tgt.
func (conv *CheckpointConverter) Supports(src, tgt string) (Direction, bool) {
	if conv.Formats.Left.Supports(src) && conv.Formats.Right.Supports(tgt) {
		return Forward, true
	}
	if conv.Formats.Right.Supports(src) && conv.Formats.Left.Supports(tgt) {
		return Backward, true
	}
	return Forward, false
}

// ConvertCheckpoint converts all tensors of src, writing them to dst.
//
// For each key of src, in order, the first matching rule fires (see RuleSet); keys matching no rule fail the
// conversion unless opts.DropUnmatchedKeys. The hooks run before and after the rules, and finally the converted
// keys are checked against the rules' existence constraints.
//
// configs must hold the config of both sides: the target one is typically the result of ConvertConfig.
func ConvertCheckpoint(ctx context.Context, conv *CheckpointConverter, src Source[*tensors.Tensor], dst StateDict,
	configs Configs, direction Direction, opts *Options) error {
	if opts == nil {
		opts = &Options{}
	}
	ctx, span := tracer.Start(ctx, "convert.ConvertCheckpoint")
	defer span.End()
	span.SetAttributes(attribute.String("converter", conv.Name), attribute.String("direction", direction.String()))
	start := time.Now()

	hook := &Hook{
		Old:               src,
		New:               dst,
		Configs:           configs,
		Direction:         direction,
		DropUnmatchedKeys: opts.DropUnmatchedKeys,
		Seed:              opts.Seed,
	}
	if conv.PreConvert != nil {
		if err := conv.PreConvert(hook); err != nil {
			return errors.WithMessagef(err, "%s: pre-conversion", conv.Name)
		}
	}
	p := &pass[*tensors.Tensor]{
		name:      conv.Name,
		rules:     conv.Rules,
		from:      hook.Old,
		to:        dst,
		direction: direction,
		configs:   configs,
		opts:      opts,
	}
	if err := p.run(ctx); err != nil {
		return err
	}
	hook.KeyPrefix = p.keyPrefix
	if conv.PostConvert != nil {
		if err := conv.PostConvert(hook); err != nil {
			return errors.WithMessagef(err, "%s: post-conversion", conv.Name)
		}
	}
	if err := p.checkExists(); err != nil {
		return err
	}
	numKeys := len(dst.Keys())
	span.SetAttributes(attribute.Int("keys", numKeys))
	klog.V(1).Infof("%s: converted %d tensors (%s) in %s", conv.Name, numKeys, direction, time.Since(start))
	return nil
}
