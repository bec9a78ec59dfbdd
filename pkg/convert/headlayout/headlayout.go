// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

// Package headlayout converts the layout of attention projection weights between formats: the rotary
// embedding interleave of query/key heads, the split and merge of fused QKV projections and the rotary
// inverse frequencies.
//
// Hugging Face checkpoints store the rotary part of each head as two halves, [x0 ... x(r/2-1), y0 ... y(r/2-1)],
// while Cerebras checkpoints store them interleaved, [x0 y0 x1 y1 ...]. Interleave converts from the first to the
// second and Deinterleave back. Both only move bytes, so a round trip is bit-exact for any dtype.
package headlayout

import (
	"math"
	"slices"

	"github.com/ankitj-cerebras/modelzoo/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Interleave the rotary part of every head of a query or key projection.
//
// The tensor is a bias of shape [numHeads*headDim] or a weight of shape [numHeads*headDim, cols]. Only the
// first rotaryDim entries of each head are interleaved, the rest of the head is passed through.
func Interleave(t *tensors.Tensor, numHeads, rotaryDim int) (*tensors.Tensor, error) {
	return byHeads(t, numHeads, rotaryDim, true)
}

// Deinterleave is the inverse of Interleave.
func Deinterleave(t *tensors.Tensor, numHeads, rotaryDim int) (*tensors.Tensor, error) {
	return byHeads(t, numHeads, rotaryDim, false)
}

func byHeads(t *tensors.Tensor, numHeads, rotaryDim int, interleave bool) (*tensors.Tensor, error) {
	if t.Rank() != 1 && t.Rank() != 2 {
		return nil, errors.Errorf("head layout: projections must be biases (rank 1) or weights (rank 2), got %s",
			t.Shape())
	}
	if numHeads <= 0 || t.Shape().Dim(0)%numHeads != 0 {
		return nil, errors.Errorf("head layout: leading dimension of %s is not divisible by %d heads",
			t.Shape(), numHeads)
	}
	dims := t.Dimensions()
	headsDims := append([]int{numHeads, -1}, dims[1:]...)
	heads, err := t.Reshape(headsDims...)
	if err != nil {
		return nil, err
	}
	if interleave {
		heads, err = InterleaveAxis(heads, 1, rotaryDim)
	} else {
		heads, err = DeinterleaveAxis(heads, 1, rotaryDim)
	}
	if err != nil {
		return nil, err
	}
	return heads.Reshape(dims...)
}

// InterleaveAxis interleaves the first rotaryDim entries of the given axis, which holds the head dimension.
// The axes before it index heads (or groups of heads), and the axes after it are carried along.
// This is the form used for grouped layouts, e.g. [groups, headsPerGroup, headDim, cols].
func InterleaveAxis(t *tensors.Tensor, axis, rotaryDim int) (*tensors.Tensor, error) {
	return permuteRotary(t, axis, rotaryDim, true)
}

// DeinterleaveAxis is the inverse of InterleaveAxis.
func DeinterleaveAxis(t *tensors.Tensor, axis, rotaryDim int) (*tensors.Tensor, error) {
	return permuteRotary(t, axis, rotaryDim, false)
}

// permuteRotary views the rotary part of the axis as [2, rotaryDim/2] (halves) or [rotaryDim/2, 2] (interleaved)
// and swaps the two.
func permuteRotary(t *tensors.Tensor, axis, rotaryDim int, interleave bool) (*tensors.Tensor, error) {
	rank := t.Rank()
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, errors.Errorf("head layout: axis out-of-bounds for %s", t.Shape())
	}
	headDim := t.Shape().Dim(axis)
	if rotaryDim <= 0 || rotaryDim%2 != 0 || rotaryDim > headDim {
		return nil, errors.Errorf("head layout: rotary dimension %d must be even and in (0, %d] for %s",
			rotaryDim, headDim, t.Shape())
	}

	toRotate := t
	if rotaryDim < headDim {
		var err error
		if toRotate, err = t.Slice(axis, 0, rotaryDim); err != nil {
			return nil, err
		}
	}
	rotatedDims := toRotate.Dimensions()
	split := slices.Concat(rotatedDims[:axis], []int{2, rotaryDim / 2}, rotatedDims[axis+1:])
	if !interleave {
		split[axis], split[axis+1] = rotaryDim/2, 2
	}
	permutation := make([]int, len(split))
	for i := range permutation {
		permutation[i] = i
	}
	permutation[axis], permutation[axis+1] = axis+1, axis

	rotated, err := toRotate.Reshape(split...)
	if err != nil {
		return nil, err
	}
	if rotated, err = rotated.Transpose(permutation...); err != nil {
		return nil, err
	}
	if rotated, err = rotated.Reshape(rotatedDims...); err != nil {
		return nil, err
	}
	if rotaryDim == headDim {
		return rotated, nil
	}
	toPass, err := t.Slice(axis, rotaryDim, headDim)
	if err != nil {
		return nil, err
	}
	return tensors.Concatenate(axis, rotated, toPass)
}

// RotaryBase is the base of the rotary embedding frequencies.
const RotaryBase = 10000.0

// InvFreq returns the rotary inverse frequencies 1/(RotaryBase^(i/rotaryDim)) for i = 0, 2, ..., rotaryDim-2,
// as a float32 tensor of shape [rotaryDim/2]. Hugging Face Llama checkpoints store it as a buffer.
func InvFreq(rotaryDim int) (*tensors.Tensor, error) {
	if rotaryDim <= 0 || rotaryDim%2 != 0 {
		return nil, errors.Errorf("InvFreq: rotary dimension %d must be even and positive", rotaryDim)
	}
	values := make([]float32, rotaryDim/2)
	for i := range values {
		exponent := float32(2*i) / float32(rotaryDim)
		values[i] = 1 / float32(math.Pow(RotaryBase, float64(exponent)))
	}
	return tensors.FromFlatDataAndDimensions(values, len(values)), nil
}
