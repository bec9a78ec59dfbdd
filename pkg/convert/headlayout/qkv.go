// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

package headlayout

import (
	"fmt"

	"github.com/ankitj-cerebras/modelzoo/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Packing of a fused QKV projection.
type Packing int

const (
	// PackGrouped interleaves the projections by key/value group: for each group, the query heads of the group
	// followed by its key head and its value head. Used by Falcon and GPT-NeoX.
	PackGrouped Packing = iota

	// PackBlocks concatenates all query heads, then all key heads, then all value heads.
	PackBlocks
)

// String implements fmt.Stringer.
func (p Packing) String() string {
	switch p {
	case PackGrouped:
		return "PackGrouped"
	case PackBlocks:
		return "PackBlocks"
	default:
		return fmt.Sprintf("Packing(%d)", int(p))
	}
}

// QKVLayout describes the heads of an attention projection.
//
// Multi-head attention has NumKVGroups == NumHeads, multi-query attention has NumKVGroups == 1, and anything in
// between is grouped-query attention.
type QKVLayout struct {
	NumHeads, NumKVGroups, HeadDim int

	// RotaryDim, if > 0, is the rotary dimension of the query and key heads: SplitQKV interleaves them and
	// MergeQKV de-interleaves them.
	RotaryDim int

	Packing Packing
}

// Validate the layout against the leading dimension of a fused projection.
func (l QKVLayout) Validate(packedDim int) error {
	if l.NumHeads <= 0 || l.NumKVGroups <= 0 || l.HeadDim <= 0 {
		return errors.Errorf("invalid QKV layout %+v", l)
	}
	if l.NumHeads%l.NumKVGroups != 0 {
		return errors.Errorf("invalid QKV layout: %d heads are not divisible in %d key/value groups",
			l.NumHeads, l.NumKVGroups)
	}
	if want := l.HeadDim * (l.NumHeads + 2*l.NumKVGroups); want != packedDim {
		return errors.Errorf("fused QKV dimension %d doesn't match layout (head dim %d x (%d heads + 2 x %d groups) = %d)",
			packedDim, l.HeadDim, l.NumHeads, l.NumKVGroups, want)
	}
	return nil
}

func (l QKVLayout) groupSize() int { return l.NumHeads / l.NumKVGroups }

// SplitQKV splits a fused QKV bias [packed] or weight [packed, cols] into the query, key and value projections,
// with shapes [NumHeads*HeadDim(, cols)], [NumKVGroups*HeadDim(, cols)] and [NumKVGroups*HeadDim(, cols)].
func SplitQKV(packed *tensors.Tensor, layout QKVLayout) (q, k, v *tensors.Tensor, err error) {
	if packed.Rank() != 1 && packed.Rank() != 2 {
		return nil, nil, nil, errors.Errorf("SplitQKV: fused projection must have rank 1 or 2, got %s",
			packed.Shape())
	}
	if err = layout.Validate(packed.Shape().Dim(0)); err != nil {
		return nil, nil, nil, errors.WithMessage(err, "SplitQKV")
	}
	cols := packed.Dimensions()[1:]
	groupSize := layout.groupSize()

	switch layout.Packing {
	case PackGrouped:
		var grouped *tensors.Tensor
		grouped, err = packed.Reshape(append([]int{layout.NumKVGroups, groupSize + 2, layout.HeadDim}, cols...)...)
		if err != nil {
			return
		}
		if q, err = grouped.Slice(1, 0, groupSize); err != nil {
			return
		}
		if k, err = grouped.Slice(1, groupSize, groupSize+1); err != nil {
			return
		}
		if v, err = grouped.Slice(1, groupSize+1, groupSize+2); err != nil {
			return
		}
		if layout.RotaryDim > 0 {
			if q, err = InterleaveAxis(q, 2, layout.RotaryDim); err != nil {
				return
			}
			if k, err = InterleaveAxis(k, 2, layout.RotaryDim); err != nil {
				return
			}
		}
		flat := append([]int{-1}, cols...)
		if q, err = q.Reshape(flat...); err != nil {
			return
		}
		if k, err = k.Reshape(flat...); err != nil {
			return
		}
		v, err = v.Reshape(flat...)
		return

	case PackBlocks:
		qDim := layout.NumHeads * layout.HeadDim
		kvDim := layout.NumKVGroups * layout.HeadDim
		if q, err = packed.Slice(0, 0, qDim); err != nil {
			return
		}
		if k, err = packed.Slice(0, qDim, qDim+kvDim); err != nil {
			return
		}
		if v, err = packed.Slice(0, qDim+kvDim, qDim+2*kvDim); err != nil {
			return
		}
		if layout.RotaryDim > 0 {
			if q, err = Interleave(q, layout.NumHeads, layout.RotaryDim); err != nil {
				return
			}
			k, err = Interleave(k, layout.NumKVGroups, layout.RotaryDim)
		}
		return
	}
	return nil, nil, nil, errors.Errorf("SplitQKV: unknown packing %s", layout.Packing)
}

// MergeQKV is the inverse of SplitQKV.
func MergeQKV(q, k, v *tensors.Tensor, layout QKVLayout) (*tensors.Tensor, error) {
	if err := layout.Validate(q.Shape().Dim(0) + k.Shape().Dim(0) + v.Shape().Dim(0)); err != nil {
		return nil, errors.WithMessage(err, "MergeQKV")
	}
	kvDim := layout.NumKVGroups * layout.HeadDim
	if q.Shape().Dim(0) != layout.NumHeads*layout.HeadDim || k.Shape().Dim(0) != kvDim || v.Shape().Dim(0) != kvDim {
		return nil, errors.Errorf("MergeQKV: projections %s, %s and %s don't match layout %+v",
			q.Shape(), k.Shape(), v.Shape(), layout)
	}
	var err error
	if layout.RotaryDim > 0 {
		if q, err = Deinterleave(q, layout.NumHeads, layout.RotaryDim); err != nil {
			return nil, err
		}
		if k, err = Deinterleave(k, layout.NumKVGroups, layout.RotaryDim); err != nil {
			return nil, err
		}
	}

	switch layout.Packing {
	case PackGrouped:
		cols := q.Dimensions()[1:]
		groupedDims := func(heads int) []int {
			return append([]int{layout.NumKVGroups, heads, layout.HeadDim}, cols...)
		}
		if q, err = q.Reshape(groupedDims(layout.groupSize())...); err != nil {
			return nil, err
		}
		if k, err = k.Reshape(groupedDims(1)...); err != nil {
			return nil, err
		}
		if v, err = v.Reshape(groupedDims(1)...); err != nil {
			return nil, err
		}
		packed, err := tensors.Concatenate(1, q, k, v)
		if err != nil {
			return nil, errors.WithMessage(err, "MergeQKV")
		}
		return packed.Reshape(append([]int{-1}, cols...)...)

	case PackBlocks:
		packed, err := tensors.Concatenate(0, q, k, v)
		if err != nil {
			return nil, errors.WithMessage(err, "MergeQKV")
		}
		return packed, nil
	}
	return nil, errors.Errorf("MergeQKV: unknown packing %s", layout.Packing)
}
