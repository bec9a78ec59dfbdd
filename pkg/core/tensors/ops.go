// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"slices"

	"github.com/ankitj-cerebras/modelzoo/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Reshape returns a tensor with the same content and new dimensions. One of the dimensions can be -1,
// in which case it is inferred from the number of elements.
//
// The returned tensor shares the underlying buffer.
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	resolved, err := shapes.ResolveDimensions(t.Size(), dimensions)
	if err != nil {
		return nil, errors.WithMessagef(err, "Reshape(%v) of %s", dimensions, t.shape)
	}
	return &Tensor{shape: shapes.Shape{DType: t.shape.DType, Dimensions: resolved}, data: t.data}, nil
}

// Transpose returns a new tensor with its axes permuted: output axis i is input axis permutation[i].
func (t *Tensor) Transpose(permutation ...int) (*Tensor, error) {
	rank := t.Rank()
	if len(permutation) != rank {
		return nil, errors.Errorf("Transpose(%v) of %s: permutation must have %d axes", permutation, t.shape, rank)
	}
	seen := make([]bool, rank)
	for _, axis := range permutation {
		if axis < 0 || axis >= rank || seen[axis] {
			return nil, errors.Errorf("Transpose(%v) of %s: not a permutation of the axes", permutation, t.shape)
		}
		seen[axis] = true
	}

	newDims := make([]int, rank)
	for i, axis := range permutation {
		newDims[i] = t.shape.Dimensions[axis]
	}
	output := &Tensor{
		shape: shapes.Shape{DType: t.shape.DType, Dimensions: newDims},
		data:  make([]byte, len(t.data)),
	}
	if len(t.data) == 0 {
		return output, nil
	}

	// Trailing axes that stay in place are copied as contiguous blocks.
	numMoved := rank
	for numMoved > 0 && permutation[numMoved-1] == numMoved-1 {
		numMoved--
	}
	blockBytes := t.elementWidth()
	for _, dim := range t.shape.Dimensions[numMoved:] {
		blockBytes *= dim
	}
	if numMoved == 0 {
		copy(output.data, t.data)
		return output, nil
	}

	srcStrides := t.shape.Strides()
	width := t.elementWidth()
	indices := make([]int, numMoved)
	numBlocks := len(t.data) / blockBytes
	for outBlock := range numBlocks {
		srcElement := 0
		for i, idx := range indices {
			srcElement += idx * srcStrides[permutation[i]]
		}
		srcOffset := srcElement * width
		copy(output.data[outBlock*blockBytes:(outBlock+1)*blockBytes], t.data[srcOffset:srcOffset+blockBytes])
		for axis := numMoved - 1; axis >= 0; axis-- {
			indices[axis]++
			if indices[axis] < newDims[axis] {
				break
			}
			indices[axis] = 0
		}
	}
	return output, nil
}

// splitAt returns the number of "outer" rows and the number of bytes of each inner row of the given axis.
func (t *Tensor) splitAt(axis int) (outer int, innerBytes int) {
	outer = 1
	for _, dim := range t.shape.Dimensions[:axis] {
		outer *= dim
	}
	innerBytes = t.elementWidth()
	for _, dim := range t.shape.Dimensions[axis+1:] {
		innerBytes *= dim
	}
	return
}

func (t *Tensor) normalizeAxis(axis int) (int, error) {
	adjusted := axis
	if adjusted < 0 {
		adjusted += t.Rank()
	}
	if adjusted < 0 || adjusted >= t.Rank() {
		return 0, errors.Errorf("axis %d out-of-bounds for %s", axis, t.shape)
	}
	return adjusted, nil
}

// Slice returns the sub-tensor with the range [start, end) of the given axis, and all the other axes complete.
// Negative axes count from the end.
func (t *Tensor) Slice(axis, start, end int) (*Tensor, error) {
	axis, err := t.normalizeAxis(axis)
	if err != nil {
		return nil, errors.WithMessage(err, "Slice")
	}
	dim := t.shape.Dimensions[axis]
	if start < 0 || end > dim || start > end {
		return nil, errors.Errorf("Slice(axis=%d, %d:%d) out of range for %s", axis, start, end, t.shape)
	}
	newDims := slices.Clone(t.shape.Dimensions)
	newDims[axis] = end - start
	outer, innerBytes := t.splitAt(axis)
	chunk := (end - start) * innerBytes
	data := make([]byte, 0, outer*chunk)
	for row := range outer {
		base := (row*dim + start) * innerBytes
		data = append(data, t.data[base:base+chunk]...)
	}
	return &Tensor{shape: shapes.Shape{DType: t.shape.DType, Dimensions: newDims}, data: data}, nil
}

// Concatenate tensors along the given axis. All tensors must have the same dtype and rank, and equal
// dimensions on every axis other than the concatenation axis.
func Concatenate(axis int, operands ...*Tensor) (*Tensor, error) {
	if len(operands) == 0 {
		return nil, errors.New("Concatenate requires at least one tensor")
	}
	first := operands[0]
	axis, err := first.normalizeAxis(axis)
	if err != nil {
		return nil, errors.WithMessage(err, "Concatenate")
	}
	newDims := slices.Clone(first.shape.Dimensions)
	newDims[axis] = 0
	for i, operand := range operands {
		if operand.DType() != first.DType() || operand.Rank() != first.Rank() {
			return nil, errors.Errorf("Concatenate: operand #%d %s incompatible with %s", i, operand.shape, first.shape)
		}
		for otherAxis, dim := range operand.shape.Dimensions {
			if otherAxis != axis && dim != first.shape.Dimensions[otherAxis] {
				return nil, errors.Errorf("Concatenate(axis=%d): operand #%d %s incompatible with %s",
					axis, i, operand.shape, first.shape)
			}
		}
		newDims[axis] += operand.shape.Dimensions[axis]
	}

	outer, _ := first.splitAt(axis)
	total := 0
	for _, operand := range operands {
		total += len(operand.data)
	}
	data := make([]byte, 0, total)
	for row := range outer {
		for _, operand := range operands {
			_, innerBytes := operand.splitAt(axis)
			chunk := operand.shape.Dimensions[axis] * innerBytes
			data = append(data, operand.data[row*chunk:(row+1)*chunk]...)
		}
	}
	return &Tensor{shape: shapes.Shape{DType: first.shape.DType, Dimensions: newDims}, data: data}, nil
}
