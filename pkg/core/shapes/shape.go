// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the dtype and dimensions of a checkpoint tensor, and the
// byte accounting used when packing tensors into shards.
//
// DType is the enumeration defined in github.com/gomlx/gopjrt/dtypes: float16 support uses
// github.com/x448/float16 and bfloat16 uses github.com/gomlx/gopjrt/dtypes/bfloat16.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a tensor.
//   - Axis: the index of a dimension. Its size is called its dimension.
//   - Scalar: a shape with no axes, holding a single value of the associated DType.
//
// Example: a weight of shape `(BF16)[4096 4096]` has rank 2 and 16M elements, and takes
// 32MiB on disk.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Shape represents the dtype and dimensions of a tensor.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
//
// Zero dimensions are accepted (zero-sized tensors show up in real checkpoints),
// negative dimensions are not.
func Make(dtype dtypes.DType, dimensions ...int) (Shape, error) {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			return Shape{}, errors.Errorf("shapes.Make(%s): cannot create a shape with an axis with dimension < 0", s)
		}
	}
	return s, nil
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{}, is invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. Negative axes count from the end.
// It panics for an out-of-bound axis, like slice indexing.
func (s Shape) Dim(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.Rank()
	}
	if adjusted < 0 || adjusted >= s.Rank() {
		panic(errors.Errorf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s))
	}
	return s.Dimensions[adjusted]
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes used to store the tensor in memory: bool takes a full byte.
func (s Shape) Memory() int {
	return int(s.DType.Memory()) * s.Size()
}

// ByteSize returns the number of bytes accounted for this shape when packing shards:
// `ceil(numElements * elementWidth)`, where a bool counts as 1/8 of a byte.
//
// This is the figure the manifest's "total_size" adds up, and it differs from Memory only for bool.
func (s Shape) ByteSize() int64 {
	if s.DType == dtypes.Bool {
		return (int64(s.Size()) + 7) / 8
	}
	return int64(s.Memory())
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// Strides returns the strides for each axis of the shape, assuming a "row-major" layout.
//
// Notice the strides are **not in bytes**, but in indices.
func (s Shape) Strides() (strides []int) {
	rank := s.Rank()
	if rank == 0 {
		return
	}
	strides = make([]int, rank)
	currentStride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = currentStride
		currentStride *= s.Dimensions[axis]
	}
	return
}

// ResolveDimensions returns a copy of dims where a single -1 entry is replaced by the dimension
// needed to keep size elements. It is the rule used by tensor reshapes.
func ResolveDimensions(size int, dims []int) ([]int, error) {
	resolved := slices.Clone(dims)
	inferAxis := -1
	known := 1
	for axis, dim := range dims {
		switch {
		case dim == -1:
			if inferAxis != -1 {
				return nil, errors.Errorf("only one dimension can be -1, got %v", dims)
			}
			inferAxis = axis
		case dim < 0:
			return nil, errors.Errorf("invalid dimension %d in %v", dim, dims)
		default:
			known *= dim
		}
	}
	if inferAxis >= 0 {
		if known == 0 || size%known != 0 {
			return nil, errors.Errorf("cannot infer dimension in %v for %d elements", dims, size)
		}
		resolved[inferAxis] = size / known
		known = size
	}
	if known != size {
		return nil, errors.Errorf("dimensions %v hold %d elements, want %d", dims, known, size)
	}
	return resolved, nil
}
