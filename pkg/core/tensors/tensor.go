// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a host-resident multidimensional array as stored in checkpoints.
//
// A Tensor is defined by its shape (a data type and its axes' dimensions) and its content, kept as the raw
// row-major little-endian bytes read from (or to be written to) a checkpoint file. Since conversions only move
// elements around, all layout operations (Reshape, Transpose, Slice, Concatenate) work on bytes and never
// decode values: bfloat16 and float16 weights are moved bit-exactly.
//
// Tensors are immutable: operations return new tensors, and Reshape may share the underlying buffer.
//
// There are various ways to construct a Tensor:
//
//   - FromBytes(dtype, dimensions, data): wraps raw bytes read from a file, validating their length.
//
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions and the flattened values. Example:
//
//     t := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
//   - Zeros(dtype, dimensions...) and RandomNormal(...): factories used when a converter synthesizes weights.
package tensors

import (
	"bytes"
	"fmt"
	"slices"
	"unsafe"

	"github.com/ankitj-cerebras/modelzoo/pkg/core/shapes"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Tensor represents a multidimensional array, defined by its shape and its content stored as a flat
// array of bytes.
type Tensor struct {
	shape shapes.Shape
	data  []byte
}

// FromBytes creates a tensor that takes ownership of data: the caller must not modify it afterward.
func FromBytes(dtype dtypes.DType, dimensions []int, data []byte) (*Tensor, error) {
	shape, err := shapes.Make(dtype, dimensions...)
	if err != nil {
		return nil, err
	}
	if !shape.Ok() {
		return nil, errors.Errorf("tensors.FromBytes: invalid dtype for shape %s", shape)
	}
	if len(data) != shape.Memory() {
		return nil, errors.Errorf("tensors.FromBytes: shape %s requires %d bytes, got %d",
			shape, shape.Memory(), len(data))
	}
	return &Tensor{shape: shape, data: data}, nil
}

// FromShape returns a zero-initialized tensor with the given shape.
func FromShape(shape shapes.Shape) *Tensor {
	return &Tensor{shape: shape.Clone(), data: make([]byte, shape.Memory())}
}

// Zeros returns a zero-initialized tensor with the given dtype and dimensions.
func Zeros(dtype dtypes.DType, dimensions ...int) (*Tensor, error) {
	shape, err := shapes.Make(dtype, dimensions...)
	if err != nil {
		return nil, err
	}
	return FromShape(shape), nil
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values given in `data`.
// The data is copied into the Tensor.
//
// It panics if len(data) doesn't match the dimensions: it is meant for literal values in code and tests.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape, err := shapes.Make(dtype, dimensions...)
	if err != nil {
		panic(err)
	}
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions: len(data)=%d, but dimensions %v require %d elements",
			len(data), dimensions, shape.Size())
	}
	return &Tensor{shape: shape, data: flatToBytes(data)}
}

func flatToBytes[T dtypes.Supported](flat []T) []byte {
	if len(flat) == 0 {
		return []byte{}
	}
	numBytes := int(unsafe.Sizeof(flat[0])) * len(flat)
	return slices.Clone(unsafe.Slice((*byte)(unsafe.Pointer(&flat[0])), numBytes))
}

// CopyFlatData returns a copy of the tensor's values as a flat slice of T.
// T must match the tensor's DType.
func CopyFlatData[T dtypes.Supported](t *Tensor) ([]T, error) {
	dtype := dtypes.FromGenericsType[T]()
	if dtype != t.shape.DType {
		return nil, errors.Errorf("CopyFlatData[%s]: tensor has dtype %s", dtype, t.shape.DType)
	}
	flat := make([]T, t.shape.Size())
	if len(flat) > 0 {
		copy(unsafe.Slice((*byte)(unsafe.Pointer(&flat[0])), len(t.data)), t.data)
	}
	return flat, nil
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
// It is a shortcut to `Tensor.Shape().DType`.
func (t *Tensor) DType() dtypes.DType {
	if t == nil {
		return dtypes.InvalidDType
	}
	return t.shape.DType
}

// Dimensions returns a copy of the tensor's dimensions.
func (t *Tensor) Dimensions() []int { return slices.Clone(t.shape.Dimensions) }

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// ByteSize is the accounting size used for shard packing. See shapes.Shape.ByteSize.
func (t *Tensor) ByteSize() int64 { return t.shape.ByteSize() }

// Bytes returns the raw row-major little-endian content. It must not be modified.
func (t *Tensor) Bytes() []byte { return t.data }

// Equal returns whether both tensors have the same shape and bit-identical contents.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.shape.Equal(other.shape) && bytes.Equal(t.data, other.data)
}

// String implements fmt.Stringer. It doesn't print the values, checkpoint tensors are too large for that.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	return fmt.Sprintf("Tensor%s (%s)", t.shape, humanize.Bytes(uint64(len(t.data))))
}

// elementWidth in bytes of the in-memory representation.
func (t *Tensor) elementWidth() int { return int(t.shape.DType.Memory()) }
