// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"encoding/binary"
	"math"
	"math/rand/v2"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/stat/distuv"
)

// RandomNormal returns a tensor of the given float dtype with values sampled from Normal(mean, stddev),
// using src as the source of randomness.
func RandomNormal(src rand.Source, dtype dtypes.DType, mean, stddev float64, dimensions ...int) (*Tensor, error) {
	t, err := Zeros(dtype, dimensions...)
	if err != nil {
		return nil, err
	}
	dist := distuv.Normal{Mu: mean, Sigma: stddev, Src: src}
	width := t.elementWidth()
	for i := range t.Size() {
		if err := putFloat(t.data[i*width:(i+1)*width], dtype, dist.Rand()); err != nil {
			return nil, errors.WithMessage(err, "RandomNormal")
		}
	}
	return t, nil
}

func putFloat(buf []byte, dtype dtypes.DType, v float64) error {
	switch dtype {
	case dtypes.Float64:
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
	case dtypes.Float32:
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
	case dtypes.Float16:
		binary.LittleEndian.PutUint16(buf, float16.Fromfloat32(float32(v)).Bits())
	case dtypes.BFloat16:
		binary.LittleEndian.PutUint16(buf, uint16(bfloat16.FromFloat32(float32(v))))
	default:
		return errors.Errorf("dtype %s is not a float type", dtype)
	}
	return nil
}

// Floats returns the values of a float tensor converted to float64. Used for comparisons in tests and logs.
func (t *Tensor) Floats() ([]float64, error) {
	width := t.elementWidth()
	values := make([]float64, t.Size())
	for i := range values {
		buf := t.data[i*width : (i+1)*width]
		switch t.shape.DType {
		case dtypes.Float64:
			values[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf))
		case dtypes.Float32:
			values[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
		case dtypes.Float16:
			values[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(buf)).Float32())
		case dtypes.BFloat16:
			values[i] = float64(bfloat16.BFloat16(binary.LittleEndian.Uint16(buf)).Float32())
		default:
			return nil, errors.Errorf("Floats: dtype %s is not a float type", t.shape.DType)
		}
	}
	return values, nil
}
