package safetensors

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/ankitj-cerebras/modelzoo/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	named := []*NamedTensor{
		{Name: "z.weight", Tensor: tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)},
		{Name: "a.bias", Tensor: tensors.FromFlatDataAndDimensions([]bfloat16.BFloat16{0x3f80, 0x4000}, 2)},
		{Name: "mask", Tensor: tensors.FromFlatDataAndDimensions([]bool{true, false, true}, 3)},
	}
	require.NoError(t, WriteFile(path, named, map[string]string{"source": "test"}))

	header, err := ReadFileHeader(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"z.weight", "a.bias", "mask"}, header.Names())
	assert.Equal(t, "pt", header.Metadata["format"])
	assert.Equal(t, "test", header.Metadata["source"])

	got, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for ii, nt := range got {
		assert.Equal(t, named[ii].Name, nt.Name)
		assert.Truef(t, named[ii].Tensor.Equal(nt.Tensor), "tensor %q differs", nt.Name)
	}
}

func TestHeaderIsAligned(t *testing.T) {
	var buf bytes.Buffer
	named := []*NamedTensor{{Name: "x", Tensor: tensors.FromFlatDataAndDimensions([]float32{1}, 1)}}
	require.NoError(t, Write(&buf, named, nil))
	headerLen := binary.LittleEndian.Uint64(buf.Bytes()[:8])
	assert.Zero(t, headerLen%8)
	assert.Equal(t, int(8+headerLen+4), buf.Len())
}

func TestEmptyFile(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, nil, nil))
	count := 0
	for _, err := range Scan(&buf) {
		require.NoError(t, err)
		count++
	}
	assert.Zero(t, count)
}

func TestDuplicateName(t *testing.T) {
	x := tensors.FromFlatDataAndDimensions([]float32{1}, 1)
	err := Write(&bytes.Buffer{}, []*NamedTensor{{"x", x}, {"x", x}}, nil)
	require.Error(t, err)
}

func TestReadHeaderRejectsGarbage(t *testing.T) {
	_, err := ReadHeader(bytes.NewReader([]byte{1, 2, 3}))
	require.Error(t, err)

	var buf bytes.Buffer
	header := []byte(`{"x":{"dtype":"F32","shape":[2],"data_offsets":[0,4]}}`)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(header)))
	buf.Write(lenBuf[:])
	buf.Write(header)
	_, err = ReadHeader(&buf)
	require.Error(t, err, "2 float32 values require 8 bytes")
}
