// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

// Package safetensors reads and writes ".safetensors" files, the shard format used for Hugging Face checkpoints.
//
// The file layout is: an 8-byte little-endian header length, a JSON header mapping tensor names to
// {"dtype", "shape", "data_offsets"} (plus an optional "__metadata__" entry of string to string), and the
// concatenated raw tensor data.
package safetensors

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"iter"
	"os"
	"slices"

	"github.com/ankitj-cerebras/modelzoo/pkg/core/shapes"
	"github.com/ankitj-cerebras/modelzoo/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NamedTensor represents a tensor and its name in a ".safetensors" file.
type NamedTensor struct {
	Name   string
	Tensor *tensors.Tensor
}

const (
	metadataKey = "__metadata__"

	// FormatPyTorch is the format recorded in the metadata of files written by this package.
	FormatPyTorch = "pt"

	// maxHeaderSize protects against reading garbage as a header length.
	maxHeaderSize = 100 << 20
)

// dtypeNames maps dtypes to the names used in the safetensors header.
var dtypeNames = map[dtypes.DType]string{
	dtypes.Bool:     "BOOL",
	dtypes.Int8:     "I8",
	dtypes.Int16:    "I16",
	dtypes.Int32:    "I32",
	dtypes.Int64:    "I64",
	dtypes.Uint8:    "U8",
	dtypes.Uint16:   "U16",
	dtypes.Uint32:   "U32",
	dtypes.Uint64:   "U64",
	dtypes.Float16:  "F16",
	dtypes.BFloat16: "BF16",
	dtypes.Float32:  "F32",
	dtypes.Float64:  "F64",
}

// DTypeName returns the safetensors name of the dtype, or an error if the dtype is not representable.
func DTypeName(dtype dtypes.DType) (string, error) {
	name, found := dtypeNames[dtype]
	if !found {
		return "", errors.Errorf("dtype %s has no safetensors representation", dtype)
	}
	return name, nil
}

type tensorMetadata struct {
	DTypeName  string   `json:"dtype"`
	Dimensions []int    `json:"shape"`
	Offsets    []uint64 `json:"data_offsets"`

	// Name is filled later, with the key to the tensor.
	Name string `json:"-"`
}

// DTypeFromName parses a safetensors dtype name. It returns dtypes.InvalidDType for unknown names.
func DTypeFromName(name string) dtypes.DType {
	for dtype, dtypeName := range dtypeNames {
		if name == dtypeName {
			return dtype
		}
	}
	dtype, found := dtypes.MapOfNames[name]
	if !found {
		dtype = dtypes.InvalidDType
	}
	return dtype
}

// DType parses the dtype name into an actual dtype.
func (t *tensorMetadata) DType() dtypes.DType { return DTypeFromName(t.DTypeName) }

func (t *tensorMetadata) Shape() (shapes.Shape, error) {
	return shapes.Make(t.DType(), t.Dimensions...)
}

// Header is the parsed header of a ".safetensors" file: tensors sorted by their offset in the file.
type Header struct {
	Metadata map[string]string
	entries  []*tensorMetadata
}

// Names returns the tensor names in file order.
func (h *Header) Names() []string {
	names := make([]string, len(h.entries))
	for ii, entry := range h.entries {
		names[ii] = entry.Name
	}
	return names
}

// ReadHeader reads and validates the header of a ".safetensors" stream. The reader is left positioned at the
// start of the tensor data.
func ReadHeader(r io.Reader) (*Header, error) {
	var headerLenBuf [8]byte
	if _, err := io.ReadFull(r, headerLenBuf[:]); err != nil {
		return nil, errors.Wrapf(err, "failed to read header length")
	}
	headerLen := binary.LittleEndian.Uint64(headerLenBuf[:])
	if headerLen > maxHeaderSize {
		return nil, errors.Errorf("header length %d is too large, is this a .safetensors file?", headerLen)
	}
	headerBuf := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, errors.Wrapf(err, "failed to read header")
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBuf, &raw); err != nil {
		return nil, errors.Wrapf(err, "failed to parse json from header")
	}

	header := &Header{}
	if rawMetadata, found := raw[metadataKey]; found {
		if err := json.Unmarshal(rawMetadata, &header.Metadata); err != nil {
			return nil, errors.Wrapf(err, "failed to parse header[%q]", metadataKey)
		}
		if format := header.Metadata["format"]; format != "" && format != FormatPyTorch {
			klog.V(1).Infof("safetensors format %q, reading it as %q", format, FormatPyTorch)
		}
		delete(raw, metadataKey)
	}

	header.entries = make([]*tensorMetadata, 0, len(raw))
	for name, rawEntry := range raw {
		entry := &tensorMetadata{Name: name}
		if err := json.Unmarshal(rawEntry, entry); err != nil {
			return nil, errors.Wrapf(err, "failed to parse header[%q]", name)
		}
		if len(entry.Offsets) != 2 || entry.Offsets[1] < entry.Offsets[0] {
			return nil, errors.Errorf("offset header[%q][\"data_offsets\"] invalid, "+
				"expected [start, end] but got %v instead", name, entry.Offsets)
		}
		if entry.DType() == dtypes.InvalidDType {
			return nil, errors.Errorf("unsupported dtype %q in header[%q][\"dtype\"]", entry.DTypeName, name)
		}
		shape, err := entry.Shape()
		if err != nil {
			return nil, errors.WithMessagef(err, "header[%q]", name)
		}
		if size := entry.Offsets[1] - entry.Offsets[0]; size != uint64(shape.Memory()) {
			return nil, errors.Errorf("tensor shape %s is expected to require %d bytes, but header[%q][\"data_offsets\"] "+
				"reserves %d bytes", shape, shape.Memory(), name, size)
		}
		header.entries = append(header.entries, entry)
	}
	slices.SortFunc(header.entries, func(a, b *tensorMetadata) int {
		if a.Offsets[0] != b.Offsets[0] {
			if a.Offsets[0] < b.Offsets[0] {
				return -1
			}
			return 1
		}
		if a.Name < b.Name {
			return -1
		}
		return 1
	})

	// Makes sure data is contiguous.
	var lastOffset uint64
	for _, entry := range header.entries {
		if entry.Offsets[0] != lastOffset {
			return nil, errors.Errorf("offset for header[%q][\"data_offsets\"] not starting at 0 or not contiguous: "+
				"expected %d, got %d", entry.Name, lastOffset, entry.Offsets[0])
		}
		lastOffset = entry.Offsets[1]
	}
	return header, nil
}

// Scan reads the tensors of a ".safetensors" stream in file order.
func Scan(r io.Reader) iter.Seq2[*NamedTensor, error] {
	return func(yield func(*NamedTensor, error) bool) {
		header, err := ReadHeader(r)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, entry := range header.entries {
			data := make([]byte, entry.Offsets[1]-entry.Offsets[0])
			if _, err := io.ReadFull(r, data); err != nil {
				yield(nil, errors.Wrapf(err, "tensor %q: failed to read %d bytes from .safetensors file", entry.Name, len(data)))
				return
			}
			t, err := tensors.FromBytes(entry.DType(), entry.Dimensions, data)
			if err != nil {
				yield(nil, errors.WithMessagef(err, "tensor %q", entry.Name))
				return
			}
			if !yield(&NamedTensor{Name: entry.Name, Tensor: t}, nil) {
				return
			}
		}
	}
}

// ReadFile reads all the tensors of the file, in file order.
func ReadFile(path string) ([]*NamedTensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	var named []*NamedTensor
	for nt, err := range Scan(bufio.NewReaderSize(f, 1<<20)) {
		if err != nil {
			return nil, errors.WithMessagef(err, "reading %q", path)
		}
		named = append(named, nt)
	}
	return named, nil
}

// ReadFileHeader reads only the header of the file.
func ReadFileHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	header, err := ReadHeader(bufio.NewReader(f))
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %q", path)
	}
	return header, nil
}

// Write writes the tensors, in the given order, as a ".safetensors" stream. metadata is optional, and
// "format" defaults to "pt".
func Write(w io.Writer, named []*NamedTensor, metadata map[string]string) error {
	header := make(map[string]any, len(named)+1)
	meta := map[string]string{"format": FormatPyTorch}
	for k, v := range metadata {
		meta[k] = v
	}
	header[metadataKey] = meta
	var offset uint64
	for _, nt := range named {
		if _, found := header[nt.Name]; found {
			return errors.Errorf("tensor %q given more than once", nt.Name)
		}
		name, err := DTypeName(nt.Tensor.DType())
		if err != nil {
			return errors.WithMessagef(err, "tensor %q", nt.Name)
		}
		size := uint64(len(nt.Tensor.Bytes()))
		dims := nt.Tensor.Dimensions()
		if dims == nil {
			dims = []int{}
		}
		header[nt.Name] = &tensorMetadata{DTypeName: name, Dimensions: dims, Offsets: []uint64{offset, offset + size}}
		offset += size
	}
	headerBuf, err := json.Marshal(header)
	if err != nil {
		return errors.Wrapf(err, "failed to encode header")
	}
	// Pad the header with spaces so the data starts 8-byte aligned.
	for len(headerBuf)%8 != 0 {
		headerBuf = append(headerBuf, ' ')
	}
	var headerLenBuf [8]byte
	binary.LittleEndian.PutUint64(headerLenBuf[:], uint64(len(headerBuf)))
	if _, err = w.Write(headerLenBuf[:]); err != nil {
		return errors.Wrapf(err, "failed to write header length")
	}
	if _, err = w.Write(headerBuf); err != nil {
		return errors.Wrapf(err, "failed to write header")
	}
	for _, nt := range named {
		if _, err = w.Write(nt.Tensor.Bytes()); err != nil {
			return errors.Wrapf(err, "failed to write tensor %q", nt.Name)
		}
	}
	return nil
}

// WriteFile writes the tensors to a new ".safetensors" file at path, replacing any existing file.
func WriteFile(path string, named []*NamedTensor, metadata map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	bw := bufio.NewWriterSize(f, 1<<20)
	err = Write(bw, named, metadata)
	if err == nil {
		err = bw.Flush()
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "failed to close %q", path)
	}
	if err != nil {
		return errors.WithMessagef(err, "writing %q", path)
	}
	return nil
}
