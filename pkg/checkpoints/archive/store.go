// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

package archive

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/ankitj-cerebras/modelzoo/pkg/checkpoints/safetensors"
	"github.com/ankitj-cerebras/modelzoo/pkg/core/tensors"
	"github.com/ankitj-cerebras/modelzoo/pkg/support/fsutil"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// magic identifies archive files, and their format version.
const magic = "MZARCH01"

// maxRecordHeader protects against reading garbage as a record header length.
const maxRecordHeader = 1 << 20

// RecordKind of the records in an archive file.
type RecordKind uint8

const (
	KindInvalid RecordKind = iota
	KindInfo
	KindTensor
	KindValue
	KindSpec
)

// String implements fmt.Stringer.
func (k RecordKind) String() string {
	switch k {
	case KindInfo:
		return "info"
	case KindTensor:
		return "tensor"
	case KindValue:
		return "value"
	case KindSpec:
		return "spec"
	}
	return fmt.Sprintf("RecordKind(%d)", int(k))
}

// recordHeader precedes the payload of each record. DType uses the safetensors names.
type recordHeader struct {
	Kind   RecordKind `cbor:"1,keyasint"`
	Name   string     `cbor:"2,keyasint,omitempty"`
	DType  string     `cbor:"3,keyasint,omitempty"`
	Shape  []int      `cbor:"4,keyasint,omitempty"`
	Length int64      `cbor:"5,keyasint"`
}

// Info is the payload of the first record of the file.
type Info struct {
	ID      string    `cbor:"1,keyasint"`
	Created time.Time `cbor:"2,keyasint"`
}

type location struct {
	header recordHeader
	pos    int64 // Position of the payload.
}

// Store is an append-only file of named records: tensors, CBOR encoded values and the structure spec.
// The last record written for a name wins.
//
// It is the flat storage under the hierarchical Writer, but it can be used on its own.
type Store struct {
	path     string
	f        *os.File
	end      int64
	writable bool

	info  Info
	order []string
	index map[string]location
	spec  *location
}

// CreateStore creates a new store file at path, which must not exist.
func CreateStore(path string) (*Store, error) {
	f, err := fsutil.CreateNewFile(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, f: f, writable: true, index: make(map[string]location)}
	if _, err = f.Write([]byte(magic)); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "%s: failed to write header", s)
	}
	s.end = int64(len(magic))
	s.info = Info{ID: uuid.NewString(), Created: time.Now().UTC()}
	payload, err := cbor.Marshal(s.info)
	if err == nil {
		err = s.append(recordHeader{Kind: KindInfo}, payload)
	}
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

// OpenStore opens an existing store file for reading.
func OpenStore(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open archive %q", path)
	}
	s := &Store{path: path, f: f, index: make(map[string]location)}
	if err = s.scan(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

// String implements fmt.Stringer.
func (s *Store) String() string { return fmt.Sprintf("archive.Store(%q)", s.path) }

// ID returns the unique id assigned to the file when it was created.
func (s *Store) ID() string { return s.info.ID }

func (s *Store) scan() error {
	r := bufio.NewReader(io.NewSectionReader(s.f, 0, 1<<62))
	magicBuf := make([]byte, len(magic))
	if _, err := io.ReadFull(r, magicBuf); err != nil || string(magicBuf) != magic {
		return errors.Errorf("%s: not an archive file", s)
	}
	pos := int64(len(magic))
	for {
		var lenBuf [4]byte
		_, err := io.ReadFull(r, lenBuf[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "%s: truncated record at position %d", s, pos)
		}
		headerLen := binary.LittleEndian.Uint32(lenBuf[:])
		if headerLen > maxRecordHeader {
			return errors.Errorf("%s: corrupt record at position %d", s, pos)
		}
		headerBuf := make([]byte, headerLen)
		if _, err = io.ReadFull(r, headerBuf); err != nil {
			return errors.Wrapf(err, "%s: truncated record at position %d", s, pos)
		}
		var header recordHeader
		if err = cbor.Unmarshal(headerBuf, &header); err != nil {
			return errors.Wrapf(err, "%s: corrupt record header at position %d", s, pos)
		}
		payloadPos := pos + 4 + int64(headerLen)
		if header.Kind == KindInfo {
			payload := make([]byte, header.Length)
			if _, err = io.ReadFull(r, payload); err == nil {
				err = cbor.Unmarshal(payload, &s.info)
			}
			if err != nil {
				return errors.Wrapf(err, "%s: corrupt info record", s)
			}
		} else if _, err = r.Discard(int(header.Length)); err != nil {
			return errors.Wrapf(err, "%s: truncated payload of %q at position %d", s, header.Name, payloadPos)
		}
		s.register(location{header: header, pos: payloadPos})
		pos = payloadPos + header.Length
	}
	s.end = pos
	return nil
}

func (s *Store) register(loc location) {
	switch loc.header.Kind {
	case KindSpec:
		s.spec = &loc
	case KindTensor, KindValue:
		if _, found := s.index[loc.header.Name]; !found {
			s.order = append(s.order, loc.header.Name)
		}
		s.index[loc.header.Name] = loc
	}
}

func (s *Store) append(header recordHeader, payload []byte) error {
	if !s.writable {
		return errors.Errorf("%s: opened read-only", s)
	}
	header.Length = int64(len(payload))
	headerBuf, err := cbor.Marshal(header)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to encode record header for %q", s, header.Name)
	}
	buf := make([]byte, 4, 4+len(headerBuf))
	binary.LittleEndian.PutUint32(buf, uint32(len(headerBuf)))
	buf = append(buf, headerBuf...)
	if _, err = s.f.WriteAt(buf, s.end); err == nil {
		_, err = s.f.WriteAt(payload, s.end+int64(len(buf)))
	}
	if err != nil {
		return errors.Wrapf(err, "%s: failed to write record %q", s, header.Name)
	}
	s.register(location{header: header, pos: s.end + int64(len(buf))})
	s.end += int64(len(buf)) + int64(len(payload))
	return nil
}

// SaveTensor appends the tensor under name.
func (s *Store) SaveTensor(name string, t *tensors.Tensor) error {
	dtypeName, err := safetensors.DTypeName(t.DType())
	if err != nil {
		return errors.WithMessagef(err, "%s: tensor %q", s, name)
	}
	dims := t.Dimensions()
	if dims == nil {
		dims = []int{}
	}
	klog.V(3).Infof("%s: saving %q %s", s, name, t)
	return s.append(recordHeader{Kind: KindTensor, Name: name, DType: dtypeName, Shape: dims}, t.Bytes())
}

// SaveValue appends a CBOR encodable value (numbers, strings, bools, nil, ...) under name.
func (s *Store) SaveValue(name string, value any) error {
	payload, err := cbor.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "%s: value %q of type %T can't be stored", s, name, value)
	}
	return s.append(recordHeader{Kind: KindValue, Name: name}, payload)
}

// SaveSpec appends the structure spec. Only the last one is used.
func (s *Store) SaveSpec(spec any) error {
	payload, err := cbor.Marshal(spec)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to encode spec", s)
	}
	return s.append(recordHeader{Kind: KindSpec}, payload)
}

// Names returns the names of the stored tensors and values, in the order they were first written.
func (s *Store) Names() []string { return slices.Clone(s.order) }

// Has returns whether a tensor or value is stored under name.
func (s *Store) Has(name string) bool {
	_, found := s.index[name]
	return found
}

// Kind returns the kind of record stored under name, or KindInvalid.
func (s *Store) Kind(name string) RecordKind {
	return s.index[name].header.Kind
}

func (s *Store) readPayload(loc location) ([]byte, error) {
	payload := make([]byte, loc.header.Length)
	if _, err := s.f.ReadAt(payload, loc.pos); err != nil {
		return nil, errors.Wrapf(err, "%s: failed to read %d bytes of %q at position %d",
			s, loc.header.Length, loc.header.Name, loc.pos)
	}
	return payload, nil
}

// LoadTensor reads the tensor stored under name.
func (s *Store) LoadTensor(name string) (*tensors.Tensor, error) {
	loc, found := s.index[name]
	if !found || loc.header.Kind != KindTensor {
		return nil, errors.Errorf("%s: no tensor %q", s, name)
	}
	dtype := safetensors.DTypeFromName(loc.header.DType)
	payload, err := s.readPayload(loc)
	if err != nil {
		return nil, err
	}
	t, err := tensors.FromBytes(dtype, loc.header.Shape, payload)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: tensor %q", s, name)
	}
	return t, nil
}

// LoadValue reads the value stored under name.
func (s *Store) LoadValue(name string) (any, error) {
	loc, found := s.index[name]
	if !found || loc.header.Kind != KindValue {
		return nil, errors.Errorf("%s: no value %q", s, name)
	}
	payload, err := s.readPayload(loc)
	if err != nil {
		return nil, err
	}
	var value any
	if err = cbor.Unmarshal(payload, &value); err != nil {
		return nil, errors.Wrapf(err, "%s: failed to decode value %q", s, name)
	}
	return value, nil
}

// LoadSpec decodes the last spec saved into spec. It returns ErrNoSpec if no spec was ever saved.
func (s *Store) LoadSpec(spec any) error {
	if s.spec == nil {
		return errors.Wrapf(ErrNoSpec, "%s", s)
	}
	payload, err := s.readPayload(*s.spec)
	if err != nil {
		return err
	}
	if err = cbor.Unmarshal(payload, spec); err != nil {
		return errors.Wrapf(err, "%s: failed to decode spec", s)
	}
	return nil
}

// Close the underlying file.
func (s *Store) Close() error {
	if s.f == nil {
		return nil
	}
	var err error
	if s.writable {
		err = s.f.Sync()
	}
	if closeErr := s.f.Close(); err == nil {
		err = closeErr
	}
	s.f = nil
	if err != nil {
		return errors.Wrapf(err, "%s: failed to close", s)
	}
	return nil
}
