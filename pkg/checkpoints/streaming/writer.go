// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

package streaming

import (
	"os"
	"path/filepath"
	"slices"

	"github.com/ankitj-cerebras/modelzoo/pkg/checkpoints/safetensors"
	"github.com/ankitj-cerebras/modelzoo/pkg/checkpoints/statedict"
	"github.com/ankitj-cerebras/modelzoo/pkg/core/tensors"
	"github.com/ankitj-cerebras/modelzoo/pkg/support/fsutil"
	"github.com/ankitj-cerebras/modelzoo/pkg/support/units"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Writer writes a sharded checkpoint, keeping only the active shard in memory.
//
// New tensors are appended to the last shard until adding one would exceed the maximum shard size, at which point
// the shard is flushed to disk and a new one is started. A single tensor larger than the maximum shard size gets a
// shard of its own.
//
// Updating an existing tensor swaps its shard back into memory (flushing the active one). If the update grows the
// shard beyond the maximum size, it is logged but allowed: shards are never split after being written.
//
// Save must be called at the end: it flushes the active shard, renames shard files with the final number of shards
// and writes the manifest. Writing more tensors after Save is allowed, but requires another Save.
type Writer struct {
	dir          string
	naming       Naming
	maxShardSize int64

	keys       []string
	weightMap  map[string]string
	fileSize   map[string]int64
	fileNumber map[string]int

	currentFileNumber, lastFileNumber int
	totalShardsFinalized              int

	activeFileName string
	active         *statedict.Map
	dirty          bool
}

// WriterOption configures a Writer.
type WriterOption func(w *Writer)

// WithNaming sets the naming of the shard files and manifest. Default is DefaultNaming.
func WithNaming(naming Naming) WriterOption {
	return func(w *Writer) { w.naming = naming }
}

// NewWriter creates a Writer that will write to the new directory dir, which must not exist.
//
// maxShardSize is either an integer number of bytes or a string like "10GB" or "512MiB", see units.ParseSize.
func NewWriter(dir string, maxShardSize any, options ...WriterOption) (*Writer, error) {
	size, err := units.ParseSize(maxShardSize)
	if err != nil {
		return nil, errors.WithMessage(err, "streaming.NewWriter")
	}
	if size <= 0 {
		return nil, errors.Errorf("streaming.NewWriter: max shard size must be positive, got %d", size)
	}
	w := &Writer{
		dir:          dir,
		naming:       DefaultNaming,
		maxShardSize: size,
		weightMap:    make(map[string]string),
		fileSize:     make(map[string]int64),
		fileNumber:   make(map[string]int),
		active:       statedict.NewMap(),
	}
	for _, option := range options {
		option(w)
	}
	if err := fsutil.CreateNewDir(dir); err != nil {
		return nil, err
	}
	w.openShard(0)
	klog.V(1).Infof("streaming.Writer(%q): max shard size %s", dir, humanize.Bytes(uint64(size)))
	return w, nil
}

// Dir returns the directory where the checkpoint is written.
func (w *Writer) Dir() string { return w.dir }

// IndexPath returns the path of the manifest written by Save.
func (w *Writer) IndexPath() string { return filepath.Join(w.dir, w.naming.IndexName()) }

func (w *Writer) openShard(fileNum int) {
	w.activeFileName = w.naming.ShardName(fileNum, w.totalShardsFinalized)
	w.fileSize[w.activeFileName] = 0
	w.fileNumber[w.activeFileName] = fileNum
	w.currentFileNumber = fileNum
	w.active = statedict.NewMap()
	w.dirty = false
	residentBytes.WithLabelValues(roleWriter).Set(0)
}

// Keys returns the keys written so far, in the order they were first set.
func (w *Writer) Keys() []string { return slices.Clone(w.keys) }

// Len returns the number of tensors written so far.
func (w *Writer) Len() int { return len(w.keys) }

// Has returns whether the key has been written.
func (w *Writer) Has(key string) bool {
	_, found := w.weightMap[key]
	return found
}

// Get reads back a tensor already written, loading its shard if needed.
func (w *Writer) Get(key string) (*tensors.Tensor, error) {
	fileName, found := w.weightMap[key]
	if !found {
		return nil, statedict.MissingKey(key)
	}
	if fileName != w.activeFileName {
		if err := w.switchShard(fileName); err != nil {
			return nil, err
		}
	}
	return w.active.Get(key)
}

// Set writes the tensor under key. See Writer for the sharding policy.
func (w *Writer) Set(key string, value *tensors.Tensor) error {
	if value == nil {
		return errors.Errorf("streaming.Writer: cannot set nil tensor for %q", key)
	}
	size := value.ByteSize()
	if fileName, found := w.weightMap[key]; found {
		// Update of an existing tensor.
		if fileName != w.activeFileName {
			if err := w.switchShard(fileName); err != nil {
				return err
			}
		}
		previous, err := w.active.Get(key)
		if err != nil {
			return errors.WithMessagef(err, "streaming.Writer: shard %q is missing its tensor", fileName)
		}
		newSize := w.fileSize[fileName] - previous.ByteSize() + size
		if newSize > w.maxShardSize && newSize > w.fileSize[fileName] {
			klog.Warningf("streaming.Writer: updating %q grows shard %q to %s, beyond the max shard size of %s",
				key, fileName, humanize.Bytes(uint64(newSize)), humanize.Bytes(uint64(w.maxShardSize)))
			shardOverruns.Inc()
		}
		w.fileSize[fileName] = newSize
	} else {
		if w.currentFileNumber != w.lastFileNumber {
			if err := w.switchShard(w.naming.ShardName(w.lastFileNumber, w.totalShardsFinalized)); err != nil {
				return err
			}
		}
		if w.active.Len() > 0 && w.fileSize[w.activeFileName]+size > w.maxShardSize {
			if err := w.flush(); err != nil {
				return err
			}
			w.lastFileNumber++
			w.openShard(w.lastFileNumber)
		}
		w.keys = append(w.keys, key)
		w.weightMap[key] = w.activeFileName
		w.fileSize[w.activeFileName] += size
	}
	if err := w.active.Set(key, value); err != nil {
		return err
	}
	w.dirty = true
	residentBytes.WithLabelValues(roleWriter).Set(float64(w.fileSize[w.activeFileName]))
	return nil
}

// flush writes the active shard to disk, if it changed or was never written.
func (w *Writer) flush() error {
	path := filepath.Join(w.dir, w.activeFileName)
	if !w.dirty {
		exists, err := fsutil.FileExists(path)
		if err != nil || exists {
			return err
		}
	}
	named := make([]*safetensors.NamedTensor, 0, w.active.Len())
	for _, key := range w.active.Keys() {
		t, _ := w.active.Get(key)
		named = append(named, &safetensors.NamedTensor{Name: key, Tensor: t})
	}
	if err := safetensors.WriteFile(path, named, nil); err != nil {
		return errors.WithMessage(err, "streaming.Writer: failed to flush shard")
	}
	klog.V(2).Infof("streaming.Writer: flushed %q (%d tensors, %s)", w.activeFileName, len(named),
		humanize.Bytes(uint64(w.fileSize[w.activeFileName])))
	shardFlushes.Inc()
	bytesWritten.Add(float64(w.fileSize[w.activeFileName]))
	w.dirty = false
	return nil
}

// switchShard flushes the active shard, then drops it before loading fileName.
func (w *Writer) switchShard(fileName string) error {
	if err := w.flush(); err != nil {
		return err
	}
	w.active = nil
	named, err := safetensors.ReadFile(filepath.Join(w.dir, fileName))
	if err != nil {
		return errors.WithMessage(err, "streaming.Writer: failed to load shard")
	}
	active := statedict.NewMap()
	for _, nt := range named {
		_ = active.Set(nt.Name, nt.Tensor)
	}
	w.active = active
	w.activeFileName = fileName
	w.currentFileNumber = w.fileNumber[fileName]
	w.dirty = false
	shardLoads.WithLabelValues(roleWriter).Inc()
	residentBytes.WithLabelValues(roleWriter).Set(float64(w.fileSize[fileName]))
	return nil
}

// Save flushes the active shard, renames the shard files to include the final shard count and writes the manifest.
//
// Shards already named with the final count are not renamed, so calling Save again without changes is a no-op
// apart from rewriting the manifest.
func (w *Writer) Save() error {
	if err := w.flush(); err != nil {
		return err
	}
	newTotal := w.lastFileNumber + 1
	if w.totalShardsFinalized != newTotal {
		renames := make(map[string]string, newTotal)
		for fileNum := range newTotal {
			oldName := w.naming.ShardName(fileNum, w.totalShardsFinalized)
			newName := w.naming.ShardName(fileNum, newTotal)
			if err := os.Rename(filepath.Join(w.dir, oldName), filepath.Join(w.dir, newName)); err != nil {
				return errors.Wrapf(err, "streaming.Writer: failed to rename shard %q", oldName)
			}
			renames[oldName] = newName
		}
		for key, fileName := range w.weightMap {
			w.weightMap[key] = renames[fileName]
		}
		fileSize := make(map[string]int64, newTotal)
		fileNumber := make(map[string]int, newTotal)
		for oldName, newName := range renames {
			fileSize[newName] = w.fileSize[oldName]
			fileNumber[newName] = w.fileNumber[oldName]
		}
		w.fileSize, w.fileNumber = fileSize, fileNumber
		w.activeFileName = renames[w.activeFileName]
		w.totalShardsFinalized = newTotal
	}

	var totalSize int64
	for _, size := range w.fileSize {
		totalSize += size
	}
	idx := &Index{
		Metadata:  IndexMetadata{TotalSize: totalSize},
		WeightMap: make(map[string]string, len(w.weightMap)),
	}
	for key, fileName := range w.weightMap {
		idx.WeightMap[key] = fileName
	}
	if err := WriteIndex(w.IndexPath(), idx); err != nil {
		return errors.WithMessage(err, "streaming.Writer.Save")
	}
	klog.V(1).Infof("streaming.Writer(%q): saved %d tensors in %d shards, %s", w.dir, len(w.keys), newTotal,
		humanize.Bytes(uint64(totalSize)))
	return nil
}

// ShardSizes returns the tracked byte size of each shard, by file name.
func (w *Writer) ShardSizes() map[string]int64 {
	sizes := make(map[string]int64, len(w.fileSize))
	for name, size := range w.fileSize {
		sizes[name] = size
	}
	return sizes
}
