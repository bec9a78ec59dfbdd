// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

package streaming

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ankitj-cerebras/modelzoo/pkg/checkpoints/safetensors"
	"github.com/ankitj-cerebras/modelzoo/pkg/checkpoints/statedict"
	"github.com/ankitj-cerebras/modelzoo/pkg/core/tensors"
	"github.com/ankitj-cerebras/modelzoo/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Reader gives read access to a sharded checkpoint, keeping at most one shard in memory.
type Reader struct {
	dir    string
	index  *Index
	naming Naming
	keys   []string

	activeFileName string
	active         *statedict.Map
}

// OpenReader opens the sharded checkpoint described by the manifest at indexPath.
//
// It fails immediately if any of the shards referenced by the manifest is missing or has an invalid header.
func OpenReader(indexPath string) (*Reader, error) {
	naming, err := NamingFromIndex(indexPath)
	if err != nil {
		return nil, err
	}
	idx, err := ReadIndex(indexPath)
	if err != nil {
		return nil, err
	}
	for _, shard := range idx.Shards() {
		if !naming.isShardName(shard) {
			klog.Warningf("checkpoint %q: shard %q doesn't follow the %s naming", indexPath, shard,
				naming.ShardName(0, 1))
		}
	}
	r, err := newReader(filepath.Dir(indexPath), idx)
	if err != nil {
		return nil, err
	}
	r.naming = naming
	return r, nil
}

// OpenFile opens a single (not sharded) ".safetensors" file as a checkpoint with one shard.
func OpenFile(path string) (*Reader, error) {
	header, err := safetensors.ReadFileHeader(path)
	if err != nil {
		return nil, err
	}
	idx := &Index{WeightMap: make(map[string]string)}
	for _, name := range header.Names() {
		idx.WeightMap[name] = filepath.Base(path)
	}
	r, err := newReader(filepath.Dir(path), idx)
	if err != nil {
		return nil, err
	}
	r.naming = Naming{Prefix: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Ext: strings.TrimPrefix(filepath.Ext(path), ".")}
	return r, nil
}

// Open opens a checkpoint given the path to its manifest, to a single ".safetensors" file, or to a directory
// holding either one of them.
func Open(path string) (*Reader, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint %q not found", path)
	}
	if !info.IsDir() {
		if strings.HasSuffix(path, ".index.json") {
			return OpenReader(path)
		}
		return OpenFile(path)
	}
	matches, err := filepath.Glob(filepath.Join(path, "*.index.json"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %q", path)
	}
	if len(matches) == 1 {
		return OpenReader(matches[0])
	}
	if len(matches) > 1 {
		return nil, errors.Errorf("directory %q has more than one checkpoint manifest: %v", path, matches)
	}
	matches, err = filepath.Glob(filepath.Join(path, "*.safetensors"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %q", path)
	}
	if len(matches) != 1 {
		return nil, errors.Errorf("directory %q has no manifest and %d .safetensors files, can't tell the checkpoint",
			path, len(matches))
	}
	return OpenFile(matches[0])
}

func newReader(dir string, idx *Index) (*Reader, error) {
	r := &Reader{dir: dir, index: idx}
	for _, shard := range idx.Shards() {
		header, err := safetensors.ReadFileHeader(filepath.Join(dir, shard))
		if err != nil {
			return nil, errors.WithMessagef(err, "checkpoint in %q references an invalid shard", dir)
		}
		// Keys grouped by shard, in file order.
		for _, name := range header.Names() {
			if idx.WeightMap[name] == shard {
				r.keys = append(r.keys, name)
			}
		}
	}
	if len(r.keys) != len(idx.WeightMap) {
		for key, shard := range idx.WeightMap {
			if !slices.Contains(r.keys, key) {
				return nil, errors.Errorf("checkpoint in %q: tensor %q is not in shard %q", dir, key, shard)
			}
		}
	}
	klog.V(1).Infof("streaming.Reader(%q): %d tensors in %d shards", dir, len(r.keys), len(idx.Shards()))
	return r, nil
}

// Index returns the manifest of the checkpoint.
func (r *Reader) Index() *Index { return r.index }

// Naming returns the file naming of the checkpoint, as recovered from its manifest. For single-file checkpoints
// the prefix is the file name without extension.
func (r *Reader) Naming() Naming { return r.naming }

// NumShards returns the number of shard files of the checkpoint.
func (r *Reader) NumShards() int { return len(r.index.Shards()) }

// Keys returns all tensor names, grouped by shard: iterating in this order loads each shard only once.
func (r *Reader) Keys() []string { return slices.Clone(r.keys) }

// Len returns the number of tensors in the checkpoint.
func (r *Reader) Len() int { return len(r.keys) }

// Has returns whether the checkpoint has the tensor.
func (r *Reader) Has(key string) bool {
	_, found := r.index.WeightMap[key]
	return found
}

// Get returns the tensor, loading its shard if it is not the resident one.
func (r *Reader) Get(key string) (*tensors.Tensor, error) {
	fileName, found := r.index.WeightMap[key]
	if !found {
		return nil, statedict.MissingKey(key)
	}
	if fileName != r.activeFileName {
		// Drop the resident shard before loading the next one.
		r.active = nil
		r.activeFileName = ""
		named, err := safetensors.ReadFile(filepath.Join(r.dir, fileName))
		if err != nil {
			return nil, errors.WithMessage(err, "streaming.Reader: failed to load shard")
		}
		active := statedict.NewMap()
		var size int64
		for _, nt := range named {
			_ = active.Set(nt.Name, nt.Tensor)
			size += nt.Tensor.ByteSize()
		}
		r.active, r.activeFileName = active, fileName
		shardLoads.WithLabelValues(roleReader).Inc()
		residentBytes.WithLabelValues(roleReader).Set(float64(size))
	}
	return r.active.Get(key)
}
