// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

// Package streaming implements memory-bounded random access to checkpoints split in multiple shard files.
//
// A sharded checkpoint is a directory with shard files named
// "<prefix>-<shard 5-digits>-of-<total 5-digits>.<ext>" (shards are 1-indexed) and a JSON manifest
// "<prefix>.<ext>.index.json":
//
//	{"metadata": {"total_size": <bytes>}, "weight_map": {<tensor name>: <shard file name>}}
//
// Shards are stored in the ".safetensors" format. The Reader and the Writer keep at most one shard resident in
// memory (two, transiently, while switching shards), so access in shard order -- the order of Reader.Keys -- is
// much faster than random access.
//
// Neither Reader nor Writer are safe for concurrent use.
package streaming

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/ankitj-cerebras/modelzoo/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Naming of the files of a sharded checkpoint.
type Naming struct {
	Prefix string
	Ext    string
}

// DefaultNaming is the Hugging Face convention: "model-00001-of-00002.safetensors" and
// "model.safetensors.index.json".
var DefaultNaming = Naming{Prefix: "model", Ext: "safetensors"}

// ShardName returns the file name of the shard with 0-based number shardNum, out of total shards.
// While a checkpoint is being written, total is the number of shards of the last save, or 0 before that.
func (n Naming) ShardName(shardNum, total int) string {
	return fmt.Sprintf("%s-%05d-of-%05d.%s", n.Prefix, shardNum+1, total, n.Ext)
}

// IndexName returns the file name of the manifest.
func (n Naming) IndexName() string {
	return fmt.Sprintf("%s.%s.index.json", n.Prefix, n.Ext)
}

// NamingFromIndex recovers the naming from the manifest file name.
func NamingFromIndex(indexPath string) (Naming, error) {
	base := strings.TrimSuffix(filepath.Base(indexPath), ".index.json")
	dot := strings.LastIndexByte(base, '.')
	if base == filepath.Base(indexPath) || dot <= 0 || dot == len(base)-1 {
		return Naming{}, errors.Errorf("%q is not a <prefix>.<ext>.index.json manifest", indexPath)
	}
	return Naming{Prefix: base[:dot], Ext: base[dot+1:]}, nil
}

var shardNumberRegexp = regexp.MustCompile(`^-\d{5}-of-\d{5}\.$`)

// isShardName returns whether name is "<prefix>-NNNNN-of-NNNNN.<ext>".
func (n Naming) isShardName(name string) bool {
	middle, found := strings.CutPrefix(name, n.Prefix)
	if !found {
		return false
	}
	middle, found = strings.CutSuffix(middle, n.Ext)
	return found && shardNumberRegexp.MatchString(middle)
}

// IndexMetadata is the "metadata" section of the manifest.
type IndexMetadata struct {
	TotalSize int64 `json:"total_size"`
}

// Index is the manifest of a sharded checkpoint.
type Index struct {
	Metadata  IndexMetadata     `json:"metadata"`
	WeightMap map[string]string `json:"weight_map"`
}

// Shards returns the sorted list of distinct shard file names referenced by the weight map.
func (idx *Index) Shards() []string {
	shards := lo.Uniq(lo.Values(idx.WeightMap))
	slices.Sort(shards)
	return shards
}

// ReadIndex reads the manifest file.
func ReadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint index %q", path)
	}
	idx := &Index{}
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, errors.Wrapf(err, "failed to parse checkpoint index %q", path)
	}
	if idx.WeightMap == nil {
		return nil, errors.Errorf("checkpoint index %q has no \"weight_map\"", path)
	}
	return idx, nil
}

// WriteIndex writes the manifest file, indented with 4 spaces.
func WriteIndex(path string, idx *Index) error {
	data, err := json.MarshalIndent(idx, "", "    ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode checkpoint index")
	}
	return fsutil.WriteFileAtomic(path, append(data, '\n'))
}
