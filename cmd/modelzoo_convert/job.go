// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ankitj-cerebras/modelzoo/pkg/checkpoints/archive"
	"github.com/ankitj-cerebras/modelzoo/pkg/checkpoints/streaming"
	"github.com/ankitj-cerebras/modelzoo/pkg/convert"
	"github.com/ankitj-cerebras/modelzoo/pkg/core/tensors"
	"github.com/ankitj-cerebras/modelzoo/pkg/support/fsutil"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// job is one conversion of a config, and optionally of its checkpoint.
type job struct {
	family, srcFormat, tgtFormat string

	// config and checkpoint are the input paths. checkpoint is empty for config-only conversions.
	config, checkpoint string
	outputDir          string
	opts               *convert.Options
}

// isHF returns whether format is the Hugging Face one: Cerebras formats are versioned, "cs-X.Y".
func isHF(format string) bool { return format == "hf" }

func (j *job) run(ctx context.Context) error {
	conv, direction, err := convert.DefaultRegistry.Lookup(j.family, j.srcFormat, j.tgtFormat)
	if err != nil {
		return err
	}
	if conv.Config == nil {
		return errors.Errorf("converter %s has no config converter", conv.Name)
	}
	if conv.Note != "" {
		klog.Infof("%s: %s", conv.Name, conv.Note)
	}
	start := time.Now()

	srcConfig, err := readConfig(j.config, isHF(j.srcFormat))
	if err != nil {
		return err
	}
	configOpts := *j.opts
	configOpts.Progress = nil
	tgtConfig, err := convert.ConvertConfig(ctx, conv.Config, srcConfig, direction, &configOpts)
	if err != nil {
		return err
	}
	var configs convert.Configs
	configs.Set(direction.Source(), srcConfig)
	configs.Set(direction.Target(), tgtConfig)

	outputDir, err := j.resolveOutputDir()
	if err != nil {
		return err
	}
	if j.checkpoint == "" {
		if err := fsutil.CreateNewDir(outputDir); err != nil {
			return err
		}
		return j.writeConfig(outputDir, tgtConfig)
	}

	src, closeSrc, err := openCheckpoint(j.checkpoint, isHF(j.srcFormat))
	if err != nil {
		return err
	}
	defer closeSrc()
	dst, saveDst, abortDst, err := createCheckpoint(outputDir, j.maxShardSize(), isHF(j.tgtFormat))
	if err != nil {
		return err
	}
	if err := convert.ConvertCheckpoint(ctx, conv, src, dst, configs, direction, j.opts); err != nil {
		abortDst()
		return err
	}
	if err := saveDst(); err != nil {
		abortDst()
		return err
	}
	if err := j.writeConfig(outputDir, tgtConfig); err != nil {
		return err
	}
	klog.Infof("Converted %s (%s) to %s (%s) in %s", j.checkpoint, j.srcFormat, outputDir, j.tgtFormat,
		time.Since(start).Round(time.Millisecond))
	return nil
}

func (j *job) maxShardSize() string { return *flagMaxShardSize }

// resolveOutputDir returns the output directory, by default the input path with the target format appended.
func (j *job) resolveOutputDir() (string, error) {
	if j.outputDir != "" {
		return fsutil.ReplaceTildeInDir(j.outputDir)
	}
	input := j.checkpoint
	if input == "" {
		input = j.config
	}
	input, err := fsutil.ReplaceTildeInDir(input)
	if err != nil {
		return "", err
	}
	input = strings.TrimSuffix(filepath.Clean(input), filepath.Ext(input))
	return input + "_to_" + j.tgtFormat, nil
}

func (j *job) writeConfig(outputDir string, config convert.Config) error {
	if isHF(j.tgtFormat) {
		return writeConfig(filepath.Join(outputDir, hfConfigName), config, true)
	}
	return writeConfig(filepath.Join(outputDir, csConfigName), config, false)
}

// Cerebras checkpoints in ".mdl" archives keep the model state dict under this key.
const (
	archiveExt      = ".mdl"
	archiveName     = "checkpoint" + archiveExt
	archiveModelKey = "model"
)

// openCheckpoint opens the checkpoint at path for reading. Cerebras ".mdl" archives are read from their model
// sub-tree, anything else is read as a (possibly sharded) safetensors checkpoint.
func openCheckpoint(path string, hf bool) (src convert.Source[*tensors.Tensor], closeFn func(), err error) {
	if hf || filepath.Ext(path) != archiveExt {
		var reader *streaming.Reader
		if reader, err = streaming.Open(path); err != nil {
			return
		}
		klog.Infof("Reading %d tensors from %s", reader.Len(), path)
		return reader, func() {}, nil
	}
	root, err := archive.Load(path)
	if err != nil {
		return
	}
	closeFn = func() {
		if err := root.Close(); err != nil {
			klog.Warningf("closing %s: %+v", path, err)
		}
	}
	view := root
	if root.Has(archiveModelKey) && !root.IsLeaf(archiveModelKey) {
		if view, err = root.Sub(archiveModelKey); err != nil {
			closeFn()
			return nil, nil, err
		}
	}
	return archiveSource{view}, closeFn, nil
}

// archiveSource reads the tensors of an archive view, skipping its non-tensor leaves and sub-structures.
type archiveSource struct {
	*archive.View
}

// Keys implements convert.Source.
func (s archiveSource) Keys() []string { return s.TensorKeys() }

// createCheckpoint creates the converted checkpoint under the new directory dir: sharded safetensors for Hugging
// Face, a ".mdl" archive for Cerebras. The returned save function must be called once all tensors are set. If the
// conversion fails instead, abort closes the checkpoint and removes dir.
func createCheckpoint(dir, maxShardSize string, hf bool) (
	dst convert.StateDict, save func() error, abort func(), err error) {
	removeDir := func() {
		if err := os.RemoveAll(dir); err != nil {
			klog.Warningf("failed to remove incomplete checkpoint %s: %+v", dir, err)
		}
	}
	if hf {
		writer, err := streaming.NewWriter(dir, maxShardSize)
		if err != nil {
			return nil, nil, nil, err
		}
		save = func() error {
			if err := writer.Save(); err != nil {
				return err
			}
			var total int64
			for _, size := range writer.ShardSizes() {
				total += size
			}
			klog.Infof("Saved %d tensors (%s) in %s", writer.Len(), humanize.Bytes(uint64(total)), writer.IndexPath())
			return nil
		}
		return writer, save, removeDir, nil
	}

	if err = fsutil.CreateNewDir(dir); err != nil {
		return
	}
	path := filepath.Join(dir, archiveName)
	writer, err := archive.Create(path)
	if err != nil {
		removeDir()
		return
	}
	closeWriter := func() {
		if err := writer.Close(); err != nil {
			klog.Warningf("closing %s: %+v", path, err)
		}
	}
	abort = func() {
		closeWriter()
		removeDir()
	}
	if err = writer.SetValue(archiveModelKey, map[string]any{}); err != nil {
		abort()
		return nil, nil, nil, err
	}
	model, err := writer.Sub(archiveModelKey)
	if err != nil {
		abort()
		return nil, nil, nil, err
	}
	save = func() error {
		if err := writer.Save(); err != nil {
			return err
		}
		klog.Infof("Saved %d tensors in %s", model.Len(), path)
		return writer.Close()
	}
	return model, save, abort, nil
}
