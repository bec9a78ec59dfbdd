// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/ankitj-cerebras/modelzoo/pkg/checkpoints/streaming"
	"github.com/dustin/go-humanize"
)

// inspectCheckpoint prints the tensors of the checkpoint at path and, if withValues, a summary of their values.
func inspectCheckpoint(path string, hf, withValues bool) error {
	src, closeSrc, err := openCheckpoint(path, hf)
	if err != nil {
		return err
	}
	defer closeSrc()

	fmt.Println(titleStyle.Render(path))
	if reader, ok := src.(*streaming.Reader); ok && reader.NumShards() > 1 {
		naming := reader.Naming()
		fmt.Printf("%d shards: %s ... %s\n", reader.NumShards(), naming.ShardName(0, reader.NumShards()),
			naming.ShardName(reader.NumShards()-1, reader.NumShards()))
	}
	table := newPlainTable(true)
	table.Row("Key", "Shape", "Size", "Bytes")
	var (
		totalSize, totalBytes int64
		summaries             []string
	)
	for _, key := range src.Keys() {
		t, err := src.Get(key)
		if err != nil {
			return err
		}
		table.Row(key, t.Shape().String(), humanize.Comma(int64(t.Size())), humanize.Bytes(uint64(t.ByteSize())))
		totalSize += int64(t.Size())
		totalBytes += t.ByteSize()
		if withValues {
			summaries = append(summaries, fmt.Sprintf("%s: %s", key, t.Summary(4)))
		}
	}
	table.Row("total", "", humanize.Comma(totalSize), humanize.Bytes(uint64(totalBytes)))
	fmt.Println(table.Render())
	for _, summary := range summaries {
		fmt.Println(summary)
	}
	return nil
}
