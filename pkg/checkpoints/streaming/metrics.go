// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

package streaming

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	roleReader = "reader"
	roleWriter = "writer"
)

var (
	shardLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelzoo_streaming_shard_loads_total",
		Help: "Total number of shard files loaded into memory",
	}, []string{"role"})

	shardFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelzoo_streaming_shard_flushes_total",
		Help: "Total number of shard files written to disk",
	})

	bytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelzoo_streaming_bytes_written_total",
		Help: "Total tensor bytes written to shard files",
	})

	shardOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modelzoo_streaming_shard_overruns_total",
		Help: "Total number of updates that grew a shard beyond the configured shard size",
	})

	residentBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "modelzoo_streaming_resident_bytes",
		Help: "Tensor bytes of the shard currently held in memory",
	}, []string{"role"})
)
