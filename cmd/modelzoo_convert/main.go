// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

// modelzoo_convert converts model checkpoints and their configs between the Hugging Face and the Cerebras formats.
//
// List the available converters:
//
//	modelzoo_convert -list
//
// Convert a Hugging Face Llama checkpoint to the Cerebras 2.0 format:
//
//	modelzoo_convert -model=llama -src_fmt=hf -tgt_fmt=cs-2.0 -config=llama/config.json llama/
//
// Hugging Face checkpoints are read from and written to (possibly sharded) safetensors files, with a JSON config.
// Cerebras checkpoints are read from and written to ".mdl" archives (or safetensors), with a YAML params file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/ankitj-cerebras/modelzoo/pkg/convert"
	_ "github.com/ankitj-cerebras/modelzoo/pkg/convert/models"
	"github.com/janpfeifer/must"
	"go.opentelemetry.io/otel/attribute"
	"k8s.io/klog/v2"
)

var (
	flagList = flag.Bool("list", false, "List the registered converters (of -model, if given) and exit.")

	flagInspect = flag.Bool("inspect", false, "Print the tensors of the checkpoint, in format -src_fmt, and exit.")
	flagValues  = flag.Bool("values", false, "With -inspect, also print a summary of the values of float tensors.")

	flagModel  = flag.String("model", "", "Model family of the checkpoint, e.g. \"llama\". See -list.")
	flagSrcFmt = flag.String("src_fmt", "", "Format of the input checkpoint and config, e.g. \"hf\" or \"cs-2.0\".")
	flagTgtFmt = flag.String("tgt_fmt", "", "Format to convert to.")
	flagConfig = flag.String("config", "", "Config of the input checkpoint: a Hugging Face config.json, or a "+
		"Cerebras params YAML file.")
	flagOutputDir = flag.String("output_dir", "", "New directory where to write the converted checkpoint and "+
		"config. Defaults to the input path with the target format appended.")
	flagConfigOnly = flag.Bool("config_only", false, "Only convert the config, no checkpoint is given.")

	flagMaxShardSize = flag.String("max_shard_size", "10GB", "Maximum size of each shard of converted "+
		"safetensors checkpoints, e.g. \"5GB\" or \"512MiB\".")
	flagDropUnmatched = flag.Bool("drop_unmatched_keys", false, "Drop (with a warning) the keys that no "+
		"conversion rule matches, instead of failing.")
	flagStrict = flag.Bool("strict", false, "Fail if more than one conversion rule matches a key.")
	flagSeed   = flag.Uint64("seed", 0, "Seed for the random initialization of tensors missing in the input "+
		"format, e.g. an untied language model head.")
	flagProgress = flag.Bool("progress", true, "Display a progress bar while converting the checkpoint.")

	flagOtel        = flag.Bool("otel", false, "Print the OpenTelemetry spans of the conversion to stderr.")
	flagMetricsAddr = flag.String("metrics_addr", "", "If set, serve the Prometheus metrics of the checkpoint "+
		"I/O at this address (e.g. \":9090\") while converting.")
)

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <checkpoint>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *flagList {
		listConverters(convert.DefaultRegistry, *flagModel)
		return
	}
	args := flag.Args()
	if *flagInspect {
		if len(args) != 1 {
			klog.Errorf("-inspect requires one checkpoint. See 'modelzoo_convert -help'.")
			os.Exit(1)
		}
		must.M(inspectCheckpoint(args[0], isHF(*flagSrcFmt), *flagValues))
		return
	}
	if !*flagConfigOnly && len(args) != 1 {
		klog.Errorf("Missing the checkpoint to convert (or too many arguments). See 'modelzoo_convert -help'.")
		os.Exit(1)
	}
	if *flagModel == "" || *flagSrcFmt == "" || *flagTgtFmt == "" || *flagConfig == "" {
		klog.Errorf("-model, -src_fmt, -tgt_fmt and -config are required. See 'modelzoo_convert -help'.")
		os.Exit(1)
	}

	ctx := context.Background()
	if *flagOtel {
		shutdown := must.M1(setupTracing())
		defer shutdown()
	}
	if *flagMetricsAddr != "" {
		serveMetrics(*flagMetricsAddr)
	}

	ctx, span := tracer.Start(ctx, "modelzoo_convert")
	span.SetAttributes(attribute.String("model", *flagModel), attribute.String("src_fmt", *flagSrcFmt),
		attribute.String("tgt_fmt", *flagTgtFmt))
	defer span.End()

	j := &job{
		family:    *flagModel,
		srcFormat: *flagSrcFmt,
		tgtFormat: *flagTgtFmt,
		config:    *flagConfig,
		outputDir: *flagOutputDir,
		opts: &convert.Options{
			DropUnmatchedKeys: *flagDropUnmatched,
			StrictMatching:    *flagStrict,
			Seed:              *flagSeed,
		},
	}
	if !*flagConfigOnly {
		j.checkpoint = args[0]
	}
	if *flagProgress {
		j.opts.Progress = newProgress()
	}
	if err := j.run(ctx); err != nil {
		span.RecordError(err)
		klog.Errorf("Conversion failed: %+v", err)
		os.Exit(1)
	}
}
