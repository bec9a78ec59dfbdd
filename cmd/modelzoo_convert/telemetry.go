// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"
)

// tracer resolves to the global tracer provider, so it picks up the one set by setupTracing.
var tracer trace.Tracer = otel.Tracer("github.com/ankitj-cerebras/modelzoo/cmd/modelzoo_convert")

// setupTracing prints the spans to stderr. The returned function flushes them.
func setupTracing() (func(), error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", "modelzoo_convert"))),
	)
	otel.SetTracerProvider(tp)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			klog.Warningf("Failed to flush traces: %+v", err)
		}
	}, nil
}

// serveMetrics serves the Prometheus metrics at addr/metrics, in the background.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		klog.Infof("Serving metrics at http://%s/metrics", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			klog.Errorf("Metrics server failed: %+v", err)
		}
	}()
}

// newProgress returns a convert.Options.Progress callback that displays a progress bar on stderr. A new bar is
// created for each conversion pass.
func newProgress() func(done, total int) {
	var bar *progressbar.ProgressBar
	return func(done, total int) {
		if bar == nil || done == 1 {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("converting"),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowCount(),
				progressbar.OptionSetItsString("keys"),
				progressbar.OptionShowIts(),
				progressbar.OptionSetTheme(progressbar.ThemeASCII),
				progressbar.OptionOnCompletion(func() { _, _ = os.Stderr.WriteString("\n") }),
			)
		}
		_ = bar.Set(done)
	}
}
