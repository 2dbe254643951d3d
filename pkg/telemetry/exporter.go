// ABOUTME: Exporter factory for the telemetry providers, writing metrics and spans as JSON
// ABOUTME: Only the stdout exporters are built in; output can be redirected through Config.Output

package telemetry

import (
	"io"
	"os"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
)

func output(cfg Config) io.Writer {
	if cfg.Output != nil {
		return cfg.Output
	}
	return os.Stdout
}

// createMetricExporter creates the stdout metrics exporter.
func createMetricExporter(cfg Config) (metric.Exporter, error) {
	return stdoutmetric.New(
		stdoutmetric.WithWriter(output(cfg)),
		stdoutmetric.WithPrettyPrint(),
	)
}

// createTraceExporter creates the stdout trace exporter.
func createTraceExporter(cfg Config) (trace.SpanExporter, error) {
	return stdouttrace.New(
		stdouttrace.WithWriter(output(cfg)),
		stdouttrace.WithPrettyPrint(),
	)
}
