// Package tracing wires OpenTelemetry spans around agent runs, loop steps and
// tool invocations. Without Init the global no-op provider is used.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "tiny-agent"

// Config 控制追踪导出方式。
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Output      string  `yaml:"output"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// ShutdownFunc 刷新并关闭追踪导出器。
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Init 根据配置安装全局 TracerProvider。
func Init(cfg Config) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return noopShutdown, nil
	}

	var exporter sdktrace.SpanExporter
	switch strings.ToLower(strings.TrimSpace(cfg.Exporter)) {
	case "", "stdout":
		writer, closer, err := openOutput(cfg.Output)
		if err != nil {
			return nil, err
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(writer), stdouttrace.WithPrettyPrint())
		if err != nil {
			if closer != nil {
				_ = closer.Close()
			}
			return nil, fmt.Errorf("创建 stdout 追踪导出器失败: %w", err)
		}
		exporter = exp
		if closer != nil {
			exporter = &closingExporter{SpanExporter: exp, closer: closer}
		}
	case "none":
		return noopShutdown, nil
	default:
		return nil, fmt.Errorf("未知的追踪导出器: %s", cfg.Exporter)
	}

	name := cfg.ServiceName
	if name == "" {
		name = instrumentationName
	}
	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// Tracer 返回本项目统一使用的 tracer。
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Start 是 Tracer().Start 的简写。
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

func openOutput(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(path)) {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	default:
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("打开追踪输出文件失败: %w", err)
		}
		return file, file, nil
	}
}

type closingExporter struct {
	sdktrace.SpanExporter
	closer io.Closer
}

func (e *closingExporter) Shutdown(ctx context.Context) error {
	err := e.SpanExporter.Shutdown(ctx)
	if closeErr := e.closer.Close(); err == nil {
		err = closeErr
	}
	return err
}
