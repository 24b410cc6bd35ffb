package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tinyagent"

// Registry 是进程内所有指标的注册表，与 prometheus 默认注册表隔离。
var Registry = prometheus.NewRegistry()

var (
	toolInvocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_invocations_total",
		Help:      "Total number of tool invocations by tool and outcome.",
	}, []string{"tool", "outcome", "code"})

	toolDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tool_duration_seconds",
		Help:      "Tool invocation latency in seconds.",
		Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"tool"})

	runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Total number of agent runs by final status.",
	}, []string{"status"})

	runSteps = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_steps",
		Help:      "Number of loop steps taken per agent run.",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Agent run latency in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	taskEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_events_total",
		Help:      "Task lifecycle events emitted by the processor.",
	}, []string{"event"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		toolInvocations, toolDuration,
		runs, runSteps, runDuration,
		httpRequests, httpDuration,
		taskEvents,
	)
}

// ObserveToolInvocation 记录一次工具调用的结果与耗时。
func ObserveToolInvocation(tool string, success bool, code string, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	toolInvocations.WithLabelValues(tool, outcome, code).Inc()
	toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// ObserveRun 记录一次智能体运行。
func ObserveRun(status string, steps int, duration time.Duration) {
	runs.WithLabelValues(status).Inc()
	runSteps.Observe(float64(steps))
	runDuration.Observe(duration.Seconds())
}

// ObserveTaskEvent 记录任务处理器的生命周期事件（claimed/succeeded/retried/failed）。
func ObserveTaskEvent(event string) {
	taskEvents.WithLabelValues(event).Inc()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
