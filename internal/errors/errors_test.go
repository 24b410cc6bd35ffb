package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"testing"
)

func TestWrapKeepsCauseAndCode(t *testing.T) {
	err := Wrap(CodeTimeout, context.DeadlineExceeded, "工具执行超时")
	if !stdErrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if !stdErrors.Is(err, New(CodeTimeout, "")) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if CodeOf(fmt.Errorf("outer: %w", err)) != CodeTimeout {
		t.Fatalf("expected code to survive fmt wrapping")
	}
}

func TestAttributesDefaults(t *testing.T) {
	if !RetryableError(New(CodeToolFailure, "boom")) {
		t.Fatalf("tool failures should be retryable by default")
	}
	if RetryableError(New(CodeToolNotFound, "")) {
		t.Fatalf("missing tools must not be retried")
	}
	if RetryableError(stdErrors.New("plain")) {
		t.Fatalf("plain errors are not retryable")
	}
	if got := New(CodeToolNotFound, "").Message(); got != "tool not found" {
		t.Fatalf("unexpected default message %q", got)
	}
}

func TestOptionsOverrideAttributes(t *testing.T) {
	err := New(CodeToolFailure, "boom",
		WithRetryable(false),
		WithAlert(true),
		WithSeverity(SeverityCritical),
		WithMetadata("tool", "shell_command"),
	)
	if err.Retryable() || !err.ShouldAlert() || err.Severity() != SeverityCritical {
		t.Fatalf("options not applied: %+v", err)
	}
	if err.Metadata()["tool"] != "shell_command" {
		t.Fatalf("metadata missing")
	}
}

func TestUnknownCodeFallsBack(t *testing.T) {
	attr := AttributesOf(Code("NOPE"))
	if attr != AttributesOf(CodeUnknown) {
		t.Fatalf("unregistered codes should use UNKNOWN attributes")
	}
	Register("CUSTOM", Attributes{Message: "custom", Severity: SeverityInfo})
	if AttributesOf("CUSTOM").Message != "custom" {
		t.Fatalf("register did not take effect")
	}
}

func TestContextErrorsMapToCodes(t *testing.T) {
	if CodeOf(context.DeadlineExceeded) != CodeTimeout {
		t.Fatalf("deadline should map to TIMEOUT")
	}
	if CodeOf(fmt.Errorf("run: %w", context.Canceled)) != CodeCancelled {
		t.Fatalf("cancellation should map to CANCELLED")
	}
	if !RetryableError(context.DeadlineExceeded) {
		t.Fatalf("timeouts are retryable")
	}
	if RetryableError(context.Canceled) {
		t.Fatalf("cancellation is not retryable")
	}
	if CodeOf(nil) != CodeUnknown {
		t.Fatalf("nil error should report UNKNOWN")
	}
}

func TestLogValue(t *testing.T) {
	err := Wrapf(CodeStorageFailure, stdErrors.New("disk full"), "写入 %s 失败", "runs")
	value := err.LogValue()
	if value.Kind() != slog.KindGroup {
		t.Fatalf("expected group value, got %v", value.Kind())
	}
	got := map[string]string{}
	for _, attr := range value.Group() {
		got[attr.Key] = attr.Value.String()
	}
	if got["code"] != string(CodeStorageFailure) || got["message"] != "写入 runs 失败" || got["cause"] != "disk full" {
		t.Fatalf("unexpected attrs: %v", got)
	}
	if codes := Codes(); len(codes) == 0 || codes[0] > codes[len(codes)-1] {
		t.Fatalf("codes should be sorted: %v", codes)
	}
}
