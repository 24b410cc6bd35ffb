package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAuditWriterRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit", "audit.log")

	w := newAuditWriter(AuditConfig{Path: path, MaxBackups: -1})
	defer w.Close()
	if w.MaxSize != defaultAuditMaxSizeMB || w.MaxBackups != defaultAuditMaxBackups || w.MaxAge != defaultAuditMaxAgeDays {
		t.Fatalf("defaults not applied: %+v", w)
	}

	if _, err := w.Write([]byte("first\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := w.Write([]byte("second\n")); err != nil {
		t.Fatalf("write after rotate: %v", err)
	}

	backups, err := filepath.Glob(filepath.Join(dir, "audit", "audit-*.log"))
	if err != nil || len(backups) != 1 {
		t.Fatalf("expected one backup, got %v (%v)", backups, err)
	}
	current, err := os.ReadFile(path)
	if err != nil || string(current) != "second\n" {
		t.Fatalf("unexpected current file %q: %v", current, err)
	}
}

func TestSetOutputAndLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "text")
	SetLevel("info")

	Named("agent").Debug("hidden")
	Named("agent").Info("visible", "tool", "shell_command")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record should be filtered: %s", out)
	}
	if !strings.Contains(out, "component=agent") || !strings.Contains(out, "tool=shell_command") {
		t.Fatalf("unexpected output: %s", out)
	}

	SetLevel("debug")
	L().Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Fatalf("level change not applied")
	}
	SetLevel("info")
}

func TestInitWithAuditFile(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "audit.log")
	if err := Init(Config{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"discard"},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	}); err != nil {
		t.Fatalf("init: %v", err)
	}
	Audit().Info("tool invoked", "tool", "http_request")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	content, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if !strings.Contains(string(content), `"tool":"http_request"`) {
		t.Fatalf("audit record missing: %s", content)
	}
	SetOutput(os.Stderr, "text")
}
