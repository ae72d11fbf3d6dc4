package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestJSONLogger_WritesFieldsAndComponent(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, "root")

	child := l.With(Field{Key: "component", Value: "orchestrator"}, Field{Key: "scan_id", Value: "s1"})
	child.Warn("task failed", Field{Key: "error", Value: errors.New("boom")})

	var entry struct {
		Level     string         `json:"level"`
		Msg       string         `json:"msg"`
		Component string         `json:"component"`
		Fields    map[string]any `json:"fields"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
	}
	if entry.Level != "warn" || entry.Msg != "task failed" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.Component != "orchestrator" {
		t.Errorf("expected component orchestrator, got %q", entry.Component)
	}
	if entry.Fields["scan_id"] != "s1" {
		t.Errorf("expected persistent scan_id field, got %v", entry.Fields)
	}
	if entry.Fields["error"] != "boom" {
		t.Errorf("expected error rendered as string, got %v", entry.Fields["error"])
	}
}

func TestJSONLogger_ChildDoesNotLeakIntoParent(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, "root")
	_ = l.With(Field{Key: "scan_id", Value: "s1"})

	l.Info("hello")
	if strings.Contains(buf.String(), "scan_id") {
		t.Fatalf("parent logger picked up child field: %s", buf.String())
	}
}

func TestZapLogger_ForwardsFields(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zap.DebugLevel)
	l := WrapZap(zap.New(core))

	l.With(Field{Key: "component", Value: "worker"}, Field{Key: "worker_id", Value: 2}).
		Info("dequeued job", Field{Key: "scan_id", Value: "abc"})

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.LoggerName != "worker" {
		t.Errorf("expected logger name worker, got %q", e.LoggerName)
	}
	ctx := e.ContextMap()
	if ctx["scan_id"] != "abc" {
		t.Errorf("expected scan_id field, got %v", ctx)
	}
	if ctx["worker_id"] != int64(2) {
		t.Errorf("expected worker_id=2, got %v (%T)", ctx["worker_id"], ctx["worker_id"])
	}
}
