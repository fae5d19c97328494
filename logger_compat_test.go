package payflow

import (
	"bytes"
	"strings"
	"testing"

	"github.com/goliatone/go-logger/glog"
)

func TestGlogAdapterStructuredOutput(t *testing.T) {
	buf := &bytes.Buffer{}
	base := glog.NewLogger(
		glog.WithWriter(buf),
		glog.WithLoggerTypeJSON(),
		glog.WithLevel("trace"),
	)
	logger := NewGlogAdapter(base)

	scoped := WithLoggerFields(logger, map[string]any{"flow_id": "flow-1"})
	scoped.Info("flow started")

	logged := buf.String()
	if strings.TrimSpace(logged) == "" {
		t.Fatal("expected go-logger output")
	}
	if !strings.Contains(logged, "flow_id") {
		t.Fatalf("expected structured field in output, got %s", logged)
	}
	if !strings.Contains(logged, "flow started") {
		t.Fatalf("expected message in output, got %s", logged)
	}
}

func TestNormalizeLoggerFallsBackToFmt(t *testing.T) {
	logger := NormalizeLogger(nil)
	if _, ok := logger.(*FmtLogger); !ok {
		t.Fatalf("expected FmtLogger fallback, got %T", logger)
	}
	if adapted := NewGlogAdapter(nil); adapted == nil {
		t.Fatal("expected non-nil adapter for nil base logger")
	}
}

func TestFmtLoggerFieldsAreStableOrdered(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewFmtLogger(buf)
	scoped := WithLoggerFields(logger, map[string]any{"b": 2, "a": 1})
	scoped.Info("ordered")

	line := buf.String()
	if !strings.Contains(line, "a=1 b=2") {
		t.Fatalf("expected sorted fields, got %s", line)
	}
}

func TestFmtLoggerFieldOverrideKeepsOrder(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewFmtLogger(buf)
	scoped := WithLoggerFields(logger, map[string]any{"flow_id": "flow-1", "attempt": 1})
	scoped = WithLoggerFields(scoped, map[string]any{"attempt": 2})
	scoped.Info("retrying")

	line := buf.String()
	if !strings.Contains(line, "attempt=2 flow_id=flow-1") {
		t.Fatalf("expected overridden field in sorted order, got %s", line)
	}
	if strings.Contains(line, "attempt=1") {
		t.Fatalf("expected the stale value to be replaced, got %s", line)
	}
}

func TestFmtLoggerLevelThreshold(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewFmtLogger(buf).WithLevel("warn")

	logger.Info("below threshold")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be suppressed, got %s", buf.String())
	}

	logger.Warn("at threshold")
	if !strings.Contains(buf.String(), "at threshold") {
		t.Fatalf("expected warn to be written, got %s", buf.String())
	}

	// An unknown level name leaves the threshold untouched.
	noisy := logger.WithLevel("verbose")
	buf.Reset()
	noisy.Info("still suppressed")
	if buf.Len() != 0 {
		t.Fatalf("expected threshold to survive a bad level name, got %s", buf.String())
	}
}
