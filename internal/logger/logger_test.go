package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewBeforeInitIsNop(t *testing.T) {
	root.Store(nil)
	l := New("socket")
	if l == nil {
		t.Fatal("New returned nil")
	}
	l.Info("dropped")
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext returned nil")
	}
}

func TestInitWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "relaymux.log")
	if err := Init(WithLevel("debug"), WithFormat("json"), WithFile(path), WithVersion("test")); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = Shutdown() })

	ctx := WithPortID(WithRequestID(context.Background(), "req-1"), 7)
	FromContext(ctx).Info("port attached", zap.String("relay", "wss://a"))
	New("pool").Debug("dialing")
	if err := current().Sync(); err != nil {
		t.Logf("sync: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	for _, want := range []string{`"request_id":"req-1"`, `"port_id":7`, `"component":"pool"`, `"version":"test"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s:\n%s", want, out)
		}
	}
}

func TestUpdateLevel(t *testing.T) {
	if err := Init(WithLevel("info"), WithFile(filepath.Join(t.TempDir(), "l.log"))); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = Shutdown() })

	if err := UpdateLevel("error"); err != nil {
		t.Fatalf("UpdateLevel: %v", err)
	}
	if current().Core().Enabled(zap.WarnLevel) {
		t.Error("warn should be disabled after raising level to error")
	}
	if err := UpdateLevel("nonsense"); err == nil {
		t.Error("expected error for bad level")
	}
}

func TestInitRejectsUnknownFormat(t *testing.T) {
	if err := Init(WithFormat("xml")); err == nil {
		t.Fatal("expected error")
	}
}
