package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, raw []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ln := range bytes.Split(bytes.TrimSpace(raw), []byte("\n")) {
		if len(ln) == 0 {
			continue
		}
		m := map[string]any{}
		if err := json.Unmarshal(ln, &m); err != nil {
			t.Fatalf("decode %q: %v", ln, err)
		}
		out = append(out, m)
	}
	return out
}

func TestForBatchFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(Component("dispatch"))
	log.ForBatch("bt:1", "october").Info("sent", Item("2"), Dest("+6281234567"))
	log.ForBatch("bt:2", "").Debug("queued")

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 2 {
		t.Fatalf("lines=%d", len(lines))
	}
	first := lines[0]
	for k, want := range map[string]string{
		KeyComponent: "dispatch",
		KeyBatch:     "bt:1",
		KeyCampaign:  "october",
		KeyItem:      "2",
		KeyDest:      "+62*****567",
	} {
		if first[k] != want {
			t.Fatalf("%s=%v, want %q (line %v)", k, first[k], want, first)
		}
	}
	if _, ok := lines[1][KeyCampaign]; ok {
		t.Fatalf("empty campaign should be omitted: %v", lines[1])
	}
}

func TestMask(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"", ""},
		{"1234", "****"},
		{"+628123", "+6***23"},
		{" +6281234567 ", "+62*****567"},
	}
	for _, tt := range tests {
		if got := Mask(tt.in); got != tt.want {
			t.Fatalf("Mask(%q)=%q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestServiceApplySwapsFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "send.log")
	svc, log := New(Config{Level: "info", Format: "json", Instance: "node-a", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log = log.With(Component("app"))
	log.Debug("hidden")
	log.Info("started")

	svc.Apply(Config{Level: "error", Instance: "node-b", File: FileConfig{Enabled: true, Path: path}})
	log.Info("dropped after level change")
	log.Error("failed")

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := decodeLines(t, raw)
	if len(lines) != 2 {
		t.Fatalf("want 2 records, got %d: %s", len(lines), raw)
	}
	if lines[0]["message"] != "started" || lines[0][KeyInstance] != "node-a" || lines[0][KeyComponent] != "app" {
		t.Fatalf("first=%v", lines[0])
	}
	if lines[1]["message"] != "failed" || lines[1][KeyInstance] != "node-b" {
		t.Fatalf("second=%v", lines[1])
	}
}

func TestParseFormatAndCheckFile(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Format{"": FormatConsole, "Console": FormatConsole, " json ": FormatJSON} {
		if got, ok := ParseFormat(in); !ok || got != want {
			t.Fatalf("ParseFormat(%q)=(%v,%v)", in, got, ok)
		}
	}
	if _, ok := ParseFormat("xml"); ok {
		t.Fatalf("xml accepted")
	}

	if err := CheckFile(FileConfig{}); err != nil {
		t.Fatalf("disabled file: %v", err)
	}
	bad := filepath.Join(t.TempDir(), "missing", "x.log")
	if err := CheckFile(FileConfig{Enabled: true, Path: bad}); err == nil || !strings.Contains(err.Error(), "x.log") {
		t.Fatalf("want open error naming the path, got %v", err)
	}
}
