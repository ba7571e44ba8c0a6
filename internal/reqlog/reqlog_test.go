package reqlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAppendWritesOneJSONLinePerEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests", "log.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if err := l.Append(Entry{ContainerID: "c1", Operation: "git.push", ResultCode: "ok"}); err != nil {
		t.Fatalf("Append 1: %v", err)
	}
	if err := l.Append(Entry{ContainerID: "c1", Operation: "git.fetch", ResultCode: "ok"}); err != nil {
		t.Fatalf("Append 2: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var lines []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal line %q: %v", sc.Text(), err)
		}
		lines = append(lines, e)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}
	if lines[0].Operation != "git.push" || lines[1].Operation != "git.fetch" {
		t.Fatalf("unexpected entries: %+v", lines)
	}
	for _, e := range lines {
		if e.Timestamp.IsZero() {
			t.Fatalf("expected Append to fill in a zero Timestamp")
		}
	}
}

func TestOpenAppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	l1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := l1.Append(Entry{Operation: "first"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer l2.Close()
	if err := l2.Append(Entry{Operation: "second"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := 0
	for _, c := range b {
		if c == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Fatalf("expected 2 lines across both Open calls, got %d", lines)
	}
}

func TestCloseOnNilLogIsNoOp(t *testing.T) {
	var l *Log
	if err := l.Close(); err != nil {
		t.Fatalf("expected Close on a nil *Log to be a no-op, got %v", err)
	}
}
