package container

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNamePrefixesContainerID(t *testing.T) {
	if got := Name("abc123"); got != "jib-abc123" {
		t.Fatalf("Name = %q, want jib-abc123", got)
	}
}

func TestWriteLogCreatesParentDirsAndAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timer", "run-1.log")
	if err := writeLog(path, []byte("first\n")); err != nil {
		t.Fatalf("write log: %v", err)
	}
	if err := writeLog(path, []byte("second\n")); err != nil {
		t.Fatalf("append log: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if string(data) != "first\nsecond\n" {
		t.Fatalf("unexpected log contents: %q", data)
	}
}
