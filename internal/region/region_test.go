package region

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFromBytesReadAt(t *testing.T) {
	rg := FromBytes([]byte("hello world"))
	if got, want := rg.Size(), int64(11); got != want {
		t.Fatalf("Size() = %d, want %d", got, want)
	}

	buf := make([]byte, 5)
	n, err := rg.ReadAt(buf, 6)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 5 || string(buf) != "world" {
		t.Fatalf("ReadAt = %q (n=%d), want %q", buf, n, "world")
	}
}

func TestReadAtTruncatesAtEnd(t *testing.T) {
	rg := FromBytes([]byte("hi"))
	buf := make([]byte, 10)
	n, err := rg.ReadAt(buf, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 2 || string(buf[:n]) != "hi" {
		t.Fatalf("ReadAt = %q (n=%d), want \"hi\" (n=2)", buf[:n], n)
	}
}

func TestReadAtPastEnd(t *testing.T) {
	rg := FromBytes([]byte("hi"))
	buf := make([]byte, 4)
	n, err := rg.ReadAt(buf, 2)
	if n != 0 {
		t.Fatalf("n = %d, want 0", n)
	}
	if err == nil {
		t.Fatalf("err = nil, want non-nil at end of region")
	}
}

func TestOpenFallsBackWithoutMmap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rg, err := Open(path, 2, 5)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rg.Close()

	if got, want := rg.Size(), int64(5); got != want {
		t.Fatalf("Size() = %d, want %d", got, want)
	}
	buf := make([]byte, 5)
	if _, err := rg.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "23456" {
		t.Fatalf("ReadAt = %q, want %q", buf, "23456")
	}
}

func TestOpenRangeExceedsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")
	if err := os.WriteFile(path, []byte("short"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Open(path, 0, 100); err == nil {
		t.Fatalf("Open succeeded, want error for out-of-range length")
	}
}

func TestSectionReader(t *testing.T) {
	rg := FromBytes([]byte("0123456789"))
	sr := rg.SectionReader(3, 4)
	buf := make([]byte, 4)
	if _, err := sr.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "3456" {
		t.Fatalf("SectionReader content = %q, want %q", buf, "3456")
	}
}
