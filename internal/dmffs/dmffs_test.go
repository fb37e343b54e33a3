package dmffs

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/choco-technologies/dmffs/internal/tlv"
)

// buildImage assembles a well-formed image by hand: VERSION("1.0"), one
// FILE("hello.txt" = "hi"), END.
func buildImage(t *testing.T) []byte {
	t.Helper()
	var buf sliceWriter
	write(t, &buf, func(w io.Writer) error { return tlv.WriteRecord(w, tlv.Version, []byte("1.0")) })

	fileLen := tlv.RecordSize(9) + tlv.RecordSize(2)
	write(t, &buf, func(w io.Writer) error { return tlv.WriteHeader(w, tlv.File, fileLen) })
	write(t, &buf, func(w io.Writer) error { return tlv.WriteRecord(w, tlv.Name, []byte("hello.txt")) })
	write(t, &buf, func(w io.Writer) error { return tlv.WriteRecord(w, tlv.Data, []byte("hi")) })

	write(t, &buf, func(w io.Writer) error { return tlv.WriteHeader(w, tlv.End, 0) })
	return buf
}

func write(t *testing.T, buf *sliceWriter, f func(io.Writer) error) {
	t.Helper()
	if err := f(buf); err != nil {
		t.Fatalf("writing test image: %v", err)
	}
}

type sliceWriter []byte

func (s *sliceWriter) Write(p []byte) (int, error) {
	*s = append(*s, p...)
	return len(p), nil
}

func newTestContext(t *testing.T, image []byte) *Context {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")
	if err := os.WriteFile(path, image, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ctx, err := Init("flash_image=" + path)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { ctx.Deinit() })
	return ctx
}

func TestOpenReadEofSeekGetc(t *testing.T) {
	ctx := newTestContext(t, buildImage(t))

	f, err := ctx.Open("/hello.txt", ModeReadOnly, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	buf := make([]byte, 2)
	n, err := f.Read(buf)
	if err != nil || n != 2 || string(buf) != "hi" {
		t.Fatalf("Read = %q, %d, %v; want \"hi\", 2, nil", buf, n, err)
	}
	if !f.Eof() {
		t.Fatalf("Eof() = false, want true")
	}

	if _, err := f.Seek(0, SeekSet); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	b, err := f.Getc()
	if err != nil || b != 'h' {
		t.Fatalf("Getc() = %c, %v; want 'h', nil", b, err)
	}
	if got, want := f.Tell(), int64(1); got != want {
		t.Fatalf("Tell() = %d, want %d", got, want)
	}
}

func TestFileReaderTerminatesForIOCopy(t *testing.T) {
	ctx := newTestContext(t, buildImage(t))

	f, err := ctx.Open("/hello.txt", ModeReadOnly, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	var dst bytes.Buffer
	n, err := io.Copy(&dst, f.Reader())
	if err != nil {
		t.Fatalf("io.Copy: %v", err)
	}
	if n != 2 || dst.String() != "hi" {
		t.Fatalf("io.Copy wrote %q (%d bytes), want \"hi\" (2 bytes)", dst.String(), n)
	}
}

func TestOpenDirAndReaddirSequence(t *testing.T) {
	ctx := newTestContext(t, buildImage(t))

	d, err := ctx.OpenDir("/")
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	defer d.Close()

	first, err := d.Read()
	if err != nil {
		t.Fatalf("Read #1: %v", err)
	}
	if first.Name != "hello.txt" || first.Size != 2 {
		t.Fatalf("first entry = %+v, want hello.txt size 2", first)
	}

	second, err := d.Read()
	if err != nil {
		t.Fatalf("Read #2: %v", err)
	}
	if second.Name != "data.bin" || second.Attr != AttrReadOnly {
		t.Fatalf("second entry = %+v, want data.bin READONLY", second)
	}

	if _, err := d.Read(); err != ErrNotFound {
		t.Fatalf("Read #3 err = %v, want ErrNotFound", err)
	}
}

func TestOpenMissingAndWriteMode(t *testing.T) {
	ctx := newTestContext(t, buildImage(t))

	if _, err := ctx.Open("/missing", ModeReadOnly, 0); err != ErrNotFound {
		t.Fatalf("Open(/missing) err = %v, want ErrNotFound", err)
	}
	if _, err := ctx.Open("/hello.txt", ModeWriteOnly, 0); err != ErrInvalid {
		t.Fatalf("Open(WRONLY) err = %v, want ErrInvalid", err)
	}
}

func TestMkdirAndUnlinkReject(t *testing.T) {
	ctx := newTestContext(t, buildImage(t))

	if err := ctx.Mkdir("/x"); err != ErrNoSpace {
		t.Fatalf("Mkdir err = %v, want ErrNoSpace", err)
	}
	if err := ctx.Unlink("/hello.txt"); err != ErrInvalid {
		t.Fatalf("Unlink err = %v, want ErrInvalid", err)
	}
	// The file must remain visible even after a rejected Unlink.
	if _, err := ctx.Stat("/hello.txt"); err != nil {
		t.Fatalf("Stat after rejected Unlink: %v", err)
	}
}

func TestFallbackModeOnGarbageRegion(t *testing.T) {
	ctx := newTestContext(t, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})

	d, err := ctx.OpenDir("/")
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	defer d.Close()

	info, err := d.Read()
	if err != nil || info.Name != "data.bin" || info.Size != 8 {
		t.Fatalf("Read = %+v, %v; want data.bin size 8", info, err)
	}
	if _, err := d.Read(); err != ErrNotFound {
		t.Fatalf("second Read err = %v, want ErrNotFound", err)
	}

	st, err := ctx.Stat("data.bin")
	if err != nil || st.Size != 8 {
		t.Fatalf("Stat(data.bin) = %+v, %v; want size 8", st, err)
	}
}

func TestSeekClamp(t *testing.T) {
	ctx := newTestContext(t, buildImage(t))
	f, err := ctx.Open("/hello.txt", ModeReadOnly, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if pos, err := f.Seek(1000, SeekSet); err != nil || pos != 2 {
		t.Fatalf("Seek past end = %d, %v; want 2, nil", pos, err)
	}
	if pos, err := f.Seek(-1000, SeekSet); err != nil || pos != 0 {
		t.Fatalf("Seek before start = %d, %v; want 0, nil", pos, err)
	}
	if _, err := f.Seek(0, 99); err != ErrInvalid {
		t.Fatalf("Seek bad whence err = %v, want ErrInvalid", err)
	}
}

func TestEmptyFile(t *testing.T) {
	var buf sliceWriter
	write(t, &buf, func(w io.Writer) error { return tlv.WriteRecord(w, tlv.Version, []byte("1.0")) })
	fileLen := tlv.RecordSize(5)
	write(t, &buf, func(w io.Writer) error { return tlv.WriteHeader(w, tlv.File, fileLen) })
	write(t, &buf, func(w io.Writer) error { return tlv.WriteRecord(w, tlv.Name, []byte("empty")) })
	write(t, &buf, func(w io.Writer) error { return tlv.WriteHeader(w, tlv.End, 0) })

	ctx := newTestContext(t, buf)
	f, err := ctx.Open("/empty", ModeReadOnly, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	if !f.Eof() {
		t.Fatalf("Eof() = false, want true for a zero-length file")
	}
	n, err := f.Read(make([]byte, 4))
	if n != 0 || err != nil {
		t.Fatalf("Read = %d, %v; want 0, nil", n, err)
	}

	var dst bytes.Buffer
	written, err := io.Copy(&dst, f.Reader())
	if err != nil || written != 0 {
		t.Fatalf("io.Copy on empty file = %d, %v; want 0, nil", written, err)
	}
}

func TestNestedDirectoryResolution(t *testing.T) {
	var buf sliceWriter
	write(t, &buf, func(w io.Writer) error { return tlv.WriteRecord(w, tlv.Version, []byte("1.0")) })

	innerFileLen := tlv.RecordSize(1) + tlv.RecordSize(1)
	innerFileRecord := tlv.RecordSize(innerFileLen)
	dirPayloadLen := tlv.RecordSize(3) + innerFileRecord // NAME("sub") + FILE record

	write(t, &buf, func(w io.Writer) error { return tlv.WriteHeader(w, tlv.Dir, dirPayloadLen) })
	write(t, &buf, func(w io.Writer) error { return tlv.WriteRecord(w, tlv.Name, []byte("sub")) })
	write(t, &buf, func(w io.Writer) error { return tlv.WriteHeader(w, tlv.File, innerFileLen) })
	write(t, &buf, func(w io.Writer) error { return tlv.WriteRecord(w, tlv.Name, []byte("a")) })
	write(t, &buf, func(w io.Writer) error { return tlv.WriteRecord(w, tlv.Data, []byte("A")) })

	write(t, &buf, func(w io.Writer) error { return tlv.WriteHeader(w, tlv.End, 0) })

	ctx := newTestContext(t, buf)

	d, err := ctx.OpenDir("/sub")
	if err != nil {
		t.Fatalf("OpenDir(/sub): %v", err)
	}
	info, err := d.Read()
	d.Close()
	if err != nil || info.Name != "a" {
		t.Fatalf("OpenDir(/sub).Read() = %+v, %v; want entry \"a\"", info, err)
	}

	f, err := ctx.Open("/sub/a", ModeReadOnly, 0)
	if err != nil {
		t.Fatalf("Open(/sub/a): %v", err)
	}
	defer f.Close()
	got := make([]byte, 1)
	if _, err := f.Read(got); err != nil || got[0] != 'A' {
		t.Fatalf("Read(/sub/a) = %q, %v; want \"A\"", got, err)
	}
}
