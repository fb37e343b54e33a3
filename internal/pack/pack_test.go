package pack

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/orcaman/writerseeker"

	"github.com/choco-technologies/dmffs/internal/tlv"
)

func TestPackToSingleFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var ws writerseeker.WriterSeeker
	p := &Packer{}
	if err := p.PackTo(context.Background(), dir, &ws); err != nil {
		t.Fatalf("PackTo: %v", err)
	}

	r := ws.BytesReader()
	got := make([]byte, r.Len())
	if _, err := r.Read(got); err != nil {
		t.Fatalf("reading written image: %v", err)
	}

	var want bytes2Buffer
	want.WriteRecord(t, tlv.Version, []byte("1.0"))
	fileLen := tlv.RecordSize(9) + tlv.RecordSize(2)
	want.WriteHeader(t, tlv.File, fileLen)
	want.WriteRecord(t, tlv.Name, []byte("hello.txt"))
	want.WriteRecord(t, tlv.Data, []byte("hi"))
	want.WriteHeader(t, tlv.End, 0)

	if diff := cmp.Diff(want.Bytes(), got); diff != "" {
		t.Errorf("packed image mismatch (-want +got):\n%s", diff)
	}
}

func TestPackToWithSubdirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "a.txt"), []byte("A"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var ws writerseeker.WriterSeeker
	p := &Packer{}
	if err := p.PackTo(context.Background(), dir, &ws); err != nil {
		t.Fatalf("PackTo: %v", err)
	}

	r := ws.BytesReader()
	got := make([]byte, r.Len())
	if _, err := r.Read(got); err != nil {
		t.Fatalf("reading written image: %v", err)
	}
	if len(got) == 0 {
		t.Fatalf("packed image is empty")
	}
}

func TestPackRejectsReservedName(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "data.bin"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var ws writerseeker.WriterSeeker
	p := &Packer{}
	err := p.PackTo(context.Background(), dir, &ws)
	if err == nil {
		t.Fatalf("PackTo succeeded, want ErrReservedName")
	}
}

func TestPackIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	run := func() []byte {
		var ws writerseeker.WriterSeeker
		p := &Packer{}
		if err := p.PackTo(context.Background(), dir, &ws); err != nil {
			t.Fatalf("PackTo: %v", err)
		}
		r := ws.BytesReader()
		b := make([]byte, r.Len())
		r.Read(b)
		return b
	}

	a, b := run(), run()
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("two packs of the same tree differ (-first +second):\n%s", diff)
	}
}

// bytes2Buffer is a tiny helper so test expectations read as a sequence of
// TLV writes rather than a hand-assembled byte literal.
type bytes2Buffer struct {
	buf []byte
}

func (b *bytes2Buffer) WriteHeader(t *testing.T, typ tlv.Type, length uint32) {
	t.Helper()
	var sink sliceSink
	if err := tlv.WriteHeader(&sink, typ, length); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	b.buf = append(b.buf, sink...)
}

func (b *bytes2Buffer) WriteRecord(t *testing.T, typ tlv.Type, payload []byte) {
	t.Helper()
	var sink sliceSink
	if err := tlv.WriteRecord(&sink, typ, payload); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	b.buf = append(b.buf, sink...)
}

func (b *bytes2Buffer) Bytes() []byte { return b.buf }

type sliceSink []byte

func (s *sliceSink) Write(p []byte) (int, error) {
	*s = append(*s, p...)
	return len(p), nil
}
