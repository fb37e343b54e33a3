package dmffs

import (
	"io"

	"golang.org/x/xerrors"
)

// File is a handle returned by Context.Open. Its state machine is linear:
// Open → (Read* | Seek* | Tell | Eof | Size)* → Close. Operations return
// errors but never poison the handle itself.
type File struct {
	ctx  *Context
	gen  uint64
	info entry
	pos  int64

	closed bool
}

// Open resolves path and returns a handle positioned at offset 0. Any
// write-mode bit set in mode makes Open fail with ErrInvalid without
// touching the image; a path that does not resolve to a file fails with
// ErrNotFound.
func (c *Context) Open(p string, mode OpenMode, attr Attr) (*File, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if mode.wantsWrite() {
		return nil, ErrInvalid
	}
	e, err := c.resolveFile(p)
	if err != nil {
		return nil, err
	}
	return &File{ctx: c, gen: c.gen, info: e}, nil
}

func (f *File) checkOpen() error {
	if f == nil || f.closed {
		return ErrClosed
	}
	if err := f.ctx.checkOpen(); err != nil {
		return err
	}
	if f.ctx.gen != f.gen {
		return ErrClosed
	}
	return nil
}

// Read copies min(len(buf), Size()-Tell()) bytes from the current position
// and advances it. Reading at or past EOF returns (0, nil): EOF is not an
// error for this operation.
func (f *File) Read(buf []byte) (int, error) {
	if err := f.checkOpen(); err != nil {
		return 0, err
	}
	remaining := f.info.dataSize - f.pos
	if remaining <= 0 {
		return 0, nil
	}
	want := int64(len(buf))
	if want > remaining {
		want = remaining
	}
	n, err := f.ctx.region.ReadAt(buf[:want], f.info.dataOff+f.pos)
	f.pos += int64(n)
	if err != nil && err != io.EOF {
		return n, xerrors.Errorf("dmffs: read: %w", ErrGeneral)
	}
	return n, nil
}

// Seek computes a new position from whence (SeekSet/SeekCur/SeekEnd) and
// clamps it to [0, Size()]. An unrecognized whence returns (-1, ErrInvalid)
// without changing the position.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if err := f.checkOpen(); err != nil {
		return -1, err
	}
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = f.pos
	case SeekEnd:
		base = f.info.dataSize
	default:
		return -1, ErrInvalid
	}
	newPos := base + offset
	if newPos < 0 {
		newPos = 0
	}
	if newPos > f.info.dataSize {
		newPos = f.info.dataSize
	}
	f.pos = newPos
	return f.pos, nil
}

// Tell returns the current position.
func (f *File) Tell() int64 { return f.pos }

// Size returns the file's content length.
func (f *File) Size() int64 { return f.info.dataSize }

// Eof reports whether the current position is at or past Size().
func (f *File) Eof() bool { return f.pos >= f.info.dataSize }

// Getc reads one byte at the current position and advances it, returning
// io.EOF once Eof() would report true.
func (f *File) Getc() (byte, error) {
	if err := f.checkOpen(); err != nil {
		return 0, err
	}
	if f.Eof() {
		return 0, io.EOF
	}
	var b [1]byte
	if _, err := f.Read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// Close releases the handle. Using it afterward returns ErrClosed.
func (f *File) Close() error {
	if f == nil {
		return ErrInvalid
	}
	f.closed = true
	return nil
}

// Stat returns the handle's metadata without affecting position.
func (f *File) Stat() (Info, error) {
	if err := f.checkOpen(); err != nil {
		return Info{}, err
	}
	return f.info.info(), nil
}

// Reader returns an io.Reader view of f for callers (io.Copy and friends)
// that need a real io.EOF at end of file. Read itself never returns
// io.EOF, by design: (0, nil) at EOF matches the POSIX-style fread/getc
// contract the rest of this API follows, where reaching the end of a file
// isn't an error. The two must not be conflated, since io.Copy loops
// forever on a reader that returns (0, nil) without ever erroring.
func (f *File) Reader() io.Reader { return (*eofReader)(f) }

type eofReader File

func (r *eofReader) Read(buf []byte) (int, error) {
	f := (*File)(r)
	n, err := f.Read(buf)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Putc, Write and Truncate reject every call: this is a read-only
// filesystem.

// Putc always fails: the filesystem is read-only.
func (f *File) Putc(b byte) error { return ErrInvalid }

// Write always fails: the filesystem is read-only.
func (f *File) Write(p []byte) (int, error) { return 0, ErrInvalid }

// Truncate always fails: the filesystem is read-only.
func (f *File) Truncate(size int64) error { return ErrInvalid }
