// Package region provides a bounds-checked, random-access view over a
// DMFFS image, regardless of whether the image is backed by a memory-mapped
// file or an in-memory buffer.
//
// This is the Go counterpart of the embedded target's mapped flash address
// space: on that target, code performs pointer arithmetic directly against
// `region_base`; here all such arithmetic is confined to this package, and
// every read is checked against the region's length before it happens.
package region

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Region is a read-only, bounds-checked byte range.
type Region struct {
	r    io.ReaderAt
	size int64

	// close releases any resources backing r (an mmap, an *os.File). It is
	// nil for FromBytes regions, which own nothing.
	close func() error
}

// Open maps the file at path read-only and returns a Region spanning
// [offset, offset+length). When length is 0, the whole file (from offset
// to EOF) is used.
//
// mmap is attempted first; if the underlying file does not support it
// (e.g. it is a pipe, or the platform lacks mmap), Open falls back to
// ordinary ReadAt calls against the open file, so callers never need an
// OS-specific code path.
func Open(path string, offset, length int64) (*Region, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("region: open %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("region: stat %s: %w", path, err)
	}
	if length == 0 {
		length = fi.Size() - offset
	}
	if offset < 0 || length < 0 || offset+length > fi.Size() {
		f.Close()
		return nil, xerrors.Errorf("region: requested range [%d, %d) exceeds file size %d", offset, offset+length, fi.Size())
	}

	if data, err := unix.Mmap(int(f.Fd()), offset, int(length), unix.PROT_READ, unix.MAP_SHARED); err == nil {
		return &Region{
			r:    sliceReaderAt(data),
			size: length,
			close: func() error {
				munmapErr := unix.Munmap(data)
				closeErr := f.Close()
				if munmapErr != nil {
					return munmapErr
				}
				return closeErr
			},
		}, nil
	}

	// mmap not available for this file/platform: fall back to a plain
	// file-backed section reader.
	return &Region{
		r:     io.NewSectionReader(f, offset, length),
		size:  length,
		close: f.Close,
	}, nil
}

// FromBytes wraps an in-memory buffer as a Region. Used by tests and by
// tools that already hold a whole image in memory.
func FromBytes(b []byte) *Region {
	return &Region{r: sliceReaderAt(b), size: int64(len(b))}
}

// ReadAt copies min(len(p), Size()-off) bytes starting at off into p and
// returns the number of bytes copied. Reads that start at or past the end
// of the region return (0, io.EOF); reads that would run past the end are
// truncated rather than erroring, matching io.ReaderAt only in the
// zero-length-at-EOF case — callers that need the exact io.ReaderAt
// contract (full read or error) should compare n against len(p).
func (rg *Region) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= rg.size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	if avail := rg.size - off; int64(len(p)) > avail {
		n, err := rg.r.ReadAt(p[:avail], off)
		if err != nil && err != io.EOF {
			return n, err
		}
		return n, nil
	}
	return rg.r.ReadAt(p, off)
}

// Size returns the region's length in bytes.
func (rg *Region) Size() int64 { return rg.size }

// SectionReader returns an io.SectionReader over [off, off+n) of the
// region, for callers (file content readers) that want standard io.Reader
// semantics without copying the region's backing bytes.
func (rg *Region) SectionReader(off, n int64) *io.SectionReader {
	return io.NewSectionReader(readerAtFunc(rg.ReadAt), off, n)
}

// Close releases any resources (mmap, file descriptor) backing the region.
// FromBytes regions have nothing to release and Close is a no-op for them.
func (rg *Region) Close() error {
	if rg.close == nil {
		return nil
	}
	return rg.close()
}

type sliceReaderAt []byte

func (s sliceReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(s)) {
		return 0, io.EOF
	}
	n := copy(p, s[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

type readerAtFunc func(p []byte, off int64) (int, error)

func (f readerAtFunc) ReadAt(p []byte, off int64) (int, error) { return f(p, off) }
