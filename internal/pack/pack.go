// Package pack implements the DMFFS image packer: it walks a host
// directory tree and emits a single byte-exact TLV image via the codec in
// internal/tlv.
//
// The wire format is length-prefixed and not patchable without seeking, so
// packing a directory is a two-pass affair: sizeOf computes the exact
// payload length a DIR or FILE record will occupy before any header for it
// is written, and emit streams the image using those precomputed lengths.
package pack

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/renameio"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/choco-technologies/dmffs/internal/tlv"
)

// imageVersion is the payload of the VERSION TLV every packed image opens
// with.
const imageVersion = "1.0"

// maxNameLen is the largest entry name the packer will emit; every NAME
// payload must be <= 255 bytes.
const maxNameLen = 255

// maxPathLen bounds the host path buffer: entries
// whose full host path would be >= 512 bytes (including the joining
// separator) are skipped from both the size and emit passes so the two
// stay in agreement. The skip is silent: no diagnostic is logged for it.
const maxPathLen = 512

// copyBufSize is the buffer size used to stream file content from the host
// into the image; at least 1024 bytes.
const copyBufSize = 64 * 1024

// AttrReadOnly mirrors the reader's read-only attribute bit; the packer
// sets it on the optional ATTR TLV of any file the host marks read-only
// for its owner.
const AttrReadOnly = 1 << 0

// ErrReservedName is returned by Pack when the input tree contains a
// file, at any depth, literally named "data.bin" (a directory of that name
// is packed normally): that name is reserved for the
// reader's fallback-mode synthetic file, and packing it would make path
// resolution ambiguous.
var ErrReservedName = xerrors.New("pack: \"data.bin\" is a reserved name and cannot be packed")

// reservedDataBin is the synthetic name the in-place reader uses for its
// whole-region fallback view.
const reservedDataBin = "data.bin"

// Packer walks a host directory tree and writes a DMFFS image.
type Packer struct {
	// Concurrency bounds how many children (files and subdirectories) of
	// one directory may have their size computed in parallel during the
	// size pass; each nested directory applies the bound to its own
	// children. Zero means runtime.GOMAXPROCS(0).
	Concurrency int

	// Logf receives one line per file and per directory emitted, at every
	// depth. Entries skipped by readEntries are not reported. Defaults to a
	// no-op.
	Logf func(format string, args ...interface{})
}

func (p *Packer) logf(format string, args ...interface{}) {
	if p.Logf == nil {
		return
	}
	p.Logf(format, args...)
}

// Pack walks inputDir and writes a well-formed DMFFS image to outputPath.
// The output file is written atomically: a failure or an interruption of
// Pack never leaves a truncated or partially-written file at outputPath.
func (p *Packer) Pack(ctx context.Context, inputDir, outputPath string) error {
	sink, err := newAtomicSink(outputPath)
	if err != nil {
		return xerrors.Errorf("pack: opening output file: %w", err)
	}
	defer sink.cleanup()

	if err := p.PackTo(ctx, inputDir, sink); err != nil {
		return err
	}

	if err := sink.commit(); err != nil {
		return xerrors.Errorf("pack: finalizing %s: %w", outputPath, err)
	}
	return nil
}

// PackTo writes a well-formed image for inputDir directly to w, without any
// atomicity guarantee of its own: callers writing to a file on disk should
// use Pack instead. PackTo exists as a seam for tests (and other tools)
// that want to inspect the emitted bytes via an in-memory io.Writer rather
// than a temp file.
func (p *Packer) PackTo(ctx context.Context, inputDir string, w io.Writer) error {
	root, err := os.Open(inputDir)
	if err != nil {
		return xerrors.Errorf("pack: opening input directory: %w", err)
	}
	root.Close()

	if err := tlv.WriteRecord(w, tlv.Version, []byte(imageVersion)); err != nil {
		return xerrors.Errorf("pack: writing VERSION record: %w", err)
	}

	entries, err := readEntries(inputDir)
	if err != nil {
		return xerrors.Errorf("pack: reading %s: %w", inputDir, err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.emitEntry(ctx, w, inputDir, e); err != nil {
			return xerrors.Errorf("pack: %s: %w", e.name, err)
		}
	}

	if err := tlv.WriteHeader(w, tlv.End, 0); err != nil {
		return xerrors.Errorf("pack: writing END record: %w", err)
	}
	return nil
}

// atomicSink is the output side of Pack: a renameio.PendingFile wrapped so
// that any error before commit leaves outputPath untouched.
type atomicSink struct {
	f        *renameio.PendingFile
	finished bool
}

func newAtomicSink(outputPath string) (*atomicSink, error) {
	f, err := renameio.TempFile("", outputPath)
	if err != nil {
		return nil, err
	}
	return &atomicSink{f: f}, nil
}

func (s *atomicSink) Write(p []byte) (int, error) { return s.f.Write(p) }

func (s *atomicSink) commit() error {
	s.finished = true
	return s.f.CloseAtomicallyReplace()
}

// cleanup removes the temporary file if commit was never reached.
func (s *atomicSink) cleanup() {
	if s.finished {
		return
	}
	s.f.Cleanup()
}

// dirEntry is a single directory member, classified once so the size and
// emit passes never disagree about what it is.
type dirEntry struct {
	name  string
	isDir bool
}

// readEntries lists a directory's immediate children in the order the host
// returns them (os.File.ReadDir, unlike the package-level os.ReadDir, does
// not sort), skipping "." and ".." and names that would overflow the path
// buffer. Entries are classified from the directory listing alone; nothing
// is stat'ed here.
func readEntries(dir string) ([]dirEntry, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	raw, err := f.ReadDir(-1)
	if err != nil {
		return nil, err
	}

	entries := make([]dirEntry, 0, len(raw))
	for _, de := range raw {
		name := de.Name()
		if name == "." || name == ".." {
			continue
		}
		if len(dir)+1+len(name) >= maxPathLen {
			continue
		}
		entries = append(entries, dirEntry{name: name, isDir: de.IsDir()})
	}
	return entries, nil
}

// sizeOf returns the exact number of payload bytes a DIR TLV describing
// dirPath (whose entry name is name) would occupy: the NAME child's size
// plus, for each child entry, the full on-wire size (8-byte header
// included) of that child's own record.
func (p *Packer) sizeOf(ctx context.Context, dirPath, name string) (uint32, error) {
	if len(name) == 0 || len(name) > maxNameLen {
		return 0, xerrors.Errorf("sizeOf: invalid directory name %q", name)
	}

	entries, err := readEntries(dirPath)
	if err != nil {
		// A directory that vanished or became unreadable between listing and
		// sizing contributes zero bytes and is skipped, per the
		// size-pass failure semantics.
		return 0, nil
	}

	total := tlv.RecordSize(uint32(len(name)))

	childSizes := make([]uint32, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	limit := p.Concurrency
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	g.SetLimit(limit)

	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			childPath := filepath.Join(dirPath, e.name)
			if e.isDir {
				sz, err := p.sizeOf(gctx, childPath, e.name)
				if err != nil {
					return err
				}
				childSizes[i] = tlv.RecordSize(sz)
			} else {
				sz, ok, err := p.fileRecordSize(childPath, e.name)
				if err != nil {
					return err
				}
				if !ok {
					childSizes[i] = 0
					return nil
				}
				childSizes[i] = tlv.RecordSize(sz)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// An I/O error during the size pass drops the affected subtree, not
		// the whole pack.
		return total, nil
	}
	for _, sz := range childSizes {
		total += sz
	}
	return total, nil
}

// fileRecordSize returns the payload size a FILE TLV for the host file at
// path (entry name name) would occupy, and whether the file could be
// sized at all.
func (p *Packer) fileRecordSize(path, name string) (size uint32, ok bool, err error) {
	if name == reservedDataBin {
		return 0, false, ErrReservedName
	}
	fi, err := os.Stat(path)
	if err != nil {
		return 0, false, nil
	}
	total := tlv.RecordSize(uint32(len(name))) + tlv.RecordSize(uint32(fi.Size()))
	if attr, has := fileAttr(path); has {
		_ = attr
		total += tlv.RecordSize(4)
	}
	return total, true, nil
}

// fileAttr returns the ATTR payload for a host file, and whether an ATTR
// TLV should be emitted at all: ATTR is an
// optional reserved child, so the packer only spends the 12 extra bytes
// when there is something non-default to say (the file is not writable by
// its owner).
func fileAttr(path string) (attr uint32, has bool) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, false
	}
	if st.Mode&unix.S_IWUSR == 0 {
		return AttrReadOnly, true
	}
	return 0, false
}

// emitEntry writes one top-level or recursive child: a FILE record for a
// regular file, a DIR record (preceded by its precomputed length) for a
// subdirectory.
func (p *Packer) emitEntry(ctx context.Context, w io.Writer, dir string, e dirEntry) error {
	path := filepath.Join(dir, e.name)
	if e.isDir {
		return p.emitDir(ctx, w, path, e.name)
	}
	return p.emitFile(w, path, e.name)
}

func (p *Packer) emitDir(ctx context.Context, w io.Writer, dirPath, name string) error {
	size, err := p.sizeOf(ctx, dirPath, name)
	if err != nil {
		return err
	}
	if err := tlv.WriteHeader(w, tlv.Dir, size); err != nil {
		return err
	}
	if err := tlv.WriteRecord(w, tlv.Name, []byte(name)); err != nil {
		return err
	}

	entries, err := readEntries(dirPath)
	if err != nil {
		return xerrors.Errorf("reading %s: %w", dirPath, err)
	}
	p.logf("dir %s (%d bytes, %d entries)", dirPath, size, len(entries))
	for _, child := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.emitEntry(ctx, w, dirPath, child); err != nil {
			return err
		}
	}
	return nil
}

func (p *Packer) emitFile(w io.Writer, path, name string) error {
	if name == reservedDataBin {
		return ErrReservedName
	}
	in, err := os.Open(path)
	if err != nil {
		return xerrors.Errorf("opening %s: %w", path, err)
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return xerrors.Errorf("stat %s: %w", path, err)
	}
	size := fi.Size()

	attr, hasAttr := fileAttr(path)
	fileLen := tlv.RecordSize(uint32(len(name))) + tlv.RecordSize(uint32(size))
	if hasAttr {
		fileLen += tlv.RecordSize(4)
	}

	if err := tlv.WriteHeader(w, tlv.File, fileLen); err != nil {
		return err
	}
	if err := tlv.WriteRecord(w, tlv.Name, []byte(name)); err != nil {
		return err
	}
	if hasAttr {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], attr)
		if err := tlv.WriteRecord(w, tlv.Attr, buf[:]); err != nil {
			return err
		}
	}
	if err := tlv.WriteHeader(w, tlv.Data, uint32(size)); err != nil {
		return err
	}

	buf := make([]byte, copyBufSize)
	var copied int64
	for copied < size {
		want := size - copied
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		n, err := in.Read(buf[:want])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return xerrors.Errorf("writing %s content: %w", name, werr)
			}
			copied += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return xerrors.Errorf("reading %s: %w", path, err)
		}
	}
	if copied != size {
		return xerrors.Errorf("%s: read %d bytes, expected %d (file changed during pack)", path, copied, size)
	}
	p.logf("file %s (%d bytes)", path, size)
	return nil
}
