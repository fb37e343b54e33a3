// Package dmffs implements the in-place reader: it answers file and
// directory operations against a region.Region using only bounded reads,
// never copying file content into RAM except as the caller's own Read
// buffer.
//
// A Context is built once, at Init, by scanning the image's structure (TLV
// headers and NAME/DATE/ATTR payloads only, never DATA payloads) into an
// in-memory tree. File content itself is read lazily, straight out of the
// region, when a caller calls File.Read.
package dmffs

import (
	"path"
	"strings"
	"sync/atomic"

	"golang.org/x/xerrors"

	"github.com/choco-technologies/dmffs/internal/region"
	"github.com/choco-technologies/dmffs/internal/tlv"
)

// reservedDataBin is the synthetic whole-region file every Context exposes,
// in fallback mode because there is nothing else to expose, and in normal
// mode as an always-resolvable view over the raw image: the packer refuses
// to pack anything literally named "data.bin", so there is never a real
// entry this synthetic one could shadow.
const reservedDataBin = "data.bin"

// entry is one parsed directory member. Files carry a data offset/size
// into the region; directories carry their already-parsed children.
type entry struct {
	name     string
	isDir    bool
	attr     Attr
	mtime    uint32
	ctime    uint32
	dataOff  int64
	dataSize int64
	children []entry
}

func (e *entry) info() Info {
	return Info{
		Name:  e.name,
		Size:  e.dataSize,
		Attr:  e.attr,
		Mtime: e.mtime,
		Ctime: e.ctime,
		Atime: e.mtime,
		IsDir: e.isDir,
	}
}

var genCounter uint64

// Context is a mounted image: the region it was opened from, plus the
// already-parsed directory tree. Its generation stamp distinguishes this
// Context's handles from a different Context's (or a closed Context's)
// handles, the same role a magic-tag field plays in a C-style handle.
type Context struct {
	region   *region.Region
	fallback bool
	root     []entry // top-level entries; the synthetic root directory's children
	gen      uint64
	closed   bool
}

// Init opens the image named by configString (or by the FLASH_FS_*
// environment variables when configString is empty) and scans its
// structure.
func Init(configString string) (*Context, error) {
	cfg, err := resolveConfig(configString)
	if err != nil {
		return nil, err
	}

	rg, err := region.Open(cfg.imagePath, cfg.addr, cfg.size)
	if err != nil {
		return nil, xerrors.Errorf("dmffs: opening image: %w", ErrGeneral)
	}

	ctx := &Context{
		region: rg,
		gen:    atomic.AddUint64(&genCounter, 1),
	}

	if !hasValidTLVStructure(rg) {
		ctx.fallback = true
		return ctx, nil
	}

	root, err := scanContainer(rg, 0, rg.Size(), true)
	if err != nil {
		// A top-level scan failure is treated exactly like a missing
		// prelude: fall back to the whole-region view rather than
		// returning a Context that can never list anything.
		ctx.fallback = true
		return ctx, nil
	}
	ctx.root = root
	return ctx, nil
}

// Deinit releases the region backing ctx. Using any handle obtained from
// ctx after Deinit returns ErrClosed.
func (c *Context) Deinit() error {
	if c == nil {
		return ErrInvalid
	}
	c.closed = true
	return c.region.Close()
}

func (c *Context) checkOpen() error {
	if c == nil || c.closed {
		return ErrClosed
	}
	return nil
}

// hasValidTLVStructure inspects the first 8 bytes only: the image is
// recognized iff the leading TLV's type is VERSION, FILE, or DIR.
func hasValidTLVStructure(r tlv.Reader) bool {
	h, err := tlv.ReadHeader(r, 0)
	if err != nil {
		return false
	}
	switch h.Type {
	case tlv.Version, tlv.File, tlv.Dir:
		return true
	default:
		return false
	}
}

// scanContainer parses the TLV sequence in [start, end) of r into a slice
// of entries. topLevel controls whether a leading VERSION TLV is skipped
// and whether END/INVALID terminate the scan early (both only apply at the
// top level; a FILE/DIR container's payload has neither).
func scanContainer(r *region.Region, start, end int64, topLevel bool) ([]entry, error) {
	var out []entry
	off := start

	for off < end {
		h, err := tlv.ReadHeader(r, off)
		if err != nil {
			// A truncated trailing header ends the scan cleanly rather than
			// propagating an error.
			break
		}
		headerEnd := off + tlv.HeaderSize
		payloadEnd := headerEnd + int64(h.Length)
		if payloadEnd > end {
			break
		}

		switch h.Type {
		case tlv.Version:
			if !topLevel {
				return nil, xerrors.Errorf("dmffs: unexpected VERSION record inside container")
			}
			// Skip; the version string isn't surfaced to callers.

		case tlv.End, tlv.Invalid:
			if topLevel {
				return out, nil
			}
			// Inside a container, END/INVALID are just unreserved-tag noise
			// to a tolerant scanner and are skipped like any other
			// unrecognized tag.

		case tlv.File:
			e, err := scanFile(r, headerEnd, payloadEnd)
			if err != nil {
				return nil, err
			}
			out = append(out, e)

		case tlv.Dir:
			e, err := scanDir(r, headerEnd, payloadEnd)
			if err != nil {
				return nil, err
			}
			out = append(out, e)

		default:
			// Reserved/unknown tag: tolerated by skipping, whether at the
			// top level or nested inside a container.
		}

		off = payloadEnd
	}
	return out, nil
}

// scanFile parses a FILE container's payload, [start, end), into an
// entry. A NAME child is required, but its position among the children is
// not checked; DATA sets the content range; DATE and ATTR are optional and
// may appear in any order; any other tag is skipped.
func scanFile(r *region.Region, start, end int64) (entry, error) {
	e := entry{}
	off := start
	haveName := false
	haveData := false

	for off < end {
		h, err := tlv.ReadHeader(r, off)
		if err != nil {
			break
		}
		headerEnd := off + tlv.HeaderSize
		payloadEnd := headerEnd + int64(h.Length)
		if payloadEnd > end {
			break
		}

		switch h.Type {
		case tlv.Name:
			name, err := readName(r, headerEnd, h.Length)
			if err != nil {
				return entry{}, err
			}
			e.name = name
			haveName = true
		case tlv.Data:
			e.dataOff = headerEnd
			e.dataSize = int64(h.Length)
			haveData = true
		case tlv.Date:
			if v, ok := readU32(r, headerEnd, h.Length); ok {
				e.mtime, e.ctime = v, v
			}
		case tlv.Attr:
			if v, ok := readU32(r, headerEnd, h.Length); ok {
				e.attr = Attr(v)
			}
		default:
			// Unreserved tag: skip.
		}
		off = payloadEnd
	}

	if !haveName {
		return entry{}, xerrors.Errorf("dmffs: FILE container missing NAME child")
	}
	if !haveData {
		// A FILE with no DATA child is still well-formed; treat it as a
		// zero-length file rather than an error.
	}
	return e, nil
}

// scanDir parses a DIR container's payload, [start, end), into an entry
// whose children are the recursively scanned nested FILE/DIR records. The
// first child must be a NAME TLV.
func scanDir(r *region.Region, start, end int64) (entry, error) {
	h, err := tlv.ReadHeader(r, start)
	if err != nil || h.Type != tlv.Name {
		return entry{}, xerrors.Errorf("dmffs: DIR container missing leading NAME child")
	}
	nameEnd := start + tlv.HeaderSize + int64(h.Length)
	if nameEnd > end {
		return entry{}, xerrors.Errorf("dmffs: DIR NAME child overruns container")
	}
	name, err := readName(r, start+tlv.HeaderSize, h.Length)
	if err != nil {
		return entry{}, err
	}

	children, err := scanContainer(r, nameEnd, end, false)
	if err != nil {
		return entry{}, err
	}
	return entry{name: name, isDir: true, children: children}, nil
}

// readName copies a NAME payload, truncating to 255 bytes per the
// in-storage name-buffer limit.
func readName(r *region.Region, offset int64, length uint32) (string, error) {
	n := int(length)
	if n > 255 {
		n = 255
	}
	buf := make([]byte, n)
	if _, err := tlv.ReadPayload(r, offset, buf); err != nil {
		return "", xerrors.Errorf("dmffs: reading NAME payload: %w", err)
	}
	return string(buf), nil
}

// readU32 reads a little-endian uint32 payload, returning ok=false if the
// payload isn't exactly 4 bytes (a malformed DATE/ATTR record is ignored
// rather than rejected, consistent with the scanner's general tolerance of
// ill-formed reserved-tag content).
func readU32(r *region.Region, offset int64, length uint32) (uint32, bool) {
	if length != 4 {
		return 0, false
	}
	var buf [4]byte
	if _, err := tlv.ReadPayload(r, offset, buf[:]); err != nil {
		return 0, false
	}
	return leUint32(buf[:]), true
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// splitPath strips a single optional leading slash and splits the
// remainder on "/", dropping empty components (so "a//b" and "a/b" and
// "/a/b" all resolve identically).
func splitPath(p string) []string {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "" || p == "." {
		return nil
	}
	return strings.Split(p, "/")
}

// resolve walks components against ctx's directory tree, descending
// through nested DIR entries. It returns the final
// entry and whether it was found.
func (c *Context) resolve(components []string) (entry, bool) {
	siblings := c.root
	var found entry
	if len(components) == 0 {
		return entry{isDir: true, children: c.root}, true
	}
	for i, name := range components {
		found = entry{}
		ok := false
		for _, e := range siblings {
			if e.name == name {
				found, ok = e, true
				break
			}
		}
		if !ok {
			return entry{}, false
		}
		if i < len(components)-1 {
			if !found.isDir {
				return entry{}, false
			}
			siblings = found.children
		}
	}
	return found, true
}

// dataBinEntry synthesizes the whole-region file view.
func (c *Context) dataBinEntry() entry {
	return entry{
		name:     reservedDataBin,
		attr:     AttrReadOnly,
		dataOff:  0,
		dataSize: c.region.Size(),
	}
}

// resolveFile resolves path to a file entry, honoring the always-present
// synthetic data.bin view.
func (c *Context) resolveFile(p string) (entry, error) {
	components := splitPath(p)
	if len(components) == 1 && components[0] == reservedDataBin {
		return c.dataBinEntry(), nil
	}
	if c.fallback {
		return entry{}, ErrNotFound
	}
	e, ok := c.resolve(components)
	if !ok || e.isDir {
		return entry{}, ErrNotFound
	}
	return e, nil
}

// resolveDir resolves path to a directory entry. The root ("" or "/")
// always resolves; nested paths resolve by descending the tree.
func (c *Context) resolveDir(p string) (entry, error) {
	components := splitPath(p)
	if len(components) == 0 {
		return entry{isDir: true, children: c.root}, nil
	}
	if c.fallback {
		return entry{}, ErrNotFound
	}
	e, ok := c.resolve(components)
	if !ok || !e.isDir {
		return entry{}, ErrNotFound
	}
	return e, nil
}

// Stat resolves path using the same rules as Open and returns its metadata
// without opening a handle.
func (c *Context) Stat(p string) (Info, error) {
	if err := c.checkOpen(); err != nil {
		return Info{}, err
	}
	e, err := c.resolveFile(p)
	if err != nil {
		return Info{}, err
	}
	return e.info(), nil
}
