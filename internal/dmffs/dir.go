package dmffs

// Dir is a handle returned by Context.OpenDir.
type Dir struct {
	ctx    *Context
	gen    uint64
	closed bool

	entries []entry
	cursor  int

	// isRoot and emittedFallback implement the directory
	// handle {cursor_offset, emitted_fallback_yet} pair: only the root
	// directory ever yields the synthetic data.bin entry, and only once,
	// after its real entries (if any) are exhausted.
	isRoot          bool
	emittedFallback bool
}

// OpenDir resolves p to a directory and returns a handle positioned before
// its first entry. The root ("" or "/") always resolves; nested paths
// resolve through nested directories. A path that does not resolve to a
// directory fails with ErrNotFound.
func (c *Context) OpenDir(p string) (*Dir, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	isRoot := len(splitPath(p)) == 0
	e, err := c.resolveDir(p)
	if err != nil {
		return nil, err
	}
	return &Dir{ctx: c, gen: c.gen, entries: e.children, isRoot: isRoot}, nil
}

func (d *Dir) checkOpen() error {
	if d == nil || d.closed {
		return ErrClosed
	}
	if err := d.ctx.checkOpen(); err != nil {
		return err
	}
	if d.ctx.gen != d.gen {
		return ErrClosed
	}
	return nil
}

// Read returns the next directory entry. Once the real entries (if any)
// are exhausted, a root directory handle yields the synthetic data.bin
// entry exactly once; after that, and for any exhausted non-root
// directory, Read returns ErrNotFound.
func (d *Dir) Read() (Info, error) {
	if err := d.checkOpen(); err != nil {
		return Info{}, err
	}
	if d.cursor < len(d.entries) {
		e := d.entries[d.cursor]
		d.cursor++
		return e.info(), nil
	}
	if d.isRoot && !d.emittedFallback {
		d.emittedFallback = true
		return d.ctx.dataBinEntry().info(), nil
	}
	return Info{}, ErrNotFound
}

// Close releases the handle. Using it afterward returns ErrClosed.
func (d *Dir) Close() error {
	if d == nil {
		return ErrInvalid
	}
	d.closed = true
	return nil
}
