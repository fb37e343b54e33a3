// Package fusebridge mounts a dmffs.Context read-only at a host mountpoint
// via github.com/jacobsa/fuse, so a developer can ls/cat a DMFFS image with
// ordinary Unix tools. It is a host-side inspection and integration-testing
// tool: a real embedded target calls internal/dmffs directly and never goes
// through a kernel filesystem driver.
package fusebridge

import (
	"context"
	"os"
	"path"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/xerrors"

	"github.com/choco-technologies/dmffs/internal/dmffs"
)

const rootInode = fuseops.RootInodeID // 1

// node is the FUSE-side record for one resolved dmffs path.
type node struct {
	path  string // dmffs path ("" for root)
	isDir bool
	info  dmffs.Info // zero value for the root and other directories
}

type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	ctx *dmffs.Context

	mu          sync.Mutex
	nodes       map[fuseops.InodeID]*node
	inodeByPath map[string]fuseops.InodeID
	nextInode   fuseops.InodeID
}

// Mount mounts ctx's filesystem read-only at mountpoint and returns the
// mounted filesystem, whose Join method blocks until the mount is
// unmounted (e.g. in response to a signal the caller handles). Unmounting is the caller's responsibility,
// typically via fuse.Unmount(mountpoint) from a signal handler.
func Mount(ctx *dmffs.Context, mountpoint string) (*fuse.MountedFileSystem, error) {
	fs := &fileSystem{
		ctx:         ctx,
		nodes:       map[fuseops.InodeID]*node{rootInode: {path: "", isDir: true}},
		inodeByPath: map[string]fuseops.InodeID{"": rootInode},
		nextInode:   rootInode + 1,
	}

	server := fuseutil.NewFileSystemServer(fs)
	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:   "dmffs",
		ReadOnly: true,
		Options: map[string]string{
			"allow_other": "",
		},
		// A DMFFS handle carries no state the bridge needs across a
		// kernel-visible open, so let the kernel skip that round trip.
		EnableNoOpenSupport:    true,
		EnableNoOpendirSupport: true,
	})
	if err != nil {
		return nil, xerrors.Errorf("fusebridge: mount: %w", err)
	}
	return mfs, nil
}

// childPath joins a dmffs parent path and a single entry name.
func childPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return path.Join(parent, name)
}

// lookupChild resolves name inside the directory at parentPath, returning
// its node (allocating an inode on first sight) or ok=false if it doesn't
// exist.
func (fs *fileSystem) lookupChild(parentPath, name string) (*node, bool) {
	cp := childPath(parentPath, name)

	fs.mu.Lock()
	if inode, ok := fs.inodeByPath[cp]; ok {
		fs.mu.Unlock()
		return fs.nodes[inode], true
	}
	fs.mu.Unlock()

	if d, err := fs.ctx.OpenDir(cp); err == nil {
		d.Close()
		return fs.internNode(cp, &node{path: cp, isDir: true}), true
	}
	if info, err := fs.ctx.Stat(cp); err == nil {
		return fs.internNode(cp, &node{path: cp, info: info}), true
	}
	return nil, false
}

func (fs *fileSystem) internNode(p string, n *node) *node {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if inode, ok := fs.inodeByPath[p]; ok {
		return fs.nodes[inode]
	}
	inode := fs.nextInode
	fs.nextInode++
	fs.inodeByPath[p] = inode
	fs.nodes[inode] = n
	return n
}

func (fs *fileSystem) nodeByInode(id fuseops.InodeID) (*node, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.nodes[id]
	return n, ok
}

func (fs *fileSystem) inodeForPath(p string) (fuseops.InodeID, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	id, ok := fs.inodeByPath[p]
	return id, ok
}

// attributesFor builds a fuseops.InodeAttributes for n. The DMFFS image is
// immutable, so every attribute is stable for the lifetime of the mount.
func attributesFor(n *node) fuseops.InodeAttributes {
	if n.isDir {
		return fuseops.InodeAttributes{
			Nlink: 1,
			Mode:  os.ModeDir | 0555,
		}
	}
	mtime := time.Unix(int64(n.info.Mtime), 0)
	return fuseops.InodeAttributes{
		Size:  uint64(n.info.Size),
		Nlink: 1,
		Mode:  0444,
		Atime: mtime,
		Mtime: mtime,
		Ctime: mtime,
	}
}

func (fs *fileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = 4096
	op.Blocks = 1
	op.IoSize = 65536
	return nil
}

func (fs *fileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parent, ok := fs.nodeByInode(op.Parent)
	if !ok || !parent.isDir {
		return fuse.ENOENT
	}
	child, ok := fs.lookupChild(parent.path, op.Name)
	if !ok {
		return fuse.ENOENT
	}
	inode, _ := fs.inodeForPath(child.path)
	op.Entry.Child = inode
	op.Entry.Attributes = attributesFor(child)
	return nil
}

func (fs *fileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	n, ok := fs.nodeByInode(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	op.Attributes = attributesFor(n)
	return nil
}

// OpenDir and OpenFile both return ENOSYS: a DMFFS handle carries no
// per-open state the bridge needs, so the kernel is told to skip the
// round trip.

func (fs *fileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	return fuse.ENOSYS
}

func (fs *fileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	return fuse.ENOSYS
}

func (fs *fileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	n, ok := fs.nodeByInode(op.Inode)
	if !ok || !n.isDir {
		return fuse.EIO
	}

	d, err := fs.ctx.OpenDir(n.path)
	if err != nil {
		return fuse.EIO
	}
	defer d.Close()

	var entries []fuseutil.Dirent
	for {
		info, err := d.Read()
		if err != nil {
			break
		}
		child, ok := fs.lookupChild(n.path, info.Name)
		if !ok {
			continue
		}
		inode, _ := fs.inodeForPath(child.path)
		typ := fuseutil.DT_File
		if info.IsDir {
			typ = fuseutil.DT_Directory
		}
		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(len(entries) + 1),
			Inode:  inode,
			Name:   info.Name,
			Type:   typ,
		})
	}

	if op.Offset > fuseops.DirOffset(len(entries)) {
		return fuse.EIO
	}
	for _, e := range entries[op.Offset:] {
		wrote := fuseutil.WriteDirent(op.Dst[op.BytesRead:], e)
		if wrote == 0 {
			break
		}
		op.BytesRead += wrote
	}
	return nil
}

func (fs *fileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	n, ok := fs.nodeByInode(op.Inode)
	if !ok || n.isDir {
		return fuse.EIO
	}

	f, err := fs.ctx.Open(n.path, dmffs.ModeReadOnly, 0)
	if err != nil {
		return fuse.EIO
	}
	defer f.Close()

	if _, err := f.Seek(op.Offset, dmffs.SeekSet); err != nil {
		return fuse.EIO
	}
	read, err := f.Read(op.Dst)
	op.BytesRead = read
	if err != nil {
		return fuse.EIO
	}
	return nil
}
