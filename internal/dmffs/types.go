package dmffs

import "io"

// OpenMode mirrors POSIX's RDONLY/WRONLY/RDWR/CREAT/TRUNC open flags. Only
// ModeReadOnly ever succeeds against this read-only filesystem; every other
// bit makes Open return ErrInvalid.
type OpenMode uint32

const (
	ModeReadOnly  OpenMode = 0
	ModeWriteOnly OpenMode = 1 << 0
	ModeReadWrite OpenMode = 1 << 1
	ModeCreate    OpenMode = 1 << 2
	ModeTrunc     OpenMode = 1 << 3
)

func (m OpenMode) wantsWrite() bool {
	return m&(ModeWriteOnly|ModeReadWrite|ModeCreate|ModeTrunc) != 0
}

// Attr is the attribute bitmask carried by a FILE's optional ATTR child.
type Attr uint32

// AttrReadOnly is the only attribute bit this package defines and the only
// one the packer emits; a FILE's ATTR payload is reported as stored, other
// bits included.
const AttrReadOnly Attr = 1 << 0

// Seek whence values are io.Seeker's; SeekSet/SeekCur/SeekEnd are provided
// as aliases so callers translating from a POSIX-style fseek API don't
// need to import "io" themselves.
const (
	SeekSet = io.SeekStart
	SeekCur = io.SeekCurrent
	SeekEnd = io.SeekEnd
)

// Info is the result of Stat and of a directory Read: everything a caller
// can learn about an entry without opening it.
type Info struct {
	Name  string
	Size  int64
	Attr  Attr
	Mtime uint32
	Ctime uint32
	Atime uint32
	IsDir bool
}
