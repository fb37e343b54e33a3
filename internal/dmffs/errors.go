package dmffs

import "golang.org/x/xerrors"

// Sentinel errors mirror the OK/INVALID/NOT_FOUND/NO_SPACE/GENERAL taxonomy:
// every error dmffs returns either is one of these, or wraps one via
// xerrors.Errorf("...: %w", ...), so callers compare with errors.Is.
var (
	ErrInvalid  = xerrors.New("dmffs: invalid argument")
	ErrNotFound = xerrors.New("dmffs: not found")
	ErrNoSpace  = xerrors.New("dmffs: no space")
	ErrGeneral  = xerrors.New("dmffs: general failure")

	// ErrClosed is returned when a handle is used after its owning Context
	// (or the handle itself) has been closed; it wraps ErrInvalid.
	ErrClosed = xerrors.Errorf("dmffs: handle used after close: %w", ErrInvalid)
)
