// Package tlv implements the Type-Length-Value container format shared by
// the DMFFS image packer and the in-place reader.
//
// A record is an 8-byte header (4-byte type, 4-byte length, both
// little-endian) followed by exactly length payload bytes. length counts
// payload only; records are packed back to back with no padding.
package tlv

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// Type identifies the kind of a TLV record.
type Type uint32

const (
	Invalid Type = 0
	File    Type = 1
	Dir     Type = 2
	Version Type = 3
	Name    Type = 4
	Data    Type = 5
	Date    Type = 6
	Attr    Type = 7
	End     Type = 0xFFFFFFFF
)

func (t Type) String() string {
	switch t {
	case Invalid:
		return "INVALID"
	case File:
		return "FILE"
	case Dir:
		return "DIR"
	case Version:
		return "VERSION"
	case Name:
		return "NAME"
	case Data:
		return "DATA"
	case Date:
		return "DATE"
	case Attr:
		return "ATTR"
	case End:
		return "END"
	default:
		return "UNKNOWN"
	}
}

// HeaderSize is the fixed, unpadded size of a TLV header in bytes.
const HeaderSize = 8

// MaxLength is the largest payload a single record can carry: lengths are
// unsigned 32-bit, so a container or leaf cannot exceed 4 GiB - 1.
const MaxLength = 0xFFFFFFFF

// Header is the decoded form of a record's 8-byte prefix.
type Header struct {
	Type   Type
	Length uint32
}

// ErrShortRead is returned by ReadHeader when fewer than HeaderSize bytes
// remain in the region at the requested offset.
var ErrShortRead = xerrors.New("tlv: short read")

// Reader is the minimal surface ReadHeader/ReadPayload need: a
// bounds-checked, random-access byte source. *region.Region satisfies it.
type Reader interface {
	ReadAt(p []byte, off int64) (int, error)
}

// ReadHeader reads the 8-byte header at offset. It returns ErrShortRead,
// not io.EOF, when fewer than HeaderSize bytes are available: a truncated
// trailing header is an expected, tolerated condition for scanners, not an
// I/O failure.
func ReadHeader(r Reader, offset int64) (Header, error) {
	var buf [HeaderSize]byte
	n, err := r.ReadAt(buf[:], offset)
	if n < HeaderSize {
		if err != nil && err != io.EOF {
			return Header{}, xerrors.Errorf("tlv: reading header at %d: %w", offset, err)
		}
		return Header{}, ErrShortRead
	}
	return Header{
		Type:   Type(binary.LittleEndian.Uint32(buf[0:4])),
		Length: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// ReadPayload copies up to len(dst) bytes of a record's payload, which
// begins at offset (the byte immediately following that record's header),
// into dst. It returns the number of bytes actually copied, which may be
// less than len(dst) if the region ends first.
func ReadPayload(r Reader, offset int64, dst []byte) (int, error) {
	n, err := r.ReadAt(dst, offset)
	if err != nil && err != io.EOF {
		return n, xerrors.Errorf("tlv: reading payload at %d: %w", offset, err)
	}
	return n, nil
}

// WriteHeader emits an 8-byte header to sink.
func WriteHeader(sink io.Writer, typ Type, length uint32) error {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(typ))
	binary.LittleEndian.PutUint32(buf[4:8], length)
	if _, err := sink.Write(buf[:]); err != nil {
		return xerrors.Errorf("tlv: writing header: %w", err)
	}
	return nil
}

// WriteRecord emits a complete record: header followed by payload.
func WriteRecord(sink io.Writer, typ Type, payload []byte) error {
	if uint64(len(payload)) > MaxLength {
		return xerrors.Errorf("tlv: payload of %d bytes exceeds maximum record length", len(payload))
	}
	if err := WriteHeader(sink, typ, uint32(len(payload))); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := sink.Write(payload); err != nil {
		return xerrors.Errorf("tlv: writing payload: %w", err)
	}
	return nil
}

// RecordSize returns the total on-wire size (header + payload) a record of
// the given payload length occupies.
func RecordSize(payloadLen uint32) uint32 {
	return HeaderSize + payloadLen
}
