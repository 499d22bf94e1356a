package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	version byte = 1
	hdrLen       = 4 + 1 + 8 + 4
)

var (
	ErrCorrupt = errors.New("tiercache: corrupt entry")
	magic4     = [...]byte{'T', 'C', 'H', 'E'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Encode frames payload with its absolute expiry.
// A zero deadline means the entry never expires.
//
//	magic(4) | ver(1) | deadline(i64 be, unix nanos) | vlen(u32 be) | payload(vlen)
func Encode(deadline time.Time, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(hdrLen + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)

	var u8 [8]byte
	var u4 [4]byte

	var dl int64
	if !deadline.IsZero() {
		dl = deadline.UnixNano()
	}
	binary.BigEndian.PutUint64(u8[:], uint64(dl))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// Decode returns the deadline (zero when the entry does not expire) and the
// payload. The payload aliases b.
func Decode(b []byte) (deadline time.Time, payload []byte, err error) {
	if len(b) < hdrLen || !hasMagic(b) || b[4] != version {
		return time.Time{}, nil, ErrCorrupt
	}

	off := 5
	dl := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off {
		return time.Time{}, nil, ErrCorrupt
	}

	if dl != 0 {
		deadline = time.Unix(0, dl)
	}
	return deadline, b[off : off+vlen], nil
}

// Remaining reports the lifetime left at now. ok is false once the deadline
// has passed. A zero deadline yields (0, true).
func Remaining(deadline, now time.Time) (ttl time.Duration, ok bool) {
	if deadline.IsZero() {
		return 0, true
	}
	ttl = deadline.Sub(now)
	if ttl <= 0 {
		return 0, false
	}
	return ttl, true
}
