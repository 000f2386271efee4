// Package lfsbin is the on-disk primitive codec for lfs3: big-endian
// 16-bit tags, little-endian 32-bit words, and LEB128 varints.
// Grounded on the teacher's
// lib/binstruct/binint package (explicit MarshalBinary/UnmarshalBinary
// pairs per fixed-width integer type, returning (n int, err error))
// generalized here to the variable-width encodings spec.md §3/§6
// require (leb128 weight/size fields) that binstruct's static-size
// struct-tag reflection can't express directly.
package lfsbin

import (
	"encoding/binary"
	"fmt"
)

// ErrShort is returned when a buffer is too small to hold the value
// being decoded, mirroring binutil.NeedNBytes in the teacher repo.
type ErrShort struct {
	Need, Have int
}

func (e *ErrShort) Error() string {
	return fmt.Sprintf("lfsbin: need %d bytes, have %d", e.Need, e.Have)
}

func needNBytes(dat []byte, n int) error {
	if len(dat) < n {
		return &ErrShort{Need: n, Have: len(dat)}
	}
	return nil
}

// BE16 is a big-endian 16-bit tag word (spec.md §3: "be16 tag").
type BE16 uint16

func (BE16) StaticSize() int { return 2 }

func (x BE16) MarshalBinary() ([]byte, error) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], uint16(x))
	return buf[:], nil
}

func (x *BE16) UnmarshalBinary(dat []byte) (int, error) {
	if err := needNBytes(dat, 2); err != nil {
		return 0, err
	}
	*x = BE16(binary.BigEndian.Uint16(dat))
	return 2, nil
}

// LE32 is a little-endian 32-bit word (spec.md §3: "le32 revision",
// "le32 crc32c").
type LE32 uint32

func (LE32) StaticSize() int { return 4 }

func (x LE32) MarshalBinary() ([]byte, error) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(x))
	return buf[:], nil
}

func (x *LE32) UnmarshalBinary(dat []byte) (int, error) {
	if err := needNBytes(dat, 4); err != nil {
		return 0, err
	}
	*x = LE32(binary.LittleEndian.Uint32(dat))
	return 4, nil
}

// MaxLeb128Len32 is the maximum number of bytes a leb128-encoded value
// up to 32 bits wide (spec.md's weight is <=31 bits, size <=28 bits)
// can occupy.
const MaxLeb128Len32 = 5

// PutUleb128 appends the LEB128 encoding of v to buf and returns the
// result.
func PutUleb128(buf []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			return buf
		}
	}
}

// Uleb128Size returns the number of bytes PutUleb128 would emit for v.
func Uleb128Size(v uint32) int {
	n := 1
	for v >>= 7; v != 0; v >>= 7 {
		n++
	}
	return n
}

// GetUleb128 decodes a LEB128 varint from the front of dat, returning
// the value and the number of bytes consumed. An error is returned if
// dat ends before a terminating byte (high bit clear) is seen, or if
// the value would overflow 32 bits.
func GetUleb128(dat []byte) (uint32, int, error) {
	var v uint32
	var shift uint
	for i := 0; i < len(dat); i++ {
		b := dat[i]
		if shift >= 32 {
			return 0, 0, fmt.Errorf("lfsbin: leb128 overflows 32 bits")
		}
		v |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, &ErrShort{Need: 1, Have: 0}
}

// Sleb128 variants are unused on-disk by lfs3 (all leb128 fields are
// unsigned weights/sizes/mids per spec.md §6), so only unsigned
// helpers are provided — a signed codec would be dead code.
