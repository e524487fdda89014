package parser

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/exp/constraints"
)

// reader walks a byte slice with big endian decodes. Reads past the end set
// the short flag instead of panicking; callers check it once per frame.
type reader struct {
	data  []byte
	off   int
	short bool
}

func newReader(data []byte) *reader {
	return &reader{data: data}
}

func (r *reader) next(n int) []byte {
	if r.off+n > len(r.data) {
		r.short = true
		r.off = len(r.data)
		return make([]byte, n)
	}
	out := r.data[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) remaining() int {
	return len(r.data) - r.off
}

func (r *reader) u8() uint8 {
	return r.next(1)[0]
}

func (r *reader) u16() uint16 {
	return binary.BigEndian.Uint16(r.next(2))
}

func (r *reader) u32() uint32 {
	return binary.BigEndian.Uint32(r.next(4))
}

func (r *reader) u64() uint64 {
	return binary.BigEndian.Uint64(r.next(8))
}

// count reads a record or element count: one byte in Codec 8, two in 8E.
func (r *reader) count(extended bool) uint16 {
	if extended {
		return r.u16()
	}
	return uint16(r.u8())
}

// id reads an IO element id: one byte in Codec 8, two in 8E.
func (r *reader) id(extended bool) uint16 {
	if extended {
		return r.u16()
	}
	return uint16(r.u8())
}

func streamToNumber[T constraints.Integer | constraints.Float](data []byte) (T, error) {
	var result T
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, &result); err != nil {
		return *new(T), err
	}
	return result, nil
}
