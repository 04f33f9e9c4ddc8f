// Package byteio implements the cursor-based reader/writer the rest of the
// module uses to walk the packed DEX code stream. It is a direct adaptation
// of the teacher's byteio package (enjarify-go/byteio), generalized from
// panic-on-overrun to error-returning reads since this layer is a library
// surface, not a one-shot transpiler.
package byteio

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrShortRead is returned when a read would run past the end of the buffer.
var ErrShortRead = errors.New("byteio: short read")

// Reader is a forward-only cursor over an in-memory packed buffer.
type Reader struct {
	Data []byte
	Pos  uint32
}

func NewReader(data []byte) *Reader { return &Reader{Data: data} }

func (r *Reader) require(n uint32) error {
	if uint64(r.Pos)+uint64(n) > uint64(len(r.Data)) {
		return errors.Wrapf(ErrShortRead, "need %d bytes at offset %d, have %d", n, r.Pos, len(r.Data))
	}
	return nil
}

func (r *Reader) U8() (uint8, error) {
	if err := r.require(1); err != nil {
		return 0, err
	}
	b := r.Data[r.Pos]
	r.Pos++
	return b, nil
}

func (r *Reader) U16() (uint16, error) {
	lo, err := r.U8()
	if err != nil {
		return 0, err
	}
	hi, err := r.U8()
	if err != nil {
		return 0, err
	}
	return uint16(lo) | uint16(hi)<<8, nil
}

func (r *Reader) U32() (uint32, error) {
	lo, err := r.U16()
	if err != nil {
		return 0, err
	}
	hi, err := r.U16()
	if err != nil {
		return 0, err
	}
	return uint32(lo) | uint32(hi)<<16, nil
}

func (r *Reader) U64() (uint64, error) {
	lo, err := r.U32()
	if err != nil {
		return 0, err
	}
	hi, err := r.U32()
	if err != nil {
		return 0, err
	}
	return uint64(lo) | uint64(hi)<<32, nil
}

func (r *Reader) leb128() (result uint32, size uint32, err error) {
	for {
		b, e := r.U8()
		if e != nil {
			return 0, 0, e
		}
		if b <= 127 {
			result |= uint32(b) << size
			size += 7
			return result, size, nil
		}
		result |= uint32(b&0x7f) << size
		size += 7
	}
}

func (r *Reader) Uleb128() (uint32, error) {
	v, _, err := r.leb128()
	return v, err
}

func (r *Reader) Sleb128() (int32, error) {
	v, size, err := r.leb128()
	if err != nil {
		return 0, err
	}
	val := int32(v)
	if size < 32 && val >= 1<<(size-1) {
		val -= 1 << size
	}
	return val, nil
}

func (r *Reader) CStr() ([]byte, error) {
	var out []byte
	for {
		b, err := r.U8()
		if err != nil {
			return nil, err
		}
		if b == 0 {
			return out, nil
		}
		out = append(out, b)
	}
}

// Bytes reads n raw bytes without interpretation.
func (r *Reader) Bytes(n uint32) ([]byte, error) {
	if err := r.require(n); err != nil {
		return nil, err
	}
	out := r.Data[r.Pos : r.Pos+n]
	r.Pos += n
	return out, nil
}

// Writer accumulates a little-endian packed byte stream, matching DEX's
// on-disk endianness (unlike the teacher's JVM-targeting Writer, which
// defaults to big-endian for class file compatibility).
type Writer struct {
	bytes.Buffer
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) U8(v uint8) { w.WriteByte(v) }

func (w *Writer) U16(v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	w.Write(buf[:])
}

func (w *Writer) U32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	w.Write(buf[:])
}

func (w *Writer) U64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	w.Write(buf[:])
}

func (w *Writer) Uleb128(v uint32) {
	for v > 0x7f {
		w.U8(byte(v&0x7f) | 0x80)
		v >>= 7
	}
	w.U8(byte(v))
}

func (w *Writer) Sleb128(v int32) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			w.U8(b)
			return
		}
		w.U8(b | 0x80)
	}
}

func (w *Writer) CStr(s []byte) {
	w.Write(s)
	w.U8(0)
}
