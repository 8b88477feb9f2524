package binary

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"
)

// Decoding errors.
var (
	ErrOverflow    = errors.New("leb128: integer too large")
	ErrInvalidUTF8 = errors.New("invalid UTF-8 in name")
)

// Reader decodes WebAssembly primitives from an in-memory byte slice and
// tracks the absolute position for error reporting.
type Reader struct {
	data []byte
	pos  int
	base int
}

// NewReader creates a new Reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Position returns the absolute byte position.
func (r *Reader) Position() int {
	return r.base + r.pos
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.data) - r.pos
}

// Sub returns a reader over the next n bytes and advances past them.
// The sub-reader reports positions relative to the parent's data.
func (r *Reader) Sub(n int) (*Reader, error) {
	if n < 0 || n > r.Len() {
		return nil, r.wrapError(io.ErrUnexpectedEOF)
	}
	sub := &Reader{data: r.data[r.pos : r.pos+n], base: r.base + r.pos}
	r.pos += n
	return sub, nil
}

// ReadByte reads a single byte and advances the position.
func (r *Reader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// ReadBytes reads exactly n bytes. The returned slice is a copy.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 || n > r.Len() {
		return nil, r.wrapError(io.ErrUnexpectedEOF)
	}
	buf := make([]byte, n)
	copy(buf, r.data[r.pos:])
	r.pos += n
	return buf, nil
}

// ReadRemaining reads all remaining bytes.
func (r *Reader) ReadRemaining() ([]byte, error) {
	return r.ReadBytes(r.Len())
}

func (r *Reader) readByteEOF() (byte, error) {
	b, err := r.ReadByte()
	if err == io.EOF {
		return 0, r.wrapError(io.ErrUnexpectedEOF)
	}
	return b, err
}

// ReadU32 reads an unsigned LEB128 encoded uint32 of at most 5 bytes.
func (r *Reader) ReadU32() (uint32, error) {
	v, err := r.readUnsigned(32)
	return uint32(v), err
}

// ReadU64 reads an unsigned LEB128 encoded uint64 of at most 10 bytes.
func (r *Reader) ReadU64() (uint64, error) {
	return r.readUnsigned(64)
}

// ReadS32 reads a signed LEB128 encoded int32.
func (r *Reader) ReadS32() (int32, error) {
	v, err := r.readSigned(32)
	return int32(v), err
}

// ReadS33 reads a signed 33-bit LEB128 value, the encoding of block types.
func (r *Reader) ReadS33() (int64, error) {
	return r.readSigned(33)
}

// ReadS64 reads a signed LEB128 encoded int64.
func (r *Reader) ReadS64() (int64, error) {
	return r.readSigned(64)
}

func (r *Reader) readUnsigned(bits uint) (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.readByteEOF()
		if err != nil {
			return 0, err
		}
		if shift+7 > bits {
			// Final byte: no continuation, no bits beyond the width.
			if b&0x80 != 0 || uint64(b)>>(bits-shift) != 0 {
				return 0, r.wrapError(ErrOverflow)
			}
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
}

func (r *Reader) readSigned(bits uint) (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	for {
		b, err = r.readByteEOF()
		if err != nil {
			return 0, err
		}
		if shift+7 > bits {
			if b&0x80 != 0 {
				return 0, r.wrapError(ErrOverflow)
			}
			// Unused high bits must be a sign extension of the last used bit.
			used := bits - shift
			rest := int8(b<<1) >> (used)
			if rest != 0 && rest != -1 {
				return 0, r.wrapError(ErrOverflow)
			}
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= ^int64(0) << shift
	}
	return result, nil
}

// ReadF32 reads a little-endian IEEE 754 single.
func (r *Reader) ReadF32() (float32, error) {
	v, err := r.ReadU32LE()
	return math.Float32frombits(v), err
}

// ReadF64 reads a little-endian IEEE 754 double.
func (r *Reader) ReadF64() (float64, error) {
	if r.Len() < 8 {
		return 0, r.wrapError(io.ErrUnexpectedEOF)
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return math.Float64frombits(v), nil
}

// ReadName reads a UTF-8 encoded name (length-prefixed byte sequence).
func (r *Reader) ReadName() (string, error) {
	length, err := r.ReadU32()
	if err != nil {
		return "", err
	}
	data, err := r.ReadBytes(int(length))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", r.wrapError(ErrInvalidUTF8)
	}
	return string(data), nil
}

// ReadU32LE reads a little-endian uint32 (fixed 4 bytes).
func (r *Reader) ReadU32LE() (uint32, error) {
	if r.Len() < 4 {
		return 0, r.wrapError(io.ErrUnexpectedEOF)
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) wrapError(err error) error {
	return fmt.Errorf("at position %d: %w", r.Position(), err)
}

// ParseError represents an error during binary parsing with position information.
type ParseError struct {
	Err      error
	Section  string
	Position int
}

func (e *ParseError) Error() string {
	if e.Section != "" {
		return fmt.Sprintf("wasm: %s at position %d: %v", e.Section, e.Position, e.Err)
	}
	return fmt.Sprintf("wasm: at position %d: %v", e.Position, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// WrapError creates a ParseError with the current position.
func (r *Reader) WrapError(section string, err error) error {
	var pe *ParseError
	if errors.As(err, &pe) {
		return err
	}
	return &ParseError{
		Position: r.Position(),
		Section:  section,
		Err:      err,
	}
}
