// Package kbin provides appenders and a reader for the primitive types used
// to encode and decode the Kafka wire protocol: fixed-width integers,
// nullable strings, compact (varint-length) strings, and byte arrays.
//
// This mirrors the hand-maintained kbin helpers that the kmsg code generator
// calls into (AppendInt16, AppendInt32, Reader.Int32, ...); kproxy only needs
// the subset used by request/response headers and the ApiVersions body.
package kbin

import (
	"encoding/binary"
	"errors"
)

// ErrNotEnoughData is returned when a Reader runs out of input before a
// value has been fully decoded.
var ErrNotEnoughData = errors.New("kbin: not enough data to decode")

func AppendInt16(dst []byte, i int16) []byte {
	return append(dst, byte(i>>8), byte(i))
}

func AppendInt32(dst []byte, i int32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(i))
	return append(dst, buf[:]...)
}

func AppendUint32(dst []byte, i uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], i)
	return append(dst, buf[:]...)
}

func AppendString(dst []byte, s string) []byte {
	dst = AppendInt16(dst, int16(len(s)))
	return append(dst, s...)
}

func AppendNullableString(dst []byte, s *string) []byte {
	if s == nil {
		return AppendInt16(dst, -1)
	}
	return AppendString(dst, *s)
}

func AppendCompactString(dst []byte, s string) []byte {
	dst = AppendUvarint(dst, uint64(len(s)+1))
	return append(dst, s...)
}

func AppendUvarint(dst []byte, u uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], u)
	return append(dst, buf[:n]...)
}

func AppendArrayLen(dst []byte, l int) []byte {
	return AppendInt32(dst, int32(l))
}

// AppendTagBuffer appends an empty tagged-field section, the trailer every
// flexible (v3+-style) Kafka message carries after its body. kproxy never
// synthesizes tagged fields of its own, so this is always the zero-entry form.
func AppendTagBuffer(dst []byte) []byte {
	return AppendUvarint(dst, 0)
}

// Reader sequentially decodes primitives from Src, recording the first
// error encountered so callers can check once at the end via Complete.
type Reader struct {
	Src []byte
	err error
}

func (b *Reader) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *Reader) Int16() int16 {
	if len(b.Src) < 2 {
		b.fail(ErrNotEnoughData)
		return 0
	}
	v := int16(binary.BigEndian.Uint16(b.Src))
	b.Src = b.Src[2:]
	return v
}

func (b *Reader) Int32() int32 {
	if len(b.Src) < 4 {
		b.fail(ErrNotEnoughData)
		return 0
	}
	v := int32(binary.BigEndian.Uint32(b.Src))
	b.Src = b.Src[4:]
	return v
}

func (b *Reader) String() string {
	l := b.Int16()
	if b.err != nil || l < 0 {
		return ""
	}
	if len(b.Src) < int(l) {
		b.fail(ErrNotEnoughData)
		return ""
	}
	s := string(b.Src[:l])
	b.Src = b.Src[l:]
	return s
}

func (b *Reader) NullableString() *string {
	l := b.Int16()
	if b.err != nil || l < 0 {
		return nil
	}
	if len(b.Src) < int(l) {
		b.fail(ErrNotEnoughData)
		return nil
	}
	s := string(b.Src[:l])
	b.Src = b.Src[l:]
	return &s
}

func (b *Reader) Uvarint() uint64 {
	v, n := binary.Uvarint(b.Src)
	if n <= 0 {
		b.fail(ErrNotEnoughData)
		return 0
	}
	b.Src = b.Src[n:]
	return v
}

func (b *Reader) ArrayLen() int32 {
	return b.Int32()
}

// CompactString decodes a flexible-version compact string: a uvarint of
// len+1 followed by the raw bytes. 0 denotes null, which has no business
// appearing where a non-nullable compact string is expected.
func (b *Reader) CompactString() string {
	n := b.Uvarint()
	if b.err != nil {
		return ""
	}
	if n == 0 {
		b.fail(ErrNotEnoughData)
		return ""
	}
	l := int(n - 1)
	if len(b.Src) < l {
		b.fail(ErrNotEnoughData)
		return ""
	}
	s := string(b.Src[:l])
	b.Src = b.Src[l:]
	return s
}

// TagBuffer consumes a flexible message's trailing tagged-field section.
// kproxy doesn't interpret any tags, so every entry is skipped by its
// declared size.
func (b *Reader) TagBuffer() {
	n := b.Uvarint()
	for i := uint64(0); i < n && b.err == nil; i++ {
		b.Uvarint() // tag id, unused
		sz := b.Uvarint()
		b.Span(int(sz))
	}
}

func (b *Reader) Span(n int) []byte {
	if len(b.Src) < n {
		b.fail(ErrNotEnoughData)
		return nil
	}
	s := b.Src[:n]
	b.Src = b.Src[n:]
	return s
}

// Complete returns the first decode error encountered, if any.
func (b *Reader) Complete() error {
	return b.err
}

// Uvarint mirrors the package-level helper used by record-batch decoding
// elsewhere in the Kafka protocol family; kept for symmetry with AppendUvarint.
func Uvarint(src []byte) (int64, int) {
	v, n := binary.Uvarint(src)
	return int64(v), n
}
