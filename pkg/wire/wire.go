// Package wire holds the protobuf wire-format helpers shared by every
// encoded message in datanet. Messages are hand-laid protobuf: field numbers
// are stable and zero values are omitted, so encodings are deterministic and
// safe to hash and sign.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

type Number = protowire.Number

// Encoder appends fields to a protobuf encoded buffer.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	return &Encoder{}
}

func (e *Encoder) Bytes(num Number, v []byte) *Encoder {
	if len(v) == 0 {
		return e
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, v)
	return e
}

func (e *Encoder) String(num Number, v string) *Encoder {
	if v == "" {
		return e
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, v)
	return e
}

func (e *Encoder) Uint64(num Number, v uint64) *Encoder {
	if v == 0 {
		return e
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
	return e
}

// Int32 uses protobuf int32 encoding (sign extended varint).
func (e *Encoder) Int32(num Number, v int32) *Encoder {
	return e.Uint64(num, uint64(int64(v)))
}

func (e *Encoder) Int64(num Number, v int64) *Encoder {
	return e.Uint64(num, uint64(v))
}

func (e *Encoder) Bool(num Number, v bool) *Encoder {
	if !v {
		return e
	}
	return e.Uint64(num, 1)
}

// Message appends a nested message. Empty nested messages are still written
// so presence survives the round trip.
func (e *Encoder) Message(num Number, v []byte) *Encoder {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, v)
	return e
}

func (e *Encoder) Encode() []byte {
	return e.buf
}

// Field is one decoded field. Bytes is set for length delimited fields and
// Varint for varint fields.
type Field struct {
	Num    Number
	Type   protowire.Type
	Bytes  []byte
	Varint uint64
}

func (f Field) Int32() int32 {
	return int32(int64(f.Varint))
}

func (f Field) Int64() int64 {
	return int64(f.Varint)
}

func (f Field) String() string {
	return string(f.Bytes)
}

// CopyBytes returns a copy of the field bytes detached from the input buffer.
func (f Field) CopyBytes() []byte {
	if f.Bytes == nil {
		return nil
	}
	b := make([]byte, len(f.Bytes))
	copy(b, f.Bytes)
	return b
}

// Decode walks every field of buf and calls fn for each varint and length
// delimited field. Other wire types are skipped.
func Decode(buf []byte, fn func(Field) error) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fmt.Errorf("failed to decode tag: %w", protowire.ParseError(n))
		}
		buf = buf[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return fmt.Errorf("failed to decode field %d: %w", num, protowire.ParseError(n))
			}
			buf = buf[n:]
			if err := fn(Field{Num: num, Type: typ, Varint: v}); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return fmt.Errorf("failed to decode field %d: %w", num, protowire.ParseError(n))
			}
			buf = buf[n:]
			if err := fn(Field{Num: num, Type: typ, Bytes: v}); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return fmt.Errorf("failed to skip field %d: %w", num, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	return nil
}
