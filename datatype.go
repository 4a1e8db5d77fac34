// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"encoding/binary"
	"math"
	"reflect"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"
)

// Kind identifies the element type of a Datatype
type Kind uint8

const (
	KindByte Kind = iota + 1
	KindBool
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindInt
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
	KindStruct
)

// Datatype describes the elements of a message buffer.
//
// Primitive datatypes travel as little-endian values and expect a Go slice
// of the matching element type ([]int32 for Int32, []float64 for Float64 and
// so on; Byte and Uint8 both take []byte). Struct datatypes describe fixed
// size records laid out in a []byte.
type Datatype struct {
	name   string
	kind   Kind
	size   int // packed bytes per element
	extent int // buffer bytes per element (struct records include padding)
	fields []Field
	sig    uint64
	goType reflect.Type
}

// Field is one member of a struct datatype: Count elements of Type starting
// at byte Offset within the record.
type Field struct {
	Offset int
	Count  int
	Type   *Datatype
}

// Predefined datatypes
var (
	Byte    = newPrimitive("byte", KindByte, 1, []byte(nil))
	Bool    = newPrimitive("bool", KindBool, 1, []bool(nil))
	Int8    = newPrimitive("int8", KindInt8, 1, []int8(nil))
	Int16   = newPrimitive("int16", KindInt16, 2, []int16(nil))
	Int32   = newPrimitive("int32", KindInt32, 4, []int32(nil))
	Int64   = newPrimitive("int64", KindInt64, 8, []int64(nil))
	Int     = newPrimitive("int", KindInt, 8, []int(nil))
	Uint8   = newPrimitive("uint8", KindUint8, 1, []uint8(nil))
	Uint16  = newPrimitive("uint16", KindUint16, 2, []uint16(nil))
	Uint32  = newPrimitive("uint32", KindUint32, 4, []uint32(nil))
	Uint64  = newPrimitive("uint64", KindUint64, 8, []uint64(nil))
	Float32 = newPrimitive("float32", KindFloat32, 4, []float32(nil))
	Float64 = newPrimitive("float64", KindFloat64, 8, []float64(nil))
)

var bytesType = reflect.TypeOf([]byte(nil))

func newPrimitive(name string, kind Kind, size int, sample any) *Datatype {
	return &Datatype{
		name:   name,
		kind:   kind,
		size:   size,
		extent: size,
		sig:    xxhash.Checksum64([]byte{byte(kind), 1}),
		goType: reflect.TypeOf(sample),
	}
}

// NewStruct builds a record datatype with the given extent (bytes per record
// in the user buffer). Fields must be primitive and lie within the extent.
// Only field bytes are transmitted, in field order, so padding never travels.
// Field bytes are copied verbatim; peers must agree on the record layout.
func NewStruct(name string, extent int, fields ...Field) (*Datatype, error) {
	if extent <= 0 || len(fields) == 0 {
		return nil, errors.Wrapf(ErrBuffer, "struct %q: extent %d, %d fields", name, extent, len(fields))
	}
	var (
		size int
		h    = xxhash.New64()
	)
	for i, f := range fields {
		if f.Type == nil || f.Type.kind == KindStruct || f.Count <= 0 || f.Offset < 0 {
			return nil, errors.Wrapf(ErrBuffer, "struct %q: bad field %d", name, i)
		}
		if f.Offset+f.Count*f.Type.size > extent {
			return nil, errors.Wrapf(ErrBuffer, "struct %q: field %d overruns extent %d", name, i, extent)
		}
		size += f.Count * f.Type.size
		var sigBuf [5]byte
		sigBuf[0] = byte(f.Type.kind)
		binary.LittleEndian.PutUint32(sigBuf[1:], uint32(f.Count))
		h.Write(sigBuf[:])
	}
	return &Datatype{
		name:   name,
		kind:   KindStruct,
		size:   size,
		extent: extent,
		fields: append([]Field(nil), fields...),
		sig:    h.Sum64(),
		goType: bytesType,
	}, nil
}

func (dt *Datatype) String() string { return dt.name }

// Kind returns the element kind
func (dt *Datatype) Kind() Kind { return dt.kind }

// Size returns the number of bytes one element occupies on the wire
func (dt *Datatype) Size() int { return dt.size }

// Extent returns the number of buffer bytes one element occupies
func (dt *Datatype) Extent() int { return dt.extent }

// check validates that buf can hold count elements of dt.
func (dt *Datatype) check(buf any, count int) error {
	if dt == nil {
		return errors.Wrap(ErrBuffer, "nil datatype")
	}
	if count < 0 {
		return errors.Wrapf(ErrCount, "count %d", count)
	}
	if count == 0 && buf == nil {
		return nil
	}
	v := reflect.ValueOf(buf)
	if !v.IsValid() || v.Type() != dt.goType {
		return errors.Wrapf(ErrBuffer, "%T is not a %s buffer", buf, dt.name)
	}
	if need := count * (dt.extent / dt.elemWidth()); v.Len() < need {
		return errors.Wrapf(ErrBuffer, "%s buffer holds %d, need %d", dt.name, v.Len(), need)
	}
	return nil
}

// elemWidth is the size of one slice element of the Go buffer type.
func (dt *Datatype) elemWidth() int {
	if dt.kind == KindStruct {
		return 1
	}
	return dt.extent
}

// pack copies count elements from buf into a fresh wire buffer.
func (dt *Datatype) pack(buf any, count int) ([]byte, error) {
	if err := dt.check(buf, count); err != nil {
		return nil, err
	}
	out := make([]byte, count*dt.size)
	if count == 0 {
		return out, nil
	}
	switch b := buf.(type) {
	case []byte:
		if dt.kind != KindStruct {
			copy(out, b[:count])
			break
		}
		off := 0
		for i := 0; i < count; i++ {
			rec := b[i*dt.extent:]
			for _, f := range dt.fields {
				n := f.Count * f.Type.size
				copy(out[off:off+n], rec[f.Offset:f.Offset+n])
				off += n
			}
		}
	case []bool:
		for i, v := range b[:count] {
			if v {
				out[i] = 1
			}
		}
	case []int8:
		putInts(out, b[:count], 1)
	case []int16:
		putInts(out, b[:count], 2)
	case []int32:
		putInts(out, b[:count], 4)
	case []int64:
		putInts(out, b[:count], 8)
	case []int:
		putInts(out, b[:count], 8)
	case []uint16:
		putInts(out, b[:count], 2)
	case []uint32:
		putInts(out, b[:count], 4)
	case []uint64:
		putInts(out, b[:count], 8)
	case []float32:
		for i, v := range b[:count] {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
	case []float64:
		for i, v := range b[:count] {
			binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
		}
	}
	return out, nil
}

// unpack stores count packed elements from data into buf. The buffer has
// already been validated by check.
func (dt *Datatype) unpack(data []byte, buf any, count int) {
	if count == 0 {
		return
	}
	switch b := buf.(type) {
	case []byte:
		if dt.kind != KindStruct {
			copy(b[:count], data)
			return
		}
		off := 0
		for i := 0; i < count; i++ {
			rec := b[i*dt.extent:]
			for _, f := range dt.fields {
				n := f.Count * f.Type.size
				copy(rec[f.Offset:f.Offset+n], data[off:off+n])
				off += n
			}
		}
	case []bool:
		for i := range b[:count] {
			b[i] = data[i] != 0
		}
	case []int8:
		getInts(b[:count], data, 1)
	case []int16:
		getInts(b[:count], data, 2)
	case []int32:
		getInts(b[:count], data, 4)
	case []int64:
		getInts(b[:count], data, 8)
	case []int:
		getInts(b[:count], data, 8)
	case []uint16:
		getInts(b[:count], data, 2)
	case []uint32:
		getInts(b[:count], data, 4)
	case []uint64:
		getInts(b[:count], data, 8)
	case []float32:
		for i := range b[:count] {
			b[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	case []float64:
		for i := range b[:count] {
			b[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
		}
	}
}

type integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

func putInts[T integer](dst []byte, src []T, size int) {
	for i, v := range src {
		putUint(dst[i*size:], uint64(v), size)
	}
}

func getInts[T integer](dst []T, src []byte, size int) {
	for i := range dst {
		dst[i] = T(getUint(src[i*size:], size))
	}
}

func putUint(b []byte, v uint64, size int) {
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}

func getUint(b []byte, size int) uint64 {
	switch size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}
