// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// opKind tags every operation the runtime performs. Collective traffic uses
// it to build tags, metrics use it as a label.
type opKind uint8

const (
	opSend opKind = iota + 1
	opRecv
	opSsend
	opBcast
	opScatter
	opGather
	opAllgather
	opReduce
	opAllreduce
	opAlltoall
	opScan
	opBarrier
)

var opKindNames = map[opKind]string{
	opSend:      "send",
	opRecv:      "recv",
	opSsend:     "ssend",
	opBcast:     "bcast",
	opScatter:   "scatter",
	opGather:    "gather",
	opAllgather: "allgather",
	opReduce:    "reduce",
	opAllreduce: "allreduce",
	opAlltoall:  "alltoall",
	opScan:      "scan",
	opBarrier:   "barrier",
}

func (k opKind) String() string {
	if s, ok := opKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// collTag builds the tag of one round of a collective.
func collTag(k opKind, round int) int {
	return int(k)<<8 | round&0xff
}

type opCode uint8

const (
	opUser opCode = iota
	opSum
	opProd
	opMax
	opMin
	opLAND
	opLOR
	opLXOR
	opBAND
	opBOR
	opBXOR
)

// OpFunc combines count packed elements of dt element-wise:
// acc[i] = acc[i] (op) in[i]. acc is always the left operand and holds the
// partial result of the lower ranks.
type OpFunc func(acc, in []byte, count int, dt *Datatype)

// Op is a reduction operator
type Op struct {
	name string
	code opCode
	fn   OpFunc
}

// Predefined reduction operators
var (
	OpSum  = &Op{name: "sum", code: opSum}
	OpProd = &Op{name: "prod", code: opProd}
	OpMax  = &Op{name: "max", code: opMax}
	OpMin  = &Op{name: "min", code: opMin}
	OpLAND = &Op{name: "land", code: opLAND} // logical AND
	OpLOR  = &Op{name: "lor", code: opLOR}   // logical OR
	OpLXOR = &Op{name: "lxor", code: opLXOR} // logical XOR
	OpBAND = &Op{name: "band", code: opBAND} // bitwise AND
	OpBOR  = &Op{name: "bor", code: opBOR}   // bitwise OR
	OpBXOR = &Op{name: "bxor", code: opBXOR} // bitwise XOR
)

// NewOp defines a reduction operator from fn. Reductions apply operands in
// rank order, so fn need not be commutative, but it must be associative.
func NewOp(name string, fn OpFunc) *Op {
	return &Op{name: name, code: opUser, fn: fn}
}

func (o *Op) String() string { return o.name }

// supports reports whether o can reduce elements of dt.
func (o *Op) supports(dt *Datatype) bool {
	if o.fn != nil {
		return true
	}
	switch dt.kind {
	case KindBool:
		return o.code == opLAND || o.code == opLOR || o.code == opLXOR
	case KindFloat32, KindFloat64:
		return o.code == opSum || o.code == opProd || o.code == opMax || o.code == opMin
	case KindStruct:
		return false
	}
	return true
}

func (o *Op) validate(dt *Datatype) error {
	if o == nil {
		return errors.Wrap(ErrOp, "nil op")
	}
	if dt == nil {
		return errors.Wrap(ErrBuffer, "nil datatype")
	}
	if !o.supports(dt) {
		return errors.Wrapf(ErrOp, "%s is not defined on %s", o.name, dt.name)
	}
	return nil
}

// reduce folds in into acc. Callers validate the op first.
func (o *Op) reduce(acc, in []byte, count int, dt *Datatype) {
	if o.fn != nil {
		o.fn(acc, in, count, dt)
		return
	}
	switch dt.kind {
	case KindByte, KindUint8:
		combineInts[uint8](o.code, acc, in, count, 1)
	case KindInt8:
		combineInts[int8](o.code, acc, in, count, 1)
	case KindInt16:
		combineInts[int16](o.code, acc, in, count, 2)
	case KindUint16:
		combineInts[uint16](o.code, acc, in, count, 2)
	case KindInt32:
		combineInts[int32](o.code, acc, in, count, 4)
	case KindUint32:
		combineInts[uint32](o.code, acc, in, count, 4)
	case KindInt64, KindInt:
		combineInts[int64](o.code, acc, in, count, 8)
	case KindUint64:
		combineInts[uint64](o.code, acc, in, count, 8)
	case KindFloat32:
		f := floatOp[float32](o.code)
		for i := 0; i < count; i++ {
			a := math.Float32frombits(binary.LittleEndian.Uint32(acc[i*4:]))
			b := math.Float32frombits(binary.LittleEndian.Uint32(in[i*4:]))
			binary.LittleEndian.PutUint32(acc[i*4:], math.Float32bits(f(a, b)))
		}
	case KindFloat64:
		f := floatOp[float64](o.code)
		for i := 0; i < count; i++ {
			a := math.Float64frombits(binary.LittleEndian.Uint64(acc[i*8:]))
			b := math.Float64frombits(binary.LittleEndian.Uint64(in[i*8:]))
			binary.LittleEndian.PutUint64(acc[i*8:], math.Float64bits(f(a, b)))
		}
	case KindBool:
		for i := 0; i < count; i++ {
			a, b := acc[i] != 0, in[i] != 0
			var r bool
			switch o.code {
			case opLAND:
				r = a && b
			case opLOR:
				r = a || b
			case opLXOR:
				r = a != b
			}
			acc[i] = 0
			if r {
				acc[i] = 1
			}
		}
	}
}

func combineInts[T integer](code opCode, acc, in []byte, count, size int) {
	f := intOp[T](code)
	for i := 0; i < count; i++ {
		off := i * size
		a := T(getUint(acc[off:], size))
		b := T(getUint(in[off:], size))
		putUint(acc[off:], uint64(f(a, b)), size)
	}
}

func intOp[T integer](code opCode) func(a, b T) T {
	switch code {
	case opSum:
		return func(a, b T) T { return a + b }
	case opProd:
		return func(a, b T) T { return a * b }
	case opMax:
		return func(a, b T) T { return max(a, b) }
	case opMin:
		return func(a, b T) T { return min(a, b) }
	case opLAND:
		return func(a, b T) T { return truth[T](a != 0 && b != 0) }
	case opLOR:
		return func(a, b T) T { return truth[T](a != 0 || b != 0) }
	case opLXOR:
		return func(a, b T) T { return truth[T]((a != 0) != (b != 0)) }
	case opBAND:
		return func(a, b T) T { return a & b }
	case opBOR:
		return func(a, b T) T { return a | b }
	default:
		return func(a, b T) T { return a ^ b }
	}
}

func truth[T integer](b bool) T {
	if b {
		return 1
	}
	return 0
}

func floatOp[T float32 | float64](code opCode) func(a, b T) T {
	switch code {
	case opProd:
		return func(a, b T) T { return a * b }
	case opMax:
		return func(a, b T) T { return max(a, b) }
	case opMin:
		return func(a, b T) T { return min(a, b) }
	default:
		return func(a, b T) T { return a + b }
	}
}
