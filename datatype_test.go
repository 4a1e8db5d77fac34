// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackUnpackPrimitive(t *testing.T) {
	require := require.New(t)

	in := []int32{1, -2, math.MaxInt32, math.MinInt32}
	data, err := Int32.pack(in, len(in))
	require.NoError(err)
	require.Len(data, 16)
	require.Equal(uint32(0xfffffffe), binary.LittleEndian.Uint32(data[4:]))

	out := make([]int32, 4)
	Int32.unpack(data, out, 4)
	require.Equal(in, out)

	flags := []bool{true, false, true}
	data, err = Bool.pack(flags, 3)
	require.NoError(err)
	require.Equal([]byte{1, 0, 1}, data)
}

func TestPackCopiesBuffer(t *testing.T) {
	require := require.New(t)

	buf := []float64{1.5, 2.5}
	data, err := Float64.pack(buf, 2)
	require.NoError(err)
	buf[0] = 99

	out := make([]float64, 2)
	Float64.unpack(data, out, 2)
	require.Equal([]float64{1.5, 2.5}, out)
}

func TestCheckBuffer(t *testing.T) {
	tests := []struct {
		name  string
		dt    *Datatype
		buf   any
		count int
		err   error
	}{
		{"ok", Int64, make([]int64, 4), 4, nil},
		{"prefix", Int64, make([]int64, 4), 2, nil},
		{"empty nil", Float32, nil, 0, nil},
		{"wrong type", Int64, make([]int32, 4), 4, ErrBuffer},
		{"short", Uint16, make([]uint16, 3), 4, ErrBuffer},
		{"negative count", Byte, []byte{}, -1, ErrCount},
		{"nil datatype", nil, []byte{}, 0, ErrBuffer},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.dt.check(tt.buf, tt.count)
			if tt.err == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestStructOmitsPadding(t *testing.T) {
	require := require.New(t)

	// record: int32 at 0, 4 bytes of padding, float64 at 8
	point, err := NewStruct("point", 16,
		Field{Offset: 0, Count: 1, Type: Int32},
		Field{Offset: 8, Count: 1, Type: Float64},
	)
	require.NoError(err)
	require.Equal(12, point.Size())
	require.Equal(16, point.Extent())
	require.Equal(KindStruct, point.Kind())

	records := make([]byte, 32)
	for i := 0; i < 2; i++ {
		rec := records[i*16:]
		binary.LittleEndian.PutUint32(rec, uint32(i+7))
		copy(rec[4:8], []byte{0xde, 0xad, 0xbe, 0xef})
		binary.LittleEndian.PutUint64(rec[8:], math.Float64bits(float64(i)+0.25))
	}
	data, err := point.pack(records, 2)
	require.NoError(err)
	require.Len(data, 24)

	out := make([]byte, 32)
	point.unpack(data, out, 2)
	for i := 0; i < 2; i++ {
		rec := out[i*16:]
		require.Equal(uint32(i+7), binary.LittleEndian.Uint32(rec))
		require.Equal([]byte{0, 0, 0, 0}, rec[4:8])
		require.Equal(float64(i)+0.25, math.Float64frombits(binary.LittleEndian.Uint64(rec[8:])))
	}
}

func TestStructSignature(t *testing.T) {
	require := require.New(t)

	a, err := NewStruct("a", 8, Field{Offset: 0, Count: 2, Type: Int32})
	require.NoError(err)
	b, err := NewStruct("b", 12, Field{Offset: 4, Count: 2, Type: Int32})
	require.NoError(err)
	c, err := NewStruct("c", 8, Field{Offset: 0, Count: 2, Type: Float32})
	require.NoError(err)

	require.Equal(a.sig, b.sig, "same element sequence, different layout")
	require.NotEqual(a.sig, c.sig)
	require.NotEqual(Int32.sig, Float32.sig)
}

func TestNewStructErrors(t *testing.T) {
	_, err := NewStruct("empty", 8)
	require.ErrorIs(t, err, ErrBuffer)

	_, err = NewStruct("overrun", 8, Field{Offset: 4, Count: 2, Type: Int32})
	require.ErrorIs(t, err, ErrBuffer)

	inner, err := NewStruct("inner", 4, Field{Count: 1, Type: Int32})
	require.NoError(t, err)
	_, err = NewStruct("nested", 8, Field{Count: 1, Type: inner})
	require.ErrorIs(t, err, ErrBuffer)
}
