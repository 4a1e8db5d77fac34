// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
)

// Codec turns Go values into the Byte payload of an object message and back.
// SendObject encodes with the process codec and RecvObject decodes with it,
// so every rank of a job must use the same one. See WithCodec.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONCodec carries objects as JSON. It is the default.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

// MsgpCodec carries objects as MessagePack. Values implementing
// msgp.Marshaler and msgp.Unmarshaler use their own methods; anything else
// goes through the reflection-free msgp.AppendIntf, which covers the basic
// types, maps and slices of them. Such values decode only into *any.
type MsgpCodec struct{}

func (MsgpCodec) Encode(v any) ([]byte, error) {
	if m, ok := v.(msgp.Marshaler); ok {
		return m.MarshalMsg(nil)
	}
	return msgp.AppendIntf(nil, v)
}

func (MsgpCodec) Decode(data []byte, v any) error {
	switch dst := v.(type) {
	case msgp.Unmarshaler:
		rest, err := dst.UnmarshalMsg(data)
		if err == nil && len(rest) != 0 {
			err = errors.Errorf("%d trailing bytes", len(rest))
		}
		return err
	case *any:
		val, rest, err := msgp.ReadIntfBytes(data)
		if err != nil {
			return err
		}
		if len(rest) != 0 {
			return errors.Errorf("%d trailing bytes", len(rest))
		}
		*dst = val
		return nil
	}
	return errors.Errorf("msgp: cannot decode into %T", v)
}

// BinaryCodec sends []byte objects as they are and receives them into
// *[]byte without a copy. Other values fall back to JSON.
type BinaryCodec struct{}

func (BinaryCodec) Encode(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	}
	return json.Marshal(v)
}

func (BinaryCodec) Decode(data []byte, v any) error {
	if b, ok := v.(*[]byte); ok {
		*b = data
		return nil
	}
	return json.Unmarshal(data, v)
}

// Codecs for WithCodec
var (
	JSON    Codec = JSONCodec{}
	Msgpack Codec = MsgpCodec{}
	Binary  Codec = BinaryCodec{}
)

var defaultCodec = JSON
