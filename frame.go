// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
)

// MessageType identifies link frames
type MessageType uint8

const (
	MsgHello MessageType = 0x01
	MsgData  MessageType = 0x02
	MsgAck   MessageType = 0x03
	MsgBye   MessageType = 0x04
	MsgAbort MessageType = 0x05
)

func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "hello"
	case MsgData:
		return "data"
	case MsgAck:
		return "ack"
	case MsgBye:
		return "bye"
	case MsgAbort:
		return "abort"
	}
	return "invalid"
}

// maxFrameSize bounds a single frame on every transport
const maxFrameSize = 256 * 1024 * 1024

// maxPayloadSize is the largest packed message body that fits in one data
// frame next to its type byte, envelope and checksum
const maxPayloadSize = maxFrameSize - 1 - 64 - 8

var errBadFrame = errors.New("mpi: malformed frame")

// envelope flags
const (
	flagSync uint8 = 1 << iota
	flagCompressed
	flagChecksum
)

// envelope is the matching header of a data frame.
type envelope struct {
	Context uint32
	Source  int32 // sender rank within the communicator
	Tag     int32
	Sig     uint64
	Count   int32
	Seq     uint64
	Flags   uint8
	Size    uint32 // uncompressed payload bytes
}

const envelopeFields = 8

func (e *envelope) appendMsg(b []byte) []byte {
	b = msgp.AppendArrayHeader(b, envelopeFields)
	b = msgp.AppendUint32(b, e.Context)
	b = msgp.AppendInt32(b, e.Source)
	b = msgp.AppendInt32(b, e.Tag)
	b = msgp.AppendUint64(b, e.Sig)
	b = msgp.AppendInt32(b, e.Count)
	b = msgp.AppendUint64(b, e.Seq)
	b = msgp.AppendUint8(b, e.Flags)
	b = msgp.AppendUint32(b, e.Size)
	return b
}

func (e *envelope) readMsg(b []byte) (o []byte, err error) {
	sz, o, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, err
	}
	if sz != envelopeFields {
		return nil, errors.Wrapf(errBadFrame, "envelope has %d fields", sz)
	}
	if e.Context, o, err = msgp.ReadUint32Bytes(o); err != nil {
		return nil, err
	}
	if e.Source, o, err = msgp.ReadInt32Bytes(o); err != nil {
		return nil, err
	}
	if e.Tag, o, err = msgp.ReadInt32Bytes(o); err != nil {
		return nil, err
	}
	if e.Sig, o, err = msgp.ReadUint64Bytes(o); err != nil {
		return nil, err
	}
	if e.Count, o, err = msgp.ReadInt32Bytes(o); err != nil {
		return nil, err
	}
	if e.Seq, o, err = msgp.ReadUint64Bytes(o); err != nil {
		return nil, err
	}
	if e.Flags, o, err = msgp.ReadUint8Bytes(o); err != nil {
		return nil, err
	}
	if e.Size, o, err = msgp.ReadUint32Bytes(o); err != nil {
		return nil, err
	}
	return o, nil
}

// frameOptions controls payload encoding on the sending side
type frameOptions struct {
	compressAbove int // 0 disables compression
	checksum      bool
}

// encodeData builds a data frame: [type][envelope][payload][checksum].
func encodeData(env envelope, payload []byte, o frameOptions) []byte {
	env.Size = uint32(len(payload))
	body := payload
	if o.compressAbove > 0 && len(payload) >= o.compressAbove {
		var c lz4.Compressor
		dst := make([]byte, lz4.CompressBlockBound(len(payload)))
		if n, err := c.CompressBlock(payload, dst); err == nil && n > 0 && n < len(payload) {
			body = dst[:n]
			env.Flags |= flagCompressed
		}
	}
	if o.checksum {
		env.Flags |= flagChecksum
	}

	frame := make([]byte, 1, 1+64+len(body)+8)
	frame[0] = byte(MsgData)
	frame = env.appendMsg(frame)
	frame = append(frame, body...)
	if o.checksum {
		frame = binary.BigEndian.AppendUint64(frame, xxhash.Checksum64(payload))
	}
	return frame
}

// decodeData parses the body of a data frame (type byte stripped) and
// returns the envelope with the uncompressed, verified payload.
func decodeData(body []byte) (envelope, []byte, error) {
	var env envelope
	rest, err := env.readMsg(body)
	if err != nil {
		return env, nil, errors.Wrap(errBadFrame, err.Error())
	}
	var sum uint64
	if env.Flags&flagChecksum != 0 {
		if len(rest) < 8 {
			return env, nil, errors.Wrap(errBadFrame, "short checksum")
		}
		sum = binary.BigEndian.Uint64(rest[len(rest)-8:])
		rest = rest[:len(rest)-8]
	}
	payload := rest
	if env.Flags&flagCompressed != 0 {
		if env.Size > maxFrameSize {
			return env, nil, errors.Wrapf(errBadFrame, "payload size %d", env.Size)
		}
		payload = make([]byte, env.Size)
		n, err := lz4.UncompressBlock(rest, payload)
		if err != nil {
			return env, nil, errors.Wrap(errBadFrame, err.Error())
		}
		payload = payload[:n]
	}
	if uint32(len(payload)) != env.Size {
		return env, nil, errors.Wrapf(errBadFrame, "payload %d bytes, header says %d", len(payload), env.Size)
	}
	if env.Flags&flagChecksum != 0 && xxhash.Checksum64(payload) != sum {
		return env, nil, errors.Wrap(errBadFrame, "checksum mismatch")
	}
	return env, payload, nil
}

// hello opens every link: the dialing side announces its rank and job.
type hello struct {
	Rank int
	Job  string
}

func encodeHello(h hello) []byte {
	b := []byte{byte(MsgHello)}
	b = msgp.AppendArrayHeader(b, 2)
	b = msgp.AppendInt(b, h.Rank)
	return msgp.AppendString(b, h.Job)
}

func decodeHello(frame []byte) (h hello, err error) {
	if len(frame) == 0 || MessageType(frame[0]) != MsgHello {
		return h, errors.Wrap(errBadFrame, "expected hello")
	}
	sz, o, err := msgp.ReadArrayHeaderBytes(frame[1:])
	if err != nil {
		return h, err
	}
	if sz != 2 {
		return h, errors.Wrapf(errBadFrame, "hello has %d fields", sz)
	}
	if h.Rank, o, err = msgp.ReadIntBytes(o); err != nil {
		return h, err
	}
	h.Job, _, err = msgp.ReadStringBytes(o)
	return h, err
}

func encodeAck(seq uint64) []byte {
	return msgp.AppendUint64([]byte{byte(MsgAck)}, seq)
}

func decodeAck(body []byte) (uint64, error) {
	seq, _, err := msgp.ReadUint64Bytes(body)
	return seq, err
}

func encodeAbort(rank, code int) []byte {
	b := msgp.AppendArrayHeader([]byte{byte(MsgAbort)}, 2)
	b = msgp.AppendInt(b, rank)
	return msgp.AppendInt(b, code)
}

func decodeAbort(body []byte) (rank, code int, err error) {
	_, o, err := msgp.ReadArrayHeaderBytes(body)
	if err != nil {
		return 0, 0, err
	}
	if rank, o, err = msgp.ReadIntBytes(o); err != nil {
		return 0, 0, err
	}
	code, _, err = msgp.ReadIntBytes(o)
	return rank, code, err
}

var byeFrame = []byte{byte(MsgBye)}
