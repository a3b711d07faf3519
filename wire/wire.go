// Copyright (c) 2014 The cider AUTHORS
//
// This file is part of wsrpc.
//
// wsrpc is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// wsrpc is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.

// Package wire implements the binary RPC message framing consumed by the
// rest of this module: a fixed header (method name, message type, sequence
// id) followed by a msgpack-encoded body. One Frame always equals one
// complete RPC message and therefore one WebSocket binary frame.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/ugorji/go/codec"
)

// MessageType identifies the kind of an RPC message on the wire.
type MessageType byte

const (
	Call MessageType = iota + 1
	Reply
	Exception
	Oneway
)

func (t MessageType) String() string {
	switch t {
	case Call:
		return "CALL"
	case Reply:
		return "REPLY"
	case Exception:
		return "EXCEPTION"
	case Oneway:
		return "ONEWAY"
	default:
		return "UNKNOWN"
	}
}

// Frame is one complete RPC message, corresponding 1:1 to one WebSocket
// binary message. It is immutable once received.
type Frame []byte

// MessageHeader is the fixed part of every RPC message.
type MessageHeader struct {
	Method string
	Type   MessageType
	SeqID  int32
}

var msgpackHandle = &codec.MsgpackHandle{}

func init() {
	msgpackHandle.RawToString = true
}

// Errors ------------------------------------------------------------------

var (
	ErrFraming       = errors.New("wire: framing violation")
	ErrMethodTooLong = errors.New("wire: method name too long")
)

// WriteMessageBegin appends the header for h to buf.
func WriteMessageBegin(buf *bytes.Buffer, h MessageHeader) error {
	if len(h.Method) > 0xFFFF {
		return ErrMethodTooLong
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(h.Method)))
	buf.Write(lenBuf[:])
	buf.WriteString(h.Method)
	buf.WriteByte(byte(h.Type))

	var seqBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], uint32(h.SeqID))
	buf.Write(seqBuf[:])
	return nil
}

// ReadMessageBegin reads a MessageHeader from the front of r. r is left
// positioned right after the header, ready for the body to be decoded.
func ReadMessageBegin(r *bytes.Reader) (MessageHeader, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return MessageHeader{}, ErrFraming
	}
	methodLen := binary.BigEndian.Uint16(lenBuf[:])

	methodBuf := make([]byte, methodLen)
	if _, err := io.ReadFull(r, methodBuf); err != nil {
		return MessageHeader{}, ErrFraming
	}

	typeByte, err := r.ReadByte()
	if err != nil {
		return MessageHeader{}, ErrFraming
	}
	mtype := MessageType(typeByte)
	if mtype < Call || mtype > Oneway {
		return MessageHeader{}, ErrFraming
	}

	var seqBuf [4]byte
	if _, err := io.ReadFull(r, seqBuf[:]); err != nil {
		return MessageHeader{}, ErrFraming
	}

	return MessageHeader{
		Method: string(methodBuf),
		Type:   mtype,
		SeqID:  int32(binary.BigEndian.Uint32(seqBuf[:])),
	}, nil
}

// EncodeMessage builds one complete Frame: header plus the msgpack-encoded
// body. It is the single write-then-flush unit described by the frame
// transport's framing assumption.
func EncodeMessage(h MessageHeader, body interface{}) (Frame, error) {
	var buf bytes.Buffer
	if err := WriteMessageBegin(&buf, h); err != nil {
		return nil, err
	}
	if body != nil {
		if err := codec.NewEncoder(&buf, msgpackHandle).Encode(body); err != nil {
			return nil, err
		}
	}
	return Frame(buf.Bytes()), nil
}

// Decoder is a fresh decoder bound to one received Frame, created once at
// classification time in msgqueue so that a consumer never re-pays the cost
// of decoding the header: the header read to classify the message is kept in
// Header, and the underlying reader is left positioned right after it, so
// the consumer goes straight to DecodeBody. The reader is not rewound.
type Decoder struct {
	Header MessageHeader
	frame  Frame
	body   *bytes.Reader
}

// NewDecoder reads frame's header (for classification) and returns a Decoder
// whose body reader is positioned right after the header.
func NewDecoder(frame Frame) (*Decoder, error) {
	r := bytes.NewReader(frame)
	header, err := ReadMessageBegin(r)
	if err != nil {
		return nil, err
	}
	return &Decoder{Header: header, frame: frame, body: r}, nil
}

// DecodeBody decodes the msgpack-encoded body that follows the header into
// dst. It may be called at most meaningfully once per Decoder since the
// underlying reader only moves forward.
func (d *Decoder) DecodeBody(dst interface{}) error {
	return codec.NewDecoder(d.body, msgpackHandle).Decode(dst)
}

// ExceptionPayload is the body of an EXCEPTION message.
type ExceptionPayload struct {
	Message string
}
