// Copyright (c) 2014 The cider AUTHORS
//
// This file is part of wsrpc.
//
// wsrpc is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package rpcsvc defines the runtime contract that generated-style client
// and server stubs are built against: a Processor that consumes one inbound
// message, and a StubBase that gives a concrete stub the
// serialize-flush-await-decode plumbing described by the spec.
package rpcsvc

import (
	"context"
	"errors"
	"sync/atomic"

	log "github.com/cihub/seelog"

	"github.com/cider/wsrpc/protocol"
	"github.com/cider/wsrpc/wire"
)

// Processor consumes one inbound CALL or ONEWAY message and, for CALL,
// writes the REPLY or EXCEPTION back out through out.
type Processor interface {
	Process(ctx context.Context, dec *wire.Decoder, out *protocol.DispatchingProtocol) error
}

// Errors ------------------------------------------------------------------

var (
	// ErrSeqIDMismatch is a FramingViolation: the connection's alignment
	// cannot be trusted any more, so the caller must close it.
	ErrSeqIDMismatch = errors.New("rpcsvc: reply sequence id does not match the request")
)

// StubBase implements the request path common to every generated client
// stub: encode (method, CALL|ONEWAY, new seq id), encode body, flush, and
// for CALL wait for REPLY/EXCEPTION and verify the sequence id.
type StubBase struct {
	protocol *protocol.DispatchingProtocol
	nextSeq  int32
}

// NewStubBase wraps p into stub plumbing. Sequence ids are allocated
// starting at 1 and increase monotonically per stub instance.
func NewStubBase(p *protocol.DispatchingProtocol) *StubBase {
	return &StubBase{protocol: p}
}

func (s *StubBase) nextSeqID() int32 {
	return atomic.AddInt32(&s.nextSeq, 1)
}

// Call performs a synchronous CALL: it flushes the request and blocks until
// the matching REPLY or EXCEPTION arrives. A sequence id mismatch is
// treated as a framing violation and is fatal: the connection is closed.
func (s *StubBase) Call(ctx context.Context, method string, args, reply interface{}) error {
	seq := s.nextSeqID()

	if err := s.protocol.Send(wire.MessageHeader{Method: method, Type: wire.Call, SeqID: seq}, args); err != nil {
		return err
	}

	dec, err := s.protocol.WaitForMessage(ctx, wire.Reply, wire.Exception)
	if err != nil {
		return err
	}

	if dec.Header.SeqID != seq {
		log.Warnf("rpcsvc: seq id mismatch on %s: got %d, want %d - closing connection", method, dec.Header.SeqID, seq)
		s.protocol.Transport().Close()
		return ErrSeqIDMismatch
	}

	if dec.Header.Type == wire.Exception {
		var exc wire.ExceptionPayload
		if err := dec.DecodeBody(&exc); err != nil {
			return err
		}
		return errors.New(exc.Message)
	}

	if reply == nil {
		return nil
	}
	return dec.DecodeBody(reply)
}

// Oneway performs a ONEWAY: encode, flush, return. No reply is awaited.
func (s *StubBase) Oneway(method string, args interface{}) error {
	seq := s.nextSeqID()
	return s.protocol.Send(wire.MessageHeader{Method: method, Type: wire.Oneway, SeqID: seq}, args)
}

// Handler decodes one method's arguments from dec and returns the value to
// be encoded as the REPLY body (ignored for ONEWAY methods).
type Handler func(ctx context.Context, dec *wire.Decoder) (interface{}, error)

// MethodProcessor is a small Processor implementation that dispatches by
// method name, in the spirit of the teacher's own method-handler maps
// (cider's executor.RegisterMethod). Generated-style processors register
// their handlers with it instead of hand-rolling the CALL/ONEWAY branching.
type MethodProcessor struct {
	handlers map[string]Handler
}

// NewMethodProcessor returns an empty MethodProcessor.
func NewMethodProcessor() *MethodProcessor {
	return &MethodProcessor{handlers: make(map[string]Handler)}
}

// Register associates method with h. Registering the same method twice
// replaces the previous handler.
func (p *MethodProcessor) Register(method string, h Handler) {
	p.handlers[method] = h
}

// Process implements Processor.
func (p *MethodProcessor) Process(ctx context.Context, dec *wire.Decoder, out *protocol.DispatchingProtocol) error {
	h, ok := p.handlers[dec.Header.Method]
	if !ok {
		log.Warnf("rpcsvc: no handler registered for method %q", dec.Header.Method)
		if dec.Header.Type == wire.Oneway {
			return nil
		}
		return out.Send(wire.MessageHeader{Method: dec.Header.Method, Type: wire.Exception, SeqID: dec.Header.SeqID},
			wire.ExceptionPayload{Message: "unknown method: " + dec.Header.Method})
	}

	result, err := h(ctx, dec)

	if dec.Header.Type == wire.Oneway {
		if err != nil {
			log.Warnf("rpcsvc: oneway handler for %q failed: %v", dec.Header.Method, err)
		}
		return nil
	}

	if err != nil {
		return out.Send(wire.MessageHeader{Method: dec.Header.Method, Type: wire.Exception, SeqID: dec.Header.SeqID},
			wire.ExceptionPayload{Message: err.Error()})
	}
	return out.Send(wire.MessageHeader{Method: dec.Header.Method, Type: wire.Reply, SeqID: dec.Header.SeqID}, result)
}
