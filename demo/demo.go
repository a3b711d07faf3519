// Copyright (c) 2014 The cider AUTHORS
//
// This file is part of wsrpc.
//
// wsrpc is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package demo is a hand-written "generated-style" service pair exercising
// the runtime end to end: Work is a server method the client calls, Notify
// is a client method the server pushes to, mirroring the original wsasync
// sample service.
package demo

import (
	"context"

	"github.com/cider/wsrpc/protocol"
	"github.com/cider/wsrpc/rpcsvc"
	"github.com/cider/wsrpc/wire"
)

// ServerHandler is implemented by user code on the server side.
type ServerHandler interface {
	Work(ctx context.Context, text string) (string, error)
}

// ClientHandler is implemented by user code on the client side.
type ClientHandler interface {
	Notify(ctx context.Context, text string) (string, error)
}

type workArgs struct {
	Text string
}

type notifyArgs struct {
	Text string
}

// NewServerProcessor builds the processor a server runs against h, i.e. the
// generated-style server stub side of the Work method.
func NewServerProcessor(h ServerHandler) rpcsvc.Processor {
	mp := rpcsvc.NewMethodProcessor()
	mp.Register("work", func(ctx context.Context, dec *wire.Decoder) (interface{}, error) {
		var args workArgs
		if err := dec.DecodeBody(&args); err != nil {
			return nil, err
		}
		return h.Work(ctx, args.Text)
	})
	return mp
}

// NewClientProcessor builds the processor a client runs against h, i.e. the
// generated-style server-initiated-call side of the Notify method.
func NewClientProcessor(h ClientHandler) rpcsvc.Processor {
	mp := rpcsvc.NewMethodProcessor()
	mp.Register("notify", func(ctx context.Context, dec *wire.Decoder) (interface{}, error) {
		var args notifyArgs
		if err := dec.DecodeBody(&args); err != nil {
			return nil, err
		}
		return h.Notify(ctx, args.Text)
	})
	return mp
}

// WorkStub is the generated-style client-side stub for calling Work on the
// server.
type WorkStub struct {
	*rpcsvc.StubBase
}

// NewWorkStub builds a WorkStub atop p.
func NewWorkStub(p *protocol.DispatchingProtocol) *WorkStub {
	return &WorkStub{rpcsvc.NewStubBase(p)}
}

// Work calls the server's work method and returns its result.
func (s *WorkStub) Work(ctx context.Context, text string) (string, error) {
	var reply string
	if err := s.Call(ctx, "work", workArgs{text}, &reply); err != nil {
		return "", err
	}
	return reply, nil
}

// NotifyStub is the generated-style stub the server uses, via the
// ClientRegistry, to push notify() calls to one connected client.
type NotifyStub struct {
	*rpcsvc.StubBase
	Peer string
}

// NewNotifyStub builds a NotifyStub tagged with peer, matching the
// registry.StubFactory signature.
func NewNotifyStub(p *protocol.DispatchingProtocol, peer string) *NotifyStub {
	return &NotifyStub{StubBase: rpcsvc.NewStubBase(p), Peer: peer}
}

// Notify calls the client's notify method and returns its result.
func (s *NotifyStub) Notify(ctx context.Context, text string) (string, error) {
	var reply string
	if err := s.Call(ctx, "notify", notifyArgs{text}, &reply); err != nil {
		return "", err
	}
	return reply, nil
}
