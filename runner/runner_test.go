// Copyright (c) 2014 The cider AUTHORS
//
// This file is part of wsrpc.
//
// wsrpc is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cider/wsrpc/protocol"
	"github.com/cider/wsrpc/rpcsvc"
	"github.com/cider/wsrpc/transport"
	"github.com/cider/wsrpc/wire"
)

type pipeSender struct {
	peer *transport.FrameTransport
}

func (s *pipeSender) SendMessage(payload []byte) error {
	s.peer.Enqueue(wire.Frame(payload))
	return nil
}

func (s *pipeSender) SendClose(int) error {
	s.peer.Close()
	return nil
}

func newPipe() (*protocol.DispatchingProtocol, *transport.FrameTransport, *protocol.DispatchingProtocol, *transport.FrameTransport) {
	senderA := &pipeSender{}
	senderB := &pipeSender{}

	trA := transport.New(senderA)
	trB := transport.New(senderB)
	senderA.peer = trB
	senderB.peer = trA

	return protocol.New(trA), trA, protocol.New(trB), trB
}

type echoArgs struct{ Text string }

func Test_Runner_ProcessesCallAndReplies(t *testing.T) {
	client, _, serverProto, serverTr := newPipe()

	mp := rpcsvc.NewMethodProcessor()
	mp.Register("echo", func(ctx context.Context, dec *wire.Decoder) (interface{}, error) {
		var args echoArgs
		dec.DecodeBody(&args)
		return args.Text, nil
	})

	r := New(serverTr, serverProto, mp)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	stub := rpcsvc.NewStubBase(client)
	var reply string
	if err := stub.Call(context.Background(), "echo", echoArgs{Text: "hi"}, &reply); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply != "hi" {
		t.Fatalf("want hi, got %q", reply)
	}
}

type failingProcessor struct{}

func (failingProcessor) Process(ctx context.Context, dec *wire.Decoder, out *protocol.DispatchingProtocol) error {
	return errors.New("boom")
}

func Test_Runner_StopsOnProcessorError(t *testing.T) {
	client, _, serverProto, serverTr := newPipe()

	r := New(serverTr, serverProto, failingProcessor{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	stub := rpcsvc.NewStubBase(client)
	var reply string
	stub.Call(context.Background(), "whatever", echoArgs{}, &reply)

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("want the runner to exit after a processor error")
	}
	if !serverTr.IsClosed() {
		t.Fatal("want the server transport closed when the runner exits")
	}
}

func Test_Runner_StopsOnCancel(t *testing.T) {
	_, _, serverProto, serverTr := newPipe()

	r := New(serverTr, serverProto, rpcsvc.NewMethodProcessor())
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	cancel()

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("want the runner to exit once its context is cancelled")
	}
}
