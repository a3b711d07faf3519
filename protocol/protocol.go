// Copyright (c) 2014 The cider AUTHORS
//
// This file is part of wsrpc.
//
// wsrpc is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package protocol is the crux of the runtime: DispatchingProtocol wraps a
// FrameTransport and exposes WaitForMessage, the operation that lets a
// caller coroutine awaiting REPLY/EXCEPTION and a server-loop coroutine
// awaiting CALL/ONEWAY safely share one connection, and Send, which emits
// one complete RPC message as a single atomic write.
package protocol

import (
	"context"
	"sync"

	"github.com/cider/wsrpc/transport"
	"github.com/cider/wsrpc/wire"
)

// DispatchingProtocol mixes WaitForMessage into the plain send path: outbound
// encoding always goes straight to the transport, inbound messages are
// classified before a waiter ever sees them. sendMu serializes Send calls so
// two concurrent sends on one connection can never interleave their Write
// and Flush into a single merged WebSocket message.
type DispatchingProtocol struct {
	transport *transport.FrameTransport
	sendMu    sync.Mutex
}

// New wraps t.
func New(t *transport.FrameTransport) *DispatchingProtocol {
	return &DispatchingProtocol{transport: t}
}

// Transport returns the underlying FrameTransport, e.g. so callers can Close it.
func (p *DispatchingProtocol) Transport() *transport.FrameTransport {
	return p.transport
}

// Send encodes one complete RPC message (header + body) and flushes it as a
// single outbound WebSocket message. sendMu holds the write buffer's
// Write-then-Flush pair together as one unit: without it, two concurrent
// Send calls on the same connection (e.g. a reply racing a server-initiated
// push) could interleave into Write(A), Write(B), Flush(A) — emitting one
// merged WS payload and silently dropping B.
func (p *DispatchingProtocol) Send(header wire.MessageHeader, body interface{}) error {
	frame, err := wire.EncodeMessage(header, body)
	if err != nil {
		return err
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	p.transport.Write(frame)
	return p.transport.Flush()
}

// WaitForMessage returns the next message whose type is in types, pulling
// and classifying new frames from the transport as needed. See
// transport.FrameTransport.WaitForType for why the drain, classification,
// and match check must happen as a single atomic step when more than one
// caller can be waiting on the same connection at once.
func (p *DispatchingProtocol) WaitForMessage(ctx context.Context, types ...wire.MessageType) (*wire.Decoder, error) {
	return p.transport.WaitForType(ctx, types...)
}
