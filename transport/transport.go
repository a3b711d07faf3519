// Copyright (c) 2014 The cider AUTHORS
//
// This file is part of wsrpc.
//
// wsrpc is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package transport implements the frame transport described by the
// runtime: it bridges whole-message WebSocket payloads to an RPC-framing
// aware buffer, and provides write-buffer-then-flush-as-one-WS-message
// semantics. It deliberately has no byte-granular Read: the underlying
// WebSocket delivery is already whole-message, so the wire codec is always
// handed an entire frame at once.
package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/cider/wsrpc/msgqueue"
	"github.com/cider/wsrpc/wire"
)

// Sender is the write side of the underlying WebSocket connection. It is
// implemented by wsconn for real connections and can be faked in tests.
type Sender interface {
	SendMessage(payload []byte) error
	SendClose(code int) error
}

// ErrClosed is returned by WaitForMessage once the transport has been
// closed, releasing every waiter with a terminal error (spec invariant: a
// close must not leave a waiter parked forever).
var ErrClosed = errors.New("transport: closed")

// FrameTransport owns the received-frame queue awaiting classification, the
// type-classified message queue, the write-accumulation buffer, and the
// lifecycle flag for one WebSocket connection. Every exported method is
// goroutine-safe: this is the Go realization of the "parallel port"
// guidance — the single-shot event is replaced by a broadcast-on-close-and-
// replace channel so every waiter re-checks state after being woken, exactly
// like a condition variable would. The classified queue lives here, guarded
// by the same mu as the raw received-frame slice, so WaitForType can drain,
// classify, and recheck as a single atomic step: see WaitForType.
type FrameTransport struct {
	mu sync.Mutex

	sender   Sender
	received []wire.Frame
	queue    *msgqueue.Queue
	wbuf     bytes.Buffer
	closed   bool
	waitCh   chan struct{}
}

// New creates a FrameTransport writing through sender.
func New(sender Sender) *FrameTransport {
	return &FrameTransport{
		sender: sender,
		queue:  msgqueue.New(),
		waitCh: make(chan struct{}),
	}
}

// notifyLocked wakes every current waiter and arms a fresh signal for
// whoever waits next. Must be called with mu held.
func (t *FrameTransport) notifyLocked() {
	close(t.waitCh)
	t.waitCh = make(chan struct{})
}

// Enqueue is called by the WebSocket adapter's read loop with each complete
// inbound payload. It never blocks.
func (t *FrameTransport) Enqueue(frame wire.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.received = append(t.received, frame)
	t.notifyLocked()
}

// Write appends to the write buffer. It never blocks and never touches the
// network.
func (t *FrameTransport) Write(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wbuf.Write(p)
}

// Flush emits the accumulated write buffer as one WebSocket binary message
// and resets the buffer. The reset happens before the send so that a send
// failure never leaves partial state for the next message to inherit.
func (t *FrameTransport) Flush() error {
	t.mu.Lock()
	if t.wbuf.Len() == 0 {
		t.mu.Unlock()
		return nil
	}
	payload := make([]byte, t.wbuf.Len())
	copy(payload, t.wbuf.Bytes())
	t.wbuf.Reset()
	sender := t.sender
	t.mu.Unlock()

	return sender.SendMessage(payload)
}

// GetNextMessage is the non-blocking read side: it returns the oldest
// unconsumed Frame, or ok=false if none is queued yet.
func (t *FrameTransport) GetNextMessage() (wire.Frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.received) == 0 {
		return nil, false
	}
	frame := t.received[0]
	t.received = t.received[1:]
	return frame, true
}

// WaitForMessage resolves when at least one new Frame has arrived since the
// signal was last armed, or when the transport is closed (ErrClosed), or
// when ctx is done. It does not classify or consume anything itself; use
// WaitForType to wait for and atomically claim a message of a given type.
func (t *FrameTransport) WaitForMessage(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	ch := t.waitCh
	t.mu.Unlock()

	select {
	case <-ch:
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return ErrClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForType returns the next received message whose type is in types,
// classifying any frames that arrived meanwhile. DispatchingProtocol calls
// this directly; higher layers funnel all waiting through it.
//
// Two callers — e.g. the ConnectionRunner waiting for CALL/ONEWAY and a stub
// caller waiting for REPLY/EXCEPTION — may be waiting on the same connection
// at once. The drain of newly arrived frames into the classified queue, the
// check for a type match, and the decision to park all happen while mu is
// held, so a frame classified by one caller's turn is already visible,
// under the same lock, to the very next caller that takes a turn — there is
// no window in which a classified frame sits unclaimed with every waiter
// already parked on a stale signal.
func (t *FrameTransport) WaitForType(ctx context.Context, types ...wire.MessageType) (*wire.Decoder, error) {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, ErrClosed
		}

		for len(t.received) > 0 {
			frame := t.received[0]
			t.received = t.received[1:]
			if err := t.queue.Add(frame); err != nil {
				// A frame that fails header decode is a framing violation:
				// the stream's alignment is lost, so the connection is closed.
				t.mu.Unlock()
				t.Close()
				return nil, err
			}
		}

		if dec, ok := t.queue.Get(types...); ok {
			t.mu.Unlock()
			return dec, nil
		}

		ch := t.waitCh
		t.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close sends a WebSocket close with the normal code, drops all queued and
// classified frames, clears the write buffer, and releases every parked
// waiter with ErrClosed. Close is idempotent.
func (t *FrameTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.received = nil
	t.queue = msgqueue.New()
	t.wbuf.Reset()
	t.notifyLocked()
	sender := t.sender
	t.mu.Unlock()

	return sender.SendClose(1000)
}

// IsClosed reports whether Close has already run.
func (t *FrameTransport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
