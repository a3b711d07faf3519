// Copyright (c) 2014 The cider AUTHORS
//
// This file is part of wsrpc.
//
// wsrpc is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package runner implements the connection runner: a background goroutine
// that repeatedly awaits CALL/ONEWAY messages and invokes the local
// processor. REPLY/EXCEPTION frames are intentionally never consumed here;
// they are left in the queue for a stub caller's own WaitForMessage.
package runner

import (
	"context"
	"errors"

	log "github.com/cihub/seelog"

	"github.com/cider/wsrpc/protocol"
	"github.com/cider/wsrpc/rpcsvc"
	"github.com/cider/wsrpc/transport"
	"github.com/cider/wsrpc/wire"
)

// ConnectionRunner owns the background task, its transport, its dispatching
// protocol, and the processor handling inbound calls.
type ConnectionRunner struct {
	transport *transport.FrameTransport
	protocol  *protocol.DispatchingProtocol
	processor rpcsvc.Processor

	doneCh chan struct{}
}

// New builds a runner; call Start to actually spawn its goroutine.
func New(t *transport.FrameTransport, p *protocol.DispatchingProtocol, processor rpcsvc.Processor) *ConnectionRunner {
	return &ConnectionRunner{
		transport: t,
		protocol:  p,
		processor: processor,
		doneCh:    make(chan struct{}),
	}
}

// Start spawns the background task. It is safe to call at most once.
func (r *ConnectionRunner) Start(ctx context.Context) {
	go r.run(ctx)
}

// Done returns a channel closed once the run loop has returned, whatever the
// reason (cancellation, transport close, handler error, framing violation).
func (r *ConnectionRunner) Done() <-chan struct{} {
	return r.doneCh
}

func (r *ConnectionRunner) run(ctx context.Context) {
	defer close(r.doneCh)
	defer r.transport.Close()

	for {
		dec, err := r.protocol.WaitForMessage(ctx, wire.Call, wire.Oneway)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled):
				log.Debug("runner: cancelled, exiting")
			case errors.Is(err, transport.ErrClosed):
				log.Debug("runner: transport closed, exiting")
			default:
				log.Warnf("runner: exiting after error waiting for a message: %v", err)
			}
			return
		}

		if err := r.processor.Process(ctx, dec, r.protocol); err != nil {
			log.Warnf("runner: processor failed on %q: %v - closing connection", dec.Header.Method, err)
			return
		}
	}
}
