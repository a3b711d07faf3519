// Copyright (c) 2014 The cider AUTHORS
//
// This file is part of wsrpc.
//
// wsrpc is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package registry tracks the server side's connected peers so the server
// can initiate RPCs of its own against any of them.
package registry

import (
	"sync"

	"github.com/cider/wsrpc/protocol"
)

// StubFactory builds the typed outbound stub for one freshly opened
// connection, tagged with peer.
type StubFactory[T any] func(p *protocol.DispatchingProtocol, peer string) T

// ClientRegistry is a server-side mapping from peer identity to a
// client-stub, enabling server-initiated RPCs. Keys are unique; entries are
// inserted on connection open and removed on connection close.
type ClientRegistry[T any] struct {
	mu      sync.Mutex
	newStub StubFactory[T]
	clients map[string]T
}

// New builds an empty registry that constructs stubs with newStub.
func New[T any](newStub StubFactory[T]) *ClientRegistry[T] {
	return &ClientRegistry[T]{
		newStub: newStub,
		clients: make(map[string]T),
	}
}

// NewConnection builds a stub for p, tags it with peer, and stores it.
func (r *ClientRegistry[T]) NewConnection(p *protocol.DispatchingProtocol, peer string) T {
	stub := r.newStub(p, peer)

	r.mu.Lock()
	r.clients[peer] = stub
	r.mu.Unlock()

	return stub
}

// DropConnection removes peer's entry, if any.
func (r *ClientRegistry[T]) DropConnection(peer string) {
	r.mu.Lock()
	delete(r.clients, peer)
	r.mu.Unlock()
}

// Snapshot returns the currently registered stubs in unspecified order. It
// is a stable point-in-time copy: a concurrent DropConnection or
// NewConnection cannot invalidate a loop over the result.
func (r *ClientRegistry[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, 0, len(r.clients))
	for _, stub := range r.clients {
		out = append(out, stub)
	}
	return out
}

// Len reports the number of currently registered peers.
func (r *ClientRegistry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
