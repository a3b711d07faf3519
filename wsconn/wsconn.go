// Copyright (c) 2014 The cider AUTHORS
//
// This file is part of wsrpc.
//
// wsrpc is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package wsconn owns the peer-side WebSocket state machine: connect, open,
// message, close. It adapts gorilla/websocket connections to the
// FrameTransport/DispatchingProtocol/ConnectionRunner trio and, on the
// server side, registers each freshly opened peer in a ClientRegistry.
package wsconn

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	log "github.com/cihub/seelog"

	"github.com/cider/wsrpc/protocol"
	"github.com/cider/wsrpc/registry"
	"github.com/cider/wsrpc/rpcsvc"
	"github.com/cider/wsrpc/runner"
	"github.com/cider/wsrpc/transport"
	"github.com/cider/wsrpc/wire"
)

// Default timeouts: OpenTimeout bounds ClientConn.WaitForOpened and
// ConnectTimeout bounds the TCP+WS connect in ClientConn.Open.
const (
	OpenTimeout    = 10 * time.Second
	ConnectTimeout = 5 * time.Second
)

var (
	ErrConnectTimeout = errors.New("wsconn: connect timed out")
	ErrOpenTimeout    = errors.New("wsconn: open timed out")
)

// connSender adapts a *websocket.Conn to transport.Sender. Writes are
// serialized because gorilla/websocket connections allow at most one
// concurrent writer.
type connSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *connSender) SendMessage(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (s *connSender) SendClose(code int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, "")
	return s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// readLoop reads whole WebSocket messages off conn and enqueues each binary
// payload into t. isBinary is deliberately not surfaced any further up the
// stack — per spec, payload is always bytes. A text frame is treated as
// undefined behavior from the peer and rejected by tearing down the
// connection, rather than silently accepted.
func readLoop(conn *websocket.Conn, t *transport.FrameTransport, peer string, onDone func()) {
	defer onDone()

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			log.Debugf("wsconn: (peer=%s) read loop ending: %v", peer, err)
			return
		}
		if msgType == websocket.TextMessage {
			log.Warnf("wsconn: (peer=%s) rejecting unexpected text frame", peer)
			return
		}
		log.Debugf("wsconn: (peer=%s) --> received %d bytes", peer, len(payload))
		t.Enqueue(wire.Frame(payload))
	}
}

// ServerConn is one accepted server-side connection: its own transport,
// protocol, and connection runner, registered in a ClientRegistry for the
// lifetime of the connection.
type ServerConn struct {
	peer      string
	conn      *websocket.Conn
	transport *transport.FrameTransport
	protocol  *protocol.DispatchingProtocol
	runner    *runner.ConnectionRunner
	cancel    context.CancelFunc
}

// AcceptServer implements the server-side onOpen specialization: create a
// FrameTransport bound to conn, a DispatchingProtocol atop it, spawn a
// ConnectionRunner with processor, and register a fresh client stub against
// peer in reg.
func AcceptServer[T any](conn *websocket.Conn, peer string, processor rpcsvc.Processor, reg *registry.ClientRegistry[T]) *ServerConn {
	sender := &connSender{conn: conn}
	t := transport.New(sender)
	p := protocol.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	r := runner.New(t, p, processor)
	r.Start(ctx)

	reg.NewConnection(p, peer)

	sc := &ServerConn{peer: peer, conn: conn, transport: t, protocol: p, runner: r, cancel: cancel}

	go readLoop(conn, t, peer, func() {
		sc.cancel()
		reg.DropConnection(peer)
		t.Close()
	})

	log.Debugf("wsconn: (peer=%s) websocket connection now open", peer)
	return sc
}

// Protocol returns the connection's DispatchingProtocol.
func (sc *ServerConn) Protocol() *protocol.DispatchingProtocol { return sc.protocol }

// Done returns a channel closed once the connection's runner has exited.
func (sc *ServerConn) Done() <-chan struct{} { return sc.runner.Done() }

// Upgrader bundles a gorilla/websocket Upgrader with the callbacks needed to
// accept a new connection. Handshake validates the inbound HTTP request
// before the protocol switch, mirroring the spec's onConnect hook.
type Upgrader[T any] struct {
	Upgrader  websocket.Upgrader
	Handshake func(r *http.Request) error

	NewProcessor func() rpcsvc.Processor
	Registry     *registry.ClientRegistry[T]
}

// ServeHTTP implements http.Handler, upgrading eligible requests and
// accepting the resulting WebSocket connection.
func (u *Upgrader[T]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if u.Handshake != nil {
		if err := u.Handshake(r); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
	}

	conn, err := u.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("wsconn: upgrade failed: %v", err)
		return
	}

	peer := r.RemoteAddr
	log.Debugf("wsconn: (peer=%s) websocket connected", peer)
	AcceptServer(conn, peer, u.NewProcessor(), u.Registry)
}

// ClientConn is the client-side specialization: the user calls Open, which
// initiates the TCP+WebSocket connect with a bounded timeout, then
// WaitForOpened, checked separately per spec. Because gorilla/websocket's
// Dialer blocks until the HTTP upgrade completes, Open already implies the
// connection is open by the time it returns; WaitForOpened still exists (and
// still enforces its own timeout) to preserve the two-phase public contract.
type ClientConn struct {
	addr      string
	conn      *websocket.Conn
	transport *transport.FrameTransport
	protocol  *protocol.DispatchingProtocol
	runner    *runner.ConnectionRunner
	cancel    context.CancelFunc
	openedCh  chan struct{}
}

// NewClientConn prepares a client connection to addr (a ws:// or wss:// URL).
func NewClientConn(addr string) *ClientConn {
	return &ClientConn{addr: addr, openedCh: make(chan struct{})}
}

// Open performs the TCP+WebSocket connect, bounded by ConnectTimeout, and
// starts the connection's runner against processor.
func (c *ClientConn) Open(ctx context.Context, processor rpcsvc.Processor) error {
	dialCtx, dialCancel := context.WithTimeout(ctx, ConnectTimeout)
	defer dialCancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.addr, nil)
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return ErrConnectTimeout
		}
		return err
	}
	c.conn = conn

	sender := &connSender{conn: conn}
	c.transport = transport.New(sender)
	c.protocol = protocol.New(c.transport)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.runner = runner.New(c.transport, c.protocol, processor)
	c.runner.Start(runCtx)

	close(c.openedCh)

	go readLoop(conn, c.transport, c.addr, func() {
		c.cancel()
		c.transport.Close()
	})

	return nil
}

// WaitForOpened resolves once the connection is open, or returns
// ErrOpenTimeout if that does not happen within OpenTimeout.
func (c *ClientConn) WaitForOpened(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, OpenTimeout)
	defer cancel()

	select {
	case <-c.openedCh:
		return nil
	case <-waitCtx.Done():
		return ErrOpenTimeout
	}
}

// IsOpen reports whether Open has completed successfully.
func (c *ClientConn) IsOpen() bool {
	select {
	case <-c.openedCh:
		return true
	default:
		return false
	}
}

// Protocol returns the connection's DispatchingProtocol, used to build
// generated-style client stubs.
func (c *ClientConn) Protocol() *protocol.DispatchingProtocol { return c.protocol }

// Done returns a channel closed once the connection's runner has exited.
func (c *ClientConn) Done() <-chan struct{} { return c.runner.Done() }

// Close tears down the connection.
func (c *ClientConn) Close() error {
	if c.transport == nil {
		return nil
	}
	return c.transport.Close()
}
