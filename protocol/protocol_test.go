// Copyright (c) 2014 The cider AUTHORS
//
// This file is part of wsrpc.
//
// wsrpc is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package protocol

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cider/wsrpc/transport"
	"github.com/cider/wsrpc/wire"
)

type nopSender struct{}

func (nopSender) SendMessage([]byte) error { return nil }
func (nopSender) SendClose(int) error      { return nil }

// recordingSender captures every payload handed to SendMessage exactly as
// received, so a test can tell whether two logical sends ever got merged
// into one physical WebSocket payload.
type recordingSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (s *recordingSender) SendMessage(payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)

	s.mu.Lock()
	s.sent = append(s.sent, cp)
	s.mu.Unlock()
	return nil
}

func (s *recordingSender) SendClose(int) error { return nil }

func encode(t *testing.T, h wire.MessageHeader) wire.Frame {
	t.Helper()
	f, err := wire.EncodeMessage(h, nil)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	return f
}

func Test_WaitForMessage_ReturnsMatchingType(t *testing.T) {
	tr := transport.New(nopSender{})
	p := New(tr)

	tr.Enqueue(encode(t, wire.MessageHeader{Method: "work", Type: wire.Call, SeqID: 1}))

	dec, err := p.WaitForMessage(context.Background(), wire.Call, wire.Oneway)
	if err != nil {
		t.Fatalf("WaitForMessage: %v", err)
	}
	if dec.Header.Method != "work" || dec.Header.Type != wire.Call {
		t.Fatalf("unexpected header: %+v", dec.Header)
	}
}

// Two concurrent waiters on one connection, one for REPLY, one for
// CALL/ONEWAY, must each see only their own type regardless of which one
// happens to drain the transport first.
func Test_WaitForMessage_ConcurrentWaitersSeeOnlyTheirOwnType(t *testing.T) {
	tr := transport.New(nopSender{})
	p := New(tr)

	callResult := make(chan *wire.Decoder, 1)
	replyResult := make(chan *wire.Decoder, 1)
	errs := make(chan error, 2)

	go func() {
		dec, err := p.WaitForMessage(context.Background(), wire.Call, wire.Oneway)
		if err != nil {
			errs <- err
			return
		}
		callResult <- dec
	}()
	go func() {
		dec, err := p.WaitForMessage(context.Background(), wire.Reply, wire.Exception)
		if err != nil {
			errs <- err
			return
		}
		replyResult <- dec
	}()

	time.Sleep(10 * time.Millisecond)
	tr.Enqueue(encode(t, wire.MessageHeader{Method: "notify", Type: wire.Reply, SeqID: 9}))
	tr.Enqueue(encode(t, wire.MessageHeader{Method: "work", Type: wire.Call, SeqID: 1}))

	select {
	case err := <-errs:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("neither waiter resolved in time")
	case dec := <-callResult:
		if dec.Header.Type != wire.Call {
			t.Fatalf("call waiter got %v", dec.Header.Type)
		}
	}

	select {
	case err := <-errs:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("reply waiter never resolved")
	case dec := <-replyResult:
		if dec.Header.Type != wire.Reply {
			t.Fatalf("reply waiter got %v", dec.Header.Type)
		}
	}
}

// Regression test for a lost-wakeup hang: a runner-style waiter (wants
// CALL/ONEWAY) parks first, a stub-style waiter (wants REPLY/EXCEPTION)
// parks second, and exactly one REPLY frame arrives. Whichever waiter wakes
// first and classifies the frame must leave it visible to the other waiter
// immediately, under the same lock — not sitting unclaimed in the queue
// while every waiter is already parked on a stale signal.
func Test_WaitForMessage_SingleFrame_ReachesTheOnlyMatchingWaiter(t *testing.T) {
	tr := transport.New(nopSender{})
	p := New(tr)

	callErrs := make(chan error, 1)
	replyResult := make(chan *wire.Decoder, 1)

	callCtx, callCancel := context.WithCancel(context.Background())
	defer callCancel()
	go func() {
		_, err := p.WaitForMessage(callCtx, wire.Call, wire.Oneway)
		callErrs <- err
	}()
	time.Sleep(10 * time.Millisecond) // ensure the CALL/ONEWAY waiter parks first

	replyCtx, replyCancel := context.WithCancel(context.Background())
	defer replyCancel()
	go func() {
		dec, err := p.WaitForMessage(replyCtx, wire.Reply, wire.Exception)
		if err == nil {
			replyResult <- dec
		}
	}()
	time.Sleep(10 * time.Millisecond) // ensure the REPLY waiter parks second

	tr.Enqueue(encode(t, wire.MessageHeader{Method: "work", Type: wire.Reply, SeqID: 1}))

	select {
	case dec := <-replyResult:
		if dec.Header.Type != wire.Reply {
			t.Fatalf("want a REPLY decoder, got %v", dec.Header.Type)
		}
	case err := <-callErrs:
		t.Fatalf("the CALL/ONEWAY waiter should never see a REPLY frame, got err %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("the REPLY waiter never woke up: the single REPLY frame was lost")
	}

	// The CALL/ONEWAY waiter must still be parked, not resolved with the
	// REPLY frame it never asked for.
	select {
	case err := <-callErrs:
		t.Fatalf("want the CALL/ONEWAY waiter still parked, got err %v", err)
	default:
	}
}

func Test_Send_ConcurrentSendsNeverMergeIntoOnePayload(t *testing.T) {
	sender := &recordingSender{}
	tr := transport.New(sender)
	p := New(tr)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(seq int32) {
			defer wg.Done()
			type args struct{ Text string }
			if err := p.Send(wire.MessageHeader{Method: "push", Type: wire.Oneway, SeqID: seq}, args{Text: "payload"}); err != nil {
				t.Errorf("Send(%d): %v", seq, err)
			}
		}(int32(i))
	}
	wg.Wait()

	sender.mu.Lock()
	defer sender.mu.Unlock()

	if len(sender.sent) != n {
		t.Fatalf("want %d distinct WebSocket payloads, got %d: two or more sends were merged into one", n, len(sender.sent))
	}

	seen := make(map[int32]bool, n)
	for _, payload := range sender.sent {
		h, err := wire.ReadMessageBegin(bytes.NewReader(payload))
		if err != nil {
			t.Fatalf("ReadMessageBegin: %v", err)
		}
		if h.Method != "push" {
			t.Fatalf("want method %q, got %q: payload was not a single clean message", "push", h.Method)
		}
		if seen[h.SeqID] {
			t.Fatalf("seq id %d decoded twice", h.SeqID)
		}
		seen[h.SeqID] = true
	}
	if len(seen) != n {
		t.Fatalf("want %d distinct sequence ids decoded, got %d", n, len(seen))
	}
}

func Test_WaitForMessage_ClosedTransport(t *testing.T) {
	tr := transport.New(nopSender{})
	p := New(tr)
	tr.Close()

	if _, err := p.WaitForMessage(context.Background(), wire.Call); err != transport.ErrClosed {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}

func Test_Send_FlushesOneMessage(t *testing.T) {
	sender := &recordingSender{}
	tr := transport.New(sender)
	p := New(tr)

	type args struct{ Text string }
	if err := p.Send(wire.MessageHeader{Method: "work", Type: wire.Call, SeqID: 1}, args{Text: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("want exactly one WebSocket payload, got %d", len(sender.sent))
	}
}
