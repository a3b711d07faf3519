// Copyright (c) 2014 The cider AUTHORS
//
// This file is part of wsrpc.
//
// wsrpc is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package msgqueue classifies freshly received frames by message type and
// keeps one strict FIFO sequence per type. No ordering is asserted between
// types, only within one.
package msgqueue

import (
	"sync"

	"github.com/cider/wsrpc/wire"
)

// Queue collects decoded-header-plus-raw-frame wrappers (wire.Decoder),
// keyed by wire.MessageType.
type Queue struct {
	mu     sync.Mutex
	byType map[wire.MessageType][]*wire.Decoder
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{byType: make(map[wire.MessageType][]*wire.Decoder)}
}

// Add reads frame's header to classify it and enqueues the resulting
// decoder at the tail of its type's list. The decoder is created once here
// so a later consumer never re-decodes the header.
func (q *Queue) Add(frame wire.Frame) error {
	dec, err := wire.NewDecoder(frame)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.byType[dec.Header.Type] = append(q.byType[dec.Header.Type], dec)
	q.mu.Unlock()
	return nil
}

// Get returns the head of the first non-empty per-type queue whose type is
// in types, searching in argument order. Ties within one type are FIFO.
func (q *Queue) Get(types ...wire.MessageType) (*wire.Decoder, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range types {
		list := q.byType[t]
		if len(list) == 0 {
			continue
		}
		dec := list[0]
		q.byType[t] = list[1:]
		return dec, true
	}
	return nil, false
}
