/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package utils

import (
	"context"
	"sync/atomic"
)

// A Broadcaster fans out published values of type T to all current
// subscribers. Slow subscribers miss values instead of blocking the
// publisher.
type Broadcaster[T any] struct {
	bufferSize int
	stopped    atomic.Bool

	publishCh     chan T
	subscribeCh   chan chan T
	unsubscribeCh chan chan T
	stopCh        chan struct{}
	doneCh        chan struct{}
}

func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{
		bufferSize: 10,

		publishCh:     make(chan T, 1),
		subscribeCh:   make(chan chan T),
		unsubscribeCh: make(chan chan T),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

func (b *Broadcaster[T]) SetBufferSize(bufferSize int) {
	b.bufferSize = bufferSize
}

// Start runs the pump until Stop is called or the provided context is done.
func (b *Broadcaster[T]) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	defer close(b.doneCh)

	subscribers := make(map[chan T]struct{})

	// Single Go routine pumping messages, subscriptions and unsubscriptions.
	for {
		select {

		case messageCh := <-b.subscribeCh:
			subscribers[messageCh] = struct{}{}

		case messageCh := <-b.unsubscribeCh:
			if _, ok := subscribers[messageCh]; ok {
				delete(subscribers, messageCh)
				close(messageCh)
			}

		case msg := <-b.publishCh:
			for messageCh := range subscribers {
				// Non blocking send to all subscribers.
				select {
				case messageCh <- msg:
				default:
				}
			}

		case <-b.stopCh:
			// We are done, close all subscribers.
			for messageCh := range subscribers {
				close(messageCh)
			}
			return

		case <-ctx.Done():
			b.Stop()
		}
	}
}

func (b *Broadcaster[T]) Stop() {
	if b.stopped.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
}

func (b *Broadcaster[T]) Subscribe() chan T {
	messageCh := make(chan T, b.bufferSize)
	select {
	case b.subscribeCh <- messageCh:
	case <-b.doneCh:
		close(messageCh)
	}
	return messageCh
}

func (b *Broadcaster[T]) Unsubscribe(messageCh chan T) {
	select {
	case b.unsubscribeCh <- messageCh:
	case <-b.doneCh:
	}
}

// Broadcast publishes msg to all subscribers. It is a no-op once the
// broadcaster has stopped.
func (b *Broadcaster[T]) Broadcast(msg T) {
	select {
	case b.publishCh <- msg:
	case <-b.doneCh:
	}
}
