/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a message with the requested id is unknown.
	ErrNotFound = errors.New("message not found")
	// ErrExists is returned by Put for an id which is already stored.
	ErrExists = errors.New("message already exists")
)

// Store persists accepted messages. Message content is immutable once Put
// returned, only the delivery fields change through SetDelivery. All
// implementations must be safe for concurrent use and must never expose a
// partially applied delivery to readers.
type Store interface {
	// Put persists a new message and assigns its sequence number. Either the
	// full message is persisted or nothing is.
	Put(ctx context.Context, message *Message) error

	// Get returns a copy of the message with the provided id or ErrNotFound.
	Get(ctx context.Context, id string) (*Message, error)

	// All returns copies of all stored messages in insertion order.
	All(ctx context.Context) ([]*Message, error)

	// SetDelivery atomically replaces the delivery fields of a message.
	SetDelivery(ctx context.Context, id string, delivery *Delivery) error

	Close() error
}
