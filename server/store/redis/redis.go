/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/smtprelay/server/store"
)

// DefaultPrefix is prepended to all keys when no prefix is configured.
const DefaultPrefix = "smtprelay|"

const (
	fieldMessage  = "message"
	fieldDelivery = "delivery"

	maxPingAttempts = 5
)

// Config bundles redis store configuration settings.
type Config struct {
	URL    string
	Prefix string
	Logger logrus.FieldLogger
}

// Store keeps each message in a redis hash. The immutable message record
// and the delivery fields live in separate hash fields, so a delivery update
// is a single HSET and readers always see a consistent pair. Insertion order
// is kept in a sorted set scored by a sequence counter.
type Store struct {
	client *redis.Client
	prefix string
	logger logrus.FieldLogger
}

var _ store.Store = (*Store)(nil) // Verify that *Store implements store.Store.

type deliveryRecord struct {
	Status      store.Status             `json:"delivery_status"`
	Detail      string                   `json:"delivery_detail"`
	AttemptedAt time.Time                `json:"attempted_at"`
	Results     []*store.RecipientResult `json:"results,omitempty"`
}

// Open connects to the redis server at config.URL and waits until it
// answers, retrying with backoff a few times.
func Open(ctx context.Context, config *Config) (*Store, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	prefix := config.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}

	s := &Store{
		client: redis.NewClient(opts),
		prefix: prefix,
		logger: config.Logger.WithFields(logrus.Fields{
			"scope": "store",
			"addr":  opts.Addr,
		}),
	}

	bo := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	for attempt := 1; ; attempt++ {
		err = s.Ping(ctx)
		if err == nil {
			break
		}
		if attempt >= maxPingAttempts {
			s.client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.logger.WithError(err).WithField("attempt", attempt).Warnln("redis not reachable, retrying")
		select {
		case <-ctx.Done():
			s.client.Close()
			return nil, ctx.Err()
		case <-time.After(bo.Duration()):
		}
	}
	s.logger.Debugln("redis message store connected")

	return s, nil
}

// Ping tests connection to redis database.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) messageKey(id string) string {
	return s.prefix + "msg|" + id
}

func (s *Store) indexKey() string {
	return s.prefix + "index"
}

func (s *Store) seqKey() string {
	return s.prefix + "seq"
}

func (s *Store) Put(ctx context.Context, message *store.Message) error {
	if err := message.Validate(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	seq, err := s.client.Incr(ctx, s.seqKey()).Uint64()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}

	record := message.Clone()
	record.Seq = seq
	record.AttemptedAt = nil
	record.Results = nil
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	key := s.messageKey(record.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, existsErr := tx.Exists(ctx, key).Result()
		if existsErr != nil {
			return existsErr
		}
		if n > 0 {
			return store.ErrExists
		}
		_, txErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldMessage, payload)
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(seq), Member: record.ID})
			return nil
		})
		return txErr
	}, key)
	if err != nil {
		if errors.Is(err, store.ErrExists) {
			return err
		}
		return fmt.Errorf("failed to store message: %w", err)
	}

	message.Seq = seq
	return nil
}

func decode(values map[string]string) (*store.Message, error) {
	raw, ok := values[fieldMessage]
	if !ok {
		return nil, store.ErrNotFound
	}
	message := &store.Message{}
	if err := json.Unmarshal([]byte(raw), message); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if rawDelivery, withDelivery := values[fieldDelivery]; withDelivery {
		var record deliveryRecord
		if err := json.Unmarshal([]byte(rawDelivery), &record); err != nil {
			return nil, fmt.Errorf("failed to decode delivery: %w", err)
		}
		message.Apply(&store.Delivery{
			Status:      record.Status,
			Detail:      record.Detail,
			AttemptedAt: record.AttemptedAt,
			Results:     record.Results,
		})
	}
	return message, nil
}

func (s *Store) Get(ctx context.Context, id string) (*store.Message, error) {
	values, err := s.client.HGetAll(ctx, s.messageKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return decode(values)
}

func (s *Store) All(ctx context.Context) ([]*store.Message, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read message index: %w", err)
	}
	if len(ids) == 0 {
		return []*store.Message{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for idx, id := range ids {
			cmds[idx] = pipe.HGetAll(ctx, s.messageKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	messages := make([]*store.Message, 0, len(ids))
	for idx, cmd := range cmds {
		message, decodeErr := decode(cmd.Val())
		if decodeErr != nil {
			if errors.Is(decodeErr, store.ErrNotFound) {
				s.logger.WithField("id", ids[idx]).Warnln("indexed message is missing")
				continue
			}
			return nil, decodeErr
		}
		messages = append(messages, message)
	}
	return messages, nil
}

func (s *Store) SetDelivery(ctx context.Context, id string, delivery *store.Delivery) error {
	if !delivery.Status.Valid() {
		return fmt.Errorf("invalid delivery status: %q", delivery.Status)
	}
	payload, err := json.Marshal(&deliveryRecord{
		Status:      delivery.Status,
		Detail:      delivery.Detail,
		AttemptedAt: delivery.AttemptedAt,
		Results:     delivery.Results,
	})
	if err != nil {
		return fmt.Errorf("failed to encode delivery: %w", err)
	}

	key := s.messageKey(id)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, existsErr := tx.HExists(ctx, key, fieldMessage).Result()
		if existsErr != nil {
			return existsErr
		}
		if !exists {
			return store.ErrNotFound
		}
		_, txErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldDelivery, payload)
			return nil
		})
		return txErr
	}, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to store delivery: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
