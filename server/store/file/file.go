/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/smtprelay/server/store"
)

const (
	recordSuffix    = ".json"
	recordTmpSuffix = ".json.tmp"
)

// Store persists each message as one JSON record in a directory. All
// records are loaded on Open and kept in memory for reads, writes always
// go to disk first.
type Store struct {
	mutex  sync.RWMutex
	path   string
	logger logrus.FieldLogger

	messages map[string]*store.Message
	order    []string
	seq      uint64
}

var _ store.Store = (*Store)(nil) // Verify that *Store implements store.Store.

// Open creates the directory at path if needed and loads all records in it.
func Open(path string, logger logrus.FieldLogger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path must not be empty")
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &Store{
		path: path,
		logger: logger.WithFields(logrus.Fields{
			"scope": "store",
			"path":  path,
		}),

		messages: make(map[string]*store.Message),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.logger.WithField("count", len(s.order)).Debugln("message store loaded")

	return s, nil
}

func (s *Store) load() error {
	entries, err := os.ReadDir(s.path)
	if err != nil {
		return fmt.Errorf("failed to read store directory: %w", err)
	}

	var messages []*store.Message
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(name, recordTmpSuffix) {
			// Left over from an interrupted write, never visible to readers.
			_ = os.Remove(filepath.Join(s.path, name))
			continue
		}
		if !strings.HasSuffix(name, recordSuffix) {
			continue
		}

		contents, readErr := os.ReadFile(filepath.Join(s.path, name))
		if readErr != nil {
			return fmt.Errorf("failed to read record %s: %w", name, readErr)
		}
		message := &store.Message{}
		if decodeErr := json.Unmarshal(contents, message); decodeErr != nil {
			s.logger.WithError(decodeErr).WithField("record", name).Warnln("skipping undecodable record")
			continue
		}
		if message.ID+recordSuffix != name {
			s.logger.WithField("record", name).Warnln("skipping record with mismatching id")
			continue
		}
		messages = append(messages, message)
	}

	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].Seq != messages[j].Seq {
			return messages[i].Seq < messages[j].Seq
		}
		return messages[i].ReceivedAt.Before(messages[j].ReceivedAt)
	})

	for _, message := range messages {
		s.messages[message.ID] = message
		s.order = append(s.order, message.ID)
		if message.Seq > s.seq {
			s.seq = message.Seq
		}
	}

	return nil
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.path, id+recordSuffix)
}

// write stores message as record via a temporary file and rename, so a
// record is either fully present or not at all.
func (s *Store) write(message *store.Message) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	fn := s.recordPath(message.ID)
	tmpFn := filepath.Join(s.path, message.ID+recordTmpSuffix)

	f, err := os.OpenFile(tmpFn, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create record: %w", err)
	}
	_, err = f.Write(payload)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpFn)
		return fmt.Errorf("failed to write record: %w", err)
	}

	if err = os.Rename(tmpFn, fn); err != nil {
		os.Remove(tmpFn)
		return fmt.Errorf("failed to commit record: %w", err)
	}

	return nil
}

func (s *Store) Put(ctx context.Context, message *store.Message) error {
	if err := message.Validate(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.messages[message.ID]; exists {
		return store.ErrExists
	}

	record := message.Clone()
	record.Seq = s.seq + 1
	if err := s.write(record); err != nil {
		return err
	}

	s.seq = record.Seq
	s.messages[record.ID] = record
	s.order = append(s.order, record.ID)
	message.Seq = record.Seq

	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*store.Message, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	message, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return message.Clone(), nil
}

func (s *Store) All(ctx context.Context) ([]*store.Message, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	messages := make([]*store.Message, 0, len(s.order))
	for _, id := range s.order {
		messages = append(messages, s.messages[id].Clone())
	}
	return messages, nil
}

func (s *Store) SetDelivery(ctx context.Context, id string, delivery *store.Delivery) error {
	if !delivery.Status.Valid() {
		return fmt.Errorf("invalid delivery status: %q", delivery.Status)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	current, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}

	record := current.Clone()
	record.Apply(delivery)
	if err := s.write(record); err != nil {
		return err
	}
	s.messages[id] = record

	return nil
}

func (s *Store) Close() error {
	return nil
}
