/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package serve

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"stash.kopano.io/kgol/smtprelay/server"
)

func TestStatusPublisherLogsFailureOnce(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	var err error
	var published []*server.Status
	p := &statusPublisher{
		set: func(s *server.Status) error {
			if err != nil {
				return err
			}
			published = append(published, s)
			return nil
		},
	}

	err = errors.New("shm unavailable")
	for i := 0; i < 3; i++ {
		p.publish(logger, &server.Status{Sessions: i})
	}
	errorEntries := 0
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel {
			errorEntries++
		}
	}
	if errorEntries != 1 {
		t.Errorf("expected 1 error entry, got %d", errorEntries)
	}

	hook.Reset()
	err = nil
	p.publish(logger, &server.Status{Sessions: 4})
	if len(published) != 1 || published[0].Sessions != 4 {
		t.Fatalf("unexpected published status %v", published)
	}
	entries := hook.AllEntries()
	if len(entries) != 2 || entries[0].Level != logrus.InfoLevel {
		t.Errorf("expected recovery info entry, got %v", entries)
	}

	hook.Reset()
	p.publish(logger, &server.Status{Sessions: 5})
	for _, entry := range hook.AllEntries() {
		if entry.Level != logrus.DebugLevel {
			t.Errorf("unexpected %s entry %q", entry.Level, entry.Message)
		}
	}
}
