/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/smtprelay/server/store"
	"stash.kopano.io/kgol/smtprelay/server/store/file"
)

func newTestLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestAPI(t *testing.T) (*httptest.Server, store.Store) {
	t.Helper()

	s, err := file.Open(t.TempDir(), newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(New(&Config{
		Logger:  newTestLogger(),
		Store:   s,
		Metrics: true,
	}))
	t.Cleanup(srv.Close)

	return srv, s
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()

	response, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatal(err)
	}
	return response.StatusCode, body
}

func list(t *testing.T, url string) []*Message {
	t.Helper()

	status, body := get(t, url)
	if status != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", status, body)
	}
	var messages []*Message
	if err := json.Unmarshal(body, &messages); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return messages
}

func TestListEmpty(t *testing.T) {
	srv, _ := newTestAPI(t)

	status, body := get(t, srv.URL+"/messages")
	if status != http.StatusOK {
		t.Fatalf("unexpected status %d", status)
	}
	if got := string(bytes.TrimSpace(body)); got != "[]" {
		t.Errorf("expected empty list, got %q", got)
	}
}

func TestListRoundTrip(t *testing.T) {
	srv, s := newTestAPI(t)

	data := []byte("Subject: =?utf-8?q?Gr=C3=BC=C3=9Fe?=\r\n\r\nBody line\r\n\x00\xff binary tail")
	m, err := store.NewMessage("sender@example.org", []string{"a@example.com", "b@example.net"}, data)
	if err != nil {
		t.Fatal(err)
	}
	if err = s.Put(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	messages := list(t, srv.URL+"/messages")
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	got := messages[0]
	if got.ID != m.ID || got.Sender != m.Sender {
		t.Errorf("unexpected message %+v", got)
	}
	if len(got.Recipients) != 2 || got.Recipients[0] != "a@example.com" || got.Recipients[1] != "b@example.net" {
		t.Errorf("unexpected recipients %v", got.Recipients)
	}
	if got.Subject != "Grüße" {
		t.Errorf("unexpected subject %q", got.Subject)
	}
	if !bytes.Equal(got.Data, data) {
		t.Errorf("data does not round trip")
	}
	if !bytes.HasPrefix([]byte(got.Body), []byte("Body line\r\n")) {
		t.Errorf("unexpected body %q", got.Body)
	}
	if got.DeliveryStatus != store.StatusStored || got.DeliveryDetail != "" {
		t.Errorf("unexpected delivery state %s %q", got.DeliveryStatus, got.DeliveryDetail)
	}
	if !got.ReceivedAt.Equal(m.ReceivedAt) {
		t.Errorf("unexpected received at %v", got.ReceivedAt)
	}
}

func TestListIdempotent(t *testing.T) {
	srv, s := newTestAPI(t)

	for idx := 0; idx < 3; idx++ {
		m, err := store.NewMessage("sender@example.org", []string{"a@example.com"}, []byte("Subject: test\r\n\r\nbody"))
		if err != nil {
			t.Fatal(err)
		}
		if err = s.Put(context.Background(), m); err != nil {
			t.Fatal(err)
		}
	}

	_, first := get(t, srv.URL+"/messages")
	_, second := get(t, srv.URL+"/messages")
	if !bytes.Equal(first, second) {
		t.Errorf("repeated listing differs")
	}
}

func TestGetAndStatusFilter(t *testing.T) {
	srv, s := newTestAPI(t)
	ctx := context.Background()

	var ids []string
	for idx := 0; idx < 2; idx++ {
		m, err := store.NewMessage("sender@example.org", []string{"a@example.com"}, []byte("Subject: test\r\n\r\nbody"))
		if err != nil {
			t.Fatal(err)
		}
		if err = s.Put(ctx, m); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, m.ID)
	}
	if err := s.SetDelivery(ctx, ids[1], &store.Delivery{
		Status:      store.StatusFailed,
		Detail:      "550 5.7.1 not authorized",
		AttemptedAt: time.Now(),
		Results: []*store.RecipientResult{{
			Recipient: "a@example.com",
			Domain:    "example.com",
			Path:      "direct",
			Class:     "permanent",
			Code:      550,
			Detail:    "550 5.7.1 not authorized",
		}},
	}); err != nil {
		t.Fatal(err)
	}

	failed := list(t, srv.URL+"/messages?status=failed")
	if len(failed) != 1 || failed[0].ID != ids[1] {
		t.Fatalf("unexpected failed messages %+v", failed)
	}
	if failed[0].DeliveryDetail != "550 5.7.1 not authorized" || len(failed[0].Results) != 1 {
		t.Errorf("unexpected delivery fields %+v", failed[0])
	}
	if failed[0].AttemptedAt == nil {
		t.Errorf("attempted at missing")
	}

	stored := list(t, srv.URL+"/messages?status=stored")
	if len(stored) != 1 || stored[0].ID != ids[0] {
		t.Errorf("unexpected stored messages %+v", stored)
	}

	if status, _ := get(t, srv.URL+"/messages?status=bogus"); status != http.StatusBadRequest {
		t.Errorf("expected bad request for invalid filter, got %d", status)
	}

	status, body := get(t, srv.URL+"/messages/"+ids[0])
	if status != http.StatusOK {
		t.Fatalf("unexpected status %d", status)
	}
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatal(err)
	}
	if m.ID != ids[0] || m.Body != "body" {
		t.Errorf("unexpected message %+v", m)
	}

	if status, _ = get(t, srv.URL+"/messages/unknown"); status != http.StatusNotFound {
		t.Errorf("expected not found, got %d", status)
	}
}

type brokenStore struct {
	store.Store
}

func (s *brokenStore) All(ctx context.Context) ([]*store.Message, error) {
	return nil, errors.New("broken")
}

func TestListStoreError(t *testing.T) {
	srv := httptest.NewServer(New(&Config{
		Logger: newTestLogger(),
		Store:  &brokenStore{},
	}))
	defer srv.Close()

	if status, _ := get(t, srv.URL+"/messages"); status != http.StatusInternalServerError {
		t.Errorf("expected internal server error, got %d", status)
	}
}

func TestHealthCheckAndMetrics(t *testing.T) {
	srv, _ := newTestAPI(t)

	if status, body := get(t, srv.URL+"/health-check"); status != http.StatusOK || string(body) != "OK" {
		t.Errorf("unexpected health check %d %q", status, body)
	}
	if status, _ := get(t, srv.URL+"/metrics"); status != http.StatusOK {
		t.Errorf("unexpected metrics status %d", status)
	}
}
