/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package delivery

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/smtprelay/server/smtp/outbound"
	"stash.kopano.io/kgol/smtprelay/server/smtp/smtptest"
	"stash.kopano.io/kgol/smtprelay/server/store"
	"stash.kopano.io/kgol/smtprelay/server/store/file"
)

const testData = "From: sender@x.test\r\nTo: user@example.com\r\nSubject: Hello\r\n\r\nHello world\r\n"

func newTestLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type staticResolver struct {
	mutex   sync.Mutex
	records map[string][]*net.MX
	calls   int
}

func (r *staticResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.calls++

	records, ok := r.records[name]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return records, nil
}

func (r *staticResolver) Calls() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.calls
}

type testEnv struct {
	store      store.Store
	dispatcher *Dispatcher
}

func newTestEnv(t *testing.T, config *Config) *testEnv {
	t.Helper()

	s, err := file.Open(t.TempDir(), newTestLogger())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	config.Logger = newTestLogger()
	config.Store = s
	if config.Sender == nil {
		config.Sender = outbound.New(&outbound.Config{
			Logger:   config.Logger,
			HeloName: "relay.test",
			Timeout:  10 * time.Second,
		})
	}

	d, err := New(config)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}
	d.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})

	return &testEnv{
		store:      s,
		dispatcher: d,
	}
}

func (env *testEnv) put(t *testing.T, recipients ...string) *store.Message {
	t.Helper()

	m, err := store.NewMessage("sender@x.test", recipients, []byte(testData))
	if err != nil {
		t.Fatalf("failed to create message: %v", err)
	}
	if err = env.store.Put(context.Background(), m); err != nil {
		t.Fatalf("failed to store message: %v", err)
	}
	return m
}

func (env *testEnv) deliver(t *testing.T, id string) *store.Message {
	t.Helper()

	if err := env.dispatcher.Deliver(context.Background(), id); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	m, err := env.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load message: %v", err)
	}
	if m.AttemptedAt == nil {
		t.Errorf("attempted at not set")
	}
	return m
}

func closedPort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func TestDeliverRelayed(t *testing.T) {
	srv := smtptest.NewServer(t, &smtptest.Options{
		Username: "user",
		Password: "secret",
		TLS:      true,
	})
	resolver := &staticResolver{}
	env := newTestEnv(t, &Config{
		Relay: outbound.RelayConfig{
			Host:           srv.Host,
			Port:           srv.Port,
			Username:       "user",
			Password:       "secret",
			StartTLS:       true,
			TLSSkipVerify:  true,
			DirectFallback: true,
		},
		Resolver: resolver,
	})

	m := env.deliver(t, env.put(t, "user@example.com").ID)

	if m.DeliveryStatus != store.StatusRelayed {
		t.Fatalf("expected relayed, got %s (%s)", m.DeliveryStatus, m.DeliveryDetail)
	}
	if !strings.HasPrefix(m.DeliveryDetail, "2") {
		t.Errorf("expected 2xx detail, got %q", m.DeliveryDetail)
	}
	if len(m.Results) != 1 || m.Results[0].Path != string(PathRelay) {
		t.Errorf("unexpected results %+v", m.Results)
	}
	if len(srv.Messages()) != 1 {
		t.Errorf("expected relay to receive 1 message, got %d", len(srv.Messages()))
	}
	if resolver.Calls() != 0 {
		t.Errorf("unexpected mx lookups")
	}
}

func TestDeliverRelayAuthFailedNoFallback(t *testing.T) {
	srv := smtptest.NewServer(t, &smtptest.Options{
		Username: "user",
		Password: "secret",
		TLS:      true,
	})
	mx := smtptest.NewServer(t, nil)
	resolver := &staticResolver{
		records: map[string][]*net.MX{
			"example.com": {{Host: "127.0.0.1.", Pref: 10}},
		},
	}
	env := newTestEnv(t, &Config{
		Relay: outbound.RelayConfig{
			Host:           srv.Host,
			Port:           srv.Port,
			Username:       "user",
			Password:       "invalid",
			StartTLS:       true,
			TLSSkipVerify:  true,
			DirectFallback: true,
		},
		Resolver: resolver,
		MXPort:   mx.Port,
	})

	m := env.deliver(t, env.put(t, "user@example.com").ID)

	if m.DeliveryStatus != store.StatusFailed {
		t.Fatalf("expected failed, got %s", m.DeliveryStatus)
	}
	if !strings.Contains(m.DeliveryDetail, "535") {
		t.Errorf("expected 535 detail, got %q", m.DeliveryDetail)
	}
	if resolver.Calls() != 0 || len(mx.Messages()) != 0 {
		t.Errorf("must not fall back to direct delivery after auth failure")
	}
}

func TestDeliverDirectRejected(t *testing.T) {
	mx := smtptest.NewServer(t, &smtptest.Options{
		Reject: map[string]*smtp.SMTPError{
			"user@example.com": {Code: 550, EnhancedCode: smtp.EnhancedCode{5, 7, 1}, Message: "Not authorized"},
		},
	})
	resolver := &staticResolver{
		records: map[string][]*net.MX{
			"example.com": {{Host: "127.0.0.1.", Pref: 10}},
		},
	}
	env := newTestEnv(t, &Config{
		Resolver: resolver,
		MXPort:   mx.Port,
	})

	m := env.deliver(t, env.put(t, "user@example.com").ID)

	if m.DeliveryStatus != store.StatusFailed {
		t.Fatalf("expected failed, got %s", m.DeliveryStatus)
	}
	if !strings.Contains(m.DeliveryDetail, "550") {
		t.Errorf("expected 550 detail, got %q", m.DeliveryDetail)
	}
	if len(m.Results) != 1 || m.Results[0].Class != string(outbound.ClassPermanent) || m.Results[0].Host != "127.0.0.1" {
		t.Errorf("unexpected results %+v", m.Results)
	}
}

func TestDeliverDirect(t *testing.T) {
	mx := smtptest.NewServer(t, &smtptest.Options{TLS: true})
	resolver := &staticResolver{
		records: map[string][]*net.MX{
			"example.com": {{Host: "127.0.0.1.", Pref: 10}},
			"example.org": {{Host: "127.0.0.1.", Pref: 10}},
		},
	}
	env := newTestEnv(t, &Config{
		Resolver: resolver,
		MXPort:   mx.Port,
	})

	m := env.deliver(t, env.put(t, "a@example.com", "b@example.org", "c@example.com").ID)

	if m.DeliveryStatus != store.StatusDeliveredDirect {
		t.Fatalf("expected delivered_direct, got %s (%s)", m.DeliveryStatus, m.DeliveryDetail)
	}
	// One conversation per domain.
	messages := mx.Messages()
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if strings.Join(messages[0].To, ",") != "a@example.com,c@example.com" {
		t.Errorf("unexpected recipients %v", messages[0].To)
	}
	if len(m.Results) != 3 {
		t.Errorf("expected 3 results, got %d", len(m.Results))
	}
}

func TestDeliverUnresolvableDomain(t *testing.T) {
	sender := &scriptedSender{}
	env := newTestEnv(t, &Config{
		Sender: sender,
		Resolver: &staticResolver{
			records: map[string][]*net.MX{
				"null.example": {{Host: ".", Pref: 0}},
			},
		},
	})

	m := env.deliver(t, env.put(t, "user@unknown.example", "user@null.example").ID)

	if m.DeliveryStatus != store.StatusFailed {
		t.Fatalf("expected failed, got %s", m.DeliveryStatus)
	}
	if !strings.Contains(m.DeliveryDetail, "mx lookup for unknown.example failed") {
		t.Errorf("unexpected detail %q", m.DeliveryDetail)
	}
	if !strings.Contains(m.DeliveryDetail, "null mx") {
		t.Errorf("unexpected detail %q", m.DeliveryDetail)
	}
	if len(sender.Calls()) != 0 {
		t.Errorf("no delivery must be attempted for unresolvable domains")
	}
}

func TestDeliverRelayTransientFallsBack(t *testing.T) {
	mx := smtptest.NewServer(t, nil)
	resolver := &staticResolver{
		records: map[string][]*net.MX{
			"example.com": {{Host: "127.0.0.1.", Pref: 10}},
		},
	}
	relay := outbound.RelayConfig{
		Host:           "127.0.0.1",
		Port:           closedPort(t),
		StartTLS:       true,
		DirectFallback: true,
	}

	env := newTestEnv(t, &Config{
		Relay:    relay,
		Resolver: resolver,
		MXPort:   mx.Port,
	})
	m := env.deliver(t, env.put(t, "user@example.com").ID)

	if m.DeliveryStatus != store.StatusDeliveredDirect {
		t.Fatalf("expected delivered_direct, got %s (%s)", m.DeliveryStatus, m.DeliveryDetail)
	}
	if len(mx.Messages()) != 1 {
		t.Errorf("expected mx to receive 1 message, got %d", len(mx.Messages()))
	}

	relay.DirectFallback = false
	env = newTestEnv(t, &Config{
		Relay:    relay,
		Resolver: resolver,
		MXPort:   mx.Port,
	})
	m = env.deliver(t, env.put(t, "user@example.com").ID)

	if m.DeliveryStatus != store.StatusFailed {
		t.Fatalf("expected failed without fallback, got %s", m.DeliveryStatus)
	}
	if len(m.Results) != 1 || m.Results[0].Class != string(outbound.ClassTransient) {
		t.Errorf("unexpected results %+v", m.Results)
	}
}

type scriptedSender struct {
	mutex    sync.Mutex
	outcomes map[string]*outbound.Outcome
	calls    []string
}

func (s *scriptedSender) Send(ctx context.Context, dest *outbound.Destination, envelope *outbound.Envelope) []*outbound.Outcome {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.calls = append(s.calls, dest.Host)
	outcomes := make([]*outbound.Outcome, len(envelope.To))
	for idx := range envelope.To {
		outcome, ok := s.outcomes[dest.Host]
		if !ok {
			outcome = &outbound.Outcome{Class: outbound.ClassSuccess, Code: 250, Detail: "250 ok"}
		}
		o := *outcome
		o.Host = dest.Host
		outcomes[idx] = &o
	}
	return outcomes
}

func (s *scriptedSender) Calls() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]string(nil), s.calls...)
}

func TestDeliverDirectMXOrder(t *testing.T) {
	sender := &scriptedSender{
		outcomes: map[string]*outbound.Outcome{
			"mx1.example.com": {Class: outbound.ClassTransient, Detail: "connect failed"},
			"mx3.example.com": {Class: outbound.ClassPermanent, Code: 550, Detail: "550 no"},
		},
	}
	env := newTestEnv(t, &Config{
		Sender: sender,
		Resolver: &staticResolver{
			records: map[string][]*net.MX{
				"example.com": {
					{Host: "mx3.example.com.", Pref: 30},
					{Host: "mx1.example.com.", Pref: 10},
					{Host: "mx2.example.com.", Pref: 20},
				},
			},
		},
	})

	m := env.deliver(t, env.put(t, "user@example.com").ID)

	if m.DeliveryStatus != store.StatusDeliveredDirect {
		t.Fatalf("expected delivered_direct, got %s (%s)", m.DeliveryStatus, m.DeliveryDetail)
	}
	if calls := sender.Calls(); strings.Join(calls, ",") != "mx1.example.com,mx2.example.com" {
		t.Errorf("unexpected mx attempts %v", calls)
	}
	if m.Results[0].Host != "mx2.example.com" {
		t.Errorf("unexpected host %q", m.Results[0].Host)
	}
}

func TestDeliverDirectPermanentStopsIteration(t *testing.T) {
	sender := &scriptedSender{
		outcomes: map[string]*outbound.Outcome{
			"mx1.example.com": {Class: outbound.ClassPermanent, Code: 550, Detail: "550 no"},
		},
	}
	env := newTestEnv(t, &Config{
		Sender: sender,
		Resolver: &staticResolver{
			records: map[string][]*net.MX{
				"example.com": {
					{Host: "mx1.example.com.", Pref: 10},
					{Host: "mx2.example.com.", Pref: 20},
				},
			},
		},
	})

	m := env.deliver(t, env.put(t, "user@example.com").ID)

	if m.DeliveryStatus != store.StatusFailed || m.DeliveryDetail != "550 no" {
		t.Errorf("unexpected status %s (%s)", m.DeliveryStatus, m.DeliveryDetail)
	}
	if calls := sender.Calls(); len(calls) != 1 {
		t.Errorf("unexpected mx attempts %v", calls)
	}
}

func TestEnqueuePublishesEvent(t *testing.T) {
	env := newTestEnv(t, &Config{
		Sender: &scriptedSender{},
		Relay:  outbound.RelayConfig{Host: "relay.example.net"},
	})

	events := env.dispatcher.Subscribe()
	defer env.dispatcher.Unsubscribe(events)

	m := env.put(t, "user@example.com")
	if !env.dispatcher.Enqueue(m.ID) {
		t.Fatalf("enqueue failed")
	}

	select {
	case event := <-events:
		if event.ID != m.ID || event.Status != store.StatusRelayed {
			t.Errorf("unexpected event %+v", event)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("timeout waiting for delivery event")
	}

	stored, err := env.store.Get(context.Background(), m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.DeliveryStatus != store.StatusRelayed {
		t.Errorf("unexpected status %s", stored.DeliveryStatus)
	}
}

func TestEnqueueFullAndClosed(t *testing.T) {
	s, err := file.Open(t.TempDir(), newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	d, err := New(&Config{
		Logger:    newTestLogger(),
		Store:     s,
		Sender:    &scriptedSender{},
		QueueSize: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Workers are not running, the queue fills up and the second handoff
	// waits.
	if !d.Enqueue("one") {
		t.Errorf("first enqueue must succeed")
	}
	if !d.Enqueue("two") {
		t.Errorf("enqueue on full queue must be deferred")
	}

	d.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = d.Shutdown(ctx); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
	if d.Enqueue("three") {
		t.Errorf("enqueue after shutdown must fail")
	}
}

// slowSender delivers successfully after a delay.
type slowSender struct {
	scriptedSender
	delay time.Duration
}

func (s *slowSender) Send(ctx context.Context, dest *outbound.Destination, envelope *outbound.Envelope) []*outbound.Outcome {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
	}
	return s.scriptedSender.Send(ctx, dest, envelope)
}

func TestEnqueueFloodedQueueDeliversAll(t *testing.T) {
	sender := &slowSender{delay: 50 * time.Millisecond}
	env := newTestEnv(t, &Config{
		Sender:    sender,
		Relay:     outbound.RelayConfig{Host: "relay.example.net"},
		Workers:   1,
		QueueSize: 1,
	})

	var ids []string
	for i := 0; i < 4; i++ {
		m := env.put(t, "user@example.com")
		if !env.dispatcher.Enqueue(m.ID) {
			t.Fatalf("enqueue %d failed", i)
		}
		ids = append(ids, m.ID)
	}

	deadline := time.Now().Add(10 * time.Second)
	for _, id := range ids {
		for {
			m, err := env.store.Get(context.Background(), id)
			if err != nil {
				t.Fatal(err)
			}
			if m.DeliveryStatus != store.StatusStored {
				if m.DeliveryStatus != store.StatusRelayed {
					t.Errorf("unexpected status %s for %s", m.DeliveryStatus, id)
				}
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("message %s still stored", id)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	if calls := sender.Calls(); len(calls) != 4 {
		t.Errorf("expected 4 delivery attempts, got %d", len(calls))
	}
}

func TestShutdownReleasesDeferredHandoff(t *testing.T) {
	s, err := file.Open(t.TempDir(), newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	d, err := New(&Config{
		Logger:    newTestLogger(),
		Store:     s,
		Sender:    &scriptedSender{},
		QueueSize: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Never started, the deferred handoff can only end through Shutdown.
	d.Enqueue("one")
	d.Enqueue("two")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = d.Shutdown(ctx); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}

func TestResumePending(t *testing.T) {
	sender := &scriptedSender{}
	env := newTestEnv(t, &Config{
		Sender: sender,
		Relay:  outbound.RelayConfig{Host: "relay.example.net"},
	})

	done := env.put(t, "done@example.com")
	if err := env.store.SetDelivery(context.Background(), done.ID, &store.Delivery{
		Status:      store.StatusRelayed,
		Detail:      "250 ok",
		AttemptedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	pending := env.put(t, "pending@example.com")

	events := env.dispatcher.Subscribe()
	defer env.dispatcher.Unsubscribe(events)

	count, err := env.dispatcher.ResumePending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected 1 resumed message, got %d", count)
	}

	select {
	case event := <-events:
		if event.ID != pending.ID {
			t.Errorf("unexpected event %+v", event)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("timeout waiting for delivery event")
	}
}
