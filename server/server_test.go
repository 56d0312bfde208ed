/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/smtprelay/server/api"
	"stash.kopano.io/kgol/smtprelay/server/smtp/smtptest"
	"stash.kopano.io/kgol/smtprelay/server/store"
)

type staticResolver map[string][]*net.MX

func (r staticResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	records, ok := r[name]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return records, nil
}

func newTestConfig(t *testing.T) *Config {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	statePath := t.TempDir()
	return &Config{
		Logger: logger,

		SMTPListenAddress: "127.0.0.1:0",
		APIListenAddress:  "127.0.0.1:0",
		Hostname:          "relay.test",

		StatePath: statePath,
		StorePath: filepath.Join(statePath, "mail_store"),

		MaxMessageBytes: 1024 * 1024,
		MaxRecipients:   10,

		DeliveryTimeout: 10 * time.Second,
		DeliveryWorkers: 2,
	}
}

func startTestServer(t *testing.T, config *Config) *Status {
	t.Helper()

	readyCh := make(chan *Server, 1)
	config.OnReady = func(srv *Server) {
		readyCh <- srv
	}

	srv, err := NewServer(config)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan error, 1)
	go func() {
		doneCh <- srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case serveErr := <-doneCh:
			if serveErr != nil {
				t.Errorf("serve returned error: %v", serveErr)
			}
		case <-time.After(30 * time.Second):
			t.Errorf("timeout waiting for server shutdown")
		}
	})

	select {
	case <-readyCh:
	case serveErr := <-doneCh:
		t.Fatalf("serve failed: %v", serveErr)
	case <-time.After(10 * time.Second):
		t.Fatalf("timeout waiting for server ready")
	}

	status, err := srv.Status()
	if err != nil {
		t.Fatal(err)
	}
	return status
}

func listMessages(t *testing.T, apiAddr string) []*api.Message {
	t.Helper()

	response, err := http.Get("http://" + apiAddr + "/messages")
	if err != nil {
		t.Fatal(err)
	}
	defer response.Body.Close()

	var messages []*api.Message
	if err = json.NewDecoder(response.Body).Decode(&messages); err != nil {
		t.Fatal(err)
	}
	return messages
}

func TestServeSubmitAndDeliverDirect(t *testing.T) {
	mx := smtptest.NewServer(t, nil)

	config := newTestConfig(t)
	config.Resolver = staticResolver{
		"example.com": {{Host: "127.0.0.1.", Pref: 10}},
	}
	config.MXPort = mx.Port
	status := startTestServer(t, config)

	data := "From: sender@example.org\r\nTo: user@example.com\r\nSubject: Hello\r\n\r\nHello world\r\n"
	err := smtp.SendMail(status.SMTPListenAddress, nil, "sender@example.org", []string{"user@example.com"}, strings.NewReader(data))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	var messages []*api.Message
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		messages = listMessages(t, status.APIListenAddress)
		if len(messages) == 1 && messages[0].DeliveryStatus != store.StatusStored {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	m := messages[0]
	if m.DeliveryStatus != store.StatusDeliveredDirect {
		t.Fatalf("expected delivered_direct, got %s (%s)", m.DeliveryStatus, m.DeliveryDetail)
	}
	if m.Subject != "Hello" || m.Sender != "sender@example.org" {
		t.Errorf("unexpected message %+v", m)
	}
	if len(mx.Messages()) != 1 {
		t.Errorf("expected mx to receive 1 message, got %d", len(mx.Messages()))
	}
}

func TestServeStartTLSGeneratesCertificate(t *testing.T) {
	config := newTestConfig(t)
	config.SMTPStartTLS = true
	status := startTestServer(t, config)

	if _, err := os.Stat(filepath.Join(config.StatePath, certStoreFn)); err != nil {
		t.Fatalf("expected generated certificate: %v", err)
	}

	c, err := smtp.Dial(status.SMTPListenAddress)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err = c.Hello("client.test"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := c.Extension("STARTTLS"); !ok {
		t.Fatalf("starttls not advertised")
	}
	if err = c.Quit(); err != nil {
		t.Errorf("quit failed: %v", err)
	}

	tc, err := smtp.DialStartTLS(status.SMTPListenAddress, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("starttls failed: %v", err)
	}
	defer tc.Close()

	if err = tc.Noop(); err != nil {
		t.Errorf("noop over tls failed: %v", err)
	}
	if err = tc.Quit(); err != nil {
		t.Errorf("quit failed: %v", err)
	}
}

func TestServeResumesPending(t *testing.T) {
	mx := smtptest.NewServer(t, nil)

	config := newTestConfig(t)
	config.Resolver = staticResolver{
		"example.com": {{Host: "127.0.0.1.", Pref: 10}},
	}
	config.MXPort = mx.Port
	config.ResumePending = true

	// Leave a stored message behind as if the previous run ended early.
	func() {
		srv, err := NewServer(config)
		if err != nil {
			t.Fatal(err)
		}
		defer srv.store.Close()

		m, err := store.NewMessage("sender@example.org", []string{"user@example.com"}, []byte("Subject: pending\r\n\r\nbody"))
		if err != nil {
			t.Fatal(err)
		}
		if err = srv.store.Put(context.Background(), m); err != nil {
			t.Fatal(err)
		}
	}()

	status := startTestServer(t, config)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if len(mx.Messages()) == 1 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if len(mx.Messages()) != 1 {
		t.Fatalf("pending message was not delivered")
	}

	for time.Now().Before(deadline) {
		messages := listMessages(t, status.APIListenAddress)
		if len(messages) == 1 && messages[0].DeliveryStatus == store.StatusDeliveredDirect {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Errorf("pending message status was not updated")
}
