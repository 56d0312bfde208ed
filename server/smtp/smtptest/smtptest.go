/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

// Package smtptest provides a loopback SMTP server for tests, playing the
// part of an upstream relay or an MX host.
package smtptest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Options configure a Server.
type Options struct {
	// Username and Password enable LOGIN authentication and make it
	// mandatory before MAIL FROM.
	Username string
	Password string

	// TLS makes the server advertise STARTTLS.
	TLS bool

	// BrokenTLS makes the server advertise STARTTLS but fail every
	// handshake.
	BrokenTLS bool

	// Reject maps recipients to the reply given to their RCPT TO.
	Reject map[string]*smtp.SMTPError
}

// Message is a message accepted by a Server.
type Message struct {
	From string
	To   []string
	Data []byte

	// TLS reports whether the message was received over STARTTLS.
	TLS bool
}

// Server is a running test SMTP server.
type Server struct {
	Host string
	Port int

	options *Options

	mutex        sync.Mutex
	authAttempts int
	messages     []*Message
}

// NewServer starts a Server on a loopback port. It is closed when the test
// finishes.
func NewServer(tb testing.TB, options *Options) *Server {
	tb.Helper()

	if options == nil {
		options = &Options{}
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("smtptest: failed to listen: %v", err)
	}

	s := &Server{
		options: options,
	}
	addr := l.Addr().(*net.TCPAddr)
	s.Host = addr.IP.String()
	s.Port = addr.Port

	srv := smtp.NewServer(&backend{server: s})
	srv.Domain = "smtptest.example"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	switch {
	case options.BrokenTLS:
		// No certificate, the server side of every handshake fails.
		srv.TLSConfig = &tls.Config{}
	case options.TLS:
		srv.TLSConfig = NewTLSConfig(tb)
	}

	go func() {
		_ = srv.Serve(l)
	}()
	tb.Cleanup(func() {
		srv.Close()
	})

	return s
}

// Messages returns the messages accepted so far.
func (s *Server) Messages() []*Message {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]*Message(nil), s.messages...)
}

// AuthAttempts returns how often clients started authentication.
func (s *Server) AuthAttempts() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.authAttempts
}

// NewTLSConfig returns a server TLS config with a fresh self-signed
// certificate for 127.0.0.1.
func NewTLSConfig(tb testing.TB) *tls.Config {
	tb.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		tb.Fatalf("smtptest: failed to generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "smtptest.example"},
		DNSNames:     []string{"smtptest.example", "localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		tb.Fatalf("smtptest: failed to create certificate: %v", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	}
}

type backend struct {
	server *Server
}

func (be *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &session{server: be.server, conn: c}, nil
}

type session struct {
	server *Server
	conn   *smtp.Conn

	authed bool
	from   string
	to     []string
}

func (s *session) AuthMechanisms() []string {
	if s.server.options.Username == "" {
		return nil
	}
	return []string{sasl.Login}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	s.server.mutex.Lock()
	s.server.authAttempts++
	s.server.mutex.Unlock()

	return &loginServer{session: s}, nil
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	if s.server.options.Username != "" && !s.authed {
		return &smtp.SMTPError{
			Code:         530,
			EnhancedCode: smtp.EnhancedCode{5, 7, 0},
			Message:      "Authentication required",
		}
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if err, ok := s.server.options.Reject[to]; ok {
		return err
	}
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	_, withTLS := s.conn.TLSConnectionState()

	s.server.mutex.Lock()
	defer s.server.mutex.Unlock()
	s.server.messages = append(s.server.messages, &Message{
		From: s.from,
		To:   append([]string(nil), s.to...),
		Data: data,
		TLS:  withTLS,
	})
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

// loginServer is the server side of the LOGIN mechanism.
type loginServer struct {
	session  *session
	username string
	step     int
}

func (a *loginServer) Next(response []byte) ([]byte, bool, error) {
	switch a.step {
	case 0:
		a.step++
		if response == nil {
			return []byte("Username:"), false, nil
		}
		fallthrough
	case 1:
		a.username = string(response)
		a.step = 2
		return []byte("Password:"), false, nil
	default:
		options := a.session.server.options
		if a.username != options.Username || string(response) != options.Password {
			return nil, true, &smtp.SMTPError{
				Code:         535,
				EnhancedCode: smtp.EnhancedCode{5, 7, 8},
				Message:      "Authentication failed",
			}
		}
		a.session.authed = true
		return nil, true, nil
	}
}
