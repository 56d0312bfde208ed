/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/smtprelay/server/api"
	"stash.kopano.io/kgol/smtprelay/server/delivery"
	"stash.kopano.io/kgol/smtprelay/server/smtp/inbound"
	"stash.kopano.io/kgol/smtprelay/server/smtp/outbound"
	"stash.kopano.io/kgol/smtprelay/server/store"
	"stash.kopano.io/kgol/smtprelay/server/store/file"
	"stash.kopano.io/kgol/smtprelay/server/store/redis"
)

const (
	sessionsShutdownTimeout = 10 * time.Second
	deliveryShutdownTimeout = 30 * time.Second
	statusRefreshInterval   = 10 * time.Second
)

// Server ties the inbound listener, the delivery dispatcher and the query
// API to a shared message store.
type Server struct {
	config *Config

	logger logrus.FieldLogger

	status *Status

	store      store.Store
	dispatcher *delivery.Dispatcher
	listener   *inbound.Listener
	api        *api.API
}

// NewServer constructs a server from the provided parameters.
func NewServer(c *Config) (*Server, error) {
	s := &Server{
		config: c,
		logger: c.Logger,

		status: &Status{
			Relay:    relayStatus(c.Relay),
			StartTLS: c.SMTPStartTLS,
		},
	}

	var err error
	s.store, s.status.Store, err = s.openStore()
	if err != nil {
		return nil, err
	}

	sender := outbound.New(&outbound.Config{
		Logger:   s.logger,
		HeloName: c.Hostname,
		Timeout:  c.DeliveryTimeout,
	})
	s.dispatcher, err = delivery.New(&delivery.Config{
		Logger: s.logger,

		Store:  s.store,
		Sender: sender,
		Relay:  c.Relay,

		Resolver: c.Resolver,
		MXPort:   c.MXPort,

		Workers:   c.DeliveryWorkers,
		QueueSize: c.DeliveryQueueSize,
	})
	if err != nil {
		s.store.Close()
		return nil, fmt.Errorf("failed to create delivery dispatcher: %w", err)
	}

	var tlsConfig *tls.Config
	if c.SMTPStartTLS {
		certificate, certErr := s.loadCertificate()
		if certErr != nil {
			s.store.Close()
			return nil, certErr
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{certificate},
			MinVersion:   tls.VersionTLS12,
		}
	}

	s.listener, err = inbound.New(&inbound.Config{
		Logger: s.logger,
		Store:  s.store,
		Queue:  s.dispatcher,

		Domain: c.Hostname,

		ReadTimeout:     10 * time.Minute,
		WriteTimeout:    10 * time.Minute,
		MaxMessageBytes: c.MaxMessageBytes,
		MaxRecipients:   c.MaxRecipients,

		TLSConfig: tlsConfig,
	})
	if err != nil {
		s.store.Close()
		return nil, fmt.Errorf("failed to create inbound listener: %w", err)
	}

	s.api = api.New(&api.Config{
		Logger:  s.logger,
		Store:   s.store,
		Metrics: true,
	})

	return s, nil
}

func (server *Server) openStore() (store.Store, string, error) {
	if server.config.StoreURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s, err := redis.Open(ctx, &redis.Config{
			URL:    server.config.StoreURL,
			Logger: server.logger,
		})
		if err != nil {
			return nil, "", fmt.Errorf("failed to open redis message store: %w", err)
		}
		return s, "redis", nil
	}

	s, err := file.Open(server.config.StorePath, server.logger)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open message store: %w", err)
	}
	return s, "file:" + server.config.StorePath, nil
}

func relayStatus(relay outbound.RelayConfig) string {
	if !relay.Enabled() {
		return ""
	}
	return relay.Address()
}

// Logger returns the logger of the server.
func (server *Server) Logger() logrus.FieldLogger {
	return server.logger
}

// Serve starts all the accociated servers resources and listeners and blocks
// until signals, error or ctx is done.
func (server *Server) Serve(ctx context.Context) error {
	var err error

	errCh := make(chan error, 2)
	exitCh := make(chan struct{}, 1)
	signalCh := make(chan os.Signal, 1)

	serveCtx, serveCtxCancel := context.WithCancel(ctx)
	defer serveCtxCancel()

	logger := server.logger

	smtpListener, listenErr := net.Listen("tcp", server.config.SMTPListenAddress)
	if listenErr != nil {
		return fmt.Errorf("failed to create smtp listener: %w", listenErr)
	}
	apiListener, listenErr := net.Listen("tcp", server.config.APIListenAddress)
	if listenErr != nil {
		smtpListener.Close()
		return fmt.Errorf("failed to create api listener: %w", listenErr)
	}

	server.status.Lock()
	server.status.StartedAt = time.Now()
	server.status.SMTPListenAddress = smtpListener.Addr().String()
	server.status.APIListenAddress = apiListener.Addr().String()
	server.status.Unlock()

	// Deliveries survive the serve context, they are drained on shutdown.
	server.dispatcher.Start(context.WithoutCancel(ctx))
	events := server.dispatcher.Subscribe()

	var serversWg sync.WaitGroup

	// Start inbound SMTP.
	serversWg.Add(1)
	go func() {
		defer serversWg.Done()
		logger.WithField("listen_addr", smtpListener.Addr()).Infoln("smtp listener started")
		serveErr := server.listener.Serve(smtpListener)
		if serveErr != nil {
			errCh <- serveErr
		}
	}()

	// Start query API.
	httpServer := &http.Server{
		Handler:           server.api,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serversWg.Add(1)
	go func() {
		defer serversWg.Done()
		logger.WithField("listen_addr", apiListener.Addr()).Infoln("api listener started")
		serveErr := httpServer.Serve(apiListener)
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	// Keep status current.
	serversWg.Add(1)
	go func() {
		defer serversWg.Done()
		server.statusPump(serveCtx, events)
	}()

	// Wait for all services to stop before closing the exit channel
	go func() {
		serversWg.Wait()
		close(exitCh)
	}()

	if server.config.ResumePending {
		count, resumeErr := server.dispatcher.ResumePending(serveCtx)
		if resumeErr != nil {
			logger.WithError(resumeErr).Errorln("failed to resume pending messages")
		} else if count > 0 {
			logger.WithField("count", count).Infoln("resumed delivery of pending messages")
		}
	}

	// Set ready.
	if server.config.OnReady != nil {
		server.config.OnReady(server)
	}
	logger.Infoln("ready")

	// Wait for error or signal.
	err = func() error {
		signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(signalCh)
		for {
			select {
			case errFromChannel := <-errCh:
				return errFromChannel
			case reason := <-signalCh:
				logger.WithField("signal", reason).Warnln("received signal")
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	}()

	// Shutdown, server will stop to accept new connections.
	logger.Infoln("clean server shutdown start")

	func() {
		shutdownCtx, shutdownCtxCancel := context.WithTimeout(context.Background(), sessionsShutdownTimeout)
		defer shutdownCtxCancel()

		var shutdownWg sync.WaitGroup
		shutdownWg.Add(2)
		go func() {
			defer shutdownWg.Done()
			if shutdownErr := server.listener.Shutdown(shutdownCtx); shutdownErr != nil {
				logger.WithError(shutdownErr).Warn("clean smtp listener shutdown failed")
			} else {
				logger.Info("clean smtp listener shutdown complete")
			}
		}()
		go func() {
			defer shutdownWg.Done()
			if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
				logger.WithError(shutdownErr).Warn("clean api shutdown failed")
			} else {
				logger.Info("clean api shutdown complete")
			}
		}()
		shutdownWg.Wait()
	}()

	// Stop the status pump and wait for all services to exit.
	serveCtxCancel()
	<-exitCh

	func() {
		shutdownCtx, shutdownCtxCancel := context.WithTimeout(context.Background(), deliveryShutdownTimeout)
		defer shutdownCtxCancel()

		if shutdownErr := server.dispatcher.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.WithError(shutdownErr).Warn("delivery queue not drained, in flight deliveries cancelled")
		} else {
			logger.Info("clean delivery shutdown complete")
		}
	}()

	if closeErr := server.store.Close(); closeErr != nil {
		logger.WithError(closeErr).Warnln("failed to close message store")
	}
	logger.Infoln("clean server shutdown complete, exiting")

	return err
}

func (server *Server) statusPump(ctx context.Context, events chan *delivery.Event) {
	ticker := time.NewTicker(statusRefreshInterval)
	defer ticker.Stop()
	defer server.dispatcher.Unsubscribe(events)

	update := func() {
		if err := server.refreshStatus(ctx); err != nil {
			server.logger.WithError(err).Warnln("failed to refresh status")
			return
		}
		if server.config.OnStatus != nil {
			server.config.OnStatus(server)
		}
	}
	update()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			server.status.setLastDelivery(event)
			update()
		case <-ticker.C:
			update()
		}
	}
}
