/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // Include pprof for debugging, its only enabled when --with-pprof is given.
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	systemDaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"stash.kopano.io/kgol/smtprelay/cmd/smtprelayd/common"
	"stash.kopano.io/kgol/smtprelay/internal/ipc"
	"stash.kopano.io/kgol/smtprelay/server"
	"stash.kopano.io/kgol/smtprelay/server/delivery"
	"stash.kopano.io/kgol/smtprelay/server/smtp/inbound"
	"stash.kopano.io/kgol/smtprelay/server/smtp/outbound"
	"stash.kopano.io/kgol/smtprelay/version"
)

// Default param values used by this command.
var (
	DefaultLogTimestamp       = true
	DefaultLogLevel           = "info"
	DefaultSystemdNotify      = false
	DefaultSMTPListenAddr     = "127.0.0.1:2525"
	DefaultAPIListenAddr      = "127.0.0.1:8025"
	DefaultHostname           = ""
	DefaultStatePath          = os.Getenv("SMTPRELAYD_DEFAULT_STATE_PATH")
	DefaultStorePath          = ""
	DefaultStoreURL           = os.Getenv("SMTPRELAYD_DEFAULT_STORE_URL")
	DefaultMaxMessageBytes    = int64(inbound.DefaultMaxMessageBytes)
	DefaultMaxRecipients      = 100
	DefaultSMTPStartTLS       = false
	DefaultTLSCertFile        = ""
	DefaultTLSKeyFile         = ""
	DefaultRelayHost          = ""
	DefaultRelayPort          = outbound.DefaultRelayPort
	DefaultRelayUsername      = ""
	DefaultRelayPassword      = ""
	DefaultRelayStartTLS      = true
	DefaultRelayTLSSkipVerify = false
	DefaultDirectFallback     = true
	DefaultMXPort             = delivery.DefaultMXPort
	DefaultDeliveryTimeout    = 60 * time.Second
	DefaultDeliveryWorkers    = delivery.DefaultWorkers
	DefaultDeliveryQueueSize  = delivery.DefaultQueueSize
	DefaultResumePending      = true
	DefaultWithPprof          = false
	DefaultPprofListenAddr    = "127.0.0.1:6060"
	DefaultJaegerAgentAddr    = os.Getenv("SMTPRELAYD_DEFAULT_JAEGER_AGENT")
)

func init() {
	if v := os.Getenv("SMTP_RELAY_SERVER"); v != "" {
		DefaultRelayHost = v
	}
	if v := os.Getenv("SMTP_RELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			DefaultRelayPort = port
		}
	}
	if v := os.Getenv("SMTP_RELAY_USERNAME"); v != "" {
		DefaultRelayUsername = v
	}
	if v := os.Getenv("SMTP_RELAY_PASSWORD"); v != "" {
		DefaultRelayPassword = v
	}
	if v, ok := os.LookupEnv("SMTP_RELAY_STARTTLS"); ok {
		DefaultRelayStartTLS = common.Truthy(v)
	}

	envDefaultSMTPListenAddr := os.Getenv("SMTPRELAYD_DEFAULT_SMTP_LISTEN")
	if envDefaultSMTPListenAddr != "" {
		DefaultSMTPListenAddr = envDefaultSMTPListenAddr
	}

	envDefaultAPIListenAddr := os.Getenv("SMTPRELAYD_DEFAULT_API_LISTEN")
	if envDefaultAPIListenAddr != "" {
		DefaultAPIListenAddr = envDefaultAPIListenAddr
	}

	cwd, _ := os.Getwd()
	if DefaultStatePath == "" {
		DefaultStatePath = cwd
	}
	DefaultStorePath = filepath.Join(cwd, "mail_store")
	DefaultHostname, _ = os.Hostname()
}

func CommandServe() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve [...args]",
		Short: "Start service",
		Run: func(cmd *cobra.Command, args []string) {
			if err := serve(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				var exitCodeErr *ErrorWithExitCode
				if errors.As(err, &exitCodeErr) {
					os.Exit(exitCodeErr.Code)
				} else {
					os.Exit(1)
				}
			}
		},
	}

	serveCmd.Flags().BoolVar(&DefaultLogTimestamp, "log-timestamp", DefaultLogTimestamp, "Prefix each log line with timestamp")
	serveCmd.Flags().StringVar(&DefaultLogLevel, "log-level", DefaultLogLevel, "Log level (one of panic, fatal, error, warn, info or debug)")
	serveCmd.Flags().BoolVar(&DefaultSystemdNotify, "systemd-notify", DefaultSystemdNotify, "Enable systemd sd_notify callback")
	serveCmd.Flags().StringVar(&DefaultSMTPListenAddr, "smtp-listen", DefaultSMTPListenAddr, "TCP listen address for inbound SMTP")
	serveCmd.Flags().StringVar(&DefaultAPIListenAddr, "api-listen", DefaultAPIListenAddr, "TCP listen address for the query API")
	serveCmd.Flags().StringVar(&DefaultHostname, "hostname", DefaultHostname, "Host name used in the SMTP greeting and as outbound HELO name")
	serveCmd.Flags().StringVar(&DefaultStatePath, "state-path", DefaultStatePath, "Full path to writable state directory")
	serveCmd.Flags().StringVar(&DefaultStorePath, "store-path", DefaultStorePath, "Full path to the message store directory")
	serveCmd.Flags().StringVar(&DefaultStoreURL, "store-url", DefaultStoreURL, "Redis URL for the message store, replaces store-path when set")
	serveCmd.Flags().Int64Var(&DefaultMaxMessageBytes, "max-message-bytes", DefaultMaxMessageBytes, "Maximum accepted message size in bytes")
	serveCmd.Flags().IntVar(&DefaultMaxRecipients, "max-recipients", DefaultMaxRecipients, "Maximum number of recipients per message")
	serveCmd.Flags().BoolVar(&DefaultSMTPStartTLS, "smtp-starttls", DefaultSMTPStartTLS, "Offer STARTTLS for inbound SMTP")
	serveCmd.Flags().StringVar(&DefaultTLSCertFile, "tls-cert", DefaultTLSCertFile, "Full path to TLS certificate file for inbound STARTTLS")
	serveCmd.Flags().StringVar(&DefaultTLSKeyFile, "tls-key", DefaultTLSKeyFile, "Full path to TLS key file for inbound STARTTLS")
	serveCmd.Flags().StringVar(&DefaultRelayHost, "relay-host", DefaultRelayHost, "Upstream SMTP relay host, direct MX delivery when empty")
	serveCmd.Flags().IntVar(&DefaultRelayPort, "relay-port", DefaultRelayPort, "Upstream SMTP relay port")
	serveCmd.Flags().StringVar(&DefaultRelayUsername, "relay-username", DefaultRelayUsername, "Upstream SMTP relay LOGIN username")
	serveCmd.Flags().StringVar(&DefaultRelayPassword, "relay-password", DefaultRelayPassword, "Upstream SMTP relay LOGIN password")
	serveCmd.Flags().BoolVar(&DefaultRelayStartTLS, "relay-starttls", DefaultRelayStartTLS, "Require STARTTLS for the upstream SMTP relay")
	serveCmd.Flags().BoolVar(&DefaultRelayTLSSkipVerify, "relay-tls-skip-verify", DefaultRelayTLSSkipVerify, "Skip TLS certificate verification for the upstream SMTP relay")
	serveCmd.Flags().BoolVar(&DefaultDirectFallback, "direct-fallback", DefaultDirectFallback, "Fall back to direct MX delivery on transient relay failures")
	serveCmd.Flags().IntVar(&DefaultMXPort, "mx-port", DefaultMXPort, "TCP port used for direct MX delivery")
	serveCmd.Flags().DurationVar(&DefaultDeliveryTimeout, "delivery-timeout", DefaultDeliveryTimeout, "Timeout for a single outbound SMTP conversation")
	serveCmd.Flags().IntVar(&DefaultDeliveryWorkers, "delivery-workers", DefaultDeliveryWorkers, "Number of concurrent delivery workers")
	serveCmd.Flags().IntVar(&DefaultDeliveryQueueSize, "delivery-queue", DefaultDeliveryQueueSize, "Size of the delivery queue")
	serveCmd.Flags().BoolVar(&DefaultResumePending, "resume-pending", DefaultResumePending, "Deliver messages which are still stored on startup")
	serveCmd.Flags().BoolVar(&DefaultWithPprof, "with-pprof", DefaultWithPprof, "With pprof enabled")
	serveCmd.Flags().StringVar(&DefaultPprofListenAddr, "pprof-listen", DefaultPprofListenAddr, "TCP listen address for pprof")
	serveCmd.Flags().StringVar(&DefaultJaegerAgentAddr, "jaeger-agent", DefaultJaegerAgentAddr, "Jaeger agent host:port, enables tracing when set")

	return serveCmd
}

func serve(cmd *cobra.Command, args []string) error {
	bs := &bootstrap{}
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		bs.Wait()
	}()

	err := bs.configure(ctx, cmd, args)
	if err != nil {
		return StartupError(err)
	}
	if bs.shutdownTracing != nil {
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if tracingErr := bs.shutdownTracing(shutdownCtx); tracingErr != nil {
				bs.logger.WithError(tracingErr).Warnln("failed to flush traces")
			}
		}()
	}

	return bs.srv.Serve(ctx)
}

type bootstrap struct {
	sync.WaitGroup

	logger logrus.FieldLogger

	srv             *server.Server
	shutdownTracing func(context.Context) error
}

func (bs *bootstrap) applyEnvConfig(cmd *cobra.Command) error {
	envConfig, err := common.ReadEnvConfig()
	if err != nil || envConfig == nil {
		return err
	}
	if err = common.ApplyFlags(cmd, envConfig, common.RelayEnvMapping); err != nil {
		return err
	}
	return common.ApplyFlags(cmd, envConfig, nil)
}

func (bs *bootstrap) configure(ctx context.Context, cmd *cobra.Command, args []string) error {
	if err := bs.applyEnvConfig(cmd); err != nil {
		return err
	}

	logger, err := newLogger(!DefaultLogTimestamp, DefaultLogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	bs.logger = logger

	logger.WithField("version", version.Version).Debugln("serve start")

	if DefaultStatePath == "" {
		return fmt.Errorf("state-path must not be empty")
	}
	if info, statErr := os.Stat(DefaultStatePath); statErr != nil || !info.IsDir() {
		return fmt.Errorf("state-path error or not a directory: %w", statErr)
	}
	if DefaultStoreURL == "" && DefaultStorePath == "" {
		return fmt.Errorf("store-path must not be empty")
	}
	for name, addr := range map[string]string{
		"smtp-listen": DefaultSMTPListenAddr,
		"api-listen":  DefaultAPIListenAddr,
	} {
		if _, _, splitErr := net.SplitHostPort(addr); splitErr != nil {
			return fmt.Errorf("invalid %s: %w", name, splitErr)
		}
	}
	if DefaultMaxMessageBytes <= 0 || DefaultMaxMessageBytes > inbound.MaxMessageBytesLimit {
		return fmt.Errorf("max-message-bytes must be between 1 and %d", int64(inbound.MaxMessageBytesLimit))
	}
	if DefaultRelayPort <= 0 || DefaultRelayPort > 65535 {
		return fmt.Errorf("invalid relay-port: %d", DefaultRelayPort)
	}
	if (DefaultTLSCertFile == "") != (DefaultTLSKeyFile == "") {
		return fmt.Errorf("tls-cert and tls-key must be set together")
	}

	relay := outbound.RelayConfig{
		Host:           DefaultRelayHost,
		Port:           DefaultRelayPort,
		Username:       DefaultRelayUsername,
		Password:       DefaultRelayPassword,
		StartTLS:       DefaultRelayStartTLS,
		TLSSkipVerify:  DefaultRelayTLSSkipVerify,
		DirectFallback: DefaultDirectFallback,
	}
	if relay.Enabled() {
		logger.WithFields(logrus.Fields{
			"relay":    relay.Address(),
			"starttls": relay.StartTLS,
			"auth":     relay.Username != "",
		}).Infoln("relay delivery configured")
		if !relay.StartTLS && relay.Username != "" {
			logger.Warnln("relay credentials are configured without requiring starttls")
		}
	} else {
		logger.Infoln("no relay configured, delivering directly to MX hosts")
	}

	if DefaultJaegerAgentAddr != "" {
		bs.shutdownTracing, err = setupTracing(DefaultJaegerAgentAddr, logger)
		if err != nil {
			return err
		}
	}

	var withStatus bool
	publisher := newStatusPublisher()

	cfg := &server.Config{
		Logger: logger,

		OnReady: func(srv *server.Server) {
			if DefaultSystemdNotify {
				ok, notifyErr := systemDaemon.SdNotify(false, systemDaemon.SdNotifyReady)
				logger.WithField("ok", ok).Debugln("called systemd sd_notify ready")
				if notifyErr != nil {
					logger.WithError(notifyErr).Errorln("failed to trigger systemd sd_notify")
				}
			}
		},
		OnStatus: func(srv *server.Server) {
			if !withStatus {
				withStatus = true
				bs.Add(1)
				go func() {
					defer bs.Done()
					<-ctx.Done()
					statusErr := clearStatus()
					if statusErr != nil {
						logger.WithError(statusErr).Errorln("failed to clear status")
					}
				}()
			}

			publisher.onStatus(srv)
		},

		SMTPListenAddress: DefaultSMTPListenAddr,
		APIListenAddress:  DefaultAPIListenAddr,
		Hostname:          DefaultHostname,

		StoreURL: DefaultStoreURL,

		MaxMessageBytes: DefaultMaxMessageBytes,
		MaxRecipients:   DefaultMaxRecipients,

		SMTPStartTLS: DefaultSMTPStartTLS,
		TLSCertFile:  DefaultTLSCertFile,
		TLSKeyFile:   DefaultTLSKeyFile,

		Relay: relay,

		MXPort:            DefaultMXPort,
		DeliveryTimeout:   DefaultDeliveryTimeout,
		DeliveryWorkers:   DefaultDeliveryWorkers,
		DeliveryQueueSize: DefaultDeliveryQueueSize,
		ResumePending:     DefaultResumePending,
	}

	cfg.StatePath, err = filepath.Abs(DefaultStatePath)
	if err != nil {
		return fmt.Errorf("state-path invalid: %w", err)
	}
	if DefaultStorePath != "" {
		cfg.StorePath, err = filepath.Abs(DefaultStorePath)
		if err != nil {
			return fmt.Errorf("store-path invalid: %w", err)
		}
	}

	ipc.MustInitializeStatusSHM(cfg.StatePath, "")

	bs.srv, err = server.NewServer(cfg)
	if err != nil {
		return err
	}

	// Profiling support.
	withPprof, _ := cmd.Flags().GetBool("with-pprof")
	pprofListenAddr, _ := cmd.Flags().GetString("pprof-listen")
	if withPprof && pprofListenAddr != "" {
		runtime.SetMutexProfileFraction(5)
		go func() {
			pprofListen := pprofListenAddr
			logger.WithField("listenAddr", pprofListen).Infoln("pprof enabled, starting listener")
			if listenErr := http.ListenAndServe(pprofListen, nil); listenErr != nil {
				logger.WithError(listenErr).Errorln("unable to start pprof listener")
			}
		}()
	}

	return nil
}
