/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package serve

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"stash.kopano.io/kgol/smtprelay/version"
)

// setupTracing installs a global tracer provider which exports to the jaeger
// agent at agentAddr. The returned function flushes and stops it.
func setupTracing(agentAddr string, logger logrus.FieldLogger) (func(context.Context) error, error) {
	host, port, err := net.SplitHostPort(agentAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid jaeger-agent: %w", err)
	}

	exporter, err := jaeger.New(jaeger.WithAgentEndpoint(
		jaeger.WithAgentHost(host),
		jaeger.WithAgentPort(port),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create jaeger exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "smtprelayd"),
			attribute.String("service.version", version.Version),
		)),
	)
	otel.SetTracerProvider(provider)

	logger.WithField("agent", agentAddr).Infoln("tracing enabled")

	return provider.Shutdown, nil
}
