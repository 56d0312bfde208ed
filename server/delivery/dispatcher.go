/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package delivery

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stash.kopano.io/kgol/smtprelay/internal/metrics"
	"stash.kopano.io/kgol/smtprelay/server/smtp/outbound"
	"stash.kopano.io/kgol/smtprelay/server/store"
	"stash.kopano.io/kgol/smtprelay/utils"
)

const (
	DefaultMXPort    = 25
	DefaultWorkers   = 4
	DefaultQueueSize = 128
)

var tracer = otel.Tracer("stash.kopano.io/kgol/smtprelay/server/delivery")

// Sender runs SMTP conversations. *outbound.Client implements it.
type Sender interface {
	Send(ctx context.Context, dest *outbound.Destination, envelope *outbound.Envelope) []*outbound.Outcome
}

// Config bundles the dispatcher settings.
type Config struct {
	Logger logrus.FieldLogger

	Store  store.Store
	Sender Sender
	Relay  outbound.RelayConfig

	Resolver MXResolver
	MXPort   int

	Workers   int
	QueueSize int
}

// Event is published whenever a delivery attempt was recorded.
type Event struct {
	ID          string
	Status      store.Status
	Detail      string
	AttemptedAt time.Time
}

// Dispatcher takes stored messages from a queue and delivers them with a
// pool of workers.
type Dispatcher struct {
	logger logrus.FieldLogger

	store    store.Store
	sender   Sender
	relay    outbound.RelayConfig
	resolver MXResolver
	mxPort   int
	workers  int

	mutex   sync.Mutex
	closed  bool
	closing chan struct{}
	queue   chan string
	waiting sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	events *utils.Broadcaster[*Event]
}

// New creates a Dispatcher. Call Start to run its workers.
func New(config *Config) (*Dispatcher, error) {
	if config.Store == nil {
		return nil, errors.New("store is required")
	}
	if config.Sender == nil {
		return nil, errors.New("sender is required")
	}

	d := &Dispatcher{
		logger: config.Logger.WithField("scope", "delivery"),

		store:    config.Store,
		sender:   config.Sender,
		relay:    config.Relay,
		resolver: config.Resolver,
		mxPort:   config.MXPort,
		workers:  config.Workers,

		events: utils.NewBroadcaster[*Event](),
	}
	if d.resolver == nil {
		d.resolver = net.DefaultResolver
	}
	if d.mxPort == 0 {
		d.mxPort = DefaultMXPort
	}
	if d.workers <= 0 {
		d.workers = DefaultWorkers
	}
	queueSize := config.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	d.queue = make(chan string, queueSize)
	d.closing = make(chan struct{})

	return d, nil
}

// Start runs the workers. In flight deliveries are cancelled when ctx is
// done.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)

	go d.events.Start(d.ctx)

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for id := range d.queue {
				if err := d.Deliver(d.ctx, id); err != nil {
					d.logger.WithError(err).WithField("id", id).Errorln("delivery failed to run")
				}
			}
		}()
	}

	if d.relay.Enabled() {
		d.logger.WithFields(logrus.Fields{
			"relay":           d.relay.Address(),
			"starttls":        d.relay.StartTLS,
			"auth":            d.relay.Username != "",
			"direct_fallback": d.relay.DirectFallback,
		}).Infoln("delivery via relay")
	} else {
		d.logger.Infoln("delivery directly to mx, no relay configured")
	}
}

// Enqueue hands a stored message to the workers without blocking. When the
// queue is full, the handoff waits in the background until a worker takes
// it. It returns false only after Shutdown, the message then stays stored.
func (d *Dispatcher) Enqueue(id string) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed {
		return false
	}
	select {
	case d.queue <- id:
		return true
	default:
	}

	metrics.QueueDeferred.Inc()
	d.logger.WithField("id", id).Debugln("delivery queue is full, deferring handoff")
	d.waiting.Add(1)
	go func() {
		defer d.waiting.Done()
		select {
		case d.queue <- id:
		case <-d.closing:
			metrics.QueueDropped.Inc()
			d.logger.WithField("id", id).Warnln("dispatcher shut down before handoff, message stays stored")
		}
	}()
	return true
}

// ResumePending queues all messages which are still in the stored state.
func (d *Dispatcher) ResumePending(ctx context.Context) (int, error) {
	messages, err := d.store.All(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, message := range messages {
		if message.DeliveryStatus != store.StatusStored {
			continue
		}
		if !d.Enqueue(message.ID) {
			break
		}
		count++
	}
	return count, nil
}

// Shutdown stops accepting messages and waits for the queue to drain. When
// ctx is done first, in flight deliveries are cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mutex.Lock()
	closing := !d.closed
	if closing {
		d.closed = true
		close(d.closing)
	}
	d.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		if closing {
			// Deferred handoffs must end before the queue can close.
			d.waiting.Wait()
			close(d.queue)
		}
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		if d.cancel != nil {
			d.cancel()
		}
		<-done
	}

	if d.cancel != nil {
		d.cancel()
	}
	d.events.Stop()

	return err
}

// Subscribe returns a channel receiving delivery events.
func (d *Dispatcher) Subscribe() chan *Event {
	return d.events.Subscribe()
}

// Unsubscribe stops delivery of events to a channel returned by Subscribe.
func (d *Dispatcher) Unsubscribe(ch chan *Event) {
	d.events.Unsubscribe(ch)
}

// Deliver runs one delivery attempt for the message with the provided id
// and records its outcome. Errors are returned only when the store fails,
// delivery failures are recorded on the message.
func (d *Dispatcher) Deliver(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "delivery.Deliver", trace.WithAttributes(
		attribute.String("message.id", id),
	))
	defer span.End()

	message, err := d.store.Get(ctx, id)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	logger := d.logger.WithFields(logrus.Fields{
		"id":      message.ID,
		"from":    message.Sender,
		"rcpt_to": message.Recipients,
	})
	logger.Debugln("delivery start")

	results := d.deliver(ctx, logger, message)
	status, detail := Aggregate(results)

	delivery := &store.Delivery{
		Status:      status,
		Detail:      detail,
		AttemptedAt: time.Now().UTC(),
		Results:     RecipientResults(results),
	}
	// The attempt happened, its outcome is recorded even when ctx ended.
	if err = d.store.SetDelivery(context.WithoutCancel(ctx), message.ID, delivery); err != nil {
		span.SetStatus(codes.Error, err.Error())
		logger.WithError(err).Errorln("failed to record delivery outcome")
		return err
	}

	span.SetAttributes(attribute.String("delivery.status", string(status)))
	if status == store.StatusFailed {
		span.SetStatus(codes.Error, detail)
		logger.WithFields(logrus.Fields{
			"status": status,
			"detail": detail,
		}).Warnln("delivery failed")
	} else {
		logger.WithFields(logrus.Fields{
			"status": status,
			"detail": detail,
		}).Infoln("delivery complete")
	}

	d.events.Broadcast(&Event{
		ID:          message.ID,
		Status:      status,
		Detail:      detail,
		AttemptedAt: delivery.AttemptedAt,
	})

	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, logger logrus.FieldLogger, message *store.Message) []*Result {
	routes, invalid := Plan(d.relay, message.Recipients)

	results := make([]*Result, 0, len(message.Recipients))
	for _, recipient := range invalid {
		results = append(results, invalidRecipientResult(recipient))
	}

	var relayed []*Route
	var direct []*Route
	for _, route := range routes {
		switch route.Path {
		case PathRelay:
			relayed = append(relayed, route)
		case PathDirect:
			direct = append(direct, route)
		}
	}

	if len(relayed) > 0 {
		relayResults, fallback := d.deliverRelay(ctx, logger, message, relayed)
		results = append(results, relayResults...)
		direct = append(direct, fallback...)
	}

	for _, route := range direct {
		results = append(results, d.deliverDirect(ctx, logger, message, route)...)
	}

	return results
}

// deliverRelay sends to all recipients of routes in one conversation with
// the relay. Recipients which may fall back are returned as direct routes
// instead of results.
func (d *Dispatcher) deliverRelay(ctx context.Context, logger logrus.FieldLogger, message *store.Message, routes []*Route) ([]*Result, []*Route) {
	var recipients []string
	var domains []string
	for _, route := range routes {
		for _, recipient := range route.Recipients {
			recipients = append(recipients, recipient)
			domains = append(domains, route.Domain)
		}
	}

	outcomes := d.send(ctx, PathRelay, d.relay.Destination(), &outbound.Envelope{
		From: message.Sender,
		To:   recipients,
		Data: message.Data,
	})

	var results []*Result
	var fallback []*Route
	index := make(map[string]*Route)
	for idx, outcome := range outcomes {
		if Fallback(d.relay, outcome) {
			logger.WithFields(logrus.Fields{
				"rcpt_to": recipients[idx],
				"detail":  outcome.Detail,
			}).Infoln("relay delivery failed, falling back to direct delivery")

			route, ok := index[domains[idx]]
			if !ok {
				route = &Route{
					Path:   PathDirect,
					Domain: domains[idx],
				}
				index[domains[idx]] = route
				fallback = append(fallback, route)
			}
			route.Recipients = append(route.Recipients, recipients[idx])
			continue
		}
		results = append(results, &Result{
			Recipient: recipients[idx],
			Domain:    domains[idx],
			Path:      PathRelay,
			Outcome:   outcome,
		})
	}

	return results, fallback
}

// deliverDirect tries the MX hosts of the route domain in preference
// order. Recipients with a transient outcome move on to the next host.
func (d *Dispatcher) deliverDirect(ctx context.Context, logger logrus.FieldLogger, message *store.Message, route *Route) []*Result {
	outcomes := make([]*outbound.Outcome, len(route.Recipients))

	hosts, err := lookupMX(ctx, d.resolver, route.Domain)
	if err != nil {
		logger.WithError(err).WithField("domain", route.Domain).Warnln("mx lookup failed")
		outcome := resolutionOutcome(route.Domain, err)
		for idx := range outcomes {
			o := *outcome
			outcomes[idx] = &o
		}
	} else {
		remaining := make([]int, len(route.Recipients))
		for idx := range remaining {
			remaining[idx] = idx
		}

		for _, host := range hosts {
			to := make([]string, len(remaining))
			for i, idx := range remaining {
				to[i] = route.Recipients[idx]
			}

			hostOutcomes := d.send(ctx, PathDirect, outbound.MXDestination(host, d.mxPort), &outbound.Envelope{
				From: message.Sender,
				To:   to,
				Data: message.Data,
			})

			var next []int
			for i, outcome := range hostOutcomes {
				outcomes[remaining[i]] = outcome
				if outcome.Retryable() {
					next = append(next, remaining[i])
				}
			}
			remaining = next
			if len(remaining) == 0 || ctx.Err() != nil {
				break
			}
			logger.WithFields(logrus.Fields{
				"domain": route.Domain,
				"mx":     host,
			}).Debugln("mx host failed transiently, trying next")
		}
	}

	results := make([]*Result, len(outcomes))
	for idx, outcome := range outcomes {
		results[idx] = &Result{
			Recipient: route.Recipients[idx],
			Domain:    route.Domain,
			Path:      PathDirect,
			Outcome:   outcome,
		}
	}
	return results
}

func (d *Dispatcher) send(ctx context.Context, path Path, dest *outbound.Destination, envelope *outbound.Envelope) []*outbound.Outcome {
	started := time.Now()
	outcomes := d.sender.Send(ctx, dest, envelope)

	result := "ok"
	for _, outcome := range outcomes {
		metrics.Deliveries.WithLabelValues(string(path), string(outcome.Class)).Inc()
		if outcome.Success() {
			continue
		}
		if outcome.Timeout {
			result = "timeout"
		} else if result == "ok" {
			result = "error"
		}
	}
	metrics.DeliveryDuration.WithLabelValues(string(path), result).Observe(time.Since(started).Seconds())

	return outcomes
}
