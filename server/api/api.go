/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/smtprelay/server/store"
)

// Config bundles Query API settings.
type Config struct {
	Logger logrus.FieldLogger
	Store  store.Store

	// Metrics adds the Prometheus handler at /metrics.
	Metrics bool
}

// API is the read only HTTP surface over the message store.
type API struct {
	logger logrus.FieldLogger
	store  store.Store

	mux *http.ServeMux
}

// Message is the JSON representation of a stored message. Data holds the
// raw content as accepted, Body is the content after the header block.
type Message struct {
	ID         string    `json:"id" yaml:"id"`
	Sender     string    `json:"sender" yaml:"sender"`
	Recipients []string  `json:"recipients" yaml:"recipients"`
	Subject    string    `json:"subject" yaml:"subject"`
	Body       string    `json:"body" yaml:"body"`
	Data       []byte    `json:"data" yaml:"data,omitempty"`
	ReceivedAt time.Time `json:"received_at" yaml:"received_at"`

	DeliveryStatus store.Status             `json:"delivery_status" yaml:"delivery_status"`
	DeliveryDetail string                   `json:"delivery_detail" yaml:"delivery_detail"`
	AttemptedAt    *time.Time               `json:"attempted_at,omitempty" yaml:"attempted_at,omitempty"`
	Results        []*store.RecipientResult `json:"results,omitempty" yaml:"results,omitempty"`
}

// NewMessage creates the representation of m.
func NewMessage(m *store.Message) *Message {
	return &Message{
		ID:         m.ID,
		Sender:     m.Sender,
		Recipients: m.Recipients,
		Subject:    m.Subject,
		Body:       string(m.Body()),
		Data:       m.Data,
		ReceivedAt: m.ReceivedAt,

		DeliveryStatus: m.DeliveryStatus,
		DeliveryDetail: m.DeliveryDetail,
		AttemptedAt:    m.AttemptedAt,
		Results:        m.Results,
	}
}

// New creates the API.
func New(config *Config) *API {
	a := &API{
		logger: config.Logger.WithField("scope", "api"),
		store:  config.Store,

		mux: http.NewServeMux(),
	}

	a.mux.HandleFunc("GET /messages", a.handleList)
	a.mux.HandleFunc("GET /messages/{id}", a.handleGet)
	a.mux.HandleFunc("GET /health-check", a.handleHealthCheck)
	if config.Metrics {
		a.mux.Handle("GET /metrics", promhttp.Handler())
	}

	return a
}

// ServeHTTP implements http.Handler.
func (a *API) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	a.mux.ServeHTTP(rw, req)
}

func (a *API) handleList(rw http.ResponseWriter, req *http.Request) {
	var filter store.Status
	if value := req.URL.Query().Get("status"); value != "" {
		filter = store.Status(value)
		if !filter.Valid() {
			http.Error(rw, "invalid status filter", http.StatusBadRequest)
			return
		}
	}

	messages, err := a.store.All(req.Context())
	if err != nil {
		a.logger.WithError(err).Errorln("failed to list messages")
		http.Error(rw, "failed to read message store", http.StatusInternalServerError)
		return
	}

	result := make([]*Message, 0, len(messages))
	for _, m := range messages {
		if filter != "" && m.DeliveryStatus != filter {
			continue
		}
		result = append(result, NewMessage(m))
	}

	a.writeJSON(rw, result)
}

func (a *API) handleGet(rw http.ResponseWriter, req *http.Request) {
	m, err := a.store.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(rw, "message not found", http.StatusNotFound)
			return
		}
		a.logger.WithError(err).Errorln("failed to get message")
		http.Error(rw, "failed to read message store", http.StatusInternalServerError)
		return
	}

	a.writeJSON(rw, NewMessage(m))
}

func (a *API) handleHealthCheck(rw http.ResponseWriter, req *http.Request) {
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("OK"))
}

func (a *API) writeJSON(rw http.ResponseWriter, v interface{}) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.Header().Set("Cache-Control", "no-store")

	encoder := json.NewEncoder(rw)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		a.logger.WithError(err).Debugln("failed to write response")
	}
}
