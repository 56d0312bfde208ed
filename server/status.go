/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"context"
	"sync"
	"time"

	"github.com/jinzhu/copier"

	"stash.kopano.io/kgol/smtprelay/server/delivery"
)

type Status struct {
	sync.RWMutex

	StartedAt time.Time `json:"started_at"`

	SMTPListenAddress string `json:"smtp_listen"`
	APIListenAddress  string `json:"api_listen"`
	Store             string `json:"store"`
	Relay             string `json:"relay,omitempty"`
	StartTLS          bool   `json:"smtp_starttls"`

	Sessions     int            `json:"sessions"`
	Messages     map[string]int `json:"messages"`
	LastDelivery *LastDelivery  `json:"last_delivery,omitempty"`
}

type LastDelivery struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Detail      string    `json:"detail"`
	AttemptedAt time.Time `json:"attempted_at"`
}

func (status *Status) Copy() (*Status, error) {
	status.RLock()
	defer status.RUnlock()

	s := &Status{}
	err := copier.CopyWithOption(s, status, copier.Option{
		IgnoreEmpty: true,
		DeepCopy:    true,
	})

	return s, err
}

// Total returns the number of stored messages.
func (status *Status) Total() int {
	total := 0
	for _, count := range status.Messages {
		total += count
	}
	return total
}

func (status *Status) setLastDelivery(event *delivery.Event) {
	status.Lock()
	defer status.Unlock()

	status.LastDelivery = &LastDelivery{
		ID:          event.ID,
		Status:      string(event.Status),
		Detail:      event.Detail,
		AttemptedAt: event.AttemptedAt,
	}
}

func (server *Server) Status() (*Status, error) {
	status, err := server.status.Copy()
	if err != nil {
		return nil, err
	}
	if server.listener != nil {
		status.Sessions = server.listener.Sessions()
	}

	return status, nil
}

// refreshStatus counts stored messages by delivery status.
func (server *Server) refreshStatus(ctx context.Context) error {
	messages, err := server.store.All(ctx)
	if err != nil {
		return err
	}

	counts := make(map[string]int)
	for _, message := range messages {
		counts[string(message.DeliveryStatus)]++
	}

	server.status.Lock()
	server.status.Messages = counts
	server.status.Unlock()

	return nil
}
