/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package messages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"stash.kopano.io/kgol/smtprelay/server/api"
	"stash.kopano.io/kgol/smtprelay/version"
)

// ErrNotFound is returned by Client.Get for unknown message ids.
var ErrNotFound = errors.New("message not found")

// Client reads stored messages from the Query API of a running server.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	userAgent  string
}

// NewClient creates a Client for the API at baseURL. A nil httpClient
// selects http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid api url scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("api url must have a host")
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    u,
		httpClient: httpClient,
		userAgent:  "smtprelayd/" + version.Version,
	}, nil
}

func (c *Client) do(ctx context.Context, path string, query url.Values, v interface{}) error {
	u := *c.baseURL
	u.Path += path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	response, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api request failed: %w", err)
	}
	defer response.Body.Close()

	switch response.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return fmt.Errorf("api request failed with status %d: %s", response.StatusCode, strings.TrimSpace(string(body)))
	}

	if err = json.NewDecoder(response.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode api response: %w", err)
	}
	return nil
}

// List returns all stored messages in insertion order, only those with the
// given delivery status if status is not empty.
func (c *Client) List(ctx context.Context, status string) ([]*api.Message, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}

	var messages []*api.Message
	if err := c.do(ctx, "/messages", query, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// Get returns the message with id.
func (c *Client) Get(ctx context.Context, id string) (*api.Message, error) {
	message := &api.Message{}
	if err := c.do(ctx, "/messages/"+url.PathEscape(id), url.Values{}, message); err != nil {
		return nil, err
	}
	return message, nil
}
