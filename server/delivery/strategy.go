/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package delivery

import (
	"fmt"
	"strings"

	"stash.kopano.io/kgol/smtprelay/server/smtp/outbound"
	"stash.kopano.io/kgol/smtprelay/server/store"
	"stash.kopano.io/kgol/smtprelay/utils"
)

// Path is a delivery path.
type Path string

// Delivery paths.
const (
	PathRelay  Path = "relay"
	PathDirect Path = "direct"
)

// Route is the path chosen for the recipients of one domain.
type Route struct {
	Path       Path
	Domain     string
	Recipients []string
}

// Result is the outcome of delivery for a single recipient.
type Result struct {
	Recipient string
	Domain    string
	Path      Path
	Outcome   *outbound.Outcome
}

// Plan decides the delivery path for each recipient domain. All domains go
// through the relay when one is configured, otherwise each domain is
// delivered directly to its MX. Recipients without a domain are returned
// separately.
func Plan(relay outbound.RelayConfig, recipients []string) ([]*Route, []string) {
	groups, invalid := utils.GroupByDomain(recipients)

	path := PathDirect
	if relay.Enabled() {
		path = PathRelay
	}

	routes := make([]*Route, 0, len(groups))
	for _, group := range groups {
		routes = append(routes, &Route{
			Path:       path,
			Domain:     group.Domain,
			Recipients: group.Recipients,
		})
	}
	return routes, invalid
}

// Fallback reports whether a failed relay outcome may be retried with
// direct MX delivery. Authentication failures never fall back.
func Fallback(relay outbound.RelayConfig, outcome *outbound.Outcome) bool {
	if !relay.DirectFallback {
		return false
	}
	if outcome.Success() || outcome.Auth {
		return false
	}
	return outcome.Retryable()
}

// Aggregate reduces per recipient results to the message status and
// detail. Any failure fails the message. Success through the relay for all
// recipients is relayed, any recipient delivered directly makes it
// delivered_direct.
func Aggregate(results []*Result) (store.Status, string) {
	if len(results) == 0 {
		return store.StatusFailed, "no recipients"
	}

	var failed []*Result
	direct := false
	for _, result := range results {
		if !result.Outcome.Success() {
			failed = append(failed, result)
			continue
		}
		if result.Path == PathDirect {
			direct = true
		}
	}

	switch {
	case len(failed) > 0:
		return store.StatusFailed, summarize(failed)
	case direct:
		return store.StatusDeliveredDirect, summarize(results)
	default:
		return store.StatusRelayed, summarize(results)
	}
}

// summarize joins the distinct details of results. When all results share
// the same detail, that detail is returned as is.
func summarize(results []*Result) string {
	var parts []string
	details := make(map[string]struct{})
	seen := make(map[string]struct{})
	for _, result := range results {
		detail := result.Outcome.Detail
		details[detail] = struct{}{}

		part := result.Domain + ": " + detail
		if _, ok := seen[part]; ok {
			continue
		}
		seen[part] = struct{}{}
		parts = append(parts, part)
	}
	if len(details) == 1 {
		return results[0].Outcome.Detail
	}
	return strings.Join(parts, "; ")
}

// RecipientResults converts results for persistence.
func RecipientResults(results []*Result) []*store.RecipientResult {
	records := make([]*store.RecipientResult, 0, len(results))
	for _, result := range results {
		records = append(records, &store.RecipientResult{
			Recipient: result.Recipient,
			Domain:    result.Domain,
			Path:      string(result.Path),
			Host:      result.Outcome.Host,
			Class:     string(result.Outcome.Class),
			Code:      result.Outcome.Code,
			Detail:    result.Outcome.Detail,
		})
	}
	return records
}

func invalidRecipientResult(recipient string) *Result {
	return &Result{
		Recipient: recipient,
		Path:      PathDirect,
		Outcome: &outbound.Outcome{
			Class:  outbound.ClassPermanent,
			Detail: fmt.Sprintf("invalid recipient address: %s", recipient),
		},
	}
}
