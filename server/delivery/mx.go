/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"stash.kopano.io/kgol/smtprelay/server/smtp/outbound"
)

// MXResolver looks up MX records. *net.Resolver implements it.
type MXResolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

var errNullMX = errors.New("domain does not accept mail (null mx)")

// lookupMX returns the MX hosts of domain in preference order.
func lookupMX(ctx context.Context, resolver MXResolver, domain string) ([]string, error) {
	records, err := resolver.LookupMX(ctx, domain)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	hosts := make([]string, 0, len(records))
	for _, record := range records {
		host := strings.TrimSuffix(record.Host, ".")
		if host == "" {
			if len(records) == 1 {
				return nil, errNullMX
			}
			continue
		}
		hosts = append(hosts, host)
	}
	if len(hosts) == 0 {
		return nil, &net.DNSError{
			Err:        "no mx records",
			Name:       domain,
			IsNotFound: true,
		}
	}

	return hosts, nil
}

// resolutionOutcome turns a lookup error into the outcome recorded for all
// recipients of the domain.
func resolutionOutcome(domain string, err error) *outbound.Outcome {
	outcome := &outbound.Outcome{
		Class:  outbound.ClassPermanent,
		Detail: fmt.Sprintf("mx lookup for %s failed: %v", domain, err),
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsTemporary || dnsErr.IsTimeout) {
		outcome.Class = outbound.ClassTransient
		outcome.Timeout = dnsErr.IsTimeout
	}
	return outcome
}
