/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package utils

import (
	"fmt"
	"strings"
)

// GetDomainFromEmail returns the domain part as defined in RFC 5322 of the
// provided email address. Both the local part and the domain part must be
// non-empty. The returned domain is lower cased.
func GetDomainFromEmail(email string) (string, error) {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return "", fmt.Errorf("no @ in value: %v", email)
	}
	if at == 0 {
		return "", fmt.Errorf("empty local part in value: %v", email)
	}
	domain := strings.TrimSuffix(email[at+1:], ".")
	if domain == "" || strings.ContainsAny(domain, " \t<>@") {
		return "", fmt.Errorf("invalid domain in value: %v", email)
	}

	return strings.ToLower(domain), nil
}

// DomainGroup is a set of recipients sharing the same domain.
type DomainGroup struct {
	Domain     string
	Recipients []string
}

// GroupByDomain groups the provided addresses by their domain, keeping the
// order in which each domain was first seen and the order of recipients
// within each domain. Addresses without a valid domain are returned
// separately.
func GroupByDomain(addresses []string) ([]*DomainGroup, []string) {
	var groups []*DomainGroup
	var invalid []string
	index := make(map[string]*DomainGroup)

	for _, address := range addresses {
		domain, err := GetDomainFromEmail(address)
		if err != nil {
			invalid = append(invalid, address)
			continue
		}
		group, ok := index[domain]
		if !ok {
			group = &DomainGroup{Domain: domain}
			index[domain] = group
			groups = append(groups, group)
		}
		group.Recipients = append(group.Recipients, address)
	}

	return groups, invalid
}
