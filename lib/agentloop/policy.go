// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentloop

import (
	"fmt"
	"net/url"
	"strings"
)

// ConfigError reports a configuration problem detected before any
// network call: a missing API key, a tool blocked by policy, or a
// navigation to a domain outside the allow list. It ends the current
// turn only.
type ConfigError struct {
	Reason string
}

func (err *ConfigError) Error() string {
	return "agentloop: configuration: " + err.Reason
}

// Policy restricts which tools the model may run.
type Policy struct {
	// BlockedTools are tool names that must never execute.
	BlockedTools []string `yaml:"blocked_tools"`

	// AllowedDomains, when non-empty, limits URL arguments to these
	// hosts and their subdomains.
	AllowedDomains []string `yaml:"allowed_domains"`
}

// urlArguments are the argument names inspected for navigation
// targets.
var urlArguments = []string{"url", "href", "link", "target_url"}

// Check returns a *ConfigError when the call violates the policy. A
// nil policy allows everything.
func (policy *Policy) Check(name string, args map[string]any) error {
	if policy == nil {
		return nil
	}
	for _, blocked := range policy.BlockedTools {
		if strings.EqualFold(blocked, name) {
			return &ConfigError{Reason: fmt.Sprintf("tool %q is blocked by policy", name)}
		}
	}
	if len(policy.AllowedDomains) == 0 {
		return nil
	}
	for _, key := range urlArguments {
		raw, ok := args[key].(string)
		if !ok || raw == "" {
			continue
		}
		host, err := urlHost(raw)
		if err != nil {
			return &ConfigError{Reason: fmt.Sprintf("tool %q: %s %q is not a valid URL", name, key, raw)}
		}
		if !policy.domainAllowed(host) {
			return &ConfigError{Reason: fmt.Sprintf("tool %q: domain %q is not allowed", name, host)}
		}
	}
	return nil
}

func (policy *Policy) domainAllowed(host string) bool {
	for _, domain := range policy.AllowedDomains {
		domain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "*."))
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// urlHost returns the lowercase host of raw, accepting bare
// "example.com/path" forms that models often produce.
func urlHost(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if parsed.Hostname() == "" {
		return "", fmt.Errorf("no host")
	}
	return strings.ToLower(parsed.Hostname()), nil
}
