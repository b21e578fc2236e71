// Package urlcheck validates client-supplied URLs (source_url, notify_url)
// before the manager ever connects to them. A URL passes only when it uses
// http(s), carries no userinfo, and its host resolves exclusively to public
// addresses, blocking requests that would otherwise reach loopback,
// private or link-local targets from inside the deployment (SSRF).
package urlcheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ErrInvalidURL wraps all validation failures so handlers can map them to 400.
var ErrInvalidURL = errors.New("invalid url")

// resolveTimeout bounds the DNS lookup performed during validation.
const resolveTimeout = 5 * time.Second

// Checker validates URLs. AllowPrivate disables the public-address
// requirement; it exists for tests and air-gapped deployments where
// clients and runners legitimately live on private ranges.
type Checker struct {
	AllowPrivate bool

	// lookup is swappable in tests.
	lookup func(ctx context.Context, host string) ([]net.IP, error)
}

// New creates a checker using the system resolver.
func New(allowPrivate bool) *Checker {
	return &Checker{
		AllowPrivate: allowPrivate,
		lookup: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, 0, len(addrs))
			for _, a := range addrs {
				ips = append(ips, a.IP)
			}
			return ips, nil
		},
	}
}

// Validate checks one URL. The returned error always wraps ErrInvalidURL.
func (c *Checker) Validate(ctx context.Context, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.User != nil {
		return fmt.Errorf("%w: must not include userinfo", ErrInvalidURL)
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	if c.AllowPrivate {
		return nil
	}

	if host == "localhost" {
		return fmt.Errorf("%w: host not allowed", ErrInvalidURL)
	}

	// Literal IPs skip DNS.
	if ip := net.ParseIP(host); ip != nil {
		if disallowed(ip) {
			return fmt.Errorf("%w: host resolves to a private or local address", ErrInvalidURL)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	ips, err := c.lookup(ctx, host)
	if err != nil || len(ips) == 0 {
		return fmt.Errorf("%w: host cannot be resolved", ErrInvalidURL)
	}
	for _, ip := range ips {
		if disallowed(ip) {
			return fmt.Errorf("%w: host resolves to a private or local address", ErrInvalidURL)
		}
	}
	return nil
}

// disallowed reports whether an address must never be dialed on behalf of a
// client: private ranges, loopback, link-local, multicast, unspecified.
func disallowed(ip net.IP) bool {
	return ip.IsPrivate() ||
		ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified()
}
