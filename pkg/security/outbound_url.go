// Package security guards the outbound requests branchchat makes on behalf of its
// configuration.
package security

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// BaseURLOptions relaxes ValidateBaseURL for self hosted backends.
type BaseURLOptions struct {
	// AllowLocal permits plain http and loopback, private and link-local targets.
	AllowLocal bool
}

// ValidateBaseURL checks a provider base url before any request is sent to it.
// IP literals are checked without DNS lookups.
func ValidateBaseURL(rawURL string, opts BaseURLOptions) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrap(err, "invalid base url")
	}

	switch parsed.Scheme {
	case "https":
	case "http":
		if !opts.AllowLocal {
			return errors.Errorf("base url %q: http is only allowed for local providers", rawURL)
		}
	default:
		return errors.Errorf("base url %q: unsupported scheme %q", rawURL, parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return errors.Errorf("base url %q: missing host", rawURL)
	}
	if opts.AllowLocal {
		return nil
	}

	if isLocalHostname(host) {
		return errors.Errorf("base url %q: local host %q is not allowed", rawURL, host)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	if addr.Zone() != "" {
		return errors.Errorf("base url %q: zoned address is not allowed", rawURL)
	}
	addr = addr.Unmap()
	switch {
	case addr.IsUnspecified(), addr.IsMulticast():
		return errors.Errorf("base url %q: address %s is not routable", rawURL, addr)
	case addr.IsLoopback(), addr.IsPrivate(), addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return errors.Errorf("base url %q: local address %s is not allowed", rawURL, addr)
	}
	return nil
}

func isLocalHostname(host string) bool {
	return host == "localhost" ||
		strings.HasSuffix(host, ".localhost") ||
		strings.HasSuffix(host, ".local")
}
