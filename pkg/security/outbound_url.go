// Package security checks URLs of remote endpoints before connecting.
package security

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

var ErrURLNotAllowed = errors.New("url not allowed")

// URLPolicy decides which remote endpoints may be contacted. HTTPS is always
// allowed.
type URLPolicy struct {
	AllowHTTP bool `json:"allow_http" yaml:"allow_http" mapstructure:"allow_http"`
	// AllowLocalNetworks permits loopback, private and link-local targets and
	// localhost names.
	AllowLocalNetworks bool `json:"allow_local_networks" yaml:"allow_local_networks" mapstructure:"allow_local_networks"`
}

// LocalPolicy is used for endpoints configured by the user on their own
// machine: plain HTTP and local addresses are fine.
func LocalPolicy() URLPolicy {
	return URLPolicy{AllowHTTP: true, AllowLocalNetworks: true}
}

// Check returns an error wrapping ErrURLNotAllowed when rawURL violates p.
// IP literals are checked without DNS lookups; hostnames are not resolved.
func (p URLPolicy) Check(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrap(err, "invalid url")
	}

	switch parsed.Scheme {
	case "https":
	case "http":
		if !p.AllowHTTP {
			return errors.Wrap(ErrURLNotAllowed, "http scheme")
		}
	default:
		return errors.Wrapf(ErrURLNotAllowed, "scheme %q", parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return errors.Wrap(ErrURLNotAllowed, "missing host")
	}
	if p.AllowLocalNetworks {
		if addr, err := netip.ParseAddr(host); err == nil {
			if a := addr.Unmap(); a.IsUnspecified() || a.IsMulticast() {
				return errors.Wrapf(ErrURLNotAllowed, "address %s", host)
			}
		}
		return nil
	}

	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return errors.Wrapf(ErrURLNotAllowed, "local host %s", host)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	if addr.Zone() != "" {
		return errors.Wrapf(ErrURLNotAllowed, "zoned address %s", host)
	}
	addr = addr.Unmap()
	if addr.IsUnspecified() || addr.IsMulticast() || addr.IsLoopback() || addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
		return errors.Wrapf(ErrURLNotAllowed, "local address %s", host)
	}
	return nil
}
