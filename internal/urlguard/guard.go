// Package urlguard blocks navigation to configured domains and their
// subdomains.
package urlguard

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// DefaultBlocked is the blocklist used when none is configured.
var DefaultBlocked = []string{
	"maliciousbook.com",
	"evilvideos.com",
	"darkwebforum.com",
	"shadytok.com",
	"suspiciouspins.com",
	"ilanbigio.com",
}

// ErrBlocked is matched by every *BlockedError.
var ErrBlocked = errors.New("blocked url")

// BlockedError reports the URL and the blocklist entry it matched.
type BlockedError struct {
	URL    string
	Domain string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked url: %s (matches %s)", e.URL, e.Domain)
}

func (e *BlockedError) Is(target error) bool { return target == ErrBlocked }

// Guard checks URLs against a domain blocklist.
type Guard struct {
	domains []string
}

// New builds a guard. Entries are normalized the same way hostnames are;
// empty entries are ignored.
func New(blocked []string) *Guard {
	g := &Guard{}
	for _, d := range blocked {
		if n := normalizeHost(d); n != "" {
			g.domains = append(g.domains, n)
		}
	}
	return g
}

// Domains returns the normalized blocklist.
func (g *Guard) Domains() []string {
	return append([]string(nil), g.domains...)
}

// Check returns a *BlockedError when the hostname of rawURL equals a blocked
// domain or is a subdomain of one. Empty URLs pass.
func (g *Guard) Check(rawURL string) error {
	if g == nil || strings.TrimSpace(rawURL) == "" {
		return nil
	}
	host := hostname(rawURL)
	if host == "" {
		return nil
	}
	for _, d := range g.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return &BlockedError{URL: rawURL, Domain: d}
		}
	}
	return nil
}

func hostname(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	host := u.Hostname()
	if host == "" && u.Scheme == "" {
		// Bare "example.com/path" parses as a path.
		if bare, err := url.Parse("//" + strings.TrimSpace(rawURL)); err == nil {
			host = bare.Hostname()
		}
	}
	return normalizeHost(host)
}

func normalizeHost(host string) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return ""
	}
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		return ascii
	}
	return host
}
