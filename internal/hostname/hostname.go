// Package hostname normalizes and validates federation server hostnames.
//
// The canonical form is ASCII, lowercase, IDN-mapped, with no scheme, port,
// path, or trailing dot. Anything that doesn't reduce to a dotted name with
// at least one label under its public suffix is rejected at intake. The
// suffix is not required to be listed in the ICANN section: an unlisted
// TLD counts as a one-label suffix.
package hostname

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// Common rejection reasons.
var (
	ErrEmpty        = errors.New("empty hostname")
	ErrIPLiteral    = errors.New("IP literals are not federation hostnames")
	ErrNoSuffix     = errors.New("hostname has no public suffix")
	ErrBareSuffix   = errors.New("hostname is a bare public suffix")
	ErrMalformed    = errors.New("malformed hostname")
	ErrEmbeddedPath = errors.New("hostname contains userinfo or path")
)

// profile is the IDNA mapping used for all lookups. idna.Lookup applies the
// registration-time rules (case folding, dot mapping, punycode).
var profile = idna.Lookup

// Normalize reduces a raw seed line or peer entry to canonical form.
// Schemes, paths, ports, and trailing dots are stripped; the result is
// IDN-mapped to ASCII and lowercased. Validation is separate: call
// NormalizeValid to get both.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrEmpty
	}

	// Seed scripts and peers endpoints occasionally hand back full URLs.
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '@'); i >= 0 {
		return "", ErrEmbeddedPath
	}

	// Strip an explicit port. Bracketed IPv6 is rejected below anyway.
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}

	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return "", ErrEmpty
	}
	if strings.ContainsAny(s, " \t") {
		return "", ErrMalformed
	}

	ascii, err := profile.ToASCII(strings.ToLower(s))
	if err != nil {
		return "", fmt.Errorf("IDN mapping %q: %w", raw, err)
	}
	return strings.ToLower(ascii), nil
}

// Validate checks that a normalized hostname is a plausible federation
// server name: not an IP literal, and carrying at least one label of its
// own under the effective public suffix. Reserved TLDs like .test resolve
// to a one-label suffix and are accepted, which keeps staging and
// conformance hosts seedable.
func Validate(host string) error {
	if host == "" {
		return ErrEmpty
	}
	if net.ParseIP(host) != nil {
		return ErrIPLiteral
	}
	if !strings.Contains(host, ".") {
		return ErrNoSuffix
	}

	suffix, _ := publicsuffix.PublicSuffix(host)
	if suffix == host {
		return ErrBareSuffix
	}
	if !strings.HasSuffix(host, "."+suffix) {
		return ErrNoSuffix
	}
	return nil
}

// NormalizeValid is the intake path: Normalize then Validate.
func NormalizeValid(raw string) (string, error) {
	host, err := Normalize(raw)
	if err != nil {
		return "", err
	}
	if err := Validate(host); err != nil {
		return "", err
	}
	return host, nil
}
