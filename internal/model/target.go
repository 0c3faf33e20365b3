package model

import (
	"net"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrInvalidTarget is returned when a target reference cannot be used.
var ErrInvalidTarget = eris.New("invalid target")

// Target identifies the property website being extracted.
type Target struct {
	URL    string `json:"url"`
	Domain string `json:"domain"`
}

// ParseTarget normalizes a caller-supplied reference. Scheme-less input is
// treated as https. The domain is the lower-cased host without port or a
// leading "www.".
func ParseTarget(raw string) (Target, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Target{}, eris.Wrap(ErrInvalidTarget, "empty reference")
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return Target{}, eris.Wrapf(ErrInvalidTarget, "parse %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Target{}, eris.Wrapf(ErrInvalidTarget, "unsupported scheme %q", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" || strings.ContainsAny(host, " _") {
		return Target{}, eris.Wrapf(ErrInvalidTarget, "no usable host in %q", raw)
	}
	if net.ParseIP(host) == nil && !strings.Contains(host, ".") && host != "localhost" {
		return Target{}, eris.Wrapf(ErrInvalidTarget, "host %q is not a domain", host)
	}

	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.Path == "/" {
		u.Path = ""
	}

	return Target{
		URL:    u.String(),
		Domain: strings.TrimPrefix(host, "www."),
	}, nil
}
