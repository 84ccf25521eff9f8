package protocol

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/migadu/sievemgr/consts"
)

// Referral is the target of a REFERRAL response code.
type Referral struct {
	Host string
	Port int
}

func (r *Referral) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// ParseReferral parses a sieve://host[:port][/path] URL. The scheme is
// optional and the port defaults to 4190.
func ParseReferral(uri string) (*Referral, error) {
	raw := strings.TrimSpace(uri)
	if !strings.Contains(raw, "://") {
		raw = "sieve://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid referral %q: %w", uri, err)
	}
	if !strings.EqualFold(u.Scheme, "sieve") {
		return nil, fmt.Errorf("invalid referral %q: unsupported scheme %q", uri, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("invalid referral %q: missing host", uri)
	}

	port := consts.DefaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid referral %q: bad port %q", uri, p)
		}
	}
	return &Referral{Host: host, Port: port}, nil
}
