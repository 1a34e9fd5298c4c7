// Package security keeps tools that reach the network away from local and
// private addresses.
package security

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"syscall"

	"gemdesk/internal/logging"
)

// ErrBlockedAddress is returned for URLs and dials that target a private,
// loopback or otherwise non-public address.
var ErrBlockedAddress = errors.New("blocked address")

// blockedPrefixes are the ranges a fetch must never reach.
var blockedPrefixes = []netip.Prefix{
	// IPv4 first, then IPv6
	netip.MustParsePrefix("0.0.0.0/8"),       // this network
	netip.MustParsePrefix("10.0.0.0/8"),      // private
	netip.MustParsePrefix("100.64.0.0/10"),   // carrier-grade NAT
	netip.MustParsePrefix("127.0.0.0/8"),     // loopback
	netip.MustParsePrefix("169.254.0.0/16"),  // link-local, cloud metadata
	netip.MustParsePrefix("172.16.0.0/12"),   // private
	netip.MustParsePrefix("192.0.0.0/24"),    // IETF protocol assignments
	netip.MustParsePrefix("192.0.2.0/24"),    // TEST-NET-1
	netip.MustParsePrefix("192.88.99.0/24"),  // 6to4 relay anycast
	netip.MustParsePrefix("192.168.0.0/16"),  // private
	netip.MustParsePrefix("198.18.0.0/15"),   // benchmarking
	netip.MustParsePrefix("198.51.100.0/24"), // TEST-NET-2
	netip.MustParsePrefix("203.0.113.0/24"),  // TEST-NET-3
	netip.MustParsePrefix("224.0.0.0/4"),     // multicast
	netip.MustParsePrefix("240.0.0.0/4"),     // reserved, broadcast
	netip.MustParsePrefix("::/128"),          // unspecified
	netip.MustParsePrefix("::1/128"),         // loopback
	netip.MustParsePrefix("64:ff9b::/96"),    // NAT64
	netip.MustParsePrefix("100::/64"),        // discard
	netip.MustParsePrefix("2001::/32"),       // Teredo
	netip.MustParsePrefix("2001:db8::/32"),   // documentation
	netip.MustParsePrefix("2002::/16"),       // 6to4
	netip.MustParsePrefix("fc00::/7"),        // unique local
	netip.MustParsePrefix("fe80::/10"),       // link-local
	netip.MustParsePrefix("ff00::/8"),        // multicast
}

// URLGuard validates fetch targets. URLs are checked up front; host names
// are checked again at dial time against the address they resolved to,
// which also covers redirects and DNS rebinding.
type URLGuard struct {
	allowPrivate bool
}

// NewURLGuard creates a guard. With allowPrivate set every address is
// accepted; only the scheme and host checks remain.
func NewURLGuard(allowPrivate bool) *URLGuard {
	return &URLGuard{allowPrivate: allowPrivate}
}

// CheckURL rejects non-http(s) URLs, URLs without a host, and URLs whose
// host is a blocked literal address or a localhost name.
func (g *URLGuard) CheckURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return errors.New("missing host")
	}
	if g.allowPrivate {
		return nil
	}

	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") || lower == "localhost.localdomain" {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return g.CheckAddr(addr)
	}
	return nil
}

// CheckAddr rejects addresses inside a blocked range. IPv4-mapped IPv6
// addresses are checked as IPv4.
func (g *URLGuard) CheckAddr(addr netip.Addr) error {
	if g.allowPrivate {
		return nil
	}

	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return fmt.Errorf("%w: %s", ErrBlockedAddress, addr)
		}
	}
	return nil
}

// Control is a net.Dialer Control hook. It runs after name resolution, so
// address is always ip:port.
func (g *URLGuard) Control(network, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: unparsable dial address %q", ErrBlockedAddress, address)
	}
	if err := g.CheckAddr(ap.Addr()); err != nil {
		logging.Warn("blocked outbound connection", "network", network, "address", address)
		return err
	}
	return nil
}
