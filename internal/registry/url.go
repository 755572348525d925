package registry

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

var privateBlocks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	blocks := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, block, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		blocks = append(blocks, block)
	}
	return blocks
}

// ValidateURL is a pure function of u and allowPrivate: it rejects
// non-http(s) schemes, loopback hostnames, and (unless allowPrivate)
// private-range IPv4 addresses, per spec section 4.1.
func ValidateURL(rawURL string, allowPrivate bool) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("invalid URL %q: scheme must be http or https", rawURL)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("invalid URL %q: missing host", rawURL)
	}

	lowerHost := strings.ToLower(host)
	if lowerHost == "localhost" {
		return fmt.Errorf("invalid URL %q: loopback hostnames are not allowed", rawURL)
	}

	ip := net.ParseIP(host)
	if ip != nil {
		if ip.IsLoopback() || ip.IsUnspecified() {
			return fmt.Errorf("invalid URL %q: loopback addresses are not allowed", rawURL)
		}
		if !allowPrivate && ip.To4() != nil {
			for _, block := range privateBlocks {
				if block.Contains(ip) {
					return fmt.Errorf("invalid URL %q: private-range addresses are not allowed (set ALLOW_PRIVATE_IPS to override)", rawURL)
				}
			}
		}
	}

	return nil
}
