package tools

import (
	"context"
	"fmt"
	"net"
	"net/url"
)

// checkSSRF rejects URLs whose host resolves to a loopback, private,
// link-local, or otherwise non-public address. Cloud metadata endpoints
// fall under link-local. Called before the initial request and again on
// every redirect target.
func checkSSRF(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse URL: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("missing hostname")
	}
	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%s resolves to no addresses", host)
	}
	for _, addr := range addrs {
		if err := checkIP(addr.IP); err != nil {
			return err
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback address %s blocked", ip)
	case ip.IsPrivate():
		return fmt.Errorf("private address %s blocked", ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local address %s blocked", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified address %s blocked", ip)
	case ip.IsMulticast():
		return fmt.Errorf("multicast address %s blocked", ip)
	}
	return nil
}
