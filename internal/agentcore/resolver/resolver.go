// Package resolver resolves a target's configured address to a destination
// IP once, at scheduler insert time (spec.md §4.2).
package resolver

import (
	"context"
	"fmt"
	"net"
)

// Resolve returns host's destination IP. A literal IP is parsed directly;
// otherwise it performs a DNS lookup of host:0 and takes the first address,
// per spec.md §4.2.
func Resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolver: lookup %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolver: lookup %q: no addresses returned", host)
	}
	return addrs[0].IP, nil
}
