package utils

import (
	"fmt"
	"net"
)

// ParseCIDRs parses an allow-list. A bare address is read as a single host.
func ParseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		if ip := net.ParseIP(cidr); ip != nil {
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, netblock, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
		}
		nets = append(nets, netblock)
	}
	return nets, nil
}

// IsAllowedIP checks whether ip falls inside one of the allowed networks.
func IsAllowedIP(ip string, allowed []*net.IPNet) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, netblock := range allowed {
		if netblock.Contains(parsed) {
			return true
		}
	}
	return false
}
