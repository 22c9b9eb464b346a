// Package discovery resolves Weave node ids to datagram addresses.
//
// Nodes advertise a DNS-SD instance named by their node id under
// ServiceWeave. A Browser keeps a table of the instances seen on the link
// and falls back to the node's fabric unique local address.
package discovery

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

const (
	// ServiceWeave is the DNS-SD service type of Weave nodes.
	ServiceWeave = "_weave._udp"

	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."

	// DefaultPort is the Weave port.
	DefaultPort = 11095

	// SubnetPrimaryWiFi is the fabric subnet of the primary WiFi interface.
	SubnetPrimaryWiFi uint16 = 1

	// SubnetService is the fabric subnet of service endpoints.
	SubnetService uint16 = 5
)

// InstanceName returns the DNS-SD instance name of a node: its id in
// upper-case hex, zero padded to 16 digits.
func InstanceName(nodeID uint64) string {
	return fmt.Sprintf("%016X", nodeID)
}

// ParseInstanceName extracts a node id from an instance name.
func ParseInstanceName(name string) (uint64, error) {
	if len(name) != 16 {
		return 0, ErrInvalidInstanceName
	}
	id, err := strconv.ParseUint(strings.ToUpper(name), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidInstanceName, err)
	}
	return id, nil
}

// FabricULA returns the unique local IPv6 address of a node in a fabric:
// fd + 40-bit global id from the fabric id, the subnet, and the node id with
// the universal/local bit inverted as interface id.
func FabricULA(fabricID uint64, subnet uint16, nodeID uint64) net.IP {
	ip := make(net.IP, net.IPv6len)
	ip[0] = 0xFD
	globalID := fabricID & 0xFF_FFFF_FFFF
	for i := 0; i < 5; i++ {
		ip[1+i] = byte(globalID >> (8 * (4 - i)))
	}
	ip[6] = byte(subnet >> 8)
	ip[7] = byte(subnet)
	iid := nodeID ^ 0x0200_0000_0000_0000
	for i := 0; i < 8; i++ {
		ip[8+i] = byte(iid >> (8 * (7 - i)))
	}
	return ip
}

// NodeIDFromULA recovers the node id from a fabric unique local address.
func NodeIDFromULA(ip net.IP) (uint64, bool) {
	ip = ip.To16()
	if ip == nil || ip.To4() != nil || ip[0] != 0xFD {
		return 0, false
	}
	var iid uint64
	for i := 0; i < 8; i++ {
		iid = iid<<8 | uint64(ip[8+i])
	}
	return iid ^ 0x0200_0000_0000_0000, true
}

// SortIPsByPreference sorts IP addresses by preference:
// IPv6 global unicast > IPv6 ULA > IPv6 link-local > IPv4.
func SortIPsByPreference(ips []net.IP) []net.IP {
	if len(ips) <= 1 {
		return ips
	}
	sorted := make([]net.IP, len(ips))
	copy(sorted, ips)
	sort.SliceStable(sorted, func(i, j int) bool {
		return ipPriority(sorted[i]) < ipPriority(sorted[j])
	})
	return sorted
}

func ipPriority(ip net.IP) int {
	if ip.To4() != nil {
		return 3
	}
	switch {
	case ip.IsLinkLocalUnicast():
		return 2
	case isUniqueLocal(ip):
		return 1
	default:
		return 0
	}
}

func isUniqueLocal(ip net.IP) bool {
	ip = ip.To16()
	return ip != nil && ip.To4() == nil && ip[0]&0xFE == 0xFC
}
