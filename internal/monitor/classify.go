package monitor

import (
	"net/netip"

	"mixnet-two-hop-vpn/internal/ipr"
)

// Beacon destinations. The tun-side addresses are fixed by the
// ip-packet-router; the external references default to a single-element
// pool for bit-compatibility with the classifier.
var (
	IprTunIPv4 = netip.AddrFrom4([4]byte{10, 0, 0, 1})
	IprTunIPv6 = netip.MustParseAddr("2001:db8:a160::1")

	DefaultExternalIPv4 = netip.AddrFrom4([4]byte{8, 8, 8, 8})
	DefaultExternalIPv6 = netip.MustParseAddr("2001:4860:4860::8888")
)

// BeaconReply classifies a single inbound echo reply.
type BeaconReply int

const (
	// ReplyNone means the packet is not a reply to our beacon.
	ReplyNone BeaconReply = iota
	// Icmpv4IprTunDevicePingReply: the exit router's tun device answered.
	Icmpv4IprTunDevicePingReply
	// Icmpv4IprExternalPingReply: the external v4 reference answered.
	Icmpv4IprExternalPingReply
	// Icmpv6IprTunDevicePingReply: the exit router's tun device answered.
	Icmpv6IprTunDevicePingReply
	// Icmpv6IprExternalPingReply: the external v6 reference answered.
	Icmpv6IprExternalPingReply
)

// Classifier matches inbound packets against the beacon's identifier and
// the client's own tun addresses.
type Classifier struct {
	Identifier uint16
	OurIps     ipr.IpPair
	// ExternalV4 and ExternalV6 are the reference destinations the beacon
	// pings; replies from them classify as external.
	ExternalV4 netip.Addr
	ExternalV6 netip.Addr
}

// NewClassifier builds a classifier with the default external references.
func NewClassifier(identifier uint16, ourIps ipr.IpPair) Classifier {
	return Classifier{
		Identifier: identifier,
		OurIps:     ourIps,
		ExternalV4: DefaultExternalIPv4,
		ExternalV6: DefaultExternalIPv6,
	}
}

// Classify inspects a raw IP packet from the tunnel. Replies are matched by
// identifier and by destination equalling the client's own tun address;
// everything else is ReplyNone.
func (c Classifier) Classify(packet []byte) BeaconReply {
	reply, ok := ParseEchoReply(packet)
	if !ok || reply.Identifier != c.Identifier {
		return ReplyNone
	}

	if reply.IsIPv6 {
		if reply.Dest != c.OurIps.V6 {
			return ReplyNone
		}
		switch reply.Source {
		case IprTunIPv6:
			return Icmpv6IprTunDevicePingReply
		case c.ExternalV6:
			return Icmpv6IprExternalPingReply
		}
		return ReplyNone
	}

	if reply.Dest != c.OurIps.V4 {
		return ReplyNone
	}
	switch reply.Source {
	case IprTunIPv4:
		return Icmpv4IprTunDevicePingReply
	case c.ExternalV4:
		return Icmpv4IprExternalPingReply
	}
	return ReplyNone
}
