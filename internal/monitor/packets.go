package monitor

import (
	"fmt"
	"net/netip"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// beaconPayload rides inside every echo so replies are recognizable even
// when the identifier collides with unrelated traffic.
var beaconPayload = []byte("two-hop-connection-beacon")

// checksum is the RFC 1071 ones-complement sum.
func checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// BuildEchoRequestV4 constructs a full IPv4 packet carrying an ICMP echo
// request from src to dst.
func BuildEchoRequestV4(identifier, seq uint16, src, dst netip.Addr) ([]byte, error) {
	if !src.Is4() || !dst.Is4() {
		return nil, fmt.Errorf("ipv4 echo requires v4 addresses, got %s → %s", src, dst)
	}

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   int(identifier),
			Seq:  int(seq),
			Data: beaconPayload,
		},
	}
	icmpBytes, err := msg.Marshal(nil)
	if err != nil {
		return nil, fmt.Errorf("marshal icmp echo: %w", err)
	}

	totalLen := ipv4.HeaderLen + len(icmpBytes)
	hdr := make([]byte, ipv4.HeaderLen)
	hdr[0] = 0x45 // version 4, ihl 5
	hdr[2] = byte(totalLen >> 8)
	hdr[3] = byte(totalLen)
	hdr[8] = 64 // ttl
	hdr[9] = 1  // protocol: icmp
	srcB := src.As4()
	dstB := dst.As4()
	copy(hdr[12:16], srcB[:])
	copy(hdr[16:20], dstB[:])
	cs := checksum(hdr)
	hdr[10] = byte(cs >> 8)
	hdr[11] = byte(cs)

	return append(hdr, icmpBytes...), nil
}

// BuildEchoRequestV6 constructs a full IPv6 packet carrying an ICMPv6 echo
// request from src to dst, with the checksum computed over the pseudo
// header.
func BuildEchoRequestV6(identifier, seq uint16, src, dst netip.Addr) ([]byte, error) {
	if !src.Is6() || src.Is4In6() || !dst.Is6() || dst.Is4In6() {
		return nil, fmt.Errorf("ipv6 echo requires v6 addresses, got %s → %s", src, dst)
	}

	msg := icmp.Message{
		Type: ipv6.ICMPTypeEchoRequest,
		Code: 0,
		Body: &icmp.Echo{
			ID:   int(identifier),
			Seq:  int(seq),
			Data: beaconPayload,
		},
	}
	icmpBytes, err := msg.Marshal(nil)
	if err != nil {
		return nil, fmt.Errorf("marshal icmpv6 echo: %w", err)
	}

	// Checksum over pseudo header: src, dst, upper-layer length, next header.
	srcB := src.As16()
	dstB := dst.As16()
	psh := make([]byte, 0, 40+len(icmpBytes))
	psh = append(psh, srcB[:]...)
	psh = append(psh, dstB[:]...)
	psh = append(psh, byte(len(icmpBytes)>>24), byte(len(icmpBytes)>>16), byte(len(icmpBytes)>>8), byte(len(icmpBytes)))
	psh = append(psh, 0, 0, 0, 58)
	psh = append(psh, icmpBytes...)
	cs := checksum(psh)
	icmpBytes[2] = byte(cs >> 8)
	icmpBytes[3] = byte(cs)

	hdr := make([]byte, ipv6.HeaderLen)
	hdr[0] = 0x60 // version 6
	hdr[4] = byte(len(icmpBytes) >> 8)
	hdr[5] = byte(len(icmpBytes))
	hdr[6] = 58 // next header: icmpv6
	hdr[7] = 64 // hop limit
	copy(hdr[8:24], srcB[:])
	copy(hdr[24:40], dstB[:])

	return append(hdr, icmpBytes...), nil
}

// EchoReply is a parsed inbound ICMP echo reply.
type EchoReply struct {
	Identifier uint16
	Seq        uint16
	Source     netip.Addr
	Dest       netip.Addr
	IsIPv6     bool
}

// ParseEchoReply extracts an ICMP echo reply from a raw IP packet. Returns
// false for anything that is not an echo reply.
func ParseEchoReply(packet []byte) (EchoReply, bool) {
	if len(packet) == 0 {
		return EchoReply{}, false
	}
	switch packet[0] >> 4 {
	case 4:
		return parseEchoReplyV4(packet)
	case 6:
		return parseEchoReplyV6(packet)
	default:
		return EchoReply{}, false
	}
}

func parseEchoReplyV4(packet []byte) (EchoReply, bool) {
	if len(packet) < ipv4.HeaderLen {
		return EchoReply{}, false
	}
	ihl := int(packet[0]&0x0f) * 4
	if ihl < ipv4.HeaderLen || len(packet) < ihl+8 {
		return EchoReply{}, false
	}
	if packet[9] != 1 { // protocol: icmp
		return EchoReply{}, false
	}

	msg, err := icmp.ParseMessage(1, packet[ihl:])
	if err != nil {
		return EchoReply{}, false
	}
	if msg.Type != ipv4.ICMPTypeEchoReply {
		return EchoReply{}, false
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok {
		return EchoReply{}, false
	}

	src := netip.AddrFrom4([4]byte(packet[12:16]))
	dst := netip.AddrFrom4([4]byte(packet[16:20]))
	return EchoReply{
		Identifier: uint16(echo.ID),
		Seq:        uint16(echo.Seq),
		Source:     src,
		Dest:       dst,
	}, true
}

func parseEchoReplyV6(packet []byte) (EchoReply, bool) {
	if len(packet) < ipv6.HeaderLen+8 {
		return EchoReply{}, false
	}
	if packet[6] != 58 { // next header: icmpv6
		return EchoReply{}, false
	}

	msg, err := icmp.ParseMessage(58, packet[ipv6.HeaderLen:])
	if err != nil {
		return EchoReply{}, false
	}
	if msg.Type != ipv6.ICMPTypeEchoReply {
		return EchoReply{}, false
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok {
		return EchoReply{}, false
	}

	src := netip.AddrFrom16([16]byte(packet[8:24]))
	dst := netip.AddrFrom16([16]byte(packet[24:40]))
	return EchoReply{
		Identifier: uint16(echo.ID),
		Seq:        uint16(echo.Seq),
		Source:     src,
		Dest:       dst,
		IsIPv6:     true,
	}, true
}
