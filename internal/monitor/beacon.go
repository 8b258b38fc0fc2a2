package monitor

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net/netip"
	"time"

	"mixnet-two-hop-vpn/internal/core"
	"mixnet-two-hop-vpn/internal/ipr"
	"mixnet-two-hop-vpn/internal/mixnet"
)

// icmpBeaconPingInterval paces the echo bursts.
const icmpBeaconPingInterval = 1 * time.Second

// Beacon emits the periodic ICMP echoes through the exit tunnel. Every tick
// sends four echoes in fixed order: v4 tun, v6 tun, v4 external, v6
// external. Each packet carries the per-client identifier and a wrapping
// sequence number.
type Beacon struct {
	sender     mixnet.Sender
	ourIps     ipr.IpPair
	iprAddress mixnet.Recipient
	identifier uint16
	seq        uint16

	externalV4 netip.Addr
	externalV6 netip.Addr
}

// NewBeacon creates a beacon with a random identifier and the default
// external references.
func NewBeacon(sender mixnet.Sender, ourIps ipr.IpPair, iprAddress mixnet.Recipient) *Beacon {
	return &Beacon{
		sender:     sender,
		ourIps:     ourIps,
		iprAddress: iprAddress,
		identifier: randomIdentifier(),
		externalV4: DefaultExternalIPv4,
		externalV6: DefaultExternalIPv6,
	}
}

func randomIdentifier() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint16(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint16(b[:])
}

// Identifier returns the per-client echo identifier.
func (b *Beacon) Identifier() uint16 { return b.identifier }

func (b *Beacon) nextSeq() uint16 {
	seq := b.seq
	b.seq++
	return seq
}

// sendPacket wraps a raw IP packet in a data request and ships it to the
// ip-packet-router with two-hop routing.
func (b *Beacon) sendPacket(ctx context.Context, packet []byte) error {
	bundle := ipr.BundleOnePacket(packet)
	payload := ipr.NewDataRequest(bundle).Encode()
	msg := mixnet.NewRegularWithHops(b.iprAddress, payload, mixnet.LaneGeneral, 0)
	return b.sender.Send(ctx, msg)
}

func (b *Beacon) pingV4(ctx context.Context, dst netip.Addr) error {
	packet, err := BuildEchoRequestV4(b.identifier, b.nextSeq(), b.ourIps.V4, dst)
	if err != nil {
		return err
	}
	return b.sendPacket(ctx, packet)
}

func (b *Beacon) pingV6(ctx context.Context, dst netip.Addr) error {
	packet, err := BuildEchoRequestV6(b.identifier, b.nextSeq(), b.ourIps.V6, dst)
	if err != nil {
		return err
	}
	return b.sendPacket(ctx, packet)
}

// Run drives the beacon until shutdown.
func (b *Beacon) Run(shutdown *core.TaskClient) {
	defer shutdown.Finish()
	core.Log.Debugf("Monitor", "ICMP connection beacon running (identifier=%d)", b.identifier)

	ticker := time.NewTicker(icmpBeaconPingInterval)
	defer ticker.Stop()

	ctx := shutdown.Context()
	for {
		select {
		case <-shutdown.Done():
			core.Log.Debugf("Monitor", "ICMP beacon received shutdown")
			return
		case <-ticker.C:
			if err := b.pingV4(ctx, IprTunIPv4); err != nil {
				core.Log.Errorf("Monitor", "Failed to send ICMP ping: %v", err)
			}
			if err := b.pingV6(ctx, IprTunIPv6); err != nil {
				core.Log.Errorf("Monitor", "Failed to send ICMPv6 ping: %v", err)
			}
			if err := b.pingV4(ctx, b.externalV4); err != nil {
				core.Log.Errorf("Monitor", "Failed to send ICMP ping: %v", err)
			}
			if err := b.pingV6(ctx, b.externalV6); err != nil {
				core.Log.Errorf("Monitor", "Failed to send ICMPv6 ping: %v", err)
			}
		}
	}
}
