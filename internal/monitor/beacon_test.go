package monitor

import (
	"context"
	"net/netip"
	"testing"

	"mixnet-two-hop-vpn/internal/ipr"
	"mixnet-two-hop-vpn/internal/mixnet"
)

type captureTransport struct {
	addr mixnet.Recipient
	sent []mixnet.InputMessage
	in   chan mixnet.ReconstructedMessage
}

func (c *captureTransport) Address() mixnet.Recipient { return c.addr }
func (c *captureTransport) Send(_ context.Context, msg mixnet.InputMessage) error {
	c.sent = append(c.sent, msg)
	return nil
}
func (c *captureTransport) Sign([]byte) []byte                            { return nil }
func (c *captureTransport) Messages() <-chan mixnet.ReconstructedMessage  { return c.in }
func (c *captureTransport) Disconnect(context.Context) error              { return nil }

// One tick of the beacon emits four echoes in fixed order, all as two-hop
// data requests, with wrapping sequence numbers.
func TestBeaconTickOrderAndFraming(t *testing.T) {
	ct := &captureTransport{}
	var iprAddr mixnet.Recipient
	for i := range iprAddr.Gateway {
		iprAddr.Gateway[i] = 9
	}

	b := NewBeacon(mixnet.NewSender(ct), testOurIps(), iprAddr)
	ctx := context.Background()

	// Drive one tick's worth of pings by hand.
	if err := b.pingV4(ctx, IprTunIPv4); err != nil {
		t.Fatalf("pingV4 tun: %v", err)
	}
	if err := b.pingV6(ctx, IprTunIPv6); err != nil {
		t.Fatalf("pingV6 tun: %v", err)
	}
	if err := b.pingV4(ctx, DefaultExternalIPv4); err != nil {
		t.Fatalf("pingV4 external: %v", err)
	}
	if err := b.pingV6(ctx, DefaultExternalIPv6); err != nil {
		t.Fatalf("pingV6 external: %v", err)
	}

	if len(ct.sent) != 4 {
		t.Fatalf("sent %d messages, want 4", len(ct.sent))
	}

	wantDests := []netip.Addr{IprTunIPv4, IprTunIPv6, DefaultExternalIPv4, DefaultExternalIPv6}
	for i, msg := range ct.sent {
		if msg.Recipient != iprAddr {
			t.Errorf("message %d addressed to %s, want the ipr", i, msg.Recipient)
		}
		if msg.Hops == nil || *msg.Hops != 0 {
			t.Errorf("message %d not requesting two-hop routing", i)
		}

		req, err := ipr.DecodeRequest(msg.Payload)
		if err != nil {
			t.Fatalf("message %d: decode request: %v", i, err)
		}
		packets := ipr.SplitBundle(req.Payload)
		if len(packets) != 1 {
			t.Fatalf("message %d bundles %d packets, want 1", i, len(packets))
		}

		dst, seq, ok := echoDestAndSeq(packets[0])
		if !ok {
			t.Fatalf("message %d does not carry an echo request", i)
		}
		if dst != wantDests[i] {
			t.Errorf("message %d pings %s, want %s", i, dst, wantDests[i])
		}
		if seq != uint16(i) {
			t.Errorf("message %d sequence %d, want %d", i, seq, i)
		}
	}
}

// echoDestAndSeq pulls the destination and sequence out of an outbound
// echo request packet.
func echoDestAndSeq(pkt []byte) (netip.Addr, uint16, bool) {
	if len(pkt) == 0 {
		return netip.Addr{}, 0, false
	}
	switch pkt[0] >> 4 {
	case 4:
		if len(pkt) < 28 {
			return netip.Addr{}, 0, false
		}
		dst := netip.AddrFrom4([4]byte(pkt[16:20]))
		seq := uint16(pkt[26])<<8 | uint16(pkt[27])
		return dst, seq, true
	case 6:
		if len(pkt) < 48 {
			return netip.Addr{}, 0, false
		}
		dst := netip.AddrFrom16([16]byte(pkt[24:40]))
		seq := uint16(pkt[46])<<8 | uint16(pkt[47])
		return dst, seq, true
	}
	return netip.Addr{}, 0, false
}

func TestBeaconSequenceWraps(t *testing.T) {
	ct := &captureTransport{}
	b := NewBeacon(mixnet.NewSender(ct), testOurIps(), mixnet.Recipient{})
	b.seq = 0xffff

	if got := b.nextSeq(); got != 0xffff {
		t.Fatalf("nextSeq = %d, want 65535", got)
	}
	if got := b.nextSeq(); got != 0 {
		t.Fatalf("sequence did not wrap: %d", got)
	}
}
