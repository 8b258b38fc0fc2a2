package tunnel

import (
	"fmt"
	"math/rand"
	"net/netip"

	"mixnet-two-hop-vpn/internal/wg"
)

// MTU arithmetic. Each WireGuard layer costs 80 bytes of overhead on top
// of IPv6 transport.
const (
	wgLayerOverhead = 80

	desktopBaseMTU  = 1500
	desktopEntryMTU = desktopBaseMTU - wgLayerOverhead  // 1420
	desktopExitMTU  = desktopEntryMTU - wgLayerOverhead // 1340

	mobileEntryMTU = 1360
	// mobileExitMTU preserves the IPv6 minimum.
	mobileExitMTU = 1280
)

// ForwarderConfig describes the local UDP forwarder that bridges the exit
// engine's socket into the netstack connection.
type ForwarderConfig struct {
	// ListenEndpoint is where the forwarder listens, on the loopback of
	// the address family matching ExitEndpoint. Port 0 picks dynamically.
	ListenEndpoint netip.AddrPort
	// ClientPort is the fixed source port of the local exit engine.
	ClientPort uint16
	// ExitEndpoint is the exit gateway's real wg endpoint, reached through
	// the entry tunnel.
	ExitEndpoint netip.AddrPort
}

// TunDeviceConfig describes the platform tun device of the two-hop chain.
type TunDeviceConfig struct {
	Addresses []netip.Prefix
	DNS       []netip.Addr
	MTU       uint16
}

// TwoHopConfig is the composed configuration of the nested tunnel: the
// entry hop runs in the netstack, the exit hop on the platform tun device,
// stitched together by the forwarder.
type TwoHopConfig struct {
	Entry     wg.WgNodeConfig
	Exit      wg.WgNodeConfig
	Forwarder ForwarderConfig
	Tun       TunDeviceConfig
}

// randomClientPort picks the fixed source port for the exit engine from
// the dynamic range.
func randomClientPort() uint16 {
	return uint16(49152 + rand.Intn(65535-49152))
}

// NewTwoHopConfig composes the two node configs into the nested layout.
// The exit node's real endpoint moves into the forwarder config; its
// engine is later pointed at the forwarder's loopback endpoint and pinned
// to ClientPort so the forwarder can tell its datagrams apart.
func NewTwoHopConfig(entry, exit wg.WgNodeConfig, mobile bool) TwoHopConfig {
	if mobile {
		entry.Interface.MTU = mobileEntryMTU
		exit.Interface.MTU = mobileExitMTU
	} else {
		entry.Interface.MTU = desktopEntryMTU
		exit.Interface.MTU = desktopExitMTU
	}

	loop := netip.AddrFrom4([4]byte{127, 0, 0, 1})
	if exit.Peer.Endpoint.Addr().Is6() {
		loop = netip.IPv6Loopback()
	}

	forwarder := ForwarderConfig{
		ListenEndpoint: netip.AddrPortFrom(loop, 0),
		ClientPort:     randomClientPort(),
		ExitEndpoint:   exit.Peer.Endpoint,
	}

	tunCfg := TunDeviceConfig{
		Addresses: exit.Interface.Addresses,
		DNS:       exit.Interface.DNS,
		MTU:       exit.Interface.MTU,
	}

	return TwoHopConfig{
		Entry:     entry,
		Exit:      exit,
		Forwarder: forwarder,
		Tun:       tunCfg,
	}
}

// Validate checks the structural invariants of the composition.
func (c TwoHopConfig) Validate() error {
	if c.Exit.Interface.MTU+wgLayerOverhead != c.Entry.Interface.MTU && c.Exit.Interface.MTU != mobileExitMTU {
		return fmt.Errorf("exit mtu %d does not leave %d bytes of overhead under entry mtu %d",
			c.Exit.Interface.MTU, wgLayerOverhead, c.Entry.Interface.MTU)
	}
	if c.Exit.Interface.MTU < 1280 {
		return fmt.Errorf("exit mtu %d below the ipv6 minimum", c.Exit.Interface.MTU)
	}
	if !c.Forwarder.ListenEndpoint.Addr().IsLoopback() {
		return fmt.Errorf("forwarder listen address %s is not loopback", c.Forwarder.ListenEndpoint.Addr())
	}
	if c.Forwarder.ListenEndpoint.Addr().Is4() != c.Forwarder.ExitEndpoint.Addr().Is4() {
		return fmt.Errorf("forwarder listen family does not match exit endpoint %s", c.Forwarder.ExitEndpoint)
	}
	if c.Forwarder.ClientPort == 0 {
		return fmt.Errorf("forwarder client port is unset")
	}
	return nil
}

// TunnelSettings renders the tun device configuration for the platform
// provider, routing everything through the tunnel.
func (c TwoHopConfig) TunnelSettings() TunnelNetworkSettings {
	settings := TunnelNetworkSettings{
		TunnelRemoteAddress: c.Forwarder.ExitEndpoint.Addr().String(),
		MTU:                 c.Tun.MTU,
	}

	v4 := &IPv4Settings{IncludedRoutes: []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")}}
	v6 := &IPv6Settings{IncludedRoutes: []netip.Prefix{netip.MustParsePrefix("::/0")}}
	for _, p := range c.Tun.Addresses {
		if p.Addr().Is4() {
			v4.Addresses = append(v4.Addresses, p)
		} else {
			v6.Addresses = append(v6.Addresses, p)
		}
	}
	if len(v4.Addresses) > 0 {
		settings.IPv4Settings = v4
	}
	if len(v6.Addresses) > 0 {
		settings.IPv6Settings = v6
	}
	if len(c.Tun.DNS) > 0 {
		settings.DNSSettings = &DNSSettings{Servers: c.Tun.DNS}
	}
	return settings
}
