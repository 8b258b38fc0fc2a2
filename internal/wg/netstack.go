package wg

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/amnezia-vpn/amneziawg-go/conn"
	"github.com/amnezia-vpn/amneziawg-go/device"
	"github.com/amnezia-vpn/amneziawg-go/tun/netstack"

	"mixnet-two-hop-vpn/internal/core"
)

// NetstackTunnel is a WireGuard tunnel whose tun side lives entirely in an
// in-process userspace IP stack. Used for the entry hop so that only one
// platform tun device is needed for the whole two-hop chain.
type NetstackTunnel struct {
	dev  *device.Device
	tnet *netstack.Net
	cfg  WgNodeConfig
}

// StartNetstackTunnel creates the netstack, starts the wg engine on it and
// applies the node configuration.
func StartNetstackTunnel(cfg WgNodeConfig) (*NetstackTunnel, error) {
	tunDev, tnet, err := netstack.CreateNetTUN(cfg.LocalAddrs(), cfg.Interface.DNS, int(cfg.Interface.MTU))
	if err != nil {
		return nil, fmt.Errorf("create netstack tun: %w", err)
	}

	logger := device.NewLogger(device.LogLevelError, "[wg-netstack] ")
	dev := device.NewDevice(tunDev, conn.NewDefaultBind(), logger)

	if err := dev.IpcSet(cfg.UapiConfig()); err != nil {
		dev.Close()
		return nil, fmt.Errorf("apply netstack wg config: %w", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("bring netstack wg up: %w", err)
	}

	core.Log.Infof("WG", "Netstack tunnel up (peer=%s, mtu=%d)", cfg.Peer.Endpoint, cfg.Interface.MTU)
	return &NetstackTunnel{dev: dev, tnet: tnet, cfg: cfg}, nil
}

// UpdatePeers replaces the endpoints of existing peers, matched by public
// key. Callers must re-disable roaming afterwards; the engine resets the
// flag on every peer update.
func (t *NetstackTunnel) UpdatePeers(updates []PeerEndpointUpdate) error {
	for _, u := range updates {
		if err := t.dev.IpcSet(u.UapiConfig()); err != nil {
			return fmt.Errorf("update netstack peer endpoint: %w", err)
		}
	}
	return nil
}

// DisableRoaming pins the peer endpoints so that incoming packets from
// unknown addresses do not re-home the peer.
func (t *NetstackTunnel) DisableRoaming() {
	t.dev.DisableSomeRoamingForBrokenMobileSemantics()
}

// Stop shuts the engine down. All connections over the tunnel terminate.
func (t *NetstackTunnel) Stop() {
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
		t.tnet = nil
	}
}

// OpenConnection starts a local UDP forwarder that bridges a loopback
// socket into a UDP connection through the netstack towards exitEndpoint.
//
// The forwarder listens on the loopback address of the same family as
// exitEndpoint, at listenPort (0 picks a free port). Only datagrams
// originating from clientPort on loopback are forwarded; replies go back to
// that same source.
func (t *NetstackTunnel) OpenConnection(listenPort, clientPort uint16, exitEndpoint netip.AddrPort) (*TunnelConnection, error) {
	if t.tnet == nil {
		return nil, fmt.Errorf("netstack tunnel is not running")
	}

	loop := netip.AddrFrom4([4]byte{127, 0, 0, 1})
	network := "udp4"
	if exitEndpoint.Addr().Is6() {
		loop = netip.IPv6Loopback()
		network = "udp6"
	}

	local, err := net.ListenUDP(network, net.UDPAddrFromAddrPort(netip.AddrPortFrom(loop, listenPort)))
	if err != nil {
		return nil, fmt.Errorf("listen on forwarder port: %w", err)
	}

	remote, err := t.tnet.DialUDPAddrPort(netip.AddrPort{}, exitEndpoint)
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("open netstack connection to %s: %w", exitEndpoint, err)
	}

	fc := &TunnelConnection{
		local:      local,
		remote:     remote,
		clientAddr: net.UDPAddrFromAddrPort(netip.AddrPortFrom(loop, clientPort)),
	}
	fc.wg.Add(2)
	go fc.forwardOut()
	go fc.forwardBack()

	core.Log.Infof("WG", "UDP forwarder %s ⇆ %s (client port %d)",
		local.LocalAddr(), exitEndpoint, clientPort)
	return fc, nil
}

// TunnelConnection is the loopback↔netstack UDP forwarder of one exit
// connection.
type TunnelConnection struct {
	local      *net.UDPConn
	remote     net.Conn
	clientAddr *net.UDPAddr

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// LocalEndpoint returns the forwarder's actual loopback listen endpoint.
func (c *TunnelConnection) LocalEndpoint() netip.AddrPort {
	return c.local.LocalAddr().(*net.UDPAddr).AddrPort()
}

// forwardOut moves datagrams from the local exit engine into the netstack
// connection.
func (c *TunnelConnection) forwardOut() {
	defer c.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, from, err := c.local.ReadFromUDP(buf)
		if err != nil {
			return
		}
		// Only the local exit engine may feed the forwarder.
		if from.Port != c.clientAddr.Port || !from.IP.IsLoopback() {
			core.Log.Debugf("WG", "Forwarder: dropping datagram from unexpected source %s", from)
			continue
		}
		if _, err := c.remote.Write(buf[:n]); err != nil {
			return
		}
	}
}

// forwardBack moves datagrams from the netstack connection back to the
// local exit engine.
func (c *TunnelConnection) forwardBack() {
	defer c.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, err := c.remote.Read(buf)
		if err != nil {
			return
		}
		if _, err := c.local.WriteToUDP(buf[:n], c.clientAddr); err != nil {
			return
		}
	}
}

// Close tears the forwarder down and waits for its loops to exit.
func (c *TunnelConnection) Close() {
	c.closeOnce.Do(func() {
		c.local.Close()
		c.remote.Close()
	})
	c.wg.Wait()
}
