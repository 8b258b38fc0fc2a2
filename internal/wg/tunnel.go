package wg

import (
	"fmt"

	"github.com/amnezia-vpn/amneziawg-go/conn"
	"github.com/amnezia-vpn/amneziawg-go/device"
	"github.com/amnezia-vpn/amneziawg-go/tun"

	"mixnet-two-hop-vpn/internal/core"
)

// Tunnel is a WireGuard engine driving a platform tun device. Used for the
// exit hop: traffic captured on the device is encrypted and sent to the
// local UDP forwarder, which carries it through the entry tunnel.
type Tunnel struct {
	dev *device.Device
	cfg WgNodeConfig
}

// StartTunnel starts a wg engine on the given tun device and applies the
// node configuration. The engine owns the device from this point on.
func StartTunnel(cfg WgNodeConfig, tunDev tun.Device) (*Tunnel, error) {
	logger := device.NewLogger(device.LogLevelError, "[wg-go] ")
	dev := device.NewDevice(tunDev, conn.NewDefaultBind(), logger)

	if err := dev.IpcSet(cfg.UapiConfig()); err != nil {
		dev.Close()
		return nil, fmt.Errorf("apply wg config: %w", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("bring wg up: %w", err)
	}

	core.Log.Infof("WG", "Tunnel up (peer=%s, listen=%d, mtu=%d)",
		cfg.Peer.Endpoint, cfg.Interface.ListenPort, cfg.Interface.MTU)
	return &Tunnel{dev: dev, cfg: cfg}, nil
}

// Config returns the node configuration the engine was started with.
func (t *Tunnel) Config() WgNodeConfig {
	return t.cfg
}

// UpdatePeers replaces the endpoints of existing peers, matched by public
// key. wg-go resets the roaming flag on every update; callers must invoke
// DisableRoaming afterwards.
func (t *Tunnel) UpdatePeers(updates []PeerEndpointUpdate) error {
	for _, u := range updates {
		if err := t.dev.IpcSet(u.UapiConfig()); err != nil {
			return fmt.Errorf("update peer endpoint: %w", err)
		}
	}
	return nil
}

// DisableRoaming pins the peer endpoints.
func (t *Tunnel) DisableRoaming() {
	t.dev.DisableSomeRoamingForBrokenMobileSemantics()
}

// IpcGet returns the engine's UAPI state document.
func (t *Tunnel) IpcGet() (string, error) {
	return t.dev.IpcGet()
}

// Stop shuts the engine down and releases the tun device.
func (t *Tunnel) Stop() {
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
}
