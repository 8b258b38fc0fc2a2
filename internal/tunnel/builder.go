package tunnel

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"github.com/amnezia-vpn/amneziawg-go/tun"

	"mixnet-two-hop-vpn/internal/core"
	"mixnet-two-hop-vpn/internal/wg"
)

// ConnectedTunnel is the running two-hop data plane: the entry hop in the
// netstack, the exit hop on the platform tun device, and the forwarder in
// between. It also owns the default-path event loop that re-resolves peer
// endpoints with DNS64.
type ConnectedTunnel struct {
	entry    *wg.NetstackTunnel
	exit     *wg.Tunnel
	exitConn *wg.TunnelConnection

	// Original entry peer identity, kept for re-resolution on network
	// change. The endpoint host is the directory host, not the possibly
	// DNS64-mapped address in the live engine.
	entryPeerHost string
	entryPeerPort uint16
	entryPeerKey  wg.PublicKey

	resolver *wg.Dns64Resolver

	mu            sync.Mutex
	entryEndpoint netip.AddrPort

	pathEvents chan DefaultPath
	cancel     context.CancelFunc
	loopDone   chan struct{}
}

// StartTwoHopTunnel brings the composed tunnel up on the given tun device.
//
// Order matters: the netstack entry engine starts first, the forwarder
// connection opens through it, and only then does the exit engine start,
// pointed at the forwarder's actual loopback endpoint.
func StartTwoHopTunnel(cfg TwoHopConfig, device tun.Device, resolver *wg.Dns64Resolver) (*ConnectedTunnel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("two-hop config: %w", err)
	}
	if resolver == nil {
		resolver = wg.NewDns64Resolver(netip.Prefix{}, "")
	}

	entry, err := wg.StartNetstackTunnel(cfg.Entry)
	if err != nil {
		return nil, fmt.Errorf("start entry tunnel: %w", err)
	}

	exitConn, err := entry.OpenConnection(
		cfg.Forwarder.ListenEndpoint.Port(),
		cfg.Forwarder.ClientPort,
		cfg.Forwarder.ExitEndpoint,
	)
	if err != nil {
		entry.Stop()
		return nil, fmt.Errorf("open exit connection: %w", err)
	}

	// The exit engine talks to the forwarder, from a pinned source port.
	exitCfg := cfg.Exit
	exitCfg.Peer.Endpoint = exitConn.LocalEndpoint()
	exitCfg.Interface.ListenPort = cfg.Forwarder.ClientPort

	exit, err := wg.StartTunnel(exitCfg, device)
	if err != nil {
		exitConn.Close()
		entry.Stop()
		return nil, fmt.Errorf("start exit tunnel: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &ConnectedTunnel{
		entry:         entry,
		exit:          exit,
		exitConn:      exitConn,
		entryPeerHost: cfg.Entry.Peer.Endpoint.Addr().String(),
		entryPeerPort: cfg.Entry.Peer.Endpoint.Port(),
		entryPeerKey:  cfg.Entry.Peer.PublicKey,
		resolver:      resolver,
		entryEndpoint: cfg.Entry.Peer.Endpoint,
		pathEvents:    make(chan DefaultPath, 4),
		cancel:        cancel,
		loopDone:      make(chan struct{}),
	}
	go t.eventLoop(ctx)
	return t, nil
}

// PathObserver returns the callback to register with the tun provider's
// default-path observation.
func (t *ConnectedTunnel) PathObserver() DefaultPathObserver {
	return func(p DefaultPath) {
		select {
		case t.pathEvents <- p:
		default:
			core.Log.Debugf("Tunnel", "Dropping default-path event, queue full")
		}
	}
}

// EntryPeerEndpoint returns the entry engine's current peer endpoint.
func (t *ConnectedTunnel) EntryPeerEndpoint() netip.AddrPort {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entryEndpoint
}

func (t *ConnectedTunnel) eventLoop(ctx context.Context) {
	defer close(t.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-t.pathEvents:
			core.Log.Debugf("Tunnel", "New default path: available=%v v4=%v v6=%v",
				path.Available, path.HasIPv4, path.HasIPv6)
			if !path.Available {
				continue
			}
			if err := t.updatePeers(path.IsIPv6Only()); err != nil {
				core.Log.Errorf("Tunnel", "Failed to update peers on network change: %v", err)
			}
		}
	}
}

// updatePeers re-resolves the original entry peer with DNS64 and replaces
// the endpoint in the live engines. Applied to both engines; the update is
// matched by public key, so the engine without that peer ignores it.
func (t *ConnectedTunnel) updatePeers(ipv6Only bool) error {
	endpoint, err := t.resolver.ReresolveEndpoint(t.entryPeerHost, t.entryPeerPort, ipv6Only)
	if err != nil {
		return fmt.Errorf("re-resolve entry peer: %w", err)
	}

	update := wg.PeerEndpointUpdate{PublicKey: t.entryPeerKey, Endpoint: endpoint}
	if err := t.entry.UpdatePeers([]wg.PeerEndpointUpdate{update}); err != nil {
		return err
	}
	if err := t.exit.UpdatePeers([]wg.PeerEndpointUpdate{update}); err != nil {
		return err
	}

	// wg-go resets the roaming flag when updating peers; re-disable it.
	t.entry.DisableRoaming()
	t.exit.DisableRoaming()

	t.mu.Lock()
	t.entryEndpoint = endpoint
	t.mu.Unlock()

	core.Log.Infof("Tunnel", "Entry peer endpoint updated to %s", endpoint)
	return nil
}

// Close tears the tunnel down in the required order: stop the event loop,
// close the exit UDP connection, stop the exit engine, stop the entry
// engine.
func (t *ConnectedTunnel) Close() {
	t.cancel()
	<-t.loopDone

	t.exitConn.Close()
	t.exit.Stop()
	t.entry.Stop()
	core.Log.Infof("Tunnel", "Two-hop tunnel closed")
}
