package wg

import (
	"fmt"
	"net/netip"
)

// WgInterface describes the local side of a WireGuard node.
type WgInterface struct {
	PrivateKey PrivateKey
	// ListenPort fixes the engine's UDP source port. 0 means ephemeral.
	ListenPort uint16
	// Addresses are the local tunnel addresses with their prefixes.
	Addresses []netip.Prefix
	// DNS resolvers associated with the tunnel.
	DNS []netip.Addr
	MTU uint16
	// Fwmark tags the engine's UDP socket (linux). 0 means untagged.
	Fwmark uint32
}

// WgPeer describes the single remote peer of a node.
type WgPeer struct {
	PublicKey PublicKey
	Endpoint  netip.AddrPort
	// PresharedKey is optional; zero means unset.
	PresharedKey [KeyLen]byte
	// Amnezia is the optional obfuscation overlay for this node's engine.
	Amnezia *AmneziaConfig
}

// WgNodeConfig is the full configuration for one hop: a local interface and
// its single peer.
type WgNodeConfig struct {
	Interface WgInterface
	Peer      WgPeer
}

// LocalAddrs returns the bare local addresses without prefixes.
func (c WgNodeConfig) LocalAddrs() []netip.Addr {
	out := make([]netip.Addr, 0, len(c.Interface.Addresses))
	for _, p := range c.Interface.Addresses {
		out = append(out, p.Addr())
	}
	return out
}

// UapiConfig renders the node as a UAPI document for IpcSet.
func (c WgNodeConfig) UapiConfig() string {
	b := NewUapiConfigBuilder()
	b.Add("private_key", c.Interface.PrivateKey.Hex())
	if c.Interface.ListenPort != 0 {
		b.AddInt("listen_port", int(c.Interface.ListenPort))
	}
	if c.Interface.Fwmark != 0 {
		b.AddInt("fwmark", int(c.Interface.Fwmark))
	}
	if c.Peer.Amnezia != nil {
		c.Peer.Amnezia.AppendTo(b)
	}
	b.Add("replace_peers", "true")
	b.Add("public_key", c.Peer.PublicKey.Hex())
	if c.Peer.PresharedKey != ([KeyLen]byte{}) {
		b.Add("preshared_key", fmt.Sprintf("%x", c.Peer.PresharedKey))
	}
	b.Add("endpoint", c.Peer.Endpoint.String())
	b.Add("allowed_ip", "0.0.0.0/0")
	b.Add("allowed_ip", "::/0")
	return b.Body()
}

// PeerEndpointUpdate replaces the endpoint of an existing peer, matched by
// public key.
type PeerEndpointUpdate struct {
	PublicKey PublicKey
	Endpoint  netip.AddrPort
}

// UapiConfig renders the update as a UAPI document for IpcSet.
func (u PeerEndpointUpdate) UapiConfig() string {
	b := NewUapiConfigBuilder()
	b.Add("public_key", u.PublicKey.Hex())
	b.Add("update_only", "true")
	b.Add("endpoint", u.Endpoint.String())
	return b.Body()
}
