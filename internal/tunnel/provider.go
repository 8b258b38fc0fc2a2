package tunnel

import (
	"net/netip"

	"github.com/amnezia-vpn/amneziawg-go/tun"
)

// TunnelNetworkSettings is applied atomically to the platform tun device:
// addresses, included/excluded route sets, DNS and MTU.
type TunnelNetworkSettings struct {
	// TunnelRemoteAddress is the address the tunnel nominally terminates at.
	TunnelRemoteAddress string
	IPv4Settings        *IPv4Settings
	IPv6Settings        *IPv6Settings
	DNSSettings         *DNSSettings
	MTU                 uint16
}

// IPv4Settings carries the v4 side of the tun configuration.
type IPv4Settings struct {
	Addresses      []netip.Prefix
	IncludedRoutes []netip.Prefix
	ExcludedRoutes []netip.Prefix
}

// IPv6Settings carries the v6 side of the tun configuration.
type IPv6Settings struct {
	Addresses      []netip.Prefix
	IncludedRoutes []netip.Prefix
	ExcludedRoutes []netip.Prefix
}

// DNSSettings carries the resolvers pushed into the tunnel.
type DNSSettings struct {
	Servers      []netip.Addr
	MatchDomains []string
}

// DefaultPath describes the device's current default route.
type DefaultPath struct {
	Available bool
	HasIPv4   bool
	HasIPv6   bool
}

// IsIPv6Only reports an IPv6-only access network, where IPv4-only peers
// need DNS64-mapped endpoints.
func (p DefaultPath) IsIPv6Only() bool {
	return p.Available && p.HasIPv6 && !p.HasIPv4
}

// DefaultPathObserver receives default-route changes.
type DefaultPathObserver func(DefaultPath)

// TunProvider is the desktop platform capability that allocates the tun
// device and applies network settings. The core never touches OS state
// directly; the embedder supplies this.
type TunProvider interface {
	// CreateTunDevice allocates a tun device configured with the settings.
	CreateTunDevice(settings TunnelNetworkSettings) (tun.Device, error)
	// SetTunnelNetworkSettings re-applies settings to the live device.
	SetTunnelNetworkSettings(settings TunnelNetworkSettings) error
	// SetDefaultPathObserver registers a callback invoked on default-route
	// changes. Pass nil to deregister.
	SetDefaultPathObserver(observer DefaultPathObserver) error
}

// AndroidTunProvider is the mobile variant of the capability.
type AndroidTunProvider interface {
	// ConfigureWg applies settings and returns the tun file descriptor.
	ConfigureWg(settings TunnelNetworkSettings) (int32, error)
	// Bypass marks a socket to escape the tun.
	Bypass(fd int32)
	SetDefaultPathObserver(observer DefaultPathObserver) error
}

// Firewall is the platform firewall policy capability.
type Firewall interface {
	Init() error
	ResetPolicy() error
}

// DNSMonitor is the platform DNS configuration capability.
type DNSMonitor interface {
	Set(iface string, servers []netip.Addr) error
	Reset() error
}

// RouteManager is the OS routing table capability.
type RouteManager interface {
	AddRoutes(routes []netip.Prefix) error
	ClearRoutes() error
	// Destroy releases the handle; the routing table is restored.
	Destroy()
}
