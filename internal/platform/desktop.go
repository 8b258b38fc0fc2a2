package platform

import (
	"fmt"
	"net/netip"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/amnezia-vpn/amneziawg-go/tun"

	"mixnet-two-hop-vpn/internal/core"
	"mixnet-two-hop-vpn/internal/tunnel"
)

// defaultTunName is requested for the platform tun device; the kernel may
// assign a numbered variant.
const defaultTunName = "twohop0"

// run executes a command; a failure is returned as an error that carries
// the command's combined output.
func run(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// DesktopTunProvider implements the tun capability for desktop Linux by
// creating a userspace tun device and applying addresses and routes with
// the ip tool.
type DesktopTunProvider struct {
	mu       sync.Mutex
	dev      tun.Device
	ifname   string
	observer tunnel.DefaultPathObserver
	stopPoll chan struct{}
}

// NewDesktopTunProvider creates an unconfigured provider.
func NewDesktopTunProvider() *DesktopTunProvider {
	return &DesktopTunProvider{}
}

// CreateTunDevice allocates the tun device and applies the settings.
func (p *DesktopTunProvider) CreateTunDevice(settings tunnel.TunnelNetworkSettings) (tun.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dev, err := tun.CreateTUN(defaultTunName, int(settings.MTU))
	if err != nil {
		return nil, fmt.Errorf("create tun device: %w", err)
	}
	name, err := dev.Name()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("obtain tun name: %w", err)
	}
	p.dev = dev
	p.ifname = name

	if err := p.applySettings(settings); err != nil {
		dev.Close()
		p.dev = nil
		return nil, err
	}
	core.Log.Infof("Platform", "Tun device %s up (mtu=%d)", name, settings.MTU)
	return dev, nil
}

// SetTunnelNetworkSettings re-applies settings to the live device.
func (p *DesktopTunProvider) SetTunnelNetworkSettings(settings tunnel.TunnelNetworkSettings) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dev == nil {
		return fmt.Errorf("no tun device")
	}
	return p.applySettings(settings)
}

func (p *DesktopTunProvider) applySettings(settings tunnel.TunnelNetworkSettings) error {
	if settings.IPv4Settings != nil {
		for _, addr := range settings.IPv4Settings.Addresses {
			if err := run("ip", "addr", "replace", addr.String(), "dev", p.ifname); err != nil {
				return err
			}
		}
	}
	if settings.IPv6Settings != nil {
		for _, addr := range settings.IPv6Settings.Addresses {
			if err := run("ip", "-6", "addr", "replace", addr.String(), "dev", p.ifname); err != nil {
				return fmt.Errorf("set tun ipv6 addr: %w", err)
			}
		}
	}
	if err := run("ip", "link", "set", "up", "dev", p.ifname); err != nil {
		return fmt.Errorf("bring interface up: %w", err)
	}
	if settings.IPv4Settings != nil {
		for _, route := range settings.IPv4Settings.IncludedRoutes {
			if err := run("ip", "route", "replace", route.String(), "dev", p.ifname); err != nil {
				return err
			}
		}
	}
	if settings.IPv6Settings != nil {
		for _, route := range settings.IPv6Settings.IncludedRoutes {
			if err := run("ip", "-6", "route", "replace", route.String(), "dev", p.ifname); err != nil {
				return fmt.Errorf("add ipv6 route: %w", err)
			}
		}
	}
	return nil
}

// SetDefaultPathObserver installs the callback and starts a coarse poller
// of the default route. Pass nil to stop observing.
func (p *DesktopTunProvider) SetDefaultPathObserver(observer tunnel.DefaultPathObserver) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopPoll != nil {
		close(p.stopPoll)
		p.stopPoll = nil
	}
	p.observer = observer
	if observer == nil {
		return nil
	}

	stop := make(chan struct{})
	p.stopPoll = stop
	go p.pollDefaultPath(observer, stop)
	return nil
}

// pollDefaultPath watches the default route and reports changes.
func (p *DesktopTunProvider) pollDefaultPath(observer tunnel.DefaultPathObserver, stop chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var last tunnel.DefaultPath
	first := true
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			path := currentDefaultPath()
			if first || path != last {
				first = false
				last = path
				observer(path)
			}
		}
	}
}

func currentDefaultPath() tunnel.DefaultPath {
	hasV4 := defaultRouteExists("-4")
	hasV6 := defaultRouteExists("-6")
	return tunnel.DefaultPath{
		Available: hasV4 || hasV6,
		HasIPv4:   hasV4,
		HasIPv6:   hasV6,
	}
}

func defaultRouteExists(family string) bool {
	out, err := exec.Command("ip", family, "route", "show", "default").Output()
	return err == nil && len(strings.TrimSpace(string(out))) > 0
}

// ExecFirewall is a minimal firewall capability that tracks policy state.
// The real packet filter is the embedder's concern; this keeps the
// init/reset contract observable.
type ExecFirewall struct {
	mu     sync.Mutex
	active bool
}

func NewExecFirewall() *ExecFirewall { return &ExecFirewall{} }

func (f *ExecFirewall) Init() error {
	f.mu.Lock()
	f.active = true
	f.mu.Unlock()
	core.Log.Infof("Platform", "Firewall policy initialized")
	return nil
}

func (f *ExecFirewall) ResetPolicy() error {
	f.mu.Lock()
	f.active = false
	f.mu.Unlock()
	core.Log.Infof("Platform", "Firewall policy reset")
	return nil
}

// ResolvectlDNSMonitor applies tunnel DNS with resolvectl and restores it
// on reset.
type ResolvectlDNSMonitor struct {
	mu    sync.Mutex
	iface string
}

func NewResolvectlDNSMonitor() *ResolvectlDNSMonitor { return &ResolvectlDNSMonitor{} }

func (d *ResolvectlDNSMonitor) Set(iface string, servers []netip.Addr) error {
	if iface == "" {
		iface = defaultTunName
	}
	args := []string{"dns", iface}
	for _, s := range servers {
		args = append(args, s.String())
	}
	d.mu.Lock()
	d.iface = iface
	d.mu.Unlock()
	if err := run("resolvectl", args...); err != nil {
		return fmt.Errorf("set dns: %w", err)
	}
	return nil
}

func (d *ResolvectlDNSMonitor) Reset() error {
	d.mu.Lock()
	iface := d.iface
	d.mu.Unlock()
	if iface == "" {
		return nil
	}
	if err := run("resolvectl", "revert", iface); err != nil {
		return fmt.Errorf("reset dns: %w", err)
	}
	return nil
}

// ExecRouteManager tracks routes added through it and removes them on
// destroy.
type ExecRouteManager struct {
	mu     sync.Mutex
	iface  string
	routes []netip.Prefix
}

func NewExecRouteManager(iface string) *ExecRouteManager {
	if iface == "" {
		iface = defaultTunName
	}
	return &ExecRouteManager{iface: iface}
}

func (r *ExecRouteManager) AddRoutes(routes []netip.Prefix) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, route := range routes {
		family := "-4"
		if route.Addr().Is6() {
			family = "-6"
		}
		if err := run("ip", family, "route", "replace", route.String(), "dev", r.iface); err != nil {
			return err
		}
		r.routes = append(r.routes, route)
	}
	return nil
}

func (r *ExecRouteManager) ClearRoutes() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var lastErr error
	for _, route := range r.routes {
		family := "-4"
		if route.Addr().Is6() {
			family = "-6"
		}
		if err := run("ip", family, "route", "del", route.String(), "dev", r.iface); err != nil {
			lastErr = err
		}
	}
	r.routes = nil
	return lastErr
}

func (r *ExecRouteManager) Destroy() {
	if err := r.ClearRoutes(); err != nil {
		core.Log.Warnf("Platform", "Route cleanup: %v", err)
	}
}
