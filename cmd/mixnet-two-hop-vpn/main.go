package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"mixnet-two-hop-vpn/internal/bandwidth"
	"mixnet-two-hop-vpn/internal/core"
	"mixnet-two-hop-vpn/internal/directory"
	"mixnet-two-hop-vpn/internal/mixnet"
	"mixnet-two-hop-vpn/internal/platform"
	"mixnet-two-hop-vpn/internal/tunnel"
	"mixnet-two-hop-vpn/internal/wg"
)

// Build info — injected via ldflags at compile time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const defaultWellknown = "https://nymvpn.com/api/public"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	mixnetMode := flag.Bool("mixnet", false, "Route traffic through the mixnet instead of the two-hop wireguard tunnel")
	entryCountry := flag.String("entry-country", "", "Override: select the entry gateway by ISO country code")
	exitCountry := flag.String("exit-country", "", "Override: select the exit gateway by ISO country code")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mixnet-two-hop-vpn %s (commit=%s, built=%s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if err := runDaemon(*configPath, *mixnetMode, *entryCountry, *exitCountry); err != nil {
		core.Log.Errorf("Main", "Fatal: %v", err)
		os.Exit(1)
	}
}

func runDaemon(configPath string, mixnetMode bool, entryCountry, exitCountry string) error {
	bus := core.NewEventBus()
	cfgMgr := core.NewConfigManager(configPath, bus)
	if err := cfgMgr.Load(); err != nil {
		return err
	}
	cfg := cfgMgr.Get()

	core.Log = core.NewLogger(cfg.Log)
	defer core.Log.Close()
	core.Log.Infof("Main", "mixnet-two-hop-vpn %s starting", version)

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = filepath.Dir(configPath)
	}

	// Resolve the directory endpoints, via discovery when not pinned.
	apiURL, vpnAPIURL := cfg.Network.APIURL, cfg.Network.VpnAPIURL
	if apiURL == "" && cfg.Network.Name != "" {
		disc, err := directory.EnsureDiscovery(context.Background(), dataDir, defaultWellknown, cfg.Network.Name)
		if err != nil {
			return fmt.Errorf("network discovery: %w", err)
		}
		apiURL, vpnAPIURL = disc.NymAPIURL, disc.NymVpnAPIURL
	}

	dir, err := directory.NewClient(directory.ClientConfig{
		APIURL:               apiURL,
		VpnAPIURL:            vpnAPIURL,
		MinMixnetPerformance: cfg.Network.MinMixnetPerformance,
		MinVpnPerformance:    cfg.Network.MinVpnPerformance,
		UserAgent:            "mixnet-two-hop-vpn/" + version,
	})
	if err != nil {
		return err
	}

	opts, err := buildOptions(cfg, mixnetMode, entryCountry, exitCountry)
	if err != nil {
		return err
	}

	dialer, err := newMixnetDialer(cfg, dataDir)
	if err != nil {
		return err
	}

	caps := tunnel.Capabilities{
		TunProvider:  platform.NewDesktopTunProvider(),
		Firewall:     platform.NewExecFirewall(),
		DNSMonitor:   platform.NewResolvectlDNSMonitor(),
		RouteManager: platform.NewExecRouteManager(""),
	}

	sm := tunnel.NewStateMachine(opts, dir, dialer, caps, bandwidth.NewEphemeralStore(16), bus)

	bus.Subscribe(core.EventMonitorStatus, func(e core.Event) {
		if p, ok := e.Payload.(core.MonitorStatusPayload); ok {
			core.Log.Debugf("Main", "Monitor: %v", p.Status)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		core.Log.Infof("Main", "Received %s, shutting down", sig)
		sm.Stop()
	}()

	return sm.Run(ctx)
}

func buildOptions(cfg core.Config, mixnetMode bool, entryCountry, exitCountry string) (tunnel.Options, error) {
	mode := tunnel.ModeWireguard
	if mixnetMode {
		mode = tunnel.ModeMixnet
	}

	entry, err := entryPointFromConfig(cfg.Entry, entryCountry)
	if err != nil {
		return tunnel.Options{}, err
	}
	exit, err := exitPointFromConfig(cfg.Exit, exitCountry)
	if err != nil {
		return tunnel.Options{}, err
	}

	var dns []netip.Addr
	for _, s := range cfg.Tunnel.DNS {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return tunnel.Options{}, fmt.Errorf("invalid dns server %q: %w", s, err)
		}
		dns = append(dns, addr)
	}

	opts := tunnel.Options{
		Mode:            mode,
		EntryPoint:      entry,
		ExitPoint:       exit,
		CredentialsMode: cfg.CredentialsMode,
		DNS:             dns,
	}

	switch cfg.Tunnel.Amnezia {
	case "", "off":
	case "base":
		amnezia := wg.AmneziaBase
		opts.Amnezia = &amnezia
	case "random":
		amnezia := wg.RandAmneziaConfig(nil)
		opts.Amnezia = &amnezia
	default:
		return tunnel.Options{}, fmt.Errorf("unknown amnezia preset %q", cfg.Tunnel.Amnezia)
	}

	return opts, nil
}

func entryPointFromConfig(p core.PointConfig, countryOverride string) (directory.EntryPoint, error) {
	if countryOverride != "" {
		return directory.EntryPoint{Kind: directory.PointLocation, Country: countryOverride}, nil
	}
	switch {
	case p.Identity != "":
		if err := directory.ValidateIdentity(p.Identity); err != nil {
			return directory.EntryPoint{}, err
		}
		return directory.EntryPoint{Kind: directory.PointGateway, Identity: p.Identity}, nil
	case p.Country != "":
		return directory.EntryPoint{Kind: directory.PointLocation, Country: p.Country}, nil
	case p.LowLatency:
		return directory.EntryPoint{Kind: directory.PointRandomLowLatency}, nil
	case p.Address != "":
		return directory.EntryPoint{}, fmt.Errorf("raw mixnet addresses are only valid for the exit point")
	default:
		return directory.EntryPoint{Kind: directory.PointRandom}, nil
	}
}

func exitPointFromConfig(p core.PointConfig, countryOverride string) (directory.ExitPoint, error) {
	if countryOverride != "" {
		return directory.ExitPoint{Kind: directory.PointLocation, Country: countryOverride}, nil
	}
	switch {
	case p.Identity != "":
		if err := directory.ValidateIdentity(p.Identity); err != nil {
			return directory.ExitPoint{}, err
		}
		return directory.ExitPoint{Kind: directory.PointGateway, Identity: p.Identity}, nil
	case p.Country != "":
		return directory.ExitPoint{Kind: directory.PointLocation, Country: p.Country}, nil
	case p.Address != "":
		addr, err := mixnet.ParseRecipient(p.Address)
		if err != nil {
			return directory.ExitPoint{}, err
		}
		return directory.ExitPoint{Kind: directory.PointAddress, Address: addr}, nil
	case p.LowLatency:
		return directory.ExitPoint{}, fmt.Errorf("low-latency selection is only valid for the entry point")
	default:
		return directory.ExitPoint{Kind: directory.PointRandom}, nil
	}
}
