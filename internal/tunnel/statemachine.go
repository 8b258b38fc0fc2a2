package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"mixnet-two-hop-vpn/internal/authenticator"
	"mixnet-two-hop-vpn/internal/bandwidth"
	"mixnet-two-hop-vpn/internal/core"
	"mixnet-two-hop-vpn/internal/directory"
	"mixnet-two-hop-vpn/internal/ipr"
	"mixnet-two-hop-vpn/internal/mixnet"
	"mixnet-two-hop-vpn/internal/monitor"
	"mixnet-two-hop-vpn/internal/wg"
)

const (
	// mixnetStartupTimeout bounds the mixnet client construction.
	mixnetStartupTimeout = 30 * time.Second
	// selfPingTimeout bounds the entry return-path verification.
	selfPingTimeout = 10 * time.Second
	// taskWaitTimeout bounds the wait for subsidiary tasks on teardown.
	taskWaitTimeout = 10 * time.Second
	// monitorOutageThreshold: consecutive down verdicts before the
	// connection is declared lost.
	monitorOutageThreshold = 3
)

// defaultTunnelDNS are the resolvers pushed into the tunnel when the
// configuration does not name any.
var defaultTunnelDNS = []netip.Addr{
	netip.MustParseAddr("1.1.1.1"),
	netip.MustParseAddr("1.0.0.1"),
}

// Mode selects the data plane.
type Mode int

const (
	// ModeWireguard runs the nested two-hop wg tunnel.
	ModeWireguard Mode = iota
	// ModeMixnet routes IP packets through the mixnet itself.
	ModeMixnet
)

// MixnetDialer constructs a connected mixnet client registered with the
// chosen entry gateway. The mixnet transport library sits behind this.
type MixnetDialer interface {
	Connect(ctx context.Context, entry directory.Gateway) (mixnet.Transport, error)
}

// Capabilities are the platform objects the embedder supplies. The core
// mutates OS state only through these.
type Capabilities struct {
	TunProvider  TunProvider
	Firewall     Firewall
	DNSMonitor   DNSMonitor
	RouteManager RouteManager
}

// Options configures one connection attempt.
type Options struct {
	Mode            Mode
	EntryPoint      directory.EntryPoint
	ExitPoint       directory.ExitPoint
	CredentialsMode bool
	Mobile          bool
	// DNS resolvers for the tunnel; defaults applied when empty.
	DNS []netip.Addr
	// StaticIps requests a static address pair from the ip-packet-router.
	StaticIps *ipr.IpPair
	// Amnezia is the optional obfuscation overlay for both hops.
	Amnezia *wg.AmneziaConfig
	// Dns64Resolver overrides endpoint re-resolution; nil uses defaults.
	Dns64Resolver *wg.Dns64Resolver
}

// StateMachine is the top-level orchestrator of the connection lifecycle:
// selection → mixnet setup → authentication → tunnel up → supervision →
// teardown. It exclusively owns all per-connection entities.
type StateMachine struct {
	opts  Options
	dir   *directory.Client
	dial  MixnetDialer
	caps  Capabilities
	store bandwidth.CredentialStore
	bus   *core.EventBus

	mu    sync.Mutex
	state core.ConnectionState

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewStateMachine assembles a machine in NotConnected state.
func NewStateMachine(
	opts Options,
	dir *directory.Client,
	dial MixnetDialer,
	caps Capabilities,
	store bandwidth.CredentialStore,
	bus *core.EventBus,
) *StateMachine {
	return &StateMachine{
		opts:   opts,
		dir:    dir,
		dial:   dial,
		caps:   caps,
		store:  store,
		bus:    bus,
		state:  core.StateNotConnected,
		stopCh: make(chan struct{}),
	}
}

// State returns the current connection state.
func (sm *StateMachine) State() core.ConnectionState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// Stop requests a graceful disconnect.
func (sm *StateMachine) Stop() {
	sm.stopOnce.Do(func() { close(sm.stopCh) })
}

func (sm *StateMachine) setState(next core.ConnectionState) {
	sm.mu.Lock()
	old := sm.state
	if old == next {
		sm.mu.Unlock()
		return
	}
	if !old.CanTransition(next) {
		core.Log.Warnf("State", "Illegal transition %s → %s forced", old, next)
	}
	sm.state = next
	sm.mu.Unlock()

	core.Log.Infof("State", "Connection: %s → %s", old, next)
	sm.bus.Publish(core.Event{
		Type:    core.EventConnectionStateChanged,
		Payload: core.ConnectionStatePayload{OldState: old, NewState: next},
	})
}

// selectedGateways is the resolved entry/exit pair.
type selectedGateways struct {
	entry directory.Gateway
	exit  directory.Gateway
	// exitAddress is set instead of exit when the exit point is a raw
	// mixnet recipient.
	exitAddress *mixnet.Recipient
}

// selectGateways resolves the entry and exit points honoring the privacy
// constraint entry ≠ exit.
func (sm *StateMachine) selectGateways(ctx context.Context) (selectedGateways, error) {
	entryList, err := sm.dir.LookupGateways(ctx, directory.KindMixnetEntry)
	if err != nil {
		return selectedGateways{}, fmt.Errorf("lookup entry gateways: %w", err)
	}

	exitKind := directory.KindMixnetExit
	if sm.opts.Mode == ModeWireguard {
		exitKind = directory.KindWg
	}
	exitList, err := sm.dir.LookupGateways(ctx, exitKind)
	if err != nil {
		return selectedGateways{}, fmt.Errorf("lookup exit gateways: %w", err)
	}

	// The same-country singleton is rejected up front: both points pinned
	// to a country with one gateway can never satisfy entry ≠ exit.
	if sm.opts.EntryPoint.IsLocation() && sm.opts.ExitPoint.IsLocation() &&
		sm.opts.EntryPoint.Country == sm.opts.ExitPoint.Country {
		entryCandidates := entryList.GatewaysLocatedAt(sm.opts.EntryPoint.Country)
		exitCandidates := exitList.GatewaysLocatedAt(sm.opts.ExitPoint.Country)
		if len(entryCandidates) == 1 && len(exitCandidates) == 1 &&
			entryCandidates[0].Identity == exitCandidates[0].Identity {
			return selectedGateways{}, &SameEntryAndExitGatewayError{Country: sm.opts.EntryPoint.Country}
		}
	}

	entry, err := sm.opts.EntryPoint.SelectEntryGateway(ctx, entryList, sm.dir)
	if err != nil {
		return selectedGateways{}, err
	}

	if sm.opts.ExitPoint.Kind == directory.PointAddress {
		addr := sm.opts.ExitPoint.Address
		return selectedGateways{entry: entry, exitAddress: &addr}, nil
	}

	// The entry gateway never doubles as the exit.
	exit, err := sm.opts.ExitPoint.SelectExitGateway(exitList.RemoveGateway(entry.Identity))
	if err != nil {
		var locErr *directory.NoMatchingExitGatewayForLocationError
		if errors.As(err, &locErr) && sm.opts.ExitPoint.IsLocation() &&
			len(exitList.GatewaysLocatedAt(sm.opts.ExitPoint.Country)) > 0 {
			// The country only offered the gateway already taken as entry.
			return selectedGateways{}, &SameEntryAndExitGatewayError{Country: sm.opts.ExitPoint.Country}
		}
		return selectedGateways{}, err
	}
	core.Log.Infof("State", "Selected entry %s and exit %s", entry.Identity, exit.Identity)
	return selectedGateways{entry: entry, exit: exit}, nil
}

// connectMixnet builds the mixnet client against the entry gateway, bounded
// by the startup timeout, and verifies the return path with a self-ping.
func (sm *StateMachine) connectMixnet(ctx context.Context, entry directory.Gateway) (*mixnet.SharedClient, error) {
	startCtx, cancel := context.WithTimeout(ctx, mixnetStartupTimeout)
	defer cancel()

	transport, err := sm.dial.Connect(startCtx, entry)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrStartMixnetTimeout
		}
		return nil, &EntryGatewayError{GatewayID: entry.Identity, Cause: err}
	}
	shared := mixnet.NewSharedClient(transport)

	if err := shared.SelfPing(ctx, selfPingTimeout); err != nil {
		sm.disconnectMixnet(shared)
		return nil, &EntryGatewayError{GatewayID: entry.Identity, Cause: ErrEntryGatewayNotRouting}
	}
	return shared, nil
}

// disconnectMixnet takes the client out of the shared cell and shuts it
// down. Safe to call when the client was already taken.
func (sm *StateMachine) disconnectMixnet(shared *mixnet.SharedClient) {
	transport, err := shared.Take()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := transport.Disconnect(ctx); err != nil {
		core.Log.Warnf("State", "Mixnet disconnect: %v", err)
	}
}

// resetPlatform restores firewall and DNS. Required on all exit paths;
// failures are logged, never re-raised, once the tunnel is down.
func (sm *StateMachine) resetPlatform() {
	if sm.caps.DNSMonitor != nil {
		if err := sm.caps.DNSMonitor.Reset(); err != nil {
			core.Log.Errorf("State", "Failed to reset dns monitor: %v", err)
		}
	}
	if sm.caps.Firewall != nil {
		if err := sm.caps.Firewall.ResetPolicy(); err != nil {
			core.Log.Errorf("State", "Failed to reset firewall policy: %v", err)
		}
	}
	if sm.caps.RouteManager != nil {
		sm.caps.RouteManager.Destroy()
	}
}

// Run drives one full connection lifecycle. It returns nil after a clean
// user-initiated stop, or the aggregated exit reason.
func (sm *StateMachine) Run(ctx context.Context) error {
	sm.setState(core.StateConnecting)

	err := sm.run(ctx)
	sm.setState(core.StateNotConnected)

	if err != nil {
		core.Log.Errorf("State", "Connection ended: %v", err)
	}
	return err
}

func (sm *StateMachine) run(ctx context.Context) error {
	if sm.caps.Firewall != nil {
		if err := sm.caps.Firewall.Init(); err != nil {
			return fmt.Errorf("firewall init: %w", err)
		}
	}

	// 1. Directory fetch and selection.
	selected, err := sm.selectGateways(ctx)
	if err != nil {
		sm.resetPlatform()
		return err
	}

	// 2-3. Mixnet client with the entry as its gateway, plus self-ping.
	shared, err := sm.connectMixnet(ctx, selected.entry)
	if err != nil {
		sm.resetPlatform()
		return err
	}

	reason := sm.runWithMixnet(ctx, selected, shared)

	sm.disconnectMixnet(shared)
	sm.resetPlatform()

	if reason != nil && reason.Kind == ExitReasonStop {
		return nil
	}
	if reason != nil && reason.Kind == ExitReasonCancelled {
		return nil
	}
	if reason == nil {
		return nil
	}
	return reason
}

// runWithMixnet carries the lifecycle from authentication to teardown.
func (sm *StateMachine) runWithMixnet(ctx context.Context, selected selectedGateways, shared *mixnet.SharedClient) *ExitReason {
	tm := core.NewTaskManager("two-hop-vpn")
	mux := authenticator.NewMux()

	defer func() {
		tm.SignalShutdown()
		tm.Wait(taskWaitTimeout)
	}()

	switch sm.opts.Mode {
	case ModeWireguard:
		return sm.runWireguard(ctx, selected, shared, tm, mux)
	case ModeMixnet:
		return sm.runMixnetMode(ctx, selected, shared, tm, mux)
	default:
		return &ExitReason{Kind: ExitReasonTaskFault, Cause: fmt.Errorf("unknown mode %d", sm.opts.Mode)}
	}
}

func (sm *StateMachine) tunnelDNS() []netip.Addr {
	if len(sm.opts.DNS) > 0 {
		return sm.opts.DNS
	}
	return defaultTunnelDNS
}

// runWireguard: authenticate both hops, build the nested tunnel, connect
// the exit ip-packet-router for liveness monitoring, supervise.
func (sm *StateMachine) runWireguard(
	ctx context.Context,
	selected selectedGateways,
	shared *mixnet.SharedClient,
	tm *core.TaskManager,
	mux *authenticator.Mux,
) *ExitReason {
	fault := func(err error) *ExitReason {
		return &ExitReason{Kind: ExitReasonTaskFault, Cause: err}
	}

	// 4. Authenticator exchange per hop, entry first.
	if !selected.entry.HasAuthenticatorAddress() || !selected.exit.HasAuthenticatorAddress() {
		return fault(authenticator.ErrAddressNotFound)
	}

	authEntry, err := authenticator.NewClient(shared, *selected.entry.AuthenticatorAddress, mux)
	if err != nil {
		return fault(err)
	}
	authExit, err := authenticator.NewClient(shared, *selected.exit.AuthenticatorAddress, mux)
	if err != nil {
		return fault(err)
	}

	entryLight, err := authEntry.LightClient()
	if err != nil {
		return fault(err)
	}
	exitLight, err := authExit.LightClient()
	if err != nil {
		return fault(err)
	}

	ctrl := bandwidth.NewController(sm.store, entryLight, exitLight, sm.bus)

	entryData, err := ctrl.GetInitialBandwidth(ctx, sm.opts.CredentialsMode, bandwidth.TicketWireguardEntry, sm.dir, authEntry)
	if err != nil {
		return fault(err)
	}
	exitData, err := ctrl.GetInitialBandwidth(ctx, sm.opts.CredentialsMode, bandwidth.TicketWireguardExit, sm.dir, authExit)
	if err != nil {
		return fault(err)
	}

	// Negotiate the in-tunnel address pair with the exit router while the
	// mixnet control channel is still the unique stream consumer. The pair
	// feeds the liveness beacon.
	var ourIps ipr.IpPair
	iprClient := ipr.NewClient(shared)
	if selected.exit.HasIPRAddress() {
		ourIps, err = iprClient.Connect(ctx, *selected.exit.IPRAddress, sm.opts.StaticIps)
		if err != nil {
			return fault(err)
		}
	}

	// 5. Compose and start the nested tunnel.
	dns := sm.tunnelDNS()
	entryNode := wg.WgNodeConfig{
		Interface: wg.WgInterface{
			PrivateKey: authEntry.PrivateKey(),
			Addresses:  []netip.Prefix{netip.PrefixFrom(entryData.PrivateIPv4, 32)},
			DNS:        dns,
		},
		Peer: wg.WgPeer{
			PublicKey: entryData.PeerPublicKey,
			Endpoint:  entryData.Endpoint,
		},
	}
	exitNode := wg.WgNodeConfig{
		Interface: wg.WgInterface{
			PrivateKey: authExit.PrivateKey(),
			Addresses:  []netip.Prefix{netip.PrefixFrom(exitData.PrivateIPv4, 32)},
			DNS:        dns,
		},
		Peer: wg.WgPeer{
			PublicKey: exitData.PeerPublicKey,
			Endpoint:  exitData.Endpoint,
		},
	}
	if sm.opts.Amnezia != nil {
		entryNode.Peer.Amnezia = sm.opts.Amnezia
		exitNode.Peer.Amnezia = sm.opts.Amnezia
	}

	cfg := NewTwoHopConfig(entryNode, exitNode, sm.opts.Mobile)
	settings := cfg.TunnelSettings()

	device, err := sm.caps.TunProvider.CreateTunDevice(settings)
	if err != nil {
		return fault(fmt.Errorf("create tun device: %w", err))
	}

	connected, err := StartTwoHopTunnel(cfg, device, sm.opts.Dns64Resolver)
	if err != nil {
		return fault(err)
	}

	if err := sm.caps.TunProvider.SetDefaultPathObserver(connected.PathObserver()); err != nil {
		core.Log.Warnf("State", "Failed to set default path observer: %v", err)
	}
	if sm.caps.DNSMonitor != nil {
		if err := sm.caps.DNSMonitor.Set("", dns); err != nil {
			connected.Close()
			return fault(fmt.Errorf("set dns: %w", err))
		}
	}

	// 6. Supervision tasks.
	mon := monitor.NewMonitor(sm.bus, tm.Subscribe("connection monitor"))
	go mon.Run()

	classifier := monitor.NewClassifier(0, ourIps)
	if selected.exit.HasIPRAddress() {
		sender, err := shared.SplitSender()
		if err != nil {
			connected.Close()
			return fault(err)
		}
		beacon := monitor.NewBeacon(sender, ourIps, *selected.exit.IPRAddress)
		classifier.Identifier = beacon.Identifier()
		go beacon.Run(tm.Subscribe("icmp beacon"))
	}

	// Wireguard mode: the processor has no tun sink; it classifies beacon
	// replies and feeds the authenticator mux.
	processor := NewPacketProcessor(shared, nil, mux, classifier, mon, tm.Subscribe("packet processor"))
	go processor.Run()

	go ctrl.Run(tm.Subscribe("bandwidth controller"))

	sm.setState(core.StateConnected)
	reason := sm.supervise(ctx, tm)
	sm.setState(core.StateDisconnecting)

	// 7. Ordered teardown: cancel tasks, wait, then close engines
	// exit connection → exit engine → entry engine.
	tm.SignalShutdown()
	tm.Wait(taskWaitTimeout)

	if selected.exit.HasIPRAddress() {
		discCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := iprClient.Disconnect(discCtx); err != nil {
			core.Log.Warnf("State", "Ip-packet-router disconnect: %v", err)
		}
		cancel()
	}

	if err := sm.caps.TunProvider.SetDefaultPathObserver(nil); err != nil {
		core.Log.Debugf("State", "Failed to clear default path observer: %v", err)
	}
	connected.Close()

	return reason
}

// runMixnetMode routes IP traffic through the mixnet itself: the tun device
// feeds the ip-packet-router via bundles, and decoded packets come back
// through the processor.
func (sm *StateMachine) runMixnetMode(
	ctx context.Context,
	selected selectedGateways,
	shared *mixnet.SharedClient,
	tm *core.TaskManager,
	mux *authenticator.Mux,
) *ExitReason {
	fault := func(err error) *ExitReason {
		return &ExitReason{Kind: ExitReasonTaskFault, Cause: err}
	}

	iprAddress := selected.exitAddress
	if iprAddress == nil {
		if !selected.exit.HasIPRAddress() {
			return fault(fmt.Errorf("selected exit gateway %s has no ip-packet-router", selected.exit.Identity))
		}
		iprAddress = selected.exit.IPRAddress
	}

	iprClient := ipr.NewClient(shared)
	ourIps, err := iprClient.Connect(ctx, *iprAddress, sm.opts.StaticIps)
	if err != nil {
		return fault(err)
	}

	dns := sm.tunnelDNS()
	settings := TunnelNetworkSettings{
		TunnelRemoteAddress: iprAddress.GatewayID(),
		IPv4Settings: &IPv4Settings{
			Addresses:      []netip.Prefix{netip.PrefixFrom(ourIps.V4, 32)},
			IncludedRoutes: []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")},
		},
		IPv6Settings: &IPv6Settings{
			Addresses:      []netip.Prefix{netip.PrefixFrom(ourIps.V6, 128)},
			IncludedRoutes: []netip.Prefix{netip.MustParsePrefix("::/0")},
		},
		DNSSettings: &DNSSettings{Servers: dns},
		MTU:         1500,
	}

	device, err := sm.caps.TunProvider.CreateTunDevice(settings)
	if err != nil {
		return fault(fmt.Errorf("create tun device: %w", err))
	}
	defer device.Close()

	if sm.caps.DNSMonitor != nil {
		if err := sm.caps.DNSMonitor.Set("", dns); err != nil {
			return fault(fmt.Errorf("set dns: %w", err))
		}
	}

	mon := monitor.NewMonitor(sm.bus, tm.Subscribe("connection monitor"))
	go mon.Run()

	sender, err := shared.SplitSender()
	if err != nil {
		return fault(err)
	}
	beacon := monitor.NewBeacon(sender, ourIps, *iprAddress)
	go beacon.Run(tm.Subscribe("icmp beacon"))

	classifier := monitor.NewClassifier(beacon.Identifier(), ourIps)
	processor := NewPacketProcessor(shared, &deviceSink{dev: device}, mux, classifier, mon, tm.Subscribe("packet processor"))
	go processor.Run()

	pump := NewTunPump(device, sender, *iprAddress, tm.Subscribe("tun pump"))
	go pump.Run()

	sm.setState(core.StateConnected)
	reason := sm.supervise(ctx, tm)
	sm.setState(core.StateDisconnecting)

	tm.SignalShutdown()
	// Closing the device unblocks the pump's read.
	device.Close()
	tm.Wait(taskWaitTimeout)

	discCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := iprClient.Disconnect(discCtx); err != nil {
		core.Log.Warnf("State", "Ip-packet-router disconnect: %v", err)
	}
	cancel()

	return reason
}

// supervise blocks in Connected until something ends the session: context
// cancellation, user stop, a fatal task error (out-of-bandwidth included)
// or a sustained monitor outage.
func (sm *StateMachine) supervise(ctx context.Context, tm *core.TaskManager) *ExitReason {
	outage := make(chan monitor.ConnectionStatusEvent, 16)
	sm.bus.Subscribe(core.EventMonitorStatus, func(e core.Event) {
		payload, ok := e.Payload.(core.MonitorStatusPayload)
		if !ok {
			return
		}
		status, ok := payload.Status.(monitor.ConnectionStatusEvent)
		if !ok {
			return
		}
		select {
		case outage <- status:
		default:
		}
	})

	consecutiveDown := 0
	for {
		select {
		case <-ctx.Done():
			return &ExitReason{Kind: ExitReasonCancelled}
		case <-sm.stopCh:
			core.Log.Infof("State", "Stop requested")
			return &ExitReason{Kind: ExitReasonStop}
		case err := <-tm.Errors():
			var oob *bandwidth.OutOfBandwidthError
			if errors.As(err, &oob) {
				return &ExitReason{Kind: ExitReasonOutOfBandwidth, Cause: err}
			}
			return &ExitReason{Kind: ExitReasonTaskFault, Cause: err}
		case status := <-outage:
			switch status {
			case monitor.EntryGatewayDown, monitor.ExitGatewayDownIPv4:
				consecutiveDown++
				if consecutiveDown >= monitorOutageThreshold {
					return &ExitReason{
						Kind:  ExitReasonMonitorOutage,
						Cause: fmt.Errorf("sustained outage: %s", status),
					}
				}
			case monitor.ConnectedIPv4:
				consecutiveDown = 0
			}
		}
	}
}
