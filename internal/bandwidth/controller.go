package bandwidth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"mixnet-two-hop-vpn/internal/authenticator"
	"mixnet-two-hop-vpn/internal/core"
	"mixnet-two-hop-vpn/internal/mixnet"
)

const (
	// defaultBandwidthCheck is the initial poll interval.
	defaultBandwidthCheck = 5 * time.Second
	// assumedDepletionRate is the pessimistic drain estimate used to pace
	// the polls: 100 MiB/s.
	assumedDepletionRate = 100 * 1024 * 1024
	// ticketsToSpend per top-up.
	ticketsToSpend = 1
)

// OutOfBandwidthError is surfaced through the shutdown channel when a hop
// runs dry and cannot be topped up.
type OutOfBandwidthError struct {
	GatewayID            string
	AuthenticatorAddress mixnet.Recipient
}

func (e *OutOfBandwidthError) Error() string {
	return fmt.Sprintf("out of bandwidth with gateway %s", e.GatewayID)
}

// UpdateDynamicCheckInterval derives the next poll interval from the
// remaining allowance: a tenth of the estimated time to depletion at the
// assumed rate. Returns false when the quotient is zero, which doubles as
// the top-up threshold.
func UpdateDynamicCheckInterval(remainingBytes int64) (time.Duration, bool) {
	if remainingBytes < 0 {
		remainingBytes = 0
	}
	estimatedDepletionSecs := remainingBytes / assumedDepletionRate
	nextSecs := estimatedDepletionSecs / 10
	if nextSecs == 0 {
		return 0, false
	}
	return time.Duration(nextSecs) * time.Second, true
}

// GatewayIPLookup resolves a gateway identity to its public IP. Implemented
// by the directory client.
type GatewayIPLookup interface {
	LookupGatewayIP(ctx context.Context, identity string) (net.IP, error)
}

// HopClient is the per-hop authenticator exchange surface the controller
// polls. Satisfied by authenticator.LightClient.
type HopClient interface {
	QueryBandwidth(ctx context.Context) (remaining int64, known bool, err error)
	TopUp(ctx context.Context, credential []byte) (int64, error)
	GatewayID() string
	AuthAddress() mixnet.Recipient
}

// Controller owns the periodic residual-bandwidth loop for both hops and
// the initial registration bandwidth acquisition.
type Controller struct {
	store CredentialStore
	entry HopClient
	exit  HopClient

	// shutdown is installed when Run starts; the registration phase does
	// not need it.
	shutdown *core.TaskClient
	bus      *core.EventBus
}

// NewController creates a controller over the two hop light clients.
func NewController(store CredentialStore, entry, exit HopClient, bus *core.EventBus) *Controller {
	return &Controller{
		store: store,
		entry: entry,
		exit:  exit,
		bus:   bus,
	}
}

// RequestTicket draws one spendable ticket for a provider.
func (c *Controller) RequestTicket(ctx context.Context, t TicketType, providerPK [32]byte) (PreparedCredential, error) {
	cred, err := c.store.PrepareTicket(ctx, t, providerPK, ticketsToSpend)
	if err != nil {
		return PreparedCredential{}, fmt.Errorf("get %s ticket: %w", t, err)
	}
	return cred, nil
}

// GetInitialBandwidth registers a hop's wg key with its gateway, presenting
// a ticket when credentials mode is on, and returns the peering data.
func (c *Controller) GetInitialBandwidth(
	ctx context.Context,
	credentialsMode bool,
	ticketType TicketType,
	directory GatewayIPLookup,
	authClient *authenticator.Client,
) (authenticator.GatewayData, error) {
	var credential []byte
	if credentialsMode {
		cred, err := c.RequestTicket(ctx, ticketType, authClient.AuthAddress().GatewayBytes())
		if err != nil {
			return authenticator.GatewayData{}, err
		}
		credential = cred.Data
	}

	gatewayID := authClient.GatewayID()
	gatewayHost, err := directory.LookupGatewayIP(ctx, gatewayID)
	if err != nil {
		return authenticator.GatewayData{}, fmt.Errorf("lookup gateway %s ip: %w", gatewayID, err)
	}

	data, err := authClient.Register(ctx, gatewayHost, credential)
	if err != nil {
		return authenticator.GatewayData{}, fmt.Errorf("register wireguard with gateway %s: %w", gatewayID, err)
	}
	return data, nil
}

// topUp draws and spends one ticket on a hop, returning the new allowance.
func (c *Controller) topUp(ctx context.Context, ticketType TicketType, lc HopClient) (int64, error) {
	cred, err := c.RequestTicket(ctx, ticketType, lc.AuthAddress().GatewayBytes())
	if err != nil {
		return 0, err
	}
	remaining, err := lc.TopUp(ctx, cred.Data)
	if err != nil {
		return 0, fmt.Errorf("top up with gateway %s: %w", lc.GatewayID(), err)
	}
	return remaining, nil
}

// checkBandwidth polls one hop. Returns the next poll interval when the
// allowance is healthy; a nil result leaves the current interval in place.
// A dry hop is topped up inline; top-up failure (exhausted or expired
// ticketbooks included) reports out-of-bandwidth through the shutdown
// channel.
func (c *Controller) checkBandwidth(ctx context.Context, entry bool) *time.Duration {
	lc := c.exit
	ticketType := TicketWireguardExit
	if entry {
		lc = c.entry
		ticketType = TicketWireguardEntry
	}

	remaining, known, err := lc.QueryBandwidth(ctx)
	if err != nil {
		core.Log.Warnf("Bandwidth", "Error querying remaining bandwidth: %v", err)
		return nil
	}
	if !known {
		return nil
	}

	if c.bus != nil {
		c.bus.Publish(core.Event{
			Type: core.EventBandwidthStatus,
			Payload: core.BandwidthStatusPayload{
				GatewayID:      lc.GatewayID(),
				RemainingBytes: remaining,
			},
		})
	}

	if next, ok := UpdateDynamicCheckInterval(remaining); ok {
		return &next
	}

	if _, err := c.topUp(ctx, ticketType, lc); err != nil {
		core.Log.Warnf("Bandwidth", "Error topping up with more bandwidth: %v", err)
		c.shutdown.SendWeStopped(&OutOfBandwidthError{
			GatewayID:            lc.GatewayID(),
			AuthenticatorAddress: lc.AuthAddress(),
		})
	}
	return nil
}

// Run is the single-task poll loop. Entry and exit checks run sequentially
// each tick; the next interval is the minimum of what the two hops report.
// Cancellation drops any in-flight request and exits promptly.
func (c *Controller) Run(shutdown *core.TaskClient) {
	c.shutdown = shutdown
	defer c.shutdown.Finish()

	interval := defaultBandwidthCheck
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.shutdown.Done()
		cancel()
	}()

	for {
		select {
		case <-c.shutdown.Done():
			core.Log.Debugf("Bandwidth", "Controller received shutdown")
			return
		case <-ticker.C:
			entryDuration := c.checkBandwidth(ctx, true)
			if ctx.Err() != nil {
				return
			}
			exitDuration := c.checkBandwidth(ctx, false)
			if ctx.Err() != nil {
				return
			}

			if next := minimalDuration(entryDuration, exitDuration); next != nil && *next != interval {
				interval = *next
				ticker.Reset(interval)
				core.Log.Debugf("Bandwidth", "Next check in %s", interval)
			}
		}
	}
}

func minimalDuration(a, b *time.Duration) *time.Duration {
	switch {
	case a != nil && b != nil:
		if *a < *b {
			return a
		}
		return b
	case a != nil:
		return a
	case b != nil:
		return b
	default:
		return nil
	}
}

// IsExpired reports whether a top-up failure stems from an expired
// ticketbook.
func IsExpired(err error) bool {
	var expired *ExpiredTicketbookError
	return errors.As(err, &expired)
}
