package directory

import (
	"context"
	"fmt"
	"math/rand"

	"mixnet-two-hop-vpn/internal/mixnet"
)

// PointKind discriminates the gateway selection variants.
type PointKind int

const (
	// PointGateway selects a specific gateway by identity.
	PointGateway PointKind = iota
	// PointLocation selects uniformly among gateways in a country.
	PointLocation
	// PointRandomLowLatency probes candidates and picks the fastest.
	PointRandomLowLatency
	// PointRandom selects uniformly over the whole eligible list.
	PointRandom
	// PointAddress is a raw mixnet recipient. Valid only for exit points.
	PointAddress
)

// EntryPoint selects the entry gateway.
type EntryPoint struct {
	Kind     PointKind
	Identity string
	Country  string
}

// ExitPoint selects the exit gateway. Unlike EntryPoint it may also be a
// raw ip-packet-router address.
type ExitPoint struct {
	Kind     PointKind
	Identity string
	Country  string
	Address  mixnet.Recipient
}

// NoMatchingGatewayError indicates that an identity-based selection found
// no gateway.
type NoMatchingGatewayError struct {
	Identity string
}

func (e *NoMatchingGatewayError) Error() string {
	return fmt.Sprintf("no matching gateway with identity %s", e.Identity)
}

// NoMatchingEntryGatewayForLocationError carries the set of countries that
// do have entry gateways, for surfacing to the user.
type NoMatchingEntryGatewayForLocationError struct {
	RequestedLocation  string
	AvailableCountries []Country
}

func (e *NoMatchingEntryGatewayForLocationError) Error() string {
	return fmt.Sprintf("no matching entry gateway for location %s (available: %v)",
		e.RequestedLocation, e.AvailableCountries)
}

// NoMatchingExitGatewayForLocationError carries the set of countries that
// do have exit gateways, for surfacing to the user.
type NoMatchingExitGatewayForLocationError struct {
	RequestedLocation  string
	AvailableCountries []Country
}

func (e *NoMatchingExitGatewayForLocationError) Error() string {
	return fmt.Sprintf("no matching exit gateway for location %s (available: %v)",
		e.RequestedLocation, e.AvailableCountries)
}

// LatencyProber measures reachability of a gateway's clients endpoint.
// Implemented by the directory client.
type LatencyProber interface {
	LowestLatencyGateway(ctx context.Context, list GatewayList) (Gateway, error)
}

// SelectEntryGateway resolves an EntryPoint against a list of entry
// gateways.
func (p EntryPoint) SelectEntryGateway(ctx context.Context, list GatewayList, prober LatencyProber) (Gateway, error) {
	switch p.Kind {
	case PointGateway:
		gw, ok := list.GatewayWithIdentity(p.Identity)
		if !ok {
			return Gateway{}, &NoMatchingGatewayError{Identity: p.Identity}
		}
		return gw, nil
	case PointLocation:
		candidates := list.GatewaysLocatedAt(p.Country)
		if len(candidates) == 0 {
			return Gateway{}, &NoMatchingEntryGatewayForLocationError{
				RequestedLocation:  p.Country,
				AvailableCountries: list.AllCountries(),
			}
		}
		return candidates[rand.Intn(len(candidates))], nil
	case PointRandomLowLatency:
		return prober.LowestLatencyGateway(ctx, list)
	case PointRandom:
		if list.IsEmpty() {
			return Gateway{}, &NoMatchingGatewayError{Identity: "(random)"}
		}
		return list.Gateways()[rand.Intn(list.Len())], nil
	default:
		return Gateway{}, fmt.Errorf("invalid entry point kind %d", p.Kind)
	}
}

// SelectExitGateway resolves an ExitPoint against a list of exit gateways.
// The PointAddress variant does not correspond to a directory record and is
// handled by the caller before selection.
func (p ExitPoint) SelectExitGateway(list GatewayList) (Gateway, error) {
	switch p.Kind {
	case PointGateway:
		gw, ok := list.GatewayWithIdentity(p.Identity)
		if !ok {
			return Gateway{}, &NoMatchingGatewayError{Identity: p.Identity}
		}
		return gw, nil
	case PointLocation:
		candidates := list.GatewaysLocatedAt(p.Country)
		if len(candidates) == 0 {
			return Gateway{}, &NoMatchingExitGatewayForLocationError{
				RequestedLocation:  p.Country,
				AvailableCountries: list.AllCountries(),
			}
		}
		return candidates[rand.Intn(len(candidates))], nil
	case PointRandom:
		if list.IsEmpty() {
			return Gateway{}, &NoMatchingGatewayError{Identity: "(random)"}
		}
		return list.Gateways()[rand.Intn(list.Len())], nil
	case PointAddress:
		return Gateway{}, fmt.Errorf("exit point address %s cannot be resolved against the directory", p.Address)
	default:
		return Gateway{}, fmt.Errorf("invalid exit point kind %d", p.Kind)
	}
}

// IsLocation reports whether the entry point selects by country.
func (p EntryPoint) IsLocation() bool { return p.Kind == PointLocation }

// IsLocation reports whether the exit point selects by country.
func (p ExitPoint) IsLocation() bool { return p.Kind == PointLocation }
