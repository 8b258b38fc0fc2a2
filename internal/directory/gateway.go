package directory

import (
	"fmt"

	"github.com/mr-tron/base58"

	"mixnet-two-hop-vpn/internal/mixnet"
)

// Location is a gateway's advertised geographic position.
type Location struct {
	TwoLetterISOCountryCode string
	Latitude                float64
	Longitude               float64
}

// ProbeEntry is the entry-role outcome of the last directory probe.
type ProbeEntry struct {
	CanConnect bool
	CanRoute   bool
}

// ProbeExit is the exit-role outcome of the last directory probe.
type ProbeExit struct {
	CanConnect          bool
	CanRouteIPv4        bool
	CanRouteExternalV4  bool
	CanRouteIPv6        bool
	CanRouteExternalV6  bool
}

// Probe is the last probe outcome recorded for a gateway.
type Probe struct {
	LastUpdatedUTC string
	AsEntry        ProbeEntry
	AsExit         *ProbeExit
}

// Gateway is a single directory record. Created on directory fetch,
// immutable thereafter. Two gateways are equal iff their identities match.
type Gateway struct {
	// Identity is the base58-encoded ed25519 public key of the gateway.
	Identity string
	Location *Location
	// IPRAddress is the mixnet address of the gateway's ip-packet-router.
	IPRAddress *mixnet.Recipient
	// AuthenticatorAddress is the mixnet address of the gateway's authenticator.
	AuthenticatorAddress *mixnet.Recipient
	LastProbe            *Probe
	// Host is the gateway's hostname or IP address.
	Host string
	ClientsWsPort  uint16
	ClientsWssPort uint16
	// Performance is the measured 24h performance score, 0-100.
	Performance *int
}

// ValidateIdentity checks that the identity is a base58 ed25519 public key.
func ValidateIdentity(identity string) error {
	raw, err := base58.Decode(identity)
	if err != nil {
		return fmt.Errorf("identity %q is not base58: %w", identity, err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("identity %q: expected 32 bytes, got %d", identity, len(raw))
	}
	return nil
}

// CountryCode returns the gateway's ISO code, or "" if unlocated.
func (g *Gateway) CountryCode() string {
	if g.Location == nil {
		return ""
	}
	return g.Location.TwoLetterISOCountryCode
}

// IsInCountry reports whether the gateway is located in the given ISO country.
func (g *Gateway) IsInCountry(code string) bool {
	return g.Location != nil && g.Location.TwoLetterISOCountryCode == code
}

// HasIPRAddress reports whether the gateway runs an ip-packet-router.
func (g *Gateway) HasIPRAddress() bool {
	return g.IPRAddress != nil
}

// HasAuthenticatorAddress reports whether the gateway runs an authenticator.
func (g *Gateway) HasAuthenticatorAddress() bool {
	return g.AuthenticatorAddress != nil
}

// ClientsAddressNoTLS returns the ws:// clients endpoint, or "" if unknown.
func (g *Gateway) ClientsAddressNoTLS() string {
	if g.Host == "" || g.ClientsWsPort == 0 {
		return ""
	}
	return fmt.Sprintf("ws://%s:%d", g.Host, g.ClientsWsPort)
}

// ClientsAddressTLS returns the wss:// clients endpoint, or "" if unknown.
func (g *Gateway) ClientsAddressTLS() string {
	if g.Host == "" || g.ClientsWssPort == 0 {
		return ""
	}
	return fmt.Sprintf("wss://%s:%d", g.Host, g.ClientsWssPort)
}

// GatewayList is an ordered list of gateways with unique identities.
type GatewayList struct {
	gateways []Gateway
}

// NewGatewayList builds a list, dropping records with duplicate identities
// while preserving first-seen order.
func NewGatewayList(gateways []Gateway) GatewayList {
	seen := make(map[string]struct{}, len(gateways))
	out := make([]Gateway, 0, len(gateways))
	for _, gw := range gateways {
		if _, dup := seen[gw.Identity]; dup {
			continue
		}
		seen[gw.Identity] = struct{}{}
		out = append(out, gw)
	}
	return GatewayList{gateways: out}
}

// Len returns the number of gateways.
func (l GatewayList) Len() int { return len(l.gateways) }

// IsEmpty reports whether the list has no gateways.
func (l GatewayList) IsEmpty() bool { return len(l.gateways) == 0 }

// Gateways returns the backing slice. Callers must not mutate it.
func (l GatewayList) Gateways() []Gateway { return l.gateways }

// GatewayWithIdentity finds a gateway by identity.
func (l GatewayList) GatewayWithIdentity(identity string) (Gateway, bool) {
	for _, gw := range l.gateways {
		if gw.Identity == identity {
			return gw, true
		}
	}
	return Gateway{}, false
}

// GatewaysLocatedAt returns the gateways in the given ISO country,
// preserving relative order.
func (l GatewayList) GatewaysLocatedAt(code string) []Gateway {
	var out []Gateway
	for _, gw := range l.gateways {
		if gw.IsInCountry(code) {
			out = append(out, gw)
		}
	}
	return out
}

// RemoveGateway returns a list without the gateway of the given identity.
func (l GatewayList) RemoveGateway(identity string) GatewayList {
	out := make([]Gateway, 0, len(l.gateways))
	for _, gw := range l.gateways {
		if gw.Identity != identity {
			out = append(out, gw)
		}
	}
	return GatewayList{gateways: out}
}

// IntoEntryGateways returns the subset usable as mixnet entry gateways.
// Currently the full set; kept as a distinct view to match the exit filter.
func (l GatewayList) IntoEntryGateways() GatewayList {
	return l
}

// IntoExitGateways returns the subset running an ip-packet-router,
// preserving relative order.
func (l GatewayList) IntoExitGateways() GatewayList {
	out := make([]Gateway, 0, len(l.gateways))
	for _, gw := range l.gateways {
		if gw.HasIPRAddress() {
			out = append(out, gw)
		}
	}
	return GatewayList{gateways: out}
}

// IntoVpnGateways returns the subset running an authenticator,
// preserving relative order.
func (l GatewayList) IntoVpnGateways() GatewayList {
	out := make([]Gateway, 0, len(l.gateways))
	for _, gw := range l.gateways {
		if gw.HasAuthenticatorAddress() {
			out = append(out, gw)
		}
	}
	return GatewayList{gateways: out}
}

// AllCountries returns the deduplicated set of countries, in first-seen order.
func (l GatewayList) AllCountries() []Country {
	seen := make(map[string]struct{})
	var out []Country
	for _, gw := range l.gateways {
		code := gw.CountryCode()
		if code == "" {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, Country{ISOCode: code})
	}
	return out
}

// AllISOCodes returns the deduplicated country codes, in first-seen order.
func (l GatewayList) AllISOCodes() []string {
	countries := l.AllCountries()
	out := make([]string, len(countries))
	for i, c := range countries {
		out[i] = c.ISOCode
	}
	return out
}
