package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"mixnet-two-hop-vpn/internal/core"
	"mixnet-two-hop-vpn/internal/mixnet"
)

// GatewayKind selects which role a directory query is for.
type GatewayKind int

const (
	KindMixnetEntry GatewayKind = iota
	KindMixnetExit
	KindWg
)

func (k GatewayKind) String() string {
	switch k {
	case KindMixnetEntry:
		return "entry"
	case KindMixnetExit:
		return "exit"
	case KindWg:
		return "wg"
	default:
		return "unknown"
	}
}

// ClientConfig configures the directory client.
type ClientConfig struct {
	// APIURL is the mixnet validator API, used as the fallback backend.
	APIURL string
	// VpnAPIURL is the VPN directory API. When set it is the primary backend.
	VpnAPIURL string
	// MinMixnetPerformance filters gateways for mixnet use (0-100).
	MinMixnetPerformance *int
	// MinVpnPerformance filters gateways for VPN use (0-100).
	MinVpnPerformance *int
	// UserAgent is sent on every request.
	UserAgent string
}

// Client fetches and parses gateway records from the directory APIs.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

// NewClient creates a directory client. At least one of APIURL and
// VpnAPIURL must be set; VpnAPIURL is preferred when present.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIURL == "" && cfg.VpnAPIURL == "" {
		return nil, fmt.Errorf("directory client requires at least one API URL")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "mixnet-two-hop-vpn/1.0"
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// gatewayRecord is the wire shape of a directory gateway entry.
type gatewayRecord struct {
	IdentityKey string `json:"identity_key"`
	Location    *struct {
		TwoLetterISOCountryCode string  `json:"two_letter_iso_country_code"`
		Latitude                float64 `json:"latitude"`
		Longitude               float64 `json:"longitude"`
	} `json:"location,omitempty"`
	IPRAddress           string `json:"ipr_address,omitempty"`
	AuthenticatorAddress string `json:"authenticator_address,omitempty"`
	LastProbe            *struct {
		LastUpdatedUTC string `json:"last_updated_utc"`
		Outcome        struct {
			AsEntry struct {
				CanConnect bool `json:"can_connect"`
				CanRoute   bool `json:"can_route"`
			} `json:"as_entry"`
			AsExit *struct {
				CanConnect         bool `json:"can_connect"`
				CanRouteIPv4       bool `json:"can_route_ip_v4"`
				CanRouteExternalV4 bool `json:"can_route_ip_external_v4"`
				CanRouteIPv6       bool `json:"can_route_ip_v6"`
				CanRouteExternalV6 bool `json:"can_route_ip_external_v6"`
			} `json:"as_exit,omitempty"`
		} `json:"outcome"`
	} `json:"last_probe,omitempty"`
	Entry *struct {
		Hostname string `json:"hostname,omitempty"`
		WsPort   uint16 `json:"ws_port,omitempty"`
		WssPort  uint16 `json:"wss_port,omitempty"`
	} `json:"entry,omitempty"`
	IPAddresses []string `json:"ip_addresses,omitempty"`
	Performance string   `json:"performance,omitempty"`
}

type gatewaysResponse struct {
	Gateways []json.RawMessage `json:"gateways"`
}

// parseGateway converts a wire record into a Gateway. Bad records return an
// error and are skipped by the caller.
func parseGateway(raw json.RawMessage) (Gateway, error) {
	var rec gatewayRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Gateway{}, fmt.Errorf("decode gateway record: %w", err)
	}
	if err := ValidateIdentity(rec.IdentityKey); err != nil {
		return Gateway{}, err
	}

	gw := Gateway{Identity: rec.IdentityKey}

	if rec.Location != nil {
		gw.Location = &Location{
			TwoLetterISOCountryCode: rec.Location.TwoLetterISOCountryCode,
			Latitude:                rec.Location.Latitude,
			Longitude:               rec.Location.Longitude,
		}
	}
	if rec.IPRAddress != "" {
		addr, err := mixnet.ParseRecipient(rec.IPRAddress)
		if err != nil {
			core.Log.Warnf("Directory", "Gateway %s: bad ipr address: %v", rec.IdentityKey, err)
		} else {
			gw.IPRAddress = &addr
		}
	}
	if rec.AuthenticatorAddress != "" {
		addr, err := mixnet.ParseRecipient(rec.AuthenticatorAddress)
		if err != nil {
			core.Log.Warnf("Directory", "Gateway %s: bad authenticator address: %v", rec.IdentityKey, err)
		} else {
			gw.AuthenticatorAddress = &addr
		}
	}
	if rec.LastProbe != nil {
		probe := &Probe{
			LastUpdatedUTC: rec.LastProbe.LastUpdatedUTC,
			AsEntry: ProbeEntry{
				CanConnect: rec.LastProbe.Outcome.AsEntry.CanConnect,
				CanRoute:   rec.LastProbe.Outcome.AsEntry.CanRoute,
			},
		}
		if e := rec.LastProbe.Outcome.AsExit; e != nil {
			probe.AsExit = &ProbeExit{
				CanConnect:         e.CanConnect,
				CanRouteIPv4:       e.CanRouteIPv4,
				CanRouteExternalV4: e.CanRouteExternalV4,
				CanRouteIPv6:       e.CanRouteIPv6,
				CanRouteExternalV6: e.CanRouteExternalV6,
			}
		}
		gw.LastProbe = probe
	}
	if rec.Entry != nil {
		gw.Host = rec.Entry.Hostname
		gw.ClientsWsPort = rec.Entry.WsPort
		gw.ClientsWssPort = rec.Entry.WssPort
	}
	if gw.Host == "" && len(rec.IPAddresses) > 0 {
		gw.Host = rec.IPAddresses[0]
	}
	if rec.Performance != "" {
		if p, err := strconv.ParseFloat(rec.Performance, 64); err == nil {
			score := int(p*100 + 0.5)
			if score < 0 {
				score = 0
			}
			if score > 100 {
				score = 100
			}
			gw.Performance = &score
		}
	}
	return gw, nil
}

func (c *Client) get(ctx context.Context, base, path string, query url.Values, out any) error {
	u, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("parse API URL %q: %w", base, err)
	}
	u = u.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, u)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", u, err)
	}
	return nil
}

// minPerformanceQuery builds the min-performance query params sent to the
// VPN API. Both thresholds travel so the server can filter per use.
func (c *Client) minPerformanceQuery() url.Values {
	q := url.Values{}
	if c.cfg.MinMixnetPerformance != nil {
		q.Set("min_mixnet_performance", strconv.Itoa(*c.cfg.MinMixnetPerformance))
	}
	if c.cfg.MinVpnPerformance != nil {
		q.Set("min_vpn_performance", strconv.Itoa(*c.cfg.MinVpnPerformance))
	}
	return q
}

func (c *Client) parseGateways(raws []json.RawMessage) []Gateway {
	out := make([]Gateway, 0, len(raws))
	for _, raw := range raws {
		gw, err := parseGateway(raw)
		if err != nil {
			core.Log.Warnf("Directory", "Skipping unparseable gateway record: %v", err)
			continue
		}
		out = append(out, gw)
	}
	return out
}

// filterMinPerformance retains gateways at or above the threshold. Records
// without a score are kept; the directory may lag behind new gateways.
func filterMinPerformance(gateways []Gateway, min *int) []Gateway {
	if min == nil {
		return gateways
	}
	out := gateways[:0]
	for _, gw := range gateways {
		if gw.Performance == nil || *gw.Performance >= *min {
			out = append(out, gw)
		}
	}
	return out
}

// LookupAllGateways fetches the full gateway catalogue. The VPN API is the
// primary backend; the validator API is the fallback.
func (c *Client) LookupAllGateways(ctx context.Context) (GatewayList, error) {
	if c.cfg.VpnAPIURL != "" {
		core.Log.Infof("Directory", "Fetching all gateways from vpn-api")
		var resp gatewaysResponse
		if err := c.get(ctx, c.cfg.VpnAPIURL, "/v1/gateways", c.minPerformanceQuery(), &resp); err != nil {
			return GatewayList{}, err
		}
		gws := filterMinPerformance(c.parseGateways(resp.Gateways), c.cfg.MinVpnPerformance)
		return NewGatewayList(gws), nil
	}
	return c.lookupAllFromAPI(ctx)
}

func (c *Client) lookupAllFromAPI(ctx context.Context) (GatewayList, error) {
	core.Log.Infof("Directory", "Fetching all gateways from nym-api")
	var resp gatewaysResponse
	if err := c.get(ctx, c.cfg.APIURL, "/v1/gateways", nil, &resp); err != nil {
		return GatewayList{}, err
	}
	gws := filterMinPerformance(c.parseGateways(resp.Gateways), c.cfg.MinMixnetPerformance)
	return NewGatewayList(gws), nil
}

// LookupGateways fetches gateways filtered by kind.
func (c *Client) LookupGateways(ctx context.Context, kind GatewayKind) (GatewayList, error) {
	if c.cfg.VpnAPIURL != "" {
		core.Log.Infof("Directory", "Fetching %s gateways from vpn-api", kind)
		var resp gatewaysResponse
		if err := c.get(ctx, c.cfg.VpnAPIURL, "/v1/gateways/"+kind.String(), c.minPerformanceQuery(), &resp); err != nil {
			return GatewayList{}, err
		}
		gws := filterMinPerformance(c.parseGateways(resp.Gateways), c.cfg.MinVpnPerformance)
		return NewGatewayList(gws), nil
	}

	all, err := c.lookupAllFromAPI(ctx)
	if err != nil {
		return GatewayList{}, err
	}
	switch kind {
	case KindMixnetEntry:
		return all.IntoEntryGateways(), nil
	case KindMixnetExit:
		return all.IntoExitGateways(), nil
	case KindWg:
		return all.IntoVpnGateways(), nil
	default:
		return GatewayList{}, fmt.Errorf("unknown gateway kind %d", kind)
	}
}

// LookupCountries fetches the available countries for a gateway kind.
func (c *Client) LookupCountries(ctx context.Context, kind GatewayKind) ([]Country, error) {
	if c.cfg.VpnAPIURL != "" {
		q := c.minPerformanceQuery()
		q.Set("kind", kind.String())
		var codes []string
		if err := c.get(ctx, c.cfg.VpnAPIURL, "/v1/gateways/countries", q, &codes); err != nil {
			return nil, err
		}
		out := make([]Country, 0, len(codes))
		for _, code := range codes {
			out = append(out, Country{ISOCode: code})
		}
		return out, nil
	}

	list, err := c.LookupGateways(ctx, kind)
	if err != nil {
		return nil, err
	}
	return list.AllCountries(), nil
}

// LookupGatewayIP returns the gateway's IP, resolving its hostname if the
// directory record does not carry a plain address.
func (c *Client) LookupGatewayIP(ctx context.Context, identity string) (net.IP, error) {
	all, err := c.LookupAllGateways(ctx)
	if err != nil {
		return nil, err
	}
	gw, ok := all.GatewayWithIdentity(identity)
	if !ok {
		return nil, &NoMatchingGatewayError{Identity: identity}
	}
	if gw.Host == "" {
		return nil, fmt.Errorf("gateway %s has no host", identity)
	}
	if ip := net.ParseIP(gw.Host); ip != nil {
		return ip, nil
	}
	addrs, err := net.DefaultResolver.LookupIP(ctx, "ip", gw.Host)
	if err != nil {
		return nil, fmt.Errorf("resolve gateway host %q: %w", gw.Host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for gateway host %q", gw.Host)
	}
	core.Log.Infof("Directory", "Resolved %s to %s", gw.Host, addrs[0])
	return addrs[0], nil
}

// LookupLowLatencyEntryGateway fetches the entry set and picks the fastest
// by probing the clients endpoints.
func (c *Client) LookupLowLatencyEntryGateway(ctx context.Context) (Gateway, error) {
	list, err := c.LookupGateways(ctx, KindMixnetEntry)
	if err != nil {
		return Gateway{}, err
	}
	return c.LowestLatencyGateway(ctx, list)
}
