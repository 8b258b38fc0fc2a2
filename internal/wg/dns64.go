package wg

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"mixnet-two-hop-vpn/internal/core"
)

// WellKnownDns64Prefix is the RFC 6052 NAT64 synthesis prefix.
var WellKnownDns64Prefix = netip.MustParsePrefix("64:ff9b::/96")

// Dns64Resolver re-resolves peer endpoints so IPv4-only peers stay
// reachable on IPv6-only access networks. Hostnames are queried AAAA-first;
// plain IPv4 endpoints are mapped through the synthesis prefix when the
// current default path is IPv6-only.
type Dns64Resolver struct {
	// Prefix used for AAAA synthesis.
	Prefix netip.Prefix
	// Server is the "host:port" of the resolver to query. Empty picks the
	// first system resolver from /etc/resolv.conf.
	Server string

	client *dns.Client
}

// NewDns64Resolver creates a resolver with the given synthesis prefix. A
// zero prefix selects the well-known 64:ff9b::/96.
func NewDns64Resolver(prefix netip.Prefix, server string) *Dns64Resolver {
	if !prefix.IsValid() {
		prefix = WellKnownDns64Prefix
	}
	return &Dns64Resolver{
		Prefix: prefix,
		Server: server,
		client: &dns.Client{Timeout: 5 * time.Second},
	}
}

// Synthesize embeds an IPv4 address into the resolver's /96 prefix.
func (r *Dns64Resolver) Synthesize(v4 netip.Addr) netip.Addr {
	b := r.Prefix.Addr().As16()
	v4b := v4.As4()
	copy(b[12:], v4b[:])
	return netip.AddrFrom16(b)
}

func (r *Dns64Resolver) server() (string, error) {
	if r.Server != "" {
		return r.Server, nil
	}
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", fmt.Errorf("load system resolver config: %w", err)
	}
	if len(conf.Servers) == 0 {
		return "", fmt.Errorf("no system resolvers configured")
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

// lookup queries a single record type and returns the matching addresses.
func (r *Dns64Resolver) lookup(host string, qtype uint16) ([]netip.Addr, error) {
	server, err := r.server()
	if err != nil {
		return nil, err
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	in, _, err := r.client.Exchange(m, server)
	if err != nil {
		return nil, fmt.Errorf("query %s %s: %w", dns.TypeToString[qtype], host, err)
	}

	var out []netip.Addr
	for _, rr := range in.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			if addr, ok := netip.AddrFromSlice(rec.A.To4()); ok {
				out = append(out, addr)
			}
		case *dns.AAAA:
			if addr, ok := netip.AddrFromSlice(rec.AAAA); ok {
				out = append(out, addr)
			}
		}
	}
	return out, nil
}

// ReresolveEndpoint produces the endpoint to use for a peer given the
// current default path. ipv6Only indicates an IPv6-only access network, in
// which case IPv4 results are mapped through the synthesis prefix.
func (r *Dns64Resolver) ReresolveEndpoint(host string, port uint16, ipv6Only bool) (netip.AddrPort, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.Is4() && ipv6Only {
			mapped := r.Synthesize(addr)
			core.Log.Debugf("WG", "DNS64: mapped %s to %s", addr, mapped)
			return netip.AddrPortFrom(mapped, port), nil
		}
		return netip.AddrPortFrom(addr, port), nil
	}

	// AAAA first: on a NAT64 network the resolver synthesizes these for us.
	if addrs, err := r.lookup(host, dns.TypeAAAA); err == nil && len(addrs) > 0 {
		return netip.AddrPortFrom(addrs[0], port), nil
	}

	addrs, err := r.lookup(host, dns.TypeA)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("no addresses for %q", host)
	}
	if ipv6Only {
		return netip.AddrPortFrom(r.Synthesize(addrs[0]), port), nil
	}
	return netip.AddrPortFrom(addrs[0], port), nil
}
