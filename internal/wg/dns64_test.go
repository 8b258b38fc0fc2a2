package wg

import (
	"net/netip"
	"testing"
)

func TestDns64Synthesize(t *testing.T) {
	r := NewDns64Resolver(netip.Prefix{}, "")

	got := r.Synthesize(netip.MustParseAddr("1.2.3.4"))
	want := netip.MustParseAddr("64:ff9b::102:304")
	if got != want {
		t.Fatalf("Synthesize(1.2.3.4) = %s, want %s", got, want)
	}
}

func TestDns64SynthesizeCustomPrefix(t *testing.T) {
	r := NewDns64Resolver(netip.MustParsePrefix("2001:db8:64::/96"), "")

	got := r.Synthesize(netip.MustParseAddr("192.0.2.33"))
	want := netip.MustParseAddr("2001:db8:64::c000:221")
	if got != want {
		t.Fatalf("Synthesize(192.0.2.33) = %s, want %s", got, want)
	}
}

func TestReresolveEndpointPlainAddr(t *testing.T) {
	r := NewDns64Resolver(netip.Prefix{}, "")

	// IPv4 endpoint on a dual-stack network stays as-is.
	ep, err := r.ReresolveEndpoint("1.2.3.4", 51820, false)
	if err != nil {
		t.Fatalf("ReresolveEndpoint: %v", err)
	}
	if want := netip.MustParseAddrPort("1.2.3.4:51820"); ep != want {
		t.Fatalf("dual-stack endpoint = %s, want %s", ep, want)
	}

	// The same endpoint on an IPv6-only network maps through the prefix.
	ep, err = r.ReresolveEndpoint("1.2.3.4", 51820, true)
	if err != nil {
		t.Fatalf("ReresolveEndpoint: %v", err)
	}
	if want := netip.MustParseAddrPort("[64:ff9b::102:304]:51820"); ep != want {
		t.Fatalf("ipv6-only endpoint = %s, want %s", ep, want)
	}

	// IPv6 endpoints are never rewritten.
	ep, err = r.ReresolveEndpoint("2001:db8::1", 443, true)
	if err != nil {
		t.Fatalf("ReresolveEndpoint: %v", err)
	}
	if want := netip.MustParseAddrPort("[2001:db8::1]:443"); ep != want {
		t.Fatalf("v6 endpoint = %s, want %s", ep, want)
	}
}
