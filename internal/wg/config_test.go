package wg

import (
	"net/netip"
	"strings"
	"testing"
)

func testNodeConfig(t *testing.T) WgNodeConfig {
	t.Helper()
	priv, err := NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	peerPriv, err := NewPrivateKey()
	if err != nil {
		t.Fatalf("generate peer key: %v", err)
	}
	return WgNodeConfig{
		Interface: WgInterface{
			PrivateKey: priv,
			ListenPort: 51900,
			Addresses:  []netip.Prefix{netip.MustParsePrefix("10.1.2.3/32")},
			DNS:        []netip.Addr{netip.MustParseAddr("1.1.1.1")},
			MTU:        1420,
		},
		Peer: WgPeer{
			PublicKey: peerPriv.Public(),
			Endpoint:  netip.MustParseAddrPort("192.0.2.1:51820"),
		},
	}
}

func TestNodeConfigUapi(t *testing.T) {
	cfg := testNodeConfig(t)
	doc := cfg.UapiConfig()

	wantKeys := []string{
		"private_key=" + cfg.Interface.PrivateKey.Hex(),
		"listen_port=51900",
		"replace_peers=true",
		"public_key=" + cfg.Peer.PublicKey.Hex(),
		"endpoint=192.0.2.1:51820",
		"allowed_ip=0.0.0.0/0",
		"allowed_ip=::/0",
	}
	for _, want := range wantKeys {
		if !strings.Contains(doc, want+"\n") {
			t.Errorf("uapi config missing %q:\n%s", want, doc)
		}
	}

	// public_key must come after the interface section and replace_peers.
	if strings.Index(doc, "public_key=") < strings.Index(doc, "replace_peers=") {
		t.Error("peer attributes precede replace_peers")
	}
}

func TestNodeConfigUapiWithAmnezia(t *testing.T) {
	cfg := testNodeConfig(t)
	amnezia := AmneziaBase
	cfg.Peer.Amnezia = &amnezia
	doc := cfg.UapiConfig()

	for _, want := range []string{"jc=4", "jmin=40", "jmax=70"} {
		if !strings.Contains(doc, want+"\n") {
			t.Errorf("uapi config missing amnezia attribute %q", want)
		}
	}
	if strings.Contains(doc, "s1=") || strings.Contains(doc, "h1=") {
		t.Error("BASE preset leaked s/h attributes into the uapi config")
	}
}

func TestPeerEndpointUpdateUapi(t *testing.T) {
	priv, err := NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	update := PeerEndpointUpdate{
		PublicKey: priv.Public(),
		Endpoint:  netip.MustParseAddrPort("[64:ff9b::102:304]:51820"),
	}
	doc := update.UapiConfig()

	lines := strings.Split(strings.TrimSpace(doc), "\n")
	want := []string{
		"public_key=" + update.PublicKey.Hex(),
		"update_only=true",
		"endpoint=[64:ff9b::102:304]:51820",
	}
	if len(lines) != len(want) {
		t.Fatalf("update doc has %d lines, want %d:\n%s", len(lines), len(want), doc)
	}
	for i, line := range lines {
		if line != want[i] {
			t.Errorf("line %d = %q, want %q", i, line, want[i])
		}
	}
}

func TestPrivateKeyRedaction(t *testing.T) {
	priv, err := NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if priv.String() != "(hidden)" {
		t.Fatalf("private key String() leaks material: %q", priv.String())
	}
}

func TestKeyBase64RoundTrip(t *testing.T) {
	priv, err := NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	back, err := PrivateKeyFromBase64(priv.Base64())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back != priv {
		t.Fatal("private key base64 round trip mismatch")
	}

	pub := priv.Public()
	pubBack, err := PublicKeyFromBase64(pub.Base64())
	if err != nil {
		t.Fatalf("decode public: %v", err)
	}
	if pubBack != pub {
		t.Fatal("public key base64 round trip mismatch")
	}
}
