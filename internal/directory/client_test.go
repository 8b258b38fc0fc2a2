package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func serveGateways(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{VpnAPIURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func rawGateway(t *testing.T, v map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestLookupAllGatewaysSkipsBadRecords(t *testing.T) {
	good := map[string]any{
		"identity_key": testIdentity(1),
		"location":     map[string]any{"two_letter_iso_country_code": "FR"},
		"performance":  "0.97",
	}
	badIdentity := map[string]any{"identity_key": "!!not-base58!!"}

	client := serveGateways(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"gateways": []json.RawMessage{
				rawGateway(t, good),
				rawGateway(t, badIdentity),
				json.RawMessage(`"not an object"`),
			},
		})
	})

	list, err := client.LookupAllGateways(context.Background())
	if err != nil {
		t.Fatalf("LookupAllGateways: %v", err)
	}
	if list.Len() != 1 {
		t.Fatalf("got %d gateways, want 1 (bad records skipped)", list.Len())
	}
	gw := list.Gateways()[0]
	if gw.Identity != testIdentity(1) || gw.CountryCode() != "FR" {
		t.Fatalf("parsed gateway %+v", gw)
	}
	if gw.Performance == nil || *gw.Performance != 97 {
		t.Fatalf("performance %v, want 97", gw.Performance)
	}
}

func TestLookupAllGatewaysMinPerformanceFilter(t *testing.T) {
	min := 80
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("min_vpn_performance"); got != "80" {
			t.Errorf("min_vpn_performance query = %q, want 80", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"gateways": []json.RawMessage{
				rawGateway(t, map[string]any{"identity_key": testIdentity(1), "performance": "0.95"}),
				rawGateway(t, map[string]any{"identity_key": testIdentity(2), "performance": "0.50"}),
				rawGateway(t, map[string]any{"identity_key": testIdentity(3)}), // unscored, kept
			},
		})
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{VpnAPIURL: server.URL, MinVpnPerformance: &min})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	list, err := client.LookupAllGateways(context.Background())
	if err != nil {
		t.Fatalf("LookupAllGateways: %v", err)
	}
	if list.Len() != 2 {
		t.Fatalf("got %d gateways after filter, want 2", list.Len())
	}
	if _, ok := list.GatewayWithIdentity(testIdentity(2)); ok {
		t.Fatal("under-performing gateway survived the filter")
	}
}

func TestLookupGatewayIPPlainAddress(t *testing.T) {
	client := serveGateways(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"gateways": []json.RawMessage{
				rawGateway(t, map[string]any{
					"identity_key": testIdentity(1),
					"ip_addresses": []string{"192.0.2.44"},
				}),
			},
		})
	})

	ip, err := client.LookupGatewayIP(context.Background(), testIdentity(1))
	if err != nil {
		t.Fatalf("LookupGatewayIP: %v", err)
	}
	if ip.String() != "192.0.2.44" {
		t.Fatalf("ip %s, want 192.0.2.44", ip)
	}
}

func TestLookupGatewayIPUnknownIdentity(t *testing.T) {
	client := serveGateways(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"gateways": []json.RawMessage{}})
	})

	if _, err := client.LookupGatewayIP(context.Background(), testIdentity(9)); err == nil {
		t.Fatal("unknown identity succeeded")
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Fatal("client without any API URL accepted")
	}
}
