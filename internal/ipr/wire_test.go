package ipr

import (
	"errors"
	"net/netip"
	"testing"

	"mixnet-two-hop-vpn/internal/mixnet"
)

func testRecipient(seed byte) mixnet.Recipient {
	var r mixnet.Recipient
	for i := range r.ClientID {
		r.ClientID[i] = seed
		r.ClientEnc[i] = seed + 1
		r.Gateway[i] = seed + 2
	}
	return r
}

func testIps() IpPair {
	return IpPair{
		V4: netip.MustParseAddr("10.1.2.3"),
		V6: netip.MustParseAddr("fd00::3"),
	}
}

func TestStaticConnectRequestRoundTrip(t *testing.T) {
	req := NewStaticConnectRequest(42, testIps(), testRecipient(1))
	req.Signature = []byte("sig")

	decoded, err := DecodeRequest(req.Encode())
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if decoded.Version != ProtocolVersion || decoded.ID != 42 {
		t.Fatalf("header mismatch: %+v", decoded)
	}
	if decoded.Ips != testIps() {
		t.Fatalf("ips mismatch: %s", decoded.Ips)
	}
	if decoded.ReplyTo != testRecipient(1) {
		t.Fatal("reply_to mismatch")
	}
	if string(decoded.Signature) != "sig" {
		t.Fatalf("signature mismatch: %q", decoded.Signature)
	}
}

func TestDynamicConnectRequestRoundTrip(t *testing.T) {
	req := NewDynamicConnectRequest(7, testRecipient(9))
	decoded, err := DecodeRequest(req.Encode())
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if decoded.ID != 7 || decoded.ReplyTo != testRecipient(9) {
		t.Fatalf("decoded mismatch: %+v", decoded)
	}
}

func TestSignableBytesExcludeSignature(t *testing.T) {
	req := NewDynamicConnectRequest(1, testRecipient(2))
	unsigned := req.SignableBytes()
	req.Signature = []byte("device-signature")
	if string(unsigned) == string(req.Encode()) {
		t.Fatal("signable bytes should differ from the signed encoding")
	}
	if string(unsigned) != string(req.SignableBytes()) {
		t.Fatal("signable bytes changed after signing")
	}
}

func TestResponseRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		resp Response
	}{
		{"static success", Response{Version: ProtocolVersion, ID: 1, Kind: tagStaticConnectResponse, ReplyTo: testRecipient(1), Success: true}},
		{"static failure", Response{Version: ProtocolVersion, ID: 2, Kind: tagStaticConnectResponse, ReplyTo: testRecipient(1), FailureReason: "ip in use"}},
		{"dynamic success", Response{Version: ProtocolVersion, ID: 3, Kind: tagDynamicConnectResponse, ReplyTo: testRecipient(1), Success: true, Ips: testIps()}},
		{"dynamic failure", Response{Version: ProtocolVersion, ID: 4, Kind: tagDynamicConnectResponse, ReplyTo: testRecipient(1), FailureReason: "no addresses left"}},
		{"pong", Response{Version: ProtocolVersion, ID: 5, Kind: tagPong}},
		{"health", Response{Version: ProtocolVersion, ID: 6, Kind: tagHealth}},
		{"info", Response{Version: ProtocolVersion, ID: 7, Kind: tagInfo, Level: InfoLevelWarn, Info: "slow lane"}},
		{"unrequested disconnect", Response{Version: ProtocolVersion, ID: 8, Kind: tagUnrequestedDisconnect, FailureReason: "gateway restarting"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decoded, err := DecodeResponse(tc.resp.Encode())
			if err != nil {
				t.Fatalf("DecodeResponse: %v", err)
			}
			if decoded.ID != tc.resp.ID || decoded.Kind != tc.resp.Kind {
				t.Fatalf("header mismatch: %+v", decoded)
			}
			if decoded.Success != tc.resp.Success || decoded.FailureReason != tc.resp.FailureReason {
				t.Fatalf("status mismatch: %+v", decoded)
			}
			if tc.resp.Success && tc.resp.Kind == tagDynamicConnectResponse && decoded.Ips != tc.resp.Ips {
				t.Fatalf("ips mismatch: %s", decoded.Ips)
			}
			if decoded.Info != tc.resp.Info {
				t.Fatalf("info mismatch: %q", decoded.Info)
			}
		})
	}
}

func TestDecodeResponseWrongVersion(t *testing.T) {
	resp := Response{Version: ProtocolVersion + 1, ID: 1, Kind: tagPong}
	_, err := DecodeResponse(resp.Encode())
	var wrongVersion *WrongVersionError
	if !errors.As(err, &wrongVersion) {
		t.Fatalf("expected WrongVersionError, got %v", err)
	}
	if wrongVersion.Expected != ProtocolVersion || wrongVersion.Received != ProtocolVersion+1 {
		t.Fatalf("version fields wrong: %+v", wrongVersion)
	}
}
