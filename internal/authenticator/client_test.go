package authenticator

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"

	"mixnet-two-hop-vpn/internal/mixnet"
	"mixnet-two-hop-vpn/internal/wg"
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

type fakeTransport struct {
	addr    mixnet.Recipient
	in      chan mixnet.ReconstructedMessage
	respond func(req Request) []Response
}

func newFakeTransport(respond func(req Request) []Response) *fakeTransport {
	return &fakeTransport{
		addr:    testRecipient(10),
		in:      make(chan mixnet.ReconstructedMessage, 16),
		respond: respond,
	}
}

func (f *fakeTransport) Address() mixnet.Recipient { return f.addr }

func (f *fakeTransport) Send(_ context.Context, msg mixnet.InputMessage) error {
	req, err := DecodeRequest(msg.Payload)
	if err != nil {
		return nil
	}
	if f.respond != nil {
		for _, resp := range f.respond(req) {
			f.in <- mixnet.ReconstructedMessage{Payload: resp.Encode()}
		}
	}
	return nil
}

func (f *fakeTransport) Sign([]byte) []byte { return []byte("device-sig") }

func (f *fakeTransport) Messages() <-chan mixnet.ReconstructedMessage { return f.in }

func (f *fakeTransport) Disconnect(context.Context) error {
	close(f.in)
	return nil
}

func TestRequestRoundTrip(t *testing.T) {
	priv, err := wg.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	req := NewRegisterRequest(99, priv.Public(), testRecipient(1), []byte("ticket"))
	req.Signature = []byte("sig")

	decoded, err := DecodeRequest(req.Encode())
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if decoded.ID != 99 || decoded.Kind != tagRegister {
		t.Fatalf("header mismatch: %+v", decoded)
	}
	if decoded.PubKey != priv.Public() || decoded.ReplyTo != testRecipient(1) {
		t.Fatal("key or reply_to mismatch")
	}
	if string(decoded.Credential) != "ticket" || string(decoded.Signature) != "sig" {
		t.Fatal("credential or signature mismatch")
	}
}

func TestResponseWrongVersion(t *testing.T) {
	resp := NewRemainingBandwidthResponse(1, 1000, true)
	resp.Version = ProtocolVersion + 2
	_, err := DecodeResponse(resp.Encode())

	var wrongVersion *WrongVersionError
	if !errors.As(err, &wrongVersion) {
		t.Fatalf("expected WrongVersionError, got %v", err)
	}
	if wrongVersion.Expected != ProtocolVersion || wrongVersion.Received != ProtocolVersion+2 {
		t.Fatalf("version fields: %+v", wrongVersion)
	}
}

func TestResponseMalformed(t *testing.T) {
	_, err := DecodeResponse([]byte{ProtocolVersion, tagRegistered, 0, 0, 0, 0, 0, 0, 0, 1, 0xff})
	var malformed *MalformedReplyError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedReplyError, got %v", err)
	}
}

func TestRegisterSuccess(t *testing.T) {
	gatewayKey, err := wg.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate gateway key: %v", err)
	}
	peerKey := gatewayKey.Public()
	assigned := netip.MustParseAddr("10.10.0.7")

	ft := newFakeTransport(func(req Request) []Response {
		if req.Kind != tagRegister {
			return nil
		}
		if len(req.Signature) == 0 {
			return []Response{NewRefusedResponse(req.ID, "unsigned request")}
		}
		return []Response{NewRegisteredResponse(req.ID, peerKey, assigned, 51820)}
	})

	client, err := NewClient(mixnet.NewSharedClient(ft), testRecipient(20), NewMux())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	data, err := client.Register(context.Background(), net.ParseIP("192.0.2.10"), nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if data.PeerPublicKey != peerKey {
		t.Fatal("peer key mismatch")
	}
	if data.PrivateIPv4 != assigned {
		t.Fatalf("assigned ip %s, want %s", data.PrivateIPv4, assigned)
	}
	if want := netip.MustParseAddrPort("192.0.2.10:51820"); data.Endpoint != want {
		t.Fatalf("endpoint %s, want %s", data.Endpoint, want)
	}
	if data.GatewayID != testRecipient(20).GatewayID() {
		t.Fatalf("gateway id %s", data.GatewayID)
	}
}

func TestRegisterRefused(t *testing.T) {
	ft := newFakeTransport(func(req Request) []Response {
		return []Response{NewRefusedResponse(req.ID, "no capacity")}
	})
	client, err := NewClient(mixnet.NewSharedClient(ft), testRecipient(20), NewMux())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.Register(context.Background(), net.ParseIP("192.0.2.10"), nil)
	var notPossible *NotPossibleError
	if !errors.As(err, &notPossible) {
		t.Fatalf("expected NotPossibleError, got %v", err)
	}
	if notPossible.Reason != "no capacity" {
		t.Fatalf("reason %q", notPossible.Reason)
	}
}

// The light client's responses arrive through the mux, fed by whatever task
// owns the message stream.
func TestLightClientThroughMux(t *testing.T) {
	mux := NewMux()
	ft := newFakeTransport(nil)
	ft.respond = func(req Request) []Response {
		switch req.Kind {
		case tagQueryBandwidth:
			return []Response{NewRemainingBandwidthResponse(req.ID, 123456, true)}
		case tagTopUp:
			return []Response{NewRemainingBandwidthResponse(req.ID, 999999, true)}
		default:
			return nil
		}
	}

	shared := mixnet.NewSharedClient(ft)
	client, err := NewClient(shared, testRecipient(20), mux)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	lc, err := client.LightClient()
	if err != nil {
		t.Fatalf("LightClient: %v", err)
	}

	// Pump the fake's inbound stream into the mux, as the packet processor
	// does in production.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ft.in {
			mux.Dispatch(msg.Payload)
		}
	}()

	remaining, known, err := lc.QueryBandwidth(context.Background())
	if err != nil {
		t.Fatalf("QueryBandwidth: %v", err)
	}
	if !known || remaining != 123456 {
		t.Fatalf("remaining=%d known=%v", remaining, known)
	}

	topped, err := lc.TopUp(context.Background(), []byte("ticket"))
	if err != nil {
		t.Fatalf("TopUp: %v", err)
	}
	if topped != 999999 {
		t.Fatalf("topped=%d", topped)
	}

	ft.Disconnect(context.Background())
	<-done
}
