package ipr

import (
	"context"
	"errors"
	"testing"

	"mixnet-two-hop-vpn/internal/mixnet"
)

// fakeTransport answers connect requests according to respond.
type fakeTransport struct {
	addr    mixnet.Recipient
	in      chan mixnet.ReconstructedMessage
	respond func(req Request) []Response
}

func newFakeTransport(respond func(req Request) []Response) *fakeTransport {
	return &fakeTransport{
		addr:    testRecipient(50),
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

func (f *fakeTransport) Sign(data []byte) []byte { return []byte("test-signature") }

func (f *fakeTransport) Messages() <-chan mixnet.ReconstructedMessage { return f.in }

func (f *fakeTransport) Disconnect(context.Context) error {
	close(f.in)
	return nil
}

func TestConnectDynamicSuccess(t *testing.T) {
	assigned := testIps()
	var sawSignature bool
	ft := newFakeTransport(func(req Request) []Response {
		if len(req.Signature) > 0 {
			sawSignature = true
		}
		return []Response{{
			Version: ProtocolVersion,
			ID:      req.ID,
			Kind:    tagDynamicConnectResponse,
			ReplyTo: req.ReplyTo,
			Success: true,
			Ips:     assigned,
		}}
	})

	client := NewClient(mixnet.NewSharedClient(ft))
	ips, err := client.Connect(context.Background(), testRecipient(60), nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ips != assigned {
		t.Fatalf("got ips %s, want %s", ips, assigned)
	}
	if !sawSignature {
		t.Fatal("connect request was not signed")
	}
}

func TestConnectStaticDenied(t *testing.T) {
	ft := newFakeTransport(func(req Request) []Response {
		return []Response{{
			Version:       ProtocolVersion,
			ID:            req.ID,
			Kind:          tagStaticConnectResponse,
			ReplyTo:       req.ReplyTo,
			FailureReason: "ip in use",
		}}
	})

	client := NewClient(mixnet.NewSharedClient(ft))
	ips := testIps()
	_, err := client.Connect(context.Background(), testRecipient(60), &ips)

	var denied *StaticConnectDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected StaticConnectDeniedError, got %v", err)
	}
	if denied.Reason != "ip in use" {
		t.Fatalf("reason %q, want %q", denied.Reason, "ip in use")
	}
}

func TestConnectReplyForWrongAddress(t *testing.T) {
	ft := newFakeTransport(func(req Request) []Response {
		return []Response{{
			Version: ProtocolVersion,
			ID:      req.ID,
			Kind:    tagDynamicConnectResponse,
			ReplyTo: testRecipient(99), // not us
			Success: true,
			Ips:     testIps(),
		}}
	})

	client := NewClient(mixnet.NewSharedClient(ft))
	_, err := client.Connect(context.Background(), testRecipient(60), nil)
	if !errors.Is(err, ErrGotReplyIntendedForWrongAddress) {
		t.Fatalf("expected ErrGotReplyIntendedForWrongAddress, got %v", err)
	}
}

func TestConnectUnexpectedResponseKind(t *testing.T) {
	// A static reply to a dynamic request is a protocol violation.
	ft := newFakeTransport(func(req Request) []Response {
		return []Response{{
			Version: ProtocolVersion,
			ID:      req.ID,
			Kind:    tagStaticConnectResponse,
			ReplyTo: req.ReplyTo,
			Success: true,
		}}
	})

	client := NewClient(mixnet.NewSharedClient(ft))
	_, err := client.Connect(context.Background(), testRecipient(60), nil)
	if !errors.Is(err, ErrUnexpectedConnectResponse) {
		t.Fatalf("expected ErrUnexpectedConnectResponse, got %v", err)
	}
}

func TestConnectSkipsInterleavedMessages(t *testing.T) {
	ft := newFakeTransport(func(req Request) []Response {
		return []Response{
			{Version: ProtocolVersion, ID: req.ID + 1, Kind: tagPong},
			{Version: ProtocolVersion, ID: req.ID, Kind: tagDynamicConnectResponse, ReplyTo: req.ReplyTo, Success: true, Ips: testIps()},
		}
	})

	client := NewClient(mixnet.NewSharedClient(ft))
	ips, err := client.Connect(context.Background(), testRecipient(60), nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ips != testIps() {
		t.Fatalf("got ips %s", ips)
	}
}

func TestConnectAlreadyConnected(t *testing.T) {
	ft := newFakeTransport(func(req Request) []Response {
		return []Response{{
			Version: ProtocolVersion, ID: req.ID, Kind: tagDynamicConnectResponse,
			ReplyTo: req.ReplyTo, Success: true, Ips: testIps(),
		}}
	})

	client := NewClient(mixnet.NewSharedClient(ft))
	if _, err := client.Connect(context.Background(), testRecipient(60), nil); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if _, err := client.Connect(context.Background(), testRecipient(60), nil); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestConnectCancelled(t *testing.T) {
	// No response at all; the caller's context expires first.
	ft := newFakeTransport(nil)
	client := NewClient(mixnet.NewSharedClient(ft))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Connect(ctx, testRecipient(60), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
