package mixnet

import (
	"context"
	"errors"
	"testing"
	"time"
)

type echoTransport struct {
	addr Recipient
	in   chan ReconstructedMessage
	// echoSelf loops messages addressed to our own address back to the
	// inbound stream, as the mixnet does.
	echoSelf bool
	sent     []InputMessage
}

func newEchoTransport(echoSelf bool) *echoTransport {
	return &echoTransport{
		addr:     testRecipient(1),
		in:       make(chan ReconstructedMessage, 16),
		echoSelf: echoSelf,
	}
}

func (e *echoTransport) Address() Recipient { return e.addr }

func (e *echoTransport) Send(_ context.Context, msg InputMessage) error {
	e.sent = append(e.sent, msg)
	if e.echoSelf && msg.Recipient == e.addr {
		e.in <- ReconstructedMessage{Payload: msg.Payload}
	}
	return nil
}

func (e *echoTransport) Sign(data []byte) []byte { return append([]byte("signed:"), data...) }

func (e *echoTransport) Messages() <-chan ReconstructedMessage { return e.in }

func (e *echoTransport) Disconnect(context.Context) error {
	close(e.in)
	return nil
}

func TestSharedClientTakeAndReplace(t *testing.T) {
	et := newEchoTransport(false)
	shared := NewSharedClient(et)

	if _, err := shared.Address(); err != nil {
		t.Fatalf("Address: %v", err)
	}

	taken, err := shared.Take()
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if taken != Transport(et) {
		t.Fatal("Take returned a different transport")
	}

	// After Take every operation reports the client gone.
	if _, err := shared.Address(); !errors.Is(err, ErrClientGone) {
		t.Fatalf("Address after Take: %v", err)
	}
	if err := shared.Send(context.Background(), InputMessage{}); !errors.Is(err, ErrClientGone) {
		t.Fatalf("Send after Take: %v", err)
	}
	if _, err := shared.Take(); !errors.Is(err, ErrClientGone) {
		t.Fatalf("second Take: %v", err)
	}

	shared.Replace(taken)
	if _, err := shared.Address(); err != nil {
		t.Fatalf("Address after Replace: %v", err)
	}
}

func TestSelfPingRoundTrip(t *testing.T) {
	et := newEchoTransport(true)
	shared := NewSharedClient(et)

	if err := shared.SelfPing(context.Background(), time.Second); err != nil {
		t.Fatalf("SelfPing: %v", err)
	}
	if len(et.sent) != 1 || et.sent[0].Recipient != et.addr {
		t.Fatal("self-ping was not addressed to our own address")
	}
}

func TestSelfPingTimeout(t *testing.T) {
	et := newEchoTransport(false) // never echoes back
	shared := NewSharedClient(et)

	if err := shared.SelfPing(context.Background(), 30*time.Millisecond); err == nil {
		t.Fatal("self-ping without a return path succeeded")
	}
}

func TestSelfPingIgnoresUnrelatedTraffic(t *testing.T) {
	et := newEchoTransport(true)
	et.in <- ReconstructedMessage{Payload: []byte("noise before the ping reply")}
	shared := NewSharedClient(et)

	if err := shared.SelfPing(context.Background(), time.Second); err != nil {
		t.Fatalf("SelfPing with interleaved traffic: %v", err)
	}
}

func TestSplitSenderBypassesCell(t *testing.T) {
	et := newEchoTransport(false)
	shared := NewSharedClient(et)

	sender, err := shared.SplitSender()
	if err != nil {
		t.Fatalf("SplitSender: %v", err)
	}

	// Even with the client taken out, the split sender keeps working.
	if _, err := shared.Take(); err != nil {
		t.Fatalf("Take: %v", err)
	}
	if err := sender.Send(context.Background(), InputMessage{Recipient: testRecipient(2)}); err != nil {
		t.Fatalf("split send: %v", err)
	}
	if len(et.sent) != 1 {
		t.Fatal("split sender did not reach the transport")
	}
}
