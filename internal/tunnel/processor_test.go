package tunnel

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"mixnet-two-hop-vpn/internal/authenticator"
	"mixnet-two-hop-vpn/internal/core"
	"mixnet-two-hop-vpn/internal/ipr"
	"mixnet-two-hop-vpn/internal/mixnet"
	"mixnet-two-hop-vpn/internal/monitor"
)

type streamTransport struct {
	addr mixnet.Recipient
	in   chan mixnet.ReconstructedMessage
}

func newStreamTransport() *streamTransport {
	return &streamTransport{in: make(chan mixnet.ReconstructedMessage, 16)}
}

func (s *streamTransport) Address() mixnet.Recipient                     { return s.addr }
func (s *streamTransport) Send(context.Context, mixnet.InputMessage) error { return nil }
func (s *streamTransport) Sign([]byte) []byte                            { return nil }
func (s *streamTransport) Messages() <-chan mixnet.ReconstructedMessage  { return s.in }
func (s *streamTransport) Disconnect(context.Context) error              { return nil }

type captureSink struct {
	mu      sync.Mutex
	packets [][]byte
}

func (c *captureSink) WritePacket(pkt []byte) error {
	c.mu.Lock()
	c.packets = append(c.packets, append([]byte(nil), pkt...))
	c.mu.Unlock()
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.packets)
}

func dataResponse(payload []byte) []byte {
	resp := ipr.Response{Version: ipr.ProtocolVersion, Kind: 3, Payload: ipr.BundleOnePacket(payload)}
	return resp.Encode()
}

func TestProcessorWritesDataToSink(t *testing.T) {
	st := newStreamTransport()
	shared := mixnet.NewSharedClient(st)
	sink := &captureSink{}
	tm := core.NewTaskManager("test")
	bus := core.NewEventBus()
	mon := monitor.NewMonitor(bus, tm.Subscribe("monitor"))

	ourIps := ipr.IpPair{V4: netip.MustParseAddr("10.1.0.2"), V6: netip.MustParseAddr("fd00::2")}
	proc := NewPacketProcessor(shared, sink, authenticator.NewMux(), monitor.NewClassifier(1, ourIps), mon, tm.Subscribe("processor"))
	go proc.Run()

	pkt := []byte{0x45, 0x00, 0x00, 0x14, 0xde, 0xad, 0xbe, 0xef}
	st.in <- mixnet.ReconstructedMessage{Payload: dataResponse(pkt)}

	deadline := time.Now().Add(time.Second)
	for sink.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("packet never reached the sink")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !bytes.Equal(sink.packets[0], pkt) {
		t.Fatalf("sink packet %x, want %x", sink.packets[0], pkt)
	}

	tm.SignalShutdown()
	if !tm.Wait(time.Second) {
		t.Fatal("processor did not exit on shutdown")
	}
}

func TestProcessorUnrequestedDisconnect(t *testing.T) {
	st := newStreamTransport()
	shared := mixnet.NewSharedClient(st)
	tm := core.NewTaskManager("test")

	proc := NewPacketProcessor(shared, nil, nil, monitor.Classifier{}, nil, tm.Subscribe("processor"))
	go proc.Run()

	resp := ipr.Response{Version: ipr.ProtocolVersion, Kind: 9, FailureReason: "gateway restarting"}
	st.in <- mixnet.ReconstructedMessage{Payload: resp.Encode()}

	deadline := time.Now().Add(time.Second)
	for !tm.IsShutdown() {
		if time.Now().After(deadline) {
			t.Fatal("unrequested disconnect did not trigger shutdown")
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case err := <-tm.Errors():
		var denied *ipr.DynamicConnectDeniedError
		if !errors.As(err, &denied) {
			t.Fatalf("surfaced error %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no error surfaced")
	}
	tm.Wait(time.Second)
}

// While the processor runs it holds the shared cell; Take only succeeds
// after shutdown, which is the disconnect ordering the state machine
// relies on.
func TestProcessorHoldsSharedCell(t *testing.T) {
	st := newStreamTransport()
	shared := mixnet.NewSharedClient(st)
	tm := core.NewTaskManager("test")

	proc := NewPacketProcessor(shared, nil, nil, monitor.Classifier{}, nil, tm.Subscribe("processor"))
	go proc.Run()

	// Give the processor time to acquire the cell.
	time.Sleep(20 * time.Millisecond)

	taken := make(chan struct{})
	go func() {
		if _, err := shared.Take(); err != nil {
			t.Errorf("Take: %v", err)
		}
		close(taken)
	}()

	select {
	case <-taken:
		t.Fatal("Take succeeded while the processor held the cell")
	case <-time.After(50 * time.Millisecond):
	}

	tm.SignalShutdown()
	select {
	case <-taken:
	case <-time.After(time.Second):
		t.Fatal("Take still blocked after processor shutdown")
	}
}
