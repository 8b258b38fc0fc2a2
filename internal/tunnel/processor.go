package tunnel

import (
	"mixnet-two-hop-vpn/internal/authenticator"
	"mixnet-two-hop-vpn/internal/core"
	"mixnet-two-hop-vpn/internal/ipr"
	"mixnet-two-hop-vpn/internal/mixnet"
	"mixnet-two-hop-vpn/internal/monitor"
)

// TunSink receives decoded IP packets from the mixnet stream. In mixnet
// mode this is the platform tun device; in wireguard mode there is no sink
// and decoded data packets are dropped after classification.
type TunSink interface {
	WritePacket(pkt []byte) error
}

// PacketProcessor drains the shared mixnet message stream. It holds the
// shared client's cell for its entire run, which makes it the unique
// consumer during steady state; the state machine takes the client out
// only after the processor has exited on shutdown.
//
// Every message counts as proof the entry gateway still routes to us. Data
// responses are unbundled, classified against the beacon and written to
// the sink; authenticator replies go to the response mux.
type PacketProcessor struct {
	shared     *mixnet.SharedClient
	sink       TunSink
	mux        *authenticator.Mux
	classifier monitor.Classifier
	mon        *monitor.Monitor
	shutdown   *core.TaskClient
}

// NewPacketProcessor wires the processor. sink may be nil (wireguard mode).
func NewPacketProcessor(
	shared *mixnet.SharedClient,
	sink TunSink,
	mux *authenticator.Mux,
	classifier monitor.Classifier,
	mon *monitor.Monitor,
	shutdown *core.TaskClient,
) *PacketProcessor {
	return &PacketProcessor{
		shared:     shared,
		sink:       sink,
		mux:        mux,
		classifier: classifier,
		mon:        mon,
		shutdown:   shutdown,
	}
}

// Run processes messages until shutdown or stream close.
func (p *PacketProcessor) Run() {
	defer p.shutdown.Finish()

	err := p.shared.WithLocked(func(t mixnet.Transport) error {
		core.Log.Debugf("Processor", "Packet processor running")
		for {
			select {
			case <-p.shutdown.Done():
				core.Log.Debugf("Processor", "Packet processor received shutdown")
				return nil
			case msg, ok := <-t.Messages():
				if !ok {
					core.Log.Warnf("Processor", "Mixnet message stream closed")
					return nil
				}
				p.handleMessage(msg.Payload)
			}
		}
	})
	if err != nil {
		core.Log.Warnf("Processor", "Packet processor exited: %v", err)
	}
}

func (p *PacketProcessor) handleMessage(payload []byte) {
	if p.mon != nil {
		p.mon.ReportMixnetTraffic()
	}

	resp, err := ipr.DecodeResponse(payload)
	if err != nil {
		// Not an ip-packet-router message; maybe an authenticator reply.
		if p.mux != nil && p.mux.Dispatch(payload) {
			return
		}
		core.Log.Debugf("Processor", "Dropping undecodable mixnet message (%d bytes)", len(payload))
		return
	}

	switch {
	case resp.IsData():
		for _, pkt := range ipr.SplitBundle(resp.Payload) {
			if p.mon != nil {
				if reply := p.classifier.Classify(pkt); reply != monitor.ReplyNone {
					p.mon.ReportReply(reply)
					continue
				}
			}
			if p.sink != nil {
				if err := p.sink.WritePacket(pkt); err != nil {
					core.Log.Errorf("Processor", "Failed to write packet to tun: %v", err)
				}
			}
		}
	case resp.IsPong():
		core.Log.Debugf("Processor", "Pong from ip-packet-router")
	case resp.IsHealth():
		core.Log.Debugf("Processor", "Health beacon from ip-packet-router")
	case resp.IsInfo():
		switch resp.Level {
		case ipr.InfoLevelError:
			core.Log.Errorf("Processor", "Ip-packet-router: %s", resp.Info)
		case ipr.InfoLevelWarn:
			core.Log.Warnf("Processor", "Ip-packet-router: %s", resp.Info)
		default:
			core.Log.Infof("Processor", "Ip-packet-router: %s", resp.Info)
		}
	case resp.IsUnrequestedDisconnect():
		core.Log.Errorf("Processor", "Ip-packet-router disconnected us: %s", resp.FailureReason)
		p.shutdown.SendWeStopped(&ipr.DynamicConnectDeniedError{Reason: resp.FailureReason})
	default:
		core.Log.Debugf("Processor", "Ignoring ip-packet-router response kind %d", resp.Kind)
	}
}
