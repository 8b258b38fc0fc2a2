package tunnel

import (
	"context"
	"errors"
	"io"

	"github.com/amnezia-vpn/amneziawg-go/tun"

	"mixnet-two-hop-vpn/internal/core"
	"mixnet-two-hop-vpn/internal/ipr"
	"mixnet-two-hop-vpn/internal/mixnet"
)

// deviceSink writes decoded IP packets to the platform tun device.
type deviceSink struct {
	dev tun.Device
}

func (s *deviceSink) WritePacket(pkt []byte) error {
	_, err := s.dev.Write([][]byte{pkt}, 0)
	return err
}

// TunPump reads outbound IP packets from the tun device, coalesces them
// into multi-IP bundles and ships them to the ip-packet-router. Only used
// in mixnet mode; in wireguard mode the wg engine owns the device.
type TunPump struct {
	dev        tun.Device
	sender     mixnet.Sender
	iprAddress mixnet.Recipient
	bundler    *ipr.Bundler
	shutdown   *core.TaskClient
}

// NewTunPump wires the outbound pump.
func NewTunPump(dev tun.Device, sender mixnet.Sender, iprAddress mixnet.Recipient, shutdown *core.TaskClient) *TunPump {
	p := &TunPump{
		dev:        dev,
		sender:     sender,
		iprAddress: iprAddress,
		shutdown:   shutdown,
	}
	p.bundler = ipr.NewBundler(p.flushBundle)
	return p
}

func (p *TunPump) flushBundle(bundle []byte) {
	payload := ipr.NewDataRequest(bundle).Encode()
	msg := mixnet.NewRegularWithHops(p.iprAddress, payload, mixnet.LaneGeneral, 0)
	if err := p.sender.Send(context.Background(), msg); err != nil {
		core.Log.Errorf("Processor", "Failed to send data bundle: %v", err)
	}
}

// Run reads from the device until shutdown or device close.
func (p *TunPump) Run() {
	defer p.shutdown.Finish()
	defer p.bundler.Close()

	batch := p.dev.BatchSize()
	bufs := make([][]byte, batch)
	sizes := make([]int, batch)
	for i := range bufs {
		bufs[i] = make([]byte, 65535)
	}

	for {
		select {
		case <-p.shutdown.Done():
			return
		default:
		}

		n, err := p.dev.Read(bufs, sizes, 0)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			select {
			case <-p.shutdown.Done():
				return
			default:
				core.Log.Warnf("Processor", "Tun read error: %v", err)
				return
			}
		}
		for i := 0; i < n; i++ {
			pkt := make([]byte, sizes[i])
			copy(pkt, bufs[i][:sizes[i]])
			p.bundler.Append(pkt)
		}
	}
}
