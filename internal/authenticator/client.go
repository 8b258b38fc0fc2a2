package authenticator

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"mixnet-two-hop-vpn/internal/core"
	"mixnet-two-hop-vpn/internal/mixnet"
	"mixnet-two-hop-vpn/internal/wg"
)

// registerResponseTimeout bounds the registration conversation.
const registerResponseTimeout = 10 * time.Second

// lightResponseTimeout bounds top-up and bandwidth queries, which are
// answered through the response mux instead of the raw stream.
const lightResponseTimeout = 15 * time.Second

// GatewayData is the authenticated wg peering material for one hop.
type GatewayData struct {
	// GatewayID is the base58 gateway identity.
	GatewayID string
	// Endpoint is the resolved remote wg endpoint.
	Endpoint netip.AddrPort
	// PeerPublicKey is the gateway's wg public key.
	PeerPublicKey wg.PublicKey
	// PrivateIPv4 is the client address assigned inside the gateway subnet.
	PrivateIPv4 netip.Addr
}

// Mux routes authenticator responses arriving on the shared message stream
// to the requests awaiting them. The packet processor feeds it every
// message that decodes as an authenticator response.
type Mux struct {
	mu      sync.Mutex
	pending map[uint64]chan Response
}

// NewMux creates an empty response mux.
func NewMux() *Mux {
	return &Mux{pending: make(map[uint64]chan Response)}
}

// Expect registers interest in the response with the given id.
func (m *Mux) Expect(id uint64) <-chan Response {
	ch := make(chan Response, 1)
	m.mu.Lock()
	m.pending[id] = ch
	m.mu.Unlock()
	return ch
}

// Cancel drops interest in a response id.
func (m *Mux) Cancel(id uint64) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// Dispatch attempts to decode the payload as an authenticator response and
// deliver it. Reports whether the payload was consumed.
func (m *Mux) Dispatch(payload []byte) bool {
	resp, err := DecodeResponse(payload)
	if err != nil {
		return false
	}
	m.mu.Lock()
	ch, ok := m.pending[resp.ID]
	if ok {
		delete(m.pending, resp.ID)
	}
	m.mu.Unlock()
	if ok {
		ch <- resp
	}
	return ok
}

// Client registers a locally generated wg key with one gateway's
// authenticator and hands out light clients for the periodic exchanges.
type Client struct {
	shared      *mixnet.SharedClient
	authAddress mixnet.Recipient
	keypair     wg.PrivateKey
	mux         *Mux
}

// NewClient creates a client for one gateway authenticator, generating a
// fresh wg keypair for the hop.
func NewClient(shared *mixnet.SharedClient, authAddress mixnet.Recipient, mux *Mux) (*Client, error) {
	keypair, err := wg.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &Client{
		shared:      shared,
		authAddress: authAddress,
		keypair:     keypair,
		mux:         mux,
	}, nil
}

// AuthAddress returns the gateway authenticator's mixnet address.
func (c *Client) AuthAddress() mixnet.Recipient { return c.authAddress }

// GatewayID returns the base58 identity of the authenticator's gateway.
func (c *Client) GatewayID() string { return c.authAddress.GatewayID() }

// PrivateKey returns the client keypair for the hop.
func (c *Client) PrivateKey() wg.PrivateKey { return c.keypair }

// PublicKey returns the client's wg public key for the hop.
func (c *Client) PublicKey() wg.PublicKey { return c.keypair.Public() }

func newRequestID() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint64(b[:])
}

// Register enrolls the client key with the gateway, optionally presenting a
// credential, and returns the peering data. gatewayHost is the gateway IP
// from the directory; the wg port arrives in the reply.
//
// The conversation holds the shared-client mutex so it is the unique stream
// consumer while waiting, mirroring the ip-packet-router connect exchange.
func (c *Client) Register(ctx context.Context, gatewayHost net.IP, credential []byte) (GatewayData, error) {
	var data GatewayData
	err := c.shared.WithLocked(func(t mixnet.Transport) error {
		self := t.Address()
		requestID := newRequestID()

		request := NewRegisterRequest(requestID, c.PublicKey(), self, credential)
		request.Signature = t.Sign(request.SignableBytes())

		core.Log.Infof("Auth", "Registering wg key with gateway %s", c.GatewayID())
		msg := mixnet.NewRegular(c.authAddress, request.Encode(), mixnet.LaneGeneral)
		if err := t.Send(ctx, msg); err != nil {
			return fmt.Errorf("send register request: %w", err)
		}

		resp, err := awaitResponse(ctx, t, requestID, registerResponseTimeout)
		if err != nil {
			return err
		}
		switch {
		case resp.IsRegistered():
			if !resp.PrivateIPv4.Is4() || resp.WgPort == 0 {
				return ErrRegistrationDataVerification
			}
			host, ok := netip.AddrFromSlice(gatewayHost)
			if !ok {
				return fmt.Errorf("invalid gateway host %v", gatewayHost)
			}
			data = GatewayData{
				GatewayID:     c.GatewayID(),
				Endpoint:      netip.AddrPortFrom(host.Unmap(), resp.WgPort),
				PeerPublicKey: resp.PeerPublicKey,
				PrivateIPv4:   resp.PrivateIPv4,
			}
			return nil
		case resp.IsRefused():
			return &NotPossibleError{Reason: resp.Reason}
		default:
			return ErrInvalidResponse
		}
	})
	if err != nil {
		return GatewayData{}, err
	}
	core.Log.Debugf("Auth", "Received wg gateway data: endpoint=%s ip=%s", data.Endpoint, data.PrivateIPv4)
	return data, nil
}

// awaitResponse drains the stream until the reply with the given id shows
// up or the deadline fires. Unrelated messages are skipped.
func awaitResponse(ctx context.Context, t mixnet.Transport, requestID uint64, timeout time.Duration) (Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-timer.C:
			return Response{}, ErrConnectTimeout
		case msg, ok := <-t.Messages():
			if !ok {
				return Response{}, errors.New("mixnet message stream closed during authenticator exchange")
			}
			resp, err := DecodeResponse(msg.Payload)
			if err != nil {
				var wrongVersion *WrongVersionError
				if errors.As(err, &wrongVersion) {
					return Response{}, err
				}
				continue
			}
			if resp.ID != requestID {
				continue
			}
			return resp, nil
		}
	}
}

// LightClient carries the periodic top-up and bandwidth exchanges over a
// split sender, with responses routed through the mux.
type LightClient struct {
	sender      mixnet.Sender
	self        mixnet.Recipient
	authAddress mixnet.Recipient
	pubKey      wg.PublicKey
	mux         *Mux
}

// LightClient derives the long-running exchange handle.
func (c *Client) LightClient() (*LightClient, error) {
	sender, err := c.shared.SplitSender()
	if err != nil {
		return nil, err
	}
	self, err := c.shared.Address()
	if err != nil {
		return nil, err
	}
	return &LightClient{
		sender:      sender,
		self:        self,
		authAddress: c.authAddress,
		pubKey:      c.PublicKey(),
		mux:         c.mux,
	}, nil
}

// AuthAddress returns the gateway authenticator's mixnet address.
func (lc *LightClient) AuthAddress() mixnet.Recipient { return lc.authAddress }

// GatewayID returns the base58 identity of the authenticator's gateway.
func (lc *LightClient) GatewayID() string { return lc.authAddress.GatewayID() }

func (lc *LightClient) roundTrip(ctx context.Context, request Request) (Response, error) {
	respCh := lc.mux.Expect(request.ID)
	defer lc.mux.Cancel(request.ID)

	msg := mixnet.NewRegular(lc.authAddress, request.Encode(), mixnet.LaneGeneral)
	if err := lc.sender.Send(ctx, msg); err != nil {
		return Response{}, fmt.Errorf("send authenticator request: %w", err)
	}

	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-time.After(lightResponseTimeout):
		return Response{}, ErrConnectTimeout
	case resp := <-respCh:
		return resp, nil
	}
}

// QueryBandwidth returns the remaining allowance in bytes. known is false
// when the gateway does not recognize the peer.
func (lc *LightClient) QueryBandwidth(ctx context.Context) (remaining int64, known bool, err error) {
	resp, err := lc.roundTrip(ctx, NewQueryBandwidthRequest(newRequestID(), lc.pubKey, lc.self))
	if err != nil {
		return 0, false, err
	}
	if !resp.IsRemainingBandwidth() {
		return 0, false, ErrInvalidResponse
	}
	return resp.RemainingBandwidth, resp.Known, nil
}

// TopUp spends a credential and returns the new remaining allowance.
func (lc *LightClient) TopUp(ctx context.Context, credential []byte) (int64, error) {
	resp, err := lc.roundTrip(ctx, NewTopUpRequest(newRequestID(), lc.pubKey, lc.self, credential))
	if err != nil {
		return 0, err
	}
	switch {
	case resp.IsRemainingBandwidth():
		return resp.RemainingBandwidth, nil
	case resp.IsRefused():
		return 0, &NotPossibleError{Reason: resp.Reason}
	default:
		return 0, ErrInvalidResponse
	}
}
