package ipr

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"mixnet-two-hop-vpn/internal/core"
	"mixnet-two-hop-vpn/internal/mixnet"
)

// connectResponseTimeout is the hard deadline for the connect reply.
// Mixnet latency can exceed this under load; the exchange is single-shot
// with no silent retry.
const connectResponseTimeout = 5 * time.Second

// Connection states of the client.
type connectionState int

const (
	stateDisconnected connectionState = iota
	stateConnecting
	stateConnected
	stateDisconnecting
)

// Typed errors of the connect exchange.
var (
	ErrAlreadyConnected                 = errors.New("ip-packet-router client is already connected")
	ErrTimeoutWaitingForConnectResponse = errors.New("timed out waiting for connect response")
	ErrGotReplyIntendedForWrongAddress  = errors.New("got reply intended for wrong address")
	ErrUnexpectedConnectResponse        = errors.New("unexpected connect response")
	ErrNoMixnetMessagesReceived         = errors.New("mixnet message stream closed while waiting for connect response")
)

// StaticConnectDeniedError is the router's refusal of a static connect.
type StaticConnectDeniedError struct {
	Reason string
}

func (e *StaticConnectDeniedError) Error() string {
	return fmt.Sprintf("static connect request denied: %s", e.Reason)
}

// DynamicConnectDeniedError is the router's refusal of a dynamic connect.
type DynamicConnectDeniedError struct {
	Reason string
}

func (e *DynamicConnectDeniedError) Error() string {
	return fmt.Sprintf("dynamic connect request denied: %s", e.Reason)
}

// Client performs the connect/disconnect exchange with an exit gateway's
// ip-packet-router over the mixnet.
type Client struct {
	shared  *mixnet.SharedClient
	state   connectionState
	lastID  uint64
	router  mixnet.Recipient
}

// NewClient creates a disconnected client on the shared mixnet handle.
func NewClient(shared *mixnet.SharedClient) *Client {
	return &Client{shared: shared, state: stateDisconnected}
}

func newRequestID() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Falling back to a time-derived id keeps the exchange working;
		// uniqueness only needs to hold within one conversation.
		return uint64(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint64(b[:])
}

// Connect runs the connect exchange. With ips it sends a static request and
// expects the same pair back; with nil it sends a dynamic request and
// returns the assigned pair.
//
// The conversation holds the shared-client mutex for its entire duration.
// That is intentional: the connect exchange is synchronous from the mixnet
// client's perspective, and holding the cell makes this client the unique
// consumer of the message stream while it waits.
func (c *Client) Connect(ctx context.Context, routerAddress mixnet.Recipient, ips *IpPair) (IpPair, error) {
	if c.state != stateDisconnected {
		return IpPair{}, ErrAlreadyConnected
	}
	c.state = stateConnecting
	c.router = routerAddress

	core.Log.Debugf("IPR", "Sending connect request to %s", routerAddress.GatewayID())
	pair, err := c.connectInner(ctx, routerAddress, ips)
	if err != nil {
		c.state = stateDisconnected
		return IpPair{}, err
	}
	c.state = stateConnected
	core.Log.Infof("IPR", "Connected to ip-packet-router, ips=%s", pair)
	return pair, nil
}

func (c *Client) connectInner(ctx context.Context, routerAddress mixnet.Recipient, ips *IpPair) (IpPair, error) {
	var pair IpPair
	err := c.shared.WithLocked(func(t mixnet.Transport) error {
		self := t.Address()
		requestID := newRequestID()
		c.lastID = requestID

		var request Request
		if ips != nil {
			request = NewStaticConnectRequest(requestID, *ips, self)
		} else {
			request = NewDynamicConnectRequest(requestID, self)
		}
		request.Signature = t.Sign(request.SignableBytes())

		msg := mixnet.NewRegular(routerAddress, request.Encode(), mixnet.LaneGeneral)
		if err := t.Send(ctx, msg); err != nil {
			return fmt.Errorf("send connect request: %w", err)
		}

		got, err := c.listenForConnectResponse(ctx, t, requestID)
		if err != nil {
			return err
		}
		pair, err = c.handleConnectResponse(got, self, ips)
		return err
	})
	return pair, err
}

// listenForConnectResponse drains the message stream until the reply with
// our request id arrives or the timeout fires. Unrelated messages may
// interleave and are skipped.
func (c *Client) listenForConnectResponse(ctx context.Context, t mixnet.Transport, requestID uint64) (Response, error) {
	timer := time.NewTimer(connectResponseTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-timer.C:
			return Response{}, ErrTimeoutWaitingForConnectResponse
		case msg, ok := <-t.Messages():
			if !ok {
				return Response{}, ErrNoMixnetMessagesReceived
			}
			resp, err := DecodeResponse(msg.Payload)
			if err != nil {
				var wrongVersion *WrongVersionError
				if errors.As(err, &wrongVersion) {
					return Response{}, err
				}
				// Likely one of our self-pings or unrelated traffic.
				core.Log.Debugf("IPR", "Skipping undecodable message while waiting for connect response")
				continue
			}
			if resp.ID != requestID {
				core.Log.Debugf("IPR", "Skipping response with unrelated id %d", resp.ID)
				continue
			}
			return resp, nil
		}
	}
}

func (c *Client) handleConnectResponse(resp Response, self mixnet.Recipient, ips *IpPair) (IpPair, error) {
	switch {
	case resp.IsStaticConnect() && ips != nil:
		if resp.ReplyTo != self {
			return IpPair{}, ErrGotReplyIntendedForWrongAddress
		}
		if !resp.Success {
			return IpPair{}, &StaticConnectDeniedError{Reason: resp.FailureReason}
		}
		return *ips, nil
	case resp.IsDynamicConnect() && ips == nil:
		if resp.ReplyTo != self {
			return IpPair{}, ErrGotReplyIntendedForWrongAddress
		}
		if !resp.Success {
			return IpPair{}, &DynamicConnectDeniedError{Reason: resp.FailureReason}
		}
		return resp.Ips, nil
	default:
		core.Log.Errorf("IPR", "Unexpected connect response kind %d", resp.Kind)
		return IpPair{}, ErrUnexpectedConnectResponse
	}
}

// Disconnect notifies the router that the client is going away. Best
// effort: the router also times out idle clients.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.state != stateConnected {
		return nil
	}
	c.state = stateDisconnecting
	defer func() { c.state = stateDisconnected }()

	request := NewDisconnectRequest(newRequestID())
	msg := mixnet.NewRegular(c.router, request.Encode(), mixnet.LaneGeneral)
	if err := c.shared.Send(ctx, msg); err != nil {
		return fmt.Errorf("send disconnect request: %w", err)
	}
	return nil
}
