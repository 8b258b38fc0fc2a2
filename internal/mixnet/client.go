package mixnet

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"mixnet-two-hop-vpn/internal/core"
)

// ErrClientGone is returned when the underlying client has been taken out
// of the shared cell, typically during disconnect.
var ErrClientGone = errors.New("mixnet client is no longer available")

// Transport is the underlying mixnet message client. The Sphinx transport
// itself is an external library; the core only depends on this surface.
type Transport interface {
	// Address returns the client's own mixnet address.
	Address() Recipient
	// Send enqueues a message. Messages sent from the same handle are
	// submitted to the mixnet in FIFO order.
	Send(ctx context.Context, msg InputMessage) error
	// Sign signs data with the client's ed25519 device key.
	Sign(data []byte) []byte
	// Messages returns the stream of reconstructed incoming messages.
	// There is a single consumer; the channel closes on disconnect.
	Messages() <-chan ReconstructedMessage
	// Disconnect shuts the client down and releases its gateway connection.
	Disconnect(ctx context.Context) error
}

// Sender is a lightweight cloneable handle used by long-running tasks to
// submit messages without going through the shared cell's mutex.
type Sender struct {
	t Transport
}

// NewSender wraps a transport in a send-only handle.
func NewSender(t Transport) Sender {
	return Sender{t: t}
}

// Send enqueues a message on the split sender.
func (s Sender) Send(ctx context.Context, msg InputMessage) error {
	return s.t.Send(ctx, msg)
}

// SharedClient is a cloneable handle around the mixnet client. The client
// sits in an optional cell behind a mutex so that the packet processor can
// hold it exclusively during steady state while the state machine can still
// take it out for the late disconnect.
type SharedClient struct {
	mu     *sync.Mutex
	client *Transport // nil inner value once taken
}

// NewSharedClient wraps a connected transport in a shared handle.
func NewSharedClient(t Transport) *SharedClient {
	return &SharedClient{mu: &sync.Mutex{}, client: &t}
}

// Address returns the client's own mixnet address.
func (s *SharedClient) Address() (Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return Recipient{}, ErrClientGone
	}
	return (*s.client).Address(), nil
}

// Send enqueues a regular message.
func (s *SharedClient) Send(ctx context.Context, msg InputMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return ErrClientGone
	}
	return (*s.client).Send(ctx, msg)
}

// Sign signs data with the device key.
func (s *SharedClient) Sign(data []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, ErrClientGone
	}
	return (*s.client).Sign(data), nil
}

// SplitSender returns a send-only handle that bypasses the cell mutex.
// Used by long-running tasks (beacon, bandwidth controller).
func (s *SharedClient) SplitSender() (Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return Sender{}, ErrClientGone
	}
	return Sender{t: *s.client}, nil
}

// WithLocked runs fn while holding the cell mutex, handing it the raw
// transport. Used for conversations that need exclusive use of the message
// stream, such as the IPR connect exchange.
func (s *SharedClient) WithLocked(fn func(Transport) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return ErrClientGone
	}
	return fn(*s.client)
}

// Take removes the client from the cell, transferring ownership to the
// caller. Subsequent operations on the handle fail with ErrClientGone.
func (s *SharedClient) Take() (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, ErrClientGone
	}
	t := *s.client
	s.client = nil
	return t, nil
}

// Replace puts a client back into the cell.
func (s *SharedClient) Replace(t Transport) {
	s.mu.Lock()
	s.client = &t
	s.mu.Unlock()
}

// SelfPing sends a message addressed to our own mixnet address and waits for
// it to come back, verifying the entry gateway return path. Holds the cell
// mutex for the duration so this handle is the unique stream consumer.
func (s *SharedClient) SelfPing(ctx context.Context, timeout time.Duration) error {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate ping nonce: %w", err)
	}

	return s.WithLocked(func(t Transport) error {
		self := t.Address()
		core.Log.Debugf("Mixnet", "Self-ping via entry gateway %s", self.GatewayID())

		if err := t.Send(ctx, NewRegular(self, nonce, LaneGeneral)); err != nil {
			return fmt.Errorf("send self-ping: %w", err)
		}

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return errors.New("timed out waiting for self-ping reply")
			case msg, ok := <-t.Messages():
				if !ok {
					return errors.New("mixnet message stream closed during self-ping")
				}
				if bytes.Equal(msg.Payload, nonce) {
					core.Log.Debugf("Mixnet", "Self-ping reply received")
					return nil
				}
				// Unrelated traffic while pinging is fine, keep waiting.
			}
		}
	})
}
