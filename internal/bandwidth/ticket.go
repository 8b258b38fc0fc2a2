package bandwidth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
)

// TicketType selects which ticketbook a ticket is drawn from.
type TicketType int

const (
	// TicketWireguardEntry pays for entry-hop bandwidth.
	TicketWireguardEntry TicketType = iota
	// TicketWireguardExit pays for exit-hop bandwidth.
	TicketWireguardExit
)

func (t TicketType) String() string {
	switch t {
	case TicketWireguardEntry:
		return "wireguard-entry"
	case TicketWireguardExit:
		return "wireguard-exit"
	default:
		return "unknown"
	}
}

// PreparedCredential is an opaque spendable ticket bound to a provider
// public key. Unlinkable to the account that bought the ticketbook.
type PreparedCredential struct {
	Data       []byte
	ProviderPK [32]byte
	Type       TicketType
}

// ErrNoTicketsLeft indicates an exhausted ticketbook.
var ErrNoTicketsLeft = errors.New("no tickets left in ticketbook")

// ExpiredTicketbookError indicates a ticketbook past its validity window.
// Top-up failures of this kind are promoted to out-of-bandwidth.
type ExpiredTicketbookError struct {
	Type TicketType
}

func (e *ExpiredTicketbookError) Error() string {
	return fmt.Sprintf("%s ticketbook has expired", e.Type)
}

// CredentialStore prepares spendable tickets from locally held ticketbooks.
// The zero-knowledge ticketbook machinery is an external concern; the core
// only draws tickets through this surface.
type CredentialStore interface {
	PrepareTicket(ctx context.Context, t TicketType, providerPK [32]byte, count int) (PreparedCredential, error)
}

// EphemeralStore is an in-memory credential store with a fixed number of
// tickets per type. Used when no persistent ticketbook storage is
// configured, and by tests.
type EphemeralStore struct {
	mu      sync.Mutex
	tickets map[TicketType]int
}

// NewEphemeralStore creates a store holding n tickets of each type.
func NewEphemeralStore(n int) *EphemeralStore {
	return &EphemeralStore{
		tickets: map[TicketType]int{
			TicketWireguardEntry: n,
			TicketWireguardExit:  n,
		},
	}
}

// PrepareTicket draws a ticket, decrementing the per-type count.
func (s *EphemeralStore) PrepareTicket(_ context.Context, t TicketType, providerPK [32]byte, count int) (PreparedCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tickets[t] < count {
		return PreparedCredential{}, ErrNoTicketsLeft
	}
	s.tickets[t] -= count

	data := make([]byte, 64)
	if _, err := rand.Read(data); err != nil {
		return PreparedCredential{}, fmt.Errorf("prepare ticket: %w", err)
	}
	return PreparedCredential{Data: data, ProviderPK: providerPK, Type: t}, nil
}

// Remaining returns the tickets left of a type.
func (s *EphemeralStore) Remaining(t TicketType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickets[t]
}
