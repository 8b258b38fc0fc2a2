package mixnet

import (
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// Recipient is a full mixnet address: the client identity and encryption
// keys plus the identity of the gateway the client is registered with.
// The textual form is "<identity>.<encryption>@<gateway>", each part
// base58-encoded.
type Recipient struct {
	ClientID  [32]byte
	ClientEnc [32]byte
	Gateway   [32]byte
}

// ParseRecipient parses the textual recipient form.
func ParseRecipient(s string) (Recipient, error) {
	var r Recipient
	at := strings.IndexByte(s, '@')
	if at < 0 {
		return r, fmt.Errorf("recipient %q: missing gateway part", s)
	}
	client, gateway := s[:at], s[at+1:]

	dot := strings.IndexByte(client, '.')
	if dot < 0 {
		return r, fmt.Errorf("recipient %q: missing encryption key part", s)
	}

	if err := decodeKey(client[:dot], r.ClientID[:]); err != nil {
		return r, fmt.Errorf("recipient identity: %w", err)
	}
	if err := decodeKey(client[dot+1:], r.ClientEnc[:]); err != nil {
		return r, fmt.Errorf("recipient encryption key: %w", err)
	}
	if err := decodeKey(gateway, r.Gateway[:]); err != nil {
		return r, fmt.Errorf("recipient gateway: %w", err)
	}
	return r, nil
}

func decodeKey(s string, dst []byte) error {
	raw, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("invalid base58 %q: %w", s, err)
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("key %q: expected %d bytes, got %d", s, len(dst), len(raw))
	}
	copy(dst, raw)
	return nil
}

func (r Recipient) String() string {
	return fmt.Sprintf("%s.%s@%s",
		base58.Encode(r.ClientID[:]),
		base58.Encode(r.ClientEnc[:]),
		base58.Encode(r.Gateway[:]))
}

// GatewayID returns the base58 identity of the recipient's gateway.
func (r Recipient) GatewayID() string {
	return base58.Encode(r.Gateway[:])
}

// GatewayBytes returns the raw gateway identity key.
func (r Recipient) GatewayBytes() [32]byte {
	return r.Gateway
}

// IsZero reports whether the recipient is unset.
func (r Recipient) IsZero() bool {
	return r == Recipient{}
}
