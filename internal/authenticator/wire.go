package authenticator

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"

	"mixnet-two-hop-vpn/internal/mixnet"
	"mixnet-two-hop-vpn/internal/wg"
)

// ProtocolVersion is the authenticator wire protocol version spoken by this
// client. Replies carrying any other version are rejected.
const ProtocolVersion uint8 = 3

// Request tags.
const (
	tagRegister       uint8 = 1
	tagTopUp          uint8 = 2
	tagQueryBandwidth uint8 = 3
)

// Response tags.
const (
	tagRegistered         uint8 = 1
	tagRemainingBandwidth uint8 = 2
	tagRefused            uint8 = 3
)

// Request is a message from the client to a gateway authenticator.
type Request struct {
	Version uint8
	ID      uint64
	Kind    uint8

	// PubKey is the client's wg public key, present on every request.
	PubKey wg.PublicKey
	// ReplyTo is the client's own mixnet address.
	ReplyTo mixnet.Recipient
	// Credential is an opaque spendable ticket; empty when credentials
	// mode is off (register) or never (top-up).
	Credential []byte
	// Signature covers the encoding with an empty signature field.
	Signature []byte
}

// NewRegisterRequest enrolls a wg key with the gateway.
func NewRegisterRequest(id uint64, pubKey wg.PublicKey, replyTo mixnet.Recipient, credential []byte) Request {
	return Request{Version: ProtocolVersion, ID: id, Kind: tagRegister, PubKey: pubKey, ReplyTo: replyTo, Credential: credential}
}

// NewTopUpRequest spends a ticket to extend the peer's bandwidth allowance.
func NewTopUpRequest(id uint64, pubKey wg.PublicKey, replyTo mixnet.Recipient, credential []byte) Request {
	return Request{Version: ProtocolVersion, ID: id, Kind: tagTopUp, PubKey: pubKey, ReplyTo: replyTo, Credential: credential}
}

// NewQueryBandwidthRequest asks for the peer's remaining allowance.
func NewQueryBandwidthRequest(id uint64, pubKey wg.PublicKey, replyTo mixnet.Recipient) Request {
	return Request{Version: ProtocolVersion, ID: id, Kind: tagQueryBandwidth, PubKey: pubKey, ReplyTo: replyTo}
}

func writeBytes16(buf *bytes.Buffer, b []byte) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(b)))
	buf.Write(l[:])
	buf.Write(b)
}

func readBytes16(buf *bytes.Reader) ([]byte, error) {
	var l [2]byte
	if _, err := io.ReadFull(buf, l[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(l[:]))
	out := make([]byte, n)
	if _, err := io.ReadFull(buf, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SignableBytes returns the encoding with an empty signature field.
func (r Request) SignableBytes() []byte {
	unsigned := r
	unsigned.Signature = nil
	return unsigned.Encode()
}

// Encode serializes the request.
func (r Request) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(r.Version)
	buf.WriteByte(r.Kind)
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], r.ID)
	buf.Write(id[:])
	buf.Write(r.PubKey[:])
	buf.Write(r.ReplyTo.ClientID[:])
	buf.Write(r.ReplyTo.ClientEnc[:])
	buf.Write(r.ReplyTo.Gateway[:])
	writeBytes16(&buf, r.Credential)
	writeBytes16(&buf, r.Signature)
	return buf.Bytes()
}

// DecodeRequest parses a request. Used by tests and loopback fakes.
func DecodeRequest(data []byte) (Request, error) {
	if len(data) < 10 {
		return Request{}, fmt.Errorf("authenticator request too short: %d bytes", len(data))
	}
	r := Request{Version: data[0], Kind: data[1], ID: binary.BigEndian.Uint64(data[2:10])}
	buf := bytes.NewReader(data[10:])
	if _, err := buf.Read(r.PubKey[:]); err != nil {
		return r, err
	}
	for _, dst := range [][]byte{r.ReplyTo.ClientID[:], r.ReplyTo.ClientEnc[:], r.ReplyTo.Gateway[:]} {
		if _, err := buf.Read(dst); err != nil {
			return r, err
		}
	}
	var err error
	if r.Credential, err = readBytes16(buf); err != nil {
		return r, err
	}
	if r.Signature, err = readBytes16(buf); err != nil {
		return r, err
	}
	return r, nil
}

// Response is a message from a gateway authenticator to the client.
type Response struct {
	Version uint8
	ID      uint64
	Kind    uint8

	// Registration data.
	PeerPublicKey wg.PublicKey
	PrivateIPv4   netip.Addr
	WgPort        uint16

	// RemainingBandwidth after a top-up or query, in bytes. A query for an
	// unknown peer reports Known=false.
	RemainingBandwidth int64
	Known              bool

	// Reason of a refusal.
	Reason string
}

// NewRegisteredResponse builds a successful registration reply.
func NewRegisteredResponse(id uint64, peerKey wg.PublicKey, privateIPv4 netip.Addr, wgPort uint16) Response {
	return Response{Version: ProtocolVersion, ID: id, Kind: tagRegistered, PeerPublicKey: peerKey, PrivateIPv4: privateIPv4, WgPort: wgPort, Known: true}
}

// NewRemainingBandwidthResponse builds a bandwidth reply.
func NewRemainingBandwidthResponse(id uint64, remaining int64, known bool) Response {
	return Response{Version: ProtocolVersion, ID: id, Kind: tagRemainingBandwidth, RemainingBandwidth: remaining, Known: known}
}

// NewRefusedResponse builds a refusal with a reason.
func NewRefusedResponse(id uint64, reason string) Response {
	return Response{Version: ProtocolVersion, ID: id, Kind: tagRefused, Reason: reason}
}

// IsRegistered reports a successful registration reply.
func (r Response) IsRegistered() bool { return r.Kind == tagRegistered }

// IsRemainingBandwidth reports a bandwidth reply.
func (r Response) IsRemainingBandwidth() bool { return r.Kind == tagRemainingBandwidth }

// IsRefused reports a refusal.
func (r Response) IsRefused() bool { return r.Kind == tagRefused }

// Encode serializes the response. Used by tests and loopback fakes.
func (r Response) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(r.Version)
	buf.WriteByte(r.Kind)
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], r.ID)
	buf.Write(id[:])

	switch r.Kind {
	case tagRegistered:
		buf.Write(r.PeerPublicKey[:])
		v4 := r.PrivateIPv4.As4()
		buf.Write(v4[:])
		var port [2]byte
		binary.BigEndian.PutUint16(port[:], r.WgPort)
		buf.Write(port[:])
	case tagRemainingBandwidth:
		if r.Known {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		var rem [8]byte
		binary.BigEndian.PutUint64(rem[:], uint64(r.RemainingBandwidth))
		buf.Write(rem[:])
	case tagRefused:
		writeBytes16(&buf, []byte(r.Reason))
	}
	return buf.Bytes()
}

// DecodeResponse parses a response message.
func DecodeResponse(data []byte) (Response, error) {
	if len(data) < 10 {
		return Response{}, &MalformedReplyError{Detail: fmt.Sprintf("response too short: %d bytes", len(data))}
	}
	r := Response{Version: data[0], Kind: data[1], ID: binary.BigEndian.Uint64(data[2:10])}
	if r.Version != ProtocolVersion {
		return r, &WrongVersionError{Expected: ProtocolVersion, Received: r.Version}
	}
	buf := bytes.NewReader(data[10:])

	switch r.Kind {
	case tagRegistered:
		if _, err := buf.Read(r.PeerPublicKey[:]); err != nil {
			return r, &MalformedReplyError{Detail: "truncated peer key"}
		}
		var v4 [4]byte
		if _, err := buf.Read(v4[:]); err != nil {
			return r, &MalformedReplyError{Detail: "truncated private ip"}
		}
		r.PrivateIPv4 = netip.AddrFrom4(v4)
		var port [2]byte
		if _, err := buf.Read(port[:]); err != nil {
			return r, &MalformedReplyError{Detail: "truncated wg port"}
		}
		r.WgPort = binary.BigEndian.Uint16(port[:])
		r.Known = true
	case tagRemainingBandwidth:
		known, err := buf.ReadByte()
		if err != nil {
			return r, &MalformedReplyError{Detail: "truncated bandwidth flag"}
		}
		r.Known = known == 1
		var rem [8]byte
		if _, err := buf.Read(rem[:]); err != nil {
			return r, &MalformedReplyError{Detail: "truncated bandwidth value"}
		}
		r.RemainingBandwidth = int64(binary.BigEndian.Uint64(rem[:]))
	case tagRefused:
		reason, err := readBytes16(buf)
		if err != nil {
			return r, &MalformedReplyError{Detail: "truncated refusal reason"}
		}
		r.Reason = string(reason)
	default:
		return r, &MalformedReplyError{Detail: fmt.Sprintf("unknown response tag %d", r.Kind)}
	}
	return r, nil
}
