package ipr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"

	"mixnet-two-hop-vpn/internal/mixnet"
)

// ProtocolVersion is the ip-packet-router wire protocol version spoken by
// this client. A response with any other version is rejected.
const ProtocolVersion uint8 = 7

// IpPair is the client-side address pair assigned inside the tunnel.
type IpPair struct {
	V4 netip.Addr
	V6 netip.Addr
}

func (p IpPair) String() string {
	return fmt.Sprintf("(%s, %s)", p.V4, p.V6)
}

// Request tags.
const (
	tagStaticConnect  uint8 = 1
	tagDynamicConnect uint8 = 2
	tagData           uint8 = 3
	tagDisconnect     uint8 = 4
	tagPing           uint8 = 5
)

// Response tags.
const (
	tagStaticConnectResponse  uint8 = 1
	tagDynamicConnectResponse uint8 = 2
	tagDataResponse           uint8 = 3
	tagDisconnectResponse     uint8 = 4
	tagPong                   uint8 = 6
	tagInfo                   uint8 = 7
	tagHealth                 uint8 = 8
	tagUnrequestedDisconnect  uint8 = 9
)

// Request is a message from the client to the ip-packet-router.
type Request struct {
	Version uint8
	ID      uint64
	Kind    uint8

	// Static connect.
	Ips IpPair
	// Static, dynamic and ping.
	ReplyTo mixnet.Recipient
	// Static and dynamic connect; covers the encoding with an empty
	// signature field.
	Signature []byte
	// Data payload: a multi-IP bundle.
	Payload []byte
}

// NewStaticConnectRequest builds a static connect request for the given ips.
func NewStaticConnectRequest(id uint64, ips IpPair, replyTo mixnet.Recipient) Request {
	return Request{Version: ProtocolVersion, ID: id, Kind: tagStaticConnect, Ips: ips, ReplyTo: replyTo}
}

// NewDynamicConnectRequest builds a dynamic connect request.
func NewDynamicConnectRequest(id uint64, replyTo mixnet.Recipient) Request {
	return Request{Version: ProtocolVersion, ID: id, Kind: tagDynamicConnect, ReplyTo: replyTo}
}

// NewDataRequest wraps a multi-IP bundle for the router.
func NewDataRequest(bundle []byte) Request {
	return Request{Version: ProtocolVersion, Kind: tagData, Payload: bundle}
}

// NewDisconnectRequest builds a disconnect notification.
func NewDisconnectRequest(id uint64) Request {
	return Request{Version: ProtocolVersion, ID: id, Kind: tagDisconnect}
}

// NewPingRequest builds a reachability probe.
func NewPingRequest(id uint64, replyTo mixnet.Recipient) Request {
	return Request{Version: ProtocolVersion, ID: id, Kind: tagPing, ReplyTo: replyTo}
}

func writeRecipient(buf *bytes.Buffer, r mixnet.Recipient) {
	buf.Write(r.ClientID[:])
	buf.Write(r.ClientEnc[:])
	buf.Write(r.Gateway[:])
}

func readRecipient(buf *bytes.Reader) (mixnet.Recipient, error) {
	var r mixnet.Recipient
	for _, dst := range [][]byte{r.ClientID[:], r.ClientEnc[:], r.Gateway[:]} {
		if _, err := buf.Read(dst); err != nil {
			return r, fmt.Errorf("truncated recipient: %w", err)
		}
	}
	return r, nil
}

func writeAddr4(buf *bytes.Buffer, a netip.Addr) {
	b := a.As4()
	buf.Write(b[:])
}

func writeAddr16(buf *bytes.Buffer, a netip.Addr) {
	b := a.As16()
	buf.Write(b[:])
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

// SignableBytes returns the request encoding with an empty signature field,
// which is the byte string the device key signs.
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

	switch r.Kind {
	case tagStaticConnect:
		writeAddr4(&buf, r.Ips.V4)
		writeAddr16(&buf, r.Ips.V6)
		writeRecipient(&buf, r.ReplyTo)
		writeBytes16(&buf, r.Signature)
	case tagDynamicConnect:
		writeRecipient(&buf, r.ReplyTo)
		writeBytes16(&buf, r.Signature)
	case tagData:
		buf.Write(r.Payload)
	case tagDisconnect:
	case tagPing:
		writeRecipient(&buf, r.ReplyTo)
	}
	return buf.Bytes()
}

// DecodeRequest parses a request message. Used by tests and the loopback
// fakes; the production client only encodes requests.
func DecodeRequest(data []byte) (Request, error) {
	if len(data) < 10 {
		return Request{}, fmt.Errorf("request too short: %d bytes", len(data))
	}
	r := Request{Version: data[0], Kind: data[1], ID: binary.BigEndian.Uint64(data[2:10])}
	buf := bytes.NewReader(data[10:])

	var err error
	switch r.Kind {
	case tagStaticConnect:
		var v4 [4]byte
		var v6 [16]byte
		if _, err = buf.Read(v4[:]); err != nil {
			return r, err
		}
		if _, err = buf.Read(v6[:]); err != nil {
			return r, err
		}
		r.Ips = IpPair{V4: netip.AddrFrom4(v4), V6: netip.AddrFrom16(v6)}
		if r.ReplyTo, err = readRecipient(buf); err != nil {
			return r, err
		}
		if r.Signature, err = readBytes16(buf); err != nil {
			return r, err
		}
	case tagDynamicConnect:
		if r.ReplyTo, err = readRecipient(buf); err != nil {
			return r, err
		}
		if r.Signature, err = readBytes16(buf); err != nil {
			return r, err
		}
	case tagData:
		r.Payload = data[10:]
	case tagDisconnect:
	case tagPing:
		if r.ReplyTo, err = readRecipient(buf); err != nil {
			return r, err
		}
	default:
		return r, fmt.Errorf("unknown request tag %d", r.Kind)
	}
	return r, nil
}

// InfoLevel grades Info responses from the router.
type InfoLevel uint8

const (
	InfoLevelInfo InfoLevel = iota
	InfoLevelWarn
	InfoLevelError
)

// Response is a message from the ip-packet-router to the client.
type Response struct {
	Version uint8
	ID      uint64
	Kind    uint8

	ReplyTo mixnet.Recipient
	// Success of a connect response.
	Success bool
	// FailureReason accompanies a failed connect or an unrequested
	// disconnect.
	FailureReason string
	// Ips of a successful dynamic connect.
	Ips IpPair
	// Packet data of a data response.
	Payload []byte
	// Info level and text.
	Level InfoLevel
	Info  string
}

// IsStaticConnect reports whether the response answers a static connect.
func (r Response) IsStaticConnect() bool { return r.Kind == tagStaticConnectResponse }

// IsDynamicConnect reports whether the response answers a dynamic connect.
func (r Response) IsDynamicConnect() bool { return r.Kind == tagDynamicConnectResponse }

// IsData reports whether the response carries tunnel packet data.
func (r Response) IsData() bool { return r.Kind == tagDataResponse }

// IsPong reports whether the response answers a ping.
func (r Response) IsPong() bool { return r.Kind == tagPong }

// IsHealth reports whether the response is a health beacon.
func (r Response) IsHealth() bool { return r.Kind == tagHealth }

// IsInfo reports whether the response is an informational message.
func (r Response) IsInfo() bool { return r.Kind == tagInfo }

// IsUnrequestedDisconnect reports a router-initiated disconnect.
func (r Response) IsUnrequestedDisconnect() bool { return r.Kind == tagUnrequestedDisconnect }

// Encode serializes the response. Used by tests and loopback fakes.
func (r Response) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(r.Version)
	buf.WriteByte(r.Kind)
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], r.ID)
	buf.Write(id[:])

	switch r.Kind {
	case tagStaticConnectResponse:
		writeRecipient(&buf, r.ReplyTo)
		if r.Success {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
			writeBytes16(&buf, []byte(r.FailureReason))
		}
	case tagDynamicConnectResponse:
		writeRecipient(&buf, r.ReplyTo)
		if r.Success {
			buf.WriteByte(1)
			writeAddr4(&buf, r.Ips.V4)
			writeAddr16(&buf, r.Ips.V6)
		} else {
			buf.WriteByte(0)
			writeBytes16(&buf, []byte(r.FailureReason))
		}
	case tagDataResponse:
		buf.Write(r.Payload)
	case tagInfo:
		buf.WriteByte(uint8(r.Level))
		writeBytes16(&buf, []byte(r.Info))
	case tagUnrequestedDisconnect:
		writeBytes16(&buf, []byte(r.FailureReason))
	case tagDisconnectResponse, tagPong, tagHealth:
	}
	return buf.Bytes()
}

// DecodeResponse parses a response message.
func DecodeResponse(data []byte) (Response, error) {
	if len(data) < 10 {
		return Response{}, fmt.Errorf("response too short: %d bytes", len(data))
	}
	r := Response{Version: data[0], Kind: data[1], ID: binary.BigEndian.Uint64(data[2:10])}
	if r.Version != ProtocolVersion {
		return r, &WrongVersionError{Expected: ProtocolVersion, Received: r.Version}
	}
	buf := bytes.NewReader(data[10:])

	var err error
	switch r.Kind {
	case tagStaticConnectResponse:
		if r.ReplyTo, err = readRecipient(buf); err != nil {
			return r, err
		}
		ok, err := buf.ReadByte()
		if err != nil {
			return r, err
		}
		r.Success = ok == 1
		if !r.Success {
			reason, err := readBytes16(buf)
			if err != nil {
				return r, err
			}
			r.FailureReason = string(reason)
		}
	case tagDynamicConnectResponse:
		if r.ReplyTo, err = readRecipient(buf); err != nil {
			return r, err
		}
		ok, err := buf.ReadByte()
		if err != nil {
			return r, err
		}
		r.Success = ok == 1
		if r.Success {
			var v4 [4]byte
			var v6 [16]byte
			if _, err = buf.Read(v4[:]); err != nil {
				return r, err
			}
			if _, err = buf.Read(v6[:]); err != nil {
				return r, err
			}
			r.Ips = IpPair{V4: netip.AddrFrom4(v4), V6: netip.AddrFrom16(v6)}
		} else {
			reason, err := readBytes16(buf)
			if err != nil {
				return r, err
			}
			r.FailureReason = string(reason)
		}
	case tagDataResponse:
		r.Payload = data[10:]
	case tagInfo:
		lvl, err := buf.ReadByte()
		if err != nil {
			return r, err
		}
		r.Level = InfoLevel(lvl)
		info, err := readBytes16(buf)
		if err != nil {
			return r, err
		}
		r.Info = string(info)
	case tagUnrequestedDisconnect:
		reason, err := readBytes16(buf)
		if err != nil {
			return r, err
		}
		r.FailureReason = string(reason)
	case tagDisconnectResponse, tagPong, tagHealth:
	default:
		return r, fmt.Errorf("unknown response tag %d", r.Kind)
	}
	return r, nil
}

// WrongVersionError reports a version mismatch on a router message.
type WrongVersionError struct {
	Expected uint8
	Received uint8
}

func (e *WrongVersionError) Error() string {
	return fmt.Sprintf("ip-packet-router protocol version mismatch: expected %d, received %d", e.Expected, e.Received)
}
