package mixnet

// TransmissionLane prioritizes messages inside the mixnet client. Messages
// sent from the same sender handle on the same lane are submitted in FIFO
// order.
type TransmissionLane int

const (
	// LaneGeneral is the default lane for control and data messages.
	LaneGeneral TransmissionLane = iota
	// LaneRetransmission is reserved for client-internal retransmissions.
	LaneRetransmission
)

// InputMessage is a regular message enqueued into the mixnet.
type InputMessage struct {
	Recipient Recipient
	Payload   []byte
	Lane      TransmissionLane
	// Hops overrides the default mix hop count when non-nil. A value of 0
	// requests two-hop routing: entry and exit gateway only, no mix layer.
	Hops *int
}

// NewRegular builds an InputMessage with the default hop count.
func NewRegular(to Recipient, payload []byte, lane TransmissionLane) InputMessage {
	return InputMessage{Recipient: to, Payload: payload, Lane: lane}
}

// NewRegularWithHops builds an InputMessage with a custom hop count.
func NewRegularWithHops(to Recipient, payload []byte, lane TransmissionLane, hops int) InputMessage {
	return InputMessage{Recipient: to, Payload: payload, Lane: lane, Hops: &hops}
}

// ReconstructedMessage is a fully reassembled message received from the
// mixnet, after Sphinx unwrapping and fragment reassembly.
type ReconstructedMessage struct {
	Payload []byte
}
