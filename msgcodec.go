package lon

import "fmt"

// Host-side L2 PDU layout. Outbound PDUs carry the destination, inbound
// PDUs carry the decoded source:
//
//	outbound: {code, flags, repeats, dest[7], data...}
//	inbound:  {code, flags, srcSubnet, srcNode, data...}
//
// flags packs service (bits 0-1), authenticated (bit 2), priority (bit 3)
// and, outbound only, the destination type (bits 4-5).
const (
	outboundHeaderSize = 10
	inboundHeaderSize  = 4
	destFieldSize      = 7
)

// EncodeOutbound serializes a message into the PDU handed to the network
// interface.
func EncodeOutbound(m Message) ([]byte, error) {
	if m.Service > ServiceRequest {
		return nil, NewError("ENCODE_MSG", ErrCodeInvalidParameter, "unknown service type")
	}
	if m.Dest.Type > DestNeuronID {
		return nil, NewError("ENCODE_MSG", ErrCodeInvalidParameter, "unknown destination type")
	}

	flags := byte(m.Service) & 0x03
	if m.Authenticated {
		flags |= 0x04
	}
	if m.Priority {
		flags |= 0x08
	}
	flags |= byte(m.Dest.Type) << 4

	pdu := make([]byte, outboundHeaderSize, outboundHeaderSize+len(m.Data))
	pdu[0] = m.Code
	pdu[1] = flags
	pdu[2] = m.Repeats

	dest := pdu[3 : 3+destFieldSize]
	switch m.Dest.Type {
	case DestGroup:
		dest[0] = m.Dest.Group
	case DestSubnetNode:
		dest[0] = m.Dest.Subnet
		dest[1] = m.Dest.Node
	case DestBroadcast:
		dest[0] = m.Dest.Subnet
	case DestNeuronID:
		dest[0] = m.Dest.Subnet
		copy(dest[1:], m.Dest.NeuronID[:])
	}
	return append(pdu, m.Data...), nil
}

// DecodeOutbound parses an outbound PDU back into a message; the receive
// path of a loopback or test harness.
func DecodeOutbound(pdu []byte) (Message, error) {
	if len(pdu) < outboundHeaderSize {
		return Message{}, fmt.Errorf("lon: outbound pdu too short (%d)", len(pdu))
	}
	flags := pdu[1]
	m := Message{
		Code:          pdu[0],
		Service:       ServiceType(flags & 0x03),
		Authenticated: flags&0x04 != 0,
		Priority:      flags&0x08 != 0,
		Repeats:       pdu[2],
		Dest:          Destination{Type: DestinationType(flags >> 4 & 0x03)},
	}
	dest := pdu[3 : 3+destFieldSize]
	switch m.Dest.Type {
	case DestGroup:
		m.Dest.Group = dest[0]
	case DestSubnetNode:
		m.Dest.Subnet = dest[0]
		m.Dest.Node = dest[1]
	case DestBroadcast:
		m.Dest.Subnet = dest[0]
	case DestNeuronID:
		m.Dest.Subnet = dest[0]
		copy(m.Dest.NeuronID[:], dest[1:])
	}
	if len(pdu) > outboundHeaderSize {
		m.Data = append([]byte(nil), pdu[outboundHeaderSize:]...)
	}
	return m, nil
}

// EncodeInbound serializes a received message the way the network interface
// presents it to the host.
func EncodeInbound(m InboundMessage) []byte {
	flags := byte(m.Service) & 0x03
	if m.Priority {
		flags |= 0x08
	}
	pdu := make([]byte, inboundHeaderSize, inboundHeaderSize+len(m.Data))
	pdu[0] = m.Code
	pdu[1] = flags
	pdu[2] = m.SourceSubnet
	pdu[3] = m.SourceNode
	return append(pdu, m.Data...)
}

// DecodeInbound parses a received PDU.
func DecodeInbound(pdu []byte) (InboundMessage, error) {
	if len(pdu) < inboundHeaderSize {
		return InboundMessage{}, fmt.Errorf("lon: inbound pdu too short (%d)", len(pdu))
	}
	flags := pdu[1]
	m := InboundMessage{
		Code:         pdu[0],
		Service:      ServiceType(flags & 0x03),
		Priority:     flags&0x08 != 0,
		SourceSubnet: pdu[2],
		SourceNode:   pdu[3],
	}
	if len(pdu) > inboundHeaderSize {
		m.Data = append([]byte(nil), pdu[inboundHeaderSize:]...)
	}
	return m, nil
}
