package lon

import (
	"testing"
)

func TestOutboundRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{
			"group acked",
			Message{
				Code:    0x3D,
				Service: ServiceAcked,
				Repeats: 2,
				Dest:    Destination{Type: DestGroup, Group: 17},
				Data:    []byte{1, 2, 3},
			},
		},
		{
			"subnet node authenticated",
			Message{
				Code:          0x10,
				Service:       ServiceRequest,
				Authenticated: true,
				Dest:          Destination{Type: DestSubnetNode, Subnet: 4, Node: 9},
			},
		},
		{
			"broadcast priority",
			Message{
				Code:     0x7F,
				Service:  ServiceUnacked,
				Priority: true,
				Dest:     Destination{Type: DestBroadcast, Subnet: 0},
				Data:     []byte{0xAA},
			},
		},
		{
			"neuron id",
			Message{
				Code:    0x3D,
				Service: ServiceUnackedRepeat,
				Repeats: 3,
				Dest: Destination{
					Type:     DestNeuronID,
					Subnet:   1,
					NeuronID: [6]byte{1, 2, 3, 4, 5, 6},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pdu, err := EncodeOutbound(tt.msg)
			if err != nil {
				t.Fatalf("EncodeOutbound: %v", err)
			}
			got, err := DecodeOutbound(pdu)
			if err != nil {
				t.Fatalf("DecodeOutbound: %v", err)
			}
			if got.Code != tt.msg.Code || got.Service != tt.msg.Service ||
				got.Authenticated != tt.msg.Authenticated || got.Priority != tt.msg.Priority ||
				got.Repeats != tt.msg.Repeats || got.Dest != tt.msg.Dest {
				t.Errorf("got %+v, want %+v", got, tt.msg)
			}
			if string(got.Data) != string(tt.msg.Data) {
				t.Errorf("data % x, want % x", got.Data, tt.msg.Data)
			}
		})
	}
}

func TestEncodeOutboundValidation(t *testing.T) {
	_, err := EncodeOutbound(Message{Service: ServiceRequest + 1})
	if !IsCode(err, ErrCodeInvalidParameter) {
		t.Errorf("bad service: %v", err)
	}
	_, err = EncodeOutbound(Message{Dest: Destination{Type: DestNeuronID + 1}})
	if !IsCode(err, ErrCodeInvalidParameter) {
		t.Errorf("bad dest type: %v", err)
	}
}

func TestInboundRoundTrip(t *testing.T) {
	in := InboundMessage{
		Code:         0x3D,
		Service:      ServiceUnackedRepeat,
		Priority:     true,
		SourceSubnet: 7,
		SourceNode:   33,
		Data:         []byte{9, 8, 7},
	}
	got, err := DecodeInbound(EncodeInbound(in))
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if got.Code != in.Code || got.Service != in.Service || got.Priority != in.Priority ||
		got.SourceSubnet != in.SourceSubnet || got.SourceNode != in.SourceNode {
		t.Errorf("got %+v, want %+v", got, in)
	}
	if string(got.Data) != string(in.Data) {
		t.Errorf("data % x", got.Data)
	}
}

func TestDecodeShortPdus(t *testing.T) {
	if _, err := DecodeOutbound([]byte{1, 2}); err == nil {
		t.Error("short outbound pdu accepted")
	}
	if _, err := DecodeInbound([]byte{1}); err == nil {
		t.Error("short inbound pdu accepted")
	}
}
