package lon

import (
	"context"
	"testing"
	"time"

	"github.com/ehrlich-b/go-lon/internal/frame"
	"github.com/ehrlich-b/go-lon/internal/persist"
)

func newTestStack(t *testing.T) (*Stack, *MockTransport) {
	t.Helper()
	s := NewStack(ReadOnlyData{NeuronID: [6]byte{1, 2, 3, 4, 5, 6}}, nil)
	tr := NewMockTransport()
	if err := s.OpenInterface(InterfaceConfig{Index: 0, Transport: tr}); err != nil {
		t.Fatalf("OpenInterface: %v", err)
	}
	settleLink(s, tr)
	return s, tr
}

// settleLink completes unique-ID acquisition so inbound traffic is no
// longer filtered.
func settleLink(s *Stack, tr *MockTransport) {
	s.Poll() // dispatches the UID read-memory request

	tr.QueueRead(frame.EncodeCode(frame.ModelU50, frame.Code{Ack: true}))
	resp := make([]byte, 23)
	resp[0] = frame.NiResponseCmd
	resp[1] = 0x2D
	copy(resp[2:], []byte{1, 2, 3, 4, 5, 6})
	tr.QueueRead(frame.EncodeMessage(frame.ModelU50, 1, resp))
	s.Poll() // consume uid, queue + dispatch the layer mode command

	tr.QueueRead(frame.EncodeCode(frame.ModelU50, frame.Code{Ack: true}))
	s.Poll()
	tr.Writes()
}

// feedInbound frames a host PDU the way the network interface delivers it.
func feedInbound(tr *MockTransport, seq uint8, in InboundMessage) {
	l2 := frame.L2Frame{Cmd: frame.NiCommCmd, Data: EncodeInbound(in)}
	tr.QueueRead(frame.EncodeMessage(frame.ModelU50, seq, l2.Encode()))
}

func TestOpenInterfaceValidation(t *testing.T) {
	s := NewStack(ReadOnlyData{}, nil)

	err := s.OpenInterface(InterfaceConfig{Index: -1, Transport: NewMockTransport()})
	if err == nil {
		t.Fatal("negative index accepted")
	}

	tr := NewMockTransport()
	if err := s.OpenInterface(InterfaceConfig{Index: 0, Transport: tr}); err != nil {
		t.Fatalf("OpenInterface: %v", err)
	}
	if err := s.OpenInterface(InterfaceConfig{Index: 0, Transport: NewMockTransport()}); err == nil {
		t.Fatal("double open accepted")
	}

	if err := s.CloseInterface(0); err != nil {
		t.Fatalf("CloseInterface: %v", err)
	}
	if !tr.Closed() {
		t.Error("transport not closed")
	}
	if _, err := s.LinkStats(0); !IsCode(err, ErrCodeInvalidInterfaceID) {
		t.Errorf("stats after close: %v", err)
	}
}

func TestUIDAvailableAfterSettle(t *testing.T) {
	s, _ := newTestStack(t)
	uid, ok := s.InterfaceUID(0)
	if !ok {
		t.Fatal("uid not acquired")
	}
	if uid != ([6]byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("uid = % x", uid)
	}
}

func TestRouteDatapointUpdate(t *testing.T) {
	s, tr := newTestStack(t)

	// Bind datapoint 9 to selector 0x0142.
	if err := s.Tables().UpdateDpConfig(9, DpConfig{Selector: 0x0142, AddressIndex: 3}); err != nil {
		t.Fatalf("UpdateDpConfig: %v", err)
	}

	var gotIndex int
	var gotValue []byte
	s.RegisterDatapointHandler(func(dpIndex int, value []byte) {
		gotIndex = dpIndex
		gotValue = append([]byte(nil), value...)
	})

	feedInbound(tr, 2, InboundMessage{
		Code:    0x80 | 0x01, // selector high bits
		Service: ServiceUnackedRepeat,
		Data:    []byte{0x42, 0xAB, 0xCD}, // selector low byte, then value
	})
	s.Poll()

	if got := s.Metrics().Snapshot().InboundDatapoint; got != 1 {
		t.Fatalf("InboundDatapoint = %d", got)
	}
	if gotIndex != 9 {
		t.Errorf("dp index = %d, want 9", gotIndex)
	}
	if string(gotValue) != string([]byte{0xAB, 0xCD}) {
		t.Errorf("value = % x", gotValue)
	}
}

func TestRouteUnknownSelectorDropped(t *testing.T) {
	s, tr := newTestStack(t)

	feedInbound(tr, 2, InboundMessage{Code: 0x80, Data: []byte{0x42}})
	s.Poll()

	snap := s.Metrics().Snapshot()
	if snap.InboundDropped != 1 || snap.InboundDatapoint != 0 {
		t.Errorf("snapshot %+v", snap)
	}
}

func TestRouteIsiMessage(t *testing.T) {
	s, tr := newTestStack(t)

	var got []InboundMessage
	s.RegisterIsiDispatcher(func(in InboundMessage) { got = append(got, in) })

	feedInbound(tr, 2, InboundMessage{Code: IsiMessageCode, Data: []byte{0x00, 0x01}})
	s.Poll()

	if len(got) != 1 {
		t.Fatalf("isi dispatches = %d", len(got))
	}
	if got[0].Code != IsiMessageCode {
		t.Errorf("code = %#x", got[0].Code)
	}
	if s.Metrics().Snapshot().InboundIsi != 1 {
		t.Error("InboundIsi not counted")
	}
}

func TestRouteExplicitMessage(t *testing.T) {
	s, tr := newTestStack(t)

	var got []InboundMessage
	s.RegisterMessageHandler(func(in InboundMessage) { got = append(got, in) })

	feedInbound(tr, 2, InboundMessage{Code: 0x10, SourceSubnet: 3, SourceNode: 4, Data: []byte{1}})
	s.Poll()

	if len(got) != 1 {
		t.Fatalf("explicit dispatches = %d", len(got))
	}
	if got[0].SourceSubnet != 3 || got[0].SourceNode != 4 {
		t.Errorf("source = %d/%d", got[0].SourceSubnet, got[0].SourceNode)
	}
}

func TestDeregisterHandler(t *testing.T) {
	s, tr := newTestStack(t)

	calls := 0
	s.RegisterMessageHandler(func(InboundMessage) { calls++ })
	s.RegisterMessageHandler(nil)

	feedInbound(tr, 2, InboundMessage{Code: 0x10})
	s.Poll()

	if calls != 0 {
		t.Error("deregistered handler invoked")
	}
	if s.Metrics().Snapshot().InboundExplicit != 1 {
		t.Error("message should still be counted")
	}
}

func TestPanickingCallbackCounted(t *testing.T) {
	s, tr := newTestStack(t)
	s.RegisterMessageHandler(func(InboundMessage) { panic("app bug") })

	feedInbound(tr, 2, InboundMessage{Code: 0x10})
	s.Poll()

	if s.Metrics().Snapshot().CallbackFailures != 1 {
		t.Error("callback failure not counted")
	}
}

func TestSendEncodesOnWire(t *testing.T) {
	s, tr := newTestStack(t)

	msg := Message{
		Code:    0x22,
		Service: ServiceAcked,
		Repeats: 1,
		Dest:    Destination{Type: DestSubnetNode, Subnet: 3, Node: 7},
		Data:    []byte{0xCA, 0xFE},
	}
	if err := s.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	s.Poll()

	writes := tr.Writes()
	if len(writes) != 1 {
		t.Fatalf("%d writes", len(writes))
	}
	body, err := frame.Unstuff(writes[0][4:])
	if err != nil {
		t.Fatalf("Unstuff: %v", err)
	}
	payload := body[1 : len(body)-1] // strip length byte and checksum
	l2, err := frame.DecodeL2(payload)
	if err != nil {
		t.Fatalf("DecodeL2: %v", err)
	}
	if l2.Cmd != frame.NiCommCmd {
		t.Errorf("cmd = %#x", l2.Cmd)
	}
	got, err := DecodeOutbound(l2.Data)
	if err != nil {
		t.Fatalf("DecodeOutbound: %v", err)
	}
	if got.Code != msg.Code || got.Dest != msg.Dest {
		t.Errorf("got %+v", got)
	}
	if s.Metrics().Snapshot().OutboundMessages != 1 {
		t.Error("outbound not counted")
	}
}

func TestSendWithoutInterface(t *testing.T) {
	s := NewStack(ReadOnlyData{}, nil)
	err := s.Send(Message{Dest: Destination{Type: DestBroadcast}})
	if !IsCode(err, ErrCodeInvalidInterfaceID) {
		t.Errorf("err = %v", err)
	}
}

func TestSendServicePin(t *testing.T) {
	s, tr := newTestStack(t)

	if err := s.SendServicePin(); err != nil {
		t.Fatalf("SendServicePin: %v", err)
	}
	s.Poll()

	writes := tr.Writes()
	if len(writes) != 1 {
		t.Fatalf("%d writes", len(writes))
	}
	body, err := frame.Unstuff(writes[0][4:])
	if err != nil {
		t.Fatalf("Unstuff: %v", err)
	}
	l2, err := frame.DecodeL2(body[1 : len(body)-1])
	if err != nil {
		t.Fatalf("DecodeL2: %v", err)
	}
	got, err := DecodeOutbound(l2.Data)
	if err != nil {
		t.Fatalf("DecodeOutbound: %v", err)
	}
	if got.Code != ServicePinCode {
		t.Errorf("code = %#x", got.Code)
	}
	if got.Dest.Type != DestBroadcast {
		t.Errorf("dest = %+v", got.Dest)
	}
	// Body carries the neuron ID then the program ID.
	if string(got.Data[:6]) != string([]byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("neuron id = % x", got.Data[:6])
	}
}

// Spec scenario 5 at stack level: a corrupted node segment is classified
// and the tables revert to factory defaults.
func TestRestoreNodeCorruption(t *testing.T) {
	store := persist.NewMemStore()
	s := NewStack(ReadOnlyData{}, &Options{Store: store})

	if err := s.Tables().UpdateDomain(0, Domain{ID: [6]byte{0x55}, IDLength: 1, Subnet: 2, Node: 3}); err != nil {
		t.Fatalf("UpdateDomain: %v", err)
	}
	if err := s.PersistNode(0xABCD); err != nil {
		t.Fatalf("PersistNode: %v", err)
	}

	// Flip one body byte on the backing store.
	if !store.Corrupt(persist.SegmentNode, persist.HeaderSize+3) {
		t.Fatal("corrupt failed")
	}

	if res := s.RestoreNode(0xABCD); res != persist.Corruption {
		t.Fatalf("result = %v", res)
	}
	d, _ := s.Tables().QueryDomain(0)
	if !d.Invalid {
		t.Error("tables not reverted to factory")
	}
	if s.Metrics().Snapshot().DiagnosticEvents != 1 {
		t.Error("diagnostic event not counted")
	}
}

func TestPersistRestoreNodeRoundTrip(t *testing.T) {
	store := persist.NewMemStore()
	s := NewStack(ReadOnlyData{}, &Options{Store: store})

	want := Domain{ID: [6]byte{0x99}, IDLength: 1, Subnet: 8, Node: 12}
	if err := s.Tables().UpdateDomain(0, want); err != nil {
		t.Fatalf("UpdateDomain: %v", err)
	}
	if err := s.PersistNode(0xABCD); err != nil {
		t.Fatalf("PersistNode: %v", err)
	}

	s2 := NewStack(ReadOnlyData{}, &Options{Store: store})
	if res := s2.RestoreNode(0xABCD); res != persist.OK {
		t.Fatalf("result = %v", res)
	}
	d, _ := s2.Tables().QueryDomain(0)
	if d != want {
		t.Errorf("domain = %+v", d)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := NewStack(ReadOnlyData{}, &Options{TickInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestAddressDerivableIPFlag(t *testing.T) {
	s := NewStack(ReadOnlyData{}, nil)
	if s.AddressDerivableIP() {
		t.Error("flag should default off")
	}
	s.SetAddressDerivableIP(true)
	if !s.AddressDerivableIP() {
		t.Error("flag not set")
	}
}

func TestTickHook(t *testing.T) {
	s := NewStack(ReadOnlyData{}, nil)

	ticks := 0
	s.RegisterTickHook(func() { ticks++ })
	s.Poll()
	s.Poll()

	if ticks != 2 {
		t.Errorf("hook ran %d times", ticks)
	}
	if s.Metrics().Snapshot().TicksProcessed != 2 {
		t.Error("ticks not counted")
	}
}
