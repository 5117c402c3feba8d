package link

import (
	"bytes"
	"testing"

	"github.com/ehrlich-b/go-lon/internal/frame"
)

func uidRequestWire(seq uint8) []byte {
	req := frame.L2Frame{
		Cmd:  frame.NiNetMgmtCmd,
		Data: []byte{nmReadMemory, nmReadOnlyRelative, 0x00, 0x00, uidLen},
	}
	return frame.EncodeMessage(frame.ModelU50, seq, req.Encode())
}

func uidResponse(uid [6]byte) []byte {
	data := make([]byte, uidResponseLen)
	data[0] = frame.NiResponseCmd
	data[1] = nmReadMemorySuccess
	copy(data[2:], uid[:])
	return data
}

// Spec scenario 3: the link requests the unique ID on open, filters inbound
// traffic until it arrives, then sends the layer mode command.
func TestUIDAcquisition(t *testing.T) {
	l, tr := newTestLink(t, frame.ModelU50, true)

	l.ServiceAt(100)
	w := tr.take()
	if len(w) != 1 || !bytes.Equal(w[0], uidRequestWire(1)) {
		t.Fatalf("open did not issue the read-memory request: % x", w)
	}
	if _, known := l.UID(); known {
		t.Fatal("uid known before response")
	}

	// Unrelated inbound traffic is dropped while waiting.
	l.FeedRx(ackU50(0))
	l.FeedRx(frame.EncodeMessage(frame.ModelU50, 2, []byte{frame.NiCommCmd, 0x55}))
	l.ServiceAt(150)
	if _, ok := l.ReceiveMessage(); ok {
		t.Error("message delivered while uid_waiting")
	}
	if got := l.stats.UIDFiltered.Load(); got != 1 {
		t.Errorf("uid filtered = %d, want 1", got)
	}

	uid := [6]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02}
	l.FeedRx(frame.EncodeMessage(frame.ModelU50, 3, uidResponse(uid)))
	l.ServiceAt(200)

	got, known := l.UID()
	if !known || got != uid {
		t.Errorf("uid = % x known=%v", got, known)
	}

	// Layer mode follows: layer 5 selects 0xD0.
	l.ServiceAt(201)
	mode := frame.EncodeCode(frame.ModelU50, frame.Code{Cmd: frame.CmdShortNICmd, Param: frame.NiL5ModeCmd})
	var found bool
	for _, w := range tr.take() {
		if bytes.Equal(w, mode) {
			found = true
		}
	}
	if !found {
		t.Error("layer mode command not sent after uid acquisition")
	}
}

func TestUIDResponseFilterShape(t *testing.T) {
	l, _ := newTestLink(t, frame.ModelU50, true)
	l.ServiceAt(100)

	// Wrong length, wrong command, wrong response code: all filtered.
	short := uidResponse([6]byte{1, 2, 3, 4, 5, 6})[:10]
	wrongCmd := uidResponse([6]byte{1, 2, 3, 4, 5, 6})
	wrongCmd[0] = frame.NiCommCmd
	wrongCode := uidResponse([6]byte{1, 2, 3, 4, 5, 6})
	wrongCode[1] = 0x4D

	l.FeedRx(ackU50(0))
	l.FeedRx(frame.EncodeMessage(frame.ModelU50, 2, short))
	l.FeedRx(frame.EncodeMessage(frame.ModelU50, 3, wrongCmd))
	l.FeedRx(frame.EncodeMessage(frame.ModelU50, 4, wrongCode))
	l.ServiceAt(150)

	if _, known := l.UID(); known {
		t.Error("uid accepted from malformed response")
	}
	if got := l.stats.UIDFiltered.Load(); got != 3 {
		t.Errorf("uid filtered = %d, want 3", got)
	}
}

// Boundary: reaching the retry ceiling exactly triggers the layer-mode set
// without further UID requests.
func TestUIDRetryCeiling(t *testing.T) {
	tr := &mockTransport{}
	m := NewManager()
	l, err := m.Open(Config{Index: 0, Transport: tr, Mode: ModeLayer2, Model: frame.ModelU50})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Layer 2 selects 0xD1.
	mode := frame.EncodeCode(frame.ModelU50, frame.Code{Cmd: frame.CmdShortNICmd, Param: frame.NiL2ModeCmd})

	now := uint32(0)
	requests := 0
	modeSent := false
	scanWrites := func() {
		for _, w := range tr.take() {
			if len(w) > 4 && bytes.Contains(w, []byte{nmReadMemory, nmReadOnlyRelative}) {
				requests++
			}
			if bytes.Equal(w, mode) {
				modeSent = true
			}
		}
	}

	l.ServiceAt(now)
	scanWrites()

	for i := 0; i < 13; i++ {
		l.FeedRx(ackU50(0)) // free the downlink for the next attempt
		now += 501
		l.ServiceAt(now)
		scanWrites()
	}

	if requests != 1+10 {
		t.Errorf("uid requests = %d, want 11 (initial + 10 retries)", requests)
	}
	if l.uidWaiting {
		t.Error("still uid_waiting after ceiling")
	}
	if _, known := l.UID(); known {
		t.Error("uid should be unknown after giving up")
	}
	if !modeSent {
		t.Error("layer mode not sent after giving up")
	}
}
