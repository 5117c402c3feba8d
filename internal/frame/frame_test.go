package frame

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumLaw(t *testing.T) {
	// sum(H, neg_checksum(H)) mod 256 == 0 for any header
	headers := [][]byte{
		{},
		{0x00},
		{0x7E, 0x00, 0x10},
		{0x7E, 0x42, 0xFF},
		{0xFF, 0xFF, 0xFF, 0xFF},
	}
	for _, h := range headers {
		ck := Checksum(h)
		var sum byte
		for _, b := range h {
			sum += b
		}
		sum += ck
		if sum != 0 {
			t.Errorf("Checksum(% x): sum with checksum = %#x, want 0", h, sum)
		}
	}
}

func TestFrameCodeRoundTrip(t *testing.T) {
	for seq := uint8(0); seq <= 7; seq++ {
		for cmd := byte(0); cmd <= 0x0F; cmd++ {
			for _, ack := range []bool{false, true} {
				c := Code{Seq: seq, Ack: ack, Cmd: cmd}
				got := DecodeFrameCode(c.FrameCode())
				if got.Seq != seq || got.Ack != ack || got.Cmd != cmd {
					t.Fatalf("frame code %#x: got %+v, want seq=%d ack=%v cmd=%#x",
						c.FrameCode(), got, seq, ack, cmd)
				}
			}
		}
	}
}

func TestEncodeCodeU50(t *testing.T) {
	b := EncodeCode(ModelU50, Code{Seq: 3, Ack: true, Cmd: CmdMsg, Param: 0x42})
	require.Len(t, b, 4)
	assert.Equal(t, Sync, b[0])
	assert.Equal(t, byte(3<<5|0x10|CmdMsg), b[1])
	assert.Equal(t, byte(0x42), b[2])

	var sum byte
	for _, v := range b {
		sum += v
	}
	assert.Zero(t, sum, "4-byte header sum must be zero mod 256")
}

func TestEncodeCodeU61(t *testing.T) {
	// Spec scenario: 7E 00 10 F0 is a valid U61 ACK with cmd NULL.
	b := EncodeCode(ModelU61, Code{Ack: true, Cmd: CmdNull})
	assert.Equal(t, []byte{0x7E, 0x00, 0x10, 0xF0}, b)
}

func TestStuffUnstuff(t *testing.T) {
	payloads := [][]byte{
		{},
		{0x00},
		{0x7E},
		{0x7E, 0x7E},
		{0x7E, 0x00, 0x7E, 0x42},
		{0x01, 0x02, 0x03},
	}
	for _, p := range payloads {
		got, err := Unstuff(Stuff(p))
		require.NoError(t, err)
		if !bytes.Equal(got, p) {
			t.Errorf("unstuff(stuff(% x)) = % x", p, got)
		}
	}
}

func TestStuffDoublesSync(t *testing.T) {
	got := Stuff([]byte{0x7E, 0x00, 0x7E, 0x42})
	want := []byte{0x7E, 0x7E, 0x00, 0x7E, 0x7E, 0x42}
	assert.Equal(t, want, got)
}

func TestUnstuffLoneEscape(t *testing.T) {
	_, err := Unstuff([]byte{0x7E, 0x42})
	assert.Error(t, err)

	_, err = Unstuff([]byte{0x01, 0x7E})
	assert.Error(t, err)
}

func TestEncodeLength(t *testing.T) {
	tests := []struct {
		n    int
		want []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{254, []byte{0xFE}},
		{255, []byte{0xFF, 0x00, 0xFF}},
		{256, []byte{0xFF, 0x01, 0x00}},
		{1000, []byte{0xFF, 0x03, 0xE8}},
	}
	for _, tt := range tests {
		got := EncodeLength(tt.n)
		assert.Equal(t, tt.want, got, "length %d", tt.n)
	}
}

func TestEncodeMessagePayloadChecksum(t *testing.T) {
	payload := []byte{0x11, 0x02, 0xAA, 0xBB}
	wire := EncodeMessage(ModelU50, 1, payload)

	// header
	require.GreaterOrEqual(t, len(wire), 4)
	code := DecodeFrameCode(wire[1])
	assert.Equal(t, CmdMsg, code.Cmd)
	assert.Equal(t, uint8(1), code.Seq)

	// body: unstuff, then the 8-bit sum over length+payload+checksum is zero
	body, err := Unstuff(wire[4:])
	require.NoError(t, err)
	var sum byte
	for _, b := range body {
		sum += b
	}
	assert.Zero(t, sum)
	assert.Equal(t, byte(len(payload)), body[0])
	assert.Equal(t, payload, body[1:len(body)-1])
}

func TestEncodeMessageEmptyPayload(t *testing.T) {
	// Length 0 passes framing without triggering the escape path.
	wire := EncodeMessage(ModelU50, 2, nil)
	body, err := Unstuff(wire[4:])
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00}, body)
}

func TestEncodeMessageExtendedLength(t *testing.T) {
	// Length exactly 255 must use the 0xFF marker.
	payload := make([]byte, 255)
	for i := range payload {
		payload[i] = byte(i)
	}
	wire := EncodeMessage(ModelU50, 3, payload)
	body, err := Unstuff(wire[4:])
	require.NoError(t, err)
	assert.Equal(t, byte(0xFF), body[0])
	assert.Equal(t, byte(0x00), body[1])
	assert.Equal(t, byte(0xFF), body[2])
	assert.Equal(t, payload, body[3:len(body)-1])
}

func TestL2FrameRoundTrip(t *testing.T) {
	f := L2Frame{Cmd: NiCommCmd, Data: []byte{0x01, 0x02}}
	got, err := DecodeL2(f.Encode())
	require.NoError(t, err)
	assert.Equal(t, f.Cmd, got.Cmd)
	assert.Equal(t, f.Data, got.Data)

	_, err = DecodeL2(nil)
	assert.Error(t, err)
}

func TestResponseExpected(t *testing.T) {
	assert.True(t, ResponseExpected(NiStatusCmd))
	assert.True(t, ResponseExpected(NiL5ModeCmd))
	assert.True(t, ResponseExpected(NiL2ModeCmd))
	assert.True(t, ResponseExpected(NiChallengeCmd))
	assert.False(t, ResponseExpected(NiResetDevCmd))
	assert.False(t, ResponseExpected(NiNullCmd))
}
