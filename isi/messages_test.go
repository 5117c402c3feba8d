package isi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrumCodec(t *testing.T) {
	d := drum{
		NeuronID:    testNeuron(1),
		DidLength:   3,
		Did:         [6]byte{0xBA, 0x11, 0x01},
		DeviceCount: 4097,
		Channel:     uint8(ChannelPl20),
	}
	body := d.encode()
	require.Equal(t, msgDrum, body[0])

	got, err := decodeDrum(body)
	require.NoError(t, err)
	assert.Equal(t, d, got)

	_, err = decodeDrum(body[:10])
	assert.Error(t, err)
}

func TestCsmoCodec(t *testing.T) {
	c := csmo{
		NeuronID: testNeuron(2),
		Selector: 0x2FFF,
		Data: CsmoData{
			Group:   40,
			Width:   3,
			Profile: 0x0102,
			NvType:  51,
			Variant: 2,
			Acked:   true,
			Auto:    true,
		},
	}
	for _, kind := range []byte{msgCsmo, msgCsmr} {
		body := c.encode(kind)
		require.Equal(t, kind, body[0])
		got, err := decodeCsmo(body)
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}

	_, err := decodeCsmo([]byte{msgCsmo, 1, 2})
	assert.Error(t, err)
}

func TestCsmShortCodec(t *testing.T) {
	c := csmShort{NeuronID: testNeuron(3), Selector: 0x1234}
	for _, kind := range []byte{msgCsme, msgCsmc, msgCsmx, msgCsmd} {
		body := c.encode(kind)
		require.Equal(t, kind, body[0])
		got, err := decodeCsmShort(body)
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}

	_, err := decodeCsmShort([]byte{msgCsme})
	assert.Error(t, err)
}

func TestCsmiCodec(t *testing.T) {
	c := csmi{NeuronID: testNeuron(4), Selector: 0x0ABC, Assembly: 7, Offset: 2}
	got, err := decodeCsmi(c.encode())
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestTimgCodec(t *testing.T) {
	m := timg{DeviceCount: 513, Channel: uint8(ChannelOther)}
	got, err := decodeTimg(m.encode())
	require.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = decodeTimg([]byte{msgTimg, 1})
	assert.Error(t, err)
}

func TestDidCodecs(t *testing.T) {
	rq := didShort{NeuronID: testNeuron(5)}
	got, err := decodeDidShort(rq.encode(msgDidrq))
	require.NoError(t, err)
	assert.Equal(t, rq, got)

	rm := didrm{Did: [6]byte{1, 2, 3, 4, 5, 6}, DidLength: 6, Subnet: 20, Node: 9}
	gotRm, err := decodeDidrm(rm.encode())
	require.NoError(t, err)
	assert.Equal(t, rm, gotRm)

	_, err = decodeDidrm([]byte{msgDidrm, 1, 2, 3})
	assert.Error(t, err)
}

func TestCtrqCodec(t *testing.T) {
	c := ctrq{NeuronID: testNeuron(6), Assembly: 3, Command: ControlWink}
	got, err := decodeCtrq(c.encode())
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestSelectorBigEndianOnWire(t *testing.T) {
	c := csmShort{Selector: 0x2F01}
	body := c.encode(msgCsme)
	assert.Equal(t, byte(0x2F), body[7])
	assert.Equal(t, byte(0x01), body[8])
}
