package isi

import (
	"encoding/binary"
	"fmt"
)

// ISI message kinds, carried in the first body byte after the 0x3D message
// code.
const (
	msgDrum  byte = 0x00
	msgCsmr  byte = 0x01
	msgCsmo  byte = 0x02
	msgCsmx  byte = 0x03
	msgCsme  byte = 0x04
	msgCsmc  byte = 0x05
	msgCsmd  byte = 0x06
	msgCsmi  byte = 0x07
	msgTimg  byte = 0x08
	msgDidrq byte = 0x09
	msgDidrm byte = 0x0A
	msgDidcf byte = 0x0B
	msgCtrq  byte = 0x0C
)

// ControlCmd identifies a remote control request.
type ControlCmd uint8

const (
	ControlConnectLed ControlCmd = iota
	ControlWink
	ControlQuery
)

// drum is the periodic device announcement.
type drum struct {
	NeuronID    [6]byte
	DidLength   uint8
	Did         [6]byte
	DeviceCount uint16
	Channel     uint8
}

func (d drum) encode() []byte {
	buf := make([]byte, 1, 17)
	buf[0] = msgDrum
	buf = append(buf, d.NeuronID[:]...)
	buf = append(buf, d.DidLength)
	buf = append(buf, d.Did[:]...)
	buf = binary.BigEndian.AppendUint16(buf, d.DeviceCount)
	return append(buf, d.Channel)
}

func decodeDrum(body []byte) (drum, error) {
	if len(body) < 17 {
		return drum{}, fmt.Errorf("isi: short drum (%d)", len(body))
	}
	var d drum
	copy(d.NeuronID[:], body[1:7])
	d.DidLength = body[7]
	copy(d.Did[:], body[8:14])
	d.DeviceCount = binary.BigEndian.Uint16(body[14:16])
	d.Channel = body[16]
	return d, nil
}

// csmo is the connection invitation (and, as msgCsmr, its periodic
// reminder).
type csmo struct {
	NeuronID [6]byte
	Selector uint16
	Data     CsmoData
}

func (c csmo) encode(kind byte) []byte {
	buf := make([]byte, 1, 16)
	buf[0] = kind
	buf = append(buf, c.NeuronID[:]...)
	buf = binary.BigEndian.AppendUint16(buf, c.Selector)
	buf = append(buf, c.Data.Group, c.Data.Width)
	buf = binary.BigEndian.AppendUint16(buf, c.Data.Profile)
	buf = append(buf, c.Data.NvType, c.Data.Variant)
	var flags byte
	if c.Data.Acked {
		flags |= 0x01
	}
	if c.Data.Poll {
		flags |= 0x02
	}
	if c.Data.Auto {
		flags |= 0x04
	}
	return append(buf, flags)
}

func decodeCsmo(body []byte) (csmo, error) {
	if len(body) < 16 {
		return csmo{}, fmt.Errorf("isi: short csmo (%d)", len(body))
	}
	var c csmo
	copy(c.NeuronID[:], body[1:7])
	c.Selector = binary.BigEndian.Uint16(body[7:9])
	c.Data.Group = body[9]
	c.Data.Width = body[10]
	c.Data.Profile = binary.BigEndian.Uint16(body[11:13])
	c.Data.NvType = body[13]
	c.Data.Variant = body[14]
	c.Data.Acked = body[15]&0x01 != 0
	c.Data.Poll = body[15]&0x02 != 0
	c.Data.Auto = body[15]&0x04 != 0
	return c, nil
}

// csmShort covers CSME, CSMC, CSMX and CSMD: the sender identity and the
// connection selector.
type csmShort struct {
	NeuronID [6]byte
	Selector uint16
}

func (c csmShort) encode(kind byte) []byte {
	buf := make([]byte, 1, 9)
	buf[0] = kind
	buf = append(buf, c.NeuronID[:]...)
	return binary.BigEndian.AppendUint16(buf, c.Selector)
}

func decodeCsmShort(body []byte) (csmShort, error) {
	if len(body) < 9 {
		return csmShort{}, fmt.Errorf("isi: short csm (%d)", len(body))
	}
	var c csmShort
	copy(c.NeuronID[:], body[1:7])
	c.Selector = binary.BigEndian.Uint16(body[7:9])
	return c, nil
}

// csmi carries a member's connection record summary.
type csmi struct {
	NeuronID [6]byte
	Selector uint16
	Assembly uint8
	Offset   uint8
}

func (c csmi) encode() []byte {
	buf := make([]byte, 1, 11)
	buf[0] = msgCsmi
	buf = append(buf, c.NeuronID[:]...)
	buf = binary.BigEndian.AppendUint16(buf, c.Selector)
	return append(buf, c.Assembly, c.Offset)
}

func decodeCsmi(body []byte) (csmi, error) {
	if len(body) < 11 {
		return csmi{}, fmt.Errorf("isi: short csmi (%d)", len(body))
	}
	var c csmi
	copy(c.NeuronID[:], body[1:7])
	c.Selector = binary.BigEndian.Uint16(body[7:9])
	c.Assembly = body[9]
	c.Offset = body[10]
	return c, nil
}

// timg carries the estimated device count and channel type.
type timg struct {
	DeviceCount uint16
	Channel     uint8
}

func (t timg) encode() []byte {
	buf := make([]byte, 1, 4)
	buf[0] = msgTimg
	buf = binary.BigEndian.AppendUint16(buf, t.DeviceCount)
	return append(buf, t.Channel)
}

func decodeTimg(body []byte) (timg, error) {
	if len(body) < 4 {
		return timg{}, fmt.Errorf("isi: short timg (%d)", len(body))
	}
	return timg{
		DeviceCount: binary.BigEndian.Uint16(body[1:3]),
		Channel:     body[3],
	}, nil
}

// didrq requests a domain ID; didcf confirms the acquired one.
type didShort struct {
	NeuronID [6]byte
}

func (d didShort) encode(kind byte) []byte {
	buf := make([]byte, 1, 7)
	buf[0] = kind
	return append(buf, d.NeuronID[:]...)
}

func decodeDidShort(body []byte) (didShort, error) {
	if len(body) < 7 {
		return didShort{}, fmt.Errorf("isi: short did message (%d)", len(body))
	}
	var d didShort
	copy(d.NeuronID[:], body[1:7])
	return d, nil
}

// ctrq is a remote control request addressed to one device.
type ctrq struct {
	NeuronID [6]byte
	Assembly uint8
	Command  ControlCmd
}

func (c ctrq) encode() []byte {
	buf := make([]byte, 1, 9)
	buf[0] = msgCtrq
	buf = append(buf, c.NeuronID[:]...)
	return append(buf, c.Assembly, byte(c.Command))
}

func decodeCtrq(body []byte) (ctrq, error) {
	if len(body) < 9 {
		return ctrq{}, fmt.Errorf("isi: short ctrq (%d)", len(body))
	}
	var c ctrq
	copy(c.NeuronID[:], body[1:7])
	c.Assembly = body[7]
	c.Command = ControlCmd(body[8])
	return c, nil
}

// didrm is the domain-ID reply from a domain address server.
type didrm struct {
	Did       [6]byte
	DidLength uint8
	Subnet    uint8
	Node      uint8
}

func (d didrm) encode() []byte {
	buf := make([]byte, 1, 10)
	buf[0] = msgDidrm
	buf = append(buf, d.Did[:]...)
	return append(buf, d.DidLength, d.Subnet, d.Node)
}

func decodeDidrm(body []byte) (didrm, error) {
	if len(body) < 10 {
		return didrm{}, fmt.Errorf("isi: short didrm (%d)", len(body))
	}
	var d didrm
	copy(d.Did[:], body[1:7])
	d.DidLength = body[7]
	d.Subnet = body[8]
	d.Node = body[9]
	return d, nil
}
