// Package isi implements the Interoperable Self-Installation engine: a
// periodic state machine that discovers peers, negotiates connections,
// assigns selectors and addresses, and reconciles its persistent tables.
package isi

import (
	"encoding/binary"
	"fmt"

	"github.com/ehrlich-b/go-lon/internal/constants"
)

// ApiVersion is the engine's API version accepted by Start.
const ApiVersion = 1

// MessageCode is the LON message code carrying ISI traffic.
const MessageCode = constants.IsiMessageCode

// ApiError is the typed error returned by every engine call.
type ApiError string

func (e ApiError) Error() string { return "isi: " + string(e) }

const (
	ErrNotRunning        ApiError = "engine not running"
	ErrAlreadyRunning    ApiError = "engine already running"
	ErrInvalidParameter  ApiError = "invalid parameter"
	ErrNoCapability      ApiError = "operation not supported by device class"
	ErrNotInEnrollment   ApiError = "assembly not in an open enrollment"
	ErrEnrollmentOpen    ApiError = "another enrollment is already open"
	ErrNoConnection      ApiError = "assembly not connected"
	ErrSelectorExhausted ApiError = "selector pool exhausted"
	ErrAddressExhausted  ApiError = "address table exhausted"
	ErrSendFailed        ApiError = "message send failed"
)

// Type is the device class started into the engine.
type Type int

const (
	TypeS   Type = iota // self-installing device
	TypeDA              // domain-acquisition device
	TypeDAS             // domain address server
)

func (t Type) String() string {
	switch t {
	case TypeS:
		return "S"
	case TypeDA:
		return "DA"
	case TypeDAS:
		return "DAS"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Flags modify engine behaviour at Start.
type Flags uint32

const (
	// FlagHeartbeats enables periodic republish of bound output datapoints.
	FlagHeartbeats Flags = 1 << iota

	// FlagApplicationPeriodic polls CreatePeriodicMsg in the slot rotation.
	FlagApplicationPeriodic
)

// BootType records why the engine last (re)started.
type BootType uint8

const (
	BootReboot BootType = iota
	BootReset
	BootRestart
)

// ChannelType selects transport parameters and the address allocation
// bucket.
type ChannelType int

const (
	ChannelTpFt10 ChannelType = iota
	ChannelPl20
	ChannelOther
)

// addressBucketStart maps the channel type to the first address table
// index the engine allocates from.
func addressBucketStart(ch ChannelType) int {
	switch ch {
	case ChannelTpFt10:
		return 64
	case ChannelPl20:
		return 128
	default:
		return 192
	}
}

// ConnectionState tracks one connection table record.
type ConnectionState uint8

const (
	ConnUnused ConnectionState = iota
	ConnPending
	ConnApproved
	ConnInviting
	ConnPlannedParty
	ConnInvited
	ConnAccepted
	ConnHost
	ConnMember
)

func (s ConnectionState) String() string {
	switch s {
	case ConnUnused:
		return "unused"
	case ConnPending:
		return "pending"
	case ConnApproved:
		return "approved"
	case ConnInviting:
		return "inviting"
	case ConnPlannedParty:
		return "plannedParty"
	case ConnInvited:
		return "invited"
	case ConnAccepted:
		return "accepted"
	case ConnHost:
		return "host"
	case ConnMember:
		return "member"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// active reports whether the record holds an established or in-progress
// connection.
func (s ConnectionState) active() bool { return s != ConnUnused }

// Connection is one connection table record: it ties a local assembly to a
// selector, an address table index, a group and a role.
type Connection struct {
	State        ConnectionState
	Assembly     uint8
	Host         bool
	Auto         bool
	Selector     uint16
	AddressIndex uint8
	Group        uint8
	Width        uint8
	MemberIndex  uint8
}

// connRowSize is the serialized footprint of one connection record.
const connRowSize = 9

func (c Connection) encode(buf []byte) {
	buf[0] = byte(c.State)
	buf[1] = c.Assembly
	buf[2] = 0
	if c.Host {
		buf[2] |= 0x01
	}
	if c.Auto {
		buf[2] |= 0x02
	}
	binary.BigEndian.PutUint16(buf[3:5], c.Selector)
	buf[5] = c.AddressIndex
	buf[6] = c.Group
	buf[7] = c.Width
	buf[8] = c.MemberIndex
}

func decodeConnection(buf []byte) Connection {
	return Connection{
		State:        ConnectionState(buf[0]),
		Assembly:     buf[1],
		Host:         buf[2]&0x01 != 0,
		Auto:         buf[2]&0x02 != 0,
		Selector:     binary.BigEndian.Uint16(buf[3:5]),
		AddressIndex: buf[5],
		Group:        buf[6],
		Width:        buf[7],
		MemberIndex:  buf[8],
	}
}

// Persist is the engine's persistent state outside the connection table.
type Persist struct {
	DeviceCount      uint16
	LocalNonUniqueID uint8
	Serial           uint32
	BootType         BootType
	RepeatCount      uint8 // 1..3
}

// persistSize is the serialized footprint of Persist.
const persistSize = 9

func (p Persist) encode() []byte {
	buf := make([]byte, persistSize)
	binary.BigEndian.PutUint16(buf[0:2], p.DeviceCount)
	buf[2] = p.LocalNonUniqueID
	binary.BigEndian.PutUint32(buf[3:7], p.Serial)
	buf[7] = byte(p.BootType)
	buf[8] = p.RepeatCount
	return buf
}

func decodePersist(buf []byte) Persist {
	return Persist{
		DeviceCount:      binary.BigEndian.Uint16(buf[0:2]),
		LocalNonUniqueID: buf[2],
		Serial:           binary.BigEndian.Uint32(buf[3:7]),
		BootType:         BootType(buf[7]),
		RepeatCount:      buf[8],
	}
}

// Event is reported to the application's UpdateUserInterface callback.
type Event int

const (
	EventRun Event = iota
	EventPending
	EventApproved
	EventImplemented
	EventCancelled
	EventDeleted
	EventAborted
	EventWink
	EventDomainFound
	EventDomainConfirmed
	EventRetry
)

// DiagEvent is reported to the application's UpdateDiagnostics callback.
type DiagEvent int

const (
	DiagPersistenceFailure DiagEvent = iota
	DiagSelectorConflict
	DiagSendFailure
	DiagRetryExhausted
	DiagCallbackFailure
	DiagDuplicateDrum
)

// CsmoData is the open-enrollment invitation payload built by the host
// (or supplied by the application through CreateCsmo).
type CsmoData struct {
	Group   uint8
	Width   uint8
	Profile uint16
	NvType  uint8
	Variant uint8
	Acked   bool
	Poll    bool
	Auto    bool
}
