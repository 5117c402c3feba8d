// Package lon implements the application-facing core of a LON (ISO/IEC
// 14908) device stack: the node tables, the message routing glue, and the
// lifecycle of the link interfaces underneath.
package lon

import "github.com/ehrlich-b/go-lon/internal/constants"

// Public re-exports of table dimensions.
const (
	MaxDomains    = constants.MaxDomains
	MaxAddresses  = constants.MaxAddresses
	MaxDatapoints = constants.MaxDatapoints
	MaxAliases    = constants.MaxAliases

	// AliasUnused marks an alias table entry as free.
	AliasUnused = constants.AliasUnused

	// AddressUnbound is the address-table index of an unbound datapoint.
	AddressUnbound = constants.AddressUnbound

	// SelectorMask extracts the 14-bit selector from a selector word.
	SelectorMask = constants.SelectorMask
)

// ServiceType selects the transport service for a message or datapoint.
type ServiceType uint8

const (
	ServiceAcked ServiceType = iota
	ServiceUnacked
	ServiceUnackedRepeat
	ServiceRequest
)

func (s ServiceType) String() string {
	switch s {
	case ServiceAcked:
		return "acked"
	case ServiceUnacked:
		return "unacked"
	case ServiceUnackedRepeat:
		return "unackedRepeat"
	case ServiceRequest:
		return "request"
	default:
		return "unknown"
	}
}

// NodeMode is the SetNodeMode mode argument (ISO 14908-1 §9).
type NodeMode uint8

const (
	ModeOffline NodeMode = iota
	ModeOnline
	ModeReset
	ModeReturnToFactory
)

// NodeState is the SetNodeMode state argument; StateNoChange leaves the
// configured state alone.
type NodeState uint8

const (
	StateNoChange     NodeState = 0
	StateUnconfigured NodeState = 2
	StateConfigured   NodeState = 4
	StateFlush        NodeState = 5
	StateWink         NodeState = 9
)

// Domain is one domain table entry.
type Domain struct {
	ID       [6]byte
	Invalid  bool
	IDLength uint8 // 0, 1, 3 or 6
	Subnet   uint8
	NonClone bool
	Node     uint8 // 0..127
	Key      [6]byte
}

// AddressType discriminates the address table entry variant.
type AddressType uint8

const (
	AddressTypeUnassigned AddressType = iota
	AddressTypeGroup
	AddressTypeSubnetNode
	AddressTypeBroadcast
	AddressTypeUniqueID
)

// AddressEntry is one address table entry. Which fields are meaningful
// depends on Type.
type AddressEntry struct {
	Type AddressType

	// Group addressing.
	Group     uint8
	GroupSize uint8

	// Subnet/node unicast and broadcast.
	Subnet uint8
	Node   uint8 // 0..127

	// Broadcast backlog estimate.
	Backlog uint8

	// Unique-ID addressing.
	NeuronID       [6]byte
	SubnetWildcard bool

	// Transport timers and retry count, shared across variants.
	Retries  uint8
	RptTimer uint8
	TxTimer  uint8
	RcvTimer uint8
}

// InUse reports whether the entry is allocated.
func (a AddressEntry) InUse() bool {
	return a.Type != AddressTypeUnassigned
}

// DpConfig is one datapoint (network variable) config table entry.
type DpConfig struct {
	Selector      uint16 // 14 bits
	AddressIndex  uint8  // address table index or AddressUnbound
	Service       ServiceType
	Authenticated bool
	Priority      bool
	Output        bool // direction: true = output datapoint
	Turnaround    bool
}

// Bound reports whether the datapoint references an address table entry.
func (d DpConfig) Bound() bool {
	return d.AddressIndex != AddressUnbound
}

// Alias is one alias table entry: an alternate datapoint config pointing
// back at its primary datapoint.
type Alias struct {
	Dp      DpConfig
	Primary uint16 // primary datapoint index, or AliasUnused
}

// InUse reports whether the alias entry is allocated.
func (a Alias) InUse() bool {
	return a.Primary != AliasUnused
}

// ConfigData is the writable node configuration structure.
type ConfigData struct {
	Location      [6]byte
	CommType      uint8
	NonGroupTimer uint8
	NmAuth        bool
}

// ReadOnlyData is the fixed node description.
type ReadOnlyData struct {
	NeuronID   [6]byte
	ModelNum   uint8
	ProgramID  [8]byte
	NvCount    uint8
	TwoDomains bool
}

// DestinationType selects the outbound address encoding of a message.
type DestinationType uint8

const (
	DestGroup DestinationType = iota
	DestSubnetNode
	DestBroadcast
	DestNeuronID
)

// Destination is an explicit outbound address.
type Destination struct {
	Type     DestinationType
	Group    uint8
	Subnet   uint8 // 0 in DestBroadcast means domain-wide
	Node     uint8
	NeuronID [6]byte
}

// Message is an explicit application or out-of-band message.
type Message struct {
	Code          byte
	Service       ServiceType
	Authenticated bool
	Priority      bool
	Repeats       uint8
	Dest          Destination
	Data          []byte
}

// InboundMessage is a received message with its decoded source.
type InboundMessage struct {
	Code         byte
	Service      ServiceType
	SourceSubnet uint8
	SourceNode   uint8
	Priority     bool
	Data         []byte
}
