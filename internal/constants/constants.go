package constants

import "time"

// Node table dimensions (ISO/IEC 14908-1 address and NV config tables).
const (
	// MaxDomains is the number of domain table entries (primary + secondary).
	MaxDomains = 2

	// MaxAddresses is the maximum number of address table entries.
	MaxAddresses = 254

	// MaxDatapoints is the maximum number of datapoint config table entries.
	MaxDatapoints = 254

	// MaxAliases is the maximum number of alias table entries.
	MaxAliases = 254

	// AliasUnused is the sentinel stored in an unused alias entry.
	AliasUnused = 0xFFFF

	// AddressUnbound marks a datapoint config with no address table entry.
	AddressUnbound = 0xFF

	// SelectorMask extracts the 14-bit selector from a selector word.
	SelectorMask = 0x3FFF
)

// Link framing constants.
const (
	// FrameSync introduces every packet on the wire.
	FrameSync = 0x7E

	// CodePacketSize is the fixed width of a code packet header.
	CodePacketSize = 4

	// MaxPDU is 255; no code path enforces it. Message packets carry
	// payloads up to 0xFFFF bytes through the extended length.
	MaxPDU = 255

	// ExtendedLengthMarker in the L2 length byte selects the two-byte
	// big-endian extended length that follows.
	ExtendedLengthMarker = 0xFF

	// MaxInterfaces is the number of concurrently open link interfaces.
	MaxInterfaces = 4

	// RxRingSize is the per-interface receive ring capacity in bytes.
	RxRingSize = 2048

	// UplinkQueueDepth bounds each uplink message queue.
	UplinkQueueDepth = 16

	// DownlinkQueueDepth bounds each downlink message queue.
	DownlinkQueueDepth = 16
)

// Link timing.
const (
	// DownlinkAckTimeout is how long the link waits for an ACK or response
	// code packet before declaring a timeout.
	DownlinkAckTimeout = 300 * time.Millisecond

	// DownlinkWaitTime is the reject timer ceiling; past it the link resets
	// the external interface.
	DownlinkWaitTime = 1000 * time.Millisecond

	// AckTimeoutsBeforeResync is the number of consecutive ACK timeouts
	// tolerated before the link enters a resync burst.
	AckTimeoutsBeforeResync = 2

	// MaxResyncPhases is the number of resync phases attempted before the
	// link is reset outright.
	MaxResyncPhases = 5

	// UIDWaitTime is the window for a unique-ID read response.
	UIDWaitTime = 500 * time.Millisecond

	// MaxUIDRetries bounds unique-ID request retries after open.
	MaxUIDRetries = 10

	// UsbWriteBudget is the overall budget for a HAL USB write, across
	// EINTR/EAGAIN retries.
	UsbWriteBudget = 5 * time.Second
)

// Persistence.
const (
	// PersistVersion is the current image version.
	PersistVersion = 1

	// IsiSignature is the image signature constant for ISI-managed segments.
	IsiSignature = 0xCF82

	// PersistHeaderSize is the serialized header size preceding the body.
	PersistHeaderSize = 13
)

// ISI engine.
const (
	// IsiMessageCode is the LON message code carrying ISI traffic.
	IsiMessageCode = 0x3D

	// MaxConnections is the connection table capacity.
	MaxConnections = 256

	// SelectorPoolTop is the top of the ISI selector allocation pool.
	SelectorPoolTop = 0x2FFF

	// PeriodicSlots is the length of the periodic broadcast rotation; at
	// least every eighth slot carries a DRUM.
	PeriodicSlots = 8

	// TicksPerSecond is the ISI tick rate.
	TicksPerSecond = 1000

	// EnrollTimeout bounds an open enrollment.
	EnrollTimeout = 5 * time.Minute

	// CsmoWindow is the CSME collection window after a CSMO broadcast.
	CsmoWindow = 5 * time.Second

	// CollectWindow is the DIDRM collection window for a DA device.
	CollectWindow = 1500 * time.Millisecond

	// DidrqRetries bounds DIDRQ retransmissions.
	DidrqRetries = 5

	// DidrmRetries is the DIDRM retransmission ceiling. The engine sends
	// each DIDRM once on the acked service; no code path reads this value.
	DidrmRetries = 5

	// QueryDomainRetries bounds query-domain network management retries.
	QueryDomainRetries = 3

	// UpdateDomainRetries bounds update-domain network management retries.
	UpdateDomainRetries = 3

	// AddressBucketSize is the span of one channel-dependent address
	// allocation bucket.
	AddressBucketSize = 64
)
