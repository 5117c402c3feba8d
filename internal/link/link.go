// Package link implements the LON USB link driver: a framed, sequenced,
// acknowledged protocol over a raw byte stream, with byte-stuffing, retry
// and resync, duplicate suppression, and per-interface uplink/downlink
// queues.
package link

import (
	"errors"
	"sync"
	"time"

	"github.com/ehrlich-b/go-lon/internal/constants"
	"github.com/ehrlich-b/go-lon/internal/frame"
	"github.com/ehrlich-b/go-lon/internal/hal"
)

// Mode is the interface mode requested from the external network interface.
type Mode int

const (
	ModeLayer2 Mode = iota
	ModeLayer5
)

// Logger is the optional logging hook, satisfied by *logging.Logger.
type Logger interface {
	Printf(format string, args ...any)
	Debugf(format string, args ...any)
}

// Errors surfaced by link operations.
var (
	ErrInvalidInterface = errors.New("link: invalid interface id")
	ErrShutdown         = errors.New("link: interface shut down")
	ErrQueueFull        = errors.New("link: downlink queue full")
	ErrTooLarge         = errors.New("link: message exceeds maximum PDU")
)

// Config parameterizes an interface at Open.
type Config struct {
	Index     int
	Transport hal.Transport
	Mode      Mode
	Model     frame.Model
	Logger    Logger

	// Identify is invoked when a wink message arrives. May be nil.
	Identify func()
}

// downlink states.
type downlinkState int

const (
	dlStart downlinkState = iota
	dlIdle
	dlCpAckWait
	dlCpResponseWait
	dlMsgAckWait
	dlCpMsgReqAckWait
)

// uplink parser states.
type uplinkState int

const (
	ulIdle uplinkState = iota
	ulFrameCode
	ulFrameParameter
	ulCodePacketChecksum
	ulMessage
	ulEscapedData
)

// downlink queue item: either a short NI command or a full message payload.
type downlinkItem struct {
	short   bool
	niCmd   byte
	payload []byte
}

// Link is the state of one open interface.
type Link struct {
	index     int
	mode      Mode
	model     frame.Model
	transport hal.Transport
	logger    Logger
	identify  func()

	// queueLock guards the RX ring, the uplink queues and queue-side
	// bookkeeping. stateLock guards the downlink machine. Both short-held.
	queueLock sync.Mutex
	stateLock sync.Mutex

	shutdown bool

	rx             *rxRing
	uplinkNormal   *msgQueue
	uplinkPriority *msgQueue

	downlinkNormal   []downlinkItem
	downlinkPriority []downlinkItem

	// Downlink machine (stateLock).
	dlState       downlinkState
	dlSeq         uint8 // 1..7, skipping 0
	dlBuffer      []byte
	dlPending     *downlinkItem
	dlAckStart    uint32
	dlAckRunning  bool
	dlRejStart    uint32
	dlRejRunning  bool
	dlAckTimeouts int
	dlResyncPhase int
	dlExpectedRsp byte

	// Uplink machine; owned by the parser, no lock needed beyond the
	// chunked ring drain.
	ulState     uplinkState
	ulHeaderSum byte
	ulCode      frame.Code
	ulBuf       []byte
	ulMsgIndex  int
	ulMsgLength int
	ulLenBuf    [3]byte
	ulLenCount  int
	ulSum       byte
	ulLastSeq   uint8
	ulHaveSeq   bool
	ulDuplicate bool

	// Unique-ID acquisition.
	uid        [6]byte
	uidKnown   bool
	uidWaiting bool
	uidArmed   bool
	uidRetries int
	uidStart   uint32

	// Recorded by an inbound interface-reset message.
	resetTxID  byte
	resetLayer byte

	// Clock of the current Service pass; parser-side timers key off it.
	svcNow uint32

	stats Stats
}

// Manager owns the fixed set of interfaces, one per index.
type Manager struct {
	mu    sync.Mutex
	links [constants.MaxInterfaces]*Link
}

// NewManager returns an empty interface table.
func NewManager() *Manager {
	return &Manager{}
}

// Open creates the interface at cfg.Index, requests its unique ID, and
// leaves the downlink in its start state. A second Open on a live index
// fails.
func (m *Manager) Open(cfg Config) (*Link, error) {
	if cfg.Index < 0 || cfg.Index >= constants.MaxInterfaces {
		return nil, ErrInvalidInterface
	}
	if cfg.Transport == nil {
		return nil, errors.New("link: nil transport")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.links[cfg.Index] != nil {
		return nil, errors.New("link: interface already open")
	}

	l := &Link{
		index:          cfg.Index,
		mode:           cfg.Mode,
		model:          cfg.Model,
		transport:      cfg.Transport,
		logger:         cfg.Logger,
		identify:       cfg.Identify,
		rx:             newRxRing(constants.RxRingSize),
		uplinkNormal:   newMsgQueue(constants.UplinkQueueDepth),
		uplinkPriority: newMsgQueue(constants.UplinkQueueDepth),
		dlState:        dlStart,
		dlSeq:          1,
	}
	l.beginUIDAcquisition()
	m.links[cfg.Index] = l
	return l, nil
}

// Get returns the open interface at index.
func (m *Manager) Get(index int) (*Link, error) {
	if index < 0 || index >= constants.MaxInterfaces {
		return nil, ErrInvalidInterface
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.links[index]
	if l == nil {
		return nil, ErrInvalidInterface
	}
	return l, nil
}

// Close shuts the interface down and frees its index. Idempotent.
func (m *Manager) Close(index int) error {
	if index < 0 || index >= constants.MaxInterfaces {
		return ErrInvalidInterface
	}
	m.mu.Lock()
	l := m.links[index]
	m.links[index] = nil
	m.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.close()
}

func (l *Link) close() error {
	l.stateLock.Lock()
	l.shutdown = true
	l.stateLock.Unlock()
	return l.transport.Close()
}

// Index returns the interface index.
func (l *Link) Index() int { return l.index }

// Stats returns the live statistics counters.
func (l *Link) Stats() *Stats { return &l.stats }

// UID returns the interface unique ID once known.
func (l *Link) UID() ([6]byte, bool) {
	l.queueLock.Lock()
	defer l.queueLock.Unlock()
	return l.uid, l.uidKnown
}

// nowMs is the 32-bit millisecond tick; wrap is handled by modular
// subtraction in elapsedMs.
func nowMs() uint32 {
	return uint32(time.Now().UnixMilli())
}

func elapsedMs(now, since uint32) uint32 {
	return now - since
}

// FeedRx enqueues raw received bytes. Safe from any producer context; bytes
// that do not fit are dropped and counted.
func (l *Link) FeedRx(data []byte) {
	if len(data) == 0 {
		return
	}
	l.queueLock.Lock()
	if l.shutdown {
		l.queueLock.Unlock()
		return
	}
	accepted := l.rx.push(data)
	occ := l.rx.occupancy()
	l.queueLock.Unlock()

	l.stats.BytesFed.Add(uint64(len(data)))
	if dropped := len(data) - accepted; dropped > 0 {
		l.stats.BytesDropped.Add(uint64(dropped))
	}
	l.stats.noteOccupancy(occ)
}

// SendMessage queues a message payload for downlink transmission.
func (l *Link) SendMessage(payload []byte, priority bool) error {
	if len(payload) > 0xFFFF {
		return ErrTooLarge
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return l.enqueueDownlink(downlinkItem{payload: cp}, priority)
}

// SendShortCommand queues a local NI short command.
func (l *Link) SendShortCommand(ni byte, priority bool) error {
	return l.enqueueDownlink(downlinkItem{short: true, niCmd: ni}, priority)
}

func (l *Link) enqueueDownlink(item downlinkItem, priority bool) error {
	l.stateLock.Lock()
	defer l.stateLock.Unlock()
	if l.shutdown {
		return ErrShutdown
	}
	q := &l.downlinkNormal
	if priority {
		q = &l.downlinkPriority
	}
	if len(*q) >= constants.DownlinkQueueDepth {
		return ErrQueueFull
	}
	*q = append(*q, item)
	return nil
}

// ReceiveMessage pops the next parsed uplink message, priority first.
func (l *Link) ReceiveMessage() ([]byte, bool) {
	l.queueLock.Lock()
	defer l.queueLock.Unlock()
	if msg, ok := l.uplinkPriority.pop(); ok {
		return msg, true
	}
	return l.uplinkNormal.pop()
}

// Service advances the interface: polls the transport, drains the RX ring
// through the uplink parser, runs the downlink machine and its timers, and
// drives unique-ID acquisition. Called periodically by the core glue.
func (l *Link) Service() {
	l.ServiceAt(nowMs())
}

// ServiceAt is Service with an explicit clock, for deterministic tests.
func (l *Link) ServiceAt(now uint32) {
	l.svcNow = now
	l.pollTransport()
	l.drainRx()
	l.serviceUID(now)
	l.serviceDownlink(now)
}

func (l *Link) pollTransport() {
	var buf [256]byte
	for {
		n, err := l.transport.Read(buf[:])
		if n > 0 {
			l.FeedRx(buf[:n])
		}
		if err != nil || n == 0 {
			return
		}
	}
}

// drainRx pops chunks inside the lock and parses outside it.
func (l *Link) drainRx() {
	var chunk [128]byte
	for {
		l.queueLock.Lock()
		n := l.rx.pop(chunk[:])
		l.queueLock.Unlock()
		if n == 0 {
			return
		}
		l.stats.BytesConsumed.Add(uint64(n))
		for _, b := range chunk[:n] {
			l.uplinkByte(b)
		}
	}
}

func (l *Link) debugf(format string, args ...any) {
	if l.logger != nil {
		l.logger.Debugf(format, args...)
	}
}

// write pushes raw bytes at the transport. A failed write is logged at
// debug level; no statistics counter records it.
func (l *Link) write(b []byte) {
	if _, err := l.transport.Write(b); err != nil {
		l.debugf("link %d: write failed: %v", l.index, err)
	}
}

// nextSeq rotates a 3-bit sequence number through 1..7, skipping 0.
func nextSeq(seq uint8) uint8 {
	return seq%7 + 1
}
