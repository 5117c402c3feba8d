package isi

import (
	"sync"

	lon "github.com/ehrlich-b/go-lon"
	"github.com/ehrlich-b/go-lon/internal/constants"
	"github.com/ehrlich-b/go-lon/internal/logging"
	"github.com/ehrlich-b/go-lon/internal/persist"
)

// Logger is the optional logging hook, satisfied by *logging.Logger.
type Logger interface {
	Printf(format string, args ...any)
	Debugf(format string, args ...any)
}

// Config wires the engine to its collaborators.
type Config struct {
	// Tables are the node tables shared with the stack.
	Tables *lon.NodeTables

	// Store backs the ISI and connection-table segments.
	Store persist.Store

	// Send transmits an outbound LON message.
	Send func(lon.Message) error

	// AppSignature guards the persisted segments.
	AppSignature uint32

	// Channel selects transport parameters and address allocation.
	Channel ChannelType

	// NeuronID identifies this device in ISI messages.
	NeuronID [6]byte

	Logger Logger
}

// EnrollState is the engine's pending-enrollment state.
type EnrollState int

const (
	EnrollNormal EnrollState = iota
	EnrollInviting
	EnrollPlannedParty
	EnrollInvited
	EnrollAccepted
)

// Engine is the ISI state machine. It is single-writer: table mutations
// happen inside the tick or inside explicit API calls, never concurrently.
type Engine struct {
	mu     sync.Mutex
	cfg    Config
	logger Logger

	running   bool
	typ       Type
	flags     Flags
	didLength uint8
	did       [6]byte
	repeat    uint8

	per   Persist
	conns []Connection

	// Periodic scheduler.
	tickCount   uint64
	slot        int
	spreadTicks int
	spreading   int
	rng         uint32

	// Pending enrollment (at most one).
	enrollState EnrollState
	pendingAsm  int
	pendingSel  uint16
	pendingCsmo CsmoData
	pendingHost bool
	pendingAuto bool
	enrollTicks int
	csmoTicks   int
	memberCount int

	// Round-robin cursors for the slot rotation.
	csmrNext int
	csmiNext int
	hbNext   int

	// Domain/device acquisition.
	daState      daState
	daTicks      int
	daRetries    int
	daWindow     int
	daCandidate  didrm
	daHaveCand   bool
	daTarget     [6]byte
	daUpdating   bool
	daUpdateNode uint8

	// DAS-side node allocation for DIDRM replies.
	dasNextNode uint8

	nextSelector uint16
	diagEvents   uint64

	// Callbacks.
	cbUI             func(Event, int)
	cbDiag           func(DiagEvent, int)
	cbGetDpIndex     func(assembly, offset, previous int) int
	cbGetWidth       func(assembly int) int
	cbCreateCsmo     func(assembly int) CsmoData
	cbPrimaryGroup   func(assembly int) uint8
	cbGetAssembly    func(csmo CsmoData, auto bool, previous int) int
	cbQueryHeartbeat func(dpIndex int) bool
	cbGetDpValue     func(dpIndex int) []byte
	cbPeriodicMsg    func() *lon.Message
}

// New creates a stopped engine around its collaborators.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{cfg: cfg, logger: logger, dasNextNode: 2}
}

// ProtocolVersion reports the ISI protocol generation spoken on the wire.
func (e *Engine) ProtocolVersion() int { return 1 }

// ImplementationVersion reports the engine revision.
func (e *Engine) ImplementationVersion() int { return 3 }

// IsRunning reports whether Start has succeeded without a later Stop.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Start validates its inputs, restores persisted state (reverting to
// factory on signature mismatch or corruption), seeds the connection
// table, and arms the periodic scheduler.
func (e *Engine) Start(apiVersion int, typ Type, flags Flags, connections int, didLength int, defaultDid []byte, repeatCount int) error {
	if apiVersion != ApiVersion {
		return ErrInvalidParameter
	}
	if typ < TypeS || typ > TypeDAS {
		return ErrInvalidParameter
	}
	switch didLength {
	case 1, 3, 6:
	default:
		return ErrInvalidParameter
	}
	if len(defaultDid) < didLength {
		return ErrInvalidParameter
	}
	if repeatCount < 1 || repeatCount > 3 {
		return ErrInvalidParameter
	}
	if connections <= 0 || connections > constants.MaxConnections {
		return ErrInvalidParameter
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrAlreadyRunning
	}

	e.typ = typ
	e.flags = flags
	e.didLength = uint8(didLength)
	e.did = [6]byte{}
	copy(e.did[:], defaultDid[:didLength])
	e.repeat = uint8(repeatCount)

	e.restoreLocked(connections)
	e.per.RepeatCount = e.repeat
	e.per.Serial++

	e.seedDomainLocked()
	e.resetVolatileLocked()
	e.running = true
	e.persistLocked()

	e.ui(EventRun, 0)
	return nil
}

// restoreLocked loads the ISI and connection segments, degrading to factory
// defaults on classified failures.
func (e *Engine) restoreLocked(connections int) {
	body, res := persist.ReadImage(e.cfg.Store, persist.SegmentIsi, e.cfg.AppSignature, persistSize)
	switch res {
	case persist.OK:
		e.per = decodePersist(body)
		e.per.BootType = BootRestart
	case persist.NoPersistence:
		e.per = Persist{BootType: BootReboot}
	default:
		e.logger.Printf("isi segment load failed (%s), restoring factory state", res)
		e.diag(DiagPersistenceFailure, int(res))
		e.per = Persist{BootType: BootReset}
	}

	e.conns = make([]Connection, connections)
	body, res = persist.ReadImage(e.cfg.Store, persist.SegmentConnectionTable, e.cfg.AppSignature, connections*connRowSize)
	switch res {
	case persist.OK:
		for i := range e.conns {
			e.conns[i] = decodeConnection(body[i*connRowSize:])
		}
	case persist.NoPersistence:
		// Fresh table.
	default:
		e.logger.Printf("connection table load failed (%s), clearing", res)
		e.diag(DiagPersistenceFailure, int(res))
	}
}

// seedDomainLocked installs the default domain when none is configured,
// deriving a non-clashing subnet/node from the neuron ID.
func (e *Engine) seedDomainLocked() {
	d, err := e.cfg.Tables.QueryDomain(0)
	if err != nil || !d.Invalid {
		return
	}
	nid := e.cfg.NeuronID
	node := nid[5]%125 + 2
	e.per.LocalNonUniqueID = node
	seed := lon.Domain{
		IDLength: e.didLength,
		Subnet:   nid[4]%252 + 1,
		Node:     node,
	}
	copy(seed.ID[:], e.did[:])
	if err := e.cfg.Tables.UpdateDomain(0, seed); err != nil {
		e.logger.Printf("isi: domain seed rejected: %v", err)
	}
}

// resetVolatileLocked rebuilds the volatile state; never persisted.
func (e *Engine) resetVolatileLocked() {
	e.tickCount = 0
	e.slot = 0
	e.rng = uint32(e.per.Serial)*2654435761 + 1
	e.spreading = e.computeSpreadingLocked()
	e.spreadTicks = e.spreading
	e.enrollState = EnrollNormal
	e.pendingAsm = -1
	e.memberCount = 0
	e.csmrNext = 0
	e.csmiNext = 0
	e.hbNext = 0
	e.daState = daIdle
	e.daUpdating = false
	e.nextSelector = 0
}

// computeSpreadingLocked spaces the periodic slots over the estimated
// network population so broadcasts from many devices interleave.
func (e *Engine) computeSpreadingLocked() int {
	devices := int(e.per.DeviceCount)
	if devices < 8 {
		devices = 8
	}
	ticks := devices * constants.TicksPerSecond / constants.PeriodicSlots
	if ticks < 250 {
		ticks = 250
	}
	if ticks > 60*constants.TicksPerSecond {
		ticks = 60 * constants.TicksPerSecond
	}
	return ticks
}

// Stop halts the scheduler after persisting state. Idempotent; a
// subsequent Start rebuilds the volatile state.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	e.persistLocked()
	e.running = false
	return nil
}

// ReturnToFactoryDefaults drops every connection, clears the persistent
// state and re-seeds the tables. Idempotent.
func (e *Engine) ReturnToFactoryDefaults() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.conns {
		e.conns[i] = Connection{}
	}
	e.per = Persist{BootType: BootReset, RepeatCount: e.repeat}
	if e.per.RepeatCount == 0 {
		e.per.RepeatCount = 1
	}
	e.cfg.Tables.ResetToFactory()
	if e.running {
		e.seedDomainLocked()
		e.resetVolatileLocked()
	}
	e.persistLocked()
	return nil
}

// persistLocked commits the ISI segment and connection table.
func (e *Engine) persistLocked() {
	if err := persist.WriteImage(e.cfg.Store, persist.SegmentIsi, e.cfg.AppSignature, e.per.encode()); err != nil {
		e.logger.Printf("isi: persist failed: %v", err)
		e.diag(DiagPersistenceFailure, 0)
	}
	body := make([]byte, len(e.conns)*connRowSize)
	for i := range e.conns {
		e.conns[i].encode(body[i*connRowSize:])
	}
	if err := persist.WriteImage(e.cfg.Store, persist.SegmentConnectionTable, e.cfg.AppSignature, body); err != nil {
		e.logger.Printf("isi: connection table persist failed: %v", err)
		e.diag(DiagPersistenceFailure, 0)
	}
}

// Persisted returns a copy of the persistent state.
func (e *Engine) Persisted() Persist {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.per
}

// Connections returns a copy of the connection table.
func (e *Engine) Connections() []Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Connection(nil), e.conns...)
}

// Tick advances the engine by one scheduler tick (1 ms). Safe to call when
// stopped; it does nothing then.
func (e *Engine) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.tickCount++
	e.tickEnrollmentLocked()
	e.tickAcquisitionLocked()
	e.tickPeriodicLocked()
}

// Advance runs the given number of ticks; the stack's periodic hook calls
// this with the elapsed milliseconds.
func (e *Engine) Advance(ticks int) {
	for i := 0; i < ticks; i++ {
		e.Tick()
	}
}

// jitterLocked returns -1, 0 or +1 tick from a small linear congruential
// generator, spreading broadcasts around the nominal interval.
func (e *Engine) jitterLocked() int {
	e.rng = e.rng*1664525 + 1013904223
	return int(e.rng>>30)%3 - 1
}

// tickPeriodicLocked decrements the slot timer and transmits the current
// periodic slot when it expires.
func (e *Engine) tickPeriodicLocked() {
	e.spreadTicks--
	if e.spreadTicks > 0 {
		return
	}
	e.sendSlotLocked(e.slot)
	e.slot = (e.slot + 1) % constants.PeriodicSlots
	e.spreadTicks = e.spreading + e.jitterLocked()
}

// sendSlotLocked transmits the content of one rotation slot. Slot 0 is
// always the DRUM announcement; at least every eighth slot carries one.
func (e *Engine) sendSlotLocked(slot int) {
	switch slot {
	case 0:
		e.sendDrumLocked()
	case 1, 5:
		e.sendCsmrLocked()
	case 2, 6:
		if e.flags&FlagHeartbeats != 0 {
			e.sendNextHeartbeatLocked()
		}
	case 3:
		if e.flags&FlagApplicationPeriodic != 0 && e.cbPeriodicMsg != nil {
			if m := e.cbPeriodicMsg(); m != nil {
				e.sendRaw(*m)
			}
		}
	case 4:
		e.sendCsmiLocked()
	case 7:
		if e.typ == TypeDAS {
			e.sendTimgLocked()
		}
	}
}

// SendDrum broadcasts a device announcement immediately.
func (e *Engine) SendDrum() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}
	e.sendDrumLocked()
	return nil
}

func (e *Engine) sendDrumLocked() {
	d := drum{
		NeuronID:    e.cfg.NeuronID,
		DidLength:   e.didLength,
		Did:         e.did,
		DeviceCount: e.per.DeviceCount,
		Channel:     uint8(e.cfg.Channel),
	}
	e.broadcast(d.encode())
}

func (e *Engine) sendTimgLocked() {
	t := timg{DeviceCount: e.per.DeviceCount, Channel: uint8(e.cfg.Channel)}
	e.broadcast(t.encode())
}

// sendCsmrLocked re-announces the next hosted connection.
func (e *Engine) sendCsmrLocked() {
	for n := 0; n < len(e.conns); n++ {
		i := (e.csmrNext + n) % len(e.conns)
		c := &e.conns[i]
		if c.State == ConnHost {
			e.csmrNext = i + 1
			m := csmo{
				NeuronID: e.cfg.NeuronID,
				Selector: c.Selector,
				Data: CsmoData{
					Group: c.Group,
					Width: c.Width,
				},
			}
			e.broadcast(m.encode(msgCsmr))
			return
		}
	}
}

// sendCsmiLocked announces the next membership record.
func (e *Engine) sendCsmiLocked() {
	for n := 0; n < len(e.conns); n++ {
		i := (e.csmiNext + n) % len(e.conns)
		c := &e.conns[i]
		if c.State == ConnMember {
			e.csmiNext = i + 1
			m := csmi{
				NeuronID: e.cfg.NeuronID,
				Selector: c.Selector,
				Assembly: c.Assembly,
				Offset:   c.MemberIndex,
			}
			e.broadcast(m.encode())
			return
		}
	}
}

// broadcast sends an ISI body domain-wide with the configured repeats.
func (e *Engine) broadcast(body []byte) {
	e.sendRaw(lon.Message{
		Code:    MessageCode,
		Service: lon.ServiceUnackedRepeat,
		Repeats: e.per.RepeatCount,
		Dest:    lon.Destination{Type: lon.DestBroadcast},
		Data:    body,
	})
}

// sendTo sends an ISI body to one device by neuron ID.
func (e *Engine) sendTo(body []byte, nid [6]byte, service lon.ServiceType) {
	e.sendRaw(lon.Message{
		Code:    MessageCode,
		Service: service,
		Repeats: e.per.RepeatCount,
		Dest:    lon.Destination{Type: lon.DestNeuronID, NeuronID: nid},
		Data:    body,
	})
}

func (e *Engine) sendRaw(m lon.Message) {
	if e.cfg.Send == nil {
		return
	}
	if err := e.cfg.Send(m); err != nil {
		e.logger.Debugf("isi: send failed: %v", err)
		e.diag(DiagSendFailure, 0)
	}
}

// Deliver dispatches an inbound out-of-band message into the engine; the
// stack registers this as its ISI dispatcher.
func (e *Engine) Deliver(msg lon.InboundMessage) {
	if msg.Code != MessageCode || len(msg.Data) < 1 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}

	body := msg.Data
	switch body[0] {
	case msgDrum:
		if d, err := decodeDrum(body); err == nil {
			e.handleDrumLocked(d)
		}
	case msgTimg:
		if t, err := decodeTimg(body); err == nil {
			e.handleTimgLocked(t)
		}
	case msgCsmo:
		if c, err := decodeCsmo(body); err == nil {
			e.handleCsmoLocked(c)
		}
	case msgCsmr:
		if c, err := decodeCsmo(body); err == nil {
			e.handleCsmrLocked(c)
		}
	case msgCsme:
		if c, err := decodeCsmShort(body); err == nil {
			e.handleCsmeLocked(c)
		}
	case msgCsmc:
		if c, err := decodeCsmShort(body); err == nil {
			e.handleCsmcLocked(c)
		}
	case msgCsmx:
		if c, err := decodeCsmShort(body); err == nil {
			e.handleCsmxLocked(c)
		}
	case msgCsmd:
		if c, err := decodeCsmShort(body); err == nil {
			e.handleCsmdLocked(c)
		}
	case msgCsmi:
		if c, err := decodeCsmi(body); err == nil {
			e.handleCsmiLocked(c)
		}
	case msgDidrq:
		if d, err := decodeDidShort(body); err == nil {
			e.handleDidrqLocked(d)
		}
	case msgDidrm:
		if d, err := decodeDidrm(body); err == nil {
			e.handleDidrmLocked(d)
		}
	case msgDidcf:
		if d, err := decodeDidShort(body); err == nil {
			e.handleDidcfLocked(d)
		}
	case msgCtrq:
		if c, err := decodeCtrq(body); err == nil {
			e.handleCtrqLocked(c)
		}
	}
}

// handleDrumLocked folds a peer announcement into the population estimate.
func (e *Engine) handleDrumLocked(d drum) {
	if d.NeuronID == e.cfg.NeuronID {
		e.diag(DiagDuplicateDrum, 0)
		return
	}
	if d.DeviceCount > e.per.DeviceCount {
		e.per.DeviceCount = d.DeviceCount
		e.spreading = e.computeSpreadingLocked()
	}
}

func (e *Engine) handleTimgLocked(t timg) {
	if t.DeviceCount > e.per.DeviceCount {
		e.per.DeviceCount = t.DeviceCount
		e.spreading = e.computeSpreadingLocked()
	}
}
