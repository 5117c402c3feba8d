package isi

import (
	lon "github.com/ehrlich-b/go-lon"
	"github.com/ehrlich-b/go-lon/internal/constants"
)

// enrollTimeoutTicks bounds any open enrollment.
var enrollTimeoutTicks = int(constants.EnrollTimeout.Milliseconds())

// csmoWindowTicks is the nominal CSME collection window after a CSMO.
var csmoWindowTicks = int(constants.CsmoWindow.Milliseconds())

// OpenEnrollment broadcasts a connection invitation for a local assembly;
// the device becomes the prospective host.
func (e *Engine) OpenEnrollment(assembly int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}
	if assembly < 0 || assembly > 0xFF {
		return ErrInvalidParameter
	}
	if e.enrollState != EnrollNormal {
		return ErrEnrollmentOpen
	}

	data := e.csmoForLocked(assembly)
	sel, err := e.allocSelectorLocked(int(data.Width))
	if err != nil {
		return err
	}

	e.enrollState = EnrollInviting
	e.pendingAsm = assembly
	e.pendingSel = sel
	e.pendingCsmo = data
	e.pendingHost = true
	e.pendingAuto = false
	e.memberCount = 0
	e.enrollTicks = enrollTimeoutTicks
	e.csmoTicks = csmoWindowTicks

	m := csmo{NeuronID: e.cfg.NeuronID, Selector: sel, Data: data}
	e.broadcast(m.encode(msgCsmo))
	return nil
}

// csmoForLocked builds the invitation payload from the application
// callbacks, with engine defaults where none are registered.
func (e *Engine) csmoForLocked(assembly int) CsmoData {
	if e.cbCreateCsmo != nil {
		return e.cbCreateCsmo(assembly)
	}
	data := CsmoData{Width: uint8(e.widthLocked(assembly)), Group: uint8(assembly)}
	if e.cbPrimaryGroup != nil {
		data.Group = e.cbPrimaryGroup(assembly)
	}
	return data
}

func (e *Engine) widthLocked(assembly int) int {
	if e.cbGetWidth != nil {
		if w := e.cbGetWidth(assembly); w > 0 {
			return w
		}
	}
	return 1
}

// CreateEnrollment confirms an enrollment: the host emits the CSMC and
// commits; an invited member accepts with a CSME.
func (e *Engine) CreateEnrollment(assembly int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}
	if e.pendingAsm != assembly {
		return ErrNotInEnrollment
	}

	switch e.enrollState {
	case EnrollPlannedParty:
		m := csmShort{NeuronID: e.cfg.NeuronID, Selector: e.pendingSel}
		e.broadcast(m.encode(msgCsmc))
		if err := e.commitConnectionLocked(true, assembly, e.pendingSel, e.pendingCsmo, e.pendingAuto); err != nil {
			return err
		}
		e.clearEnrollmentLocked()
		e.ui(EventImplemented, assembly)
		return nil

	case EnrollInvited:
		m := csmShort{NeuronID: e.cfg.NeuronID, Selector: e.pendingSel}
		e.broadcast(m.encode(msgCsme))
		e.enrollState = EnrollAccepted
		e.ui(EventApproved, assembly)
		return nil

	default:
		return ErrNotInEnrollment
	}
}

// ExtendEnrollment re-broadcasts the open invitation so late peers can
// still join.
func (e *Engine) ExtendEnrollment(assembly int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}
	if !e.pendingHost || e.pendingAsm != assembly ||
		(e.enrollState != EnrollInviting && e.enrollState != EnrollPlannedParty) {
		return ErrNotInEnrollment
	}
	e.csmoTicks = csmoWindowTicks
	m := csmo{NeuronID: e.cfg.NeuronID, Selector: e.pendingSel, Data: e.pendingCsmo}
	e.broadcast(m.encode(msgCsmo))
	return nil
}

// CancelEnrollment aborts an open enrollment. The host broadcasts a CSMX;
// an invited member reverts silently.
func (e *Engine) CancelEnrollment(assembly int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}
	if e.pendingAsm != assembly || e.enrollState == EnrollNormal {
		return ErrNotInEnrollment
	}
	if e.pendingHost {
		m := csmShort{NeuronID: e.cfg.NeuronID, Selector: e.pendingSel}
		e.broadcast(m.encode(msgCsmx))
	}
	e.clearEnrollmentLocked()
	e.ui(EventCancelled, assembly)
	return nil
}

// LeaveEnrollment removes this device's membership in an established
// connection without deleting it network-wide.
func (e *Engine) LeaveEnrollment(assembly int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}
	for i := range e.conns {
		c := &e.conns[i]
		if c.State == ConnMember && int(c.Assembly) == assembly {
			e.releaseConnectionLocked(i)
			e.persistLocked()
			e.ui(EventDeleted, assembly)
			return nil
		}
	}
	return ErrNoConnection
}

// DeleteEnrollment removes a connection everywhere: a CSMD is broadcast
// and the local record released.
func (e *Engine) DeleteEnrollment(assembly int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}
	for i := range e.conns {
		c := &e.conns[i]
		if (c.State == ConnHost || c.State == ConnMember) && int(c.Assembly) == assembly {
			m := csmShort{NeuronID: e.cfg.NeuronID, Selector: c.Selector}
			e.broadcast(m.encode(msgCsmd))
			e.releaseConnectionLocked(i)
			e.persistLocked()
			e.ui(EventDeleted, assembly)
			return nil
		}
	}
	return ErrNoConnection
}

// InitiateAutoEnrollment establishes an automatic connection: the host
// commits immediately and announces the invitation; matching peers join
// without user interaction.
func (e *Engine) InitiateAutoEnrollment(data CsmoData, assembly int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}
	if assembly < 0 || assembly > 0xFF {
		return ErrInvalidParameter
	}
	if data.Width == 0 {
		data.Width = uint8(e.widthLocked(assembly))
	}
	sel, err := e.allocSelectorLocked(int(data.Width))
	if err != nil {
		return err
	}
	if err := e.commitConnectionLocked(true, assembly, sel, data, true); err != nil {
		return err
	}
	m := csmo{NeuronID: e.cfg.NeuronID, Selector: sel, Data: data}
	m.Data.Auto = true
	e.broadcast(m.encode(msgCsmo))
	e.ui(EventImplemented, assembly)
	return nil
}

// IsConnected reports whether the assembly participates in an established
// connection.
func (e *Engine) IsConnected(assembly int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.conns {
		c := &e.conns[i]
		if (c.State == ConnHost || c.State == ConnMember) && int(c.Assembly) == assembly {
			return true
		}
	}
	return false
}

// IsAutomaticallyEnrolled reports whether the assembly's connection was
// established by automatic enrollment.
func (e *Engine) IsAutomaticallyEnrolled(assembly int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.conns {
		c := &e.conns[i]
		if (c.State == ConnHost || c.State == ConnMember) && int(c.Assembly) == assembly {
			return c.Auto
		}
	}
	return false
}

// IsBecomingHost reports whether an invitation of ours is open.
func (e *Engine) IsBecomingHost() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingHost &&
		(e.enrollState == EnrollInviting || e.enrollState == EnrollPlannedParty)
}

func (e *Engine) clearEnrollmentLocked() {
	e.enrollState = EnrollNormal
	e.pendingAsm = -1
	e.pendingHost = false
	e.pendingAuto = false
	e.memberCount = 0
	e.enrollTicks = 0
	e.csmoTicks = 0
}

// tickEnrollmentLocked expires the enrollment window.
func (e *Engine) tickEnrollmentLocked() {
	if e.enrollState == EnrollNormal {
		return
	}
	if e.csmoTicks > 0 {
		e.csmoTicks--
	}
	e.enrollTicks--
	if e.enrollTicks > 0 {
		return
	}
	if e.pendingHost {
		m := csmShort{NeuronID: e.cfg.NeuronID, Selector: e.pendingSel}
		e.broadcast(m.encode(msgCsmx))
	}
	asm := e.pendingAsm
	e.clearEnrollmentLocked()
	e.ui(EventAborted, asm)
}

// handleCsmoLocked processes an incoming invitation.
func (e *Engine) handleCsmoLocked(c csmo) {
	if c.NeuronID == e.cfg.NeuronID {
		return
	}
	// A peer claiming a selector we already use forces a local
	// reallocation of our connection.
	e.resolveSelectorConflictLocked(c.Selector, c.Data.Width)

	if e.cbGetAssembly == nil {
		return
	}
	assembly := e.cbGetAssembly(c.Data, c.Data.Auto, -1)
	if assembly < 0 {
		return
	}

	if c.Data.Auto {
		if err := e.commitConnectionLocked(false, assembly, c.Selector, c.Data, true); err != nil {
			e.logger.Debugf("isi: auto enrollment failed: %v", err)
			return
		}
		e.persistLocked()
		e.ui(EventImplemented, assembly)
		return
	}

	if e.enrollState != EnrollNormal {
		// One pending enrollment at a time.
		return
	}
	e.enrollState = EnrollInvited
	e.pendingAsm = assembly
	e.pendingSel = c.Selector
	e.pendingCsmo = c.Data
	e.pendingHost = false
	e.pendingAuto = false
	e.enrollTicks = enrollTimeoutTicks
	e.ui(EventPending, assembly)
}

// handleCsmrLocked reconciles a host's reminder against local state.
func (e *Engine) handleCsmrLocked(c csmo) {
	if c.NeuronID == e.cfg.NeuronID {
		return
	}
	e.resolveSelectorConflictLocked(c.Selector, c.Data.Width)
}

// handleCsmeLocked records a peer's acceptance while we host an open
// enrollment.
func (e *Engine) handleCsmeLocked(c csmShort) {
	if !e.pendingHost || c.Selector != e.pendingSel {
		return
	}
	switch e.enrollState {
	case EnrollInviting:
		e.enrollState = EnrollPlannedParty
		e.memberCount = 1
		e.ui(EventApproved, e.pendingAsm)
	case EnrollPlannedParty:
		e.memberCount++
	}
}

// handleCsmcLocked commits an accepted membership when the host confirms.
func (e *Engine) handleCsmcLocked(c csmShort) {
	if e.pendingHost || e.enrollState != EnrollAccepted || c.Selector != e.pendingSel {
		return
	}
	assembly := e.pendingAsm
	if err := e.commitConnectionLocked(false, assembly, e.pendingSel, e.pendingCsmo, false); err != nil {
		e.logger.Debugf("isi: member commit failed: %v", err)
		e.clearEnrollmentLocked()
		return
	}
	e.clearEnrollmentLocked()
	e.ui(EventImplemented, assembly)
}

// handleCsmxLocked aborts a pending membership on the host's cancel.
func (e *Engine) handleCsmxLocked(c csmShort) {
	if e.pendingHost || e.enrollState == EnrollNormal || c.Selector != e.pendingSel {
		return
	}
	asm := e.pendingAsm
	e.clearEnrollmentLocked()
	e.ui(EventCancelled, asm)
}

// handleCsmdLocked removes an existing connection network-wide.
func (e *Engine) handleCsmdLocked(c csmShort) {
	for i := range e.conns {
		conn := &e.conns[i]
		if conn.State.active() && conn.Selector == c.Selector {
			asm := int(conn.Assembly)
			e.releaseConnectionLocked(i)
			e.persistLocked()
			e.ui(EventDeleted, asm)
			return
		}
	}
}

// handleCsmiLocked receives a peer's membership summary. It changes no
// state and ages out no records.
func (e *Engine) handleCsmiLocked(c csmi) {
	if c.NeuronID == e.cfg.NeuronID {
		return
	}
	// A member reporting a selector we host keeps that record warm; no
	// state change needed in this engine revision.
}

// commitConnectionLocked installs a connection record and programs the
// datapoint and address tables for the assembly.
func (e *Engine) commitConnectionLocked(host bool, assembly int, selector uint16, data CsmoData, auto bool) error {
	slot := -1
	for i := range e.conns {
		if !e.conns[i].State.active() {
			slot = i
			break
		}
	}
	if slot < 0 {
		return ErrNoCapability
	}

	width := int(data.Width)
	if width == 0 {
		width = 1
	}
	addrIndex, err := e.allocGroupAddressLocked(data.Group, uint8(width))
	if err != nil {
		return err
	}

	service := lon.ServiceUnackedRepeat
	if data.Acked {
		service = lon.ServiceAcked
	}

	prev := -1
	for offset := 0; offset < width; offset++ {
		dpIndex := e.dpIndexLocked(assembly, offset, prev)
		prev = dpIndex
		if dpIndex < 0 || dpIndex >= lon.MaxDatapoints {
			continue
		}
		dp, err := e.cfg.Tables.QueryDpConfig(dpIndex)
		if err != nil {
			continue
		}
		dp.Selector = (selector + uint16(offset)) & lon.SelectorMask
		dp.AddressIndex = uint8(addrIndex)
		dp.Service = service
		if err := e.cfg.Tables.UpdateDpConfig(dpIndex, dp); err != nil {
			e.logger.Debugf("isi: dp %d program failed: %v", dpIndex, err)
		}
	}

	state := ConnMember
	if host {
		state = ConnHost
	}
	e.conns[slot] = Connection{
		State:        state,
		Assembly:     uint8(assembly),
		Host:         host,
		Auto:         auto,
		Selector:     selector,
		AddressIndex: uint8(addrIndex),
		Group:        data.Group,
		Width:        uint8(width),
	}
	e.persistLocked()
	return nil
}

// dpIndexLocked resolves an assembly offset to a datapoint index; without
// a callback the assembly number is the base index.
func (e *Engine) dpIndexLocked(assembly, offset, previous int) int {
	if e.cbGetDpIndex != nil {
		return e.cbGetDpIndex(assembly, offset, previous)
	}
	return assembly + offset
}

// releaseConnectionLocked clears a record, unbinds its datapoints and
// sweeps the address table.
func (e *Engine) releaseConnectionLocked(i int) {
	c := e.conns[i]
	e.conns[i] = Connection{}

	width := int(c.Width)
	if width == 0 {
		width = 1
	}
	for offset := 0; offset < width; offset++ {
		sel := (c.Selector + uint16(offset)) & lon.SelectorMask
		if dpIndex, ok := e.cfg.Tables.FindDatapointBySelector(sel); ok {
			dp, err := e.cfg.Tables.QueryDpConfig(dpIndex)
			if err != nil {
				continue
			}
			dp.AddressIndex = lon.AddressUnbound
			if err := e.cfg.Tables.UpdateDpConfig(dpIndex, dp); err != nil {
				e.logger.Debugf("isi: dp %d unbind failed: %v", dpIndex, err)
			}
		}
	}
	e.sweepAddressTableLocked()
}
