package isi

import (
	lon "github.com/ehrlich-b/go-lon"
	"github.com/ehrlich-b/go-lon/internal/constants"
)

// Domain and device acquisition: a DA device requests a domain from a
// domain address server with DIDRQ, collects DIDRM replies, and confirms
// with DIDCF. A DAS answers requests and can fetch remote devices into its
// domain with query-domain/update-domain network management commands.

type daState int

const (
	daIdle daState = iota
	daAwaitDidrx
	daCollect
	daAwaitConfirm
	daAwaitQdr
)

// Network management command codes used by FetchDevice.
const (
	nmQueryDomain         = 0x6A
	nmQueryDomainSuccess  = 0x2A
	nmUpdateDomain        = 0x63
	nmUpdateDomainSuccess = 0x23
)

var collectWindowTicks = int(constants.CollectWindow.Milliseconds())

// FetchDomain starts domain acquisition on a DA device: broadcast a DIDRQ
// and collect replies for the collection window.
func (e *Engine) FetchDomain() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}
	if e.typ != TypeDA {
		return ErrNoCapability
	}
	if e.daState != daIdle {
		return ErrEnrollmentOpen
	}

	e.daState = daCollect
	e.daRetries = 0
	e.daWindow = collectWindowTicks
	e.daTicks = e.daWindow
	e.daHaveCand = false
	e.broadcast(didShort{NeuronID: e.cfg.NeuronID}.encode(msgDidrq))
	return nil
}

// ConfirmDomain accepts or declines the collected domain reply. Accepting
// installs the domain and broadcasts the DIDCF confirmation.
func (e *Engine) ConfirmDomain(accept bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}
	if e.daState != daAwaitConfirm || !e.daHaveCand {
		return ErrNotInEnrollment
	}
	e.daState = daIdle
	if !accept {
		return nil
	}

	cand := e.daCandidate
	d := lon.Domain{
		IDLength: cand.DidLength,
		Subnet:   cand.Subnet,
		Node:     cand.Node & 0x7F,
	}
	copy(d.ID[:], cand.Did[:])
	if err := e.cfg.Tables.UpdateDomain(0, d); err != nil {
		return ErrInvalidParameter
	}
	e.didLength = cand.DidLength
	e.did = cand.Did
	e.persistLocked()

	e.broadcast(didShort{NeuronID: e.cfg.NeuronID}.encode(msgDidcf))
	e.ui(EventDomainConfirmed, 0)
	return nil
}

// FetchDevice pulls one remote device into this server's domain using the
// query-domain/update-domain network management commands.
func (e *Engine) FetchDevice(neuronID [6]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}
	if e.typ != TypeDAS {
		return ErrNoCapability
	}
	if e.daState != daIdle {
		return ErrEnrollmentOpen
	}

	e.daState = daAwaitQdr
	e.daTarget = neuronID
	e.daRetries = 0
	e.daUpdating = false
	e.daTicks = collectWindowTicks
	e.sendQueryDomainLocked()
	return nil
}

func (e *Engine) sendQueryDomainLocked() {
	e.sendRaw(lon.Message{
		Code:    nmQueryDomain,
		Service: lon.ServiceRequest,
		Repeats: e.per.RepeatCount,
		Dest:    lon.Destination{Type: lon.DestNeuronID, NeuronID: e.daTarget},
		Data:    []byte{0}, // domain index
	})
}

// DeliverResponse feeds network management responses back into a pending
// FetchDevice transaction; the application registers this as the explicit
// message handler on a DAS.
func (e *Engine) DeliverResponse(msg lon.InboundMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.daState != daAwaitQdr {
		return
	}

	switch msg.Code {
	case nmQueryDomainSuccess:
		if e.daUpdating {
			return
		}
		// The device answered; write our domain into it.
		d, err := e.cfg.Tables.QueryDomain(0)
		if err != nil || d.Invalid {
			e.daState = daIdle
			return
		}
		e.daUpdating = true
		e.daUpdateNode = e.nextDasNodeLocked()
		e.daRetries = 0
		e.daTicks = collectWindowTicks
		e.sendUpdateDomainLocked()

	case nmUpdateDomainSuccess:
		if !e.daUpdating {
			return
		}
		e.daState = daIdle
		e.daUpdating = false
		e.per.DeviceCount++
		e.persistLocked()
		e.ui(EventDomainConfirmed, 0)
	}
}

// sendUpdateDomainLocked writes this server's domain into the fetched
// device.
func (e *Engine) sendUpdateDomainLocked() {
	d, err := e.cfg.Tables.QueryDomain(0)
	if err != nil || d.Invalid {
		e.daState = daIdle
		e.daUpdating = false
		return
	}
	body := make([]byte, 0, 10)
	body = append(body, 0) // domain index
	body = append(body, d.ID[:]...)
	body = append(body, d.IDLength, d.Subnet, e.daUpdateNode)
	e.sendRaw(lon.Message{
		Code:    nmUpdateDomain,
		Service: lon.ServiceRequest,
		Repeats: e.per.RepeatCount,
		Dest:    lon.Destination{Type: lon.DestNeuronID, NeuronID: e.daTarget},
		Data:    body,
	})
}

// nextDasNodeLocked hands out node IDs for fetched devices.
func (e *Engine) nextDasNodeLocked() uint8 {
	n := e.dasNextNode
	e.dasNextNode++
	if e.dasNextNode > 125 {
		e.dasNextNode = 2
	}
	return n
}

// tickAcquisitionLocked drives the collection and retry windows.
func (e *Engine) tickAcquisitionLocked() {
	switch e.daState {
	case daCollect:
		e.daTicks--
		if e.daTicks > 0 {
			return
		}
		if e.daHaveCand {
			e.daState = daAwaitConfirm
			e.ui(EventDomainFound, 0)
			return
		}
		e.daRetries++
		if e.daRetries > constants.DidrqRetries {
			e.daState = daIdle
			e.diag(DiagRetryExhausted, int(constants.DidrqRetries))
			return
		}
		e.ui(EventRetry, e.daRetries)
		e.daTicks = e.daWindow
		e.broadcast(didShort{NeuronID: e.cfg.NeuronID}.encode(msgDidrq))

	case daAwaitQdr:
		e.daTicks--
		if e.daTicks > 0 {
			return
		}
		e.daRetries++
		ceiling := constants.QueryDomainRetries
		if e.daUpdating {
			ceiling = constants.UpdateDomainRetries
		}
		if e.daRetries > ceiling {
			e.daState = daIdle
			e.daUpdating = false
			e.diag(DiagRetryExhausted, ceiling)
			return
		}
		e.daTicks = collectWindowTicks
		if e.daUpdating {
			e.sendUpdateDomainLocked()
		} else {
			e.sendQueryDomainLocked()
		}
	}
}

// handleDidrqLocked answers a domain request when acting as the server.
func (e *Engine) handleDidrqLocked(d didShort) {
	if e.typ != TypeDAS {
		return
	}
	dom, err := e.cfg.Tables.QueryDomain(0)
	if err != nil || dom.Invalid {
		return
	}
	reply := didrm{
		DidLength: dom.IDLength,
		Subnet:    dom.Subnet,
		Node:      e.nextDasNodeLocked(),
	}
	copy(reply.Did[:], dom.ID[:])
	e.sendTo(reply.encode(), d.NeuronID, lon.ServiceAcked)
}

// handleDidrmLocked collects replies on a DA device, backing off on
// collisions between competing servers.
func (e *Engine) handleDidrmLocked(d didrm) {
	if e.daState != daCollect {
		return
	}
	if !e.daHaveCand {
		e.daCandidate = d
		e.daHaveCand = true
		return
	}
	if d.Did != e.daCandidate.Did || d.DidLength != e.daCandidate.DidLength {
		// Competing servers answered; widen the window, capped at four
		// times the nominal, and keep collecting.
		e.daWindow *= 2
		if e.daWindow > 4*collectWindowTicks {
			e.daWindow = 4 * collectWindowTicks
		}
		e.daTicks = e.daWindow
		e.daHaveCand = false
	}
}

// handleDidcfLocked counts a confirmed acquisition on the server side.
func (e *Engine) handleDidcfLocked(d didShort) {
	if e.typ != TypeDAS {
		return
	}
	e.per.DeviceCount++
	e.persistLocked()
}
