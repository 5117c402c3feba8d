package isi

import (
	lon "github.com/ehrlich-b/go-lon"
	"github.com/ehrlich-b/go-lon/internal/constants"
)

// allocSelectorLocked hands out a conflict-free run of width selectors
// from the pool 0x0000..0x2FFF.
func (e *Engine) allocSelectorLocked(width int) (uint16, error) {
	if width < 1 {
		width = 1
	}
	for tries := 0; tries <= constants.SelectorPoolTop; tries++ {
		cand := e.nextSelector
		e.nextSelector++
		if int(e.nextSelector)+width > constants.SelectorPoolTop+1 {
			e.nextSelector = 0
		}
		if int(cand)+width > constants.SelectorPoolTop+1 {
			continue
		}
		free := true
		for off := 0; off < width; off++ {
			if e.selectorInUseLocked(cand + uint16(off)) {
				free = false
				break
			}
		}
		if free {
			return cand, nil
		}
	}
	return 0, ErrSelectorExhausted
}

// selectorInUseLocked consults the connection table, the pending
// enrollment and the datapoint tables.
func (e *Engine) selectorInUseLocked(sel uint16) bool {
	for i := range e.conns {
		c := &e.conns[i]
		if !c.State.active() {
			continue
		}
		w := int(c.Width)
		if w == 0 {
			w = 1
		}
		if sel >= c.Selector && int(sel) < int(c.Selector)+w {
			return true
		}
	}
	if e.enrollState != EnrollNormal {
		w := int(e.pendingCsmo.Width)
		if w == 0 {
			w = 1
		}
		if sel >= e.pendingSel && int(sel) < int(e.pendingSel)+w {
			return true
		}
	}
	if _, ok := e.cfg.Tables.FindDatapointBySelector(sel); ok {
		return true
	}
	return false
}

// resolveSelectorConflictLocked reprograms a hosted connection whose
// selector collides with a newly received invitation.
func (e *Engine) resolveSelectorConflictLocked(sel uint16, width uint8) {
	w := int(width)
	if w == 0 {
		w = 1
	}
	for i := range e.conns {
		c := &e.conns[i]
		if c.State != ConnHost {
			continue
		}
		cw := int(c.Width)
		if cw == 0 {
			cw = 1
		}
		if int(c.Selector) < int(sel)+w && int(sel) < int(c.Selector)+cw {
			e.diag(DiagSelectorConflict, int(c.Selector))
			e.reallocateConnectionLocked(i)
			return
		}
	}
}

// reallocateConnectionLocked issues a replacement selector for a hosted
// connection and reprograms the local datapoints and their aliases.
func (e *Engine) reallocateConnectionLocked(i int) {
	c := &e.conns[i]
	old := c.Selector
	width := int(c.Width)
	if width == 0 {
		width = 1
	}
	fresh, err := e.allocSelectorLocked(width)
	if err != nil {
		e.logger.Printf("isi: selector reallocation failed: %v", err)
		return
	}
	c.Selector = fresh

	for offset := 0; offset < width; offset++ {
		from := (old + uint16(offset)) & lon.SelectorMask
		to := (fresh + uint16(offset)) & lon.SelectorMask
		e.reprogramSelectorLocked(from, to)
	}
	e.persistLocked()

	// Announce the replacement so members repair their bindings.
	m := csmo{
		NeuronID: e.cfg.NeuronID,
		Selector: fresh,
		Data:     CsmoData{Group: c.Group, Width: c.Width},
	}
	e.broadcast(m.encode(msgCsmr))
}

// reprogramSelectorLocked rewrites every datapoint and alias bound to one
// selector.
func (e *Engine) reprogramSelectorLocked(from, to uint16) {
	t := e.cfg.Tables
	for i := 0; i < lon.MaxDatapoints; i++ {
		dp, err := t.QueryDpConfig(i)
		if err != nil {
			return
		}
		if dp.Bound() && dp.Selector == from {
			dp.Selector = to
			if err := t.UpdateDpConfig(i, dp); err != nil {
				e.logger.Debugf("isi: dp %d reprogram failed: %v", i, err)
			}
		}
	}
	for i := 0; i < lon.MaxAliases; i++ {
		a, err := t.QueryAliasConfig(i)
		if err != nil {
			return
		}
		if a.InUse() && a.Dp.Selector == from {
			a.Dp.Selector = to
			if err := t.UpdateAliasConfig(i, a); err != nil {
				e.logger.Debugf("isi: alias %d reprogram failed: %v", i, err)
			}
		}
	}
}

// allocGroupAddressLocked finds or creates the group address entry,
// allocating from the channel-dependent bucket.
func (e *Engine) allocGroupAddressLocked(group uint8, size uint8) (int, error) {
	t := e.cfg.Tables

	// Reuse an existing entry for the same group.
	for i := 0; i < lon.MaxAddresses; i++ {
		a, err := t.QueryAddress(i)
		if err != nil {
			break
		}
		if a.Type == lon.AddressTypeGroup && a.Group == group {
			return i, nil
		}
	}

	start := addressBucketStart(e.cfg.Channel)
	end := start + constants.AddressBucketSize
	if end > lon.MaxAddresses {
		end = lon.MaxAddresses
	}
	for i := start; i < end; i++ {
		a, err := t.QueryAddress(i)
		if err != nil {
			break
		}
		if a.InUse() {
			continue
		}
		entry := lon.AddressEntry{
			Type:      lon.AddressTypeGroup,
			Group:     group,
			GroupSize: size,
			Retries:   3,
		}
		if err := t.UpdateAddress(i, entry); err != nil {
			return 0, ErrInvalidParameter
		}
		return i, nil
	}
	return 0, ErrAddressExhausted
}

// sweepAddressTableLocked frees every address entry no datapoint or alias
// references.
func (e *Engine) sweepAddressTableLocked() {
	t := e.cfg.Tables
	var used [lon.MaxAddresses]bool

	for i := 0; i < lon.MaxDatapoints; i++ {
		dp, err := t.QueryDpConfig(i)
		if err != nil {
			return
		}
		if dp.Bound() {
			used[dp.AddressIndex] = true
		}
	}
	for i := 0; i < lon.MaxAliases; i++ {
		a, err := t.QueryAliasConfig(i)
		if err != nil {
			return
		}
		if a.InUse() && a.Dp.Bound() {
			used[a.Dp.AddressIndex] = true
		}
	}
	for i := range e.conns {
		c := &e.conns[i]
		if c.State.active() {
			used[c.AddressIndex] = true
		}
	}

	for i := 0; i < lon.MaxAddresses; i++ {
		if used[i] {
			continue
		}
		a, err := t.QueryAddress(i)
		if err != nil {
			return
		}
		if a.InUse() {
			if err := t.UpdateAddress(i, lon.AddressEntry{}); err != nil {
				e.logger.Debugf("isi: address %d sweep failed: %v", i, err)
			}
		}
	}
}
