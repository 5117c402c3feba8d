package isi

import lon "github.com/ehrlich-b/go-lon"

// sendNextHeartbeatLocked republishes the next bound group-addressed
// output datapoint in the rotation. The application may intercept via
// QueryHeartbeat.
func (e *Engine) sendNextHeartbeatLocked() {
	t := e.cfg.Tables
	for n := 0; n < lon.MaxDatapoints; n++ {
		i := (e.hbNext + n) % lon.MaxDatapoints
		dp, err := t.QueryDpConfig(i)
		if err != nil {
			return
		}
		if !dp.Output || !dp.Bound() {
			continue
		}
		addr, err := t.QueryAddress(int(dp.AddressIndex))
		if err != nil || addr.Type != lon.AddressTypeGroup {
			continue
		}
		e.hbNext = i + 1
		e.issueHeartbeatLocked(i, dp, addr)
		return
	}
}

// IssueHeartbeat republishes one datapoint immediately, bypassing the
// rotation.
func (e *Engine) IssueHeartbeat(dpIndex int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}
	dp, err := e.cfg.Tables.QueryDpConfig(dpIndex)
	if err != nil {
		return ErrInvalidParameter
	}
	if !dp.Output || !dp.Bound() {
		return ErrNoConnection
	}
	addr, err := e.cfg.Tables.QueryAddress(int(dp.AddressIndex))
	if err != nil || addr.Type != lon.AddressTypeGroup {
		return ErrNoConnection
	}
	e.issueHeartbeatLocked(dpIndex, dp, addr)
	return nil
}

// issueHeartbeatLocked sends the datapoint value with the
// unacknowledged-with-one-repeat service.
func (e *Engine) issueHeartbeatLocked(dpIndex int, dp lon.DpConfig, addr lon.AddressEntry) {
	if e.cbQueryHeartbeat != nil && e.cbQueryHeartbeat(dpIndex) {
		// Application took over this heartbeat.
		return
	}
	var value []byte
	if e.cbGetDpValue != nil {
		value = e.cbGetDpValue(dpIndex)
	}

	sel := dp.Selector & lon.SelectorMask
	data := make([]byte, 0, 1+len(value))
	data = append(data, byte(sel))
	data = append(data, value...)

	e.sendRaw(lon.Message{
		Code:    0x80 | byte(sel>>8),
		Service: lon.ServiceUnackedRepeat,
		Repeats: 1,
		Dest:    lon.Destination{Type: lon.DestGroup, Group: addr.Group},
		Data:    data,
	})
}
