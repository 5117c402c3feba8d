package link

import (
	"github.com/ehrlich-b/go-lon/internal/constants"
	"github.com/ehrlich-b/go-lon/internal/frame"
)

// serviceDownlink runs the downlink machine once: timers first, then at
// most one dispatch from the queues. Wire images are built under stateLock
// and written after it is released.
func (l *Link) serviceDownlink(now uint32) {
	var out []byte

	l.stateLock.Lock()
	if l.shutdown {
		l.stateLock.Unlock()
		return
	}

	switch {
	case l.rejectExpired(now):
		// Reject storm: reset the external interface.
		out = l.buildShort(frame.NiResetDevCmd)
		l.resetMachineLocked()
		l.stats.LinkResets.Add(1)

	case l.ackExpired(now):
		out = l.onAckTimeoutLocked(now)
	}

	if out == nil && l.dlState == dlStart {
		// Entering START flushes the non-priority queue and reinitializes
		// the uplink assembly state.
		l.downlinkNormal = nil
		l.resetUplink()
		l.dlState = dlIdle
	}

	if out == nil && l.dlState == dlIdle && !l.dlAckRunning {
		out = l.dispatchLocked(now)
	}
	l.stateLock.Unlock()

	if out != nil {
		l.write(out)
	}
}

func (l *Link) rejectExpired(now uint32) bool {
	return l.dlRejRunning &&
		elapsedMs(now, l.dlRejStart) > uint32(constants.DownlinkWaitTime.Milliseconds())
}

func (l *Link) ackExpired(now uint32) bool {
	return l.dlAckRunning &&
		elapsedMs(now, l.dlAckStart) > uint32(constants.DownlinkAckTimeout.Milliseconds())
}

// onAckTimeoutLocked handles an expired ACK timer: retry, then resync,
// then a full link reset.
func (l *Link) onAckTimeoutLocked(now uint32) []byte {
	l.dlAckRunning = false
	l.dlAckTimeouts++
	l.dlState = dlIdle
	l.stats.AckTimeouts.Add(1)

	if l.dlAckTimeouts >= constants.AckTimeoutsBeforeResync {
		l.dlResyncPhase++
		if l.dlResyncPhase >= constants.MaxResyncPhases {
			l.stats.LinkResets.Add(1)
			out := l.buildShort(frame.NiResetDevCmd)
			l.resetMachineLocked()
			return out
		}
		// Resync burst: probe the interface with a node-status query.
		l.stats.Resyncs.Add(1)
		l.dlState = dlCpMsgReqAckWait
		l.startAckTimer(now)
		return l.buildShort(frame.NiStatusCmd)
	}

	// Retransmit the unacknowledged frame with its original sequence.
	if l.dlBuffer != nil {
		l.dlState = l.pendingWaitState()
		l.startAckTimer(now)
		return l.dlBuffer
	}
	return nil
}

func (l *Link) pendingWaitState() downlinkState {
	if l.dlPending == nil {
		return dlIdle
	}
	if !l.dlPending.short {
		return dlMsgAckWait
	}
	if frame.ResponseExpected(l.dlPending.niCmd) {
		return dlCpResponseWait
	}
	return dlCpAckWait
}

// dispatchLocked pulls the next downlink item, priority queue first, and
// emits its wire image.
func (l *Link) dispatchLocked(now uint32) []byte {
	// An in-flight frame bounced by a FAIL code packet retries before any
	// new dispatch; the sequence number is not advanced.
	if l.dlBuffer != nil && l.dlPending != nil {
		l.dlState = l.pendingWaitState()
		l.startAckTimer(now)
		return l.dlBuffer
	}

	var item downlinkItem
	switch {
	case len(l.downlinkPriority) > 0:
		item = l.downlinkPriority[0]
		l.downlinkPriority = l.downlinkPriority[1:]
	case len(l.downlinkNormal) > 0:
		item = l.downlinkNormal[0]
		l.downlinkNormal = l.downlinkNormal[1:]
	default:
		return nil
	}

	l.dlPending = &item
	if item.short {
		l.dlBuffer = l.buildShort(item.niCmd)
		if frame.ResponseExpected(item.niCmd) {
			l.dlState = dlCpResponseWait
			l.dlExpectedRsp = item.niCmd
		} else {
			l.dlState = dlCpAckWait
		}
	} else {
		l.dlBuffer = frame.EncodeMessage(l.model, l.dlSeq, item.payload)
		l.dlState = dlMsgAckWait
		l.stats.MessagesDown.Add(1)
	}
	l.startAckTimer(now)
	return l.dlBuffer
}

// buildShort encodes a local NI short command. The U61 header has no
// parameter byte, so the command rides as a one-byte message there.
func (l *Link) buildShort(ni byte) []byte {
	if l.model == frame.ModelU61 {
		return frame.EncodeMessage(l.model, l.dlSeq, []byte{ni})
	}
	return frame.EncodeCode(l.model, frame.Code{Cmd: frame.CmdShortNICmd, Param: ni})
}

func (l *Link) startAckTimer(now uint32) {
	l.dlAckStart = now
	l.dlAckRunning = true
}

// resetMachineLocked returns the downlink to its start state and clears the
// in-flight frame; the next Service pass flushes the non-priority downlink
// queue and reinitializes the uplink.
func (l *Link) resetMachineLocked() {
	l.dlState = dlStart
	l.dlBuffer = nil
	l.dlPending = nil
	l.dlAckRunning = false
	l.dlRejRunning = false
	l.dlAckTimeouts = 0
	l.dlResyncPhase = 0
}

// handleAck completes the current wait state when a code packet with the
// ACK bit arrives. The ACK's sequence number is not compared, and in
// response-wait the reply is not checked against the command that was sent.
func (l *Link) handleAck(code frame.Code) {
	l.stateLock.Lock()
	defer l.stateLock.Unlock()

	switch l.dlState {
	case dlMsgAckWait:
		l.dlSeq = nextSeq(l.dlSeq)
		l.stats.Acks.Add(1)
	case dlCpAckWait, dlCpMsgReqAckWait:
		l.stats.Acks.Add(1)
	case dlCpResponseWait:
		if !code.Ack && code.Cmd != frame.CmdNull {
			return
		}
		l.stats.Acks.Add(1)
	default:
		return
	}
	l.dlState = dlIdle
	l.dlAckRunning = false
	l.dlRejRunning = false
	l.dlBuffer = nil
	l.dlPending = nil
	l.dlAckTimeouts = 0
	l.dlResyncPhase = 0
}

// handleReject stops the ack timer and arms the reject timer; the reset
// fires from serviceDownlink once DownlinkWaitTime passes.
func (l *Link) handleReject(now uint32) {
	l.stateLock.Lock()
	defer l.stateLock.Unlock()

	l.stats.Rejects.Add(1)
	l.dlAckRunning = false
	if !l.dlRejRunning {
		l.dlRejRunning = true
		l.dlRejStart = now
	}
}

// handleFail returns to idle keeping the frame buffered for retry.
func (l *Link) handleFail() {
	l.stateLock.Lock()
	defer l.stateLock.Unlock()

	l.dlAckRunning = false
	l.dlState = dlIdle
}
