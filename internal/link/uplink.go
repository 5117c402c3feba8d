package link

import "github.com/ehrlich-b/go-lon/internal/frame"

// uplinkByte advances the uplink parser by one received byte. The parser
// runs only on the servicing goroutine; FeedRx producers never touch it.
func (l *Link) uplinkByte(b byte) {
	switch l.ulState {
	case ulIdle:
		if b == frame.Sync {
			l.ulState = ulFrameCode
			return
		}
		l.stats.FrameErrors.Add(1)

	case ulFrameCode:
		if l.model == frame.ModelU61 {
			// The U61 header fixes this byte at 0x00.
			if b != 0x00 {
				l.stats.FrameErrors.Add(1)
				l.ulState = ulIdle
				return
			}
			l.ulHeaderSum = b
		} else {
			l.ulCode = frame.DecodeFrameCode(b)
			l.ulHeaderSum = frame.Sync + b
		}
		l.ulState = ulFrameParameter

	case ulFrameParameter:
		if l.model == frame.ModelU61 {
			l.ulCode = frame.DecodeFrameCode(b)
		} else {
			l.ulCode.Param = b
		}
		l.ulHeaderSum += b
		l.ulState = ulCodePacketChecksum

	case ulCodePacketChecksum:
		if l.ulHeaderSum+b != 0 {
			l.stats.ChecksumErrors.Add(1)
			l.ulState = ulIdle
			return
		}
		l.handleCodePacket()

	case ulMessage:
		if b == frame.Sync {
			l.ulState = ulEscapedData
			return
		}
		l.messageByte(b)

	case ulEscapedData:
		switch b {
		case frame.Sync:
			// Stuffed literal 0x7E.
			l.ulState = ulMessage
			l.messageByte(frame.Sync)
		case 0x00:
			// Assembly restart.
			l.resetAssembly()
			l.ulState = ulMessage
		default:
			l.stats.FrameErrors.Add(1)
			l.ulState = ulIdle
		}
	}
}

// handleCodePacket dispatches a validated header. Message frames continue
// into payload assembly; pure code packets complete here.
func (l *Link) handleCodePacket() {
	code := l.ulCode
	now := l.svcNow

	switch code.Cmd {
	case frame.CmdMsgReject:
		l.handleReject(now)
		l.ulState = ulIdle
		return
	case frame.CmdFail:
		l.handleFail()
		l.ulState = ulIdle
		return
	}

	if code.Ack {
		l.handleAck(code)
	}

	if code.Cmd == frame.CmdMsg {
		// Duplicate suppression: same sequence as the previous message
		// frame means the payload is parsed but not queued.
		l.ulDuplicate = l.ulHaveSeq && code.Seq == l.ulLastSeq
		l.ulLastSeq = code.Seq
		l.ulHaveSeq = true
		l.resetAssembly()
		l.ulState = ulMessage
		return
	}
	l.ulState = ulIdle
}

// messageByte consumes one unstuffed payload byte: length field, payload,
// then the trailing checksum that completes the message.
func (l *Link) messageByte(b byte) {
	l.ulSum += b

	if l.ulMsgLength < 0 {
		l.ulLenBuf[l.ulLenCount] = b
		l.ulLenCount++
		switch {
		case l.ulLenCount == 1 && b != 0xFF:
			l.ulMsgLength = int(b)
		case l.ulLenCount == 3:
			// Extended length, big-endian on the wire.
			l.ulMsgLength = int(l.ulLenBuf[1])<<8 | int(l.ulLenBuf[2])
		}
		return
	}

	l.ulMsgIndex++
	if l.ulMsgIndex > l.ulMsgLength {
		// b was the trailing checksum; the running sum over length field,
		// payload and checksum must be zero.
		l.ulState = ulIdle
		if l.ulSum != 0 {
			l.stats.ChecksumErrors.Add(1)
			l.resetAssembly()
			return
		}
		l.completeMessage()
		l.resetAssembly()
		return
	}
	l.ulBuf = append(l.ulBuf, b)
}

func (l *Link) resetAssembly() {
	l.ulBuf = l.ulBuf[:0]
	l.ulMsgIndex = 0
	l.ulMsgLength = -1
	l.ulLenCount = 0
	l.ulSum = 0
}

// resetUplink reinitializes the whole parser, forgetting sequence history.
func (l *Link) resetUplink() {
	l.ulState = ulIdle
	l.ulHaveSeq = false
	l.ulDuplicate = false
	l.resetAssembly()
}

// completeMessage routes a fully assembled, checksum-valid uplink message.
func (l *Link) completeMessage() {
	data := make([]byte, len(l.ulBuf))
	copy(data, l.ulBuf)

	if l.uidWaiting {
		if !l.consumeUIDResponse(data) {
			// Inbound traffic is filtered until the unique ID arrives.
			l.stats.UIDFiltered.Add(1)
		}
		return
	}
	if len(data) == 0 {
		return
	}

	cmd := data[0]
	switch {
	case cmd == frame.NiResetDevCmd:
		// The interface announces a reset with its transaction id and the
		// active layer mode.
		if len(data) >= 3 {
			l.resetTxID = data[1]
			l.resetLayer = data[2]
		}
		l.stats.DeviceResets.Add(1)

	case cmd == frame.NiCrcErrorCmd:
		l.stats.CrcErrors.Add(1)

	case cmd&frame.NiDriverCmdMask == frame.NiDriverCmd:
		// Driver-local command, consumed without queueing.

	case cmd == frame.NiWinkCmd:
		l.stats.WinksReceived.Add(1)
		if l.identify != nil {
			l.identify()
		}

	default:
		if l.ulDuplicate {
			l.stats.Duplicates.Add(1)
			return
		}
		q := l.uplinkNormal
		if cmd == frame.NiCommPriCmd {
			q = l.uplinkPriority
		}
		l.queueLock.Lock()
		ok := q.push(data)
		l.queueLock.Unlock()
		if ok {
			l.stats.MessagesUp.Add(1)
		} else {
			l.stats.UplinkDropped.Add(1)
		}
	}
}
