package link

import (
	"github.com/ehrlich-b/go-lon/internal/constants"
	"github.com/ehrlich-b/go-lon/internal/frame"
)

// Network-management read-memory codes used for unique-ID acquisition.
const (
	nmReadMemory        = 0x6D // read memory request
	nmReadMemorySuccess = 0x2D // read memory success response
	nmReadOnlyRelative  = 0x01 // address mode: read-only structure relative

	// uidResponseLen is the fixed size of the read-memory response window
	// carrying the unique ID.
	uidResponseLen = 23

	uidLen = 6
)

// beginUIDAcquisition issues the first read-memory request for the 6-byte
// interface unique ID. The retry window arms on the first Service pass so
// it runs on the service clock.
func (l *Link) beginUIDAcquisition() {
	l.uidWaiting = true
	l.uidArmed = false
	l.uidRetries = 0
	l.queueUIDRequest()
}

// queueUIDRequest enqueues the read-memory request: 6 bytes at offset 0 of
// the read-only memory space.
func (l *Link) queueUIDRequest() {
	req := frame.L2Frame{
		Cmd:  frame.NiNetMgmtCmd,
		Data: []byte{nmReadMemory, nmReadOnlyRelative, 0x00, 0x00, uidLen},
	}
	_ = l.enqueueDownlink(downlinkItem{payload: req.Encode()}, true)
}

// serviceUID retries the unique-ID request until the ceiling is reached;
// giving up still proceeds to the layer-mode command.
func (l *Link) serviceUID(now uint32) {
	if !l.uidWaiting {
		return
	}
	if !l.uidArmed {
		l.uidArmed = true
		l.uidStart = now
		return
	}
	if elapsedMs(now, l.uidStart) <= uint32(constants.UIDWaitTime.Milliseconds()) {
		return
	}
	l.uidRetries++
	if l.uidRetries > constants.MaxUIDRetries {
		l.uidWaiting = false
		l.sendLayerMode()
		return
	}
	l.uidStart = now
	l.queueUIDRequest()
}

// consumeUIDResponse accepts only the expected read-memory response while
// uid_waiting; everything else is filtered by the caller.
func (l *Link) consumeUIDResponse(data []byte) bool {
	if len(data) != uidResponseLen ||
		data[0] != frame.NiResponseCmd ||
		data[1] != nmReadMemorySuccess {
		return false
	}
	l.queueLock.Lock()
	copy(l.uid[:], data[2:2+uidLen])
	l.uidKnown = true
	l.queueLock.Unlock()

	l.uidWaiting = false
	l.sendLayerMode()
	return true
}

// sendLayerMode selects the interface mode once acquisition concludes.
func (l *Link) sendLayerMode() {
	ni := frame.NiL5ModeCmd
	if l.mode == ModeLayer2 {
		ni = frame.NiL2ModeCmd
	}
	_ = l.SendShortCommand(ni, true)
}
