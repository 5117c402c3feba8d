// Package hal abstracts the host platform: the USB serial byte transport,
// block-addressed flash storage, and MAC-address retrieval. The link and
// persistence layers depend only on the interfaces here.
package hal

import "errors"

// Sentinel errors surfaced by HAL operations.
var (
	// ErrNoMessage is returned by a non-blocking read when the stream is
	// empty. Callers poll again later; it is not a failure.
	ErrNoMessage = errors.New("hal: no message available")

	ErrReadFailed       = errors.New("hal: read failed")
	ErrWriteFailed      = errors.New("hal: write failed")
	ErrWriteTimeout     = errors.New("hal: write timeout")
	ErrInterface        = errors.New("hal: interface error")
	ErrInvalidParameter = errors.New("hal: invalid parameter")
	ErrUniqueID         = errors.New("hal: unique id not available")
	ErrReboot           = errors.New("hal: host reboot failure")
)

// Transport is a raw byte stream to the external network interface.
// Read never blocks: it returns (0, ErrNoMessage) when nothing is pending.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// LineDiscipline selects the tty setup applied when opening a serial
// transport.
type LineDiscipline int

const (
	// DisciplineRaw is a raw 8N1 tty with no flow control.
	DisciplineRaw LineDiscipline = iota

	// DisciplineN8N1Flow enables RTS/CTS hardware flow control.
	DisciplineN8N1Flow
)
