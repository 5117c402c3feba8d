//go:build linux

package hal

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// SerialPort is a Transport over a Linux tty device.
type SerialPort struct {
	fd   int
	name string
}

// OpenSerial opens the named tty non-blocking and applies the requested
// line discipline.
func OpenSerial(name string, discipline LineDiscipline) (*SerialPort, error) {
	if name == "" {
		return nil, ErrInvalidParameter
	}
	fd, err := unix.Open(name, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("hal: open %s: %w", name, err)
	}

	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hal: termios get %s: %w", name, err)
	}

	// Raw 8N1.
	tio.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	tio.Oflag &^= unix.OPOST
	tio.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	tio.Cflag &^= unix.CSIZE | unix.PARENB
	tio.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	if discipline == DisciplineN8N1Flow {
		tio.Cflag |= unix.CRTSCTS
	} else {
		tio.Cflag &^= unix.CRTSCTS
	}
	tio.Cc[unix.VMIN] = 0
	tio.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tio); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hal: termios set %s: %w", name, err)
	}

	return &SerialPort{fd: fd, name: name}, nil
}

// Read drains whatever is pending; (0, ErrNoMessage) when the stream is
// empty.
func (p *SerialPort) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, ErrInvalidParameter
	}
	for {
		n, err := unix.Read(p.fd, buf)
		switch err {
		case nil:
			if n == 0 {
				return 0, ErrNoMessage
			}
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, ErrNoMessage
		case unix.EIO, unix.ENXIO, unix.ENODEV:
			return 0, ErrInterface
		default:
			return 0, fmt.Errorf("%w: %s: %v", ErrReadFailed, p.name, err)
		}
	}
}

// writeBudget bounds the overall EINTR/EAGAIN retry loop of Write.
const writeBudget = 5 * time.Second

// Write writes the whole buffer, retrying on EINTR/EAGAIN until the budget
// is exhausted.
func (p *SerialPort) Write(buf []byte) (int, error) {
	deadline := time.Now().Add(writeBudget)
	written := 0
	for written < len(buf) {
		n, err := unix.Write(p.fd, buf[written:])
		if n > 0 {
			written += n
		}
		switch err {
		case nil:
		case unix.EINTR, unix.EAGAIN:
			if time.Now().After(deadline) {
				return written, ErrWriteTimeout
			}
			time.Sleep(time.Millisecond)
		case unix.EIO, unix.ENXIO, unix.ENODEV:
			return written, ErrInterface
		default:
			return written, fmt.Errorf("%w: %s: %v", ErrWriteFailed, p.name, err)
		}
	}
	return written, nil
}

// Close releases the tty.
func (p *SerialPort) Close() error {
	if p.fd < 0 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	return err
}
