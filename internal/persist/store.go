// Package persist implements the segmented, checksum-protected image store
// used for node tables and ISI state. Writes are transactional at segment
// granularity: a reader observes either the prior committed image or the
// new one.
package persist

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-lon/internal/constants"
)

// Segment identifies one independently committed image.
type Segment int

const (
	SegmentNode Segment = iota
	SegmentIsi
	SegmentConnectionTable
	SegmentApplication
)

func (s Segment) String() string {
	switch s {
	case SegmentNode:
		return "node"
	case SegmentIsi:
		return "isi"
	case SegmentConnectionTable:
		return "conntab"
	case SegmentApplication:
		return "app"
	default:
		return fmt.Sprintf("segment(%d)", int(s))
	}
}

// ErrNotFound is returned by OpenForRead when a segment has never been
// committed.
var ErrNotFound = errors.New("persist: segment not found")

// WriteHandle is an in-progress segment write. Nothing is visible to
// readers until Close commits the image.
type WriteHandle interface {
	// WriteAt copies buf into the pending image at the given offset.
	WriteAt(offset int, buf []byte) error

	// Close commits the pending image, replacing any prior one.
	Close() error

	// Abort discards the pending image.
	Abort() error
}

// ReadHandle is an open committed image.
type ReadHandle interface {
	// ReadAt copies from the committed image into buf; returns the number
	// of bytes copied, which is short at end of image.
	ReadAt(offset int, buf []byte) (int, error)

	// Size reports the committed image size.
	Size() int

	Close() error
}

// Store is the backing store contract. Implementations are single-writer
// per segment.
type Store interface {
	OpenForWrite(seg Segment, size int) (WriteHandle, error)
	OpenForRead(seg Segment) (ReadHandle, error)
}

// Result classifies the outcome of loading a segment.
type Result int

const (
	OK Result = iota
	NoPersistence
	Corruption
	SignatureMismatch
	VersionNotSupported
	ProgramAttributeChange
	ResetDuringUpdate
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case NoPersistence:
		return "no persistence"
	case Corruption:
		return "corruption"
	case SignatureMismatch:
		return "signature mismatch"
	case VersionNotSupported:
		return "version not supported"
	case ProgramAttributeChange:
		return "program attribute change"
	case ResetDuringUpdate:
		return "reset during update"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Header is the image header preceding every segment body. All multi-byte
// fields are big-endian on the backing store.
type Header struct {
	Version      uint16
	Length       uint32 // body length in bytes
	Signature    uint16
	AppSignature uint32
	Checksum     uint8 // negated 8-bit sum of the body
}

// HeaderSize is the serialized header footprint.
const HeaderSize = constants.PersistHeaderSize

func (h Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint32(buf[2:6], h.Length)
	binary.BigEndian.PutUint16(buf[6:8], h.Signature)
	binary.BigEndian.PutUint32(buf[8:12], h.AppSignature)
	buf[12] = h.Checksum
	return buf
}

func decodeHeader(buf []byte) Header {
	return Header{
		Version:      binary.BigEndian.Uint16(buf[0:2]),
		Length:       binary.BigEndian.Uint32(buf[2:6]),
		Signature:    binary.BigEndian.Uint16(buf[6:8]),
		AppSignature: binary.BigEndian.Uint32(buf[8:12]),
		Checksum:     buf[12],
	}
}

// bodyChecksum is the negated 8-bit sum convention shared with the link
// framing; kept local so the persistence image stays bit-exact on its own.
func bodyChecksum(body []byte) uint8 {
	var sum uint8
	for _, b := range body {
		sum += b
	}
	return -sum
}

// WriteImage serializes {header, body} and commits it to the segment in one
// session.
func WriteImage(s Store, seg Segment, appSig uint32, body []byte) error {
	h := Header{
		Version:      constants.PersistVersion,
		Length:       uint32(len(body)),
		Signature:    constants.IsiSignature,
		AppSignature: appSig,
		Checksum:     bodyChecksum(body),
	}

	w, err := s.OpenForWrite(seg, HeaderSize+len(body))
	if err != nil {
		return fmt.Errorf("persist: open %s for write: %w", seg, err)
	}
	if err := w.WriteAt(0, h.encode()); err != nil {
		w.Abort()
		return fmt.Errorf("persist: write %s header: %w", seg, err)
	}
	if err := w.WriteAt(HeaderSize, body); err != nil {
		w.Abort()
		return fmt.Errorf("persist: write %s body: %w", seg, err)
	}
	return w.Close()
}

// ReadImage loads and validates a segment image. expectLen is the current
// table footprint; pass a negative value to skip the attribute-change check.
// The body is returned only when the result is OK.
func ReadImage(s Store, seg Segment, appSig uint32, expectLen int) ([]byte, Result) {
	r, err := s.OpenForRead(seg)
	if errors.Is(err, ErrNotFound) {
		return nil, NoPersistence
	}
	if err != nil {
		return nil, Corruption
	}
	defer r.Close()

	hdr := make([]byte, HeaderSize)
	if n, err := r.ReadAt(0, hdr); err != nil || n < HeaderSize {
		return nil, Corruption
	}
	h := decodeHeader(hdr)

	if h.Signature != constants.IsiSignature || h.AppSignature != appSig {
		return nil, SignatureMismatch
	}
	if h.Version > constants.PersistVersion {
		return nil, VersionNotSupported
	}
	if expectLen >= 0 && int(h.Length) != expectLen {
		return nil, ProgramAttributeChange
	}

	body := make([]byte, h.Length)
	n, err := r.ReadAt(HeaderSize, body)
	if err != nil {
		return nil, Corruption
	}
	if n < int(h.Length) {
		// Declared length exceeds the stored image: the writer was
		// interrupted mid-update.
		return nil, ResetDuringUpdate
	}
	if bodyChecksum(body) != h.Checksum {
		return nil, Corruption
	}
	return body, OK
}
