package persist

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/ehrlich-b/go-lon/internal/hal"
)

// FlashStore commits segments to a block-addressed flash driver using two
// regions per segment. A write goes to the standby region and becomes
// current only once its generation stamp is programmed, so a reset mid-write
// leaves the prior image intact.
type FlashStore struct {
	mu  sync.Mutex
	drv *hal.FlashDrv
}

// Region header: {valid marker u8, generation u8, image size u32}, all
// big-endian. 0xFF marker means erased.
const (
	flashMarker     = 0x5A
	flashHeaderSize = 6
)

// NewFlashStore wraps a flash driver. The geometry must provide two regions
// per segment (eight in total).
func NewFlashStore(drv *hal.FlashDrv) (*FlashStore, error) {
	if drv.Geometry().NumRegions < 2*int(SegmentApplication+1) {
		return nil, errors.New("persist: flash geometry too small")
	}
	return &FlashStore{drv: drv}, nil
}

func segmentRegions(seg Segment) (int, int) {
	return 2 * int(seg), 2*int(seg) + 1
}

// currentRegion returns the region holding the newest valid image, or -1.
func (f *FlashStore) currentRegion(seg Segment) int {
	a, b := segmentRegions(seg)
	genA, okA := f.regionGen(a)
	genB, okB := f.regionGen(b)
	switch {
	case okA && okB:
		// Generations are one apart modulo 256.
		if byte(genA-genB) == 1 {
			return a
		}
		return b
	case okA:
		return a
	case okB:
		return b
	default:
		return -1
	}
}

func (f *FlashStore) regionGen(region int) (byte, bool) {
	hdr := make([]byte, flashHeaderSize)
	if err := f.drv.Read(region, 0, hdr); err != nil {
		return 0, false
	}
	if hdr[0] != flashMarker {
		return 0, false
	}
	size := binary.BigEndian.Uint32(hdr[2:6])
	if int(size) > f.drv.Geometry().RegionSize-flashHeaderSize {
		return 0, false
	}
	return hdr[1], true
}

// OpenForWrite implements Store.
func (f *FlashStore) OpenForWrite(seg Segment, size int) (WriteHandle, error) {
	if size < 0 || size > f.drv.Geometry().RegionSize-flashHeaderSize {
		return nil, hal.ErrInvalidParameter
	}
	return &flashWriteHandle{store: f, seg: seg, buf: make([]byte, size)}, nil
}

// OpenForRead implements Store.
func (f *FlashStore) OpenForRead(seg Segment) (ReadHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	region := f.currentRegion(seg)
	if region < 0 {
		return nil, ErrNotFound
	}
	hdr := make([]byte, flashHeaderSize)
	if err := f.drv.Read(region, 0, hdr); err != nil {
		return nil, err
	}
	size := int(binary.BigEndian.Uint32(hdr[2:6]))
	img := make([]byte, size)
	if err := f.drv.Read(region, flashHeaderSize, img); err != nil {
		return nil, err
	}
	return &memReadHandle{buf: img}, nil
}

func (f *FlashStore) commit(seg Segment, img []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	a, b := segmentRegions(seg)
	current := f.currentRegion(seg)
	target := a
	gen := byte(0)
	if current >= 0 {
		if current == a {
			target = b
		}
		cg, _ := f.regionGen(current)
		gen = cg + 1
	}

	if err := f.drv.EraseRegion(target); err != nil {
		return err
	}
	if err := f.drv.Write(target, flashHeaderSize, img); err != nil {
		return err
	}
	// Stamp the header last; only then does the region become current.
	hdr := make([]byte, flashHeaderSize)
	hdr[0] = flashMarker
	hdr[1] = gen
	binary.BigEndian.PutUint32(hdr[2:6], uint32(len(img)))
	if err := f.drv.Write(target, 0, hdr); err != nil {
		return err
	}
	return f.drv.Sync()
}

type flashWriteHandle struct {
	store  *FlashStore
	seg    Segment
	buf    []byte
	closed bool
}

func (h *flashWriteHandle) WriteAt(offset int, buf []byte) error {
	if h.closed {
		return errors.New("persist: write on closed handle")
	}
	if offset < 0 || offset+len(buf) > len(h.buf) {
		return errors.New("persist: write out of range")
	}
	copy(h.buf[offset:], buf)
	return nil
}

func (h *flashWriteHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	return h.store.commit(h.seg, h.buf)
}

func (h *flashWriteHandle) Abort() error {
	h.closed = true
	return nil
}
