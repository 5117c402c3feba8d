package hal

import (
	"fmt"
	"os"
)

// FlashGeometry describes a block-addressed flash layout.
type FlashGeometry struct {
	Offset     int64 // base offset of the managed area
	RegionSize int   // bytes per region
	NumBlocks  int   // erase blocks per region
	BlockSize  int   // bytes per erase block
	NumRegions int
}

// FlashDrv is a block-addressed storage driver backed by a regular file,
// standing in for a memory-mapped flash part. Erase fills a block with
// 0xFF the way NOR flash does.
type FlashDrv struct {
	file *os.File
	geo  FlashGeometry
}

// OpenFlash opens (creating if needed) the backing file sized to the
// geometry.
func OpenFlash(path string, geo FlashGeometry) (*FlashDrv, error) {
	if geo.NumRegions <= 0 || geo.RegionSize <= 0 || geo.BlockSize <= 0 ||
		geo.NumBlocks*geo.BlockSize != geo.RegionSize {
		return nil, ErrInvalidParameter
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("hal: open flash %s: %w", path, err)
	}
	total := geo.Offset + int64(geo.RegionSize)*int64(geo.NumRegions)
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() < total {
		// Fresh blocks read as erased.
		if err := fillErased(f, fi.Size(), total); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &FlashDrv{file: f, geo: geo}, nil
}

func fillErased(f *os.File, from, to int64) error {
	blank := make([]byte, 4096)
	for i := range blank {
		blank[i] = 0xFF
	}
	for off := from; off < to; {
		chunk := int64(len(blank))
		if rem := to - off; rem < chunk {
			chunk = rem
		}
		if _, err := f.WriteAt(blank[:chunk], off); err != nil {
			return err
		}
		off += chunk
	}
	return nil
}

// Geometry returns the layout the driver was opened with.
func (d *FlashDrv) Geometry() FlashGeometry { return d.geo }

func (d *FlashDrv) regionOffset(region int) (int64, error) {
	if region < 0 || region >= d.geo.NumRegions {
		return 0, ErrInvalidParameter
	}
	return d.geo.Offset + int64(region)*int64(d.geo.RegionSize), nil
}

// Read copies from a region at the given byte offset.
func (d *FlashDrv) Read(region int, offset int, buf []byte) error {
	base, err := d.regionOffset(region)
	if err != nil {
		return err
	}
	if offset < 0 || offset+len(buf) > d.geo.RegionSize {
		return ErrInvalidParameter
	}
	if _, err := d.file.ReadAt(buf, base+int64(offset)); err != nil {
		return fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	return nil
}

// Write programs bytes into a region. The caller erases first; like real
// flash, writes do not implicitly erase.
func (d *FlashDrv) Write(region int, offset int, buf []byte) error {
	base, err := d.regionOffset(region)
	if err != nil {
		return err
	}
	if offset < 0 || offset+len(buf) > d.geo.RegionSize {
		return ErrInvalidParameter
	}
	if _, err := d.file.WriteAt(buf, base+int64(offset)); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// EraseBlock resets one erase block of a region to 0xFF.
func (d *FlashDrv) EraseBlock(region, block int) error {
	base, err := d.regionOffset(region)
	if err != nil {
		return err
	}
	if block < 0 || block >= d.geo.NumBlocks {
		return ErrInvalidParameter
	}
	blank := make([]byte, d.geo.BlockSize)
	for i := range blank {
		blank[i] = 0xFF
	}
	off := base + int64(block)*int64(d.geo.BlockSize)
	if _, err := d.file.WriteAt(blank, off); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// EraseRegion erases every block of a region.
func (d *FlashDrv) EraseRegion(region int) error {
	for b := 0; b < d.geo.NumBlocks; b++ {
		if err := d.EraseBlock(region, b); err != nil {
			return err
		}
	}
	return nil
}

// Sync flushes pending writes to the backing store.
func (d *FlashDrv) Sync() error { return d.file.Sync() }

// Close releases the backing file.
func (d *FlashDrv) Close() error { return d.file.Close() }
