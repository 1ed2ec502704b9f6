// Package vmr implements the Virtual Memory Region: a single large
// anonymous mapping per page-size class that the buffer manager carves
// into frames. Because the mapping is reserved up front but only the pages
// actually touched are backed by physical memory, a VMR can be sized far
// larger than RAM — eviction then means telling the kernel a frame's pages
// are no longer needed (MADV_DONTNEED) rather than returning memory to a
// Go-managed heap.
package vmr

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FrameGroupSize is the number of frames committed to a single frame group;
// matches pagestate.GroupSize so the two vectors grow in lockstep.
const FrameGroupSize = 1024

// Region is one anonymous mmap reserved for a single page-size class.
// Frames are addressed by a 0-based frame index; Region never moves frames
// once handed out, so a *[]byte slice into it stays valid for the Region's
// lifetime.
type Region struct {
	pageSize    int
	maxFrames   int
	data        []byte // the full mmap'd byte slice
	numFrameGrp int     // number of frame groups currently usable
}

// New reserves an anonymous mapping able to hold maxFrames frames of
// pageSize bytes each. The mapping is PROT_READ|PROT_WRITE from the start;
// unused pages cost only address space, not RAM, until the kernel backs
// them on first write.
func New(pageSize, maxFrames int) (*Region, error) {
	if pageSize <= 0 || maxFrames <= 0 {
		return nil, fmt.Errorf("vmr: invalid pageSize=%d maxFrames=%d", pageSize, maxFrames)
	}
	size := pageSize * maxFrames
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("vmr: mmap %d bytes: %w", size, err)
	}
	return &Region{pageSize: pageSize, maxFrames: maxFrames, data: data}, nil
}

// PageSize returns the page-size class this region serves.
func (r *Region) PageSize() int { return r.pageSize }

// MaxFrames returns the maximum number of frames this region can ever hold.
func (r *Region) MaxFrames() int { return r.maxFrames }

// AddNewFrameGroup marks the next FrameGroupSize frames as usable. The
// backing memory is already mapped (reserved at New); this call exists so
// callers can track usable-frame count the same way BMFileHandle's
// frame-group index vector grows one group at a time, and to fail cleanly
// once maxFrames is exhausted.
func (r *Region) AddNewFrameGroup() (groupIdx int, err error) {
	nextStart := (r.numFrameGrp + 1) * FrameGroupSize
	if nextStart > r.maxFrames {
		return 0, fmt.Errorf("vmr: region exhausted: max %d frames", r.maxFrames)
	}
	groupIdx = r.numFrameGrp
	r.numFrameGrp++
	return groupIdx, nil
}

// Frame returns the byte slice backing frame idx. idx must be less than a
// number of frames already committed via AddNewFrameGroup.
func (r *Region) Frame(idx int) []byte {
	off := idx * r.pageSize
	return r.data[off : off+r.pageSize]
}

// Release tells the kernel the memory backing frame idx is no longer
// needed, the virtual-memory analogue of evicting a page from the buffer
// pool: the address range stays valid but its physical backing can be
// reclaimed and will read back as zero if touched again.
func (r *Region) Release(idx int) error {
	f := r.Frame(idx)
	if err := unix.Madvise(f, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("vmr: madvise frame %d: %w", idx, err)
	}
	return nil
}

// Close unmaps the region. Callers must ensure no frame is in use.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	if err != nil {
		return fmt.Errorf("vmr: munmap: %w", err)
	}
	return nil
}
