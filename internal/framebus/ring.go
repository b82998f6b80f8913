package framebus

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ring is a single-writer, memory-mapped slot ring backing one Frame Bus
// channel. It is the shared-memory region handed out by offset to readers:
// the ring itself tracks no readers and never blocks — a slow reader simply
// reads a slot that has since been overwritten and gets garbage it should
// discard by cross-checking the frame id in the paired sideband metadata.
type ring struct {
	path     string
	file     *os.File
	data     []byte
	slotSize int
	numSlots int
	next     uint64 // monotonic frame id / slot cursor
}

// newRing truncates (or creates) a backing file at path sized for numSlots
// slots of slotSize bytes each, and maps it MAP_SHARED so other processes
// that open and mmap the same path observe the same bytes.
func newRing(path string, slotSize, numSlots int) (*ring, error) {
	if slotSize <= 0 || numSlots <= 0 {
		return nil, fmt.Errorf("framebus: invalid ring dimensions slotSize=%d numSlots=%d", slotSize, numSlots)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("framebus: opening %s: %w", path, err)
	}
	total := int64(slotSize) * int64(numSlots)
	if err := f.Truncate(total); err != nil {
		f.Close()
		return nil, fmt.Errorf("framebus: truncating %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("framebus: mmap %s: %w", path, err)
	}
	return &ring{path: path, file: f, data: data, slotSize: slotSize, numSlots: numSlots}, nil
}

// write copies payload into the next slot and returns the frame id assigned
// and the byte offset into the mapped region it was written at. payload
// must be C-contiguous and no larger than slotSize; oversized frames are
// rejected rather than silently truncated.
func (r *ring) write(payload []byte) (frameID uint64, offset int64, err error) {
	if len(payload) > r.slotSize {
		return 0, 0, fmt.Errorf("framebus: payload %d bytes exceeds slot size %d", len(payload), r.slotSize)
	}
	slot := r.next % uint64(r.numSlots)
	offset = int64(slot) * int64(r.slotSize)
	copy(r.data[offset:offset+int64(len(payload))], payload)

	id := r.next
	r.next++
	return id, offset, nil
}

// close unmaps and closes the backing file. The file itself is left on disk
// (under the shm directory) so a late-joining reader can still mmap it by
// path; truncation happens again on the next process start.
func (r *ring) close() error {
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			return fmt.Errorf("framebus: munmap %s: %w", r.path, err)
		}
		r.data = nil
	}
	return r.file.Close()
}
