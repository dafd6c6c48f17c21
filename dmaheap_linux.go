//go:build linux

package player

import (
	"fmt"
	"log"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DMA heap and DMA-buf ABI, from linux/dma-heap.h and linux/dma-buf.h.

type dmaHeapAllocationData struct {
	len       uint64
	fd        uint32
	fdFlags   uint32
	heapFlags uint64
}

type dmaBufSync struct {
	flags uint64
}

var (
	_ [24]byte = [unsafe.Sizeof(dmaHeapAllocationData{})]byte{}
	_ [8]byte  = [unsafe.Sizeof(dmaBufSync{})]byte{}
)

var (
	ioctlDMAHeapAlloc  = ioWR('H', 0x0, unsafe.Sizeof(dmaHeapAllocationData{}))
	ioctlDMABufSync    = ioW('b', 0, unsafe.Sizeof(dmaBufSync{}))
	ioctlDMABufSetName = ioW('b', 1, 8)
)

const (
	dmaBufSyncRead  = 1 << 0
	dmaBufSyncWrite = 2 << 0
	dmaBufSyncRW    = dmaBufSyncRead | dmaBufSyncWrite
	dmaBufSyncStart = 0
	dmaBufSyncEnd   = 1 << 2
)

// dmaHeapPaths lists the heap devices to try, highest priority first:
// the video-cached heap of the Pi 5, then the CMA heap of earlier
// boards.
var dmaHeapPaths = []string{
	"/dev/dma_heap/vidbuf_cached",
	"/dev/dma_heap/linux,cma",
}

// DMAHeap mints DMA buffers from a kernel DMA heap device. It
// implements HeapAllocator.
type DMAHeap struct {
	fd   int
	path string
}

// OpenDMAHeap opens the first usable heap device. With no arguments it
// tries the default Raspberry Pi heap paths in priority order.
func OpenDMAHeap(paths ...string) (*DMAHeap, error) {
	if len(paths) == 0 {
		paths = dmaHeapPaths
	}
	for _, path := range paths {
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			log.Printf("dmaheap: open %s: %v", path, err)
			continue
		}
		log.Printf("dmaheap: using %s", path)
		return &DMAHeap{fd: fd, path: path}, nil
	}
	return nil, fmt.Errorf("%w: tried %v", ErrAllocatorUnavailable, paths)
}

// Path returns the opened heap device path.
func (h *DMAHeap) Path() string { return h.path }

// Allocate mints one buffer from the heap. The kernel may round the
// size up; the returned Size is what fstat reports for the new
// descriptor and is the size all later mappings and queue operations
// must use.
func (h *DMAHeap) Allocate(size int64) (*BufferObject, error) {
	if size <= 0 || uint64(size) > maxBufferSize {
		return nil, fmt.Errorf("%w: invalid size %d", ErrAllocFailed, size)
	}
	if h.fd < 0 {
		return nil, ErrAllocatorUnavailable
	}

	req := dmaHeapAllocationData{
		len:     uint64(size),
		fdFlags: unix.O_RDWR | unix.O_CLOEXEC,
	}
	if err := ioctl(h.fd, ioctlDMAHeapAlloc, unsafe.Pointer(&req)); err != nil {
		return nil, fmt.Errorf("%w: heap alloc of %d bytes: %v", ErrAllocFailed, size, err)
	}

	buf := &BufferObject{FD: int(req.fd), Size: uint32(size)}

	var st unix.Stat_t
	if err := unix.Fstat(buf.FD, &st); err == nil && st.Size > 0 {
		buf.Size = uint32(st.Size)
	}

	buf.Name = fmt.Sprintf("player-dmabuf-%d", buf.Size)
	setDMABufName(buf.FD, buf.Name)

	return buf, nil
}

// setDMABufName labels the buffer for /sys/kernel/debug/dma_buf.
// Failure is harmless.
func setDMABufName(fd int, name string) {
	cname := append([]byte(name), 0)
	if err := ioctl(fd, ioctlDMABufSetName, unsafe.Pointer(&cname[0])); err != nil {
		log.Printf("dmaheap: set buffer name: %v", err)
	}
	runtime.KeepAlive(cname)
}

// Map establishes a shared read-write mapping of the whole buffer.
func (h *DMAHeap) Map(b *BufferObject) error {
	if b.FD < 0 {
		return fmt.Errorf("%w: buffer has no descriptor", ErrMapFailed)
	}
	if b.Mapped() {
		return nil
	}
	data, err := unix.Mmap(b.FD, 0, int(b.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("%w: mmap %d bytes: %v", ErrMapFailed, b.Size, err)
	}
	b.Data = data
	return nil
}

// Unmap drops the CPU mapping. No-op when not mapped.
func (h *DMAHeap) Unmap(b *BufferObject) error {
	if !b.Mapped() {
		return nil
	}
	err := unix.Munmap(b.Data)
	b.Data = nil
	return err
}

// Release closes the buffer descriptor. No-op when already released.
func (h *DMAHeap) Release(b *BufferObject) error {
	if b.FD < 0 {
		return nil
	}
	err := unix.Close(b.FD)
	b.FD = -1
	return err
}

// BeginCPUAccess opens a CPU access bracket on the buffer. The CPU
// writes the compressed bitstream and the decoder reads it over DMA,
// so both directions are declared.
func (h *DMAHeap) BeginCPUAccess(b *BufferObject) error {
	return h.sync(b, dmaBufSyncStart|dmaBufSyncRW)
}

// EndCPUAccess closes the CPU access bracket.
func (h *DMAHeap) EndCPUAccess(b *BufferObject) error {
	return h.sync(b, dmaBufSyncEnd|dmaBufSyncRW)
}

func (h *DMAHeap) sync(b *BufferObject, flags uint64) error {
	if b.FD < 0 {
		return fmt.Errorf("%w: buffer has no descriptor", ErrMapFailed)
	}
	s := dmaBufSync{flags: flags}
	return ioctl(b.FD, ioctlDMABufSync, unsafe.Pointer(&s))
}

// Close releases the heap device.
func (h *DMAHeap) Close() error {
	if h.fd < 0 {
		return nil
	}
	err := unix.Close(h.fd)
	h.fd = -1
	return err
}
