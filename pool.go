package player

import (
	"fmt"
	"log"
)

// BufferPool owns a fixed set of DMA buffers bound to one decoder queue
// and tracks which slots the driver currently holds. A slot is writable
// from userspace only while it is not in use by the driver.
type BufferPool struct {
	alloc HeapAllocator
	queue Queue
	count int

	buffers []*BufferObject
	inUse   []bool
	cursor  int
}

// NewBufferPool creates an empty pool of count slots for one queue.
// Allocate mints the buffers.
func NewBufferPool(alloc HeapAllocator, count int, queue Queue) *BufferPool {
	return &BufferPool{
		alloc: alloc,
		queue: queue,
		count: count,
		inUse: make([]bool, count),
	}
}

// Count returns the number of slots.
func (p *BufferPool) Count() int { return p.count }

// Queue returns the decoder queue this pool feeds.
func (p *BufferPool) Queue() Queue { return p.queue }

// Info returns the buffer in slot index, or nil if the pool is not
// allocated or index is out of range.
func (p *BufferPool) Info(index int) *BufferObject {
	if index < 0 || index >= len(p.buffers) {
		return nil
	}
	return p.buffers[index]
}

// Allocate mints and CPU-maps all slots at bufferSize bytes each,
// releasing any previous allocation first. On failure every partially
// created buffer is released.
func (p *BufferPool) Allocate(bufferSize uint32) error {
	if p.alloc == nil {
		return ErrAllocatorUnavailable
	}

	p.Deallocate()
	p.buffers = make([]*BufferObject, p.count)
	p.inUse = make([]bool, p.count)
	p.cursor = 0

	for i := 0; i < p.count; i++ {
		buf, err := p.alloc.Allocate(int64(bufferSize))
		if err != nil {
			p.Deallocate()
			return fmt.Errorf("%s pool slot %d: %w", p.queue, i, err)
		}
		p.buffers[i] = buf
		if err := p.alloc.Map(buf); err != nil {
			p.Deallocate()
			return fmt.Errorf("%s pool slot %d: %w", p.queue, i, err)
		}
	}
	return nil
}

// Deallocate unmaps and releases every slot. Safe to call repeatedly.
func (p *BufferPool) Deallocate() {
	if p.alloc == nil {
		return
	}
	for _, buf := range p.buffers {
		if buf == nil {
			continue
		}
		if buf.Mapped() {
			if err := p.alloc.Unmap(buf); err != nil {
				log.Printf("pool: unmap %s buffer: %v", p.queue, err)
			}
		}
		if buf.FD >= 0 {
			if err := p.alloc.Release(buf); err != nil {
				log.Printf("pool: release %s buffer: %v", p.queue, err)
			}
		}
	}
	p.buffers = nil
	p.inUse = make([]bool, p.count)
	p.cursor = 0
}

// RequestOnDevice asks the driver to prepare one DMABUF slot per pool
// entry.
func (p *BufferPool) RequestOnDevice(dev DecoderDevice) error {
	if err := dev.RequestBuffers(p.queue, p.count); err != nil {
		return fmt.Errorf("request %d %s buffers: %w", p.count, p.queue, err)
	}
	return nil
}

// ReleaseOnDevice asks the driver to drop its slots. Failures are
// ignored; this runs during teardown.
func (p *BufferPool) ReleaseOnDevice(dev DecoderDevice) {
	if err := dev.RequestBuffers(p.queue, 0); err != nil {
		log.Printf("pool: release %s buffers on device: %v", p.queue, err)
	}
}

// FreeIndex returns the index of the next free slot, or -1 if every
// slot is with the driver. It is a pure peek: the rolling cursor only
// advances when a slot is committed via MarkInUse, so repeated calls
// return the same slot.
func (p *BufferPool) FreeIndex() int {
	for i := 0; i < p.count; i++ {
		idx := (p.cursor + i) % p.count
		if !p.inUse[idx] {
			return idx
		}
	}
	return -1
}

// MarkInUse records that the driver now owns slot index. Out-of-range
// indices are ignored; drivers occasionally report surprises and the
// pool must not corrupt its bookkeeping over them.
func (p *BufferPool) MarkInUse(index int) {
	if index < 0 || index >= p.count {
		return
	}
	p.inUse[index] = true
	if index == p.cursor%p.count {
		p.cursor = (index + 1) % p.count
	}
}

// MarkFree records that the driver returned slot index. Out-of-range
// indices are ignored.
func (p *BufferPool) MarkFree(index int) {
	if index < 0 || index >= p.count {
		return
	}
	p.inUse[index] = false
}

// InUseCount returns how many slots the driver currently holds.
func (p *BufferPool) InUseCount() int {
	n := 0
	for _, used := range p.inUse {
		if used {
			n++
		}
	}
	return n
}

// ResetUsage clears all usage bookkeeping, e.g. after the driver
// dropped its slots during a reset.
func (p *BufferPool) ResetUsage() {
	for i := range p.inUse {
		p.inUse[i] = false
	}
	p.cursor = 0
}
