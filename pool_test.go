package player

import (
	"errors"
	"testing"
)

func TestPoolAllocateInvariants(t *testing.T) {
	alloc := newFakeAllocator()
	pool := NewBufferPool(alloc, 4, QueueInput)

	if err := pool.Allocate(4096); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	for i := 0; i < pool.Count(); i++ {
		info := pool.Info(i)
		if info == nil {
			t.Fatalf("slot %d has no buffer", i)
		}
		if info.FD < 0 {
			t.Errorf("slot %d: fd %d", i, info.FD)
		}
		if !info.Mapped() {
			t.Errorf("slot %d: not mapped", i)
		}
		if info.Size < 4096 {
			t.Errorf("slot %d: size %d < requested 4096", i, info.Size)
		}
	}

	pool.Deallocate()
	if alloc.openDescriptors() != 0 {
		t.Errorf("descriptors leaked after Deallocate: %d", alloc.openDescriptors())
	}
	if alloc.doubleClose {
		t.Error("descriptor closed twice")
	}
}

func TestPoolAllocateHonorsGrantedSize(t *testing.T) {
	alloc := newFakeAllocator()
	alloc.granted = 8192 // kernel rounds the request up
	pool := NewBufferPool(alloc, 2, QueueOutput)

	if err := pool.Allocate(4096); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	for i := 0; i < pool.Count(); i++ {
		info := pool.Info(i)
		if info.Size != 8192 {
			t.Errorf("slot %d: size %d, want granted 8192", i, info.Size)
		}
		if len(info.Data) != 8192 {
			t.Errorf("slot %d: mapping covers %d bytes, want 8192", i, len(info.Data))
		}
	}
}

func TestPoolAllocateFailureCleansUp(t *testing.T) {
	alloc := newFakeAllocator()
	alloc.failMap = true
	pool := NewBufferPool(alloc, 3, QueueInput)

	if err := pool.Allocate(1024); !errors.Is(err, ErrMapFailed) {
		t.Fatalf("Allocate error = %v, want ErrMapFailed", err)
	}
	if alloc.openDescriptors() != 0 {
		t.Errorf("descriptors leaked after failed Allocate: %d", alloc.openDescriptors())
	}
}

func TestPoolFreeIndexIsAPurePeek(t *testing.T) {
	alloc := newFakeAllocator()
	pool := NewBufferPool(alloc, 3, QueueInput)
	if err := pool.Allocate(64); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	first := pool.FreeIndex()
	second := pool.FreeIndex()
	if first != second {
		t.Errorf("peek advanced the cursor: %d then %d", first, second)
	}
	if first != 0 {
		t.Errorf("first free slot = %d, want 0", first)
	}
}

func TestPoolRoundRobinReuse(t *testing.T) {
	alloc := newFakeAllocator()
	pool := NewBufferPool(alloc, 3, QueueInput)
	if err := pool.Allocate(64); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	// Committing the cursor slot advances it; freeing a slot does not
	// pull the cursor back, so reuse walks the ring.
	var order []int
	for i := 0; i < 6; i++ {
		idx := pool.FreeIndex()
		if idx < 0 {
			t.Fatalf("no free slot at step %d", i)
		}
		pool.MarkInUse(idx)
		pool.MarkFree(idx)
		order = append(order, idx)
	}
	want := []int{0, 1, 2, 0, 1, 2}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("reuse order %v, want %v", order, want)
		}
	}
}

func TestPoolExhaustion(t *testing.T) {
	alloc := newFakeAllocator()
	pool := NewBufferPool(alloc, 2, QueueInput)
	if err := pool.Allocate(64); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	pool.MarkInUse(0)
	pool.MarkInUse(1)
	if idx := pool.FreeIndex(); idx != -1 {
		t.Errorf("FreeIndex on exhausted pool = %d, want -1", idx)
	}

	pool.MarkFree(1)
	if idx := pool.FreeIndex(); idx != 1 {
		t.Errorf("FreeIndex after freeing slot 1 = %d, want 1", idx)
	}
}

func TestPoolMarkOutOfRangeIsNoOp(t *testing.T) {
	alloc := newFakeAllocator()
	pool := NewBufferPool(alloc, 2, QueueInput)
	if err := pool.Allocate(64); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	pool.MarkInUse(-1)
	pool.MarkInUse(7)
	pool.MarkFree(-1)
	pool.MarkFree(7)

	if n := pool.InUseCount(); n != 0 {
		t.Errorf("InUseCount after out-of-range marks = %d, want 0", n)
	}
}

func TestPoolUsageCardinality(t *testing.T) {
	alloc := newFakeAllocator()
	pool := NewBufferPool(alloc, 4, QueueInput)
	if err := pool.Allocate(64); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	enqueued, dequeued := 0, 0
	var withDriver []int
	for step := 0; step < 20; step++ {
		if step%3 != 2 {
			if idx := pool.FreeIndex(); idx >= 0 {
				pool.MarkInUse(idx)
				withDriver = append(withDriver, idx)
				enqueued++
			}
		} else if len(withDriver) > 0 {
			idx := withDriver[0]
			withDriver = withDriver[1:]
			pool.MarkFree(idx)
			dequeued++
		}
		if got := pool.InUseCount(); got != enqueued-dequeued {
			t.Fatalf("step %d: in-use %d, want enqueued-dequeued %d", step, got, enqueued-dequeued)
		}
	}
}

func TestPoolResetUsage(t *testing.T) {
	alloc := newFakeAllocator()
	pool := NewBufferPool(alloc, 3, QueueOutput)
	if err := pool.Allocate(64); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	pool.MarkInUse(0)
	pool.MarkInUse(1)
	pool.ResetUsage()

	if n := pool.InUseCount(); n != 0 {
		t.Errorf("InUseCount after reset = %d, want 0", n)
	}
	if idx := pool.FreeIndex(); idx != 0 {
		t.Errorf("FreeIndex after reset = %d, want 0", idx)
	}
}

func TestPoolDeviceRealization(t *testing.T) {
	alloc := newFakeAllocator()
	dev := newFakeDevice(64, 64)
	pool := NewBufferPool(alloc, 4, QueueOutput)

	if err := pool.RequestOnDevice(dev); err != nil {
		t.Fatalf("RequestOnDevice: %v", err)
	}
	if dev.requested[QueueOutput] != 4 {
		t.Errorf("device saw %d buffers, want 4", dev.requested[QueueOutput])
	}

	pool.ReleaseOnDevice(dev)
	if dev.released[QueueOutput] != 1 {
		t.Errorf("device release count = %d, want 1", dev.released[QueueOutput])
	}
}

func TestAllocatorSizeBounds(t *testing.T) {
	alloc := newFakeAllocator()

	if _, err := alloc.Allocate(0); !errors.Is(err, ErrAllocFailed) {
		t.Errorf("Allocate(0) = %v, want ErrAllocFailed", err)
	}
	if _, err := alloc.Allocate(int64(1) << 32); !errors.Is(err, ErrAllocFailed) {
		t.Errorf("Allocate(1<<32) = %v, want ErrAllocFailed", err)
	}
}
