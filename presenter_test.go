package player

import (
	"errors"
	"testing"
)

type staticGeometry struct{ w, h uint32 }

func (g staticGeometry) FrameSize() (uint32, uint32) { return g.w, g.h }

type recordingImporter struct {
	calls []int
	fail  bool
}

func (r *recordingImporter) ImportSlot(index int) error {
	if r.fail {
		return ErrDisplayImportFailed
	}
	r.calls = append(r.calls, index)
	return nil
}

func newTestPresenter(t *testing.T) (*FramePresenter, *BufferPool, *fakeDisplay, *recordingImporter) {
	t.Helper()
	alloc := newFakeAllocator()
	pool := NewBufferPool(alloc, 2, QueueOutput)
	if err := pool.Allocate(I420Size(64, 64)); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	for i := 0; i < pool.Count(); i++ {
		prepaint(pool.Info(i).Data, 64, 64)
	}

	// The fake display accepts only imported fds, so the importer both
	// records the call and registers the slot's fd, as the pipeline's
	// importer does with the real display.
	importer := &recordingImporter{}
	display := newFakeDisplay()
	imp := &chainImporter{display: display, pool: pool, inner: importer}
	p := NewFramePresenter(pool, staticGeometry{64, 64}, imp)
	p.SetDisplay(display)
	return p, pool, display, importer
}

// chainImporter forwards to the recording importer and registers the
// slot's fd with the fake display, as the pipeline's importer does with
// the real one.
type chainImporter struct {
	display *fakeDisplay
	pool    *BufferPool
	inner   *recordingImporter
}

func (c *chainImporter) ImportSlot(index int) error {
	if err := c.inner.ImportSlot(index); err != nil {
		return err
	}
	return c.display.SetupZeroCopyBuffer(c.pool.Info(index).FD, 64, 64)
}

// scribble makes slot index look like the decoder wrote it.
func scribble(pool *BufferPool, index int) {
	data := pool.Info(index).Data
	for i := 0; i < 256 && i < len(data); i++ {
		data[i] = byte(50 + i)
	}
}

func TestPresenterAcceptsDecodedFrame(t *testing.T) {
	p, pool, display, importer := newTestPresenter(t)
	scribble(pool, 0)

	deq := DequeuedBuffer{Index: 0, BytesUsed: I420Size(64, 64)}
	if err := p.Present(deq); err != nil {
		t.Fatalf("Present: %v", err)
	}
	if len(display.presented) != 1 {
		t.Fatalf("presented %d frames, want 1", len(display.presented))
	}
	frame := display.presented[0]
	if !frame.IsDMABuf || frame.DMABufFD != pool.Info(0).FD {
		t.Errorf("frame = %+v, want dmabuf fd %d", frame, pool.Info(0).FD)
	}
	if len(importer.calls) != 1 || importer.calls[0] != 0 {
		t.Errorf("importer calls = %v, want [0]", importer.calls)
	}
}

func TestPresenterImportsSlotOnlyOnce(t *testing.T) {
	p, pool, display, _ := newTestPresenter(t)
	scribble(pool, 0)

	deq := DequeuedBuffer{Index: 0, BytesUsed: I420Size(64, 64)}
	for i := 0; i < 3; i++ {
		if err := p.Present(deq); err != nil {
			t.Fatalf("Present %d: %v", i, err)
		}
	}
	// The display caches by fd, so repeat imports collapse to one entry.
	if len(display.imported) != 1 {
		t.Errorf("display holds %d imports, want 1", len(display.imported))
	}
	if len(display.presented) != 3 {
		t.Errorf("presented %d frames, want 3", len(display.presented))
	}
}

func TestPresenterRejectsOutOfRangeIndex(t *testing.T) {
	p, _, display, _ := newTestPresenter(t)

	err := p.Present(DequeuedBuffer{Index: 5, BytesUsed: 1000})
	if !errors.Is(err, ErrDecoderRejected) {
		t.Fatalf("Present = %v, want ErrDecoderRejected", err)
	}
	if len(display.presented) != 0 {
		t.Error("rejected frame reached the display")
	}
	if p.FrameCount() != 1 {
		t.Errorf("frame counter = %d, want 1: an invalid buffer is still a dequeue attempt", p.FrameCount())
	}
}

func TestPresenterRejectsDriverErrorFlag(t *testing.T) {
	p, pool, display, _ := newTestPresenter(t)
	scribble(pool, 0)

	err := p.Present(DequeuedBuffer{Index: 0, BytesUsed: I420Size(64, 64), Flags: BufFlagError})
	if !errors.Is(err, ErrDecoderRejected) {
		t.Fatalf("Present = %v, want ErrDecoderRejected", err)
	}
	if len(display.presented) != 0 {
		t.Error("errored frame reached the display")
	}
}

func TestPresenterRejectsShortBuffer(t *testing.T) {
	p, pool, _, _ := newTestPresenter(t)
	scribble(pool, 0)

	short := I420Size(64, 64)/2 - 1
	err := p.Present(DequeuedBuffer{Index: 0, BytesUsed: short})
	if !errors.Is(err, ErrBufferTooSmall) {
		t.Fatalf("Present = %v, want ErrBufferTooSmall", err)
	}
}

func TestPresenterRejectsUntouchedBuffer(t *testing.T) {
	p, _, display, _ := newTestPresenter(t)
	// Slot 0 still carries only its pre-paint pattern.

	err := p.Present(DequeuedBuffer{Index: 0, BytesUsed: I420Size(64, 64)})
	if !errors.Is(err, ErrBufferUntouched) {
		t.Fatalf("Present = %v, want ErrBufferUntouched", err)
	}
	if len(display.presented) != 0 {
		t.Error("untouched frame reached the display")
	}
}

func TestPresenterCountsDequeueAttempts(t *testing.T) {
	p, pool, _, _ := newTestPresenter(t)

	// Untouched buffer: rejected after the counter ticks.
	p.Present(DequeuedBuffer{Index: 0, BytesUsed: I420Size(64, 64)})
	if p.FrameCount() != 1 {
		t.Fatalf("frame counter = %d after rejected frame, want 1", p.FrameCount())
	}

	scribble(pool, 1)
	if err := p.Present(DequeuedBuffer{Index: 1, BytesUsed: I420Size(64, 64)}); err != nil {
		t.Fatalf("Present: %v", err)
	}
	if p.FrameCount() != 2 {
		t.Errorf("frame counter = %d, want 2", p.FrameCount())
	}
}

func TestContentLivenessLaw(t *testing.T) {
	data := make([]byte, 2048)
	prepaint(data, 32, 32)

	if hasDecodedContent(data, uint32(len(data))) {
		t.Error("pre-painted buffer judged live")
	}

	// One divergent byte at a sampled position flips the verdict.
	data[64] = 200
	if !hasDecodedContent(data, uint32(len(data))) {
		t.Error("buffer with decoded byte at sample position judged untouched")
	}

	// A divergent byte between sample positions is invisible to the
	// stride-64 scan; the heuristic trades exactness for speed.
	prepaint(data, 32, 32)
	data[3] = 200
	if hasDecodedContent(data, uint32(len(data))) {
		t.Error("stride-64 scan should not see offset 3")
	}
}
