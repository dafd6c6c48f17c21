package player

import (
	"fmt"
	"sync/atomic"
)

// Pre-paint fill values for decoder output buffers: black in YUV.
// Buffers are painted with this pattern before first use so the
// presenter can tell a decoded frame from an untouched buffer.
const (
	prepaintLuma   = 16
	prepaintChroma = 128
)

// ZeroCopyImporter imports one decoder output slot into the display
// domain. The decode pipeline implements it. The presenter calls it for
// every frame it presents; DecodePipeline.ImportSlot returns at once for
// a slot it has already imported, so each slot is imported on its first
// presentation.
type ZeroCopyImporter interface {
	ImportSlot(index int) error
}

// FrameGeometry exposes the negotiated decoded-frame dimensions.
type FrameGeometry interface {
	FrameSize() (width, height uint32)
}

// FramePresenter validates freshly dequeued decoder output buffers and
// drives the display. It owns the decoded-frame counter, which counts
// dequeue attempts rather than successful flips so it tracks the
// decoder's output ordering.
type FramePresenter struct {
	pool     *BufferPool
	display  Display
	importer ZeroCopyImporter
	geometry FrameGeometry

	frames atomic.Int64
}

// NewFramePresenter wires a presenter over the output pool. The display
// may be nil (headless decode); SetDisplay installs one later.
func NewFramePresenter(pool *BufferPool, geometry FrameGeometry, importer ZeroCopyImporter) *FramePresenter {
	return &FramePresenter{
		pool:     pool,
		geometry: geometry,
		importer: importer,
	}
}

// SetDisplay installs or replaces the non-owning display view.
func (p *FramePresenter) SetDisplay(display Display) {
	p.display = display
}

// FrameCount returns the number of output buffers handled so far.
func (p *FramePresenter) FrameCount() int64 {
	return p.frames.Load()
}

// Present validates one dequeued output buffer and, if it carries a
// plausible decoded frame, imports its slot on first use and scans it
// out. An error means the frame was not shown; the caller re-queues the
// slot either way so the driver regains ownership.
func (p *FramePresenter) Present(deq DequeuedBuffer) error {
	p.frames.Add(1)

	if err := p.validate(deq); err != nil {
		return err
	}

	if p.display == nil {
		return nil
	}

	width, height := p.geometry.FrameSize()
	if width == 0 || height == 0 {
		return fmt.Errorf("%w: frame geometry not negotiated", ErrConfigInvalid)
	}

	info := p.pool.Info(deq.Index)

	// A 4:2:0 frame occupies w*h*3/2 bytes; anything under half of that
	// cannot be a whole picture.
	minExpected := I420Size(width, height)
	if deq.BytesUsed < minExpected/2 {
		return fmt.Errorf("%w: buffer %d holds %d bytes, want >= %d",
			ErrBufferTooSmall, deq.Index, deq.BytesUsed, minExpected/2)
	}

	if !hasDecodedContent(info.Data, deq.BytesUsed) {
		return fmt.Errorf("%w: buffer %d", ErrBufferUntouched, deq.Index)
	}

	if p.importer != nil {
		if err := p.importer.ImportSlot(deq.Index); err != nil {
			return err
		}
	}

	frame := FrameInfo{
		Data:      info.Data,
		DMABufFD:  info.FD,
		Width:     width,
		Height:    height,
		Format:    PixelFormatI420,
		BytesUsed: deq.BytesUsed,
		IsDMABuf:  true,
	}
	if err := p.display.DisplayFrame(frame); err != nil {
		return fmt.Errorf("%w: buffer %d: %v", ErrDisplayPresentFailed, deq.Index, err)
	}
	return nil
}

func (p *FramePresenter) validate(deq DequeuedBuffer) error {
	if deq.Index < 0 || deq.Index >= p.pool.Count() {
		return fmt.Errorf("%w: output index %d out of range", ErrDecoderRejected, deq.Index)
	}
	info := p.pool.Info(deq.Index)
	if info == nil || info.FD < 0 || !info.Mapped() {
		return fmt.Errorf("%w: output slot %d has no backing buffer", ErrDecoderRejected, deq.Index)
	}
	if deq.Flags&BufFlagError != 0 {
		return fmt.Errorf("%w: buffer %d", ErrDecoderRejected, deq.Index)
	}
	return nil
}

// hasDecodedContent samples the head of the buffer at stride 64 and
// reports whether anything differs from the pre-paint luma fill. A
// buffer the decoder never wrote still reads back as uniform 16s.
// Genuinely black frames can defeat this check; the decoder emits those
// only transiently after a reset.
func hasDecodedContent(data []byte, bytesUsed uint32) bool {
	limit := int(bytesUsed)
	if limit > 1024 {
		limit = 1024
	}
	if limit > len(data) {
		limit = len(data)
	}
	for i := 0; i+1 < limit; i += 64 {
		if data[i] != prepaintLuma || data[i+1] != prepaintLuma {
			return true
		}
	}
	return false
}

// prepaint fills a buffer with the black YUV pattern for a w*h I420
// frame: luma 16 followed by chroma 128.
func prepaint(data []byte, width, height uint32) {
	ySize := int(width * height)
	if ySize > len(data) {
		ySize = len(data)
	}
	for i := 0; i < ySize; i++ {
		data[i] = prepaintLuma
	}
	for i := ySize; i < len(data); i++ {
		data[i] = prepaintChroma
	}
}
