package player

import (
	"fmt"
	"log"
	"time"
)

// Post-reset settle times. Stream-off does not retire in-flight DMA
// immediately, and the kernel frees contiguous heap memory lazily, so
// the reset sequence has to wait at two points before reallocating.
const (
	resetDrainDelay = 50 * time.Millisecond
	resetReuseDelay = 200 * time.Millisecond
)

// inputWaitMillis bounds the wait for the driver to return an input
// buffer when the pool is exhausted.
const inputWaitMillis = 20

// DecodePipeline drives one V4L2 M2M decoder end to end: it owns the
// buffer pools, the streaming state machine, the presenter and the
// display installed with SetDisplay. All methods must be called from a
// single goroutine; Player provides that confinement.
type DecodePipeline struct {
	cfg   DecoderConfig
	dev   DecoderDevice
	alloc HeapAllocator

	input  *BufferPool
	output *BufferPool

	streaming *StreamController
	display   Display
	presenter *FramePresenter

	// zeroCopyReady tracks which output slots have been imported into
	// the display domain.
	zeroCopyReady []bool

	width  uint32
	height uint32

	decoderReady bool
	needsReset   bool
	closed       bool
}

// NewDecodePipeline negotiates formats on an opened decoder device and
// allocates both DMABUF pools. The display is attached separately with
// SetDisplay once the caller has initialized it against the negotiated
// frame size.
func NewDecodePipeline(cfg DecoderConfig, dev DecoderDevice, alloc HeapAllocator) (*DecodePipeline, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	p := &DecodePipeline{
		cfg:    cfg,
		dev:    dev,
		alloc:  alloc,
		input:  NewBufferPool(alloc, cfg.InputBufferCount, QueueInput),
		output: NewBufferPool(alloc, cfg.OutputBufferCount, QueueOutput),
	}
	p.streaming = NewStreamController(dev, p.output)
	p.presenter = NewFramePresenter(p.output, p, p)

	if err := p.setupFormats(); err != nil {
		return nil, err
	}
	if err := p.setupBuffers(); err != nil {
		return nil, err
	}
	return p, nil
}

// SetDisplay installs the display the presenter drives. The pipeline
// takes ownership of it and closes it in Close, before the decoder
// device, because the display's framebuffers are rooted in the
// decoder's buffers. The presenter keeps only a non-owning view.
func (p *DecodePipeline) SetDisplay(display Display) {
	p.display = display
	p.presenter.SetDisplay(display)
}

// FrameSize returns the negotiated decoded-frame dimensions.
// Implements FrameGeometry for the presenter.
func (p *DecodePipeline) FrameSize() (uint32, uint32) {
	return p.width, p.height
}

// FrameCount returns the number of output buffers handled so far.
func (p *DecodePipeline) FrameCount() int64 {
	return p.presenter.FrameCount()
}

// ImportSlot imports output slot index into the display domain on its
// first presentation. Implements ZeroCopyImporter for the presenter.
func (p *DecodePipeline) ImportSlot(index int) error {
	if index < 0 || index >= len(p.zeroCopyReady) || p.zeroCopyReady[index] {
		return nil
	}
	if p.display == nil {
		return nil
	}
	info := p.output.Info(index)
	if info == nil {
		return fmt.Errorf("%w: no buffer in output slot %d", ErrDisplayImportFailed, index)
	}
	if err := p.display.SetupZeroCopyBuffer(info.FD, p.width, p.height); err != nil {
		return err
	}
	p.zeroCopyReady[index] = true
	return nil
}

func (p *DecodePipeline) setupFormats() error {
	if err := p.dev.ConfigureFormats(p.cfg.Width, p.cfg.Height, p.cfg.InputCodec, p.cfg.OutputFormat); err != nil {
		return err
	}
	w, h, err := p.dev.FrameSize()
	if err != nil {
		return fmt.Errorf("query negotiated frame size: %w", err)
	}
	p.width, p.height = w, h
	return nil
}

// setupBuffers sizes both pools from the driver's reported sizeimage
// (with defaults when the driver stays silent), allocates and maps
// them, pre-paints the output side black, and realizes both pools on
// the device in DMABUF mode.
func (p *DecodePipeline) setupBuffers() error {
	inSize, err := p.dev.BufferSize(QueueInput)
	if err != nil {
		return fmt.Errorf("query input buffer size: %w", err)
	}
	if inSize == 0 {
		inSize = p.cfg.DefaultInputBufferSize
	}
	outSize, err := p.dev.BufferSize(QueueOutput)
	if err != nil {
		return fmt.Errorf("query output buffer size: %w", err)
	}
	if outSize == 0 {
		outSize = I420Size(p.width, p.height)
	}

	if err := p.input.Allocate(inSize); err != nil {
		return err
	}
	if err := p.input.RequestOnDevice(p.dev); err != nil {
		return err
	}

	if err := p.output.Allocate(outSize); err != nil {
		return err
	}
	for i := 0; i < p.output.Count(); i++ {
		if info := p.output.Info(i); info != nil && info.Mapped() {
			prepaint(info.Data, p.width, p.height)
		}
	}
	if err := p.output.RequestOnDevice(p.dev); err != nil {
		return err
	}

	p.zeroCopyReady = make([]bool, p.output.Count())
	return nil
}

// Decode feeds one access unit to the decoder and drains every decoded
// frame that is immediately available, presenting each. Recoverable
// conditions are reported through the OnError callback and decoding
// continues; a device error sets the reset flag and is returned.
func (p *DecodePipeline) Decode(au []byte) error {
	if len(au) == 0 {
		return fmt.Errorf("%w: empty access unit", ErrConfigInvalid)
	}
	if p.closed {
		return ErrDeviceUnavailable
	}

	if p.needsReset {
		if err := p.ResetBuffers(); err != nil {
			return err
		}
		if err := p.streaming.Start(); err != nil {
			return err
		}
		p.needsReset = false
	}

	if !p.decoderReady {
		p.decoderReady = true
	}

	if !p.streaming.IsActive() {
		if err := p.streaming.Start(); err != nil {
			return err
		}
	}

	p.drainInputCompletions()

	idx := p.input.FreeIndex()
	if idx < 0 {
		idx = p.waitForInputSlot()
	}
	if idx < 0 {
		return ErrNoFreeInputSlot
	}

	info := p.input.Info(idx)
	if info == nil || !info.Mapped() {
		return fmt.Errorf("%w: input slot %d has no mapping", ErrMapFailed, idx)
	}

	if err := p.alloc.BeginCPUAccess(info); err != nil {
		p.recoverable(fmt.Errorf("cpu sync start on input %d: %w", idx, err))
	}

	chunk := uint32(len(au))
	if chunk > info.Size {
		chunk = info.Size
	}
	if chunk == 0 {
		return fmt.Errorf("%w: nothing to copy into input slot %d", ErrConfigInvalid, idx)
	}
	copy(info.Data[:chunk], au[:chunk])

	if err := p.alloc.EndCPUAccess(info); err != nil {
		p.recoverable(fmt.Errorf("cpu sync end on input %d: %w", idx, err))
	}

	err := p.dev.Enqueue(EnqueueRequest{
		Queue:     QueueInput,
		Index:     idx,
		FD:        info.FD,
		BytesUsed: chunk,
		Length:    info.Size,
	})
	if err != nil {
		return fmt.Errorf("enqueue input %d: %w", idx, err)
	}
	p.input.MarkInUse(idx)

	return p.drainOutput()
}

// drainInputCompletions returns every finished input buffer to the
// pool. Misses are normal.
func (p *DecodePipeline) drainInputCompletions() {
	for {
		deq, err := p.dev.Dequeue(QueueInput)
		if err != nil {
			return
		}
		p.input.MarkFree(deq.Index)
	}
}

// waitForInputSlot polls briefly for the driver to hand back an input
// buffer. Returns the freed slot index or -1.
func (p *DecodePipeline) waitForInputSlot() int {
	ready, err := p.dev.Poll(PollOut|PollErr, inputWaitMillis)
	if err != nil || !ready.ReadyForWrite() {
		return -1
	}
	deq, err := p.dev.Dequeue(QueueInput)
	if err != nil {
		return -1
	}
	p.input.MarkFree(deq.Index)
	return deq.Index
}

// drainOutput collects every decoded frame the driver has ready,
// presents each, and re-queues the slot so the decoder can reuse it.
func (p *DecodePipeline) drainOutput() error {
	for {
		ready, err := p.dev.Poll(PollIn|PollPri|PollErr, 0)
		if err != nil {
			return fmt.Errorf("poll decoder: %w", err)
		}

		if ready.HasEvent() {
			p.handleEvents()
		}
		if ready.HasError() {
			p.needsReset = true
			return ErrDeviceError
		}
		if !ready.ReadyForRead() {
			return nil
		}

		deq, err := p.dev.Dequeue(QueueOutput)
		if err != nil {
			return nil // raced with the driver, nothing ready after all
		}

		if err := p.presenter.Present(deq); err != nil {
			p.recoverable(err)
		}
		if err := p.requeueOutput(deq.Index); err != nil {
			return err
		}
	}
}

func (p *DecodePipeline) requeueOutput(index int) error {
	if index < 0 || index >= p.output.Count() {
		return nil
	}
	return p.streaming.QueueOutputSlot(index)
}

// handleEvents drains pending decoder notifications. A source change
// (including a resolution change) is logged and playback continues on
// the existing buffers; resets happen only on device errors.
func (p *DecodePipeline) handleEvents() {
	for {
		ev, err := p.dev.DequeueEvent()
		if err != nil {
			return
		}
		switch ev.Type {
		case EventSourceChange:
			if ev.ResolutionChanged {
				log.Printf("pipeline: source resolution changed, continuing without reset")
			} else {
				log.Printf("pipeline: source change event")
			}
		case EventEndOfStream:
			log.Printf("pipeline: end of stream event")
		case EventFrameSync:
			// Advisory; the output drain already runs on every decode.
		default:
			log.Printf("pipeline: unknown decoder event")
		}
	}
}

// Flush pushes an empty last-of-stream buffer into the decoder and
// drains the frames it still holds. Streaming stays active throughout;
// flushing is an in-band operation.
func (p *DecodePipeline) Flush() error {
	if p.closed {
		return ErrDeviceUnavailable
	}

	idx := p.input.FreeIndex()
	if idx < 0 {
		deq, err := p.dev.Dequeue(QueueInput)
		if err != nil {
			return fmt.Errorf("flush: %w", ErrNoFreeInputSlot)
		}
		p.input.MarkFree(deq.Index)
		idx = deq.Index
	}

	info := p.input.Info(idx)
	if info == nil {
		return fmt.Errorf("flush: %w", ErrNoFreeInputSlot)
	}
	err := p.dev.Enqueue(EnqueueRequest{
		Queue:  QueueInput,
		Index:  idx,
		FD:     info.FD,
		Length: info.Size,
		Flags:  BufFlagLast,
	})
	if err != nil {
		return fmt.Errorf("flush enqueue: %w", err)
	}
	p.input.MarkInUse(idx)

	// Drain until the decoder has been quiet for 20 polls of 50ms. Each
	// produced frame resets the clock.
	for attempts := 0; attempts < 20; {
		ready, err := p.dev.Poll(PollIn|PollPri|PollErr, 50)
		if err != nil {
			return fmt.Errorf("flush poll: %w", err)
		}
		if ready.HasEvent() {
			p.handleEvents()
		}
		if ready.HasError() {
			return ErrDeviceError
		}
		if !ready.ReadyForRead() {
			attempts++
			continue
		}

		deq, err := p.dev.Dequeue(QueueOutput)
		if err != nil {
			attempts++
			continue
		}
		if err := p.presenter.Present(deq); err != nil {
			p.recoverable(err)
		}
		if err := p.requeueOutput(deq.Index); err != nil {
			return err
		}
		attempts = 0
	}
	return nil
}

// ResetBuffers tears down and recreates both DMABUF pools. Used to
// recover from a device error. The display's framebuffer cache is
// rebuilt lazily: the zero-copy set is cleared so every slot re-imports
// on its next presentation.
func (p *DecodePipeline) ResetBuffers() error {
	if p.closed {
		return ErrDeviceUnavailable
	}

	if p.streaming.IsActive() {
		p.streaming.Stop()
	}
	p.streaming.SetInactive()

	p.input.ReleaseOnDevice(p.dev)
	p.output.ReleaseOnDevice(p.dev)

	time.Sleep(resetDrainDelay)

	p.input.ResetUsage()
	p.output.ResetUsage()

	// The display's cached framebuffers reference fds that are about to
	// close; drop them before the pool does.
	if p.display != nil {
		p.display.ReleaseZeroCopyBuffers()
	}

	p.input.Deallocate()
	p.output.Deallocate()

	p.zeroCopyReady = nil

	time.Sleep(resetReuseDelay)

	return p.setupBuffers()
}

// Close stops streaming, releases both pools, drops the display before
// closing the decoder device (the display's imported handles are rooted
// in the decoder's buffers), and finally closes the allocator. Teardown
// errors are logged, never returned.
func (p *DecodePipeline) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	if p.streaming.IsActive() {
		p.streaming.Stop()
	}

	p.input.ReleaseOnDevice(p.dev)
	p.output.ReleaseOnDevice(p.dev)

	p.input.Deallocate()
	p.output.Deallocate()
	p.zeroCopyReady = nil

	if p.display != nil {
		if err := p.display.Close(); err != nil {
			log.Printf("pipeline: close display: %v", err)
		}
		p.display = nil
		p.presenter.SetDisplay(nil)
	}

	if err := p.dev.Close(); err != nil {
		log.Printf("pipeline: close device: %v", err)
	}
	if err := p.alloc.Close(); err != nil {
		log.Printf("pipeline: close allocator: %v", err)
	}

	p.decoderReady = false
	p.needsReset = false
	p.width, p.height = 0, 0
	return nil
}

func (p *DecodePipeline) recoverable(err error) {
	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
		return
	}
	log.Printf("pipeline: %v", err)
}
