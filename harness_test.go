package player

import (
	"fmt"
	"testing"
)

// fakeAllocator mints byte-slice-backed buffers and tracks descriptor
// lifecycle so tests can assert on leaks and double-closes.
type fakeAllocator struct {
	nextFD  int
	open    map[int]bool
	granted uint32 // overrides the requested size when non-zero

	allocs     int
	releases   int
	syncStarts int
	syncEnds   int

	failAlloc bool
	failMap   bool

	doubleClose bool
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{nextFD: 100, open: make(map[int]bool)}
}

func (f *fakeAllocator) Allocate(size int64) (*BufferObject, error) {
	if size <= 0 || uint64(size) > maxBufferSize {
		return nil, fmt.Errorf("%w: invalid size %d", ErrAllocFailed, size)
	}
	if f.failAlloc {
		return nil, ErrAllocFailed
	}
	granted := uint32(size)
	if f.granted > granted {
		granted = f.granted
	}
	fd := f.nextFD
	f.nextFD++
	f.open[fd] = true
	f.allocs++
	return &BufferObject{FD: fd, Size: granted}, nil
}

func (f *fakeAllocator) Map(b *BufferObject) error {
	if f.failMap {
		return ErrMapFailed
	}
	b.Data = make([]byte, b.Size)
	return nil
}

func (f *fakeAllocator) Unmap(b *BufferObject) error {
	b.Data = nil
	return nil
}

func (f *fakeAllocator) Release(b *BufferObject) error {
	if b.FD < 0 {
		return nil
	}
	if !f.open[b.FD] {
		f.doubleClose = true
	}
	delete(f.open, b.FD)
	f.releases++
	b.FD = -1
	return nil
}

func (f *fakeAllocator) BeginCPUAccess(b *BufferObject) error { f.syncStarts++; return nil }
func (f *fakeAllocator) EndCPUAccess(b *BufferObject) error   { f.syncEnds++; return nil }
func (f *fakeAllocator) Close() error                         { return nil }

func (f *fakeAllocator) openDescriptors() int { return len(f.open) }

// fakeDevice emulates the decoder driver: buffers queue and complete
// under test control. decodeHook, when set, runs on every input
// enqueue so tests can synthesize decoded output.
type fakeDevice struct {
	width, height uint32
	inSizeImage   uint32 // reported sizeimage, 0 = driver silent
	outSizeImage  uint32

	requested map[Queue]int // last non-zero REQBUFS count
	released  map[Queue]int // number of REQBUFS(0) calls

	queuedInput  []EnqueueRequest
	queuedOutput []EnqueueRequest

	completedInput  []DequeuedBuffer
	completedOutput []DequeuedBuffer

	events []DeviceEvent

	streaming map[Queue]bool

	pollErrOnce    bool // next poll reports POLLERR
	failStreamOn   map[Queue]bool
	streamOnCalls  []Queue
	streamOffCalls []Queue

	decodeHook func(req EnqueueRequest)
	onPoll     func()

	closed bool
}

func newFakeDevice(width, height uint32) *fakeDevice {
	return &fakeDevice{
		width:        width,
		height:       height,
		requested:    make(map[Queue]int),
		released:     make(map[Queue]int),
		streaming:    make(map[Queue]bool),
		failStreamOn: make(map[Queue]bool),
	}
}

func (d *fakeDevice) ConfigureFormats(w, h uint32, in VideoCodec, out PixelFormat) error {
	d.width, d.height = w, h
	return nil
}

func (d *fakeDevice) FrameSize() (uint32, uint32, error) {
	return d.width, d.height, nil
}

func (d *fakeDevice) BufferSize(q Queue) (uint32, error) {
	if q == QueueInput {
		return d.inSizeImage, nil
	}
	return d.outSizeImage, nil
}

func (d *fakeDevice) RequestBuffers(q Queue, count int) error {
	if count == 0 {
		// Dropping the slots forgets everything queued on them.
		d.released[q]++
		if q == QueueInput {
			d.queuedInput, d.completedInput = nil, nil
		} else {
			d.queuedOutput, d.completedOutput = nil, nil
		}
		return nil
	}
	d.requested[q] = count
	return nil
}

func (d *fakeDevice) Enqueue(req EnqueueRequest) error {
	if req.Queue == QueueInput {
		d.queuedInput = append(d.queuedInput, req)
		if d.decodeHook != nil {
			d.decodeHook(req)
		}
		return nil
	}
	d.queuedOutput = append(d.queuedOutput, req)
	return nil
}

func (d *fakeDevice) Dequeue(q Queue) (DequeuedBuffer, error) {
	if q == QueueInput {
		if len(d.completedInput) == 0 {
			return DequeuedBuffer{}, ErrWouldBlock
		}
		deq := d.completedInput[0]
		d.completedInput = d.completedInput[1:]
		return deq, nil
	}
	if len(d.completedOutput) == 0 {
		return DequeuedBuffer{}, ErrWouldBlock
	}
	deq := d.completedOutput[0]
	d.completedOutput = d.completedOutput[1:]
	return deq, nil
}

func (d *fakeDevice) StreamOn(q Queue) error {
	d.streamOnCalls = append(d.streamOnCalls, q)
	if d.failStreamOn[q] {
		return ErrDeviceError
	}
	d.streaming[q] = true
	return nil
}

func (d *fakeDevice) StreamOff(q Queue) error {
	d.streamOffCalls = append(d.streamOffCalls, q)
	d.streaming[q] = false
	return nil
}

func (d *fakeDevice) Poll(events int16, timeoutMs int) (Readiness, error) {
	if d.onPoll != nil {
		d.onPoll()
	}
	var revents int16
	if d.pollErrOnce {
		d.pollErrOnce = false
		return Readiness{revents: PollErr}, nil
	}
	if len(d.events) > 0 {
		revents |= PollPri
	}
	if len(d.completedOutput) > 0 {
		revents |= PollIn
	}
	if len(d.completedInput) > 0 {
		revents |= PollOut
	}
	return Readiness{revents: revents & events}, nil
}

func (d *fakeDevice) DequeueEvent() (DeviceEvent, error) {
	if len(d.events) == 0 {
		return DeviceEvent{}, ErrWouldBlock
	}
	ev := d.events[0]
	d.events = d.events[1:]
	return ev, nil
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

// completeOutput makes slot index available for dequeue with the given
// payload size.
func (d *fakeDevice) completeOutput(index int, bytesUsed uint32, flags uint32) {
	d.completedOutput = append(d.completedOutput, DequeuedBuffer{
		Queue:     QueueOutput,
		Index:     index,
		BytesUsed: bytesUsed,
		Flags:     flags,
	})
}

// fakeDisplay records imports and presentations.
type fakeDisplay struct {
	imported  map[int]bool // keyed by dmabuf fd
	presented []FrameInfo

	failImport  bool
	failPresent bool
	closed      bool
}

func newFakeDisplay() *fakeDisplay {
	return &fakeDisplay{imported: make(map[int]bool)}
}

func (d *fakeDisplay) SetupZeroCopyBuffer(fd int, w, h uint32) error {
	if err := validateImport(fd, w, h); err != nil {
		return err
	}
	if d.failImport {
		return ErrDisplayImportFailed
	}
	d.imported[fd] = true
	return nil
}

func (d *fakeDisplay) DisplayFrame(frame FrameInfo) error {
	if !frame.IsDMABuf || frame.DMABufFD < 0 {
		return ErrDisplayPresentFailed
	}
	if !d.imported[frame.DMABufFD] {
		return ErrDisplayPresentFailed
	}
	if d.failPresent {
		return ErrDisplayPresentFailed
	}
	d.presented = append(d.presented, frame)
	return nil
}

func (d *fakeDisplay) ReleaseZeroCopyBuffers() {
	d.imported = make(map[int]bool)
}

func (d *fakeDisplay) Info() string { return "fake display" }

func (d *fakeDisplay) Close() error {
	d.ReleaseZeroCopyBuffers()
	d.closed = true
	return nil
}

// newTestPipeline wires a pipeline over fakes at 64x64 so buffers stay
// small. The fake device reports no sizeimage, exercising the default
// sizing paths.
func newTestPipeline(t *testing.T) (*DecodePipeline, *fakeDevice, *fakeAllocator, *fakeDisplay) {
	t.Helper()

	cfg := DefaultDecoderConfig()
	cfg.Width = 64
	cfg.Height = 64
	cfg.InputBufferCount = 3
	cfg.OutputBufferCount = 2
	cfg.DefaultInputBufferSize = 4096

	dev := newFakeDevice(cfg.Width, cfg.Height)
	alloc := newFakeAllocator()

	p, err := NewDecodePipeline(cfg, dev, alloc)
	if err != nil {
		t.Fatalf("NewDecodePipeline: %v", err)
	}

	display := newFakeDisplay()
	p.SetDisplay(display)
	return p, dev, alloc, display
}

// installDecodeHook simulates the decoder: on input enqueue it takes the
// oldest queued output slot, scribbles decoded content into its
// mapping and completes it with a full frame's worth of bytes.
func installDecodeHook(p *DecodePipeline, dev *fakeDevice) {
	dev.decodeHook = func(req EnqueueRequest) {
		if len(dev.queuedOutput) == 0 {
			return
		}
		out := dev.queuedOutput[0]
		dev.queuedOutput = dev.queuedOutput[1:]

		if info := p.output.Info(out.Index); info != nil && info.Mapped() {
			for i := range info.Data {
				info.Data[i] = byte(37 + i)
			}
		}
		w, h := p.FrameSize()
		dev.completeOutput(out.Index, I420Size(w, h), 0)

		// The input buffer completes immediately as well.
		dev.completedInput = append(dev.completedInput, DequeuedBuffer{
			Queue: QueueInput,
			Index: req.Index,
		})
	}
}
