package player

// Queue identifies one side of the memory-to-memory decoder. QueueInput
// carries compressed bitstream toward the decoder, QueueOutput carries
// decoded frames back.
type Queue int

const (
	QueueInput Queue = iota
	QueueOutput
)

func (q Queue) String() string {
	switch q {
	case QueueInput:
		return "input"
	case QueueOutput:
		return "output"
	default:
		return "unknown"
	}
}

// Buffer flags reported by the driver on dequeue or requested on
// enqueue. Values match the kernel ABI.
const (
	BufFlagError uint32 = 0x00000040 // decode error in this buffer
	BufFlagLast  uint32 = 0x00100000 // last buffer of the stream
)

// EnqueueRequest describes one buffer handed to the driver.
type EnqueueRequest struct {
	Queue     Queue
	Index     int
	FD        int
	BytesUsed uint32
	Length    uint32
	Flags     uint32
}

// DequeuedBuffer describes one buffer the driver returned.
type DequeuedBuffer struct {
	Queue     Queue
	Index     int
	BytesUsed uint32
	Flags     uint32
}

// Poll event bits, matching poll(2).
const (
	PollIn  int16 = 0x0001
	PollPri int16 = 0x0002
	PollOut int16 = 0x0004
	PollErr int16 = 0x0008
)

// Readiness is the outcome of one device poll.
type Readiness struct {
	revents int16
}

// HasEvent reports a pending asynchronous device event.
func (r Readiness) HasEvent() bool { return r.revents&PollPri != 0 }

// HasError reports an error condition on the device.
func (r Readiness) HasError() bool { return r.revents&PollErr != 0 }

// ReadyForRead reports that a decoded frame can be dequeued.
func (r Readiness) ReadyForRead() bool { return r.revents&PollIn != 0 }

// ReadyForWrite reports that an input buffer can be dequeued.
func (r Readiness) ReadyForWrite() bool { return r.revents&PollOut != 0 }

// EventType identifies an asynchronous decoder notification.
type EventType int

const (
	EventUnknown EventType = iota
	EventSourceChange
	EventEndOfStream
	EventFrameSync
)

func (e EventType) String() string {
	switch e {
	case EventSourceChange:
		return "source-change"
	case EventEndOfStream:
		return "end-of-stream"
	case EventFrameSync:
		return "frame-sync"
	default:
		return "unknown"
	}
}

// DeviceEvent is one dequeued decoder notification.
type DeviceEvent struct {
	Type EventType

	// ResolutionChanged is set on source-change events whose change mask
	// includes the coded resolution.
	ResolutionChanged bool
}

// DecoderDevice is the contract of one opened V4L2 M2M decoder. The
// concrete V4L2Device implementation drives the character device; tests
// substitute a scripted fake. All calls must come from one goroutine.
type DecoderDevice interface {
	// ConfigureFormats sets the compressed input format and the decoded
	// output format for the given dimensions, and asks the driver for
	// minimal capture-side buffering (best effort).
	ConfigureFormats(width, height uint32, in VideoCodec, out PixelFormat) error

	// FrameSize returns the negotiated decoded frame dimensions.
	FrameSize() (width, height uint32, err error)

	// BufferSize returns the driver's sizeimage for one plane of the
	// given queue, 0 if the driver does not report one.
	BufferSize(q Queue) (uint32, error)

	// RequestBuffers asks the driver to prepare count DMABUF slots on a
	// queue. Count 0 releases the slots.
	RequestBuffers(q Queue, count int) error

	// Enqueue hands one buffer to the driver.
	Enqueue(req EnqueueRequest) error

	// Dequeue collects one completed buffer from a queue. Returns
	// ErrWouldBlock when nothing is ready.
	Dequeue(q Queue) (DequeuedBuffer, error)

	// StreamOn and StreamOff toggle streaming on one queue.
	StreamOn(q Queue) error
	StreamOff(q Queue) error

	// Poll waits up to timeoutMs for any of the requested conditions.
	// A timeout of 0 is a non-blocking probe and returns an empty
	// Readiness when nothing is pending.
	Poll(events int16, timeoutMs int) (Readiness, error)

	// DequeueEvent collects one pending notification. Returns
	// ErrWouldBlock when none are pending.
	DequeueEvent() (DeviceEvent, error)

	// Close releases the device.
	Close() error
}
