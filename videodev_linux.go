//go:build linux && (amd64 || arm64)

package player

import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// V4L2Device is one opened memory-to-memory decoder character device.
// It implements DecoderDevice. The device is opened non-blocking so
// dequeues report would-block instead of stalling the decode loop.
type V4L2Device struct {
	fd   int
	path string
}

// OpenV4L2Decoder opens and verifies a decoder device: it must
// advertise multi-planar M2M capability and accept DMABUF memory on
// the compressed input queue. Event subscriptions for end-of-stream
// and source changes are best effort.
func OpenV4L2Decoder(path string) (*V4L2Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrDeviceUnavailable, path, err)
	}
	d := &V4L2Device{fd: fd, path: path}

	var capability v4l2Capability
	if err := ioctl(d.fd, vidiocQuerycap, unsafe.Pointer(&capability)); err != nil {
		d.Close()
		return nil, fmt.Errorf("%w: query capabilities: %v", ErrDeviceUnavailable, err)
	}
	log.Printf("v4l2: %s: card %q driver %q", path, cString(capability.card[:]), cString(capability.driver[:]))

	caps := capability.capabilities
	if caps&v4l2CapDeviceCaps != 0 {
		caps = capability.deviceCaps
	}
	if caps&v4l2CapVideoM2MMplane == 0 {
		d.Close()
		return nil, fmt.Errorf("%w: %s lacks M2M multi-planar capability (caps %#x)",
			ErrDeviceUnavailable, path, caps)
	}

	if err := d.probeDMABufSupport(); err != nil {
		d.Close()
		return nil, err
	}

	if err := d.subscribeEvents(); err != nil {
		log.Printf("v4l2: event subscription: %v", err)
	}

	return d, nil
}

// probeDMABufSupport requests and releases one DMABUF slot on the
// input queue; a driver without DMABUF support rejects the request.
func (d *V4L2Device) probeDMABufSupport() error {
	if err := d.RequestBuffers(QueueInput, 1); err != nil {
		return fmt.Errorf("%w: driver rejects DMABUF buffers: %v", ErrDeviceUnavailable, err)
	}
	if err := d.RequestBuffers(QueueInput, 0); err != nil {
		log.Printf("v4l2: release probe buffers: %v", err)
	}
	return nil
}

func (d *V4L2Device) subscribeEvents() error {
	for _, typ := range []uint32{v4l2EventEOS, v4l2EventSourceChange} {
		sub := v4l2EventSubscription{typ: typ}
		if err := ioctl(d.fd, vidiocSubscribeEvent, unsafe.Pointer(&sub)); err != nil {
			return fmt.Errorf("subscribe event %d: %w", typ, err)
		}
	}
	return nil
}

// ConfigureFormats sets the compressed input format (single plane,
// sizeimage at least 2 MiB) and the decoded output format, then asks
// for single-buffer capture-side buffering to cut latency (best
// effort).
func (d *V4L2Device) ConfigureFormats(width, height uint32, in VideoCodec, out PixelFormat) error {
	var fmtIn v4l2Format
	fmtIn.typ = bufType(QueueInput)
	pix := fmtIn.pixMP()
	pix.width = width
	pix.height = height
	pix.pixelformat = in.FourCC()
	pix.numPlanes = 1
	pix.planeFmt[0].sizeimage = 2 * 1024 * 1024
	if err := ioctl(d.fd, vidiocSFmt, unsafe.Pointer(&fmtIn)); err != nil {
		return fmt.Errorf("%w: set input format: %v", ErrConfigInvalid, err)
	}

	var fmtOut v4l2Format
	fmtOut.typ = bufType(QueueOutput)
	pix = fmtOut.pixMP()
	pix.width = width
	pix.height = height
	pix.pixelformat = out.FourCC()
	pix.numPlanes = 1
	if err := ioctl(d.fd, vidiocSFmt, unsafe.Pointer(&fmtOut)); err != nil {
		return fmt.Errorf("%w: set output format: %v", ErrConfigInvalid, err)
	}

	ctrl := v4l2Control{id: v4l2CidMinBuffersForCapture, value: 1}
	if err := ioctl(d.fd, vidiocSCtrl, unsafe.Pointer(&ctrl)); err != nil {
		log.Printf("v4l2: min capture buffers not reducible, latency may rise: %v", err)
	}

	return nil
}

// FrameSize returns the negotiated decoded-frame dimensions from the
// capture queue.
func (d *V4L2Device) FrameSize() (uint32, uint32, error) {
	var f v4l2Format
	f.typ = bufType(QueueOutput)
	if err := ioctl(d.fd, vidiocGFmt, unsafe.Pointer(&f)); err != nil {
		return 0, 0, fmt.Errorf("get output format: %w", err)
	}
	pix := f.pixMP()
	return pix.width, pix.height, nil
}

// BufferSize returns the driver's sizeimage for the first plane of a
// queue.
func (d *V4L2Device) BufferSize(q Queue) (uint32, error) {
	var f v4l2Format
	f.typ = bufType(q)
	if err := ioctl(d.fd, vidiocGFmt, unsafe.Pointer(&f)); err != nil {
		return 0, fmt.Errorf("get %s format: %w", q, err)
	}
	return f.pixMP().planeFmt[0].sizeimage, nil
}

// RequestBuffers asks the driver for count DMABUF slots on a queue.
func (d *V4L2Device) RequestBuffers(q Queue, count int) error {
	req := v4l2RequestBuffers{
		count:  uint32(count),
		typ:    bufType(q),
		memory: v4l2MemoryDMABuf,
	}
	return ioctl(d.fd, vidiocReqbufs, unsafe.Pointer(&req))
}

// Enqueue hands one single-plane DMABUF buffer to the driver.
func (d *V4L2Device) Enqueue(req EnqueueRequest) error {
	var plane v4l2Plane
	plane.m = uint64(uint32(int32(req.FD)))
	plane.bytesused = req.BytesUsed
	plane.length = req.Length

	var buf v4l2Buffer
	buf.typ = bufType(req.Queue)
	buf.memory = v4l2MemoryDMABuf
	buf.index = uint32(req.Index)
	buf.flags = req.Flags
	buf.m = uint64(uintptr(unsafe.Pointer(&plane)))
	buf.length = 1

	err := ioctl(d.fd, vidiocQbuf, unsafe.Pointer(&buf))
	runtime.KeepAlive(&plane)
	if err != nil {
		return fmt.Errorf("queue %s buffer %d: %w", req.Queue, req.Index, err)
	}
	return nil
}

// Dequeue collects one completed buffer. ErrWouldBlock means nothing
// is ready; any other failure is surfaced.
func (d *V4L2Device) Dequeue(q Queue) (DequeuedBuffer, error) {
	var plane v4l2Plane
	var buf v4l2Buffer
	buf.typ = bufType(q)
	buf.memory = v4l2MemoryDMABuf
	buf.m = uint64(uintptr(unsafe.Pointer(&plane)))
	buf.length = 1

	err := ioctl(d.fd, vidiocDqbuf, unsafe.Pointer(&buf))
	runtime.KeepAlive(&plane)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return DequeuedBuffer{}, ErrWouldBlock
		}
		return DequeuedBuffer{}, fmt.Errorf("dequeue %s buffer: %w", q, err)
	}

	return DequeuedBuffer{
		Queue:     q,
		Index:     int(buf.index),
		BytesUsed: plane.bytesused,
		Flags:     buf.flags,
	}, nil
}

// StreamOn starts streaming on one queue.
func (d *V4L2Device) StreamOn(q Queue) error {
	typ := bufType(q)
	return ioctl(d.fd, vidiocStreamon, unsafe.Pointer(&typ))
}

// StreamOff stops streaming on one queue; the driver returns all its
// buffers.
func (d *V4L2Device) StreamOff(q Queue) error {
	typ := bufType(q)
	return ioctl(d.fd, vidiocStreamoff, unsafe.Pointer(&typ))
}

// Poll waits up to timeoutMs for the requested conditions. Timeout 0
// probes without blocking.
func (d *V4L2Device) Poll(events int16, timeoutMs int) (Readiness, error) {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: events}}
	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return Readiness{}, nil
		}
		return Readiness{}, fmt.Errorf("poll %s: %w", d.path, err)
	}
	if n == 0 {
		return Readiness{}, nil
	}
	return Readiness{revents: fds[0].Revents}, nil
}

// DequeueEvent collects one pending notification. ErrWouldBlock means
// none are pending.
func (d *V4L2Device) DequeueEvent() (DeviceEvent, error) {
	var ev v4l2Event
	if err := ioctl(d.fd, vidiocDqevent, unsafe.Pointer(&ev)); err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EAGAIN) {
			return DeviceEvent{}, ErrWouldBlock
		}
		return DeviceEvent{}, fmt.Errorf("dequeue event: %w", err)
	}

	out := DeviceEvent{}
	switch ev.typ {
	case v4l2EventSourceChange:
		out.Type = EventSourceChange
		out.ResolutionChanged = ev.srcChangeMask()&v4l2EventSrcChResolution != 0
	case v4l2EventEOS:
		out.Type = EventEndOfStream
	case v4l2EventFrameSync:
		out.Type = EventFrameSync
	default:
		out.Type = EventUnknown
	}
	return out, nil
}

// Close releases the device.
func (d *V4L2Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

// cString trims a NUL-terminated kernel string.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
