package player

import "errors"

// Errors returned by the decode and display paths. Fallible calls wrap
// these with fmt.Errorf("...: %w", err) so callers can test with
// errors.Is while still seeing the call-site detail.
var (
	// ErrConfigInvalid indicates a zero dimension or unsupported format.
	ErrConfigInvalid = errors.New("invalid decoder configuration")

	// ErrDeviceUnavailable indicates the decoder device cannot be opened
	// or lacks a required capability.
	ErrDeviceUnavailable = errors.New("decoder device unavailable")

	// ErrAllocatorUnavailable indicates no DMA heap could be opened.
	ErrAllocatorUnavailable = errors.New("dma heap allocator unavailable")

	// ErrAllocFailed indicates a buffer allocation failed.
	ErrAllocFailed = errors.New("buffer allocation failed")

	// ErrMapFailed indicates a CPU mapping of a buffer failed.
	ErrMapFailed = errors.New("buffer mapping failed")

	// ErrNoFreeInputSlot indicates the input pool stayed exhausted after
	// a bounded wait for the driver to return a buffer.
	ErrNoFreeInputSlot = errors.New("no free input buffer")

	// ErrDeviceError indicates the device poll reported an error
	// condition. The pipeline performs a full reset before accepting
	// further input.
	ErrDeviceError = errors.New("decoder device error")

	// ErrDecoderRejected indicates the driver flagged an output buffer
	// as containing decode errors.
	ErrDecoderRejected = errors.New("decoder rejected buffer")

	// ErrBufferTooSmall indicates a dequeued output buffer holds fewer
	// bytes than a plausible decoded frame.
	ErrBufferTooSmall = errors.New("output buffer too small")

	// ErrBufferUntouched indicates a dequeued output buffer still holds
	// only its pre-painted fill and carries no decoded content.
	ErrBufferUntouched = errors.New("output buffer untouched")

	// ErrDisplayImportFailed indicates a buffer could not be imported
	// into the display domain.
	ErrDisplayImportFailed = errors.New("display import failed")

	// ErrDisplayPresentFailed indicates a mode-set with an imported
	// framebuffer failed.
	ErrDisplayPresentFailed = errors.New("display present failed")

	// ErrWouldBlock is reported by non-blocking dequeues when nothing is
	// ready. It is a flow-control signal, not a failure.
	ErrWouldBlock = errors.New("operation would block")
)
