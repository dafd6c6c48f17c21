package player

import "fmt"

// Display presents decoded frames. The concrete DRMDisplay scans out
// through the kernel mode-setting interface; tests substitute a
// recording fake.
type Display interface {
	// SetupZeroCopyBuffer imports a decoder DMA buffer into the display
	// domain and caches the resulting framebuffer. Importing the same fd
	// twice is an idempotent success. The display never takes ownership
	// of the fd.
	SetupZeroCopyBuffer(fd int, width, height uint32) error

	// DisplayFrame scans out the framebuffer previously imported for
	// frame.DMABufFD.
	DisplayFrame(frame FrameInfo) error

	// ReleaseZeroCopyBuffers removes every cached framebuffer and closes
	// the imported handles while keeping the display bound. Used when
	// the decoder's buffers are recreated and the cached fds go stale.
	ReleaseZeroCopyBuffers()

	// Info describes the bound output for logging.
	Info() string

	// Close removes cached framebuffers, closes imported handles and
	// releases the display device. It must not close the imported
	// DMA buffer fds; those belong to the buffer pool.
	Close() error
}

// maxDisplayDim bounds importable framebuffer dimensions.
const maxDisplayDim = 8192

// validateImport checks an import request before any device work.
func validateImport(fd int, width, height uint32) error {
	if fd < 0 {
		return fmt.Errorf("%w: bad dmabuf fd %d", ErrDisplayImportFailed, fd)
	}
	if width == 0 || height == 0 || width > maxDisplayDim || height > maxDisplayDim {
		return fmt.Errorf("%w: bad dimensions %dx%d", ErrDisplayImportFailed, width, height)
	}
	return nil
}

// planeLayout is the per-plane framebuffer geometry handed to the
// display when importing a buffer.
type planeLayout struct {
	pitches [4]uint32
	offsets [4]uint32
	planes  int
}

// i420Layout computes the three-plane layout of a tightly packed I420
// buffer: full-stride luma followed by the two half-stride chroma
// planes. The luma area must fit in 32 bits because the display ABI
// carries offsets as u32.
func i420Layout(width, height uint32) (planeLayout, error) {
	ySize := uint64(width) * uint64(height)
	if ySize > maxBufferSize {
		return planeLayout{}, fmt.Errorf("%w: luma plane %d overflows", ErrDisplayImportFailed, ySize)
	}
	y := uint32(ySize)
	uv := y / 4
	return planeLayout{
		pitches: [4]uint32{width, width / 2, width / 2, 0},
		offsets: [4]uint32{0, y, y + uv, 0},
		planes:  3,
	}, nil
}
