package player

// DecoderConfig holds the settings of the hardware decode pipeline.
// The zero value is not usable; call DefaultDecoderConfig and override
// what differs.
type DecoderConfig struct {
	// DevicePath is the V4L2 M2M decoder device.
	DevicePath string

	// Width and Height are the expected coded dimensions. The decoder
	// may adjust them during format negotiation; the negotiated values
	// win.
	Width  uint32
	Height uint32

	// InputCodec is the compressed input format.
	InputCodec VideoCodec

	// OutputFormat is the requested decoded pixel format.
	OutputFormat PixelFormat

	// InputBufferCount and OutputBufferCount size the two DMABUF pools.
	InputBufferCount  int
	OutputBufferCount int

	// DefaultInputBufferSize is used when the driver does not report a
	// sizeimage for the compressed input queue.
	DefaultInputBufferSize uint32

	// OnError, when set, receives recoverable errors from the decode
	// path (sync failures, rejected frames). Fatal errors are returned
	// from Decode directly.
	OnError func(error)
}

// DefaultDecoderConfig returns the configuration used by the rtp-player
// binary: 1080p H.264 to I420 on /dev/video10 with 6 input and 4 output
// buffers.
func DefaultDecoderConfig() DecoderConfig {
	return DecoderConfig{
		DevicePath:             "/dev/video10",
		Width:                  1920,
		Height:                 1080,
		InputCodec:             VideoCodecH264,
		OutputFormat:           PixelFormatI420,
		InputBufferCount:       6,
		OutputBufferCount:      4,
		DefaultInputBufferSize: 2 * 1024 * 1024,
	}
}

func (c *DecoderConfig) validate() error {
	if c.Width == 0 || c.Height == 0 {
		return ErrConfigInvalid
	}
	if c.InputCodec.FourCC() == 0 || c.OutputFormat.FourCC() == 0 {
		return ErrConfigInvalid
	}
	if c.InputBufferCount <= 0 {
		c.InputBufferCount = 6
	}
	if c.OutputBufferCount <= 0 {
		c.OutputBufferCount = 4
	}
	if c.DefaultInputBufferSize == 0 {
		c.DefaultInputBufferSize = 2 * 1024 * 1024
	}
	return nil
}
