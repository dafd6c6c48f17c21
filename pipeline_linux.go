//go:build linux && (amd64 || arm64)

package player

import "log"

// OpenDecodePipeline wires the production pipeline: the V4L2 decoder
// at cfg.DevicePath, the DMA heap allocator, and a DRM display
// initialized against the negotiated frame size.
func OpenDecodePipeline(cfg DecoderConfig) (*DecodePipeline, error) {
	dev, err := OpenV4L2Decoder(cfg.DevicePath)
	if err != nil {
		return nil, err
	}

	alloc, err := OpenDMAHeap()
	if err != nil {
		dev.Close()
		return nil, err
	}

	p, err := NewDecodePipeline(cfg, dev, alloc)
	if err != nil {
		alloc.Close()
		dev.Close()
		return nil, err
	}

	width, height := p.FrameSize()
	display, err := NewDRMDisplay(width, height)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.SetDisplay(display)
	log.Printf("pipeline: %s", display.Info())

	return p, nil
}
