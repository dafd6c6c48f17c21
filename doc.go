// Package player implements a real-time H.264 RTP player for Linux
// single-board computers (Raspberry Pi class hardware).
//
// Incoming RTP is depacketized into complete access units, decoded by the
// kernel's stateful V4L2 memory-to-memory decoder, and scanned out
// directly through the DRM/KMS display controller. Decoded pixels are
// never copied: decoder output buffers are minted from a DMA heap,
// shared with the decoder as DMABUF-backed V4L2 buffers, and imported
// into DRM framebuffers that scan out the same memory.
//
// # Architecture
//
//	Receive: RTPReceiver -> H264Depacketizer -> Player queue
//	Decode:  Player -> DecodePipeline -> V4L2 M2M decoder (DMABUF)
//	Present: FramePresenter -> Display (DRM/KMS, zero-copy)
//
// # Buffer ownership
//
// Every decoder buffer is one DMA heap allocation owned by exactly one
// BufferPool slot. The V4L2 driver borrows it while queued, the display
// holds only an imported handle and framebuffer, and the pool closes the
// file descriptor exactly once at teardown.
//
// # Threads
//
// The receiver delivers access units from its own goroutine. A single
// decode goroutine owned by Player performs every call into the decoder
// device, the pools and the display, so no per-component locking is
// needed around the kernel interfaces.
//
// Device access, decoding and display require Linux; the pure
// bookkeeping (pools, streaming state, presentation policy) is portable
// and tested off-target.
package player
