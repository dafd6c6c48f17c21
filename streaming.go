package player

import (
	"fmt"
	"log"
	"time"
)

// StreamState represents the state of the decoder's streaming machine.
type StreamState int

const (
	StreamStopped StreamState = iota
	StreamStarting
	StreamActive
	StreamStopping
	StreamError
)

func (s StreamState) String() string {
	switch s {
	case StreamStopped:
		return "stopped"
	case StreamStarting:
		return "starting"
	case StreamActive:
		return "active"
	case StreamStopping:
		return "stopping"
	case StreamError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamController toggles the decoder's two queues between streaming
// and idle. Before streaming starts it hands every output-pool slot to
// the driver; those slots are the decoder's scratch area for writing
// decoded frames.
type StreamController struct {
	dev    DecoderDevice
	output *BufferPool
	state  StreamState
}

// NewStreamController creates a controller over the device and its
// output pool.
func NewStreamController(dev DecoderDevice, output *BufferPool) *StreamController {
	return &StreamController{dev: dev, output: output}
}

// State returns the current streaming state.
func (c *StreamController) State() StreamState { return c.state }

// IsActive reports whether both queues are streaming.
func (c *StreamController) IsActive() bool { return c.state == StreamActive }

// SetInactive forces the state to stopped without touching the device.
// Used when a reset has already torn the queues down.
func (c *StreamController) SetInactive() { c.state = StreamStopped }

// Start pre-queues all output buffers and streams on both queues.
// Calling Start while already active is an idempotent success.
func (c *StreamController) Start() error {
	if c.state == StreamActive {
		return nil
	}

	c.state = StreamStarting

	if err := c.queueOutputBuffers(); err != nil {
		c.state = StreamError
		return err
	}

	if err := c.dev.StreamOn(QueueInput); err != nil {
		c.state = StreamError
		return fmt.Errorf("stream on %s: %w", QueueInput, err)
	}
	if err := c.dev.StreamOn(QueueOutput); err != nil {
		// Roll back the input queue so the device is not left half
		// streaming.
		if offErr := c.dev.StreamOff(QueueInput); offErr != nil {
			log.Printf("streaming: rollback stream off: %v", offErr)
		}
		c.state = StreamError
		return fmt.Errorf("stream on %s: %w", QueueOutput, err)
	}

	c.state = StreamActive
	return nil
}

// Stop streams off both queues. Errors are ignored; stop is part of
// teardown and the driver may already have torn the queues down itself.
// A short sleep lets in-flight work retire before buffers are touched.
func (c *StreamController) Stop() {
	if c.state == StreamStopped {
		return
	}

	c.state = StreamStopping

	if err := c.dev.StreamOff(QueueOutput); err != nil {
		log.Printf("streaming: stream off %s: %v", QueueOutput, err)
	}
	if err := c.dev.StreamOff(QueueInput); err != nil {
		log.Printf("streaming: stream off %s: %v", QueueInput, err)
	}

	c.state = StreamStopped

	time.Sleep(10 * time.Millisecond)
}

// QueueOutputSlot hands one output-pool slot to the driver with its
// full length and no payload.
func (c *StreamController) QueueOutputSlot(index int) error {
	info := c.output.Info(index)
	if info == nil {
		return fmt.Errorf("queue output slot %d: %w", index, ErrConfigInvalid)
	}
	err := c.dev.Enqueue(EnqueueRequest{
		Queue:  QueueOutput,
		Index:  index,
		FD:     info.FD,
		Length: info.Size,
	})
	if err != nil {
		return fmt.Errorf("queue output slot %d: %w", index, err)
	}
	return nil
}

func (c *StreamController) queueOutputBuffers() error {
	for i := 0; i < c.output.Count(); i++ {
		if err := c.QueueOutputSlot(i); err != nil {
			return err
		}
	}
	return nil
}
