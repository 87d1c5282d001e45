package audio

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

const (
	// RequiredSampleRate is exact; a substituted rate is a hard failure.
	RequiredSampleRate = 16000

	// blockSizeBytes is 20ms at 16kHz mono float32.
	blockSizeBytes = 1280
)

// RateError reports a negotiated capture rate that differs from the
// required one. Retrying cannot help, so callers treat it as fatal.
type RateError struct {
	Want int
	Got  int
}

func (e *RateError) Error() string {
	return fmt.Sprintf("microphone negotiated %d Hz but exactly %d Hz is required", e.Got, e.Want)
}

// Capture streams fixed-size float32 PCM blocks from one Pulse source.
// Ownership of each emitted block transfers to the receiver; nothing is
// retained after a block leaves the channel.
type Capture struct {
	device Device

	client *pulse.Client
	stream *pulse.RecordStream

	blocks chan []byte
	stopCh chan struct{}

	mu      sync.Mutex
	pending []byte
	stopped bool

	inflight sync.WaitGroup
	bytes    atomic.Int64
}

// StartCapture creates and starts a 16kHz mono float32 record stream.
// The negotiated rate is verified before the stream starts.
func StartCapture(ctx context.Context, selected Device) (*Capture, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("livecap"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}

	source, err := client.SourceByID(selected.ID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("resolve source %q: %w", selected.ID, err)
	}

	capture := &Capture{
		device: selected,
		client: client,
		blocks: make(chan []byte, 128),
		stopCh: make(chan struct{}),
	}

	writer := pulse.NewWriter(writerFunc(capture.onPCM), pulseproto.FormatFloat32LE)
	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(RequiredSampleRate),
		pulse.RecordBufferFragmentSize(blockSizeBytes),
		pulse.RecordMediaName("livecap streaming"),
	)
	if err != nil {
		capture.Close()
		return nil, fmt.Errorf("create pulse record stream: %w", err)
	}
	capture.stream = stream

	if rate := stream.SampleRate(); rate != RequiredSampleRate {
		capture.Close()
		return nil, &RateError{Want: RequiredSampleRate, Got: rate}
	}

	stream.Start()

	go func() {
		<-ctx.Done()
		_ = capture.Stop()
	}()

	return capture, nil
}

// Device returns capture metadata for logging and diagnostics.
func (c *Capture) Device() Device {
	return c.device
}

// Blocks returns the PCM stream as fixed-size byte slices.
func (c *Capture) Blocks() <-chan []byte {
	return c.blocks
}

// BytesCaptured reports total bytes accepted from Pulse.
func (c *Capture) BytesCaptured() int64 {
	return c.bytes.Load()
}

// Stop halts the stream, flushes residual PCM, and closes Blocks exactly once.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stopCh)
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Stop()
		c.stream.Close()
	}
	if c.client != nil {
		c.client.Close()
	}

	c.inflight.Wait()

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(pending) > 0 {
		block := make([]byte, len(pending))
		copy(block, pending)
		select {
		case c.blocks <- block:
		default:
		}
	}

	close(c.blocks)
	return nil
}

// Close is a convenience alias for Stop.
func (c *Capture) Close() {
	_ = c.Stop()
}

// onPCM receives raw Pulse frames and emits blockSizeBytes slices to c.blocks.
func (c *Capture) onPCM(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	select {
	case <-c.stopCh:
		return 0, io.EOF
	default:
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return 0, io.EOF
	}
	// Guard Add under the same mutex as c.stopped to avoid Add/Wait races.
	c.inflight.Add(1)

	c.pending = append(c.pending, buffer...)
	blocks := make([][]byte, 0, len(c.pending)/blockSizeBytes)
	for len(c.pending) >= blockSizeBytes {
		block := make([]byte, blockSizeBytes)
		copy(block, c.pending[:blockSizeBytes])
		c.pending = c.pending[blockSizeBytes:]
		blocks = append(blocks, block)
	}
	c.mu.Unlock()
	defer c.inflight.Done()

	c.bytes.Add(int64(len(buffer)))

	for _, block := range blocks {
		select {
		case <-c.stopCh:
			return 0, io.EOF
		case c.blocks <- block:
		}
	}

	return len(buffer), nil
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}
