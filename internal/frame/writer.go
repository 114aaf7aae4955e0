package frame

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/israelio/amqp10-go-client/internal/protocol"
)

// Writer writes AMQP frames to a connection
type Writer struct {
	w        *bufio.Writer
	mu       sync.Mutex
	maxFrame uint32
}

// NewWriter creates a new frame writer
func NewWriter(w io.Writer, maxFrameSize uint32) *Writer {
	if maxFrameSize == 0 {
		maxFrameSize = protocol.MaxFrameSizeUnlimited
	}

	return &Writer{
		w:        bufio.NewWriterSize(w, readChunkSize),
		maxFrame: maxFrameSize,
	}
}

// WriteFrame encodes and writes a single frame, flushing it immediately
func (fw *Writer) WriteFrame(f *Frame) error {
	b, err := Marshal(f)
	if err != nil {
		return err
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if f.Kind() != KindHeader && uint32(len(b)) > fw.maxFrame {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(b), fw.maxFrame)
	}

	if _, err := fw.w.Write(b); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Kind(), err)
	}

	if err := fw.w.Flush(); err != nil {
		return fmt.Errorf("flush %s frame: %w", f.Kind(), err)
	}

	return nil
}

// SetMaxFrameSize updates the maximum frame size
func (fw *Writer) SetMaxFrameSize(size uint32) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if size > 0 {
		fw.maxFrame = size
	}
}
