package frame

import (
	"errors"
	"fmt"
	"io"

	"github.com/israelio/amqp10-go-client/internal/protocol"
)

// ErrFrameTooLarge is returned when a peer sends a frame above the negotiated
// max-frame-size
var ErrFrameTooLarge = errors.New("frame exceeds max frame size")

const readChunkSize = 4096

// Reader reads AMQP frames from a byte stream. Bytes read before an error
// (for example a read deadline) are kept, so a later ReadFrame resumes the
// partially received frame.
type Reader struct {
	r          io.Reader
	maxFrame   uint32
	buf        []byte
	chunk      []byte
	pendingErr error
}

// NewReader creates a new frame reader
func NewReader(r io.Reader, maxFrameSize uint32) *Reader {
	if maxFrameSize == 0 {
		maxFrameSize = protocol.MaxFrameSizeUnlimited
	}

	return &Reader{
		r:        r,
		maxFrame: maxFrameSize,
		chunk:    make([]byte, readChunkSize),
	}
}

// ReadFrame reads a single frame or protocol header
func (fr *Reader) ReadFrame() (*Frame, error) {
	for {
		f, err := fr.next()
		if err != nil || f != nil {
			return f, err
		}
		if err := fr.fill(); err != nil {
			return nil, err
		}
	}
}

// next returns the next buffered frame, or nil when more bytes are needed
func (fr *Reader) next() (*Frame, error) {
	if len(fr.buf) < protocol.FrameHeaderSize {
		return nil, nil
	}

	if string(fr.buf[:4]) == "AMQP" {
		h, err := ParseProtocolHeader(fr.buf[:protocol.ProtocolHeaderSize])
		if err != nil {
			return nil, err
		}
		fr.consume(protocol.ProtocolHeaderSize)
		return &Frame{Body: h}, nil
	}

	h, err := ParseHeader(fr.buf)
	if err != nil {
		return nil, err
	}
	if h.Size > fr.maxFrame {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, h.Size, fr.maxFrame)
	}
	if uint32(len(fr.buf)) < h.Size {
		return nil, nil
	}

	f, err := Unmarshal(fr.buf[:h.Size])
	fr.consume(int(h.Size))
	if err != nil {
		if errors.Is(err, ErrMalformedFrame) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

func (fr *Reader) consume(n int) {
	rest := copy(fr.buf, fr.buf[n:])
	fr.buf = fr.buf[:rest]
}

func (fr *Reader) fill() error {
	if fr.pendingErr != nil {
		err := fr.pendingErr
		fr.pendingErr = nil
		return err
	}

	n, err := fr.r.Read(fr.chunk)
	if n > 0 {
		fr.buf = append(fr.buf, fr.chunk[:n]...)
		fr.pendingErr = err
		return nil
	}
	if err == nil {
		return io.ErrNoProgress
	}
	return err
}

// SetMaxFrameSize updates the maximum frame size
func (fr *Reader) SetMaxFrameSize(size uint32) {
	if size > 0 {
		fr.maxFrame = size
	}
}
