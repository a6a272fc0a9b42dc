package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	ErrInvalidProtocolVersion = errors.New("unsupported protocol version")
	ErrFrameTooLarge          = errors.New("frame exceeds size limit")
	ErrUnexpectedFrame        = errors.New("unexpected frame type")
)

const (
	ProtocolVersion = 1

	// MaxFrameSize bounds a single envelope on the wire.
	MaxFrameSize = 64 << 20
)

// FrameType tags each frame on the peer stream.
type FrameType uint8

const (
	FrameHello FrameType = iota + 1
	FrameData
)

// Hello is the first frame a dialer writes. It names the dialer's address
// so the listener can key the session by public key.
type Hello struct {
	Version int    `json:"version"`
	Address string `json:"address"`
}

// writeFrame writes a type byte, a big-endian uint32 length and the payload.
func writeFrame(w io.Writer, ft FrameType, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	header := make([]byte, 5)
	header[0] = byte(ft)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one frame written by writeFrame.
func readFrame(r io.Reader) (FrameType, []byte, error) {
	var ft FrameType
	if err := binary.Read(r, binary.BigEndian, &ft); err != nil {
		return 0, nil, err
	}

	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return 0, nil, err
	}
	if length > MaxFrameSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, err
	}

	return ft, data, nil
}

func writeHello(w io.Writer, address string) error {
	data, err := json.Marshal(Hello{Version: ProtocolVersion, Address: address})
	if err != nil {
		return err
	}
	return writeFrame(w, FrameHello, data)
}

func readHello(r io.Reader) (*Hello, error) {
	ft, data, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if ft != FrameHello {
		return nil, fmt.Errorf("%w: expected hello, got %d", ErrUnexpectedFrame, ft)
	}

	var h Hello
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	if h.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrInvalidProtocolVersion, h.Version)
	}
	return &h, nil
}
