package tcp

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"melink/internal/mpio"

	"google.golang.org/protobuf/encoding/protowire"
)

// frames are small JSON documents behind a varint length prefix
const MaxFrameSize = 1024 * 1024 // 1MB

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrInvalidFrame is returned for a body that does not decode. The
	// reader stays positioned at the next frame.
	ErrInvalidFrame = errors.New("invalid frame body")
)

type frameKind uint8

const (
	frameHello frameKind = iota + 1
	frameMessage
)

// Hello is exchanged by both sides before any message frame.
type Hello struct {
	Engine  mpio.EngineID        `json:"engine_id"`
	Bus     string               `json:"bus"`
	Version mpio.ProtocolVersion `json:"version"`
	Token   string               `json:"token"`
}

type frame struct {
	Kind     frameKind     `json:"kind"`
	Priority mpio.Priority `json:"priority,omitempty"`
	Hello    *Hello        `json:"hello,omitempty"`
	Message  *mpio.Message `json:"message,omitempty"`
}

func encodeFrame(f *frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	buf := protowire.AppendVarint(make([]byte, 0, binary.MaxVarintLen64+len(body)), uint64(len(body)))
	return append(buf, body...), nil
}

func readFrame(r *bufio.Reader) (*frame, error) {
	var prefix []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			if len(prefix) > 0 && errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		prefix = append(prefix, b)
		if b < 0x80 {
			break
		}
		if len(prefix) == binary.MaxVarintLen64 {
			return nil, fmt.Errorf("invalid frame prefix: %w", protowire.ParseError(-1))
		}
	}

	size, n := protowire.ConsumeVarint(prefix)
	if n < 0 {
		return nil, fmt.Errorf("invalid frame prefix: %w", protowire.ParseError(n))
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var f frame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	return &f, nil
}
