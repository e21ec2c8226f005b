// Package protocol implements the frame layer ws-rpc uses over byte-stream transports (plain TCP).
//
// WebSocket already delivers whole messages, but a TCP stream does not, so each text message is
// wrapped in a small fixed-size header followed by a variable-length body. The receiver reads the
// header first to learn the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5         9
//	┌──────┬──┬──┬─────────┬───────────────┐
//	│magic │v │ft│ bodyLen │    body ...    │
//	│ wsr  │01│  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Magic bytes "wsr" reject peers that speak something else (e.g. an HTTP client on the wrong port).
const (
	MagicByte1  byte = 0x77 // 'w'
	MagicByte2  byte = 0x73 // 's'
	MagicByte3  byte = 0x72 // 'r'
	Version     byte = 0x01
	HeaderSize  int  = 9 // 3 (magic) + 1 (version) + 1 (frameType) + 4 (bodyLen)
	MaxBodySize      = 16 * 1024 * 1024
)

// FrameType distinguishes application messages from keep-alive probes.
type FrameType byte

const (
	FrameMessage   FrameType = 0 // Carries one complete ws-rpc text message
	FrameHeartbeat FrameType = 1 // KeepAlive probe, no body
)

// Encode writes a complete frame (header + body) to w.
// The caller must serialize writers sharing the same w, otherwise frames interleave.
func Encode(w io.Writer, ft FrameType, body []byte) error {
	if len(body) > MaxBodySize {
		return errors.Errorf("frame body too large: %d bytes", len(body))
	}
	buf := make([]byte, HeaderSize+len(body))
	buf[0], buf[1], buf[2] = MagicByte1, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = byte(ft)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(body)))
	copy(buf[HeaderSize:], body)
	// One Write call so a frame is never split between two writers
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame from r.
func Decode(r io.Reader) (FrameType, []byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	if header[0] != MagicByte1 || header[1] != MagicByte2 || header[2] != MagicByte3 {
		return 0, nil, errors.Errorf("invalid magic number: %x", header[0:3])
	}
	if header[3] != Version {
		return 0, nil, errors.Errorf("unsupported version: %d", header[3])
	}
	ft := FrameType(header[4])
	if ft != FrameMessage && ft != FrameHeartbeat {
		return 0, nil, errors.Errorf("unsupported frame type: %d", header[4])
	}
	bodyLen := binary.BigEndian.Uint32(header[5:9])
	if bodyLen > MaxBodySize {
		return 0, nil, errors.Errorf("frame body too large: %d bytes", bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return ft, body, nil
}
