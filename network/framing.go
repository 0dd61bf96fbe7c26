package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// MaxNetworkMessageSize is the default upper bound of a single frame (4MB).
const MaxNetworkMessageSize = 4 * 1024 * 1024

// ErrFrameTooLarge is returned when a frame exceeds the configured maximum.
var ErrFrameTooLarge = errors.New("frame size exceeds maximum allowed size")

// frameHeaderSize is the 4-byte big-endian length prefix.
const frameHeaderSize = 4

// ReadFrame reads a length-prefixed frame from r.
// Format: [4 bytes length (BigEndian)] [N bytes payload]
//
// An oversized frame is consumed and discarded so the stream stays aligned;
// the returned error wraps ErrFrameTooLarge and the caller may keep reading.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])

	if maxSize > 0 && int64(length) > int64(maxSize) {
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return nil, fmt.Errorf("failed to skip oversized frame: %w", err)
		}
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrFrameTooLarge, length, maxSize)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}

	return buf, nil
}

// WriteFrame writes data as one length-prefixed frame.
// Header and body go out in a single Write so that concurrent writers
// serialized by the caller never interleave partial frames.
func WriteFrame(w io.Writer, data []byte, maxSize int) error {
	if len(data) > math.MaxUint32 {
		return fmt.Errorf("%w: data length %d exceeds uint32 max", ErrFrameTooLarge, len(data))
	}
	if maxSize > 0 && len(data) > maxSize {
		return fmt.Errorf("%w: %d bytes (max: %d)", ErrFrameTooLarge, len(data), maxSize)
	}

	buf := make([]byte, frameHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data))) // #nosec G115 - bounds checked above
	copy(buf[frameHeaderSize:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}
