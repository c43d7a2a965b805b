package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"syscall"
	"time"
)

const (
	// HeaderSize is the length of the id and length prefix of every frame.
	HeaderSize = 8
	// DefaultMaxPayloadSize caps payloads that are buffered and decoded (64 MiB).
	DefaultMaxPayloadSize = 64 * 1024 * 1024
	// DefaultChunkSize is the file chunk payload size used by senders (1 MiB).
	DefaultChunkSize = 1024 * 1024
	// DefaultConnectionTimeout bounds TCP dial duration.
	DefaultConnectionTimeout = 20 * time.Second
	// DefaultReadTimeout bounds each blocking frame read.
	DefaultReadTimeout = 20 * time.Second
	// DefaultWriteTimeout bounds each blocking frame write.
	DefaultWriteTimeout = 20 * time.Second
)

// FrameHeader is the fixed prefix announcing a message id and payload length.
type FrameHeader struct {
	ID     uint32
	Length uint32
}

// WriteFrame writes one frame: big-endian id, big-endian length, payload.
func WriteFrame(w io.Writer, id uint32, payload []byte) error {
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return ErrFrameTooLarge
	}

	var header [HeaderSize]byte
	putFrameHeader(header[:], id, uint32(len(payload)))
	if err := WriteFull(w, header[:]); err != nil {
		return ioError("write frame header", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if err := WriteFull(w, payload); err != nil {
		return ioError("write frame payload", err)
	}
	return nil
}

// ReadFrameHeader reads exactly HeaderSize bytes and parses them.
func ReadFrameHeader(r io.Reader) (FrameHeader, error) {
	var header [HeaderSize]byte
	if err := ReadExact(r, header[:]); err != nil {
		return FrameHeader{}, ioError("read frame header", err)
	}
	return FrameHeader{
		ID:     binary.BigEndian.Uint32(header[0:4]),
		Length: binary.BigEndian.Uint32(header[4:8]),
	}, nil
}

// ReadFrame reads one frame and returns its header and freshly allocated payload.
func ReadFrame(r io.Reader, maxPayload uint32) (FrameHeader, []byte, error) {
	header, err := ReadFrameHeader(r)
	if err != nil {
		return FrameHeader{}, nil, err
	}
	if maxPayload > 0 && header.Length > maxPayload {
		return header, nil, fmt.Errorf("%w: %d bytes for %s", ErrFrameTooLarge, header.Length, MessageName(header.ID))
	}

	payload := make([]byte, int(header.Length))
	if err := ReadExact(r, payload); err != nil {
		return header, nil, ioError("read frame payload", err)
	}
	return header, payload, nil
}

// WriteFull writes all of buf, continuing after short writes and EINTR.
func WriteFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		buf = buf[n:]
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}

// ReadExact fills buf completely. A read returning no data is reported as
// ErrPeerClosed rather than treated as completion.
func ReadExact(r io.Reader, buf []byte) error {
	for filled := 0; filled < len(buf); {
		n, err := r.Read(buf[filled:])
		filled += n
		if filled == len(buf) {
			return nil
		}
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w after %d of %d bytes: %w", ErrPeerClosed, filled, len(buf), io.ErrUnexpectedEOF)
			}
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w after %d of %d bytes", ErrPeerClosed, filled, len(buf))
		}
	}
	return nil
}

func putFrameHeader(dst []byte, id uint32, length uint32) {
	binary.BigEndian.PutUint32(dst[0:4], id)
	binary.BigEndian.PutUint32(dst[4:8], length)
}
