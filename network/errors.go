package network

import (
	"errors"
	"fmt"
)

var (
	// ErrFrameTooLarge indicates a declared payload exceeds the connection limit.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrPeerClosed indicates the stream ended or made no progress mid-read.
	ErrPeerClosed = errors.New("network: peer closed the connection")
	// ErrTruncated indicates a payload shorter than its fixed fields or declared lengths.
	ErrTruncated = errors.New("network: truncated payload")
	// ErrInvalidUTF8 indicates a name field that is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("network: name is not valid utf-8")
	// ErrLengthMismatch indicates bytes left over after a fully structured payload.
	ErrLengthMismatch = errors.New("network: payload length mismatch")
	// ErrUnknownMessage indicates a frame id outside the message catalog.
	ErrUnknownMessage = errors.New("network: unknown message id")
	// ErrUnexpectedMessage indicates a frame that is valid but out of protocol order.
	ErrUnexpectedMessage = errors.New("network: unexpected message")
	// ErrChunkOrder indicates a chunk id other than the next expected one.
	ErrChunkOrder = errors.New("network: chunk out of order")
	// ErrUnsafeName indicates an offered name that does not map to one path element.
	ErrUnsafeName = errors.New("network: unsafe file name")
	// ErrEmptyDirectory indicates a shared directory without regular files.
	ErrEmptyDirectory = errors.New("network: no files found in directory")
)

// IOError wraps a failed socket operation. The connection should be abandoned.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// DecodeError reports a payload that could not be parsed as Message.
type DecodeError struct {
	Message string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Message, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// SequenceError reports a frame id that does not match the protocol state.
type SequenceError struct {
	Want uint32
	Got  uint32
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("expected %s, got %s", MessageName(e.Want), MessageName(e.Got))
}

func (e *SequenceError) Unwrap() error {
	return ErrUnexpectedMessage
}

// ChunkOrderError reports a gap or repeat in chunk numbering.
type ChunkOrderError struct {
	Want uint64
	Got  uint64
}

func (e *ChunkOrderError) Error() string {
	return fmt.Sprintf("expected chunk %d, got %d", e.Want, e.Got)
}

func (e *ChunkOrderError) Unwrap() error {
	return ErrChunkOrder
}

// LocalError reports a filesystem failure on this side of the transfer.
type LocalError struct {
	Path string
	Err  error
}

func (e *LocalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *LocalError) Unwrap() error {
	return e.Err
}

func ioError(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *IOError
	if errors.As(err, &existing) {
		return err
	}
	return &IOError{Op: op, Err: err}
}
