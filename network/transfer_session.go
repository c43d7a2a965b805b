package network

import (
	"time"
)

// ProgressUpdate is reported after every chunk and once when a file finishes.
type ProgressUpdate struct {
	Label       string
	Done        uint64
	Total       uint64
	Transferred uint64
	Speed       float64
	ETA         time.Duration
	Elapsed     time.Duration
	Finished    bool
}

// ProgressSink receives transfer progress.
type ProgressSink interface {
	Report(update ProgressUpdate)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(update ProgressUpdate)

func (f ProgressFunc) Report(update ProgressUpdate) {
	f(update)
}

type discardProgress struct{}

func (discardProgress) Report(ProgressUpdate) {}

// transferSession tracks one file being streamed in one direction.
type transferSession struct {
	transactionID   uint64
	expectedChunkID uint64
	cursor          uint64
	startCursor     uint64
	targetSize      uint64
	startedAt       time.Time
	scratch         []byte
}

func newTransferSession(transactionID, cursor, targetSize uint64) *transferSession {
	return &transferSession{
		transactionID: transactionID,
		cursor:        cursor,
		startCursor:   cursor,
		targetSize:    targetSize,
		startedAt:     time.Now(),
	}
}

// buffer returns a scratch slice of length n, growing only when needed.
func (s *transferSession) buffer(n int) []byte {
	if cap(s.scratch) < n {
		s.scratch = make([]byte, n)
	}
	return s.scratch[:n]
}

func (s *transferSession) advance(n int) {
	s.cursor += uint64(n)
	s.expectedChunkID++
}

func (s *transferSession) complete() bool {
	return s.cursor >= s.targetSize
}

func (s *transferSession) transferred() uint64 {
	return s.cursor - s.startCursor
}

func (s *transferSession) progress(label string) ProgressUpdate {
	elapsed := time.Since(s.startedAt)
	update := ProgressUpdate{
		Label:       label,
		Done:        s.cursor,
		Total:       s.targetSize,
		Transferred: s.transferred(),
		Elapsed:     elapsed,
		Finished:    s.complete(),
	}
	if seconds := elapsed.Seconds(); seconds > 0 {
		bytesPerSecond := float64(update.Transferred) / seconds
		update.Speed = bytesPerSecond / 1_000_000
		if bytesPerSecond > 0 && s.targetSize > s.cursor {
			update.ETA = time.Duration(float64(s.targetSize-s.cursor) / bytesPerSecond * float64(time.Second))
		}
	}
	return update
}
