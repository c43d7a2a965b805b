package network

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"
)

// Message ids. The numeric values are part of the wire format.
const (
	FileOfferID      uint32 = 100_000
	FileChunkID      uint32 = 200_000
	SpeedID          uint32 = 300_000
	SpeedtestSyncID  uint32 = 400_000
	PingID           uint32 = 500_000
	BeginUploadID    uint32 = 800_000
	DirectoryOfferID uint32 = 900_000
)

const (
	fileOfferFixedSize      = 16
	fileChunkFixedSize      = 16
	directoryOfferFixedSize = 24
	directoryEntryFixedSize = 16
	beginUploadFixedSize    = 12
	beginUploadEntrySize    = 12
	timestampSize           = 8
)

// Message is one entry of the closed message catalog.
type Message interface {
	// ID returns the frame id for the message.
	ID() uint32
	// EncodedSize returns the exact serialized payload length.
	EncodedSize() uint32
	// AppendPayload appends the serialized payload to dst.
	AppendPayload(dst []byte) []byte

	message()
}

// FileOffer announces a single file the sender wants to transmit.
type FileOffer struct {
	TransactionID uint64
	FileSize      uint64
	FileName      string
}

// FileChunk carries one numbered slice of file contents.
type FileChunk struct {
	TransactionID uint64
	ChunkID       uint64
	Bytes         []byte
}

// DirectoryEntry describes one file inside a DirectoryOffer.
type DirectoryEntry struct {
	Size uint64
	Name string
}

// DirectoryOffer announces the regular files directly inside a directory.
type DirectoryOffer struct {
	TotalSize     uint64
	DirectoryName string
	Files         []DirectoryEntry
}

// BeginUpload accepts a subset of an offer. An empty selection is a denial.
type BeginUpload struct {
	TransactionID uint64
	FileIndexes   []uint32
	Cursors       []uint64
}

// Ping carries its creation time in milliseconds since the Unix epoch.
type Ping struct {
	CreationTimeMillis uint64
}

// SpeedtestSync tells the sender when the receiver expects the measurement to start.
type SpeedtestSync struct {
	StartTimeMillis uint64
}

// Speed is an opaque throughput measurement payload.
type Speed struct {
	RandomBytes []byte
}

func (*FileOffer) ID() uint32      { return FileOfferID }
func (*FileChunk) ID() uint32      { return FileChunkID }
func (*DirectoryOffer) ID() uint32 { return DirectoryOfferID }
func (*BeginUpload) ID() uint32    { return BeginUploadID }
func (*Ping) ID() uint32           { return PingID }
func (*SpeedtestSync) ID() uint32  { return SpeedtestSyncID }
func (*Speed) ID() uint32          { return SpeedID }

func (*FileOffer) message()      {}
func (*FileChunk) message()      {}
func (*DirectoryOffer) message() {}
func (*BeginUpload) message()    {}
func (*Ping) message()           {}
func (*SpeedtestSync) message()  {}
func (*Speed) message()          {}

func (m *FileOffer) EncodedSize() uint32 {
	return uint32(fileOfferFixedSize + len(m.FileName))
}

func (m *FileChunk) EncodedSize() uint32 {
	return uint32(fileChunkFixedSize + len(m.Bytes))
}

func (m *DirectoryOffer) EncodedSize() uint32 {
	size := directoryOfferFixedSize + len(m.DirectoryName)
	for _, entry := range m.Files {
		size += directoryEntryFixedSize + len(entry.Name)
	}
	return uint32(size)
}

func (m *BeginUpload) EncodedSize() uint32 {
	return uint32(beginUploadFixedSize + len(m.FileIndexes)*beginUploadEntrySize)
}

func (*Ping) EncodedSize() uint32          { return timestampSize }
func (*SpeedtestSync) EncodedSize() uint32 { return timestampSize }

func (m *Speed) EncodedSize() uint32 {
	return uint32(len(m.RandomBytes))
}

func (m *FileOffer) AppendPayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, m.TransactionID)
	dst = binary.BigEndian.AppendUint64(dst, m.FileSize)
	return append(dst, m.FileName...)
}

func (m *FileChunk) AppendPayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, m.TransactionID)
	dst = binary.BigEndian.AppendUint64(dst, m.ChunkID)
	return append(dst, m.Bytes...)
}

func (m *DirectoryOffer) AppendPayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, m.TotalSize)
	dst = binary.BigEndian.AppendUint64(dst, uint64(len(m.Files)))
	dst = binary.BigEndian.AppendUint64(dst, uint64(len(m.DirectoryName)))
	dst = append(dst, m.DirectoryName...)
	for _, entry := range m.Files {
		dst = binary.BigEndian.AppendUint64(dst, entry.Size)
		dst = binary.BigEndian.AppendUint64(dst, uint64(len(entry.Name)))
		dst = append(dst, entry.Name...)
	}
	return dst
}

// AppendPayload writes the index list followed by the cursor list. Both
// slices must have the same length.
func (m *BeginUpload) AppendPayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, m.TransactionID)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(m.FileIndexes)))
	for _, index := range m.FileIndexes {
		dst = binary.BigEndian.AppendUint32(dst, index)
	}
	for _, cursor := range m.Cursors {
		dst = binary.BigEndian.AppendUint64(dst, cursor)
	}
	return dst
}

func (m *Ping) AppendPayload(dst []byte) []byte {
	return binary.BigEndian.AppendUint64(dst, m.CreationTimeMillis)
}

func (m *SpeedtestSync) AppendPayload(dst []byte) []byte {
	return binary.BigEndian.AppendUint64(dst, m.StartTimeMillis)
}

func (m *Speed) AppendPayload(dst []byte) []byte {
	return append(dst, m.RandomBytes...)
}

// Denied reports whether the upload selection accepts nothing.
func (m *BeginUpload) Denied() bool {
	return len(m.FileIndexes) == 0
}

// MarshalPayload serializes m into a new buffer of exactly EncodedSize bytes.
func MarshalPayload(m Message) []byte {
	return m.AppendPayload(make([]byte, 0, m.EncodedSize()))
}

// WriteMessage frames and writes m. Chunk and speed bodies are written
// directly from the caller's buffer.
func WriteMessage(w io.Writer, m Message) error {
	if err := checkEncodedSize(m); err != nil {
		return err
	}

	var body []byte
	switch msg := m.(type) {
	case *FileChunk:
		var prefix [HeaderSize + fileChunkFixedSize]byte
		putFrameHeader(prefix[:HeaderSize], FileChunkID, msg.EncodedSize())
		binary.BigEndian.PutUint64(prefix[8:16], msg.TransactionID)
		binary.BigEndian.PutUint64(prefix[16:24], msg.ChunkID)
		if err := WriteFull(w, prefix[:]); err != nil {
			return ioError("write chunk header", err)
		}
		body = msg.Bytes
	case *Speed:
		var prefix [HeaderSize]byte
		putFrameHeader(prefix[:], SpeedID, msg.EncodedSize())
		if err := WriteFull(w, prefix[:]); err != nil {
			return ioError("write speed header", err)
		}
		body = msg.RandomBytes
	default:
		size := m.EncodedSize()
		buf := make([]byte, HeaderSize, HeaderSize+int(size))
		putFrameHeader(buf, m.ID(), size)
		if err := WriteFull(w, m.AppendPayload(buf)); err != nil {
			return ioError("write "+MessageName(m.ID()), err)
		}
		return nil
	}

	if len(body) == 0 {
		return nil
	}
	if err := WriteFull(w, body); err != nil {
		return ioError("write "+MessageName(m.ID())+" body", err)
	}
	return nil
}

func checkEncodedSize(m Message) error {
	var size uint64
	switch msg := m.(type) {
	case *FileChunk:
		size = fileChunkFixedSize + uint64(len(msg.Bytes))
	case *Speed:
		size = uint64(len(msg.RandomBytes))
	case *FileOffer:
		size = fileOfferFixedSize + uint64(len(msg.FileName))
	case *DirectoryOffer:
		size = directoryOfferFixedSize + uint64(len(msg.DirectoryName))
		for _, entry := range msg.Files {
			size += directoryEntryFixedSize + uint64(len(entry.Name))
		}
	case *BeginUpload:
		if len(msg.FileIndexes) != len(msg.Cursors) {
			return fmt.Errorf("begin upload: %d indexes but %d cursors", len(msg.FileIndexes), len(msg.Cursors))
		}
		size = beginUploadFixedSize + uint64(len(msg.FileIndexes))*beginUploadEntrySize
	default:
		return nil
	}
	if size > uint64(^uint32(0)) {
		return ErrFrameTooLarge
	}
	return nil
}

// MessageName returns a readable name for a frame id.
func MessageName(id uint32) string {
	switch id {
	case FileOfferID:
		return "FileOffer"
	case FileChunkID:
		return "FileChunk"
	case DirectoryOfferID:
		return "DirectoryOffer"
	case BeginUploadID:
		return "BeginUpload"
	case PingID:
		return "Ping"
	case SpeedtestSyncID:
		return "SpeedtestSync"
	case SpeedID:
		return "Speed"
	default:
		return fmt.Sprintf("unknown(%d)", id)
	}
}

// DecodeMessage parses payload according to id. Variable-length fields of the
// result may alias payload.
func DecodeMessage(id uint32, payload []byte) (Message, error) {
	var (
		msg Message
		err error
	)
	switch id {
	case FileOfferID:
		msg, err = decodeFileOffer(payload)
	case FileChunkID:
		msg, err = decodeFileChunk(payload)
	case DirectoryOfferID:
		msg, err = decodeDirectoryOffer(payload)
	case BeginUploadID:
		msg, err = decodeBeginUpload(payload)
	case PingID:
		millis, err := decodeTimestamp("Ping", payload)
		if err != nil {
			return nil, err
		}
		return &Ping{CreationTimeMillis: millis}, nil
	case SpeedtestSyncID:
		millis, err := decodeTimestamp("SpeedtestSync", payload)
		if err != nil {
			return nil, err
		}
		return &SpeedtestSync{StartTimeMillis: millis}, nil
	case SpeedID:
		return &Speed{RandomBytes: payload}, nil
	default:
		return nil, &DecodeError{Message: MessageName(id), Err: ErrUnknownMessage}
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeFileOffer(payload []byte) (*FileOffer, error) {
	if len(payload) < fileOfferFixedSize {
		return nil, &DecodeError{Message: "FileOffer", Err: ErrTruncated}
	}
	name := payload[fileOfferFixedSize:]
	if !utf8.Valid(name) {
		return nil, &DecodeError{Message: "FileOffer", Err: ErrInvalidUTF8}
	}
	return &FileOffer{
		TransactionID: binary.BigEndian.Uint64(payload[0:8]),
		FileSize:      binary.BigEndian.Uint64(payload[8:16]),
		FileName:      string(name),
	}, nil
}

func decodeFileChunk(payload []byte) (*FileChunk, error) {
	if len(payload) < fileChunkFixedSize {
		return nil, &DecodeError{Message: "FileChunk", Err: ErrTruncated}
	}
	return &FileChunk{
		TransactionID: binary.BigEndian.Uint64(payload[0:8]),
		ChunkID:       binary.BigEndian.Uint64(payload[8:16]),
		Bytes:         payload[fileChunkFixedSize:],
	}, nil
}

func decodeDirectoryOffer(payload []byte) (*DirectoryOffer, error) {
	fail := func(err error) (*DirectoryOffer, error) {
		return nil, &DecodeError{Message: "DirectoryOffer", Err: err}
	}

	if len(payload) < directoryOfferFixedSize {
		return fail(ErrTruncated)
	}
	totalSize := binary.BigEndian.Uint64(payload[0:8])
	fileCount := binary.BigEndian.Uint64(payload[8:16])
	rest := payload[16:]

	name, rest, err := readSizedName(rest)
	if err != nil {
		return fail(err)
	}
	if fileCount > uint64(len(rest))/directoryEntryFixedSize {
		return fail(ErrTruncated)
	}

	offer := &DirectoryOffer{
		TotalSize:     totalSize,
		DirectoryName: name,
		Files:         make([]DirectoryEntry, 0, int(fileCount)),
	}
	for i := uint64(0); i < fileCount; i++ {
		if len(rest) < directoryEntryFixedSize {
			return fail(ErrTruncated)
		}
		size := binary.BigEndian.Uint64(rest[0:8])
		var entryName string
		entryName, rest, err = readSizedName(rest[8:])
		if err != nil {
			return fail(err)
		}
		offer.Files = append(offer.Files, DirectoryEntry{Size: size, Name: entryName})
	}
	if len(rest) != 0 {
		return fail(ErrLengthMismatch)
	}
	return offer, nil
}

// readSizedName reads a u64 length followed by that many UTF-8 bytes.
func readSizedName(buf []byte) (string, []byte, error) {
	if len(buf) < 8 {
		return "", nil, ErrTruncated
	}
	length := binary.BigEndian.Uint64(buf[0:8])
	buf = buf[8:]
	if length > uint64(len(buf)) {
		return "", nil, ErrTruncated
	}
	raw := buf[:length]
	if !utf8.Valid(raw) {
		return "", nil, ErrInvalidUTF8
	}
	return string(raw), buf[length:], nil
}

func decodeBeginUpload(payload []byte) (*BeginUpload, error) {
	fail := func(err error) (*BeginUpload, error) {
		return nil, &DecodeError{Message: "BeginUpload", Err: err}
	}

	if len(payload) < beginUploadFixedSize {
		return fail(ErrTruncated)
	}
	transactionID := binary.BigEndian.Uint64(payload[0:8])
	count := uint64(binary.BigEndian.Uint32(payload[8:12]))
	rest := payload[beginUploadFixedSize:]

	want := count * beginUploadEntrySize
	if uint64(len(rest)) < want {
		return fail(ErrTruncated)
	}
	if uint64(len(rest)) > want {
		return fail(ErrLengthMismatch)
	}

	upload := &BeginUpload{
		TransactionID: transactionID,
		FileIndexes:   make([]uint32, count),
		Cursors:       make([]uint64, count),
	}
	for i := range upload.FileIndexes {
		upload.FileIndexes[i] = binary.BigEndian.Uint32(rest[i*4:])
	}
	cursors := rest[count*4:]
	for i := range upload.Cursors {
		upload.Cursors[i] = binary.BigEndian.Uint64(cursors[i*8:])
	}
	return upload, nil
}

func decodeTimestamp(name string, payload []byte) (uint64, error) {
	if len(payload) < timestampSize {
		return 0, &DecodeError{Message: name, Err: ErrTruncated}
	}
	if len(payload) > timestampSize {
		return 0, &DecodeError{Message: name, Err: ErrLengthMismatch}
	}
	return binary.BigEndian.Uint64(payload), nil
}
