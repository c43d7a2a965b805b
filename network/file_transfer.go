package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	appcrypto "fileserver/crypto"
	"fileserver/models"
)

// OfferKind distinguishes single-file offers from directory offers.
type OfferKind int

const (
	OfferFile OfferKind = iota
	OfferDirectory
)

// Offer summarizes an inbound offer for the accept/deny decision.
type Offer struct {
	Kind   OfferKind
	Peer   string
	Name   string
	Size   uint64
	Files  int
	Cursor uint64
	Resume bool
}

// DecisionFunc decides whether an inbound offer is accepted.
type DecisionFunc func(offer Offer) bool

// Journal persists one record per transferred file.
type Journal interface {
	SaveTransfer(transfer models.Transfer) error
	UpdateTransfer(transfer models.Transfer) error
}

// TransferOptions configures a TransferManager.
type TransferOptions struct {
	// ChunkSize is the payload size of outgoing chunks.
	ChunkSize int
	// DownloadDir receives inbound files and directories.
	DownloadDir string
	// Decide is consulted for every inbound offer. Nil accepts everything.
	Decide   DecisionFunc
	Progress ProgressSink
	Journal  Journal
	// RecordChecksums computes a digest of every completed file.
	RecordChecksums bool
	// Warn receives non-fatal errors such as journal failures.
	Warn             func(error)
	NewTransactionID func() uint64
}

func (o TransferOptions) withDefaults() TransferOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.DownloadDir == "" {
		o.DownloadDir = "."
	}
	if o.Decide == nil {
		o.Decide = func(Offer) bool { return true }
	}
	if o.Progress == nil {
		o.Progress = discardProgress{}
	}
	if o.Warn == nil {
		o.Warn = func(error) {}
	}
	if o.NewTransactionID == nil {
		o.NewTransactionID = randomTransactionID
	}
	return o
}

// TransferResult describes a finished offer exchange.
type TransferResult struct {
	TransactionID uint64
	Name          string
	Directory     bool
	// Denied is set when the receiver refused the offer.
	Denied bool
	// UpToDate is set when nothing needed to be transferred.
	UpToDate      bool
	FilesOffered  int
	FilesAccepted int
	Bytes         uint64
	Checksum      string
	Elapsed       time.Duration
}

// Incoming describes the frame handled by HandleNext.
type Incoming struct {
	MessageID uint32
	Transfer  *TransferResult
	PingAge   time.Duration
	Discarded uint32
	Unknown   bool
}

// TransferManager runs file and directory transfers over a Connection.
type TransferManager struct {
	options TransferOptions
}

// NewTransferManager creates a TransferManager with defaults applied.
func NewTransferManager(options TransferOptions) *TransferManager {
	return &TransferManager{options: options.withDefaults()}
}

// Share offers path as a single file or, for directories, as a directory.
func (m *TransferManager) Share(conn *Connection, path string) (TransferResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return TransferResult{}, &LocalError{Path: path, Err: err}
	}
	if info.IsDir() {
		return m.SendDirectory(conn, path)
	}
	return m.SendFile(conn, path)
}

// SendFile offers one regular file and streams it from the cursor the
// receiver selects. A denial is a normal outcome.
func (m *TransferManager) SendFile(conn *Connection, path string) (TransferResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return TransferResult{}, &LocalError{Path: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		return TransferResult{}, &LocalError{Path: path, Err: errors.New("not a regular file")}
	}
	name := filepath.Base(path)
	if !utf8.ValidString(name) {
		return TransferResult{}, &LocalError{Path: path, Err: ErrInvalidUTF8}
	}

	size := uint64(info.Size())
	offer := &FileOffer{
		TransactionID: m.options.NewTransactionID(),
		FileSize:      size,
		FileName:      name,
	}
	result := TransferResult{TransactionID: offer.TransactionID, Name: name, FilesOffered: 1}
	started := time.Now()

	record := m.startRecord(conn, models.DirectionSend, name, "", path, size, offer.TransactionID)
	if err := conn.SendMessage(offer); err != nil {
		m.finishRecord(record, 0, err)
		return result, err
	}

	reply, err := conn.Expect(BeginUploadID)
	if err != nil {
		m.finishRecord(record, 0, err)
		return result, err
	}
	upload := reply.(*BeginUpload)
	if upload.Denied() {
		m.denyRecord(record)
		result.Denied = true
		return result, nil
	}
	if upload.TransactionID != offer.TransactionID || len(upload.FileIndexes) != 1 || upload.FileIndexes[0] != 0 {
		err := conn.Abort(fmt.Errorf("%w: invalid selection for single file offer", ErrUnexpectedMessage))
		m.finishRecord(record, 0, err)
		return result, err
	}
	if upload.Cursors[0] > size {
		err := conn.Abort(fmt.Errorf("%w: cursor %d beyond size of %q", ErrUnexpectedMessage, upload.Cursors[0], name))
		m.finishRecord(record, 0, err)
		return result, err
	}

	record.Cursor = upload.Cursors[0]
	sent, err := m.streamFile(conn, offer.TransactionID, path, upload.Cursors[0], size, name)
	result.FilesAccepted = 1
	result.Bytes = sent
	result.Elapsed = time.Since(started)
	result.Checksum = m.finishRecord(record, sent, err)
	return result, err
}

// SendDirectory offers the regular files directly inside dir and streams
// whichever files the receiver selects, in the receiver's order.
func (m *TransferManager) SendDirectory(conn *Connection, dir string) (TransferResult, error) {
	absolute, err := filepath.Abs(dir)
	if err != nil {
		return TransferResult{}, &LocalError{Path: dir, Err: err}
	}
	files, err := listShareable(absolute)
	if err != nil {
		return TransferResult{}, err
	}
	if len(files) == 0 {
		return TransferResult{}, &LocalError{Path: dir, Err: ErrEmptyDirectory}
	}

	offer := &DirectoryOffer{DirectoryName: filepath.Base(absolute)}
	for _, file := range files {
		offer.Files = append(offer.Files, file.DirectoryEntry)
		offer.TotalSize += file.Size
	}
	result := TransferResult{Name: offer.DirectoryName, Directory: true, FilesOffered: len(files)}
	started := time.Now()

	if err := conn.SendMessage(offer); err != nil {
		return result, err
	}
	reply, err := conn.Expect(BeginUploadID)
	if err != nil {
		return result, err
	}
	upload := reply.(*BeginUpload)
	result.TransactionID = upload.TransactionID
	if upload.Denied() {
		result.Denied = true
		return result, nil
	}
	for i, index := range upload.FileIndexes {
		if int(index) >= len(files) {
			return result, conn.Abort(fmt.Errorf("%w: file index %d out of range", ErrUnexpectedMessage, index))
		}
		if upload.Cursors[i] > files[index].Size {
			return result, conn.Abort(fmt.Errorf("%w: cursor %d beyond size of %q", ErrUnexpectedMessage, upload.Cursors[i], files[index].Name))
		}
	}

	for i, index := range upload.FileIndexes {
		file := files[index]
		record := m.startRecord(conn, models.DirectionSend, file.Name, offer.DirectoryName, file.path, file.Size, upload.TransactionID)
		record.Cursor = upload.Cursors[i]

		label := fmt.Sprintf("%s (%d/%d)", file.Name, i+1, len(upload.FileIndexes))
		sent, err := m.streamFile(conn, upload.TransactionID, file.path, upload.Cursors[i], file.Size, label)
		result.Bytes += sent
		m.finishRecord(record, sent, err)
		if err != nil {
			result.Elapsed = time.Since(started)
			return result, err
		}
		result.FilesAccepted++
	}
	result.Elapsed = time.Since(started)
	return result, nil
}

// HandleNext reads one frame and reacts to it: offers start a receive and
// pings report their age. Speed, stray chunk and unknown payloads are skipped.
// An offer that cannot be decoded closes the connection, since its sender
// waits for a BeginUpload.
func (m *TransferManager) HandleNext(conn *Connection) (Incoming, error) {
	header, err := conn.ReceiveHeader()
	if err != nil {
		return Incoming{}, err
	}
	incoming := Incoming{MessageID: header.ID}

	switch header.ID {
	case FileOfferID, DirectoryOfferID, PingID:
		msg, err := conn.readMessage(header)
		if err != nil {
			return incoming, conn.Abort(err)
		}
		switch msg := msg.(type) {
		case *FileOffer:
			result, err := m.ReceiveFile(conn, msg)
			incoming.Transfer = &result
			return incoming, err
		case *DirectoryOffer:
			result, err := m.ReceiveDirectory(conn, msg)
			incoming.Transfer = &result
			return incoming, err
		case *Ping:
			incoming.PingAge = time.Since(time.UnixMilli(int64(msg.CreationTimeMillis)))
		}
		return incoming, nil
	case SpeedID, FileChunkID:
		incoming.Discarded = header.Length
		return incoming, conn.Discard(header.Length)
	default:
		incoming.Discarded = header.Length
		incoming.Unknown = true
		return incoming, conn.Discard(header.Length)
	}
}

// ReceiveFile answers a FileOffer. Existing files at least as large as the
// offer are denied without asking; smaller ones resume at their size.
func (m *TransferManager) ReceiveFile(conn *Connection, offer *FileOffer) (TransferResult, error) {
	result := TransferResult{TransactionID: offer.TransactionID, Name: offer.FileName, FilesOffered: 1}
	if err := SafeName(offer.FileName); err != nil {
		return m.deny(conn, offer.TransactionID, result, &LocalError{Path: offer.FileName, Err: err})
	}

	path := filepath.Join(m.options.DownloadDir, offer.FileName)
	var cursor uint64
	info, err := os.Stat(path)
	switch {
	case err == nil && !info.Mode().IsRegular():
		return m.deny(conn, offer.TransactionID, result, &LocalError{Path: path, Err: errors.New("not a regular file")})
	case err == nil && uint64(info.Size()) >= offer.FileSize:
		result.UpToDate = true
		return m.deny(conn, offer.TransactionID, result, nil)
	case err == nil:
		cursor = uint64(info.Size())
	case errors.Is(err, fs.ErrNotExist):
	default:
		return m.deny(conn, offer.TransactionID, result, &LocalError{Path: path, Err: err})
	}

	accepted := m.options.Decide(Offer{
		Kind:   OfferFile,
		Peer:   conn.RemoteAddr().String(),
		Name:   offer.FileName,
		Size:   offer.FileSize,
		Files:  1,
		Cursor: cursor,
		Resume: cursor > 0,
	})
	if !accepted {
		record := m.startRecord(conn, models.DirectionReceive, offer.FileName, "", path, offer.FileSize, offer.TransactionID)
		m.denyRecord(record)
		return m.deny(conn, offer.TransactionID, result, nil)
	}

	file, err := openTarget(path, cursor)
	if err != nil {
		return m.deny(conn, offer.TransactionID, result, &LocalError{Path: path, Err: err})
	}
	defer file.Close()

	record := m.startRecord(conn, models.DirectionReceive, offer.FileName, "", path, offer.FileSize, offer.TransactionID)
	record.Cursor = cursor
	started := time.Now()

	selection := &BeginUpload{
		TransactionID: offer.TransactionID,
		FileIndexes:   []uint32{0},
		Cursors:       []uint64{cursor},
	}
	if err := conn.SendMessage(selection); err != nil {
		m.finishRecord(record, 0, err)
		return result, err
	}

	received, err := m.receiveStream(conn, offer.TransactionID, file, path, cursor, offer.FileSize, offer.FileName)
	if err == nil {
		err = closeTarget(file, path)
	}
	result.FilesAccepted = 1
	result.Bytes = received
	result.Elapsed = time.Since(started)
	result.Checksum = m.finishRecord(record, received, err)
	return result, err
}

// ReceiveDirectory answers a DirectoryOffer. A missing directory is created
// and every file accepted from the start; an existing one is reconciled.
func (m *TransferManager) ReceiveDirectory(conn *Connection, offer *DirectoryOffer) (TransferResult, error) {
	result := TransferResult{Name: offer.DirectoryName, Directory: true, FilesOffered: len(offer.Files)}
	if err := SafeName(offer.DirectoryName); err != nil {
		return m.deny(conn, 0, result, &LocalError{Path: offer.DirectoryName, Err: err})
	}

	dir := filepath.Join(m.options.DownloadDir, offer.DirectoryName)
	exists := false
	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		return m.deny(conn, 0, result, &LocalError{Path: dir, Err: errors.New("not a directory")})
	case err == nil:
		exists = true
	case errors.Is(err, fs.ErrNotExist):
	default:
		return m.deny(conn, 0, result, &LocalError{Path: dir, Err: err})
	}

	accepted := m.options.Decide(Offer{
		Kind:  OfferDirectory,
		Peer:  conn.RemoteAddr().String(),
		Name:  offer.DirectoryName,
		Size:  offer.TotalSize,
		Files: len(offer.Files),
	})
	if !accepted {
		return m.deny(conn, 0, result, nil)
	}

	var decisions []Decision
	if exists {
		local, err := ScanLocalDirectory(dir)
		if err != nil {
			return m.deny(conn, 0, result, err)
		}
		decisions = Reconcile(offer.Files, local)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return m.deny(conn, 0, result, &LocalError{Path: dir, Err: err})
		}
		decisions = AcceptAll(offer.Files)
	}

	transactionID := m.options.NewTransactionID()
	result.TransactionID = transactionID
	selection := Selection(transactionID, decisions)
	if err := conn.SendMessage(selection); err != nil {
		return result, err
	}
	if selection.Denied() {
		result.UpToDate = true
		return result, nil
	}

	started := time.Now()
	for i, index := range selection.FileIndexes {
		decision := decisions[index]
		path := filepath.Join(dir, decision.Name)
		record := m.startRecord(conn, models.DirectionReceive, decision.Name, offer.DirectoryName, path, decision.Size, transactionID)
		record.Cursor = decision.Cursor

		file, err := openTarget(path, decision.Cursor)
		if err != nil {
			_ = conn.CloseRead()
			err = &LocalError{Path: path, Err: err}
			m.finishRecord(record, 0, err)
			return result, err
		}

		label := fmt.Sprintf("%s (%d/%d)", decision.Name, i+1, len(selection.FileIndexes))
		received, err := m.receiveStream(conn, transactionID, file, path, decision.Cursor, decision.Size, label)
		if err == nil {
			err = closeTarget(file, path)
		} else {
			_ = file.Close()
		}
		result.Bytes += received
		m.finishRecord(record, received, err)
		if err != nil {
			result.Elapsed = time.Since(started)
			return result, err
		}
		result.FilesAccepted++
	}
	result.Elapsed = time.Since(started)
	return result, nil
}

// streamFile sends the bytes of path from cursor up to size as FileChunks
// numbered from 0.
func (m *TransferManager) streamFile(conn *Connection, transactionID uint64, path string, cursor, size uint64, label string) (uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, &LocalError{Path: path, Err: err}
	}
	defer file.Close()

	if _, err := file.Seek(int64(cursor), io.SeekStart); err != nil {
		return 0, &LocalError{Path: path, Err: err}
	}

	session := newTransferSession(transactionID, cursor, size)
	chunk := &FileChunk{TransactionID: transactionID}
	for !session.complete() {
		n := min(uint64(m.options.ChunkSize), size-session.cursor)
		buf := session.buffer(int(n))
		if _, err := io.ReadFull(file, buf); err != nil {
			return session.transferred(), &LocalError{Path: path, Err: err}
		}

		chunk.ChunkID = session.expectedChunkID
		chunk.Bytes = buf
		if err := conn.SendMessage(chunk); err != nil {
			return session.transferred(), err
		}
		session.advance(len(buf))
		m.options.Progress.Report(session.progress(label))
	}
	if session.transferred() == 0 {
		m.options.Progress.Report(session.progress(label))
	}
	return session.transferred(), nil
}

// receiveStream appends chunks to file until size bytes are present. Any
// violation closes the read half of the connection.
func (m *TransferManager) receiveStream(conn *Connection, transactionID uint64, file *os.File, path string, cursor, size uint64, label string) (uint64, error) {
	session := newTransferSession(transactionID, cursor, size)
	abort := func(err error) (uint64, error) {
		_ = conn.CloseRead()
		return session.transferred(), err
	}

	for !session.complete() {
		header, err := conn.ReceiveHeader()
		if err != nil {
			return abort(err)
		}
		if header.ID != FileChunkID {
			return abort(&SequenceError{Want: FileChunkID, Got: header.ID})
		}
		if header.Length < fileChunkFixedSize {
			return abort(&DecodeError{Message: "FileChunk", Err: ErrTruncated})
		}
		if header.Length > conn.options.MaxPayloadSize {
			return abort(ErrFrameTooLarge)
		}

		buf := session.buffer(int(header.Length))
		if err := conn.ReadPayload(buf); err != nil {
			return abort(err)
		}
		chunk, err := decodeFileChunk(buf)
		if err != nil {
			return abort(err)
		}
		if chunk.TransactionID != transactionID {
			return abort(fmt.Errorf("%w: chunk for transaction %d, want %d", ErrUnexpectedMessage, chunk.TransactionID, transactionID))
		}
		if chunk.ChunkID != session.expectedChunkID {
			return abort(&ChunkOrderError{Want: session.expectedChunkID, Got: chunk.ChunkID})
		}
		if uint64(len(chunk.Bytes)) > size-session.cursor {
			return abort(&DecodeError{Message: "FileChunk", Err: ErrLengthMismatch})
		}

		if _, err := file.Write(chunk.Bytes); err != nil {
			return abort(&LocalError{Path: path, Err: err})
		}
		session.advance(len(chunk.Bytes))
		m.options.Progress.Report(session.progress(label))
	}
	if session.transferred() == 0 {
		m.options.Progress.Report(session.progress(label))
	}
	return session.transferred(), nil
}

// deny sends an empty selection and returns result marked as denied with cause.
func (m *TransferManager) deny(conn *Connection, transactionID uint64, result TransferResult, cause error) (TransferResult, error) {
	result.Denied = true
	if err := conn.SendMessage(&BeginUpload{TransactionID: transactionID}); err != nil {
		return result, errors.Join(cause, err)
	}
	return result, cause
}

func (m *TransferManager) startRecord(conn *Connection, direction, name, directory, path string, size, transactionID uint64) *models.Transfer {
	record := &models.Transfer{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		Direction:     direction,
		Peer:          conn.RemoteAddr().String(),
		Name:          name,
		Directory:     directory,
		Path:          filepath.Clean(path),
		Size:          size,
		Status:        models.TransferStatusPending,
		StartedAt:     time.Now().UnixMilli(),
	}
	if m.options.Journal != nil {
		if err := m.options.Journal.SaveTransfer(*record); err != nil {
			m.options.Warn(fmt.Errorf("save transfer record: %w", err))
		}
	}
	return record
}

// finishRecord stores the terminal state of record and returns the file
// checksum when one was computed.
func (m *TransferManager) finishRecord(record *models.Transfer, transferred uint64, cause error) string {
	record.BytesTransferred = transferred
	record.FinishedAt = time.Now().UnixMilli()
	if cause != nil {
		record.Status = models.TransferStatusFailed
		record.Error = cause.Error()
	} else {
		record.Status = models.TransferStatusComplete
		if m.options.RecordChecksums {
			digest, err := appcrypto.FileDigest(record.Path)
			if err != nil {
				m.options.Warn(err)
			}
			record.Checksum = digest
		}
	}
	m.updateRecord(record)
	return record.Checksum
}

func (m *TransferManager) denyRecord(record *models.Transfer) {
	record.Status = models.TransferStatusDenied
	record.FinishedAt = time.Now().UnixMilli()
	m.updateRecord(record)
}

func (m *TransferManager) updateRecord(record *models.Transfer) {
	if m.options.Journal == nil {
		return
	}
	if err := m.options.Journal.UpdateTransfer(*record); err != nil {
		m.options.Warn(fmt.Errorf("update transfer record: %w", err))
	}
}

type shareableFile struct {
	DirectoryEntry
	path string
}

// listShareable returns the regular files directly inside dir sorted by name.
// Symlinks and names that are not valid UTF-8 are skipped.
func listShareable(dir string) ([]shareableFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &LocalError{Path: dir, Err: err}
	}

	files := make([]shareableFile, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !utf8.ValidString(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, shareableFile{
			DirectoryEntry: DirectoryEntry{Size: uint64(info.Size()), Name: entry.Name()},
			path:           filepath.Join(dir, entry.Name()),
		})
	}
	return files, nil
}

// openTarget creates the file for a fresh download or opens it for append
// when resuming.
func openTarget(path string, cursor uint64) (*os.File, error) {
	if cursor > 0 {
		return os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
}

func closeTarget(file *os.File, path string) error {
	if err := file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return &LocalError{Path: path, Err: err}
	}
	return nil
}

func randomTransactionID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}
