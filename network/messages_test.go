package network

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func sampleMessages() []Message {
	return []Message{
		&FileOffer{TransactionID: 7, FileSize: 3 << 20, FileName: "report.pdf"},
		&FileOffer{TransactionID: 8, FileSize: 12, FileName: "résumé 履歴書.txt"},
		&FileOffer{TransactionID: 9, FileSize: 0, FileName: ""},
		&FileChunk{TransactionID: 7, ChunkID: 2, Bytes: []byte("chunk bytes")},
		&FileChunk{TransactionID: 7, ChunkID: 0, Bytes: []byte{}},
		&DirectoryOffer{
			TotalSize:     15,
			DirectoryName: "photos",
			Files: []DirectoryEntry{
				{Size: 10, Name: "a.jpg"},
				{Size: 0, Name: "empty"},
				{Size: 5, Name: "ü.png"},
			},
		},
		&DirectoryOffer{DirectoryName: "nothing", Files: []DirectoryEntry{}},
		&BeginUpload{TransactionID: 7, FileIndexes: []uint32{0, 2}, Cursors: []uint64{0, 5}},
		&BeginUpload{TransactionID: 7, FileIndexes: []uint32{}, Cursors: []uint64{}},
		&Ping{CreationTimeMillis: 1_700_000_000_123},
		&SpeedtestSync{StartTimeMillis: 1_700_000_000_423},
		&Speed{RandomBytes: []byte{1, 2, 3, 4}},
		&Speed{RandomBytes: []byte{}},
	}
}

func TestMessageRoundTrip(t *testing.T) {
	for _, msg := range sampleMessages() {
		var buffer bytes.Buffer
		if err := WriteMessage(&buffer, msg); err != nil {
			t.Fatalf("WriteMessage(%s) failed: %v", MessageName(msg.ID()), err)
		}

		header, payload, err := ReadFrame(&buffer, 0)
		if err != nil {
			t.Fatalf("ReadFrame(%s) failed: %v", MessageName(msg.ID()), err)
		}
		if header.ID != msg.ID() {
			t.Fatalf("expected id %d, got %d", msg.ID(), header.ID)
		}

		decoded, err := DecodeMessage(header.ID, payload)
		if err != nil {
			t.Fatalf("DecodeMessage(%s) failed: %v", MessageName(msg.ID()), err)
		}
		if !reflect.DeepEqual(decoded, msg) {
			t.Fatalf("round trip mismatch for %s: got %+v want %+v", MessageName(msg.ID()), decoded, msg)
		}
	}
}

func TestEncodedSizeMatchesSerializedLength(t *testing.T) {
	for _, msg := range sampleMessages() {
		payload := MarshalPayload(msg)
		if uint32(len(payload)) != msg.EncodedSize() {
			t.Fatalf("%s: EncodedSize %d, serialized %d", MessageName(msg.ID()), msg.EncodedSize(), len(payload))
		}

		var buffer bytes.Buffer
		if err := WriteMessage(&buffer, msg); err != nil {
			t.Fatalf("WriteMessage failed: %v", err)
		}
		if buffer.Len() != HeaderSize+len(payload) {
			t.Fatalf("%s: frame length %d, want %d", MessageName(msg.ID()), buffer.Len(), HeaderSize+len(payload))
		}
	}
}

func TestDecodeTruncatedPayloadsFail(t *testing.T) {
	for _, msg := range sampleMessages() {
		if msg.ID() == SpeedID {
			continue
		}
		payload := MarshalPayload(msg)
		for cut := 0; cut < len(payload); cut++ {
			decoded, err := DecodeMessage(msg.ID(), payload[:cut])
			if err == nil {
				// Names and chunk bodies run to the end of the payload, so
				// shorter buffers past the fixed fields still parse.
				if msg.ID() == FileOfferID || msg.ID() == FileChunkID {
					if cut >= 16 {
						continue
					}
				}
				t.Fatalf("%s cut at %d: expected error, got %+v", MessageName(msg.ID()), cut, decoded)
			}
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("%s cut at %d: expected *DecodeError, got %T", MessageName(msg.ID()), cut, err)
			}
		}
	}
}

func TestDecodeFileOfferTooShort(t *testing.T) {
	_, err := DecodeMessage(FileOfferID, make([]byte, 10))
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestDecodeRejectsInvalidUTF8(t *testing.T) {
	offer := MarshalPayload(&FileOffer{TransactionID: 1, FileSize: 1, FileName: "ok"})
	offer = append(offer[:16], 0xff, 0xfe)
	if _, err := DecodeMessage(FileOfferID, offer); !errors.Is(err, ErrInvalidUTF8) {
		t.Fatalf("expected ErrInvalidUTF8 for file offer, got %v", err)
	}

	dir := MarshalPayload(&DirectoryOffer{DirectoryName: "d", Files: []DirectoryEntry{{Size: 1, Name: "x"}}})
	dir[len(dir)-1] = 0xff
	if _, err := DecodeMessage(DirectoryOfferID, dir); !errors.Is(err, ErrInvalidUTF8) {
		t.Fatalf("expected ErrInvalidUTF8 for directory offer, got %v", err)
	}
}

func TestDecodeDirectoryOfferRejectsHugeCounts(t *testing.T) {
	payload := MarshalPayload(&DirectoryOffer{DirectoryName: "d"})
	// Claim a file count far larger than the remaining bytes.
	payload[8] = 0x7f
	if _, err := DecodeMessage(DirectoryOfferID, payload); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	ping := append(MarshalPayload(&Ping{CreationTimeMillis: 1}), 0)
	if _, err := DecodeMessage(PingID, ping); !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch for ping, got %v", err)
	}

	upload := append(MarshalPayload(&BeginUpload{TransactionID: 1, FileIndexes: []uint32{0}, Cursors: []uint64{0}}), 1, 2)
	if _, err := DecodeMessage(BeginUploadID, upload); !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch for begin upload, got %v", err)
	}
}

func TestDecodeUnknownMessage(t *testing.T) {
	if _, err := DecodeMessage(42, nil); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
}

func TestBeginUploadDenied(t *testing.T) {
	if !(&BeginUpload{TransactionID: 3}).Denied() {
		t.Fatalf("expected empty selection to be a denial")
	}
	if (&BeginUpload{FileIndexes: []uint32{0}, Cursors: []uint64{0}}).Denied() {
		t.Fatalf("expected non-empty selection to be an acceptance")
	}
}

func TestWriteMessageRejectsMismatchedSelection(t *testing.T) {
	var buffer bytes.Buffer
	err := WriteMessage(&buffer, &BeginUpload{FileIndexes: []uint32{0, 1}, Cursors: []uint64{0}})
	if err == nil {
		t.Fatalf("expected error for mismatched index and cursor counts")
	}
	if buffer.Len() != 0 {
		t.Fatalf("expected nothing written, got %d bytes", buffer.Len())
	}
}
