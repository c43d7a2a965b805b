package storage

import (
	"testing"

	"github.com/google/uuid"

	"fileserver/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSaveTransfer(t *testing.T, store *Store, direction, path string, startedAt int64) models.Transfer {
	t.Helper()

	transfer := models.Transfer{
		ID:            uuid.NewString(),
		TransactionID: 1 << 63,
		Direction:     direction,
		Peer:          "127.0.0.1:9999",
		Name:          "file.bin",
		Path:          path,
		Size:          4096,
		StartedAt:     startedAt,
	}
	if err := store.SaveTransfer(transfer); err != nil {
		t.Fatalf("save transfer %q: %v", path, err)
	}
	transfer.Status = models.TransferStatusPending
	return transfer
}
