package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fileserver/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// TransferFilter narrows ListTransfers results.
type TransferFilter struct {
	Direction string
	Status    string
	Path      string
	Limit     int
	Offset    int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateTransferDirection(direction string) error {
	switch direction {
	case models.DirectionSend, models.DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case models.TransferStatusPending, models.TransferStatusDenied, models.TransferStatusComplete, models.TransferStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
