package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fileserver/models"
)

const transferColumns = `
			transfer_id,
			transaction_id,
			direction,
			peer,
			name,
			directory,
			path,
			size,
			cursor,
			bytes_transferred,
			status,
			checksum,
			error,
			started_at,
			finished_at`

// SaveTransfer inserts a new transfer record.
func (s *Store) SaveTransfer(transfer models.Transfer) error {
	if err := validateTransfer(&transfer); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (`+transferColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transfer.ID,
		int64(transfer.TransactionID),
		transfer.Direction,
		transfer.Peer,
		transfer.Name,
		transfer.Directory,
		transfer.Path,
		int64(transfer.Size),
		int64(transfer.Cursor),
		int64(transfer.BytesTransferred),
		transfer.Status,
		transfer.Checksum,
		transfer.Error,
		transfer.StartedAt,
		nullInt64(transfer.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", transfer.ID, err)
	}
	return nil
}

// UpdateTransfer stores the progress and outcome fields of an existing record.
func (s *Store) UpdateTransfer(transfer models.Transfer) error {
	if transfer.ID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateTransferStatus(transfer.Status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET cursor = ?,
			bytes_transferred = ?,
			status = ?,
			checksum = ?,
			error = ?,
			finished_at = ?
		WHERE transfer_id = ?`,
		int64(transfer.Cursor),
		int64(transfer.BytesTransferred),
		transfer.Status,
		transfer.Checksum,
		transfer.Error,
		nullInt64(transfer.FinishedAt),
		transfer.ID,
	)
	if err != nil {
		return fmt.Errorf("update transfer %q: %w", transfer.ID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer %q: %w", transfer.ID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTransfer fetches one transfer record by id.
func (s *Store) GetTransfer(id string) (*models.Transfer, error) {
	row := s.db.QueryRow(
		`SELECT`+transferColumns+`
		FROM transfers
		WHERE transfer_id = ?`,
		id,
	)

	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", id, err)
	}
	return transfer, nil
}

// ListTransfers returns records newest first.
func (s *Store) ListTransfers(filter TransferFilter) ([]models.Transfer, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Direction != "" {
		if err := validateTransferDirection(filter.Direction); err != nil {
			return nil, err
		}
		clauses = append(clauses, "direction = ?")
		args = append(args, filter.Direction)
	}
	if filter.Status != "" {
		if err := validateTransferStatus(filter.Status); err != nil {
			return nil, err
		}
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Path != "" {
		clauses = append(clauses, "path = ?")
		args = append(args, filter.Path)
	}

	query := `SELECT` + transferColumns + `
		FROM transfers`
	if len(clauses) > 0 {
		query += "\n\t\tWHERE " + strings.Join(clauses, " AND ")
	}
	query += "\n\t\tORDER BY started_at DESC, transfer_id"

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += "\n\t\tLIMIT ? OFFSET ?"
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var transfers []models.Transfer
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return transfers, nil
}

// LatestChecksum returns the digest of the newest completed transfer of path.
func (s *Store) LatestChecksum(path string) (string, error) {
	var checksum string
	err := s.db.QueryRow(
		`SELECT checksum
		FROM transfers
		WHERE path = ? AND status = ? AND checksum != ''
		ORDER BY started_at DESC
		LIMIT 1`,
		path,
		models.TransferStatusComplete,
	).Scan(&checksum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("latest checksum for %q: %w", path, err)
	}
	return checksum, nil
}

// PruneTransfers deletes finished records that started before cutoff.
func (s *Store) PruneTransfers(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM transfers
		WHERE started_at < ? AND status != ?`,
		cutoff.UnixMilli(),
		models.TransferStatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for prune: %w", err)
	}
	return deleted, nil
}

func validateTransfer(transfer *models.Transfer) error {
	if transfer.ID == "" {
		return errors.New("transfer_id is required")
	}
	if transfer.Name == "" {
		return errors.New("name is required")
	}
	if transfer.Path == "" {
		return errors.New("path is required")
	}
	if err := validateTransferDirection(transfer.Direction); err != nil {
		return err
	}
	if transfer.Status == "" {
		transfer.Status = models.TransferStatusPending
	}
	if err := validateTransferStatus(transfer.Status); err != nil {
		return err
	}
	if transfer.StartedAt == 0 {
		transfer.StartedAt = nowUnixMilli()
	}
	return nil
}

func scanTransfer(row scanner) (*models.Transfer, error) {
	var (
		transfer         models.Transfer
		transactionID    int64
		size             int64
		cursor           int64
		bytesTransferred int64
		finishedAt       sql.NullInt64
	)
	if err := row.Scan(
		&transfer.ID,
		&transactionID,
		&transfer.Direction,
		&transfer.Peer,
		&transfer.Name,
		&transfer.Directory,
		&transfer.Path,
		&size,
		&cursor,
		&bytesTransferred,
		&transfer.Status,
		&transfer.Checksum,
		&transfer.Error,
		&transfer.StartedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	transfer.TransactionID = uint64(transactionID)
	transfer.Size = uint64(size)
	transfer.Cursor = uint64(cursor)
	transfer.BytesTransferred = uint64(bytesTransferred)
	if finishedAt.Valid {
		transfer.FinishedAt = finishedAt.Int64
	}
	return &transfer, nil
}
