package models

// Transfer directions.
const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

// Transfer statuses.
const (
	TransferStatusPending  = "pending"
	TransferStatusDenied   = "denied"
	TransferStatusComplete = "complete"
	TransferStatusFailed   = "failed"
)

// Transfer records one file moved over a connection, in either direction.
type Transfer struct {
	ID               string `json:"id"`
	TransactionID    uint64 `json:"transaction_id"`
	Direction        string `json:"direction"`
	Peer             string `json:"peer"`
	Name             string `json:"name"`
	Directory        string `json:"directory,omitempty"`
	Path             string `json:"path"`
	Size             uint64 `json:"size"`
	Cursor           uint64 `json:"cursor"`
	BytesTransferred uint64 `json:"bytes_transferred"`
	Status           string `json:"status"`
	Checksum         string `json:"checksum,omitempty"`
	Error            string `json:"error,omitempty"`
	StartedAt        int64  `json:"started_at"`
	FinishedAt       int64  `json:"finished_at,omitempty"`
}

// Done reports whether the transfer reached a terminal status.
func (t Transfer) Done() bool {
	switch t.Status {
	case TransferStatusDenied, TransferStatusComplete, TransferStatusFailed:
		return true
	default:
		return false
	}
}
