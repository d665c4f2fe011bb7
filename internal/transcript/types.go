package transcript

import (
	"context"
	"time"
)

const (
	KindDriverText = "driver_text"
	KindStreamInfo = "stream_info"
)

// Record is one entry of a session transcript: text sent to the avatar or a
// stream descriptor received from it.
type Record struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Kind        string    `json:"kind"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists and retrieves session transcripts.
type Store interface {
	Save(ctx context.Context, record Record) error
	// Recent returns up to limit records for a session, oldest first.
	Recent(ctx context.Context, sessionID string, limit int) ([]Record, error)
	Close() error
}

const defaultRecentLimit = 20
