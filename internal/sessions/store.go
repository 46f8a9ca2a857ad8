// Package sessions persists conversation sessions and their transcripts.
//
// A session is identified by a key of the form "<channel>:<userOrGroupId>"
// and owns an opaque session ID. The transcript is an append-only sequence of
// messages keyed by session ID; resetting a conversation mints a new session
// ID for the same key and leaves the old transcript untouched.
package sessions

import (
	"context"
	"errors"

	"github.com/owliabot/owlia/pkg/models"
)

var (
	// ErrNotFound is returned when a session or transcript does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidID is returned when a session ID cannot name a transcript.
	ErrInvalidID = errors.New("invalid session id")
)

// Store is the interface for session and transcript persistence.
type Store interface {
	// GetOrCreate returns the session for key, creating it on first use.
	GetOrCreate(ctx context.Context, key string, channel models.ChannelType, channelID string) (*models.Session, error)

	// Get returns the session for key.
	Get(ctx context.Context, key string) (*models.Session, error)

	// Rotate mints a new session ID for key. The previous transcript is
	// retained; new messages accumulate under the new ID.
	Rotate(ctx context.Context, key string) (*models.Session, error)

	// Append adds a message to the transcript for sessionID.
	Append(ctx context.Context, sessionID string, msg *models.Message) error

	// History returns the most recent limit messages in order.
	// limit <= 0 returns everything.
	History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)

	// ReadAll returns the full transcript in order.
	ReadAll(ctx context.Context, sessionID string) ([]*models.Message, error)

	// Clear removes the transcript for sessionID. The session survives.
	Clear(ctx context.Context, sessionID string) error
}
