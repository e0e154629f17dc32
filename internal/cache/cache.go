// Package cache persists conversation list snapshots so a restarted desk can
// show the last known inbox before the first page fetch completes.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/zhouzirui/deskline/internal/model/conversation"
)

var (
	// ErrInvalidStoreType is returned by NewStore for unknown drivers.
	ErrInvalidStoreType = errors.New("cache: invalid store type")
	// ErrInvalidConfig is returned when a driver is missing a required option.
	ErrInvalidConfig = errors.New("cache: invalid configuration")
	// ErrInvalidKey is returned when a snapshot has no business or user id.
	ErrInvalidKey = errors.New("cache: business id and user id are required")
)

// Snapshot is the conversation list of one agent in one business.
type Snapshot struct {
	BusinessID    string                      `json:"businessId"`
	UserID        string                      `json:"userId"`
	Conversations []conversation.Conversation `json:"conversations"`
	SavedAt       time.Time                   `json:"savedAt"`
}

// Store defines snapshot persistence.
type Store interface {
	// Load returns the stored snapshot, or nil when none exists.
	Load(ctx context.Context, businessID, userID string) (*Snapshot, error)

	// Save replaces the snapshot and stamps SavedAt.
	Save(ctx context.Context, snap *Snapshot) error

	// Delete removes a snapshot. Deleting a missing one is not an error.
	Delete(ctx context.Context, businessID, userID string) error

	// Close releases the driver.
	Close() error
}

func key(businessID, userID string) string {
	return keyPrefix + businessID + ":" + userID
}

const keyPrefix = "deskline:snapshot:"
