// Package storage defines the persistence collaborator consumed by the
// network core. Implementations live in subpackages.
package storage

import (
	"context"
	"errors"
	"time"
)

// ServerData is the persistent state a server needs before it can admit
// sessions.
type ServerData struct {
	// UserIdentifier is the last user id handed out.
	UserIdentifier int64
	LoadedAt       time.Time
}

// Store is the persistence collaborator.
type Store interface {
	// LoadSessionPrerequisites reads the server data required before
	// sessions can be created.
	LoadSessionPrerequisites(ctx context.Context) (ServerData, error)
	// NextUserIdentifier allocates a new user id.
	NextUserIdentifier(ctx context.Context) (int64, error)
}

// ErrUnavailable is returned by Unavailable.
var ErrUnavailable = errors.New("storage is not configured")

// Unavailable is the Store used when no database is configured.
type Unavailable struct{}

// LoadSessionPrerequisites implements Store.
func (Unavailable) LoadSessionPrerequisites(context.Context) (ServerData, error) {
	return ServerData{}, ErrUnavailable
}

// NextUserIdentifier implements Store.
func (Unavailable) NextUserIdentifier(context.Context) (int64, error) {
	return 0, ErrUnavailable
}
