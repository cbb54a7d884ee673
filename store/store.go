// Package store persists connection records. The health-check scheduler is
// its main consumer; the CRUD layer that creates and edits records lives
// elsewhere and shares this interface.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fieldgrid/otlink/config"
)

// Status is the persisted connection state. It only transitions on an actual
// probe outcome, never optimistically.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusError    Status = "error"
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("connection record not found")

// ConnectionRecord is one user-configured OT connection.
type ConnectionRecord struct {
	ID           string
	OrgID        string
	Name         string
	Protocol     config.Protocol
	Config       json.RawMessage
	Status       Status
	LastTestedAt time.Time
	LastError    string
	LatencyMs    int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StatusUpdate is the per-sweep outcome folded into a record.
type StatusUpdate struct {
	Status       Status
	LastTestedAt time.Time
	LastError    string
	LatencyMs    int64
}

// Store is the record persistence boundary used by the scheduler.
type Store interface {
	ListOTConnections(ctx context.Context) ([]ConnectionRecord, error)
	UpdateConnectionStatus(ctx context.Context, id string, update StatusUpdate) error
}
