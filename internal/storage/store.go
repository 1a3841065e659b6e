package storage

import (
	"context"
	"errors"

	"github.com/olehkaliuzhnyi/deposit-watcher/pkg/models"
)

var (
	// ErrIndexTaken is returned when an allocation loses a race for (path, index) or
	// the derived address already exists. Callers retry with a fresh read.
	ErrIndexTaken = errors.New("address index already taken")
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("not found")
)

// DeriveFunc maps an index to the address it derives to.
type DeriveFunc func(index uint32) (string, error)

// AddressLedger stores allocated receive addresses.
// (path, index) and address are each unique; indexes per path only grow.
type AddressLedger interface {
	// AllocateNext reads the highest index under basePath, derives max+1 and inserts it.
	// The first index allocated under an empty path is 1.
	AllocateNext(ctx context.Context, basePath string, derive DeriveFunc) (*models.AddressRecord, error)
	// Known reports whether address was allocated. Comparison ignores hex case.
	Known(ctx context.Context, address string) (bool, error)
	// MarkUsed stamps last_used_at on address. Unknown addresses return ErrNotFound.
	MarkUsed(ctx context.Context, address string) error
	// Get returns the record at (basePath, index).
	Get(ctx context.Context, basePath string, index uint32) (*models.AddressRecord, error)
	// List returns basePath's records ordered by index.
	List(ctx context.Context, basePath string) ([]models.AddressRecord, error)
	// All returns every record in creation order.
	All(ctx context.Context) ([]models.AddressRecord, error)
	// Indexes returns the allocated indexes under basePath in ascending order.
	Indexes(ctx context.Context, basePath string) ([]uint32, error)
}

// WatermarkStore persists the last chain position the deposit filter handled.
type WatermarkStore interface {
	// Watermark returns the stored position; ok is false when none was saved yet.
	Watermark(ctx context.Context) (pos models.Position, ok bool, err error)
	// SetWatermark stores pos. Positions at or before the current watermark are ignored.
	SetWatermark(ctx context.Context, pos models.Position) error
}

// Ledger is the full persistent state of a wallet.
type Ledger interface {
	AddressLedger
	WatermarkStore
	Close() error
}
