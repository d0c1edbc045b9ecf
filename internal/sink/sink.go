// Package sink delivers normalized machine records to the warehouse and the
// live-status store.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/therealutkarshpriyadarshi/machinetail/internal/parser"
	"github.com/therealutkarshpriyadarshi/machinetail/pkg/types"
)

// ErrDocumentNotFound is returned by a live-status Touch when there is no
// document to refresh yet
var ErrDocumentNotFound = errors.New("status document not found")

// Sink is the downstream boundary of the monitoring loop. Each forwarded
// record is passed to both methods, each with its own copy.
type Sink interface {
	SendToWarehouse(ctx context.Context, rec types.Record) error
	UpdateLiveStatus(ctx context.Context, rec types.Record) error
}

// Warehouse appends one row per record
type Warehouse interface {
	Append(ctx context.Context, rec types.Record) error
	Name() string
	Close() error
}

// Seeder is implemented by warehouses that can report the most recent row
// they hold for a machine
type Seeder interface {
	LatestRecord(ctx context.Context, id types.Identity) (types.Record, error)
}

// LiveStatusStore keeps one current-state document per machine
type LiveStatusStore interface {
	// Set replaces the whole document
	Set(ctx context.Context, doc StatusDocument) error

	// Touch only refreshes PI_Timestamp of an existing document
	Touch(ctx context.Context, machine string, piTimestamp time.Time) error

	Name() string
	Close() error
}

// StatusDocument is the live-status view of a machine
type StatusDocument struct {
	Machine     string    `json:"Machine"`
	Location    string    `json:"Location"`
	Status      string    `json:"Status"`
	Timestamp   time.Time `json:"Timestamp"`
	PITimestamp time.Time `json:"PI_Timestamp"`
}

// NewStatusDocument builds the live-status document of a record. Location
// carries the human-readable location name.
func NewStatusDocument(rec types.Record) (StatusDocument, error) {
	ts, err := time.Parse(parser.OutputLayout, rec[types.FieldTimestamp])
	if err != nil {
		return StatusDocument{}, fmt.Errorf("invalid record timestamp %q: %w", rec[types.FieldTimestamp], err)
	}

	return StatusDocument{
		Machine:     rec[types.FieldMachine],
		Location:    rec[types.FieldLocationName],
		Status:      rec[types.FieldStatus],
		Timestamp:   ts,
		PITimestamp: ts,
	}, nil
}
