package sink

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/machinetail/pkg/types"
)

// StdoutWarehouse writes every record as one JSON line. It is used for
// bench testing an agent without a real warehouse.
type StdoutWarehouse struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdoutWarehouse creates a warehouse writing to w (stdout when nil)
func NewStdoutWarehouse(w io.Writer) *StdoutWarehouse {
	if w == nil {
		w = os.Stdout
	}
	return &StdoutWarehouse{enc: json.NewEncoder(w)}
}

func (s *StdoutWarehouse) Append(ctx context.Context, rec types.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(rec)
}

func (s *StdoutWarehouse) Name() string { return "stdout" }

func (s *StdoutWarehouse) Close() error { return nil }

// StdoutLiveStatus prints live-status writes as JSON lines
type StdoutLiveStatus struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdoutLiveStatus creates a live-status store writing to w (stdout when nil)
func NewStdoutLiveStatus(w io.Writer) *StdoutLiveStatus {
	if w == nil {
		w = os.Stdout
	}
	return &StdoutLiveStatus{enc: json.NewEncoder(w)}
}

func (s *StdoutLiveStatus) Set(ctx context.Context, doc StatusDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(struct {
		Op string `json:"op"`
		StatusDocument
	}{Op: "set", StatusDocument: doc})
}

func (s *StdoutLiveStatus) Touch(ctx context.Context, machine string, piTimestamp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(map[string]interface{}{
		"op":           "touch",
		"Machine":      machine,
		"PI_Timestamp": piTimestamp,
	})
}

func (s *StdoutLiveStatus) Name() string { return "stdout" }

func (s *StdoutLiveStatus) Close() error { return nil }
