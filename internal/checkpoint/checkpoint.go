package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/machinetail/internal/logging"
	"github.com/therealutkarshpriyadarshi/machinetail/pkg/types"
)

// FileName is the checkpoint file written inside the state directory
const FileName = "last_sent.json"

// snapshot is the on-disk checkpoint layout
type snapshot struct {
	Machine string       `json:"machine"`
	SavedAt time.Time    `json:"saved_at"`
	Record  types.Record `json:"record"`
}

// Manager persists the last record forwarded to the sinks so a restarted
// agent does not resend it
type Manager struct {
	mu      sync.RWMutex
	dir     string
	machine string
	last    types.Record
	dirty   bool
	logger  *logging.Logger

	interval time.Duration
	stopCh   chan struct{}
	saveCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a new checkpoint manager rooted at dir
func NewManager(dir, machine string, interval time.Duration, logger *logging.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	m := &Manager{
		dir:      dir,
		machine:  machine,
		logger:   logger.WithComponent("checkpoint"),
		interval: interval,
		stopCh:   make(chan struct{}),
		saveCh:   make(chan struct{}, 1),
	}

	return m, nil
}

// Path returns the checkpoint file location
func (m *Manager) Path() string {
	return filepath.Join(m.dir, FileName)
}

// Start starts the background saver
func (m *Manager) Start() {
	go m.saveLoop()
}

// Stop stops the background saver and flushes the last record
func (m *Manager) Stop() error {
	var err error
	m.stopOnce.Do(func() {
		close(m.stopCh)
		err = m.Save()
	})
	return err
}

// Update records rec as the last forwarded record and schedules a save
func (m *Manager) Update(rec types.Record) {
	m.mu.Lock()
	m.last = rec.Clone()
	m.dirty = true
	m.mu.Unlock()

	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// Load reads the checkpoint from disk. A missing file is not an error. A
// checkpoint written for a different machine is ignored.
func (m *Manager) Load() (types.Record, error) {
	data, err := os.ReadFile(m.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint data: %w", err)
	}

	if snap.Machine != m.machine {
		m.logger.Warn().
			Str("checkpoint_machine", snap.Machine).
			Str("machine", m.machine).
			Msg("Ignoring checkpoint written for another machine")
		return nil, nil
	}

	m.mu.Lock()
	m.last = snap.Record
	m.dirty = false
	m.mu.Unlock()

	return snap.Record.Clone(), nil
}

// Save writes the last record to disk if it changed since the previous save
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.dirty {
		return nil
	}

	data, err := json.MarshalIndent(snapshot{
		Machine: m.machine,
		SavedAt: time.Now().UTC(),
		Record:  m.last,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint data: %w", err)
	}

	// Write to temporary file first, then rename for atomicity
	checkpointFile := m.Path()
	tmpFile := checkpointFile + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}

	if err := os.Rename(tmpFile, checkpointFile); err != nil {
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}

	m.dirty = false
	return nil
}

func (m *Manager) saveLoop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Save(); err != nil {
				m.logger.Error().Err(err).Msg("Failed to save checkpoint")
			}
		case <-m.saveCh:
			if err := m.Save(); err != nil {
				m.logger.Error().Err(err).Msg("Failed to save checkpoint")
			}
		case <-m.stopCh:
			return
		}
	}
}
