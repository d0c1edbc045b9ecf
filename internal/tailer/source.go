package tailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/logging"
)

// ErrRead is returned when the log source cannot be read
var ErrRead = errors.New("log source read error")

// Source returns the full current content of a log
type Source interface {
	Read(ctx context.Context) (string, error)
	Name() string
}

// CommandSource reads the log through an external utility such as mtype
type CommandSource struct {
	command string
	args    []string
	timeout time.Duration
}

// NewCommandSource creates a source that runs command with args on every read
func NewCommandSource(command string, args []string, timeout time.Duration) *CommandSource {
	return &CommandSource{
		command: command,
		args:    args,
		timeout: timeout,
	}
}

// Name returns the source name
func (s *CommandSource) Name() string {
	return "command:" + s.command
}

// Read runs the command and returns its standard output
func (s *CommandSource) Read(ctx context.Context) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.command, s.args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(err, exec.ErrNotFound):
			return "", fmt.Errorf("%w: command %s not found", ErrRead, s.command)
		case errors.As(err, &exitErr):
			return "", fmt.Errorf("%w: %s exited with %d: %s", ErrRead, s.command, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		default:
			return "", fmt.Errorf("%w: %s: %v", ErrRead, s.command, err)
		}
	}

	return stdout.String(), nil
}

// FileSource reads the log file directly. Every Read stats the file and
// re-reads it when its size or modification time moved. A watcher on the
// file's directory also marks the cache stale, for writes that leave both
// unchanged. Shares and gadget images may never raise watcher events, so
// the watcher alone is never trusted. Without a working watcher every Read
// hits disk.
type FileSource struct {
	path    string
	logger  *logging.Logger
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	watching bool
	dirty    bool
	cached   string
	size     int64
	modTime  time.Time

	wg sync.WaitGroup
}

// NewFileSource creates a file source. Watcher setup failures are logged
// and degrade to plain reads.
func NewFileSource(path string, logger *logging.Logger) *FileSource {
	s := &FileSource{
		path:   filepath.Clean(path),
		logger: logger.WithComponent("file_source"),
		dirty:  true,
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to create file watcher, reading on every poll")
		return s
	}

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("Failed to watch log directory, reading on every poll")
		watcher.Close()
		return s
	}

	s.watcher = watcher
	s.watching = true

	s.wg.Add(1)
	go s.watchLoop()

	return s
}

// Name returns the source name
func (s *FileSource) Name() string {
	return "file:" + s.path
}

// Read returns the current file content
func (s *FileSource) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRead, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		s.dirty = true
		return "", fmt.Errorf("%w: %v", ErrRead, err)
	}

	if s.watching && !s.dirty && info.Size() == s.size && info.ModTime().Equal(s.modTime) {
		return s.cached, nil
	}

	// Cleared before reading so a write that lands mid-read is picked up next poll
	s.dirty = false

	data, err := os.ReadFile(s.path)
	if err != nil {
		s.dirty = true
		return "", fmt.Errorf("%w: %v", ErrRead, err)
	}

	// The stat taken before the read; a later write moves it and forces a re-read
	s.cached = string(data)
	s.size = info.Size()
	s.modTime = info.ModTime()
	return s.cached, nil
}

// Close stops the watcher
func (s *FileSource) Close() error {
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

func (s *FileSource) watchLoop() {
	defer s.wg.Done()

	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				s.stopWatching()
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			s.logger.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("Log file changed")
			s.mu.Lock()
			s.dirty = true
			s.mu.Unlock()

		case err, ok := <-s.watcher.Errors:
			if !ok {
				s.stopWatching()
				return
			}
			// Events may have been dropped; stop trusting the cache
			s.logger.Error().Err(err).Msg("File watcher error, reading on every poll")
			s.stopWatching()
			return
		}
	}
}

func (s *FileSource) stopWatching() {
	s.mu.Lock()
	s.watching = false
	s.dirty = true
	s.mu.Unlock()
}
